package api

import (
	"context"
	"sync"
	"time"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ComponentHealth is the result of one check.
type ComponentHealth struct {
	Name   string       `json:"name"`
	Status SystemStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus               `json:"system_status"`
	Components   map[string]ComponentHealth `json:"components"`
}

// Check reports a component's health. Failing a critical check makes the
// whole system critical; other failures only degrade it.
type Check struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

// Monitor runs health checks.
type Monitor struct {
	checks  []Check
	timeout time.Duration
}

func NewMonitor(checks ...Check) *Monitor {
	return &Monitor{checks: checks, timeout: 3 * time.Second}
}

// CheckHealth runs all checks concurrently.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	results := make([]ComponentHealth, len(m.checks))
	var wg sync.WaitGroup
	for i, c := range m.checks {
		wg.Add(1)
		go func(i int, c Check) {
			defer wg.Done()
			res := ComponentHealth{Name: c.Name, Status: StatusHealthy}
			if err := c.Probe(ctx); err != nil {
				res.Error = err.Error()
				res.Status = StatusDegraded
				if c.Critical {
					res.Status = StatusCritical
				}
			}
			results[i] = res
		}(i, c)
	}
	wg.Wait()

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth, len(results)),
	}
	// Aggregate status (worst case wins)
	for _, r := range results {
		report.Components[r.Name] = r
		switch {
		case r.Status == StatusCritical:
			report.SystemStatus = StatusCritical
		case r.Status == StatusDegraded && report.SystemStatus == StatusHealthy:
			report.SystemStatus = StatusDegraded
		}
	}
	return report
}
