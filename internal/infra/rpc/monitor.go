package rpc

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/settler/internal/core/ring"
)

// Monitor tracks latency and rate limiting for one node endpoint.
type Monitor struct {
	mu sync.RWMutex

	latencies *ring.Buffer // seconds

	throttleCount      int
	throttlePatterns   []string
	lastThrottleTime   time.Time
	retryAfterDuration time.Duration
	throttleThreshold  int
}

// NewMonitor creates a monitor with default settings.
func NewMonitor() *Monitor {
	return &Monitor{
		latencies: ring.New(100),
		throttlePatterns: []string{
			"rate limit exceeded",
			"too many requests",
			"daily request count exceeded",
			"project rate limit",
			"slowdown",
		},
		throttleThreshold: 5,
	}
}

// RecordRequest records a successful request latency.
func (m *Monitor) RecordRequest(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies.Push(latency.Seconds())
}

// RecordThrottle records a rate limiting response.
func (m *Monitor) RecordThrottle(statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastThrottleTime = time.Now()
	m.throttleCount++

	if statusCode == http.StatusForbidden {
		m.retryAfterDuration = 10 * time.Minute
		return
	}
	if m.throttleCount > m.throttleThreshold {
		m.retryAfterDuration = time.Minute
	}
}

// DetectThrottlePattern checks if a message contains throttle patterns.
func (m *Monitor) DetectThrottlePattern(message string) bool {
	lowerMsg := strings.ToLower(message)
	for _, pattern := range m.throttlePatterns {
		if strings.Contains(lowerMsg, pattern) {
			return true
		}
	}
	return false
}

// RetryAfter returns remaining time before calls are allowed again.
func (m *Monitor) RetryAfter() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.retryAfterDuration > 0 {
		remaining := m.retryAfterDuration - time.Since(m.lastThrottleTime)
		if remaining > 0 {
			return remaining
		}
	}
	return 0
}

// AverageLatency returns the mean latency of recent successful requests.
func (m *Monitor) AverageLatency() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.latencies.Average() * float64(time.Second))
}
