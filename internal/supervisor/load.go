package supervisor

import (
	"fmt"
	"sync"

	"github.com/prometheus/procfs"
)

// ProcSampler measures host CPU load from /proc/stat deltas.
type ProcSampler struct {
	fs procfs.FS

	mu   sync.Mutex
	prev procfs.CPUStat
}

func NewProcSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcSampler{fs: fs}, nil
}

// Sample returns the busy percentage since the previous call. The first
// call measures since boot.
func (s *ProcSampler) Sample() (float64, error) {
	stat, err := s.fs.Stat()
	if err != nil {
		return 0, fmt.Errorf("read /proc/stat: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	load := cpuLoad(s.prev, stat.CPUTotal)
	s.prev = stat.CPUTotal
	return load, nil
}

// cpuLoad is 100 * (1 - idle/total) over the interval between two samples.
// Guest time is already counted in user time.
func cpuLoad(prev, cur procfs.CPUStat) float64 {
	idle := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
	total := busy(cur) + cur.Idle + cur.Iowait - busy(prev) - prev.Idle - prev.Iowait
	if total <= 0 {
		return 0
	}
	load := 100 * (1 - idle/total)
	return min(max(load, 0), 100)
}

func busy(c procfs.CPUStat) float64 {
	return c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
}
