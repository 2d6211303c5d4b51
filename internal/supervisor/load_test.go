package supervisor

import (
	"testing"

	"github.com/prometheus/procfs"
)

func TestCPULoad(t *testing.T) {
	tests := []struct {
		name string
		prev procfs.CPUStat
		cur  procfs.CPUStat
		want float64
	}{
		{
			name: "half busy",
			prev: procfs.CPUStat{User: 100, Idle: 100},
			cur:  procfs.CPUStat{User: 150, Idle: 150},
			want: 50,
		},
		{
			name: "iowait counts as idle",
			prev: procfs.CPUStat{},
			cur:  procfs.CPUStat{System: 25, Idle: 50, Iowait: 25},
			want: 25,
		},
		{
			name: "fully busy",
			prev: procfs.CPUStat{User: 10, Idle: 10},
			cur:  procfs.CPUStat{User: 20, SoftIRQ: 10, Idle: 10},
			want: 100,
		},
		{
			name: "no elapsed time",
			prev: procfs.CPUStat{User: 10, Idle: 10},
			cur:  procfs.CPUStat{User: 10, Idle: 10},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cpuLoad(tt.prev, tt.cur); got != tt.want {
				t.Errorf("cpuLoad() = %v, want %v", got, tt.want)
			}
		})
	}
}
