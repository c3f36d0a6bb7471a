package monitor

import (
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

// SystemSampler reports process CPU and memory usage in percent.
type SystemSampler interface {
	Sample() (cpu, mem float64, err error)
}

// ProcSampler derives CPU% from rusage deltas between calls, normalized by
// the number of CPUs.
type ProcSampler struct {
	lastCPU  time.Duration
	lastWall time.Time
}

func NewProcSampler() *ProcSampler {
	return &ProcSampler{}
}

func (p *ProcSampler) Sample() (float64, float64, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, 0, err
	}
	used := time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
	now := time.Now()

	var cpu float64
	if !p.lastWall.IsZero() {
		wall := now.Sub(p.lastWall)
		if wall > 0 {
			cpu = float64(used-p.lastCPU) / float64(wall) / float64(runtime.NumCPU()) * 100
		}
	}
	p.lastCPU, p.lastWall = used, now

	mem, err := memoryPercent(&ru)
	if err != nil {
		return cpu, 0, err
	}
	return cpu, mem, nil
}
