package agent

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// RuntimeSampler measures the hosting process. Agents run in-process, so
// memory and CPU are process-wide figures set against each agent's limits;
// the error rate comes from the agent's own performance history.
type RuntimeSampler struct {
	// Window is how many recent performance samples feed the error rate.
	Window int

	mu       sync.Mutex
	lastWall time.Time
	lastCPU  time.Duration
}

func NewRuntimeSampler() *RuntimeSampler {
	return &RuntimeSampler{Window: 20}
}

func (s *RuntimeSampler) Sample(_ context.Context, a *Agent) (Sample, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	out := Sample{ErrorRate: a.errorRate(s.Window)}
	if a.ResourceLimits.MaxMemoryMB > 0 {
		out.MemoryUsage = float64(ms.HeapInuse) / float64(a.ResourceLimits.MaxMemoryMB<<20)
	}
	out.CPUUsage = s.cpuUsage()
	return out, nil
}

// cpuUsage is the fraction of available CPU used since the previous call.
func (s *RuntimeSampler) cpuUsage() float64 {
	cpu, ok := processCPUTime()
	if !ok {
		return 0
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	prevWall, prevCPU := s.lastWall, s.lastCPU
	s.lastWall, s.lastCPU = now, cpu
	if prevWall.IsZero() {
		return 0
	}
	wall := now.Sub(prevWall)
	if wall <= 0 {
		return 0
	}
	usage := float64(cpu-prevCPU) / (float64(wall) * float64(runtime.NumCPU()))
	if usage < 0 {
		return 0
	}
	return usage
}
