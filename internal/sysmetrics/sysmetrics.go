// Package sysmetrics samples resource usage (host CPU, process memory and
// goroutines) for the admin health probe. It does not drive any admission decision on its own —
// unlike the dynamic-capacity auto-tuning this was grounded on, the broker's
// resource bounds (§5 of the spec) stay static and configured.
package sysmetrics

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// Sample is a point-in-time read of resource usage: host-wide CPU
// utilisation plus this process's RSS and goroutine count.
type Sample struct {
	CPUPercent float64 // across all host CPUs, not this process's share
	MemoryRSS  uint64
	Goroutines int
	SampledAt  time.Time
}

// Sampler periodically refreshes a Sample and serves the last one read.
type Sampler struct {
	mu   sync.RWMutex
	last Sample
	proc *process.Process
}

// NewSampler builds a sampler bound to the current process.
func NewSampler() (*Sampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Sampler{proc: proc}, nil
}

// Run refreshes the sample every interval until stop is closed.
func (s *Sampler) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.refresh()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *Sampler) refresh() {
	pct, _ := cpu.Percent(0, false)
	memInfo, _ := s.proc.MemoryInfo()

	sample := Sample{SampledAt: time.Now(), Goroutines: runtime.NumGoroutine()}
	if len(pct) > 0 {
		sample.CPUPercent = pct[0]
	}
	if memInfo != nil {
		sample.MemoryRSS = memInfo.RSS
	}

	s.mu.Lock()
	s.last = sample
	s.mu.Unlock()
}

// Last returns the most recent sample taken.
func (s *Sampler) Last() Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
