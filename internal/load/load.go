// Package load reports this node's point-in-time resource usage for the
// cluster heartbeat (§4.10): active handler count, container-aware CPU
// load, and heap usage/ceiling.
package load

import (
	"os"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/dgfacade/gateway/internal/single/platform"
)

// ActiveCounter reports the number of workers currently live, satisfying
// the supervisor's LiveCount without a direct worker import here.
type ActiveCounter interface {
	LiveCount() int
}

// Source implements cluster.LoadSource over the container-aware CPU
// monitor and the process's own memory: HeapUsedMB reports resident set
// size via gopsutil, or the Go heap allocation when the process handle
// could not be opened.
type Source struct {
	counter   ActiveCounter
	cpu       *platform.CPUMonitor
	heapMaxMB float64
	proc      *process.Process
}

// New builds a load.Source that reports CPU load via the given monitor
// (container-aware with automatic host fallback, per platform.CPUMonitor)
// and heap usage from the current process. heapMaxMB is the configured
// heap ceiling used for the HeapMaxMB report.
func New(counter ActiveCounter, cpuMonitor *platform.CPUMonitor, heapMaxMB float64) *Source {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return &Source{counter: counter, cpu: cpuMonitor, heapMaxMB: heapMaxMB, proc: proc}
}

// NewDetected builds a load.Source with a fresh platform.CPUMonitor,
// which self-detects cgroup v1/v2 and falls back to host-wide CPU
// measurement when no container limit is found.
func NewDetected(counter ActiveCounter, heapMaxMB float64, logger zerolog.Logger) *Source {
	return New(counter, platform.NewCPUMonitor(logger), heapMaxMB)
}

func (s *Source) ActiveHandlers() int64 {
	if s.counter == nil {
		return 0
	}
	return int64(s.counter.LiveCount())
}

func (s *Source) CPULoad() float64 {
	if s.cpu == nil {
		return 0
	}
	percent, _, err := s.cpu.GetPercent()
	if err != nil {
		return 0
	}
	return percent
}

func (s *Source) HeapUsedMB() float64 {
	if s.proc == nil {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return float64(m.HeapAlloc) / 1024 / 1024
	}
	info, err := s.proc.MemoryInfo()
	if err != nil {
		return 0
	}
	return float64(info.RSS) / 1024 / 1024
}

func (s *Source) HeapMaxMB() float64 {
	return s.heapMaxMB
}
