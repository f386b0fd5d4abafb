package resources

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

// Sample aggregates per-process readings over the processes of a sandbox.
// CPUMicros and IOBytes are cumulative since process start.
type Sample struct {
	CPUMicros   uint64
	MemoryBytes uint64
	FDs         uint64
	Threads     uint64
	IOBytes     uint64
	Processes   int
}

// Sampler reads resource counters for a set of host processes.
type Sampler interface {
	Sample(pids []int) (Sample, error)
}

// ProcessSampler reads counters from the host process table.
type ProcessSampler struct{}

// NewProcessSampler creates a sampler backed by the host process table.
func NewProcessSampler() *ProcessSampler {
	return &ProcessSampler{}
}

// Sample implements Sampler. Processes that exited between listing and
// reading are skipped.
func (s *ProcessSampler) Sample(pids []int) (Sample, error) {
	var out Sample
	var errs []error

	for _, pid := range pids {
		p, err := process.NewProcess(int32(pid))
		if err != nil {
			continue
		}
		out.Processes++

		if times, err := p.Times(); err == nil {
			out.CPUMicros += uint64((times.User + times.System) * 1e6)
		} else {
			errs = append(errs, fmt.Errorf("pid %d cpu: %w", pid, err))
		}
		if mem, err := p.MemoryInfo(); err == nil {
			out.MemoryBytes += mem.RSS
		}
		if fds, err := p.NumFDs(); err == nil {
			out.FDs += uint64(fds)
		}
		if threads, err := p.NumThreads(); err == nil {
			out.Threads += uint64(threads)
		}
		if io, err := p.IOCounters(); err == nil {
			out.IOBytes += io.ReadBytes + io.WriteBytes
		}
	}

	if len(errs) > 0 && out.Processes == len(errs) {
		return out, errors.Join(errs...)
	}
	if len(errs) > 0 {
		log.Debug().Int("errors", len(errs)).Msg("Partial resource sample")
	}
	return out, nil
}

// Delta tracks cumulative readings between samples.
type Delta struct {
	lastCPU uint64
	lastIO  uint64
	primed  bool
}

// Advance returns the cpu and io consumed since the previous call. The
// first call only primes the tracker.
func (d *Delta) Advance(s Sample) (cpuMicros, ioBytes uint64) {
	if d.primed {
		cpuMicros = saturatingSub(s.CPUMicros, d.lastCPU)
		ioBytes = saturatingSub(s.IOBytes, d.lastIO)
	}
	d.lastCPU = s.CPUMicros
	d.lastIO = s.IOBytes
	d.primed = true
	return cpuMicros, ioBytes
}
