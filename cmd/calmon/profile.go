package main

import (
	"fmt"
	"os"
	"runtime/pprof"
)

// profiler writes the CPU and heap profiles of a run.
type profiler struct {
	cpu     *os.File
	memPath string
}

// startProfiler starts CPU profiling if cpuPath is set. The heap profile is
// written on Stop if memPath is set.
func startProfiler(cpuPath, memPath string) (*profiler, error) {
	p := &profiler{memPath: memPath}

	if cpuPath == "" {
		return p, nil
	}

	f, err := os.Create(cpuPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create CPU profile: %w", err)
	}

	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to start CPU profile: %w", err)
	}
	p.cpu = f

	return p, nil
}

// Stop ends CPU profiling and writes the heap profile.
func (p *profiler) Stop() error {
	if p.cpu != nil {
		pprof.StopCPUProfile()
		if err := p.cpu.Close(); err != nil {
			return fmt.Errorf("failed to close CPU profile: %w", err)
		}
		p.cpu = nil
	}

	if p.memPath == "" {
		return nil
	}

	f, err := os.Create(p.memPath)
	if err != nil {
		return fmt.Errorf("failed to create memory profile: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("failed to write memory profile: %w", err)
	}

	return nil
}
