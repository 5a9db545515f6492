// Package core provides a trace-driven CPU core model. The core runs a memory
// trace through its cache hierarchy, feeds the cumulative cache counters to
// the attached monitors once per access, and applies the block sizes the
// monitors ask for.
package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sarchlab/calmon/loader"
	"github.com/sarchlab/calmon/timing/cache"
	"github.com/sarchlab/calmon/timing/monitor"
)

// Stats holds performance statistics for the core.
type Stats struct {
	// Cycles is the total number of cycles simulated.
	Cycles uint64
	// Instructions is the total number of instructions retired.
	Instructions uint64
	// PhaseCycles and PhaseInstructions restart at every phase boundary.
	PhaseCycles       uint64
	PhaseInstructions uint64
	// BlockSizeChanges counts reconfigurations requested by monitors.
	BlockSizeChanges uint64
}

// IPC returns the instructions per cycle of the current phase.
func (s Stats) IPC() float64 {
	if s.PhaseCycles == 0 {
		return 0
	}
	return float64(s.PhaseInstructions) / float64(s.PhaseCycles)
}

type watch struct {
	cache       *cache.Cache
	monitor     *monitor.Monitor
	reportPoint uint64
}

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Core) {
		c.log = log
	}
}

// Core is a single in-order core with a private L1D and L2.
type Core struct {
	// L1D is the first-level data cache, backed by L2.
	L1D *cache.Cache
	// L2 is the second-level cache, backed by memory.
	L2 *cache.Cache

	id      uint32
	watches []*watch
	pos     int
	stats   Stats
	log     *zap.Logger
}

// NewCore creates a core with the given cache configurations.
func NewCore(id uint32, l1d, l2 cache.Config, opts ...Option) (*Core, error) {
	memory := cache.NewFlatMemory()

	l2Cache, err := cache.New(l2, memory)
	if err != nil {
		return nil, fmt.Errorf("l2: %w", err)
	}

	l1Cache, err := cache.New(l1d, cache.AsBacking(l2Cache))
	if err != nil {
		return nil, fmt.Errorf("l1d: %w", err)
	}

	c := &Core{
		L1D: l1Cache,
		L2:  l2Cache,
		id:  id,
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// ID returns the core id.
func (c *Core) ID() uint32 {
	return c.id
}

// Attach makes m observe the counters of ca. Monitors are updated in
// attachment order.
func (c *Core) Attach(ca *cache.Cache, m *monitor.Monitor) {
	c.watches = append(c.watches, &watch{cache: ca, monitor: m})
}

// Monitors returns the attached monitors.
func (c *Core) Monitors() []*monitor.Monitor {
	out := make([]*monitor.Monitor, 0, len(c.watches))
	for _, p := range c.watches {
		out = append(out, p.monitor)
	}
	return out
}

// NextReportPoint returns the miss count at which the named monitor last
// closed an interval.
func (c *Core) NextReportPoint(name string) uint64 {
	for _, p := range c.watches {
		if p.monitor.Name() == name {
			return p.reportPoint
		}
	}
	return 0
}

// Stats returns performance statistics for the core.
func (c *Core) Stats() Stats {
	return c.stats
}

// Step executes one trace access.
func (c *Core) Step(a loader.Access) error {
	var res cache.AccessResult
	if a.Write {
		res = c.L1D.Write(a.Addr, 8, a.Addr)
	} else {
		res = c.L1D.Read(a.Addr, 8)
	}

	insts := a.Gap + 1
	cycles := a.Gap + res.Latency

	c.stats.Instructions += insts
	c.stats.PhaseInstructions += insts
	c.stats.Cycles += cycles
	c.stats.PhaseCycles += cycles

	cycleIPC := 0.0
	if cycles > 0 {
		cycleIPC = float64(insts) / float64(cycles)
	}

	return c.observe(cycleIPC)
}

func (c *Core) snapshot(p *watch, cycleIPC float64) monitor.Snapshot {
	cs := p.cache.Stats()
	return monitor.Snapshot{
		CurrentCycle:        c.stats.Cycles,
		RetiredInstructions: c.stats.PhaseInstructions,
		CPUCycle:            c.stats.PhaseCycles,
		Accesses:            cs.Accesses,
		Hits:                cs.Hits,
		Misses:              cs.Misses,
		BlockCount:          cs.Fills,
		CycleIPC:            cycleIPC,
		OverallIPC:          c.stats.IPC(),
	}
}

func (c *Core) observe(cycleIPC float64) error {
	for _, p := range c.watches {
		d, err := p.monitor.Record(c.id, c.snapshot(p, cycleIPC))
		if err != nil {
			return err
		}

		if !d.Sampled {
			continue
		}
		p.reportPoint = d.NextReportPoint

		if int(d.BlockSize) == p.cache.BlockSize() {
			continue
		}

		if err := p.cache.SetBlockSize(int(d.BlockSize)); err != nil {
			return fmt.Errorf("%s: %w", p.monitor.Name(), err)
		}
		c.stats.BlockSizeChanges++

		c.log.Debug("block size changed",
			zap.Uint32("cpu", c.id),
			zap.String("cache", p.monitor.Name()),
			zap.Uint32("block_size", d.BlockSize))
	}

	return nil
}

// ctxCheckInterval is the number of accesses between two context checks.
const ctxCheckInterval = 4096

// RunPhase steps through tr, continuing where the previous phase stopped,
// until limit instructions were retired in this phase or the trace ends.
// A zero limit runs to the end of the trace. It returns false once the trace
// is exhausted, and the context error once ctx is done.
func (c *Core) RunPhase(ctx context.Context, tr *loader.Trace, limit uint64) (bool, error) {
	for n := 0; c.pos < len(tr.Accesses); n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return true, err
			}
		}

		if limit > 0 && c.stats.PhaseInstructions >= limit {
			return true, nil
		}

		if err := c.Step(tr.Accesses[c.pos]); err != nil {
			return false, err
		}
		c.pos++
	}

	return false, nil
}

// EndPhase closes the current phase on every monitor, writes the reports to
// dir under the given phase label, and starts a new phase. It returns the
// reports that were written.
func (c *Core) EndPhase(dir, label string, nextWarmup bool) ([]*monitor.Report, error) {
	var reports []*monitor.Report

	for _, p := range c.watches {
		if err := p.monitor.EndRecord(c.id, c.snapshot(p, 0)); err != nil {
			return nil, err
		}

		r, err := p.monitor.Flush(dir, label, nextWarmup)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.monitor.Name(), err)
		}
		if r != nil {
			reports = append(reports, r)
		}

		p.reportPoint = 0
	}

	c.log.Info("phase ended",
		zap.Uint32("cpu", c.id),
		zap.String("phase", label),
		zap.Uint64("instructions", c.stats.PhaseInstructions),
		zap.Uint64("cycles", c.stats.PhaseCycles),
		zap.Float64("ipc", c.stats.IPC()))

	c.L1D.ResetStats()
	c.L2.ResetStats()
	c.stats.PhaseCycles = 0
	c.stats.PhaseInstructions = 0

	return reports, nil
}

// Reset clears all core state, including the trace position.
func (c *Core) Reset() {
	c.L1D.Reset()
	c.L2.Reset()
	c.pos = 0
	c.stats = Stats{}
	for _, p := range c.watches {
		p.reportPoint = 0
	}
}
