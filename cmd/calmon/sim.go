package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/calmon/archive"
	"github.com/sarchlab/calmon/config"
	"github.com/sarchlab/calmon/loader"
	"github.com/sarchlab/calmon/timing/cache"
	"github.com/sarchlab/calmon/timing/core"
	"github.com/sarchlab/calmon/timing/monitor"
)

// Phase labels used in report file names.
const (
	PhaseWarmup = "warmup"
	PhaseSim    = "sim"
)

type phase struct {
	label      string
	limit      uint64
	nextWarmup bool
}

// cpuResult summarizes one simulated core.
type cpuResult struct {
	ID      uint32
	Stats   core.Stats
	Reports int
}

func (r cpuResult) ipc() float64 {
	if r.Stats.Cycles == 0 {
		return 0
	}
	return float64(r.Stats.Instructions) / float64(r.Stats.Cycles)
}

// simulate runs every core concurrently. Each core owns its caches and
// monitors, so the only shared state is the read-only trace and the store.
func simulate(
	ctx context.Context,
	cfg *config.Config,
	tr *loader.Trace,
	log *zap.Logger,
	store archive.Store,
) ([]cpuResult, error) {
	results := make([]cpuResult, cfg.CPUs)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.CPUs; i++ {
		id := uint32(i)
		g.Go(func() error {
			res, err := runCPU(ctx, cfg, tr, id, log, store)
			if err != nil {
				return fmt.Errorf("cpu %d: %w", id, err)
			}
			results[id] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

func monitoredCache(c *core.Core, name string) (*cache.Cache, error) {
	switch name {
	case config.ResourceL1D:
		return c.L1D, nil
	case config.ResourceL2:
		return c.L2, nil
	}
	return nil, fmt.Errorf("unknown resource %q", name)
}

func runCPU(
	ctx context.Context,
	cfg *config.Config,
	tr *loader.Trace,
	id uint32,
	log *zap.Logger,
	store archive.Store,
) (cpuResult, error) {
	log = log.With(zap.Uint32("cpu", id))
	res := cpuResult{ID: id}

	nonFinite, err := monitor.ParseNonFinite(cfg.Monitor.NonFinite)
	if err != nil {
		return res, err
	}

	c, err := core.NewCore(id, cfg.L1D.Cache(), cfg.L2.Cache(), core.WithLogger(log))
	if err != nil {
		return res, err
	}

	for _, name := range cfg.Monitor.Resources {
		ca, err := monitoredCache(c, name)
		if err != nil {
			return res, err
		}

		m, err := monitor.New(monitor.Config{
			CPUID:            id,
			Name:             name,
			TraceName:        tr.Name,
			Threshold:        cfg.Monitor.Threshold,
			BlockSize:        cfg.Monitor.BlockSize,
			DrivingSequence:  cfg.Monitor.DrivingSequence,
			NominalBlockSize: cfg.Monitor.NominalBlockSize,
			NonFinite:        nonFinite,
		}, monitor.WithLogger(log.With(zap.String("cache", name))))
		if err != nil {
			return res, err
		}
		c.Attach(ca, m)
	}

	var phases []phase
	if cfg.WarmupInstructions > 0 {
		phases = append(phases, phase{label: PhaseWarmup, limit: cfg.WarmupInstructions})
	} else {
		for _, m := range c.Monitors() {
			m.SetWarmingUp(false)
		}
	}
	phases = append(phases, phase{label: PhaseSim, limit: cfg.SimulationInstructions, nextWarmup: true})

	for _, p := range phases {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if _, err := c.RunPhase(ctx, tr, p.limit); err != nil {
			return res, err
		}

		reports, err := c.EndPhase(cfg.OutputDir, p.label, p.nextWarmup)
		if err != nil {
			return res, err
		}
		res.Reports += len(reports)

		if store == nil {
			continue
		}
		for _, r := range reports {
			if err := store.Save(ctx, p.label, r); err != nil {
				return res, fmt.Errorf("failed to archive report: %w", err)
			}
		}
	}

	res.Stats = c.Stats()

	return res, nil
}

func printSummary(w io.Writer, trace string, results []cpuResult, elapsed time.Duration) {
	var total uint64

	fmt.Fprintf(w, "Trace: %s\n", trace)
	for _, r := range results {
		total += r.Stats.Instructions

		fmt.Fprintf(w, "\n")
		fmt.Fprintf(w, "CPU %d:\n", r.ID)
		fmt.Fprintf(w, "  Total Instructions: %d\n", r.Stats.Instructions)
		fmt.Fprintf(w, "  Total Cycles:       %d\n", r.Stats.Cycles)
		fmt.Fprintf(w, "  IPC:                %.4f\n", r.ipc())
		fmt.Fprintf(w, "  Block size changes: %d\n", r.Stats.BlockSizeChanges)
		fmt.Fprintf(w, "  Reports written:    %d\n", r.Reports)
	}

	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "Elapsed time: %v\n", elapsed)
	if elapsed > 0 {
		fmt.Fprintf(w, "Instructions/second: %.0f\n", float64(total)/elapsed.Seconds())
	}
}

func printCSV(w io.Writer, trace string, results []cpuResult) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"trace", "cpu", "instructions", "cycles", "ipc", "block_size_changes", "reports"})

	for _, r := range results {
		_ = cw.Write([]string{
			trace,
			strconv.FormatUint(uint64(r.ID), 10),
			strconv.FormatUint(r.Stats.Instructions, 10),
			strconv.FormatUint(r.Stats.Cycles, 10),
			strconv.FormatFloat(r.ipc(), 'f', 4, 64),
			strconv.FormatUint(r.Stats.BlockSizeChanges, 10),
			strconv.Itoa(r.Reports),
		})
	}

	cw.Flush()
	return cw.Error()
}
