package monitor

import (
	"fmt"

	"go.uber.org/zap"
)

// DefaultNominalBlockSize is the block size reported as BlockSize and used to
// normalize the CaL ratio when Config.NominalBlockSize is not set.
const DefaultNominalBlockSize = 64

// Config holds the identity and sampling parameters of a monitor.
type Config struct {
	// CPUID is the core that owns the monitor.
	CPUID uint32
	// Name identifies the monitored resource, e.g. "L1D".
	Name string
	// TraceName identifies the workload.
	TraceName string
	// Threshold is the miss-count granularity of a sampling boundary.
	Threshold uint64
	// BlockSize is the default block size handed back to the cache.
	BlockSize uint32
	// DrivingSequence is an optional whitespace-separated list of block
	// sizes, one per interval. Empty means not driven.
	DrivingSequence string
	// NominalBlockSize normalizes the CaL ratio. Zero selects
	// DefaultNominalBlockSize.
	NominalBlockSize uint32
	// NonFinite selects the tokens written for NaN and infinite ratios.
	NonFinite NonFinite
}

// Decision is the result of a Record call.
type Decision struct {
	// BlockSize is the block size the cache should use from now on.
	BlockSize uint32
	// Sampled is true if the update closed an interval.
	Sampled bool
	// NextReportPoint is the miss count at which the interval was closed.
	// It is only meaningful when Sampled is true.
	NextReportPoint uint64
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger used for diagnostics.
func WithLogger(log *zap.Logger) Option {
	return func(m *Monitor) {
		m.log = log
	}
}

// WithFailFast makes an identity mismatch panic instead of returning
// ErrCPUMismatch.
func WithFailFast() Option {
	return func(m *Monitor) {
		m.failFast = true
	}
}

// Monitor samples the counters of one named resource of one CPU.
// It is not safe for concurrent use; each instance has a single owner.
type Monitor struct {
	cpuID     uint32
	name      string
	traceName string
	threshold uint64
	nominalBS uint32
	nonFinite NonFinite
	driver    Driver

	last      Snapshot
	history   []IntervalRecord
	completed bool
	warmingUp bool

	failFast bool
	log      *zap.Logger
}

// New creates a monitor. A new monitor starts in the warmup phase.
func New(cfg Config, opts ...Option) (*Monitor, error) {
	if cfg.Threshold == 0 {
		return nil, fmt.Errorf("%w: threshold must be > 0", ErrInvalidConfig)
	}
	if cfg.BlockSize == 0 {
		return nil, fmt.Errorf("%w: block size must be > 0", ErrInvalidConfig)
	}

	seq, err := ParseDrivingSequence(cfg.DrivingSequence)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	nominal := cfg.NominalBlockSize
	if nominal == 0 {
		nominal = DefaultNominalBlockSize
	}

	m := &Monitor{
		cpuID:     cfg.CPUID,
		name:      cfg.Name,
		traceName: cfg.TraceName,
		threshold: cfg.Threshold,
		nominalBS: nominal,
		nonFinite: cfg.NonFinite,
		driver:    Driver{Sequence: seq, Default: cfg.BlockSize},
		warmingUp: true,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.log.Info("monitor created",
		zap.String("name", m.name),
		zap.Uint32("cpu", m.cpuID),
		zap.Uint64("threshold", m.threshold),
		zap.String("trace", m.traceName),
		zap.Int("driving_sequence", len(seq)),
		zap.Uint32("block_size", cfg.BlockSize))

	return m, nil
}

// CPUID returns the id of the owning CPU.
func (m *Monitor) CPUID() uint32 { return m.cpuID }

// Name returns the monitored resource name.
func (m *Monitor) Name() string { return m.name }

// TraceName returns the workload name.
func (m *Monitor) TraceName() string { return m.traceName }

// Driver returns the block-size driver.
func (m *Monitor) Driver() Driver { return m.driver }

// DefaultBlockSize returns the configured default block size.
func (m *Monitor) DefaultBlockSize() uint32 { return m.driver.Default }

// Completed returns true once the current phase has been ended.
func (m *Monitor) Completed() bool { return m.completed }

// WarmingUp returns true while the monitor is in a warmup phase.
func (m *Monitor) WarmingUp() bool { return m.warmingUp }

// SetWarmingUp switches warmup mode on or off for the current phase.
func (m *Monitor) SetWarmingUp(warmup bool) { m.warmingUp = warmup }

// LastSnapshot returns the baseline the next interval is diffed against.
func (m *Monitor) LastSnapshot() Snapshot { return m.last }

// History returns a copy of the recorded intervals.
func (m *Monitor) History() []IntervalRecord {
	out := make([]IntervalRecord, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Monitor) checkCPU(op string, cpuID uint32) error {
	if cpuID == m.cpuID {
		return nil
	}

	m.log.Error("cpu id mismatch",
		zap.String("op", op),
		zap.String("name", m.name),
		zap.Uint32("got", cpuID),
		zap.Uint32("want", m.cpuID))

	err := fmt.Errorf("%w: %s got cpu %d, monitor %q belongs to cpu %d",
		ErrCPUMismatch, op, cpuID, m.name, m.cpuID)
	if m.failFast {
		panic(err)
	}
	return err
}

// Record feeds one cumulative reading. An interval is closed only when the
// miss count is a multiple of the threshold and differs from the miss count
// at the previous boundary. The returned block size is the default unless
// an interval was closed outside of warmup.
func (m *Monitor) Record(cpuID uint32, s Snapshot) (Decision, error) {
	if err := m.checkCPU("record", cpuID); err != nil {
		return Decision{}, err
	}

	d := Decision{BlockSize: m.driver.Default}

	if m.completed {
		return d, nil
	}
	if s.Misses%m.threshold != 0 {
		return d, nil
	}
	if s.Misses == m.last.Misses {
		return d, nil
	}

	d.Sampled = true
	d.NextReportPoint = s.Misses

	bs := m.commit(s)
	if !m.warmingUp {
		d.BlockSize = bs
	}

	return d, nil
}

// commit closes the current interval and returns the block size for the
// next one.
func (m *Monitor) commit(s Snapshot) uint32 {
	m.history = append(m.history, Delta(m.last, s))
	m.last = s

	return m.driver.Next(len(m.history))
}

// EndRecord closes the current phase. Further Record calls are ignored until
// Flush. Ending a phase twice is logged and otherwise ignored.
func (m *Monitor) EndRecord(cpuID uint32, final Snapshot) error {
	m.log.Info("end record",
		zap.Uint32("cpu", cpuID),
		zap.String("name", m.name),
		zap.Uint64("current_cycle", final.CurrentCycle),
		zap.Uint64("retired_inst", final.RetiredInstructions),
		zap.Uint64("cpu_cycle", final.CPUCycle),
		zap.Uint64("access", final.Accesses),
		zap.Uint64("hit", final.Hits),
		zap.Uint64("miss", final.Misses),
		zap.Uint64("block_count", final.BlockCount))

	if err := m.checkCPU("end record", cpuID); err != nil {
		return err
	}

	if m.completed {
		m.log.Error("phase already completed",
			zap.String("name", m.name),
			zap.Uint32("cpu", cpuID))
		return nil
	}

	m.completed = true

	if final.Accesses == 0 {
		return nil
	}

	final.CycleIPC = 0
	final.OverallIPC = 0
	m.last = final

	return nil
}

// reset prepares the monitor for the next phase.
func (m *Monitor) reset(nextWarmup bool) {
	m.history = nil
	m.last = Snapshot{}
	m.completed = false
	m.warmingUp = nextWarmup
}
