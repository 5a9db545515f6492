package monitor_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sarchlab/calmon/timing/monitor"
)

// misses builds a snapshot whose counters are derived from a miss count.
func misses(n uint64) monitor.Snapshot {
	return monitor.Snapshot{
		CurrentCycle:        n * 10,
		RetiredInstructions: n * 5,
		CPUCycle:            n * 10,
		Accesses:            n * 4,
		Hits:                n * 3,
		Misses:              n,
		BlockCount:          n,
		CycleIPC:            0.5,
		OverallIPC:          0.5,
	}
}

var _ = Describe("Monitor", func() {
	var (
		m    *monitor.Monitor
		cfg  monitor.Config
		logs *observer.ObservedLogs
	)

	BeforeEach(func() {
		cfg = monitor.Config{
			CPUID:     0,
			Name:      "L1D",
			TraceName: "gcc",
			Threshold: 10,
			BlockSize: 2048,
		}

		var core zapcore.Core
		core, logs = observer.New(zapcore.InfoLevel)

		var err error
		m, err = monitor.New(cfg, monitor.WithLogger(zap.New(core)))
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("New", func() {
		It("should start in warmup with an empty history", func() {
			Expect(m.WarmingUp()).To(BeTrue())
			Expect(m.Completed()).To(BeFalse())
			Expect(m.History()).To(BeEmpty())
			Expect(m.LastSnapshot()).To(Equal(monitor.Snapshot{}))
			Expect(logs.FilterMessage("monitor created").Len()).To(Equal(1))
		})

		It("should reject a zero threshold", func() {
			cfg.Threshold = 0
			_, err := monitor.New(cfg)
			Expect(err).To(MatchError(monitor.ErrInvalidConfig))
		})

		It("should reject a zero block size", func() {
			cfg.BlockSize = 0
			_, err := monitor.New(cfg)
			Expect(err).To(MatchError(monitor.ErrInvalidConfig))
		})

		It("should reject a malformed driving sequence", func() {
			cfg.DrivingSequence = "4096 big"
			_, err := monitor.New(cfg)
			Expect(err).To(MatchError(monitor.ErrInvalidConfig))
		})

		It("should parse the driving sequence", func() {
			cfg.DrivingSequence = "4096 8192"
			driven, err := monitor.New(cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(driven.Driver().Sequence).To(Equal([]uint32{4096, 8192}))
			Expect(driven.Driver().Driven()).To(BeTrue())
		})
	})

	Describe("Record", func() {
		It("should ignore updates between boundaries", func() {
			d, err := m.Record(0, misses(5))
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Sampled).To(BeFalse())
			Expect(d.BlockSize).To(Equal(uint32(2048)))
			Expect(m.History()).To(BeEmpty())
		})

		It("should ignore the initial zero-miss update", func() {
			d, err := m.Record(0, misses(0))
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Sampled).To(BeFalse())
			Expect(m.History()).To(BeEmpty())
		})

		It("should sample at a threshold boundary", func() {
			d, err := m.Record(0, misses(10))
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Sampled).To(BeTrue())
			Expect(d.NextReportPoint).To(Equal(uint64(10)))
			Expect(m.History()).To(HaveLen(1))
			Expect(m.LastSnapshot()).To(Equal(misses(10)))
		})

		It("should not sample the same boundary twice", func() {
			_, _ = m.Record(0, misses(10))

			stalled := misses(10)
			stalled.CurrentCycle += 100
			d, err := m.Record(0, stalled)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Sampled).To(BeFalse())
			Expect(m.History()).To(HaveLen(1))
		})

		It("should sample iff misses hit a new multiple of the threshold", func() {
			stream := []uint64{1, 5, 10, 10, 11, 19, 20, 20, 25, 30, 30, 40}
			var sampledAt []uint64
			for _, n := range stream {
				d, err := m.Record(0, misses(n))
				Expect(err).NotTo(HaveOccurred())
				if d.Sampled {
					sampledAt = append(sampledAt, n)
				}
			}
			Expect(sampledAt).To(Equal([]uint64{10, 20, 30, 40}))
			Expect(m.History()).To(HaveLen(4))
		})

		It("should return an error for a foreign cpu", func() {
			_, err := m.Record(3, misses(10))
			Expect(err).To(MatchError(monitor.ErrCPUMismatch))
			Expect(m.History()).To(BeEmpty())
			Expect(logs.FilterMessage("cpu id mismatch").Len()).To(Equal(1))
		})

		It("should panic for a foreign cpu when failing fast", func() {
			strict, err := monitor.New(cfg, monitor.WithFailFast())
			Expect(err).NotTo(HaveOccurred())
			Expect(func() { _, _ = strict.Record(1, misses(10)) }).To(Panic())
			Expect(func() { _ = strict.EndRecord(1, misses(10)) }).To(Panic())
		})
	})

	Describe("Interval deltas", func() {
		It("should diff against the previous snapshot and label with it", func() {
			s1 := monitor.Snapshot{
				CurrentCycle: 100, RetiredInstructions: 50, CPUCycle: 100,
				Accesses: 40, Hits: 30, Misses: 10, BlockCount: 10,
				CycleIPC: 0.5, OverallIPC: 0.5,
			}
			s2 := monitor.Snapshot{
				CurrentCycle: 200, RetiredInstructions: 120, CPUCycle: 200,
				Accesses: 100, Hits: 80, Misses: 20, BlockCount: 20,
				CycleIPC: 0.7, OverallIPC: 0.6,
			}

			_, _ = m.Record(0, s1)
			_, _ = m.Record(0, s2)

			h := m.History()
			Expect(h).To(HaveLen(2))
			Expect(h[0]).To(Equal(monitor.IntervalRecord{
				Accesses: 40, Hits: 30, Misses: 10, BlockCount: 10,
			}))
			Expect(h[1]).To(Equal(monitor.IntervalRecord{
				CurrentCycle: 100, RetiredInstructions: 50, CPUCycle: 100,
				Accesses: 60, Hits: 50, Misses: 10, BlockCount: 10,
				CycleIPC: 0.5, OverallIPC: 0.5,
			}))
			Expect(m.LastSnapshot()).To(Equal(s2))
		})

		It("should clamp a counter that went backwards", func() {
			prev := monitor.Snapshot{Accesses: 100, Hits: 90, Misses: 10, BlockCount: 10}
			curr := monitor.Snapshot{Accesses: 5, Hits: 4, Misses: 20, BlockCount: 2}

			rec := monitor.Delta(prev, curr)
			Expect(rec.Accesses).To(BeZero())
			Expect(rec.Hits).To(BeZero())
			Expect(rec.Misses).To(Equal(uint64(10)))
			Expect(rec.BlockCount).To(BeZero())
		})
	})

	Describe("Block-size driving", func() {
		BeforeEach(func() {
			cfg.DrivingSequence = "4096 8192"
			var err error
			m, err = monitor.New(cfg)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should always return the default during warmup", func() {
			for _, n := range []uint64{10, 20, 30, 40} {
				d, err := m.Record(0, misses(n))
				Expect(err).NotTo(HaveOccurred())
				Expect(d.Sampled).To(BeTrue())
				Expect(d.BlockSize).To(Equal(uint32(2048)))
			}
		})

		It("should replay the sequence by interval count after warmup", func() {
			m.SetWarmingUp(false)

			var got []uint32
			for _, n := range []uint64{10, 20, 30} {
				d, err := m.Record(0, misses(n))
				Expect(err).NotTo(HaveOccurred())
				got = append(got, d.BlockSize)
			}

			// The first interval runs before any boundary, at the cache's
			// current size; each boundary selects the size of the interval
			// it opens.
			Expect(got).To(Equal([]uint32{8192, 2048, 2048}))
		})

		It("should return the default for non-boundary updates", func() {
			m.SetWarmingUp(false)
			d, err := m.Record(0, misses(7))
			Expect(err).NotTo(HaveOccurred())
			Expect(d.BlockSize).To(Equal(uint32(2048)))
		})
	})

	Describe("EndRecord", func() {
		It("should mark the phase completed and keep the final state", func() {
			_, _ = m.Record(0, misses(10))

			final := misses(13)
			Expect(m.EndRecord(0, final)).To(Succeed())

			Expect(m.Completed()).To(BeTrue())
			Expect(m.History()).To(HaveLen(1))

			want := final
			want.CycleIPC = 0
			want.OverallIPC = 0
			Expect(m.LastSnapshot()).To(Equal(want))
		})

		It("should not touch the state for an empty phase", func() {
			_, _ = m.Record(0, misses(10))

			Expect(m.EndRecord(0, monitor.Snapshot{CurrentCycle: 99})).To(Succeed())
			Expect(m.Completed()).To(BeTrue())
			Expect(m.LastSnapshot()).To(Equal(misses(10)))
		})

		It("should only log when called twice", func() {
			_, _ = m.Record(0, misses(10))
			Expect(m.EndRecord(0, misses(12))).To(Succeed())

			history := m.History()
			last := m.LastSnapshot()

			Expect(m.EndRecord(0, misses(50))).To(Succeed())
			Expect(m.History()).To(Equal(history))
			Expect(m.LastSnapshot()).To(Equal(last))

			entries := logs.FilterMessage("phase already completed").All()
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Level).To(Equal(zapcore.ErrorLevel))
		})

		It("should gate further sampling", func() {
			Expect(m.EndRecord(0, misses(3))).To(Succeed())

			d, err := m.Record(0, misses(10))
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Sampled).To(BeFalse())
			Expect(d.BlockSize).To(Equal(uint32(2048)))
			Expect(m.History()).To(BeEmpty())
		})

		It("should reject a foreign cpu", func() {
			Expect(m.EndRecord(2, misses(3))).To(MatchError(monitor.ErrCPUMismatch))
			Expect(m.Completed()).To(BeFalse())
		})
	})
})
