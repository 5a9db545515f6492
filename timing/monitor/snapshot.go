// Package monitor samples cumulative cache counters at miss-count boundaries,
// keeps the per-interval deltas, and writes them out as a JSON report at the
// end of each measurement phase.
package monitor

// Snapshot is one cumulative counter reading taken at a point in simulated
// time.
type Snapshot struct {
	// CurrentCycle is the global simulation cycle.
	CurrentCycle uint64
	// RetiredInstructions is the number of instructions the core retired.
	RetiredInstructions uint64
	// CPUCycle is the core-local cycle count.
	CPUCycle uint64
	// Accesses, Hits and Misses are the cumulative cache access counters.
	Accesses uint64
	Hits     uint64
	Misses   uint64
	// BlockCount is the cumulative number of blocks brought into the cache.
	BlockCount uint64
	// CycleIPC is the instantaneous IPC supplied by the caller.
	CycleIPC float64
	// OverallIPC is the whole-run IPC supplied by the caller.
	OverallIPC float64
}

// IntervalRecord is one entry of the sampled history. Accesses, Hits, Misses
// and BlockCount are differences between two consecutive snapshots; the other
// fields are absolute values describing the start of the interval.
type IntervalRecord struct {
	CurrentCycle        uint64
	RetiredInstructions uint64
	CPUCycle            uint64
	Accesses            uint64
	Hits                uint64
	Misses              uint64
	BlockCount          uint64
	CycleIPC            float64
	OverallIPC          float64
}

// Delta closes the interval that started at prev and ended at curr. The
// record is labeled with prev's absolute fields and carries curr - prev for
// the counters. A counter that went backwards (a reset) yields zero.
func Delta(prev, curr Snapshot) IntervalRecord {
	return IntervalRecord{
		CurrentCycle:        prev.CurrentCycle,
		RetiredInstructions: prev.RetiredInstructions,
		CPUCycle:            prev.CPUCycle,
		Accesses:            sub(curr.Accesses, prev.Accesses),
		Hits:                sub(curr.Hits, prev.Hits),
		Misses:              sub(curr.Misses, prev.Misses),
		BlockCount:          sub(curr.BlockCount, prev.BlockCount),
		CycleIPC:            prev.CycleIPC,
		OverallIPC:          prev.OverallIPC,
	}
}

func sub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
