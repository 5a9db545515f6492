package monitor

// DrivenMarker replaces the numeric ActualBlockSize when the block size is
// governed by a driving sequence.
const DrivenMarker = "CaL_Drive"

// Ratios are the derived metrics of a snapshot or interval. They are computed
// in single precision. A zero denominator yields NaN or an infinity.
type Ratios struct {
	HitRate  float64
	MissRate float64
	// CaL is accesses per byte brought in: accesses / (blocks * block size).
	CaL float64
}

func computeRatios(accesses, hits, misses, blocks uint64, blockSize uint32) Ratios {
	acc := float32(accesses)
	return Ratios{
		HitRate:  float64(float32(hits) / acc),
		MissRate: float64(float32(misses) / acc),
		CaL:      float64(acc / float32(blocks*uint64(blockSize))),
	}
}

// Entry is one element of the report's Data array.
type Entry struct {
	Count int
	IntervalRecord
	Ratios
}

// Report is the rendered state of a monitor.
type Report struct {
	CacheName string
	// BlockSize is the nominal block size.
	BlockSize uint32
	// ActualBlockSize is the default block size. It is reported as
	// DrivenMarker when Driven is set.
	ActualBlockSize uint32
	Driven          bool
	TraceName       string
	CPUID           uint32
	// NonFinite selects the tokens written for NaN and infinite ratios.
	NonFinite NonFinite

	LeastState  Snapshot
	LeastRatios Ratios

	Data []Entry
}

// Report renders the current state. It returns nil when nothing has been
// recorded in this phase.
func (m *Monitor) Report() *Report {
	if len(m.history) == 0 && m.last.Misses == 0 {
		return nil
	}

	r := &Report{
		CacheName:       m.name,
		BlockSize:       m.nominalBS,
		ActualBlockSize: m.driver.Default,
		Driven:          !m.warmingUp && m.driver.Driven(),
		TraceName:       m.traceName,
		CPUID:           m.cpuID,
		NonFinite:       m.nonFinite,
		LeastState:      m.last,
		LeastRatios: computeRatios(m.last.Accesses, m.last.Hits, m.last.Misses,
			m.last.BlockCount, m.nominalBS),
		Data: make([]Entry, 0, len(m.history)),
	}

	for i, rec := range m.history {
		r.Data = append(r.Data, Entry{
			Count:          i,
			IntervalRecord: rec,
			Ratios: computeRatios(rec.Accesses, rec.Hits, rec.Misses,
				rec.BlockCount, m.nominalBS),
		})
	}

	return r
}

// Render returns the current state as a single-line document, or nil when
// there is nothing to report.
func (m *Monitor) Render() ([]byte, error) {
	r := m.Report()
	if r == nil {
		return nil, nil
	}
	return r.Bytes()
}

// Document builds the ordered document for the report.
func (r *Report) Document() *Object {
	var actual any = r.ActualBlockSize
	if r.Driven {
		actual = DrivenMarker
	}

	least := NewObject().
		Set("CurrentCycle", r.LeastState.CurrentCycle).
		Set("CpuRetiredInst", r.LeastState.RetiredInstructions).
		Set("CpuCurrentCycle", r.LeastState.CPUCycle).
		Set("Access", r.LeastState.Accesses).
		Set("Hit", r.LeastState.Hits).
		Set("Miss", r.LeastState.Misses).
		Set("BlockCount", r.LeastState.BlockCount).
		Set("Hit_rate", r.LeastRatios.HitRate).
		Set("Miss_rate", r.LeastRatios.MissRate).
		Set("CaL", r.LeastRatios.CaL)

	data := make(Array, 0, len(r.Data))
	for _, e := range r.Data {
		data = append(data, NewObject().
			Set("count", e.Count).
			Set("current_cycle", e.CurrentCycle).
			Set("cpu_retired_inst", e.RetiredInstructions).
			Set("cpu_current_cycle", e.CPUCycle).
			Set("access", e.Accesses).
			Set("hit", e.Hits).
			Set("miss", e.Misses).
			Set("block_count", e.BlockCount).
			Set("crycle_ipc", e.CycleIPC).
			Set("all_ipc", e.OverallIPC).
			Set("Hit_rate", e.HitRate).
			Set("Miss_rate", e.MissRate).
			Set("CaL", e.CaL))
	}

	return NewObject().
		Set("CacheName", r.CacheName).
		Set("BlockSize", r.BlockSize).
		Set("ActualBlockSize", actual).
		Set("TraceName", r.TraceName).
		Set("CpuId", r.CPUID).
		Set("LeastState", least).
		Set("Data", data)
}

// Bytes serializes the report on a single line.
func (r *Report) Bytes() ([]byte, error) {
	return r.Document().Encode(r.NonFinite)
}
