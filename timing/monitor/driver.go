package monitor

import (
	"fmt"
	"strconv"
	"strings"
)

// Driver picks the block size for an interval. With a driving sequence it
// replays the sequence one entry per interval and falls back to Default once
// the sequence is exhausted.
type Driver struct {
	Sequence []uint32
	Default  uint32
}

// Driven returns true if a driving sequence is configured.
func (d Driver) Driven() bool {
	return len(d.Sequence) > 0
}

// Next returns the block size for the interval with the given index.
func (d Driver) Next(index int) uint32 {
	if index >= 0 && index < len(d.Sequence) {
		return d.Sequence[index]
	}
	return d.Default
}

// ParseDrivingSequence parses a whitespace-separated list of block sizes.
// An empty string means no sequence is configured.
func ParseDrivingSequence(s string) ([]uint32, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, nil
	}

	seq := make([]uint32, 0, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("driving sequence entry %d (%q): %w", i, f, err)
		}
		seq = append(seq, uint32(v))
	}

	return seq, nil
}
