package monitor

import "errors"

var (
	// ErrCPUMismatch is returned when a monitor is fed counters from a CPU
	// other than the one it was created for. It indicates miswiring by the
	// caller.
	ErrCPUMismatch = errors.New("monitor: cpu id mismatch")

	// ErrInvalidConfig is returned by New for an unusable configuration.
	ErrInvalidConfig = errors.New("monitor: invalid config")
)
