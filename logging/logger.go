// Package logging builds the zap loggers used by the simulator and its
// monitors.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format selects the log encoding.
type Format string

const (
	// FormatConsole writes human-readable lines.
	FormatConsole Format = "console"
	// FormatJSON writes one JSON object per line.
	FormatJSON Format = "json"
)

// New creates a logger writing to stderr. Accepted levels (case-insensitive):
// "debug", "info", "warn", "error".
func New(level string, format Format) (*zap.Logger, error) {
	return NewWithWriter(level, format, os.Stderr)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(level string, format Format, w io.Writer) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	switch format {
	case FormatJSON:
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), zapLevel)

	return zap.New(core, zap.AddCaller()), nil
}

// Flush writes out buffered entries. Sync errors on terminals are expected
// and ignored.
func Flush(l *zap.Logger) {
	_ = l.Sync()
}
