package monitor

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"
)

// DrivenFileMarker takes the place of the block size in the file name of a
// monitor that has a driving sequence.
const DrivenFileMarker = "CaL-Drive"

// FileName returns the report file for the given phase. dir is used as a
// plain prefix, so it normally ends with a path separator.
func (m *Monitor) FileName(dir, phase string) string {
	bs := DrivenFileMarker
	if !m.driver.Driven() {
		bs = strconv.FormatUint(uint64(m.driver.Default), 10)
	}

	return fmt.Sprintf("%s%s_%s_%s_LOAD_%s_cpu_%d.json",
		dir, m.traceName, bs, m.name, phase, m.cpuID)
}

// Flush appends the rendered report of the current phase to the phase's
// report file as one line, then resets the monitor for the next phase. It
// returns the report that was written, or nil if there was nothing to report
// and a blank line holding a single space was written instead.
//
// The monitor is left untouched if the write fails.
func (m *Monitor) Flush(dir, phase string, nextWarmup bool) (*Report, error) {
	report := m.Report()

	line := []byte(" ")
	if report != nil {
		var err error
		line, err = report.Bytes()
		if err != nil {
			return nil, fmt.Errorf("failed to render report: %w", err)
		}
	}
	line = append(line, '\n')

	path := m.FileName(dir, phase)
	if err := appendFile(path, line); err != nil {
		return nil, err
	}

	m.log.Info("report saved",
		zap.String("phase", phase),
		zap.String("path", path),
		zap.Int("intervals", len(m.history)))

	m.reset(nextWarmup)

	return report, nil
}

func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open report file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write report file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close report file: %w", err)
	}

	return nil
}
