// Package loader reads memory-access traces.
//
// A trace is a text file with one access per line:
//
//	<gap> <R|W> <address>
//
// gap is the number of non-memory instructions retired before the access and
// address is hexadecimal, with or without a 0x prefix. Blank lines and lines
// starting with '#' are ignored.
package loader

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Access is one memory access of a trace.
type Access struct {
	// Gap is the number of non-memory instructions before this access.
	Gap uint64
	// Write is true for stores.
	Write bool
	// Addr is the accessed byte address.
	Addr uint64
}

// Trace is a loaded trace.
type Trace struct {
	// Name is the file name without directory and extension.
	Name string
	// Accesses in program order.
	Accesses []Access
}

// Instructions returns the number of instructions the trace retires.
func (t *Trace) Instructions() uint64 {
	var n uint64
	for _, a := range t.Accesses {
		n += a.Gap + 1
	}
	return n
}

// Load reads a trace file.
func Load(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	defer func() { _ = f.Close() }()

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Parse(f, name)
}

// Parse reads a trace from r.
func Parse(r io.Reader, name string) (*Trace, error) {
	t := &Trace{Name: name}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		a, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, lineNo, err)
		}
		t.Accesses = append(t.Accesses, a)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}

	return t, nil
}

func parseLine(line string) (Access, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Access{}, fmt.Errorf("expected 3 fields, got %d", len(fields))
	}

	gap, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Access{}, fmt.Errorf("invalid gap %q: %w", fields[0], err)
	}

	var write bool
	switch strings.ToUpper(fields[1]) {
	case "R":
	case "W":
		write = true
	default:
		return Access{}, fmt.Errorf("invalid access kind %q", fields[1])
	}

	hex := strings.TrimPrefix(strings.ToLower(fields[2]), "0x")
	addr, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return Access{}, fmt.Errorf("invalid address %q: %w", fields[2], err)
	}

	return Access{Gap: gap, Write: write, Addr: addr}, nil
}
