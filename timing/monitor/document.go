package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// NonFinite selects how NaN and infinities are written.
type NonFinite int

const (
	// NonFiniteC writes -nan, inf and -inf, the way C's %f prints the
	// results of 0/0 and x/0 on x86-64.
	NonFiniteC NonFinite = iota
	// NonFiniteJS writes NaN, Infinity and -Infinity, which Python's json
	// module reads back as floats.
	NonFiniteJS
)

// ParseNonFinite parses "c" or "js".
func ParseNonFinite(s string) (NonFinite, error) {
	switch s {
	case "", "c":
		return NonFiniteC, nil
	case "js":
		return NonFiniteJS, nil
	}
	return 0, fmt.Errorf("unknown non-finite style %q", s)
}

// Object is a JSON object that keeps its keys in insertion order.
type Object struct {
	keys   []string
	values []any
}

// Array is a JSON array of document values.
type Array []any

// NewObject creates an empty object.
func NewObject() *Object {
	return &Object{}
}

// Set appends a key. Setting an existing key replaces its value in place.
func (o *Object) Set(key string, v any) *Object {
	for i, k := range o.keys {
		if k == key {
			o.values[i] = v
			return o
		}
	}
	o.keys = append(o.keys, key)
	o.values = append(o.values, v)
	return o
}

// Get returns the value stored under key.
func (o *Object) Get(key string) (any, bool) {
	for i, k := range o.keys {
		if k == key {
			return o.values[i], true
		}
	}
	return nil, false
}

// Keys returns the keys in order.
func (o *Object) Keys() []string {
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// Bytes serializes the object on a single line with NonFiniteC.
func (o *Object) Bytes() ([]byte, error) {
	return o.Encode(NonFiniteC)
}

// Encode serializes the object on a single line. Floats are printed with six
// decimals and non-finite floats with the tokens of style.
func (o *Object) Encode(style NonFinite) ([]byte, error) {
	w := &writer{style: style}
	if err := w.value(o); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

type writer struct {
	buf   bytes.Buffer
	style NonFinite
}

func (w *writer) value(v any) error {
	buf := &w.buf

	switch v := v.(type) {
	case nil:
		buf.WriteString("null")
	case *Object:
		return w.object(v)
	case Array:
		return w.array(v)
	case string:
		s, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(s)
	case bool:
		buf.WriteString(strconv.FormatBool(v))
	case int:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(v, 10))
	case float64:
		buf.WriteString(formatFloat(v, w.style))
	default:
		return fmt.Errorf("unsupported document value of type %T", v)
	}
	return nil
}

func (w *writer) object(o *Object) error {
	w.buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			w.buf.WriteByte(',')
		}
		if err := w.value(k); err != nil {
			return err
		}
		w.buf.WriteByte(':')
		if err := w.value(o.values[i]); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	w.buf.WriteByte('}')
	return nil
}

func (w *writer) array(a Array) error {
	w.buf.WriteByte('[')
	for i, v := range a {
		if i > 0 {
			w.buf.WriteByte(',')
		}
		if err := w.value(v); err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
	}
	w.buf.WriteByte(']')
	return nil
}

func formatFloat(f float64, style NonFinite) string {
	if !math.IsNaN(f) && !math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'f', 6, 64)
	}

	if style == NonFiniteJS {
		switch {
		case math.IsNaN(f):
			return "NaN"
		case math.IsInf(f, 1):
			return "Infinity"
		}
		return "-Infinity"
	}

	// 0/0 yields the x86-64 default NaN, whose sign bit is set.
	switch {
	case math.IsNaN(f):
		return "-nan"
	case math.IsInf(f, 1):
		return "inf"
	}
	return "-inf"
}
