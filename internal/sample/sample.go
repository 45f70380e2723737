// Package sample defines the metric sample handed from producers to the
// dispatcher and its two wire encodings: the newline-delimited line protocol
// used over sockets and the JSON array posted over HTTP.
package sample

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the type of a sample.
type Kind uint8

const (
	// Counter is a server-side tallied increment.
	Counter Kind = iota + 1
	// Timing is a duration in whole milliseconds.
	Timing
)

// String returns the wire type code ("c" or "ms").
func (k Kind) String() string {
	switch k {
	case Counter:
		return "c"
	case Timing:
		return "ms"
	default:
		return "unknown"
	}
}

// ParseKind parses a wire type code.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "c":
		return Counter, nil
	case "ms":
		return Timing, nil
	default:
		return 0, fmt.Errorf("unknown sample type %q", s)
	}
}

// MarshalJSON encodes the kind as its wire code.
func (k Kind) MarshalJSON() ([]byte, error) {
	if k != Counter && k != Timing {
		return nil, fmt.Errorf("cannot encode sample kind %d", k)
	}
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a wire code.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Sample is one named numeric observation.
type Sample struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Kind  Kind    `json:"type"`
}

// NewCounter returns a counter sample.
func NewCounter(name string, amount float64) Sample {
	return Sample{Name: name, Value: amount, Kind: Counter}
}

// NewTiming returns a timing sample with the value in milliseconds.
func NewTiming(name string, millis float64) Sample {
	return Sample{Name: name, Value: millis, Kind: Timing}
}

// ErrUnencodable marks a sample neither wire format can carry.
var ErrUnencodable = errors.New("unencodable sample")

// Check reports whether s can be encoded: its kind must be known and its
// value finite.
func (s Sample) Check() error {
	if s.Kind != Counter && s.Kind != Timing {
		return fmt.Errorf("%w: %q has kind %d", ErrUnencodable, s.Name, s.Kind)
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return fmt.Errorf("%w: %q has value %v", ErrUnencodable, s.Name, s.Value)
	}
	return nil
}

// AppendLine appends the line protocol form "<name>:<value>|<type>" without
// a line terminator.
func (s Sample) AppendLine(buf []byte) []byte {
	buf = append(buf, s.Name...)
	buf = append(buf, ':')
	buf = strconv.AppendFloat(buf, s.Value, 'f', -1, 64)
	buf = append(buf, '|')
	buf = append(buf, s.Kind.String()...)
	return buf
}

// Line returns the line protocol form of the sample.
func (s Sample) Line() string {
	return string(s.AppendLine(make([]byte, 0, len(s.Name)+16)))
}

// EncodeLines serialises a batch as newline-joined lines followed by a
// trailing newline. An empty batch encodes to nil.
func EncodeLines(batch []Sample) []byte {
	if len(batch) == 0 {
		return nil
	}
	buf := make([]byte, 0, len(batch)*32)
	for i, s := range batch {
		if i > 0 {
			buf = append(buf, '\n')
		}
		buf = s.AppendLine(buf)
	}
	return append(buf, '\n')
}

// EncodeJSON serialises a batch as a JSON array of sample objects.
// An empty batch encodes to "[]".
func EncodeJSON(batch []Sample) ([]byte, error) {
	if batch == nil {
		batch = []Sample{}
	}
	return json.Marshal(batch)
}

// DecodeJSON parses a JSON array of sample objects.
func DecodeJSON(data []byte) ([]Sample, error) {
	var out []Sample
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode samples: %w", err)
	}
	return out, nil
}

var errMalformed = errors.New("malformed sample line")

// ParseLine parses "<name>:<value>|<type>". Surrounding whitespace is ignored.
// Trailing statsd fields after a second '|' (sample rates, tags) are ignored.
func ParseLine(line string) (Sample, error) {
	line = strings.TrimSpace(line)
	colon := strings.LastIndexByte(line, ':')
	if colon <= 0 {
		return Sample{}, fmt.Errorf("%w: %q", errMalformed, line)
	}
	rest := line[colon+1:]
	pipe := strings.IndexByte(rest, '|')
	if pipe <= 0 {
		return Sample{}, fmt.Errorf("%w: %q", errMalformed, line)
	}
	typ := rest[pipe+1:]
	if i := strings.IndexByte(typ, '|'); i >= 0 {
		typ = typ[:i]
	}
	value, err := strconv.ParseFloat(rest[:pipe], 64)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %q: %v", errMalformed, line, err)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Sample{}, fmt.Errorf("%w: %q: value is not finite", errMalformed, line)
	}
	kind, err := ParseKind(typ)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %q: %v", errMalformed, line, err)
	}
	return Sample{Name: line[:colon], Value: value, Kind: kind}, nil
}

// IsMalformed reports whether err came from ParseLine rejecting its input.
func IsMalformed(err error) bool {
	return errors.Is(err, errMalformed)
}
