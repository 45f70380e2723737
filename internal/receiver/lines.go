// Package receiver accepts samples from local producers that cannot link
// the forwarder library and hands them to a Sink. Three ingest paths exist:
// statsd-style lines over UDP, JSON or line bodies over HTTP, and lines
// from any io.Reader such as stdin.
package receiver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/szibis/metrics-forwarder/internal/intern"
	"github.com/szibis/metrics-forwarder/internal/logging"
	"github.com/szibis/metrics-forwarder/internal/sample"
)

// maxLineSize bounds a single line from a stream.
const maxLineSize = 64 * 1024

// Sink receives accepted samples. forwarder.Client satisfies it.
type Sink interface {
	Send(s sample.Sample)
}

// valid rejects samples the aggregator could not attribute or decode.
func valid(s sample.Sample) bool {
	return s.Name != "" && s.Check() == nil
}

// parseLines hands every well-formed line of payload to sink. Blank lines
// are skipped. It returns the accepted and rejected counts.
func parseLines(payload []byte, sink Sink) (accepted, rejected int) {
	for len(payload) > 0 {
		var line []byte
		if i := bytes.IndexByte(payload, '\n'); i >= 0 {
			line, payload = payload[:i], payload[i+1:]
		} else {
			line, payload = payload, nil
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		s, err := sample.ParseLine(string(line))
		if err != nil || !valid(s) {
			rejected++
			continue
		}
		// Queued samples keep only the pooled name, not the whole line.
		s.Name = intern.SampleNames.Intern(s.Name)
		sink.Send(s)
		accepted++
	}
	return accepted, rejected
}

// ReadLines reads line protocol samples from r until EOF or ctx is done and
// returns the number accepted. Malformed lines are counted and skipped.
func ReadLines(ctx context.Context, r io.Reader, sink Sink) (int, error) {
	receiverRequestsTotal.WithLabelValues(protocolLines).Inc()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	total := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		accepted, rejected := parseLines(scanner.Bytes(), sink)
		total += accepted
		receiverSamplesTotal.WithLabelValues(protocolLines).Add(float64(accepted))
		if rejected > 0 {
			incErrors(protocolLines, "malformed", rejected)
			logging.Debug("skipped malformed line", logging.F("line", scanner.Text()))
		}
	}
	if err := scanner.Err(); err != nil {
		incErrors(protocolLines, "read", 1)
		return total, fmt.Errorf("read lines: %w", err)
	}
	return total, nil
}
