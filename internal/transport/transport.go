// Package transport delivers sample batches to the aggregator, either over a
// persistent TCP session using the line protocol or as one HTTP POST per
// batch carrying a JSON body.
package transport

import (
	"context"
	"errors"

	"github.com/szibis/metrics-forwarder/internal/sample"
)

// ErrNotConnected is returned by a session transport's Send while it has no
// open connection.
var ErrNotConnected = errors.New("transport: not connected")

// Transport sends one batch. A batch is either delivered as a whole or the
// call returns an error; there is no partial acknowledgement.
type Transport interface {
	Send(ctx context.Context, batch []sample.Sample) error
	Close() error
}

// Session is a Transport that must hold an open connection before sending.
// The dispatcher reconnects it whenever Connected reports false.
type Session interface {
	Transport
	Connect(ctx context.Context) error
	Connected() bool
}

// Kind returns "socket" for sessions and "http" otherwise. It is used as a
// metric label.
func Kind(t Transport) string {
	if _, ok := t.(Session); ok {
		return "socket"
	}
	return "http"
}
