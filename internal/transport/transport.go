// Package transport abstracts the peer-to-peer channel between devices.
//
// A connection carries two payload kinds over one channel: binary frames
// for document update batches and text frames for attachment control
// messages. The kind is part of the frame, never inferred by parsing, so
// the two protocols cannot be confused.
//
// Peers address each other by rendezvous id. How an id becomes a dialable
// endpoint is the implementation's business: the in-memory network keeps
// a process-local registry (tests), the websocket transport resolves ids
// through an address book.
package transport

import (
	"context"
	"errors"
)

// PayloadKind distinguishes the two message channels multiplexed over a
// connection.
type PayloadKind int

const (
	// KindBinary frames carry document update batches.
	KindBinary PayloadKind = iota
	// KindText frames carry attachment control messages.
	KindText
)

// Payload is one framed message.
type Payload struct {
	Kind PayloadKind
	Data []byte
}

// ErrClosed is returned by Send and Recv after a connection has closed.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one live connection to one remote device.
type Conn interface {
	// Send writes one frame. Safe for concurrent use.
	Send(p Payload) error

	// Recv blocks until a frame arrives or the connection closes, in
	// which case it returns ErrClosed (or the underlying error).
	Recv() (Payload, error)

	// Close tears the connection down. Idempotent.
	Close() error

	// RemoteID identifies the peer, when known. Informational only.
	RemoteID() string
}

// Transport dials and accepts connections for one local device.
type Transport interface {
	// Dial opens a connection to the device listening under remoteID.
	Dial(ctx context.Context, remoteID string) (Conn, error)

	// Listen registers localID and invokes accept for every inbound
	// connection until the returned stop func is called.
	Listen(localID string, accept func(Conn)) (stop func(), err error)

	// Reconnected pulses when the underlying connectivity layer has
	// re-registered the local identity after a loss. The topology
	// manager treats each pulse as a fresh opportunity to dial.
	Reconnected() <-chan struct{}
}
