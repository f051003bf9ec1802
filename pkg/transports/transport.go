package transports

import (
	"context"
	"errors"

	"github.com/ethiq/callguard/pkg/frames"
)

// ErrMalformedSignal marks an inbound message that could not be parsed into a frame.
var ErrMalformedSignal = errors.New("malformed signal")

// ErrDraining is returned by a ConnFactory that no longer accepts connections.
var ErrDraining = errors.New("transport draining")

// Transport defines a vendor-agnostic boundary for inbound call media.
// Implementations are responsible for their own network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// ConnHandler receives the frames of one media connection.
//
// Frames from a connection are delivered synchronously and in arrival order.
// Handle may also be called concurrently for out-of-band signals such as a
// status callback ending the call. Close is called once when the connection ends.
type ConnHandler interface {
	Handle(frame frames.Frame)
	Close()
}

// ConnFactory creates one handler per accepted connection.
type ConnFactory interface {
	NewConn(connID string) (ConnHandler, error)
}

// ConnFactoryFunc adapts a function to ConnFactory.
type ConnFactoryFunc func(connID string) (ConnHandler, error)

func (f ConnFactoryFunc) NewConn(connID string) (ConnHandler, error) { return f(connID) }

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
