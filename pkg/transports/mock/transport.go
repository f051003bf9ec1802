package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ethiq/callguard/pkg/frames"
	"github.com/ethiq/callguard/pkg/transports"
)

var ErrUnknownConn = errors.New("mock transport: unknown connection")

// Transport is an in-memory transport for local testing and integration.
// Each Connect call behaves like an accepted media websocket.
type Transport struct {
	factory transports.ConnFactory

	mu     sync.Mutex
	conns  map[string]transports.ConnHandler
	closed atomic.Bool
}

func New(factory transports.ConnFactory) *Transport {
	return &Transport{
		factory: factory,
		conns:   make(map[string]transports.ConnHandler),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

// Stop disconnects every open connection.
func (t *Transport) Stop() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[string]transports.ConnHandler)
	t.mu.Unlock()
	for _, h := range conns {
		h.Close()
	}
	return nil
}

// Connect opens a connection through the factory.
func (t *Transport) Connect(connID string) error {
	if t.closed.Load() {
		return transports.ErrDraining
	}
	h, err := t.factory.NewConn(connID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.conns[connID] = h
	t.mu.Unlock()
	return nil
}

// Push delivers a frame to the connection synchronously.
func (t *Transport) Push(connID string, f frames.Frame) error {
	t.mu.Lock()
	h, ok := t.conns[connID]
	t.mu.Unlock()
	if !ok {
		return ErrUnknownConn
	}
	h.Handle(f)
	return nil
}

// Disconnect closes the connection as a dropped websocket would.
func (t *Transport) Disconnect(connID string) error {
	t.mu.Lock()
	h, ok := t.conns[connID]
	delete(t.conns, connID)
	t.mu.Unlock()
	if !ok {
		return ErrUnknownConn
	}
	h.Close()
	return nil
}

func (t *Transport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

var _ transports.Transport = (*Transport)(nil)
