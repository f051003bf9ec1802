package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethiq/callguard/pkg/transports"
)

// Factory builds the session for a newly accepted connection.
type Factory func(ctx context.Context, connID string) *Session

// Registry tracks live sessions by connection id and acts as the transport's ConnFactory.
type Registry struct {
	ctx      context.Context
	sessions sync.Map
	count    atomic.Int64
	factory  Factory
	draining atomic.Bool
	// inflight counts sessions whose classification or dispatch work may still run.
	inflight sync.WaitGroup
}

func NewRegistry(ctx context.Context, factory Factory) *Registry {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Registry{ctx: ctx, factory: factory}
}

// NewConn creates and registers the session for connID.
func (r *Registry) NewConn(connID string) (transports.ConnHandler, error) {
	if r.Draining() {
		return nil, transports.ErrDraining
	}
	sess := r.factory(r.ctx, connID)
	if _, loaded := r.sessions.LoadOrStore(connID, sess); loaded {
		sess.Stop("duplicate_connection")
		return nil, fmt.Errorf("session %s already registered", connID)
	}
	r.count.Add(1)
	r.inflight.Add(1)
	return &conn{Session: sess, registry: r}, nil
}

// Snapshots returns the state of every live session keyed by connection id.
func (r *Registry) Snapshots() map[string]Snapshot {
	out := make(map[string]Snapshot)
	r.sessions.Range(func(key, value any) bool {
		out[key.(string)] = value.(*Session).Snapshot()
		return true
	})
	return out
}

// Remove unregisters and closes the session for connID.
func (r *Registry) Remove(connID string) {
	if v, ok := r.sessions.LoadAndDelete(connID); ok {
		sess := v.(*Session)
		sess.Close()
		r.count.Add(-1)
		// A latched alert keeps dispatching after Close gives up waiting.
		go func() {
			defer r.inflight.Done()
			_ = sess.Wait(context.Background())
		}()
	}
}

// CloseAll closes every live session concurrently and returns once each Close has returned.
func (r *Registry) CloseAll() {
	var wg sync.WaitGroup
	r.sessions.Range(func(key, _ any) bool {
		connID, ok := key.(string)
		if !ok {
			return true
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Remove(connID)
		}()
		return true
	})
	wg.Wait()
}

// WaitIdle blocks until every registered session has been removed and has finished its in-flight work.
func (r *Registry) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

type conn struct {
	*Session
	registry *Registry
	once     sync.Once
}

func (c *conn) Close() {
	c.once.Do(func() { c.registry.Remove(c.ID()) })
}

var _ transports.ConnHandler = (*conn)(nil)
