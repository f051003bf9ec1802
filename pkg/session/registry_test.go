package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethiq/callguard/pkg/adapters/stt"
	"github.com/ethiq/callguard/pkg/alert"
	"github.com/ethiq/callguard/pkg/classifier"
	"github.com/ethiq/callguard/pkg/frames"
	"github.com/ethiq/callguard/pkg/providers/mock"
	"github.com/ethiq/callguard/pkg/transports"
)

func newTestRegistry() (*Registry, *mock.STTOpener) {
	opener := mock.NewSTT(mock.STTConfig{})
	gate := classifier.NewGate(classifier.Config{Phrase: "banque"}, mock.NewLLMAdapter(mock.LLMConfig{}))
	reg := NewRegistry(context.Background(), func(ctx context.Context, connID string) *Session {
		return New(ctx, Config{ConnID: connID, Opener: opener, Classifier: gate})
	})
	return reg, opener
}

func TestRegistryLifecycle(t *testing.T) {
	reg, opener := newTestRegistry()
	h, err := reg.NewConn("c1")
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	if reg.Count() != 1 {
		t.Fatalf("expected 1 session")
	}
	h.Handle(frames.NewSystemFrame("MZ1", 0, frames.SystemCallStart, map[string]string{frames.MetaCallSID: "CA1"}))

	snap, ok := reg.Snapshots()["c1"]
	if !ok || snap.CallSID != "CA1" || snap.State != StateStreaming {
		t.Fatalf("unexpected snapshot %+v (found=%v)", snap, ok)
	}
	if _, err := reg.NewConn("c1"); err == nil {
		t.Fatalf("expected duplicate connection id to fail")
	}

	h.Close()
	h.Close()
	if reg.Count() != 0 {
		t.Fatalf("expected registry empty, got %d", reg.Count())
	}
	if opener.Channels()[0].Closes() != 1 {
		t.Fatalf("expected channel released once")
	}
}

func TestRegistryDraining(t *testing.T) {
	reg, _ := newTestRegistry()
	_, _ = reg.NewConn("c1")
	_, _ = reg.NewConn("c2")
	reg.SetDraining(true)
	if _, err := reg.NewConn("c3"); !errors.Is(err, transports.ErrDraining) {
		t.Fatalf("expected draining error, got %v", err)
	}
	reg.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !reg.WaitForEmpty(ctx, 10*time.Millisecond) {
		t.Fatalf("expected registry to drain")
	}
}

type heldDispatcher struct {
	started chan struct{}
	release chan struct{}
}

func (d *heldDispatcher) Dispatch(ctx context.Context, a alert.Alert) alert.Report {
	close(d.started)
	select {
	case <-d.release:
	case <-ctx.Done():
	}
	return alert.Report{Alert: a}
}

func TestWaitIdleCoversDetachedDispatch(t *testing.T) {
	opener := mock.NewSTT(mock.STTConfig{})
	gate := classifier.NewGate(classifier.Config{Phrase: "banque"}, mock.NewLLMAdapter(mock.LLMConfig{ResponseText: "Y"}))
	dispatcher := &heldDispatcher{started: make(chan struct{}), release: make(chan struct{})}
	reg := NewRegistry(context.Background(), func(ctx context.Context, connID string) *Session {
		return New(ctx, Config{
			ConnID:       connID,
			Opener:       opener,
			Classifier:   gate,
			Dispatcher:   dispatcher,
			CloseTimeout: 20 * time.Millisecond,
		})
	})

	h, err := reg.NewConn("c1")
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	h.Handle(frames.NewSystemFrame("MZ1", 0, frames.SystemCallStart, nil))
	opener.Channels()[0].Emit(stt.Event{Text: "votre banque", IsFinal: true})
	select {
	case <-dispatcher.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected dispatch to start")
	}

	reg.CloseAll()
	if reg.Count() != 0 {
		t.Fatalf("expected registry empty after CloseAll, got %d", reg.Count())
	}
	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := reg.WaitIdle(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected WaitIdle to wait for the held dispatch, got %v", err)
	}

	close(dispatcher.release)
	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := reg.WaitIdle(ctx); err != nil {
		t.Fatalf("expected idle after dispatch finished, got %v", err)
	}
}

func TestCloseAllClosesConcurrently(t *testing.T) {
	reg, _ := newTestRegistry()
	for _, id := range []string{"c1", "c2", "c3"} {
		if _, err := reg.NewConn(id); err != nil {
			t.Fatalf("new conn %s: %v", id, err)
		}
	}
	reg.CloseAll()
	if reg.Count() != 0 || len(reg.Snapshots()) != 0 {
		t.Fatalf("expected all sessions removed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := reg.WaitIdle(ctx); err != nil {
		t.Fatalf("expected idle registry, got %v", err)
	}
}
