package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/ethiq/callguard/pkg/frames"
	"github.com/ethiq/callguard/pkg/transports"
)

type handler struct {
	frames []frames.Frame
	closes int
}

func (h *handler) Handle(f frames.Frame) { h.frames = append(h.frames, f) }
func (h *handler) Close()                { h.closes++ }

func TestConnectPushDisconnect(t *testing.T) {
	h := &handler{}
	tr := New(transports.ConnFactoryFunc(func(string) (transports.ConnHandler, error) { return h, nil }))
	if err := tr.Connect("c1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := tr.Push("c1", frames.NewSystemFrame("MZ1", 1, frames.SystemCallStart, nil)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := tr.Push("missing", frames.NewSystemFrame("", 1, frames.SystemConnected, nil)); !errors.Is(err, ErrUnknownConn) {
		t.Fatalf("expected ErrUnknownConn, got %v", err)
	}
	if len(h.frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(h.frames))
	}
	if err := tr.Disconnect("c1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if h.closes != 1 || tr.Count() != 0 {
		t.Fatalf("expected one close and no conns, got %d/%d", h.closes, tr.Count())
	}
}

func TestStopClosesConnections(t *testing.T) {
	h := &handler{}
	tr := New(transports.ConnFactoryFunc(func(string) (transports.ConnHandler, error) { return h, nil }))
	_ = tr.Start(context.Background())
	_ = tr.Connect("c1")
	_ = tr.Stop()
	if h.closes != 1 {
		t.Fatalf("expected close on stop, got %d", h.closes)
	}
	if err := tr.Connect("c2"); !errors.Is(err, transports.ErrDraining) {
		t.Fatalf("expected ErrDraining after stop, got %v", err)
	}
}

func TestFactoryErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	tr := New(transports.ConnFactoryFunc(func(string) (transports.ConnHandler, error) { return nil, boom }))
	if err := tr.Connect("c1"); !errors.Is(err, boom) {
		t.Fatalf("expected factory error, got %v", err)
	}
}
