package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethiq/callguard/pkg/adapters/stt"
	"github.com/ethiq/callguard/pkg/frames"
)

type STTConfig struct {
	// Script is emitted one event per EmitEvery audio frames.
	Script    []stt.Event
	EmitEvery int
	// FailOpen makes Open return ErrChannelUnavailable.
	FailOpen bool
	// FailAfter ends the stream with an upstream error once that many events were emitted.
	FailAfter int
}

// STTOpener hands out scripted channels and remembers them for inspection.
type STTOpener struct {
	cfg STTConfig

	mu     sync.Mutex
	opened []*STTChannel
	opens  int
}

func NewSTT(cfg STTConfig) *STTOpener {
	if cfg.EmitEvery <= 0 {
		cfg.EmitEvery = 1
	}
	return &STTOpener{cfg: cfg}
}

func (o *STTOpener) Name() string { return "mock_stt" }

func (o *STTOpener) Open(ctx context.Context, cfg stt.Config) (stt.Channel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.cfg.FailOpen {
		return nil, fmt.Errorf("%w: mock open failure", stt.ErrChannelUnavailable)
	}
	ch := &STTChannel{
		EventStream: stt.NewEventStream(64),
		cfg:         o.cfg,
		streamCfg:   cfg,
	}
	o.opened = append(o.opened, ch)
	return ch, nil
}

// Opens counts Open calls, including failed ones.
func (o *STTOpener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

// Channels returns the channels opened so far.
func (o *STTOpener) Channels() []*STTChannel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*STTChannel(nil), o.opened...)
}

type STTChannel struct {
	*stt.EventStream

	cfg       STTConfig
	streamCfg stt.Config

	mu      sync.Mutex
	frames  [][]byte
	emitted int
	closes  int
}

func (c *STTChannel) Config() stt.Config { return c.streamCfg }

func (c *STTChannel) Send(frame frames.AudioFrame) error {
	if c.Closed() {
		return stt.ErrChannelClosed
	}
	c.mu.Lock()
	c.frames = append(c.frames, frame.Data())
	n := len(c.frames)
	var next *stt.Event
	if n%c.cfg.EmitEvery == 0 && c.emitted < len(c.cfg.Script) {
		ev := c.cfg.Script[c.emitted]
		next = &ev
	}
	c.mu.Unlock()
	if next != nil {
		c.Emit(*next)
	}
	return nil
}

// Emit pushes an event as if the backend produced it.
func (c *STTChannel) Emit(ev stt.Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if !c.EventStream.Emit(ev) {
		return false
	}
	c.mu.Lock()
	c.emitted++
	fail := c.cfg.FailAfter > 0 && c.emitted >= c.cfg.FailAfter
	c.mu.Unlock()
	if fail {
		c.Fail(errors.New("mock upstream failure"))
	}
	return true
}

// Fail terminates the stream with an upstream error.
func (c *STTChannel) Fail(cause error) {
	c.Finish(cause)
}

func (c *STTChannel) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.Finish(nil)
	return nil
}

// Frames returns the payloads received so far, in order.
func (c *STTChannel) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// Closes counts Close calls.
func (c *STTChannel) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

var _ stt.Opener = (*STTOpener)(nil)
