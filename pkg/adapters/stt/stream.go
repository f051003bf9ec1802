package stt

import (
	"fmt"
	"sync"
)

// EventStream carries the event half of a Channel for provider implementations.
// Emit may be called from any goroutine; Finish closes Events exactly once.
type EventStream struct {
	events   chan Event
	done     chan struct{}
	doneOnce sync.Once

	mu       sync.RWMutex
	finished bool
	err      error
}

func NewEventStream(buffer int) *EventStream {
	if buffer <= 0 {
		buffer = 64
	}
	return &EventStream{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

func (s *EventStream) Events() <-chan Event { return s.events }

func (s *EventStream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Emit delivers ev unless the stream has finished. It blocks while the buffer is full.
func (s *EventStream) Emit(ev Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.finished {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Finish ends the stream. A nil cause is a local close; anything else is
// reported by Err as an ErrChannelError.
func (s *EventStream) Finish(cause error) {
	s.doneOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	if cause != nil {
		s.err = fmt.Errorf("%w: %w", ErrChannelError, cause)
	}
	close(s.events)
}

func (s *EventStream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}
