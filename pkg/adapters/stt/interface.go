package stt

import (
	"context"
	"errors"
	"time"

	"github.com/ethiq/callguard/pkg/frames"
)

var (
	// ErrChannelUnavailable is returned by Open when the backend rejects the stream.
	ErrChannelUnavailable = errors.New("stt: channel unavailable")
	// ErrChannelClosed is returned by Send after Close or after the stream ended.
	ErrChannelClosed = errors.New("stt: channel closed")
	// ErrChannelError marks an upstream failure that terminated the event stream.
	ErrChannelError = errors.New("stt: channel error")
)

// Opener opens one transcription stream per call.
type Opener interface {
	Name() string
	Open(ctx context.Context, cfg Config) (Channel, error)
}

// Channel is a live bidirectional transcription stream.
//
// Send and Close may be called concurrently. Events is closed exactly once,
// after which Err reports nil for a local close or an ErrChannelError.
type Channel interface {
	Send(frame frames.AudioFrame) error
	Events() <-chan Event
	Err() error
	Close() error
}

// Event is the best alternative of one recognition result.
type Event struct {
	Text       string
	IsFinal    bool
	Confidence float32
	Stability  float32
	At         time.Time
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	StreamID   string
	CallSID    string
	TraceID    string
	Encoding   string
	SampleRate int
	Language   string
	Interim    bool
	Model      string
}

// Defaults matching Twilio media streams.
const (
	DefaultEncoding   = "MULAW"
	DefaultSampleRate = 8000
	DefaultLanguage   = "fr-FR"
)

// WithDefaults fills unset audio fields.
func (c Config) WithDefaults() Config {
	if c.Encoding == "" {
		c.Encoding = DefaultEncoding
	}
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
	return c
}
