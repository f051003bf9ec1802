package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethiq/callguard/pkg/adapters/stt"
	"github.com/ethiq/callguard/pkg/frames"
	"github.com/ethiq/callguard/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string
	Model          string
	UtteranceEndMS int
}

// Opener opens Deepgram live transcription websockets.
type Opener struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Opener {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &Opener{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (o *Opener) Name() string { return "deepgram" }

func (o *Opener) Open(ctx context.Context, cfg stt.Config) (stt.Channel, error) {
	cfg = cfg.WithDefaults()
	if cfg.Model == "" {
		cfg.Model = o.cfg.Model
	}

	ch := &channel{
		EventStream: stt.NewEventStream(64),
		cfg:         cfg,
		logger:      o.logger,
	}
	ch.ctx, ch.cancel = context.WithCancel(ctx)
	ch.pipeReader, ch.pipeWriter = io.Pipe()

	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          cfg.Model,
		Language:       cfg.Language,
		Encoding:       Encoding(cfg.Encoding),
		SampleRate:     cfg.SampleRate,
		Channels:       1,
		InterimResults: cfg.Interim,
		SmartFormat:    true,
	}
	if o.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", o.cfg.UtteranceEndMS)
	}

	dgClient, err := client.NewWSUsingCallback(ch.ctx, o.cfg.APIKey, &interfaces.ClientOptions{EnableKeepAlive: true}, transcriptOptions, &callback{parent: ch})
	if err != nil {
		ch.cancel()
		return nil, fmt.Errorf("%w: %w", stt.ErrChannelUnavailable, err)
	}
	ch.dgClient = dgClient

	if connected := dgClient.Connect(); !connected {
		ch.cancel()
		return nil, fmt.Errorf("%w: deepgram connection failed", stt.ErrChannelUnavailable)
	}

	o.logger.Info("deepgram_connected",
		slog.String("stream_id", cfg.StreamID),
		slog.String("call_sid", cfg.CallSID),
		slog.String("model", cfg.Model),
		slog.Int("sample_rate", cfg.SampleRate))

	go func() {
		err := dgClient.Stream(ch.pipeReader)
		if err != nil && !ch.Closed() {
			o.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("stream_id", cfg.StreamID))
			ch.fail(err)
		}
	}()
	return ch, nil
}

// Encoding maps Twilio-style names to Deepgram encoding parameters.
func Encoding(name string) string {
	switch strings.ToUpper(name) {
	case "MULAW", "ULAW", "PCMU":
		return "mulaw"
	case "ALAW", "PCMA":
		return "alaw"
	case "LINEAR16", "PCM", "WAV":
		return "linear16"
	default:
		return strings.ToLower(name)
	}
}

type channel struct {
	*stt.EventStream

	cfg        stt.Config
	ctx        context.Context
	cancel     context.CancelFunc
	dgClient   *client.WSCallback
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	closeOnce  sync.Once
	metaLogged bool
	logger     *slog.Logger
}

func (c *channel) Send(frame frames.AudioFrame) error {
	if c.Closed() {
		return stt.ErrChannelClosed
	}
	if _, err := c.pipeWriter.Write(frame.RawPayload()); err != nil {
		return fmt.Errorf("%w: %w", stt.ErrChannelClosed, err)
	}
	return nil
}

func (c *channel) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *channel) fail(cause error) {
	c.shutdown(cause)
}

func (c *channel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.Finish(cause)
		_ = c.pipeWriter.Close()
		c.cancel()
		if c.dgClient != nil {
			c.dgClient.Stop()
		}
		c.logger.Info("deepgram_connection_closed", slog.String("stream_id", c.cfg.StreamID))
	})
}

type callback struct {
	parent *channel
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Debug("deepgram_connection_opened",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}
	c.parent.Emit(stt.Event{
		Text:       alt.Transcript,
		IsFinal:    mr.IsFinal || mr.SpeechFinal,
		Confidence: float32(alt.Confidence),
		At:         time.Now(),
	})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("stream_id", c.parent.cfg.StreamID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error { return nil }

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error { return nil }

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Debug("deepgram_close_received",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	go c.parent.fail(fmt.Errorf("deepgram %s: %s", er.ErrCode, er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("data", string(byData)))
	return nil
}

var _ stt.Opener = (*Opener)(nil)
