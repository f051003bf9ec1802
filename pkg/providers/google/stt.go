package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"

	"github.com/ethiq/callguard/pkg/adapters/stt"
	"github.com/ethiq/callguard/pkg/frames"
	"github.com/ethiq/callguard/pkg/logging"
)

type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

type dialFunc func(ctx context.Context) (recognizeStream, error)

// NewClient creates the process-wide speech client. An empty credentials
// file falls back to application default credentials.
func NewClient(ctx context.Context, credentialsFile string) (*speech.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google speech client: %w", err)
	}
	return client, nil
}

// Opener opens Cloud Speech-to-Text streaming recognize sessions on a shared client.
type Opener struct {
	dial   dialFunc
	model  string
	logger *slog.Logger
}

func NewOpener(client *speech.Client, model string) *Opener {
	return newOpener(func(ctx context.Context) (recognizeStream, error) {
		return client.StreamingRecognize(ctx)
	}, model)
}

func newOpener(dial dialFunc, model string) *Opener {
	return &Opener{
		dial:   dial,
		model:  model,
		logger: logging.NewComponentLogger(slog.Default(), "google_stt"),
	}
}

func (o *Opener) Name() string { return "google" }

func (o *Opener) Open(ctx context.Context, cfg stt.Config) (stt.Channel, error) {
	cfg = cfg.WithDefaults()
	encoding, err := AudioEncoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = o.model
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := o.dial(streamCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", stt.ErrChannelUnavailable, err)
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        encoding,
					SampleRateHertz: int32(cfg.SampleRate),
					LanguageCode:    cfg.Language,
					Model:           cfg.Model,
				},
				InterimResults: cfg.Interim,
			},
		},
	})
	if err != nil {
		_ = stream.CloseSend()
		cancel()
		return nil, fmt.Errorf("%w: streaming config: %w", stt.ErrChannelUnavailable, err)
	}

	ch := &channel{
		EventStream: stt.NewEventStream(64),
		stream:      stream,
		cancel:      cancel,
		cfg:         cfg,
		logger:      o.logger,
	}
	go ch.receive()

	o.logger.Info("google_stream_opened",
		slog.String("stream_id", cfg.StreamID),
		slog.String("call_sid", cfg.CallSID),
		slog.String("encoding", cfg.Encoding),
		slog.Int("sample_rate", cfg.SampleRate),
		slog.String("language", cfg.Language),
		slog.Bool("interim", cfg.Interim))
	return ch, nil
}

// AudioEncoding maps a configured encoding name to the Speech API enum.
func AudioEncoding(name string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	switch key {
	case "WAV", "PCM":
		key = "LINEAR16"
	case "ULAW", "PCMU":
		key = "MULAW"
	}
	v, ok := speechpb.RecognitionConfig_AudioEncoding_value[key]
	if !ok || v == int32(speechpb.RecognitionConfig_ENCODING_UNSPECIFIED) {
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("google stt: unsupported audio encoding %q", name)
	}
	return speechpb.RecognitionConfig_AudioEncoding(v), nil
}

type channel struct {
	*stt.EventStream

	// sendMu serializes Send and CloseSend on the gRPC stream.
	sendMu    sync.Mutex
	stream    recognizeStream
	cancel    context.CancelFunc
	closeOnce sync.Once
	cfg       stt.Config
	logger    *slog.Logger
}

func (c *channel) Send(frame frames.AudioFrame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.Closed() {
		return stt.ErrChannelClosed
	}
	err := c.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: frame.RawPayload(),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", stt.ErrChannelClosed, err)
	}
	return nil
}

func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		c.Finish(nil)
		// A Send stalled on flow control returns only once the stream context ends.
		c.cancel()
		c.sendMu.Lock()
		err := c.stream.CloseSend()
		c.sendMu.Unlock()
		if err != nil {
			c.logger.Debug("google_close_send_failed",
				slog.String("stream_id", c.cfg.StreamID),
				slog.String("error", err.Error()))
		}
		c.logger.Info("google_stream_closed", slog.String("stream_id", c.cfg.StreamID))
	})
	return nil
}

func (c *channel) receive() {
	for {
		resp, err := c.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || c.Closed() {
				c.Finish(nil)
				return
			}
			c.logger.Error("google_stream_error",
				slog.String("stream_id", c.cfg.StreamID),
				slog.String("error", err.Error()))
			c.Finish(err)
			return
		}
		for _, result := range resp.GetResults() {
			alts := result.GetAlternatives()
			if len(alts) == 0 {
				continue
			}
			ev := stt.Event{
				Text:       alts[0].GetTranscript(),
				IsFinal:    result.GetIsFinal(),
				Confidence: alts[0].GetConfidence(),
				Stability:  result.GetStability(),
				At:         time.Now(),
			}
			if ev.Text == "" {
				continue
			}
			if !c.Emit(ev) {
				return
			}
		}
	}
}
