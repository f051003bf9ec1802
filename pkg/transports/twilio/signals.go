package twilio

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethiq/callguard/pkg/errorsx"
	"github.com/ethiq/callguard/pkg/frames"
	"github.com/ethiq/callguard/pkg/transports"
)

type TwilioMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type TwilioStart struct {
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	StreamID         string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      TwilioMediaFormat `json:"mediaFormat"`
}

type TwilioMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type TwilioStop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type TwilioEvent struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamID       string       `json:"streamSid,omitempty"`
	Protocol       string       `json:"protocol,omitempty"`
	Version        string       `json:"version,omitempty"`
	Start          *TwilioStart `json:"start,omitempty"`
	Media          *TwilioMedia `json:"media,omitempty"`
	Stop           *TwilioStop  `json:"stop,omitempty"`
}

// connState carries the identifiers learned from the start message of one connection.
type connState struct {
	connID     string
	streamID   string
	callSID    string
	traceID    string
	sampleRate int
	channels   int
	encoding   string
}

func (s *connState) meta() map[string]string {
	meta := map[string]string{
		frames.MetaConnID: s.connID,
		frames.MetaSource: "twilio",
	}
	if s.callSID != "" {
		meta[frames.MetaCallSID] = s.callSID
	}
	if s.traceID != "" {
		meta[frames.MetaTraceID] = s.traceID
	}
	return meta
}

func malformed(format string, args ...any) error {
	return errorsx.Newf(errorsx.ReasonMalformedSignal, "%w: %s", transports.ErrMalformedSignal, fmt.Sprintf(format, args...))
}

// decodeSignal turns one websocket message into a frame. It returns a nil
// frame and nil error for events that carry nothing for the session (mark, dtmf).
func (t *Transport) decodeSignal(msg []byte, st *connState) (frames.Frame, error) {
	var evt TwilioEvent
	if err := json.Unmarshal(msg, &evt); err != nil {
		return nil, malformed("invalid json: %v", err)
	}
	now := time.Now().UnixNano()
	switch evt.Event {
	case "connected":
		return frames.NewSystemFrame("", now, frames.SystemConnected, st.meta()), nil
	case "start":
		if evt.Start == nil {
			return nil, malformed("start without body")
		}
		streamID := evt.Start.StreamID
		if streamID == "" {
			streamID = evt.StreamID
		}
		if streamID == "" {
			return nil, malformed("start without streamSid")
		}
		st.streamID = streamID
		st.callSID = evt.Start.CallSID
		st.traceID = evt.Start.CustomParameters["trace_id"]
		if st.traceID == "" {
			st.traceID = newTraceID()
		}
		st.sampleRate = evt.Start.MediaFormat.SampleRate
		if st.sampleRate <= 0 {
			st.sampleRate = 8000
		}
		st.channels = evt.Start.MediaFormat.Channels
		if st.channels <= 0 {
			st.channels = 1
		}
		st.encoding = normalizeEncoding(evt.Start.MediaFormat.Encoding)

		meta := st.meta()
		meta[frames.MetaEncoding] = st.encoding
		if key := strings.TrimSpace(evt.Start.CustomParameters[t.cfg.CallKeyParameter]); key != "" {
			meta[frames.MetaConferenceKey] = key
		}
		if from := evt.Start.CustomParameters["from"]; from != "" {
			meta[frames.MetaFromNumber] = from
		}
		return frames.NewSystemFrame(streamID, now, frames.SystemCallStart, meta), nil
	case "media":
		if evt.Media == nil {
			return nil, malformed("media without body")
		}
		if evt.Media.Track != "" && evt.Media.Track != "inbound" && !t.cfg.AllTracks {
			return nil, nil
		}
		payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
		if err != nil {
			return nil, malformed("media payload: %v", err)
		}
		pts := now
		if ms, err := strconv.ParseInt(evt.Media.Timestamp, 10, 64); err == nil {
			pts = int64(time.Duration(ms) * time.Millisecond)
		}
		streamID := st.streamID
		if streamID == "" {
			streamID = evt.StreamID
		}
		rate, ch := st.sampleRate, st.channels
		if rate == 0 {
			rate, ch = 8000, 1
		}
		return frames.NewAudioFrame(streamID, pts, payload, rate, ch, st.meta()), nil
	case "stop":
		meta := st.meta()
		meta[frames.MetaCallEndReason] = "completed"
		streamID := st.streamID
		if streamID == "" {
			streamID = evt.StreamID
		}
		return frames.NewSystemFrame(streamID, now, frames.SystemCallEnd, meta), nil
	case "mark", "dtmf":
		return nil, nil
	case "":
		return nil, malformed("missing event")
	default:
		return nil, malformed("unknown event %q", evt.Event)
	}
}

func normalizeEncoding(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "audio/x-mulaw", "mulaw", "ulaw":
		return "MULAW"
	case "audio/x-alaw", "alaw":
		return "ALAW"
	case "audio/x-l16", "linear16":
		return "LINEAR16"
	default:
		return strings.ToUpper(raw)
	}
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress", "initiated":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}
