package twilio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/ethiq/callguard/pkg/errorsx"
	"github.com/ethiq/callguard/pkg/frames"
	"github.com/ethiq/callguard/pkg/logging"
	"github.com/ethiq/callguard/pkg/metrics"
	"github.com/ethiq/callguard/pkg/transports"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	HealthPath         string   `mapstructure:"health_path"`
	MetricsPath        string   `mapstructure:"metrics_path"`
	CallKeyParameter   string   `mapstructure:"call_key_parameter"`
	AllTracks          bool     `mapstructure:"all_tracks"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if c.HealthPath == "" {
		c.HealthPath = "/health"
	}
	if c.CallKeyParameter == "" {
		c.CallKeyParameter = "conference"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport accepts Twilio Media Streams websockets and status callbacks.
type Transport struct {
	cfg      Config
	factory  transports.ConnFactory
	server   *http.Server
	upgrader websocket.Upgrader
	metrics  http.Handler
	obs      metrics.Observer
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn
	calls map[string]string

	draining atomic.Bool
}

type conn struct {
	id      string
	ws      *websocket.Conn
	handler transports.ConnHandler
}

func New(cfg Config, factory transports.ConnFactory) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:     cfg,
		factory: factory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		obs:    metrics.NoopObserver{},
		logger: logging.NewComponentLogger(slog.Default(), "twilio_transport"),
		conns:  make(map[string]*conn),
		calls:  make(map[string]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

// SetMetricsHandler mounts h at the configured metrics path.
func (t *Transport) SetMetricsHandler(h http.Handler) { t.metrics = h }

func (t *Transport) SetObserver(obs metrics.Observer) {
	if obs != nil {
		t.obs = obs
	}
}

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"stream_url":          t.publicURL("wss", t.cfg.WebsocketPath),
		"status_callback_url": t.publicURL("https", t.cfg.StatusCallbackPath),
	}
}

// Handler returns the HTTP routes served by the transport.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	mux.HandleFunc(t.cfg.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		if t.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if t.metrics != nil && t.cfg.MetricsPath != "" {
		mux.Handle(t.cfg.MetricsPath, t.metrics)
	}
	return mux
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("twilio_transport_server_error", slog.String("error", err.Error()))
		}
	}()
	t.logger.Info("twilio_transport_listening", slog.String("addr", t.cfg.ServerAddr))
	return nil
}

// Drain refuses new media connections while existing ones finish.
func (t *Transport) Drain() {
	t.draining.Store(true)
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	conns := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	connID := uuid.NewString()
	handler, err := t.factory.NewConn(connID)
	if err != nil {
		t.logger.Warn("twilio_conn_rejected", slog.String("conn_id", connID), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		handler.Close()
		return
	}
	c := &conn{id: connID, ws: ws, handler: handler}
	t.mu.Lock()
	t.conns[connID] = c
	t.mu.Unlock()
	t.logger.Info("twilio_conn_opened", slog.String("conn_id", connID), slog.String("remote", r.RemoteAddr))

	defer func() {
		_ = ws.Close()
		t.detach(c)
		t.deliverClose(c)
		t.logger.Info("twilio_conn_closed", slog.String("conn_id", connID))
	}()

	st := &connState{connID: connID}
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("twilio_conn_read_error", slog.String("conn_id", connID), slog.String("error", err.Error()))
			}
			return
		}
		frame, err := t.decodeSignal(msg, st)
		if err != nil {
			t.logger.Warn("twilio_signal_malformed", errorsx.Attrs(err,
				slog.String("conn_id", connID),
				slog.String("stream_id", st.streamID))...)
			metrics.Record(t.obs, metrics.EventSignalMalformed, map[string]string{"conn_id": connID})
			continue
		}
		if frame == nil {
			continue
		}
		if sys, ok := frame.(frames.SystemFrame); ok && sys.Name() == frames.SystemCallStart && st.callSID != "" {
			t.mu.Lock()
			t.calls[st.callSID] = connID
			t.mu.Unlock()
		}
		t.deliver(c, frame)
	}
}

// deliver hands a frame to the connection handler; a panic is contained to this frame.
func (t *Transport) deliver(c *conn, f frames.Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Error("twilio_handler_panic",
				slog.String("conn_id", c.id),
				slog.String("panic", fmt.Sprint(rec)))
		}
	}()
	c.handler.Handle(f)
}

func (t *Transport) deliverClose(c *conn) {
	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Error("twilio_handler_panic",
				slog.String("conn_id", c.id),
				slog.String("panic", fmt.Sprint(rec)))
		}
	}()
	c.handler.Close()
}

func (t *Transport) detach(c *conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, c.id)
	for callSID, connID := range t.calls {
		if connID == c.id {
			delete(t.calls, callSID)
		}
	}
}

func (t *Transport) connForCall(callSID string) *conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[t.calls[callSID]]
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_status_invalid_signature", slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	c := t.connForCall(callSID)
	if c == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	meta := map[string]string{
		frames.MetaConnID:        c.id,
		frames.MetaCallSID:       callSID,
		frames.MetaCallEndReason: reason,
		frames.MetaSource:        "status_callback",
	}
	t.logger.Info("twilio_status_call_end", slog.String("call_sid", callSID), slog.String("reason", reason))
	t.deliver(c, frames.NewSystemFrame("", time.Now().UnixNano(), frames.SystemCallEnd, meta))
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) publicURL(scheme, path string) string {
	if t.cfg.PublicURL != "" {
		return scheme + "://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if scheme == "wss" {
		scheme = "ws"
	} else {
		scheme = "http"
	}
	return scheme + "://" + addr + path
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		if !strings.Contains(base, "://") {
			base = "https://" + base
		}
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

func newTraceID() string { return uuid.NewString() }

var _ transports.Transport = (*Transport)(nil)
