package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"kiosk-relay/internal/clients"
	"kiosk-relay/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Options tunes the websocket transport. Zero fields take defaults.
type Options struct {
	IdleTimeout   time.Duration
	ReadLimit     int64
	SendQueueLen  int
	MsgRate       float64
	MsgBurst      int
	AllowedOrigin func(r *http.Request) bool
}

const (
	DefaultIdleTimeout  = 2 * time.Minute
	DefaultReadLimit    = 64 << 10
	DefaultSendQueueLen = 64
	DefaultMsgRate      = 50
	DefaultMsgBurst     = 100
)

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.SendQueueLen <= 0 {
		o.SendQueueLen = DefaultSendQueueLen
	}
	if o.MsgRate <= 0 {
		o.MsgRate = DefaultMsgRate
	}
	if o.MsgBurst <= 0 {
		o.MsgBurst = DefaultMsgBurst
	}
	if o.AllowedOrigin == nil {
		o.AllowedOrigin = func(*http.Request) bool { return true }
	}
	return o
}

// Handler upgrades GET /signal/{client_id} to a websocket and runs a
// Session over it.
type Handler struct {
	registry  *Registry
	validator clients.Validator
	upgrader  websocket.Upgrader
	opts      Options
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// NewHandler returns a signaling Handler. m may be nil.
func NewHandler(registry *Registry, v clients.Validator, opts Options, log *slog.Logger, m *metrics.Metrics) *Handler {
	opts = opts.withDefaults()
	return &Handler{
		registry:  registry,
		validator: v,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.AllowedOrigin,
		},
		opts:    opts,
		log:     log,
		metrics: m,
	}
}

// Routes mounts the signaling endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/signal/{client_id}", h.Serve)
}

// Serve validates the client, upgrades the connection and blocks until it
// closes.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")

	if err := h.validator.Validate(r.Context(), clientID); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, clients.ErrUnknownClient):
			status = http.StatusForbidden
		case errors.Is(err, clients.ErrRegistryUnavailable):
			status = http.StatusServiceUnavailable
		}
		h.log.Info("signaling connection refused",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
		return
	}

	peer := newWSPeer(uuid.NewString(), ws, h.opts.SendQueueLen)
	sess := NewSession(h.registry, clientID, peer, h.log, h.metrics)
	if h.metrics != nil {
		h.metrics.SignalConnected()
	}

	go peer.writeLoop(h.opts.IdleTimeout)
	reason := h.readLoop(peer, sess)

	sess.Close()
	peer.Close()
	if h.metrics != nil {
		h.metrics.SignalDisconnected(reason)
	}
	h.log.Debug("signaling connection closed",
		slog.String("client_id", clientID),
		slog.String("conn_id", peer.ID()),
		slog.String("role", string(sess.Role())),
		slog.String("reason", reason))
}

// readLoop feeds inbound frames to sess until the connection ends and
// returns the reason it ended.
func (h *Handler) readLoop(peer *wsPeer, sess *Session) string {
	conn := peer.conn
	conn.SetReadLimit(h.opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		peer.touch()
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := rate.NewLimiter(rate.Limit(h.opts.MsgRate), h.opts.MsgBurst)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				peer.closeWith(websocket.CloseMessageTooBig, "message too large")
				return "too_large"
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "client_closed"
			}
			return "read_error"
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		peer.touch()

		if !limiter.Allow() {
			if h.metrics != nil {
				h.metrics.IncSignalDropped("rate_limited")
			}
			continue
		}

		if mt != websocket.TextMessage {
			err = errUnsupportedFrame
		} else {
			err = sess.Handle(data)
		}
		if err != nil {
			h.log.Info("signaling protocol violation",
				slog.String("client_id", sess.clientID),
				slog.String("conn_id", peer.ID()),
				slog.String("error", err.Error()))
			peer.closeWith(websocket.ClosePolicyViolation, err.Error())
			return "protocol_error"
		}
	}
}
