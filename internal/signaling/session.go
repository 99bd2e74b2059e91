package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"kiosk-relay/internal/platform/metrics"
)

var (
	ErrInvalidMessage   = errors.New("message is not a JSON object")
	ErrUnknownRole      = errors.New("first message must declare broadcaster or newViewer")
	ErrMissingViewerID  = errors.New("viewer_id is required")
	errUnsupportedFrame = errors.New("binary frames are not supported")
)

const (
	msgBroadcaster = "broadcaster"
	msgNewViewer   = "newViewer"
	actionPing     = "ping"
)

// ack echoes viewer_id exactly as the viewer declared it, string or number.
type ack struct {
	Type     string          `json:"type"`
	Role     Role            `json:"role"`
	ViewerID json.RawMessage `json:"viewer_id,omitempty"`
}

var pong = []byte(`{"action":"pong"}`)

// Session is the protocol state of one signaling connection. The first
// message declares the role; every later message is relayed according to
// it. Handle is not safe for concurrent use; the connection's read loop
// owns the session.
type Session struct {
	clientID string
	peer     Peer
	registry *Registry
	log      *slog.Logger
	metrics  *metrics.Metrics

	room     *Room
	role     Role
	viewerID string
}

// NewSession returns an unregistered session for peer in clientID's room.
// m may be nil.
func NewSession(registry *Registry, clientID string, peer Peer, log *slog.Logger, m *metrics.Metrics) *Session {
	return &Session{
		clientID: clientID,
		peer:     peer,
		registry: registry,
		log:      log.With(slog.String("client_id", clientID), slog.String("conn_id", peer.ID())),
		metrics:  m,
	}
}

// Role returns the registered role, or RoleNone before the first message.
func (s *Session) Role() Role {
	return s.role
}

// ViewerID returns the viewer id this session registered under.
func (s *Session) ViewerID() string {
	return s.viewerID
}

// Handle processes one inbound message. A returned error means the
// connection must be closed.
func (s *Session) Handle(data []byte) error {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil || env == nil {
		return ErrInvalidMessage
	}
	typ := stringField(env, "type")

	if isKeepalive(env) {
		s.send(pong)
		return nil
	}

	switch s.role {
	case RoleNone:
		return s.register(typ, env)
	case RoleBroadcaster:
		return s.fromBroadcaster(env, data)
	default:
		return s.fromViewer(env)
	}
}

func (s *Session) register(typ string, env map[string]json.RawMessage) error {
	switch typ {
	case msgBroadcaster:
		room, replaced := s.registry.RegisterBroadcaster(s.clientID, s.peer)
		s.room, s.role = room, RoleBroadcaster
		if replaced != nil {
			s.log.Info("broadcaster replaced", slog.String("previous_conn_id", replaced.ID()))
		}
	case msgNewViewer:
		viewerID, ok := idField(env, "viewer_id")
		if !ok {
			return ErrMissingViewerID
		}
		room, replaced := s.registry.RegisterViewer(s.clientID, viewerID, s.peer)
		s.room, s.role, s.viewerID = room, RoleViewer, viewerID
		s.log = s.log.With(slog.String("viewer_id", viewerID))
		if replaced != nil {
			s.log.Info("viewer replaced", slog.String("previous_conn_id", replaced.ID()))
		}
	default:
		return ErrUnknownRole
	}

	s.log.Debug("signaling peer registered", slog.String("role", string(s.role)))
	a := ack{Type: "ack", Role: s.role}
	if s.role == RoleViewer {
		a.ViewerID = env["viewer_id"]
	}
	b, _ := json.Marshal(a)
	s.send(b)
	return nil
}

// fromBroadcaster relays a broadcaster message verbatim to the viewer it names.
func (s *Session) fromBroadcaster(env map[string]json.RawMessage, data []byte) error {
	viewerID, ok := idField(env, "viewer_id")
	if !ok {
		return ErrMissingViewerID
	}
	if !s.room.toViewer(s.peer, viewerID, data) {
		s.dropped("no_viewer")
		return nil
	}
	s.relayed()
	return nil
}

// fromViewer stamps the registered viewer id onto the message, replacing any
// id the viewer supplied, and hands it to the broadcaster.
func (s *Session) fromViewer(env map[string]json.RawMessage) error {
	id, _ := json.Marshal(s.viewerID)
	env["viewer_id"] = id
	out, err := json.Marshal(env)
	if err != nil {
		return ErrInvalidMessage
	}
	if !s.room.toBroadcaster(s.peer, s.viewerID, out) {
		s.dropped("no_broadcaster")
		return nil
	}
	s.relayed()
	return nil
}

// Close releases whatever slot the session still holds.
func (s *Session) Close() {
	if s.room == nil {
		return
	}
	if role := s.registry.Unregister(s.room, s.peer); role != RoleNone {
		s.log.Debug("signaling peer left", slog.String("role", string(role)))
	}
}

func (s *Session) send(b []byte) {
	if err := s.peer.Send(b); err != nil {
		s.dropped(dropReason(err))
	}
}

func (s *Session) relayed() {
	if s.metrics != nil {
		s.metrics.IncSignalRelayed()
	}
}

func (s *Session) dropped(reason string) {
	s.log.Debug("signaling message dropped", slog.String("reason", reason))
	if s.metrics != nil {
		s.metrics.IncSignalDropped(reason)
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrBackpressure):
		return "backpressure"
	case errors.Is(err, ErrPeerClosed):
		return "closed"
	default:
		return "send_error"
	}
}

// isKeepalive reports whether env is a local {"action":"ping"} with no relay
// type. Keepalives are answered by the relay and never forwarded.
func isKeepalive(env map[string]json.RawMessage) bool {
	if _, typed := env["type"]; typed {
		return false
	}
	return stringField(env, "action") == actionPing
}

func stringField(env map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := env[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

// idField accepts a non-empty string or a JSON number; numbers keep their
// literal text.
func idField(env map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := env[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, strings.TrimSpace(s) != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}
