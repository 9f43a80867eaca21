// Package session implements the per-connection state machine: Handshake ->
// Authenticated -> Closed. A connection has 10 seconds to send a valid
// Connect frame; once authenticated it registers with the directory,
// replays presence and the offline queue, and then enters a steady state
// where a reader loop enforces sender identity and routes each frame and a
// writer goroutine drains the session's own outbound channel.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ayushdedhia/pulse/internal/directory"
	"github.com/ayushdedhia/pulse/internal/envelope"
	"github.com/ayushdedhia/pulse/internal/router"
)

// AuthTimeout is the handshake deadline: a connection that hasn't sent a
// valid Connect frame within this window is closed. Spec §9 leaves the
// exact accuracy open ("any timer accurate to +-100ms"); gorilla's
// SetReadDeadline satisfies that.
const AuthTimeout = 10 * time.Second

// Conn is the subset of *websocket.Conn a Session needs; it lets tests
// substitute a fake transport without spinning up a real socket.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Recorder receives routing telemetry. Listener wires this to
// internal/metrics; it is nil-safe so tests can omit it entirely.
type Recorder interface {
	RecordRouted(envelopeType string)
	RecordParseFailure()
}

// Session owns one WebSocket connection end to end: handshake, the
// authenticated steady state, and teardown.
type Session struct {
	id          string
	conn        Conn
	router      *router.Router
	accessToken string
	recorder    Recorder

	userID   string
	outbound *directory.Outbound
}

// New constructs a Session. accessToken is the configured
// PULSE_ACCESS_TOKEN; an empty string means Connect frames need no token.
func New(conn Conn, r *router.Router, accessToken string) *Session {
	return &Session{
		id:          uuid.NewString(),
		conn:        conn,
		router:      r,
		accessToken: accessToken,
	}
}

// WithRecorder attaches a routing-telemetry sink and returns the Session for
// chaining.
func (s *Session) WithRecorder(rec Recorder) *Session {
	s.recorder = rec
	return s
}

func (s *Session) recordRouted(envelopeType string) {
	if s.recorder != nil {
		s.recorder.RecordRouted(envelopeType)
	}
}

func (s *Session) recordParseFailure() {
	if s.recorder != nil {
		s.recorder.RecordParseFailure()
	}
}

// Run drives the Session through Handshake, Authenticated, and Closed. It
// blocks until the connection ends and always leaves the Session fully
// deregistered before returning.
func (s *Session) Run(ctx context.Context) {
	defer s.conn.Close()

	if !s.handshake() {
		return
	}
	defer s.teardown()

	go s.writeLoop()
	s.readLoop()
}

// handshake waits for a Connect frame within AuthTimeout, validates the
// token if one is configured, and on success registers the session and
// replays presence + the offline queue. It reports whether the session
// reached Authenticated.
func (s *Session) handshake() bool {
	if err := s.conn.SetReadDeadline(time.Now().Add(AuthTimeout)); err != nil {
		slog.Warn("session: failed to set auth deadline", "session_id", s.id, "err", err)
		return false
	}

	mt, data, err := s.conn.ReadMessage()
	if err != nil {
		slog.Info("session: closed before authentication", "session_id", s.id, "err", err)
		return false
	}
	if mt != websocket.TextMessage {
		slog.Info("session: first frame was not text, closing", "session_id", s.id)
		return false
	}

	env, err := envelope.Parse(data)
	if err != nil {
		slog.Info("session: handshake frame did not parse as connect", "session_id", s.id, "err", err)
		return false
	}
	if env.Type != envelope.TypeConnect {
		slog.Info("session: first frame was not connect", "session_id", s.id, "type", env.Type)
		return false
	}
	if s.accessToken != "" {
		if env.Token == nil || *env.Token != s.accessToken {
			slog.Warn("session: authentication failed, bad or missing token", "session_id", s.id, "user_id", env.UserID)
			return false
		}
	}

	s.userID = env.UserID
	_ = s.conn.SetReadDeadline(time.Time{})

	s.outbound = directory.NewOutbound()
	s.router.Add(s.userID, s.outbound)
	slog.Info("session: authenticated", "session_id", s.id, "user_id", s.userID)

	s.sendSelf(envelope.Envelope{Type: envelope.TypeAuthResponse, Success: true, Message: "Connected to server"})

	onlinePresence, err := envelope.Serialize(envelope.Envelope{Type: envelope.TypePresence, UserID: s.userID, IsOnline: true})
	if err != nil {
		slog.Error("session: failed to serialize presence", "err", err)
	} else {
		s.router.Broadcast(string(onlinePresence), s.userID)
	}

	for _, other := range s.router.OnlineUsers() {
		if other == s.userID {
			continue
		}
		s.sendSelf(envelope.Envelope{Type: envelope.TypePresence, UserID: other, IsOnline: true})
	}

	for _, pending := range s.router.TakePending(s.userID) {
		s.outbound.Push(pending)
	}

	return true
}

func (s *Session) sendSelf(env envelope.Envelope) {
	text, err := envelope.Serialize(env)
	if err != nil {
		slog.Error("session: failed to serialize self-addressed frame", "session_id", s.id, "err", err)
		return
	}
	s.outbound.Push(string(text))
}

func (s *Session) writeLoop() {
	for text := range s.outbound.C() {
		if err := s.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
			slog.Info("session: write error, closing", "session_id", s.id, "user_id", s.userID, "err", err)
			s.conn.Close()
			return
		}
	}
	// The outbound channel closes either in teardown or when a Push finds it
	// full; closing the connection here ends the read loop so an overflowed
	// session tears down too.
	s.conn.Close()
}

func (s *Session) readLoop() {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			slog.Info("session: read error or close frame", "session_id", s.id, "user_id", s.userID, "err", err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		s.handleInbound(data)
	}
}

func (s *Session) handleInbound(data []byte) {
	env, err := envelope.Parse(data)
	if err != nil {
		slog.Info("session: dropped unparseable frame", "session_id", s.id, "user_id", s.userID, "err", err)
		s.recordParseFailure()
		return
	}

	switch env.Type {
	case envelope.TypeConnect:
		slog.Debug("session: ignoring connect after authentication", "session_id", s.id, "user_id", s.userID)
		return
	case envelope.TypeAuthResponse, envelope.TypeError:
		slog.Debug("session: ignoring server-only frame from client", "session_id", s.id, "user_id", s.userID, "type", env.Type)
		return
	}

	enforceIdentity(&env, s.userID)

	text, err := envelope.Serialize(env)
	if err != nil {
		slog.Error("session: failed to re-serialize inbound frame", "session_id", s.id, "err", err)
		return
	}
	safeText := string(text)
	s.recordRouted(string(env.Type))

	switch env.Type {
	case envelope.TypeMessage:
		s.router.SendOrQueue(env.RecipientID, safeText)
	case envelope.TypeDeliveryReceipt:
		s.router.SendOrQueue(env.SenderID, safeText)
	case envelope.TypeReadReceipt:
		s.router.SendOrQueue(env.SenderID, safeText)
	case envelope.TypeTyping, envelope.TypePresence, envelope.TypeProfileUpdate:
		s.router.Broadcast(safeText, s.userID)
	default:
		if envelope.IsCallSignal(env.Type) {
			s.router.SendToUser(env.ToUserID, safeText)
			return
		}
		slog.Warn("session: no routing rule for parsed envelope type", "session_id", s.id, "type", env.Type)
	}
}

// enforceIdentity overwrites the "who this is from" field of env per spec
// §4.3's table, in place, before it is re-serialized and routed.
func enforceIdentity(env *envelope.Envelope, sessionUserID string) {
	switch env.Type {
	case envelope.TypeMessage:
		env.SenderID = sessionUserID
	case envelope.TypeTyping:
		env.UserID = sessionUserID
	case envelope.TypePresence:
		env.UserID = sessionUserID
	case envelope.TypeDeliveryReceipt:
		env.DeliveredTo = sessionUserID
	case envelope.TypeReadReceipt:
		env.UserID = sessionUserID
	case envelope.TypeProfileUpdate:
		env.UserID = sessionUserID
	default:
		if envelope.IsCallSignal(env.Type) {
			env.FromUserID = sessionUserID
		}
	}
}

// teardown runs once a session that reached Authenticated stops reading or
// writing: it deregisters from the Directory and announces the user as
// offline.
func (s *Session) teardown() {
	s.outbound.Close()
	s.router.Remove(s.userID)

	lastSeen := time.Now().UnixMilli()
	text, err := envelope.Serialize(envelope.Envelope{
		Type: envelope.TypePresence, UserID: s.userID, IsOnline: false, LastSeen: &lastSeen,
	})
	if err != nil {
		slog.Error("session: failed to serialize offline presence", "session_id", s.id, "err", err)
		return
	}
	s.router.Broadcast(string(text), "")
	slog.Info("session: user disconnected", "session_id", s.id, "user_id", s.userID)
}
