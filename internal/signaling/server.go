// Package signaling implements the room-scoped signaling surface: one
// WebSocket per participant, a best-effort relay for negotiation
// envelopes, and the admin control plane.
//
// The server never inspects negotiation payloads and never models edges;
// peers run their own negotiation state machines (internal/peerlink) and
// use the relay purely as a router.
package signaling

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshmeet/meshmeet/internal/metrics"
	"github.com/meshmeet/meshmeet/internal/ratelimit"
	"github.com/meshmeet/meshmeet/internal/registry"
)

const wsWriteWait = 1 * time.Second

// Config wires together the runtime dependencies for the signaling
// service.
type Config struct {
	Registry *registry.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// Inbound hardening. Zero values select the defaults below.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// Keepalive. PongWait bounds silence from the peer; pings are sent at
	// PingInterval, which must be shorter than PongWait.
	PongWait     time.Duration
	PingInterval time.Duration
}

// Server routes signaling envelopes between the participants of a room and
// executes privileged operations against the registry.
type Server struct {
	registry *registry.Registry
	log      *slog.Logger
	metrics  *metrics.Metrics

	maxMessageBytes      int64
	maxMessagesPerSecond int
	pongWait             time.Duration
	pingInterval         time.Duration

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*session // participant id -> connection
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = 50
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	return &Server{
		registry:             cfg.Registry,
		log:                  cfg.Logger,
		metrics:              cfg.Metrics,
		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		pongWait:             cfg.PongWait,
		pingInterval:         cfg.PingInterval,
		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the outer httpserver origin
			// middleware. Unit tests dial without an Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*session),
	}
}

// RegisterRoutes mounts the signaling WebSocket endpoint. Middlewares
// (origin enforcement in production) wrap the handler outermost-first.
func (s *Server) RegisterRoutes(mux *http.ServeMux, middlewares ...func(http.Handler) http.Handler) {
	var h http.Handler = http.HandlerFunc(s.handleWS)
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	mux.Handle("GET /ws", h)
}

// Handler returns a standalone handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close force-disconnects every participant.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*session, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id, err := newParticipantID()
	if err != nil {
		s.log.Error("generate participant id", "err", err)
		_ = conn.Close()
		return
	}

	sess := &session{
		srv:  s,
		conn: conn,
		id:   id,
		log:  s.log.With("participant", id),
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.maxMessagesPerSecond),
			int64(s.maxMessagesPerSecond),
		),
		pingStop: make(chan struct{}),
	}

	s.mu.Lock()
	s.conns[id] = sess
	s.mu.Unlock()

	sess.run()
}

func (s *Server) lookupConn(participantID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[participantID]
}

func (s *Server) dropConn(participantID string) {
	s.mu.Lock()
	delete(s.conns, participantID)
	s.mu.Unlock()
}

// unicast delivers env to a single participant. Best-effort: undeliverable
// messages are dropped without retry.
func (s *Server) unicast(targetID string, env Envelope) {
	sess := s.lookupConn(targetID)
	if sess == nil {
		s.metrics.Inc(metrics.SignalDropped)
		return
	}
	if err := sess.send(env); err != nil {
		s.metrics.Inc(metrics.SignalDropped)
	}
}

// broadcast delivers env to every member of the room except excludeID
// (pass "" to include everyone). Membership is read from the registry so a
// participant mid-teardown no longer receives traffic.
func (s *Server) broadcast(roomID, excludeID string, env Envelope) {
	for _, p := range s.registry.Snapshot(roomID, excludeID) {
		s.unicast(p.ID, env)
	}
}

func newParticipantID() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate participant id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

func wireUser(p registry.Participant) User {
	return User{
		ID:            p.ID,
		DisplayName:   p.DisplayName,
		Role:          string(p.Role),
		CanShareMedia: p.CanShareMedia,
	}
}

// session is one participant's connection. The read loop is the only
// reader; writes from any goroutine are serialized by writeMu.
type session struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger
	id   string

	limiter  *ratelimit.TokenBucket
	pingStop chan struct{}

	writeMu sync.Mutex

	mu          sync.Mutex
	roomID      string
	displayName string

	closeOnce sync.Once
}

// protocolError terminates the connection with a wire error event and a
// close frame. Domain-level rejections (permission denied, vanished
// targets) do not use it; they keep the connection open.
type protocolError struct {
	code    string
	message string
}

func (e *protocolError) Error() string { return e.code + ": " + e.message }

func (c *session) run() {
	defer c.teardown()

	c.conn.SetReadLimit(c.srv.maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.pongWait))
	})
	go c.pingLoop()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// The limiter runs after the read so bytes already buffered by the
		// OS are consumed; closing with unread data can turn into an
		// abortive close that hides the close reason from the client.
		if !c.limiter.Allow(1) {
			c.srv.metrics.Inc(metrics.DropReasonRateLimit)
			c.fail(&protocolError{code: "rate_limited", message: "rate limit exceeded"})
			return
		}
		if msgType != websocket.TextMessage {
			c.fail(&protocolError{code: "bad_message", message: "expected text message"})
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			c.srv.metrics.Inc(metrics.BadMessage)
			c.fail(&protocolError{code: "bad_message", message: err.Error()})
			return
		}

		if err := c.handle(env); err != nil {
			var protoErr *protocolError
			if errors.As(err, &protoErr) {
				c.fail(protoErr)
			}
			return
		}
	}
}

var errSessionDone = errors.New("session done")

func (c *session) handle(env Envelope) error {
	c.mu.Lock()
	roomID := c.roomID
	displayName := c.displayName
	c.mu.Unlock()

	if env.Type == EventJoinRoom {
		if roomID != "" {
			return &protocolError{code: "already_joined", message: "join-room received twice"}
		}
		return c.handleJoin(*env.Join)
	}
	if roomID == "" {
		return &protocolError{code: "not_in_room", message: "join-room required first"}
	}

	switch env.Type {
	case EventLeave:
		return errSessionDone
	case EventSignal:
		c.handleSignal(roomID, *env.Signal)
	case EventChatMessage:
		c.srv.metrics.Inc(metrics.ChatRelayed)
		c.srv.broadcast(roomID, "", Envelope{
			Type: EventChatMessage,
			Chat: &Chat{From: displayName, Text: env.Chat.Text},
		})
	case EventKickUser:
		c.handleKick(roomID, env.Target)
	case EventMakeAdmin:
		c.handleMakeAdmin(roomID, env.Target)
	case EventAllowSharing:
		c.handleSetSharing(roomID, env.Target, true)
	case EventDisallowSharing:
		c.handleSetSharing(roomID, env.Target, false)
	case EventMuteUser:
		c.handleMute(roomID, env.Target, *env.Mute)
	default:
		return &protocolError{code: "bad_message", message: fmt.Sprintf("unexpected event %q from client", env.Type)}
	}
	return nil
}

func (c *session) handleJoin(join Join) error {
	others, err := c.srv.registry.Join(join.RoomID, c.id, join.DisplayName, join.WantsAdmin)
	if err != nil {
		if errors.Is(err, registry.ErrRoomFull) {
			return &protocolError{code: "room_full", message: "room is full"}
		}
		return &protocolError{code: "join_failed", message: err.Error()}
	}

	c.mu.Lock()
	c.roomID = join.RoomID
	c.displayName = join.DisplayName
	c.mu.Unlock()

	self, err := c.srv.registry.Lookup(join.RoomID, c.id)
	if err != nil {
		return err
	}

	c.srv.metrics.Inc(metrics.ParticipantJoined)
	if len(others) == 0 {
		c.srv.metrics.Inc(metrics.RoomCreated)
	}
	c.log.Info("participant joined",
		"room", join.RoomID,
		"display_name", join.DisplayName,
		"role", self.Role,
	)

	selfUser := wireUser(self)
	if err := c.send(Envelope{Type: EventJoined, Self: &selfUser}); err != nil {
		return err
	}

	users := make([]User, 0, len(others))
	for _, p := range others {
		users = append(users, wireUser(p))
	}
	if err := c.send(Envelope{Type: EventExistingUsers, Users: users}); err != nil {
		return err
	}

	// The audience is exactly the membership that predated this join.
	// A registry snapshot taken here could already include a participant
	// who joined concurrently and saw this one in their own existing-users
	// list; announcing to them as well would give both endpoints the
	// answering role on that edge.
	joined := wireUser(self)
	for _, p := range others {
		c.srv.unicast(p.ID, Envelope{Type: EventUserConnected, User: &joined})
	}
	return nil
}

// handleSignal relays a negotiation envelope. Addressed envelopes go to
// their target only (and only if the target shares the sender's room);
// unaddressed envelopes go to every other room member. Either way the
// payload passes through opaque and unmodified.
func (c *session) handleSignal(roomID string, sig Signal) {
	sig.From = c.id

	if sig.To != "" {
		if _, err := c.srv.registry.Lookup(roomID, sig.To); err != nil {
			// Target vanished or never shared this room; permanent drop.
			c.srv.metrics.Inc(metrics.SignalDropped)
			return
		}
		c.srv.metrics.Inc(metrics.SignalRelayed)
		c.srv.unicast(sig.To, Envelope{Type: EventSignal, Signal: &sig})
		return
	}

	c.srv.metrics.Inc(metrics.SignalRelayed)
	c.srv.broadcast(roomID, c.id, Envelope{Type: EventSignal, Signal: &sig})
}

// rejectPrivileged reports a failed privilege check back to the caller.
// Non-admin attempts are answered with an explicit error event instead of
// being silently ignored; vanished targets stay silent no-ops.
func (c *session) rejectPrivileged(op string, err error) {
	if errors.Is(err, registry.ErrPermissionDenied) {
		c.srv.metrics.Inc(metrics.PermissionDenied)
		_ = c.send(Envelope{
			Type:    EventError,
			Code:    "permission_denied",
			Message: op + " requires the admin role",
		})
		return
	}
	if errors.Is(err, registry.ErrNotFound) {
		return
	}
	c.log.Warn("privileged operation failed", "op", op, "err", err)
}

func (c *session) handleKick(roomID, targetID string) {
	if err := c.srv.registry.Authorize(roomID, c.id); err != nil {
		c.rejectPrivileged("kick-user", err)
		return
	}
	if _, err := c.srv.registry.Lookup(roomID, targetID); err != nil {
		return
	}

	c.srv.metrics.Inc(metrics.ParticipantKicked)
	c.log.Info("participant kicked", "room", roomID, "target", targetID)

	c.srv.unicast(targetID, Envelope{Type: EventKicked})

	// Forced termination runs the same teardown as a voluntary leave:
	// registry removal plus the departure broadcast.
	if target := c.srv.lookupConn(targetID); target != nil {
		target.close()
	}
}

func (c *session) handleMakeAdmin(roomID, targetID string) {
	if err := c.srv.registry.TransferAdmin(roomID, c.id, targetID); err != nil {
		c.rejectPrivileged("make-admin", err)
		return
	}
	c.srv.metrics.Inc(metrics.AdminTransferred)
	c.log.Info("admin transferred", "room", roomID, "old", c.id, "new", targetID)
	c.srv.broadcast(roomID, "", Envelope{
		Type:        EventAdminChanged,
		AdminChange: &AdminChange{Old: c.id, New: targetID},
	})
}

func (c *session) handleSetSharing(roomID, targetID string, allow bool) {
	if err := c.srv.registry.SetSharePermission(roomID, c.id, targetID, allow); err != nil {
		op := EventDisallowSharing
		if allow {
			op = EventAllowSharing
		}
		c.rejectPrivileged(string(op), err)
		return
	}
	evt := EventSharingDisallowed
	if allow {
		evt = EventSharingAllowed
	}
	c.srv.unicast(targetID, Envelope{Type: evt})
}

// handleMute forwards the mute command without recording it: the server
// deliberately does not track truthful mute state.
func (c *session) handleMute(roomID, targetID string, mute bool) {
	if err := c.srv.registry.Authorize(roomID, c.id); err != nil {
		c.rejectPrivileged("mute-user", err)
		return
	}
	if _, err := c.srv.registry.Lookup(roomID, targetID); err != nil {
		return
	}
	c.srv.unicast(targetID, Envelope{Type: EventMuteUser, Mute: &mute})
}

func (c *session) pingLoop() {
	ticker := time.NewTicker(c.srv.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.pingStop:
			return
		}
	}
}

func (c *session) send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *session) fail(perr *protocolError) {
	_ = c.send(Envelope{Type: EventError, Code: perr.code, Message: perr.message})
	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, perr.code),
		time.Now().Add(wsWriteWait),
	)
	c.writeMu.Unlock()
}

// close forcibly terminates the connection; the read loop then runs
// teardown exactly once.
func (c *session) close() {
	_ = c.conn.Close()
}

func (c *session) teardown() {
	c.closeOnce.Do(func() {
		close(c.pingStop)
		_ = c.conn.Close()
		c.srv.dropConn(c.id)

		c.mu.Lock()
		roomID := c.roomID
		c.mu.Unlock()
		if roomID == "" {
			return
		}

		res := c.srv.registry.Leave(roomID, c.id)
		if !res.Removed {
			return
		}
		c.srv.metrics.Inc(metrics.ParticipantLeft)
		c.log.Info("participant left", "room", roomID, "room_empty", res.RoomEmpty)

		if res.RoomEmpty {
			return
		}
		c.srv.broadcast(roomID, "", Envelope{Type: EventUserDisconnected, UserID: c.id})
		if res.PromotedAdmin != nil {
			c.srv.broadcast(roomID, "", Envelope{
				Type:        EventAdminChanged,
				AdminChange: &AdminChange{Old: c.id, New: res.PromotedAdmin.ID},
			})
		}
	})
}
