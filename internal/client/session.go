// Package client implements a full meshmeet participant: the signaling
// connection, the membership view, one negotiation link per remote peer,
// and the local media controller.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/meshmeet/meshmeet/internal/media"
	"github.com/meshmeet/meshmeet/internal/peerlink"
	"github.com/meshmeet/meshmeet/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Peer is the client-side view of a remote participant.
type Peer struct {
	ID            string
	DisplayName   string
	IsAdmin       bool
	CanShareMedia bool

	// AssumedMuted is the admin's view of the peer's mute state. The
	// server does not track truth; this only records commands we sent.
	AssumedMuted bool
}

// Callbacks are optional event hooks. All of them are invoked from the
// session's read loop, so they must not block.
type Callbacks struct {
	OnChat             func(from, text string)
	OnPeerConnected    func(Peer)
	OnPeerDisconnected func(id string)
	OnAdminChanged     func(oldID, newID string)
	OnKicked           func()
	OnServerError      func(code, message string)
}

// Config assembles a Session.
type Config struct {
	// ServerURL is the signaling endpoint, e.g. ws://host:8080/ws.
	ServerURL   string
	RoomID      string
	DisplayName string
	WantsAdmin  bool

	// NewTransport creates the transport engine for one peer link.
	NewTransport func() (peerlink.Transport, error)

	// Capturer provides local capture devices.
	Capturer media.Capturer

	Logger    *slog.Logger
	Callbacks Callbacks
}

// Session is one participant's client stack. The read pump is the only
// goroutine mutating membership and links; the write pump serializes all
// outbound frames.
type Session struct {
	cfg Config
	log *slog.Logger

	conn     *websocket.Conn
	outgoing chan signaling.Envelope
	done     chan struct{}

	// leaveSent is closed once the write pump has flushed the leave frame
	// (or exited without being able to); Close waits on it instead of
	// guessing at a flush delay.
	leaveSent chan struct{}
	leaveOnce sync.Once

	closeOnce sync.Once

	mediaCtl *media.Controller

	mu      sync.Mutex
	selfID  string
	isAdmin bool
	adminID string
	peers   map[string]*Peer
	links   map[string]*peerlink.Link
}

func New(cfg Config) (*Session, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("client: server URL required")
	}
	if cfg.RoomID == "" {
		return nil, errors.New("client: room id required")
	}
	if cfg.DisplayName == "" {
		return nil, errors.New("client: display name required")
	}
	if cfg.NewTransport == nil {
		return nil, errors.New("client: transport factory required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Session{
		cfg:       cfg,
		log:       cfg.Logger.With("room", cfg.RoomID),
		outgoing:  make(chan signaling.Envelope, 16),
		done:      make(chan struct{}),
		leaveSent: make(chan struct{}),
		peers:     make(map[string]*Peer),
		links:     make(map[string]*peerlink.Link),
	}
	s.mediaCtl = media.NewController(cfg.Capturer, s.linkSlots, cfg.Logger)
	return s, nil
}

// Media returns the local media controller.
func (s *Session) Media() *media.Controller { return s.mediaCtl }

// SelfID returns the server-assigned participant id (empty until joined).
func (s *Session) SelfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

// IsAdmin reports whether this participant currently holds the admin role.
func (s *Session) IsAdmin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isAdmin
}

// Peers returns a snapshot of the remote participants.
func (s *Session) Peers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	return out
}

// linkSlots adapts the link map for the media controller.
func (s *Session) linkSlots() []media.PeerSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]media.PeerSlot, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	return out
}

// Connect dials the signaling server, starts the pumps, and requests to
// join the configured room.
func (s *Session) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial signaling server: %w", err)
	}
	s.conn = conn

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.writePump()
	go s.readPump()

	s.enqueue(signaling.Envelope{
		Type: signaling.EventJoinRoom,
		Join: &signaling.Join{
			RoomID:      s.cfg.RoomID,
			WantsAdmin:  s.cfg.WantsAdmin,
			DisplayName: s.cfg.DisplayName,
		},
	})
	return nil
}

// Done is closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close leaves the room and tears down every link and local capture.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.conn != nil {
			s.enqueue(signaling.Envelope{Type: signaling.EventLeave})
			select {
			case <-s.leaveSent:
			case <-time.After(writeWait):
			}
			_ = s.conn.Close()
		}

		s.mu.Lock()
		links := s.links
		s.links = make(map[string]*peerlink.Link)
		s.mu.Unlock()
		for _, l := range links {
			_ = l.Close()
		}
		s.mediaCtl.Close()
		close(s.done)
	})
}

// SendChat broadcasts a chat message to the room.
func (s *Session) SendChat(text string) {
	s.enqueue(signaling.Envelope{
		Type: signaling.EventChatMessage,
		Chat: &signaling.Chat{Text: text},
	})
}

// Kick asks the server to remove a participant. Admin only; the server
// rejects the request otherwise.
func (s *Session) Kick(targetID string) {
	s.enqueue(signaling.Envelope{Type: signaling.EventKickUser, Target: targetID})
}

// MakeAdmin transfers the admin role to the target.
func (s *Session) MakeAdmin(targetID string) {
	s.enqueue(signaling.Envelope{Type: signaling.EventMakeAdmin, Target: targetID})
}

// AllowSharing grants the target permission to share video.
func (s *Session) AllowSharing(targetID string) {
	s.enqueue(signaling.Envelope{Type: signaling.EventAllowSharing, Target: targetID})
}

// DisallowSharing revokes the target's video sharing permission.
func (s *Session) DisallowSharing(targetID string) {
	s.enqueue(signaling.Envelope{Type: signaling.EventDisallowSharing, Target: targetID})
}

// MuteUser sends a mute command to the target and records the assumed
// state locally.
func (s *Session) MuteUser(targetID string, mute bool) {
	s.mu.Lock()
	if p, ok := s.peers[targetID]; ok {
		p.AssumedMuted = mute
	}
	s.mu.Unlock()
	s.enqueue(signaling.Envelope{Type: signaling.EventMuteUser, Target: targetID, Mute: &mute})
}

func (s *Session) enqueue(env signaling.Envelope) {
	select {
	case s.outgoing <- env:
	case <-s.done:
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// A pump that exits can never flush a leave frame; unblock Close.
		s.leaveOnce.Do(func() { close(s.leaveSent) })
		if s.conn != nil {
			_ = s.conn.Close()
		}
	}()

	for {
		select {
		case env := <-s.outgoing:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteJSON(env)
			if env.Type == signaling.EventLeave {
				s.leaveOnce.Do(func() { close(s.leaveSent) })
			}
			if err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		}
	}
}

func (s *Session) readPump() {
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := signaling.ParseEnvelope(data)
		if err != nil {
			s.log.Warn("malformed server frame", "err", err)
			continue
		}
		s.handle(env)
	}
}

func (s *Session) handle(env signaling.Envelope) {
	switch env.Type {
	case signaling.EventJoined:
		s.handleJoined(*env.Self)
	case signaling.EventExistingUsers:
		s.handleExistingUsers(env.Users)
	case signaling.EventUserConnected:
		s.handleUserConnected(*env.User)
	case signaling.EventUserDisconnected:
		s.handleUserDisconnected(env.UserID)
	case signaling.EventAdminChanged:
		s.handleAdminChanged(*env.AdminChange)
	case signaling.EventSharingAllowed:
		s.handleSharePermission(true)
	case signaling.EventSharingDisallowed:
		s.handleSharePermission(false)
	case signaling.EventMuteUser:
		s.mediaCtl.SetMuted(*env.Mute)
	case signaling.EventKicked:
		s.log.Info("kicked by admin")
		if s.cfg.Callbacks.OnKicked != nil {
			s.cfg.Callbacks.OnKicked()
		}
		s.Close()
	case signaling.EventChatMessage:
		// The server echoes chat to the whole room; drop our own copy.
		if env.Chat.From == s.cfg.DisplayName {
			return
		}
		if s.cfg.Callbacks.OnChat != nil {
			s.cfg.Callbacks.OnChat(env.Chat.From, env.Chat.Text)
		}
	case signaling.EventSignal:
		s.handleSignal(*env.Signal)
	case signaling.EventError:
		s.log.Warn("server error", "code", env.Code, "message", env.Message)
		if s.cfg.Callbacks.OnServerError != nil {
			s.cfg.Callbacks.OnServerError(env.Code, env.Message)
		}
	default:
		s.log.Warn("unexpected server event", "type", string(env.Type))
	}
}

func (s *Session) handleJoined(self signaling.User) {
	s.mu.Lock()
	s.selfID = self.ID
	s.isAdmin = self.Role == "admin"
	if s.isAdmin {
		s.adminID = self.ID
	}
	s.mu.Unlock()

	if err := s.mediaCtl.SetSharePermission(self.CanShareMedia); err != nil {
		s.log.Warn("apply initial share permission", "err", err)
	}
	s.log.Info("joined room", "self", self.ID, "role", self.Role)
}

// handleExistingUsers runs on the joiner's side: we discovered every
// existing member as new, so we are the Offerer on each of those edges.
func (s *Session) handleExistingUsers(users []signaling.User) {
	for _, u := range users {
		s.trackPeer(u)
		link, err := s.ensureLink(u.ID, peerlink.Offerer)
		if err != nil {
			s.log.Warn("create link", "peer", u.ID, "err", err)
			continue
		}
		if err := link.Renegotiate(); err != nil {
			s.log.Warn("initial negotiation", "peer", u.ID, "err", err)
		}
	}
}

// handleUserConnected runs on the existing members' side: the newcomer
// discovered us, so it offers and we answer on this edge.
func (s *Session) handleUserConnected(u signaling.User) {
	s.trackPeer(u)
	if _, err := s.ensureLink(u.ID, peerlink.Answerer); err != nil {
		s.log.Warn("create link", "peer", u.ID, "err", err)
	}
	if s.cfg.Callbacks.OnPeerConnected != nil {
		s.cfg.Callbacks.OnPeerConnected(Peer{
			ID:            u.ID,
			DisplayName:   u.DisplayName,
			IsAdmin:       u.Role == "admin",
			CanShareMedia: u.CanShareMedia,
		})
	}
}

func (s *Session) handleUserDisconnected(id string) {
	s.mu.Lock()
	delete(s.peers, id)
	link := s.links[id]
	delete(s.links, id)
	s.mu.Unlock()

	if link != nil {
		_ = link.Close()
	}
	if s.cfg.Callbacks.OnPeerDisconnected != nil {
		s.cfg.Callbacks.OnPeerDisconnected(id)
	}
}

func (s *Session) handleAdminChanged(change signaling.AdminChange) {
	s.mu.Lock()
	s.adminID = change.New
	becameAdmin := change.New == s.selfID
	lostAdmin := change.Old == s.selfID
	s.isAdmin = becameAdmin
	if p, ok := s.peers[change.Old]; ok {
		p.IsAdmin = false
		p.CanShareMedia = false
	}
	if p, ok := s.peers[change.New]; ok {
		p.IsAdmin = true
		p.CanShareMedia = true
	}
	s.mu.Unlock()

	if becameAdmin {
		if err := s.mediaCtl.SetSharePermission(true); err != nil {
			s.log.Warn("apply share permission", "err", err)
		}
	}
	if lostAdmin {
		if err := s.mediaCtl.SetSharePermission(false); err != nil {
			s.log.Warn("apply share permission", "err", err)
		}
	}
	if s.cfg.Callbacks.OnAdminChanged != nil {
		s.cfg.Callbacks.OnAdminChanged(change.Old, change.New)
	}
}

func (s *Session) handleSharePermission(allow bool) {
	// A revocation during an active screen share stops the share; the
	// controller handles the slot fallback.
	if err := s.mediaCtl.SetSharePermission(allow); err != nil {
		s.log.Warn("apply share permission", "err", err)
	}
}

func (s *Session) handleSignal(sig signaling.Signal) {
	switch sig.Kind {
	case signaling.SignalOffer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(sig.Payload, &desc); err != nil {
			s.log.Warn("malformed offer payload", "peer", sig.From, "err", err)
			return
		}
		// An offer may arrive before user-connected; create the
		// answering side lazily.
		link, err := s.ensureLink(sig.From, peerlink.Answerer)
		if err != nil {
			s.log.Warn("create link for offer", "peer", sig.From, "err", err)
			return
		}
		if err := link.HandleOffer(desc); err != nil {
			s.log.Warn("handle offer", "peer", sig.From, "err", err)
		}
	case signaling.SignalAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(sig.Payload, &desc); err != nil {
			s.log.Warn("malformed answer payload", "peer", sig.From, "err", err)
			return
		}
		link := s.lookupLink(sig.From)
		if link == nil {
			s.log.Warn("answer for unknown link", "peer", sig.From)
			return
		}
		if err := link.HandleAnswer(desc); err != nil {
			s.log.Warn("handle answer", "peer", sig.From, "err", err)
		}
	case signaling.SignalCandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(sig.Payload, &cand); err != nil {
			s.log.Warn("malformed candidate payload", "peer", sig.From, "err", err)
			return
		}
		// Candidates can outrun the offer; the answering link buffers
		// them until its remote description lands.
		link, err := s.ensureLink(sig.From, peerlink.Answerer)
		if err != nil {
			s.log.Warn("create link for candidate", "peer", sig.From, "err", err)
			return
		}
		if err := link.HandleCandidate(cand); err != nil {
			s.log.Warn("handle candidate", "peer", sig.From, "err", err)
		}
	case signaling.SignalRenegotiate:
		link := s.lookupLink(sig.From)
		if link == nil {
			s.log.Warn("renegotiation request for unknown link", "peer", sig.From)
			return
		}
		if err := link.HandleRenegotiateRequest(); err != nil {
			s.log.Warn("handle renegotiation request", "peer", sig.From, "err", err)
		}
	}
}

func (s *Session) trackPeer(u signaling.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[u.ID] = &Peer{
		ID:            u.ID,
		DisplayName:   u.DisplayName,
		IsAdmin:       u.Role == "admin",
		CanShareMedia: u.CanShareMedia,
	}
	if u.Role == "admin" {
		s.adminID = u.ID
	}
}

// ensureLink returns the live link for a peer, creating it with the given
// role if absent. The role is only used at creation; an existing link
// keeps the role assigned when the edge was first discovered.
func (s *Session) ensureLink(remoteID string, role peerlink.Role) (*peerlink.Link, error) {
	s.mu.Lock()
	if link, ok := s.links[remoteID]; ok {
		s.mu.Unlock()
		return link, nil
	}
	s.mu.Unlock()

	transport, err := s.cfg.NewTransport()
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	link := peerlink.New(peerlink.Config{
		RemoteID:  remoteID,
		Role:      role,
		Transport: transport,
		Signaler:  (*sessionSignaler)(s),
		Logger:    s.log,
		OnFailed:  s.onLinkFailed,
	})

	if err := s.mediaCtl.AttachTo(link); err != nil {
		s.log.Warn("attach local tracks", "peer", remoteID, "err", err)
	}

	s.mu.Lock()
	if existing, ok := s.links[remoteID]; ok {
		// Lost a creation race; keep the first link.
		s.mu.Unlock()
		_ = link.Close()
		return existing, nil
	}
	s.links[remoteID] = link
	s.mu.Unlock()
	return link, nil
}

func (s *Session) lookupLink(remoteID string) *peerlink.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[remoteID]
}

// onLinkFailed replaces a failed link with a fresh one in the same role.
// The role must survive the rebuild: the remote side still holds the
// complementary role on this edge, and waiting for the next inbound frame
// would leave Offerer edges dead forever (nothing local ever touches a
// dropped link, and inbound traffic only recreates answering sides).
func (s *Session) onLinkFailed(remoteID string, err error) {
	select {
	case <-s.done:
		return
	default:
	}

	s.mu.Lock()
	link, ok := s.links[remoteID]
	if !ok || link.State() != peerlink.StateFailed {
		s.mu.Unlock()
		return
	}
	role := link.Role()
	delete(s.links, remoteID)
	_, present := s.peers[remoteID]
	s.mu.Unlock()

	s.log.Warn("link failed; rebuilding", "peer", remoteID, "role", role.String(), "err", err)
	if !present {
		return
	}

	fresh, cerr := s.ensureLink(remoteID, role)
	if cerr != nil {
		s.log.Warn("rebuild link", "peer", remoteID, "err", cerr)
		return
	}
	// Restart the edge's contract: a fresh Offerer re-offers, a fresh
	// Answerer asks the remote Offerer for a new round.
	if rerr := fresh.Renegotiate(); rerr != nil {
		s.log.Warn("renegotiate rebuilt link", "peer", remoteID, "err", rerr)
	}
}

// sessionSignaler sends negotiation envelopes through the session's
// signaling connection.
type sessionSignaler Session

func (ss *sessionSignaler) send(kind signaling.SignalKind, to string, payload any) error {
	s := (*Session)(ss)
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = data
	}
	s.enqueue(signaling.Envelope{
		Type:   signaling.EventSignal,
		Signal: &signaling.Signal{Kind: kind, To: to, Payload: raw},
	})
	return nil
}

func (ss *sessionSignaler) SendOffer(to string, desc webrtc.SessionDescription) error {
	return ss.send(signaling.SignalOffer, to, desc)
}

func (ss *sessionSignaler) SendAnswer(to string, desc webrtc.SessionDescription) error {
	return ss.send(signaling.SignalAnswer, to, desc)
}

func (ss *sessionSignaler) SendCandidate(to string, cand webrtc.ICECandidateInit) error {
	return ss.send(signaling.SignalCandidate, to, cand)
}

func (ss *sessionSignaler) RequestRenegotiation(to string) error {
	return ss.send(signaling.SignalRenegotiate, to, nil)
}
