// Package peerlink implements the per-peer negotiation state machine: one
// Link per remote participant, driving offer/answer/candidate exchange
// through the external transport engine.
//
// Glare is removed by construction. Each link carries an immutable
// Offerer/Answerer role assigned at creation; only the Offerer ever
// creates offers, and the Answerer asks for renegotiation with an explicit
// request signal instead of offering itself.
package peerlink

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/meshmeet/meshmeet/internal/media"
)

var (
	// ErrNegotiationConflict reports a description applied in a state that
	// does not permit it. The link is torn down and rebuilt from Idle.
	ErrNegotiationConflict = errors.New("peerlink: negotiation conflict")

	// ErrLinkClosed reports an operation on a closed or failed link.
	ErrLinkClosed = errors.New("peerlink: link closed")
)

// Role is the fixed negotiation role of the local side of a link. The side
// that discovered the peer as new offers; the side that was discovered
// answers. Never recomputed after creation.
type Role int

const (
	Offerer Role = iota
	Answerer
)

func (r Role) String() string {
	if r == Offerer {
		return "offerer"
	}
	return "answerer"
}

// State is the negotiation progress of a link.
type State int

const (
	StateIdle State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateStable
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateStable:
		return "stable"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transport is the slice of the external transport engine a link needs.
// internal/rtc adapts a pion PeerConnection to it; tests use fakes.
type Transport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	// OnICECandidate registers the handler for locally gathered
	// candidates. A nil candidate (end of gathering) is not delivered.
	OnICECandidate(func(webrtc.ICECandidateInit))

	// SetTrack installs or replaces the outbound track of the given kind.
	SetTrack(kind media.TrackKind, t media.Track) error

	// RemoveTrack stops sending the track of the given kind.
	RemoveTrack(kind media.TrackKind) error

	Close() error
}

// Signaler sends negotiation messages to the remote side of a link via the
// relay.
type Signaler interface {
	SendOffer(to string, desc webrtc.SessionDescription) error
	SendAnswer(to string, desc webrtc.SessionDescription) error
	SendCandidate(to string, cand webrtc.ICECandidateInit) error

	// RequestRenegotiation asks the remote Offerer to renegotiate. Used by
	// the Answerer side when its local tracks change.
	RequestRenegotiation(to string) error
}

// Config assembles a Link.
type Config struct {
	RemoteID  string
	Role      Role
	Transport Transport
	Signaler  Signaler
	Logger    *slog.Logger

	// OnFailed is called (outside the link's lock) after the link enters
	// the terminal Failed state and its transport is torn down. The owner
	// replaces the link with a fresh one, in the same role, starting from
	// Idle.
	OnFailed func(remoteID string, err error)
}

// Link is the negotiation state machine for one (local, remote) pair. All
// transitions are serialized by an internal lock: the machine processes
// one signaling step at a time and never advances past a transition whose
// triggering operation has not completed.
type Link struct {
	remoteID string
	role     Role

	transport Transport
	signaler  Signaler
	log       *slog.Logger
	onFailed  func(string, error)

	mu    sync.Mutex
	state State

	// haveRemoteDesc gates candidate application. Candidates arriving
	// before the remote description are buffered in arrival order and
	// flushed, in that order, the moment the description is set.
	haveRemoteDesc bool
	pending        []webrtc.ICECandidateInit

	// offerInFlight enforces at most one outstanding offer; renegotiation
	// requests racing an in-flight offer are coalesced into one follow-up.
	offerInFlight     bool
	renegotiateQueued bool
}

func New(cfg Config) *Link {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	l := &Link{
		remoteID:  cfg.RemoteID,
		role:      cfg.Role,
		transport: cfg.Transport,
		signaler:  cfg.Signaler,
		log:       log.With("peer", cfg.RemoteID, "role", cfg.Role.String()),
		onFailed:  cfg.OnFailed,
	}
	l.transport.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		// Local candidates are sent immediately, whatever the state.
		if err := l.signaler.SendCandidate(l.remoteID, cand); err != nil {
			l.log.Warn("send candidate", "err", err)
		}
	})
	return l
}

// RemoteID returns the remote participant this link negotiates with.
func (l *Link) RemoteID() string { return l.remoteID }

// Role returns the local side's fixed negotiation role.
func (l *Link) Role() Role { return l.role }

// State returns the current negotiation state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Renegotiate triggers the edge's renegotiation contract: the Offerer
// creates a fresh offer; the Answerer asks the remote Offerer to do so.
func (l *Link) Renegotiate() error {
	if l.role == Answerer {
		return l.signaler.RequestRenegotiation(l.remoteID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.negotiateLocked()
}

// HandleRenegotiateRequest processes the Answerer's renegotiation request.
func (l *Link) HandleRenegotiateRequest() error {
	if l.role != Offerer {
		// Only the Offerer may create offers; a request reaching the
		// Answerer indicates a confused peer and is dropped.
		l.log.Warn("renegotiation request received on answering side; ignored")
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.negotiateLocked()
}

func (l *Link) negotiateLocked() error {
	switch l.state {
	case StateFailed, StateClosed:
		return ErrLinkClosed
	}
	if l.offerInFlight {
		l.renegotiateQueued = true
		return nil
	}

	offer, err := l.transport.CreateOffer()
	if err != nil {
		return l.failLocked(fmt.Errorf("create offer: %w", err))
	}
	if err := l.transport.SetLocalDescription(offer); err != nil {
		return l.failLocked(fmt.Errorf("set local offer: %w", err))
	}
	l.state = StateHaveLocalOffer
	l.offerInFlight = true

	if err := l.signaler.SendOffer(l.remoteID, offer); err != nil {
		// Relay delivery is best-effort; a lost offer is retriggered by
		// the next track change.
		l.log.Warn("send offer", "err", err)
	}
	return nil
}

// HandleOffer applies a remote offer and answers it. Valid while Idle or
// Stable; anything else is a conflict that tears the link down.
func (l *Link) HandleOffer(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.role == Offerer {
		return l.failLocked(fmt.Errorf("%w: offer received on offering side", ErrNegotiationConflict))
	}
	switch l.state {
	case StateIdle, StateStable:
	case StateFailed, StateClosed:
		return ErrLinkClosed
	default:
		return l.failLocked(fmt.Errorf("%w: offer received in state %s", ErrNegotiationConflict, l.state))
	}

	if err := l.transport.SetRemoteDescription(desc); err != nil {
		return l.failLocked(fmt.Errorf("set remote offer: %w", err))
	}
	l.state = StateHaveRemoteOffer
	l.flushCandidatesLocked()

	answer, err := l.transport.CreateAnswer()
	if err != nil {
		return l.failLocked(fmt.Errorf("create answer: %w", err))
	}
	if err := l.transport.SetLocalDescription(answer); err != nil {
		return l.failLocked(fmt.Errorf("set local answer: %w", err))
	}
	l.state = StateStable

	if err := l.signaler.SendAnswer(l.remoteID, answer); err != nil {
		l.log.Warn("send answer", "err", err)
	}
	return nil
}

// HandleAnswer completes the offering side's round. Only valid with a
// local offer outstanding; an answer in any other state (including Idle)
// is a conflict that tears the link down.
func (l *Link) HandleAnswer(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateHaveLocalOffer:
	case StateFailed, StateClosed:
		return ErrLinkClosed
	default:
		return l.failLocked(fmt.Errorf("%w: answer received in state %s", ErrNegotiationConflict, l.state))
	}

	if err := l.transport.SetRemoteDescription(desc); err != nil {
		return l.failLocked(fmt.Errorf("set remote answer: %w", err))
	}
	l.flushCandidatesLocked()
	l.state = StateStable
	l.offerInFlight = false

	if l.renegotiateQueued {
		l.renegotiateQueued = false
		return l.negotiateLocked()
	}
	return nil
}

// HandleCandidate applies a remote connectivity candidate, buffering it if
// the remote description has not been applied yet. Buffered candidates are
// never dropped and never reordered.
func (l *Link) HandleCandidate(cand webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateFailed, StateClosed:
		return ErrLinkClosed
	}
	if !l.haveRemoteDesc {
		l.pending = append(l.pending, cand)
		return nil
	}
	if err := l.transport.AddICECandidate(cand); err != nil {
		// A bad candidate degrades the edge but must not kill it.
		l.log.Warn("add candidate", "err", err)
	}
	return nil
}

func (l *Link) flushCandidatesLocked() {
	l.haveRemoteDesc = true
	for _, cand := range l.pending {
		if err := l.transport.AddICECandidate(cand); err != nil {
			l.log.Warn("apply buffered candidate", "err", err)
		}
	}
	l.pending = nil
}

// SetTrack installs or replaces an outbound track on this link's
// transport. Part of the media controller's slot propagation; the
// controller triggers Renegotiate separately once every link is updated.
func (l *Link) SetTrack(kind media.TrackKind, t media.Track) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateFailed, StateClosed:
		return ErrLinkClosed
	}
	return l.transport.SetTrack(kind, t)
}

// RemoveTrack stops sending the track of the given kind on this link.
func (l *Link) RemoveTrack(kind media.TrackKind) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateFailed, StateClosed:
		return ErrLinkClosed
	}
	return l.transport.RemoveTrack(kind)
}

// Close tears the link down. Used when either endpoint leaves the room;
// any in-flight negotiation is invalidated.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return nil
	}
	l.state = StateClosed
	l.pending = nil
	l.offerInFlight = false
	l.renegotiateQueued = false
	return l.transport.Close()
}

// failLocked moves the link to the terminal Failed state, tears down the
// transport, and schedules the owner callback. Callers must hold l.mu.
func (l *Link) failLocked(err error) error {
	if l.state == StateFailed || l.state == StateClosed {
		return err
	}
	l.state = StateFailed
	l.pending = nil
	l.offerInFlight = false
	l.renegotiateQueued = false
	_ = l.transport.Close()
	l.log.Warn("link failed", "err", err)

	if l.onFailed != nil {
		// Run outside the lock; the owner will typically drop the link
		// and may create a replacement immediately.
		go l.onFailed(l.remoteID, err)
	}
	return err
}
