// Package registry owns room membership and per-participant role and
// permission state for the signaling server.
//
// The registry is the source of truth for roles and sharing permissions.
// Connection handles are deliberately not stored here; the signaling layer
// keeps its own participant-id -> connection map and treats it purely as a
// delivery address.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned when a room or participant does not exist.
	ErrNotFound = errors.New("registry: not found")

	// ErrPermissionDenied is returned when a non-admin attempts a
	// privileged operation.
	ErrPermissionDenied = errors.New("registry: permission denied")

	// ErrRoomFull is returned by Join when a room participant cap is
	// configured and reached.
	ErrRoomFull = errors.New("registry: room full")

	// ErrAlreadyJoined is returned by Join when the participant id is
	// already present in the room.
	ErrAlreadyJoined = errors.New("registry: participant already in room")
)

// Role is a participant's privilege level within a room.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Participant is a snapshot of one room member's registry state.
//
// Values returned from the registry are copies; mutating them does not
// affect registry state.
type Participant struct {
	ID            string
	DisplayName   string
	Role          Role
	CanShareMedia bool

	// joinSeq orders participants by arrival. Used to pick a successor
	// when the admin leaves.
	joinSeq uint64
}

// IsAdmin reports whether the participant holds the room's admin role.
func (p Participant) IsAdmin() bool { return p.Role == RoleAdmin }

type room struct {
	mu           sync.Mutex
	participants map[string]*Participant
	nextJoinSeq  uint64
}

// Registry tracks rooms and their participants.
//
// Operations on a single room are serialized by that room's lock; distinct
// rooms proceed independently. Rooms are created on first join and removed
// once their last participant leaves.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room

	// maxPerRoom caps room size. Zero means unlimited.
	maxPerRoom int
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxParticipantsPerRoom caps how many participants a single room may
// hold. n <= 0 means unlimited.
func WithMaxParticipantsPerRoom(n int) Option {
	return func(r *Registry) { r.maxPerRoom = n }
}

func New(opts ...Option) *Registry {
	r := &Registry{rooms: make(map[string]*room)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// lockRoom returns the room locked, or nil if it does not exist.
//
// The caller must unlock room.mu. The registry lock is not held on return,
// so a room emptied concurrently may still be observed here briefly; all
// mutations re-check membership under room.mu, which keeps that window
// harmless.
func (r *Registry) lockRoom(roomID string) *room {
	r.mu.Lock()
	rm := r.rooms[roomID]
	r.mu.Unlock()
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	return rm
}

// Join adds a participant to the room, creating the room if absent.
//
// The first participant of a freshly created room becomes Admin and may
// share media; everyone else joins as Member with sharing disabled,
// regardless of wantsAdmin. This preserves the one-admin invariant even
// when a joiner claims the admin role on an existing room.
//
// The returned slice holds the other participants already in the room,
// ordered by arrival, and never includes the joiner.
func (r *Registry) Join(roomID, participantID, displayName string, wantsAdmin bool) ([]Participant, error) {
	r.mu.Lock()
	rm := r.rooms[roomID]
	if rm == nil {
		rm = &room{participants: make(map[string]*Participant)}
		r.rooms[roomID] = rm
	}
	rm.mu.Lock()
	r.mu.Unlock()
	defer rm.mu.Unlock()

	if _, ok := rm.participants[participantID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyJoined, participantID)
	}
	if r.maxPerRoom > 0 && len(rm.participants) >= r.maxPerRoom {
		return nil, ErrRoomFull
	}

	// The first participant of an empty room becomes admin whether or not
	// it asked; wantsAdmin from later joiners is ignored.
	role := RoleMember
	if len(rm.participants) == 0 {
		role = RoleAdmin
	}

	p := &Participant{
		ID:            participantID,
		DisplayName:   displayName,
		Role:          role,
		CanShareMedia: role == RoleAdmin,
		joinSeq:       rm.nextJoinSeq,
	}
	rm.nextJoinSeq++

	others := rm.snapshotLocked(participantID)
	rm.participants[participantID] = p
	return others, nil
}

// LeaveResult describes the registry-side effects of a departure.
type LeaveResult struct {
	// Removed is false when the participant was not in the room (Leave is
	// an idempotent no-op in that case).
	Removed bool

	// RoomEmpty is true when the departure emptied (and deleted) the room.
	RoomEmpty bool

	// PromotedAdmin is set when the departing participant was the room's
	// admin and another member was promoted to keep exactly one admin.
	PromotedAdmin *Participant
}

// Leave removes a participant from the room. Safe to call twice.
//
// If the departing participant held the admin role and the room is not
// empty afterwards, the longest-present remaining member is promoted to
// Admin (with sharing enabled) so the one-admin invariant holds.
func (r *Registry) Leave(roomID, participantID string) LeaveResult {
	rm := r.lockRoom(roomID)
	if rm == nil {
		return LeaveResult{}
	}
	defer rm.mu.Unlock()

	p, ok := rm.participants[participantID]
	if !ok {
		return LeaveResult{}
	}
	delete(rm.participants, participantID)

	res := LeaveResult{Removed: true}

	if len(rm.participants) == 0 {
		r.mu.Lock()
		// Only delete if no concurrent Join replaced the entry.
		if r.rooms[roomID] == rm {
			delete(r.rooms, roomID)
		}
		r.mu.Unlock()
		res.RoomEmpty = true
		return res
	}

	if p.Role == RoleAdmin {
		successor := rm.oldestLocked()
		successor.Role = RoleAdmin
		successor.CanShareMedia = true
		promoted := *successor
		res.PromotedAdmin = &promoted
	}
	return res
}

// Lookup returns a copy of the participant's current state.
func (r *Registry) Lookup(roomID, participantID string) (Participant, error) {
	rm := r.lockRoom(roomID)
	if rm == nil {
		return Participant{}, ErrNotFound
	}
	defer rm.mu.Unlock()

	p, ok := rm.participants[participantID]
	if !ok {
		return Participant{}, ErrNotFound
	}
	return *p, nil
}

// Snapshot returns the room's participants ordered by arrival, excluding
// excludeID (pass "" to include everyone).
func (r *Registry) Snapshot(roomID, excludeID string) []Participant {
	rm := r.lockRoom(roomID)
	if rm == nil {
		return nil
	}
	defer rm.mu.Unlock()
	return rm.snapshotLocked(excludeID)
}

// TransferAdmin atomically demotes the acting admin to Member and promotes
// target to Admin with sharing enabled. No interleaved observer can see
// zero or two admins: both mutations happen under the room lock.
func (r *Registry) TransferAdmin(roomID, actingID, targetID string) error {
	rm := r.lockRoom(roomID)
	if rm == nil {
		return ErrNotFound
	}
	defer rm.mu.Unlock()

	acting, ok := rm.participants[actingID]
	if !ok {
		return ErrNotFound
	}
	if acting.Role != RoleAdmin {
		return ErrPermissionDenied
	}
	target, ok := rm.participants[targetID]
	if !ok {
		return ErrNotFound
	}
	if targetID == actingID {
		return nil
	}

	acting.Role = RoleMember
	acting.CanShareMedia = false
	target.Role = RoleAdmin
	target.CanShareMedia = true
	return nil
}

// SetSharePermission updates target's canShareMedia flag. The acting
// participant must be the room's admin.
func (r *Registry) SetSharePermission(roomID, actingID, targetID string, allow bool) error {
	rm := r.lockRoom(roomID)
	if rm == nil {
		return ErrNotFound
	}
	defer rm.mu.Unlock()

	acting, ok := rm.participants[actingID]
	if !ok {
		return ErrNotFound
	}
	if acting.Role != RoleAdmin {
		return ErrPermissionDenied
	}
	target, ok := rm.participants[targetID]
	if !ok {
		return ErrNotFound
	}
	target.CanShareMedia = allow
	return nil
}

// Authorize verifies that actingID holds the admin role in the room. Used
// by privileged operations that mutate no registry state (kick, mute
// forwarding).
func (r *Registry) Authorize(roomID, actingID string) error {
	p, err := r.Lookup(roomID, actingID)
	if err != nil {
		return err
	}
	if p.Role != RoleAdmin {
		return ErrPermissionDenied
	}
	return nil
}

// RoomCount reports how many rooms currently exist. Exposed for metrics
// and tests.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (rm *room) snapshotLocked(excludeID string) []Participant {
	out := make([]Participant, 0, len(rm.participants))
	for id, p := range rm.participants {
		if id == excludeID {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].joinSeq < out[j].joinSeq })
	return out
}

func (rm *room) oldestLocked() *Participant {
	var oldest *Participant
	for _, p := range rm.participants {
		if oldest == nil || p.joinSeq < oldest.joinSeq {
			oldest = p
		}
	}
	return oldest
}
