package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// EventType identifies a wire event. The vocabulary is shared by both
// directions; Validate enforces which fields each event may carry.
type EventType string

// Client -> server events.
const (
	EventJoinRoom        EventType = "join-room"
	EventSignal          EventType = "signal"
	EventChatMessage     EventType = "chat-message"
	EventKickUser        EventType = "kick-user"
	EventMakeAdmin       EventType = "make-admin"
	EventAllowSharing    EventType = "allow-sharing"
	EventDisallowSharing EventType = "disallow-sharing"
	EventMuteUser        EventType = "mute-user"
	EventLeave           EventType = "leave"
)

// Server -> client events.
const (
	EventJoined            EventType = "joined"
	EventExistingUsers     EventType = "existing-users"
	EventUserConnected     EventType = "user-connected"
	EventUserDisconnected  EventType = "user-disconnected"
	EventAdminChanged      EventType = "admin-changed"
	EventSharingAllowed    EventType = "sharing-allowed"
	EventSharingDisallowed EventType = "sharing-disallowed"
	EventKicked            EventType = "kicked"
	EventError             EventType = "error"
)

// SignalKind distinguishes the payloads carried by a signal event.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"

	// SignalRenegotiate asks the edge's Offerer to start a renegotiation.
	// Sent by the Answerer when its local tracks change; carries no
	// payload.
	SignalRenegotiate SignalKind = "renegotiate"
)

// User is a participant's public state as seen on the wire.
type User struct {
	ID            string `json:"id"`
	DisplayName   string `json:"displayName"`
	Role          string `json:"role"`
	CanShareMedia bool   `json:"canShareMedia"`
}

// Join carries the join-room request fields.
type Join struct {
	RoomID      string `json:"roomId"`
	WantsAdmin  bool   `json:"wantsAdmin,omitempty"`
	DisplayName string `json:"displayName"`
}

// Signal is a negotiation envelope relayed verbatim between peers. The
// server stamps From and routes on To; the payload is opaque to it.
type Signal struct {
	Kind    SignalKind      `json:"kind"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Chat is a room-scoped text message.
type Chat struct {
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

// AdminChange announces an atomic admin transfer.
type AdminChange struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// Envelope is the single wire frame for every event in both directions.
// Exactly the fields belonging to Type may be set; Validate rejects
// everything else.
type Envelope struct {
	Type EventType `json:"type"`

	Join   *Join   `json:"join,omitempty"`
	Signal *Signal `json:"signal,omitempty"`
	Chat   *Chat   `json:"chat,omitempty"`

	// Target addresses admin operations (kick-user, make-admin,
	// allow-sharing, disallow-sharing, mute-user).
	Target string `json:"target,omitempty"`

	// Mute carries the desired state for mute-user in both directions.
	Mute *bool `json:"mute,omitempty"`

	// Self is the joiner's own assigned identity (joined).
	Self *User `json:"self,omitempty"`

	Users []User `json:"users,omitempty"`
	User  *User  `json:"user,omitempty"`

	// UserID identifies the subject of user-disconnected.
	UserID string `json:"userId,omitempty"`

	AdminChange *AdminChange `json:"adminChange,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseEnvelope decodes and validates a single inbound frame. Unknown
// fields and trailing data are rejected.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks that the envelope carries exactly the fields its type
// requires.
func (e Envelope) Validate() error {
	switch e.Type {
	case EventJoinRoom:
		if e.Join == nil {
			return fmt.Errorf("join-room missing join")
		}
		if e.Join.RoomID == "" {
			return fmt.Errorf("join-room missing roomId")
		}
		if e.Join.DisplayName == "" {
			return fmt.Errorf("join-room missing displayName")
		}
		return e.onlyFields(fieldJoin)
	case EventSignal:
		if e.Signal == nil {
			return fmt.Errorf("signal missing signal body")
		}
		switch e.Signal.Kind {
		case SignalOffer, SignalAnswer, SignalCandidate:
			if len(e.Signal.Payload) == 0 {
				return fmt.Errorf("signal %q missing payload", e.Signal.Kind)
			}
		case SignalRenegotiate:
			if len(e.Signal.Payload) != 0 {
				return fmt.Errorf("signal %q must not carry a payload", e.Signal.Kind)
			}
		default:
			return fmt.Errorf("unsupported signal kind %q", e.Signal.Kind)
		}
		return e.onlyFields(fieldSignal)
	case EventChatMessage:
		if e.Chat == nil || e.Chat.Text == "" {
			return fmt.Errorf("chat-message missing text")
		}
		return e.onlyFields(fieldChat)
	case EventKickUser, EventMakeAdmin, EventAllowSharing, EventDisallowSharing:
		if e.Target == "" {
			return fmt.Errorf("%s missing target", e.Type)
		}
		return e.onlyFields(fieldTarget)
	case EventMuteUser:
		if e.Mute == nil {
			return fmt.Errorf("mute-user missing mute")
		}
		// Server->client mute-user is unicast and carries no target.
		return e.onlyFields(fieldTarget | fieldMute)
	case EventLeave, EventKicked, EventSharingAllowed, EventSharingDisallowed:
		return e.onlyFields(0)
	case EventJoined:
		if e.Self == nil {
			return fmt.Errorf("joined missing self")
		}
		return e.onlyFields(fieldSelf)
	case EventExistingUsers:
		return e.onlyFields(fieldUsers)
	case EventUserConnected:
		if e.User == nil {
			return fmt.Errorf("user-connected missing user")
		}
		return e.onlyFields(fieldUser)
	case EventUserDisconnected:
		if e.UserID == "" {
			return fmt.Errorf("user-disconnected missing userId")
		}
		return e.onlyFields(fieldUserID)
	case EventAdminChanged:
		if e.AdminChange == nil {
			return fmt.Errorf("admin-changed missing adminChange")
		}
		return e.onlyFields(fieldAdminChange)
	case EventError:
		if e.Code == "" || e.Message == "" {
			return fmt.Errorf("error missing code/message")
		}
		return e.onlyFields(fieldCodeMessage)
	default:
		return fmt.Errorf("unsupported event type %q", e.Type)
	}
}

type fieldMask uint16

const (
	fieldJoin fieldMask = 1 << iota
	fieldSignal
	fieldChat
	fieldTarget
	fieldMute
	fieldSelf
	fieldUsers
	fieldUser
	fieldUserID
	fieldAdminChange
	fieldCodeMessage
)

func (e Envelope) onlyFields(allowed fieldMask) error {
	var set fieldMask
	if e.Join != nil {
		set |= fieldJoin
	}
	if e.Signal != nil {
		set |= fieldSignal
	}
	if e.Chat != nil {
		set |= fieldChat
	}
	if e.Target != "" {
		set |= fieldTarget
	}
	if e.Mute != nil {
		set |= fieldMute
	}
	if e.Self != nil {
		set |= fieldSelf
	}
	if e.Users != nil {
		set |= fieldUsers
	}
	if e.User != nil {
		set |= fieldUser
	}
	if e.UserID != "" {
		set |= fieldUserID
	}
	if e.AdminChange != nil {
		set |= fieldAdminChange
	}
	if e.Code != "" || e.Message != "" {
		set |= fieldCodeMessage
	}
	if extra := set &^ allowed; extra != 0 {
		return fmt.Errorf("%s has unexpected fields", e.Type)
	}
	return nil
}
