package types

import (
	"time"
)

// EventKind enumerates the closed set of domain events. Dispatch and
// serialization switch over these exhaustively; adding a kind means
// touching every switch.
type EventKind string

const (
	EventMessagePosted  EventKind = "message_posted"
	EventMessageDeleted EventKind = "message_deleted"
	EventMemberAdded    EventKind = "member_added"
	EventMemberRemoved  EventKind = "member_removed"
)

// Event is an immutable fact about a committed domain change, scoped to a
// room. Exactly one payload field is set, selected by Kind. Seq is the
// room's commit-time sequence number: strictly increasing, gapless
// relative to what the store has committed.
type Event struct {
	Kind      EventKind `json:"kind"`
	RoomID    string    `json:"room_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`

	Message   *Message `json:"message,omitempty"`    // EventMessagePosted
	MessageID string   `json:"message_id,omitempty"` // EventMessageDeleted
	Member    *Member  `json:"member,omitempty"`     // EventMemberAdded
	UserID    string   `json:"user_id,omitempty"`    // EventMemberRemoved
}

// NewMessagePosted builds a MessagePosted event from a committed message.
func NewMessagePosted(msg *Message) *Event {
	return &Event{
		Kind:      EventMessagePosted,
		RoomID:    msg.RoomID,
		Seq:       msg.Seq,
		Timestamp: time.Now(),
		Message:   msg,
	}
}

// NewMessageDeleted builds a MessageDeleted event.
func NewMessageDeleted(roomID, messageID string, seq uint64) *Event {
	return &Event{
		Kind:      EventMessageDeleted,
		RoomID:    roomID,
		Seq:       seq,
		Timestamp: time.Now(),
		MessageID: messageID,
	}
}

// NewMemberAdded builds a MemberAdded event.
func NewMemberAdded(roomID string, member *Member, seq uint64) *Event {
	return &Event{
		Kind:      EventMemberAdded,
		RoomID:    roomID,
		Seq:       seq,
		Timestamp: time.Now(),
		Member:    member,
	}
}

// NewMemberRemoved builds a MemberRemoved event.
func NewMemberRemoved(roomID, userID string, seq uint64) *Event {
	return &Event{
		Kind:      EventMemberRemoved,
		RoomID:    roomID,
		Seq:       seq,
		Timestamp: time.Now(),
		UserID:    userID,
	}
}

// Validate checks that the payload matches the declared kind.
func (e *Event) Validate() error {
	if e.RoomID == "" {
		return ErrInvalidEvent
	}
	switch e.Kind {
	case EventMessagePosted:
		if e.Message == nil {
			return ErrInvalidEvent
		}
	case EventMessageDeleted:
		if e.MessageID == "" {
			return ErrInvalidEvent
		}
	case EventMemberAdded:
		if e.Member == nil {
			return ErrInvalidEvent
		}
	case EventMemberRemoved:
		if e.UserID == "" {
			return ErrInvalidEvent
		}
	default:
		return ErrInvalidEventKind
	}
	return nil
}

// Frame is the server-to-client wire envelope pushed over the persistent
// connection. Exactly one of the optional fields is set, selected by Type.
type Frame struct {
	Type     string        `json:"type"` // event, snapshot, joined, left, error
	RoomID   string        `json:"room_id,omitempty"`
	Event    *Event        `json:"event,omitempty"`
	Snapshot *RoomSnapshot `json:"snapshot,omitempty"`
	Error    string        `json:"error,omitempty"`
}

const (
	FrameEvent    = "event"
	FrameSnapshot = "snapshot"
	FrameJoined   = "joined"
	FrameLeft     = "left"
	FrameError    = "error"
)

// ClientFrame is the client-to-server command envelope.
type ClientFrame struct {
	Action string `json:"action"` // join or leave
	RoomID string `json:"room_id"`
}

const (
	ActionJoin  = "join"
	ActionLeave = "leave"
)
