package types

import (
	"time"
)

// User is an authenticated account. Credentials never leave the store and
// auth layers; the core only sees the ID.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Member is a user's durable membership in a room.
type Member struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	Owner    bool      `json:"owner"`
	AddedAt  time.Time `json:"added_at"`
}

// Room is the lightweight mirror of a durable chat room. The core never
// mutates it directly; committed changes flow back through events.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	Deleted   bool      `json:"deleted"`
}

// Message is a committed chat message. Seq is the room's event sequence
// number assigned at commit time; it is strictly increasing per room.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// RoomSnapshot is the consistent room view handed to a client on a
// successful join: full state as of Seq, before any live events.
type RoomSnapshot struct {
	Room     *Room      `json:"room"`
	Members  []*Member  `json:"members"`
	Messages []*Message `json:"messages"`
	Seq      uint64     `json:"seq"`
}
