package session

import "errors"

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrNotAMember    = errors.New("not a member of this room")
	ErrSessionClosed = errors.New("session is closed")
)
