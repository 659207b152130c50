package types

import "errors"

var (
	ErrInvalidUserID    = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidUsername  = errors.New("username must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidRoomName  = errors.New("room name must be 1-200 characters")
	ErrEmptyContent     = errors.New("message content cannot be empty")
	ErrContentTooLarge  = errors.New("message content exceeds 64KB limit")
	ErrInvalidEvent     = errors.New("event payload does not match its kind")
	ErrInvalidEventKind = errors.New("unknown event kind")
)
