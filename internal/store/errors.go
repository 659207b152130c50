package store

import "errors"

var (
	ErrClosed            = errors.New("store is closed")
	ErrUserExists        = errors.New("username already taken")
	ErrUserNotFound      = errors.New("user not found")
	ErrRoomNotFound      = errors.New("room not found")
	ErrMessageNotFound   = errors.New("message not found")
	ErrAlreadyMember     = errors.New("user is already a member")
	ErrNotAMember        = errors.New("user is not a member")
	ErrCannotRemoveOwner = errors.New("room owner cannot be removed")
)
