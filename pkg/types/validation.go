package types

import (
	"regexp"
)

// Compiled once; identifier validation runs on every join and write path.
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID reports whether id is acceptable as a user identifier.
func IsValidUserID(id string) bool {
	return len(id) >= 1 && len(id) <= 50 && idRegex.MatchString(id)
}

// IsValidUsername applies the same character rules as user IDs.
func IsValidUsername(name string) bool {
	return len(name) >= 1 && len(name) <= 50 && idRegex.MatchString(name)
}

// IsValidRoomName bounds display names; content is otherwise free-form.
func IsValidRoomName(name string) bool {
	return len(name) >= 1 && len(name) <= 200
}

// Validate ensures a message is acceptable for commit.
func (m *Message) Validate() error {
	if len(m.Content) == 0 {
		return ErrEmptyContent
	}
	if len(m.Content) > 65536 {
		return ErrContentTooLarge
	}
	return nil
}
