package roster

import "errors"

var (
	ErrConnectionUnknown = errors.New("connection is not registered")
)
