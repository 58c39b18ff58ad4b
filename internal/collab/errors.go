package collab

import (
	"errors"
	"fmt"
)

// Caller errors are returned synchronously to the originating caller and
// never broadcast.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrAccessDenied     = errors.New("access denied")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrInvalidProject   = errors.New("invalid project")
)

// SendError reports a per-connection delivery failure. It is always
// recovered at the router boundary and never surfaced to other
// participants.
type SendError struct {
	ConnID string
	Reason string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to connection %s failed: %s", e.ConnID, e.Reason)
}
