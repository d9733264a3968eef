// Package chat implements the room/session/presence coordinator and
// message-ordering engine: the authoritative in-memory state behind the
// relay. All mutating entry points are driven from a single event loop, so
// the types here hold no locks of their own.
package chat

import "errors"

// Rejection reasons that cross a component boundary and are classified with
// errors.Is. Validation, membership, and rate-limit rejections are handled at
// the point of detection with a requester-only error event and never travel
// as error values. Every rejection is non-fatal to the connection.
var (
	ErrUsernameTaken = errors.New("username taken")
	ErrNotFound      = errors.New("message not found")
	ErrNotOwner      = errors.New("not the message owner")
	ErrTooOld        = errors.New("outside the allowed time window")
)
