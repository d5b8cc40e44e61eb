package app

import "errors"

var (
	// ErrNotAuthenticated indicates no user id could be resolved for the call.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrEmptyMessage indicates the message text is empty after trimming.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrAnchorRequired indicates a note or resource anchor without an id.
	ErrAnchorRequired = errors.New("anchor id required")
	ErrInvalidAnchor  = errors.New("invalid anchor type")
	// ErrAnchorNotFound is never returned to callers; it marks degraded
	// title and context derivation in logs.
	ErrAnchorNotFound   = errors.New("anchor not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionForbidden = errors.New("session forbidden")
	ErrInvalidSender    = errors.New("invalid sender")
)
