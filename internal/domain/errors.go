package domain

import "errors"

var (
	// ErrResource covers PTY or descriptor allocation failures and other
	// OS-level faults. Fatal to the affected session only.
	ErrResource = errors.New("resource allocation failed")

	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrPermissionDenied = errors.New("permission denied")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrSessionClosed    = errors.New("session closed")
)
