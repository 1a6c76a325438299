package store

import "errors"

// Sentinel errors for store operations.
var (
	// ErrDuplicateEvent indicates an event with the same ingestion key
	// (chat, user, detected_at) already exists. Ingestion is idempotent;
	// callers log and drop.
	ErrDuplicateEvent = errors.New("store: duplicate event")

	// ErrInvalidTransition indicates a status update was attempted on an
	// event that is not in the required current status. This is a race or
	// programming bug; the operation fails but the process keeps running.
	ErrInvalidTransition = errors.New("store: invalid status transition")

	// ErrNotFound indicates the requested event or account does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateAccount indicates a sender account with the same id is
	// already registered.
	ErrDuplicateAccount = errors.New("store: duplicate account")
)
