// Package transport defines the boundary between the dispatch core and
// the platform delivery mechanism. The core only sees outcome codes; it
// never inspects transport internals.
package transport

import (
	"context"
	"time"
)

// Code identifies a delivery outcome category as reported by the
// transport. The classifier maps codes to retry policy classes.
type Code string

const (
	// CodeOK is a clean send.
	CodeOK Code = "ok"

	// CodeFloodWait is an explicit platform throttle with a wait hint.
	CodeFloodWait Code = "flood_wait"

	// CodePeerFlood is the platform's spam heuristic tripping on the
	// sender account.
	CodePeerFlood Code = "peer_flood"

	// CodeBadTarget is a malformed or nonexistent target descriptor.
	CodeBadTarget Code = "bad_target"

	// CodeBlocked means the recipient blocked this sender.
	CodeBlocked Code = "blocked"

	// CodePrivacyRestricted means the recipient's privacy settings
	// forbid contact.
	CodePrivacyRestricted Code = "privacy_restricted"

	// CodeDeactivated means the target account no longer exists.
	CodeDeactivated Code = "deactivated"

	// CodeTimeout is a send that exceeded its deadline.
	CodeTimeout Code = "timeout"

	// CodeNetwork is a connection-level failure.
	CodeNetwork Code = "network"

	// CodeInternal is a transport-side error with no better mapping.
	CodeInternal Code = "internal"
)

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Code   Code
	Detail string

	// RetryAfter is the platform-suggested backoff for flood_wait
	// outcomes; zero otherwise.
	RetryAfter time.Duration
}

// Target identifies a recipient. Username when the platform exposes one,
// otherwise the numeric user id.
type Target struct {
	Username string
	UserID   int64
}

// Transport delivers a payload to a target on behalf of a sender
// account. Implementations must honor ctx deadlines; a deadline hit is
// reported as CodeTimeout, not as an error. The returned error is
// reserved for misuse (unknown sender id), never for delivery failures.
type Transport interface {
	Send(ctx context.Context, senderID string, target Target, payload string) (Outcome, error)
}
