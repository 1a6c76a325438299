// Package event defines the core domain types shared by the store, the
// cooldown ledger, and the dispatch scheduler: target events detected by
// the listener and the sender accounts that deliver to them.
package event

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a target event.
type Status string

const (
	// StatusNew marks an event awaiting dispatch. Retry-eligible events
	// return to this status with NextAttemptAt set in the future.
	StatusNew Status = "new"

	// StatusQueued marks an event exclusively claimed by a scheduler.
	// The status acts as the claim lock token.
	StatusQueued Status = "queued"

	// StatusSent is terminal: the target was delivered to exactly once.
	StatusSent Status = "sent"

	// StatusFailedPermanent is terminal: delivery can never succeed
	// (malformed target, blocked by recipient).
	StatusFailedPermanent Status = "failed_permanent"

	// StatusFailedExhausted is terminal: every active sender reached its
	// attempt cap for this target. Requires manual intervention.
	StatusFailedExhausted Status = "failed_exhausted"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusFailedPermanent, StatusFailedExhausted:
		return true
	}
	return false
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusQueued, StatusSent, StatusFailedPermanent, StatusFailedExhausted:
		return true
	}
	return false
}

// TargetEvent is a detected message whose author is pending (or done)
// outbound contact.
type TargetEvent struct {
	ID           int64
	SourceChatID int64

	// SourceUserID is 0 when the platform did not expose a numeric id.
	SourceUserID int64

	// Username is empty for users without a public handle; MessageLink
	// is the fallback identity in that case.
	Username    string
	MessageLink string

	RawText     string
	MatchedTags []string
	SourceTag   string

	Status        Status
	Attempts      int
	NextAttemptAt time.Time
	DetectedAt    time.Time
	UpdatedAt     time.Time

	// Note is free-form moderator annotation.
	Note string
}

// AccountState is the lifecycle state of a sender account.
type AccountState string

const (
	AccountActive      AccountState = "active"
	AccountCoolingDown AccountState = "cooling_down"
	AccountSuspended   AccountState = "suspended"
)

// SenderAccount is an outbound-capable identity. Credential is opaque to
// the dispatch core; only the transport interprets it.
type SenderAccount struct {
	ID         string
	Credential string
	State      AccountState

	LastSendAt          time.Time
	NextEligibleAt      time.Time
	WindowSize          time.Duration
	ConsecutiveFailures int
}

// Identity returns the stable contact identity of a target: username
// when present, else the message link, else the numeric user id. The
// resend cooldown is keyed on this value. A fully anonymous target has
// no identity and returns ""; such targets are exempt from the cooldown
// because they cannot be told apart.
func Identity(ev TargetEvent) string {
	if ev.Username != "" {
		return ev.Username
	}
	if ev.MessageLink != "" {
		return ev.MessageLink
	}
	if ev.SourceUserID == 0 {
		return ""
	}
	return fmt.Sprintf("id:%d", ev.SourceUserID)
}

// Attempt is the audit record of a single delivery try.
type Attempt struct {
	EventID  int64
	SenderID string
	Number   int
	Class    string
	Detail   string
	At       time.Time
}
