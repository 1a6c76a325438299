// Package store defines the persistence contracts for target events,
// sender accounts, and delivery attempts. The sqlite module provides the
// durable implementation; tests use it against temp files.
package store

import (
	"context"
	"time"

	"github.com/kwrelay/kwrelay/internal/event"
)

// EventQuery filters ListEvents. Zero values mean "no filter".
type EventQuery struct {
	Status event.Status
	Tag    string
	Limit  int
	Offset int
}

// AttemptMeta carries the resolution details written alongside a status
// transition.
type AttemptMeta struct {
	SenderID string
	Class    string
	Detail   string
	At       time.Time
}

// EventStore is the durable record of detected targets and their
// dispatch state.
type EventStore interface {
	// RecordEvent inserts a new target event with status new and returns
	// its id. Returns ErrDuplicateEvent when an event with the same
	// (chat, user, detected_at) key exists.
	RecordEvent(ctx context.Context, ev event.TargetEvent) (int64, error)

	// ClaimNext atomically transitions up to limit retry-due new events
	// to queued and returns them. A claimed event is never returned to a
	// concurrent claimer until released or resolved.
	ClaimNext(ctx context.Context, now time.Time, limit int) ([]event.TargetEvent, error)

	// MarkOutcome transitions a queued event to the given status and
	// records the attempt. Transient retries pass status new together
	// with a future nextAttempt. Returns ErrInvalidTransition when the
	// event is not currently queued.
	MarkOutcome(ctx context.Context, id int64, status event.Status, nextAttempt time.Time, meta AttemptMeta) error

	// Release reverts a queued event to new without touching attempt
	// counters. Used when no sender was eligible and on graceful stop.
	Release(ctx context.Context, id int64) error

	// ReleaseAllQueued reverts every queued event to new. Crash-recovery
	// sweep; runs before scheduling starts.
	ReleaseAllQueued(ctx context.Context) (int64, error)

	// GetEvent returns a single event by id.
	GetEvent(ctx context.Context, id int64) (event.TargetEvent, error)

	// ListEvents returns events matching the query, newest first.
	ListEvents(ctx context.Context, q EventQuery) ([]event.TargetEvent, error)

	// CountByStatus returns the number of events per status.
	CountByStatus(ctx context.Context) (map[event.Status]int64, error)

	// OverrideStatus force-sets an event status. Moderator action; not
	// subject to the queued-only transition rule but still rejects
	// unknown statuses.
	OverrideStatus(ctx context.Context, id int64, status event.Status) error

	// SetNote attaches a moderator note to an event.
	SetNote(ctx context.Context, id int64, note string) error

	// RecentlyContacted reports whether the target identity was sent to
	// within the window ending at now.
	RecentlyContacted(ctx context.Context, identity string, window time.Duration, now time.Time) (bool, error)
}

// AttemptStore is the audit log of delivery attempts.
type AttemptStore interface {
	// RecordAttempt appends one attempt row.
	RecordAttempt(ctx context.Context, a event.Attempt) error

	// AttemptsBySender returns, for one event, the number of attempts
	// made by each sender, every class included.
	AttemptsBySender(ctx context.Context, eventID int64) (map[string]int, error)

	// TransientAttemptsBySender returns, for one event, the number of
	// transient-class attempts made by each sender. Rate-limit rows are
	// audit-only and never count toward the attempt cap.
	TransientAttemptsBySender(ctx context.Context, eventID int64) (map[string]int, error)

	// ListAttempts returns the newest attempts up to limit. A
	// non-positive limit returns everything.
	ListAttempts(ctx context.Context, limit int) ([]event.Attempt, error)
}

// AccountStore persists sender accounts and their cooldown windows.
type AccountStore interface {
	// PutAccount inserts an account. Returns ErrDuplicateAccount when the
	// id is taken.
	PutAccount(ctx context.Context, a event.SenderAccount) error

	// GetAccount returns one account by id.
	GetAccount(ctx context.Context, id string) (event.SenderAccount, error)

	// ListAccounts returns all accounts.
	ListAccounts(ctx context.Context) ([]event.SenderAccount, error)

	// UpdateAccount overwrites the mutable fields (state, cooldown window,
	// failure counters) of an existing account.
	UpdateAccount(ctx context.Context, a event.SenderAccount) error
}
