// Package ledger tracks per-sender cooldown windows and account state.
// It decides which sender accounts are eligible to send at a given
// moment and applies the backoff policy on delivery outcomes. State is
// written through to the account store so windows survive restarts.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kwrelay/kwrelay/internal/event"
	"github.com/kwrelay/kwrelay/internal/store"
)

// Config controls the cooldown policy.
type Config struct {
	// BaseInterval is the minimum spacing between sends from one account
	// after a clean send. Default: 30s.
	BaseInterval time.Duration `yaml:"base_interval"`

	// BaseWindow is the cooldown applied on the first rate-limit signal.
	// Doubles on each consecutive signal. Default: 1m.
	BaseWindow time.Duration `yaml:"base_window"`

	// MaxWindow caps the exponential cooldown growth. Default: 1h.
	MaxWindow time.Duration `yaml:"max_window"`

	// SuspendAfter is the number of consecutive permanent delivery
	// failures before an account is suspended. Default: 5.
	SuspendAfter int `yaml:"suspend_after"`
}

// Defaults fills zero-value fields.
func (c *Config) Defaults() {
	if c.BaseInterval <= 0 {
		c.BaseInterval = 30 * time.Second
	}
	if c.BaseWindow <= 0 {
		c.BaseWindow = time.Minute
	}
	if c.MaxWindow <= 0 {
		c.MaxWindow = time.Hour
	}
	if c.SuspendAfter <= 0 {
		c.SuspendAfter = 5
	}
}

// Ledger is safe for concurrent use. All mutations persist through the
// account store before the in-memory view is updated.
type Ledger struct {
	cfg    Config
	store  store.AccountStore
	logger *slog.Logger

	mu       sync.Mutex
	accounts map[string]*event.SenderAccount

	// now is injectable for testing. Defaults to time.Now.
	now func() time.Time
}

// New creates a ledger backed by accounts. Call Load before use.
func New(cfg Config, accounts store.AccountStore, logger *slog.Logger) *Ledger {
	cfg.Defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		cfg:      cfg,
		store:    accounts,
		logger:   logger,
		accounts: make(map[string]*event.SenderAccount),
		now:      time.Now,
	}
}

// Load populates the in-memory view from the account store.
func (l *Ledger) Load(ctx context.Context) error {
	list, err := l.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("ledger: load accounts: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.accounts = make(map[string]*event.SenderAccount, len(list))
	for i := range list {
		a := list[i]
		l.accounts[a.ID] = &a
	}
	return nil
}

// Eligible returns the ids of non-suspended accounts whose cooldown has
// expired at now, ordered least-recently-used first so the scheduler
// spreads load across accounts instead of exhausting one. An expired
// cooldown also returns the account from cooling_down to active.
func (l *Ledger) Eligible(now time.Time) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*event.SenderAccount
	for _, a := range l.accounts {
		if a.State == event.AccountSuspended {
			continue
		}
		if a.NextEligibleAt.After(now) {
			continue
		}
		if a.State == event.AccountCoolingDown {
			a.State = event.AccountActive
		}
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSendAt.Equal(out[j].LastSendAt) {
			return out[i].LastSendAt.Before(out[j].LastSendAt)
		}
		return out[i].ID < out[j].ID
	})

	ids := make([]string, len(out))
	for i, a := range out {
		ids[i] = a.ID
	}
	return ids
}

// EarliestEligible returns the soonest NextEligibleAt across
// non-suspended accounts, and false when every account is suspended.
// The scheduler sleeps until this deadline when every sender is cooling
// down.
func (l *Ledger) EarliestEligible() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		earliest time.Time
		found    bool
	)
	for _, a := range l.accounts {
		if a.State == event.AccountSuspended {
			continue
		}
		if !found || a.NextEligibleAt.Before(earliest) {
			earliest = a.NextEligibleAt
			found = true
		}
	}
	return earliest, found
}

// RecordSuccess resets the account's window to base, advances its
// eligibility by the base interval, and clears the consecutive failure
// counter. This is the only transition allowed to move NextEligibleAt
// backward.
func (l *Ledger) RecordSuccess(ctx context.Context, id string, now time.Time) error {
	return l.update(ctx, id, func(a *event.SenderAccount) {
		a.LastSendAt = now
		a.WindowSize = l.cfg.BaseWindow
		a.NextEligibleAt = now.Add(l.cfg.BaseInterval)
		a.ConsecutiveFailures = 0
		if a.State == event.AccountCoolingDown {
			a.State = event.AccountActive
		}
	})
}

// RecordRateLimit doubles the account's cooldown window (bounded by
// MaxWindow) and pushes its eligibility out. A platform wait hint longer
// than the computed window wins. NextEligibleAt never moves backward.
func (l *Ledger) RecordRateLimit(ctx context.Context, id string, now time.Time, retryAfter time.Duration) error {
	return l.update(ctx, id, func(a *event.SenderAccount) {
		a.LastSendAt = now

		if a.WindowSize <= 0 {
			a.WindowSize = l.cfg.BaseWindow
		} else {
			a.WindowSize *= 2
		}
		if a.WindowSize > l.cfg.MaxWindow {
			a.WindowSize = l.cfg.MaxWindow
		}

		wait := a.WindowSize
		if retryAfter > wait {
			wait = retryAfter
		}

		next := now.Add(wait)
		if next.After(a.NextEligibleAt) {
			a.NextEligibleAt = next
		}
		if a.State == event.AccountActive {
			a.State = event.AccountCoolingDown
		}

		l.logger.Warn("sender rate limited, cooling down",
			"sender", a.ID,
			"window", a.WindowSize,
			"next_eligible_at", a.NextEligibleAt,
		)
	})
}

// RecordPermanent increments the consecutive permanent-failure counter
// and suspends the account when it crosses the configured threshold.
// Returns true when this call suspended the account.
func (l *Ledger) RecordPermanent(ctx context.Context, id string, now time.Time) (bool, error) {
	var suspended bool
	err := l.update(ctx, id, func(a *event.SenderAccount) {
		a.LastSendAt = now
		a.ConsecutiveFailures++
		if a.ConsecutiveFailures >= l.cfg.SuspendAfter && a.State != event.AccountSuspended {
			a.State = event.AccountSuspended
			suspended = true
			l.logger.Error("sender suspended after consecutive permanent failures",
				"sender", a.ID,
				"failures", a.ConsecutiveFailures,
			)
		}
	})
	return suspended, err
}

// RecordTransient advances LastSendAt and spaces the next send by the
// base interval. Transient failures do not grow the window and do not
// count toward suspension.
func (l *Ledger) RecordTransient(ctx context.Context, id string, now time.Time) error {
	return l.update(ctx, id, func(a *event.SenderAccount) {
		a.LastSendAt = now
		next := now.Add(l.cfg.BaseInterval)
		if next.After(a.NextEligibleAt) {
			a.NextEligibleAt = next
		}
	})
}

// Suspend removes the account from scheduling until Reactivate.
func (l *Ledger) Suspend(ctx context.Context, id string) error {
	return l.update(ctx, id, func(a *event.SenderAccount) {
		a.State = event.AccountSuspended
	})
}

// Reactivate returns a suspended account to service with a clean slate:
// failure counter zeroed, window back to base.
func (l *Ledger) Reactivate(ctx context.Context, id string) error {
	return l.update(ctx, id, func(a *event.SenderAccount) {
		a.State = event.AccountActive
		a.ConsecutiveFailures = 0
		a.WindowSize = l.cfg.BaseWindow
		a.NextEligibleAt = l.now()
	})
}

// Get returns a snapshot of one account.
func (l *Ledger) Get(id string) (event.SenderAccount, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[id]
	if !ok {
		return event.SenderAccount{}, false
	}
	return *a, true
}

// Accounts returns a snapshot of all accounts, ordered by id.
func (l *Ledger) Accounts() []event.SenderAccount {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]event.SenderAccount, 0, len(l.accounts))
	for _, a := range l.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCount returns the number of accounts not suspended.
func (l *Ledger) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, a := range l.accounts {
		if a.State != event.AccountSuspended {
			n++
		}
	}
	return n
}

// ActiveIDs returns the ids of accounts not suspended, sorted.
func (l *Ledger) ActiveIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ids []string
	for _, a := range l.accounts {
		if a.State != event.AccountSuspended {
			ids = append(ids, a.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// update applies fn to a copy of the account, persists it, then commits
// the copy to the in-memory view. On storage failure the in-memory state
// is left untouched so the two views never diverge.
func (l *Ledger) update(ctx context.Context, id string, fn func(*event.SenderAccount)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[id]
	if !ok {
		return fmt.Errorf("ledger: account %q: %w", id, store.ErrNotFound)
	}

	next := *a
	fn(&next)

	if err := l.store.UpdateAccount(ctx, next); err != nil {
		return fmt.Errorf("ledger: persist account %q: %w", id, err)
	}

	*a = next
	return nil
}
