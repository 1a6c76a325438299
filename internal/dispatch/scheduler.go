// Package dispatch contains the core orchestrator. The scheduler claims
// retry-due events from the store, picks a least-recently-used eligible
// sender, delivers through the transport on that sender's lane, and
// resolves the outcome through the failure classifier.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kwrelay/kwrelay/internal/classify"
	"github.com/kwrelay/kwrelay/internal/event"
	"github.com/kwrelay/kwrelay/internal/metrics"
	"github.com/kwrelay/kwrelay/internal/store"
	"github.com/kwrelay/kwrelay/internal/transport"
)

// Storage pauses applied when the event store errors. The scheduler backs
// off instead of terminating the process.
const (
	storagePauseBase = time.Second
	storagePauseMax  = time.Minute
)

// Config controls the dispatch loop.
type Config struct {
	// PollInterval bounds how long the loop sleeps when nothing is
	// claimable. Default: 5s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ClaimBatch is the number of events claimed per cycle. Default: 8.
	ClaimBatch int `yaml:"claim_batch"`

	// SendTimeout bounds one transport call. A timeout resolves as a
	// transient outcome. Default: 30s.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// RetryDelay spaces transient retries of one event. Default: 2m.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// MaxAttempts caps transient failures per (event, sender) pair.
	// Rate-limit outcomes do not count; they only cool the sender down.
	// An event that reached the cap against every active sender is
	// marked exhausted. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// Templates render the outbound payload.
	Templates Templates `yaml:"templates"`
}

// Defaults fills zero-value fields.
func (c *Config) Defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 8
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

// Store is the persistence surface the scheduler needs.
type Store interface {
	store.EventStore
	store.AttemptStore
}

// Cooldowns is the sender eligibility surface, implemented by the
// cooldown ledger.
type Cooldowns interface {
	Eligible(now time.Time) []string
	EarliestEligible() (time.Time, bool)
	ActiveIDs() []string
	Accounts() []event.SenderAccount
	RecordSuccess(ctx context.Context, id string, now time.Time) error
	RecordRateLimit(ctx context.Context, id string, now time.Time, retryAfter time.Duration) error
	RecordTransient(ctx context.Context, id string, now time.Time) error
	RecordPermanent(ctx context.Context, id string, now time.Time) (bool, error)
}

// Scheduler runs the claim/select/send/resolve cycle. One instance per
// process; concurrent instances sharing a store stay correct because the
// claim is a compare-and-set on the event status.
type Scheduler struct {
	cfg       Config
	store     Store
	cooldowns Cooldowns
	transport transport.Transport
	lanes     *LaneLock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	// now is injectable for testing. Defaults to time.Now.
	now func() time.Time
}

// New builds a scheduler. metrics may be nil.
func New(cfg Config, st Store, cd Cooldowns, tr transport.Transport, logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	cfg.Defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:       cfg,
		store:     st,
		cooldowns: cd,
		transport: tr,
		lanes:     NewLaneLock(),
		logger:    logger,
		metrics:   m,
		tracer:    otel.Tracer("github.com/kwrelay/kwrelay/internal/dispatch"),
		now:       time.Now,
	}
}

// Run executes the dispatch loop until ctx is canceled. It starts with a
// crash-recovery sweep returning stale queued events to new. On cancel it
// completes the in-flight send, releases any still-claimed events, and
// returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	released, err := s.store.ReleaseAllQueued(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: recovery sweep: %w", err)
	}
	if released > 0 {
		s.logger.Info("recovered queued events from previous run", "count", released)
	}

	pause := storagePauseBase
	for {
		if ctx.Err() != nil {
			return nil
		}

		events, err := s.store.ClaimNext(ctx, s.now(), s.cfg.ClaimBatch)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("claim failed, pausing", "error", err, "pause", pause)
			if !sleep(ctx, pause) {
				return nil
			}
			if pause *= 2; pause > storagePauseMax {
				pause = storagePauseMax
			}
			continue
		}
		pause = storagePauseBase

		if len(events) == 0 {
			if !sleep(ctx, s.cfg.PollInterval) {
				return nil
			}
			continue
		}

		starved := false
		for i, ev := range events {
			if ctx.Err() != nil {
				s.releaseAll(events[i:])
				return nil
			}

			dispatched, err := s.dispatchOne(ctx, ev)
			if err != nil {
				s.logger.Error("dispatch failed, releasing event",
					"event", ev.ID, "error", err)
				s.release(ev.ID)
				continue
			}
			if !dispatched {
				starved = true
			}
		}
		s.publishSenderStates()

		if starved {
			s.waitForEligible(ctx)
		}
	}
}

// dispatchOne drives a single claimed event through selection, send and
// resolution. It returns false (with the event released) when no sender
// is currently eligible.
func (s *Scheduler) dispatchOne(ctx context.Context, ev event.TargetEvent) (bool, error) {
	now := s.now()

	active := s.cooldowns.ActiveIDs()
	if len(active) == 0 {
		s.logger.Warn("no active senders, releasing event", "event", ev.ID)
		return false, s.store.Release(ctx, ev.ID)
	}

	// Only transient failures charge the cap. Rate-limit rows are audit
	// records of backpressure, not of a spent attempt.
	counts, err := s.store.TransientAttemptsBySender(ctx, ev.ID)
	if err != nil {
		return false, err
	}

	if allAtCap(active, counts, s.cfg.MaxAttempts) {
		return true, s.exhaust(ctx, ev, store.AttemptMeta{At: now})
	}

	var senderID string
	for _, id := range s.cooldowns.Eligible(now) {
		if counts[id] < s.cfg.MaxAttempts {
			senderID = id
			break
		}
	}
	if senderID == "" {
		// Normal backpressure: every capable sender is cooling down.
		return false, s.store.Release(ctx, ev.ID)
	}

	outcome := s.deliver(ctx, senderID, ev)
	return true, s.resolve(ctx, ev, senderID, outcome, active, counts)
}

// deliver renders the payload and calls the transport on the sender's
// lane. The send runs on a detached context so a graceful stop lets it
// finish; the configured timeout still bounds it.
func (s *Scheduler) deliver(ctx context.Context, senderID string, ev event.TargetEvent) transport.Outcome {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SendTimeout)
	defer cancel()

	sendCtx, span := s.tracer.Start(sendCtx, "dispatch.send", trace.WithAttributes(
		attribute.Int64("event.id", ev.ID),
		attribute.String("sender.id", senderID),
	))
	defer span.End()

	payload := s.cfg.Templates.Render(ev, senderID)
	target := transport.Target{Username: ev.Username, UserID: ev.SourceUserID}

	s.lanes.Acquire(senderID)
	defer s.lanes.Release(senderID)

	start := time.Now()
	out, err := s.transport.Send(sendCtx, senderID, target, payload)
	if err != nil {
		out = transport.Outcome{Code: transport.CodeInternal, Detail: err.Error()}
	}

	span.SetAttributes(attribute.String("outcome.code", string(out.Code)))
	s.metrics.ObserveSend(string(classify.Classify(out)), time.Since(start))
	return out
}

// resolve routes the classified outcome into the store and the ledger.
// Writes run on a detached context so a graceful stop never leaves a
// half-resolved event.
func (s *Scheduler) resolve(ctx context.Context, ev event.TargetEvent, senderID string, out transport.Outcome, active []string, counts map[string]int) error {
	opCtx := context.WithoutCancel(ctx)
	now := s.now()
	class := classify.Classify(out)
	meta := store.AttemptMeta{SenderID: senderID, Class: string(class), Detail: out.Detail, At: now}

	switch class {
	case classify.Success:
		if err := s.store.MarkOutcome(opCtx, ev.ID, event.StatusSent, time.Time{}, meta); err != nil {
			return err
		}
		if err := s.cooldowns.RecordSuccess(opCtx, senderID, now); err != nil {
			return err
		}
		s.logger.Info("delivered", "event", ev.ID, "sender", senderID)
		return nil

	case classify.RateLimited:
		// The sender backs off; the event rotates to another sender
		// without spending an attempt.
		if err := s.store.RecordAttempt(opCtx, event.Attempt{
			EventID: ev.ID, SenderID: senderID, Class: string(class), Detail: out.Detail, At: now,
		}); err != nil {
			return err
		}
		if err := s.cooldowns.RecordRateLimit(opCtx, senderID, now, out.RetryAfter); err != nil {
			return err
		}
		return s.store.Release(opCtx, ev.ID)

	case classify.Permanent:
		if err := s.store.MarkOutcome(opCtx, ev.ID, event.StatusFailedPermanent, time.Time{}, meta); err != nil {
			return err
		}
		if _, err := s.cooldowns.RecordPermanent(opCtx, senderID, now); err != nil {
			return err
		}
		s.logger.Warn("permanent delivery failure",
			"event", ev.ID, "sender", senderID, "detail", out.Detail)
		return nil

	default: // classify.Transient
		if err := s.cooldowns.RecordTransient(opCtx, senderID, now); err != nil {
			return err
		}
		counts[senderID]++
		if allAtCap(active, counts, s.cfg.MaxAttempts) {
			return s.exhaust(opCtx, ev, meta)
		}
		return s.store.MarkOutcome(opCtx, ev.ID, event.StatusNew, now.Add(s.cfg.RetryDelay), meta)
	}
}

// exhaust retires an event that has hit the attempt cap against every
// active sender.
func (s *Scheduler) exhaust(ctx context.Context, ev event.TargetEvent, meta store.AttemptMeta) error {
	if err := s.store.MarkOutcome(ctx, ev.ID, event.StatusFailedExhausted, time.Time{}, meta); err != nil {
		return err
	}
	s.logger.Warn("event exhausted against all active senders",
		"event", ev.ID, "attempts", ev.Attempts)
	return nil
}

// waitForEligible sleeps until the earliest sender cooldown expires, or
// the poll interval, whichever is sooner.
func (s *Scheduler) waitForEligible(ctx context.Context) {
	wait := s.cfg.PollInterval
	if earliest, ok := s.cooldowns.EarliestEligible(); ok {
		if until := earliest.Sub(s.now()); until > 0 && until < wait {
			wait = until
		}
	}
	sleep(ctx, wait)
}

// releaseAll returns still-claimed events to new on graceful stop.
func (s *Scheduler) releaseAll(events []event.TargetEvent) {
	for _, ev := range events {
		s.release(ev.ID)
	}
}

func (s *Scheduler) release(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Release(ctx, id); err != nil {
		s.logger.Error("release failed, recovery sweep will pick it up",
			"event", id, "error", err)
	}
}

func (s *Scheduler) publishSenderStates() {
	var cooling, suspended int
	for _, a := range s.cooldowns.Accounts() {
		switch a.State {
		case event.AccountCoolingDown:
			cooling++
		case event.AccountSuspended:
			suspended++
		}
	}
	s.metrics.SetSenderStates(cooling, suspended)
}

// allAtCap reports whether every listed sender has used up its attempts
// for the event.
func allAtCap(senders []string, counts map[string]int, limit int) bool {
	for _, id := range senders {
		if counts[id] < limit {
			return false
		}
	}
	return true
}

// sleep waits for d or until ctx is canceled. Returns false on cancel.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
