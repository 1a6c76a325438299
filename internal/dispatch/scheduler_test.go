package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kwrelay/kwrelay/internal/event"
	"github.com/kwrelay/kwrelay/internal/ledger"
	"github.com/kwrelay/kwrelay/internal/match"
	"github.com/kwrelay/kwrelay/internal/transport"
	"github.com/kwrelay/kwrelay/internal/transport/transporttest"
	"github.com/kwrelay/kwrelay/modules/store/sqlite"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const testBaseInterval = 30 * time.Second

// newTestScheduler wires a scheduler over a real sqlite store and ledger
// with the given sender accounts, all active and immediately eligible.
func newTestScheduler(t *testing.T, tr transport.Transport, maxAttempts int, senders ...string) (*Scheduler, *sqlite.Store, *ledger.Ledger) {
	t.Helper()

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	for _, id := range senders {
		if err := st.PutAccount(ctx, event.SenderAccount{ID: id, State: event.AccountActive}); err != nil {
			t.Fatalf("put account %s: %v", id, err)
		}
	}

	led := ledger.New(ledger.Config{BaseInterval: testBaseInterval}, st, nil)
	if err := led.Load(ctx); err != nil {
		t.Fatalf("load ledger: %v", err)
	}

	s := New(Config{
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  maxAttempts,
		RetryDelay:   2 * time.Minute,
		Templates:    Templates{Default: "hi {username}"},
	}, st, led, tr, nil, nil)
	s.now = func() time.Time { return testNow }

	return s, st, led
}

// ingestAndClaim records one event through the matcher and claims it.
func ingestAndClaim(t *testing.T, st *sqlite.Store, text string) event.TargetEvent {
	t.Helper()

	m := match.New([]string{"tutoring", "calculus"})
	ctx := context.Background()

	_, err := st.RecordEvent(ctx, event.TargetEvent{
		SourceChatID: -100,
		SourceUserID: 7,
		Username:     "@target",
		RawText:      text,
		MatchedTags:  m.Match(text),
		DetectedAt:   testNow,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	claimed, err := st.ClaimNext(ctx, testNow, 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d events, want 1", len(claimed))
	}
	return claimed[0]
}

func TestDispatchSuccessEndToEnd(t *testing.T) {
	t.Parallel()

	mock := &transporttest.Mock{}
	s, st, led := newTestScheduler(t, mock, 3, "a")
	ctx := context.Background()

	ev := ingestAndClaim(t, st, "need tutoring for calculus")
	if len(ev.MatchedTags) != 2 || ev.MatchedTags[0] != "tutoring" || ev.MatchedTags[1] != "calculus" {
		t.Fatalf("MatchedTags = %v, want [tutoring calculus]", ev.MatchedTags)
	}

	dispatched, err := s.dispatchOne(ctx, ev)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !dispatched {
		t.Fatal("dispatch reported starvation with an eligible sender")
	}

	got, err := st.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != event.StatusSent {
		t.Errorf("Status = %s, want sent", got.Status)
	}

	a, ok := led.Get("a")
	if !ok {
		t.Fatal("account a missing from ledger")
	}
	if want := testNow.Add(testBaseInterval); !a.NextEligibleAt.Equal(want) {
		t.Errorf("NextEligibleAt = %v, want %v", a.NextEligibleAt, want)
	}
	if a.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", a.ConsecutiveFailures)
	}

	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("transport called %d times, want 1", len(calls))
	}
	if calls[0].Payload != "hi @target" {
		t.Errorf("payload = %q, want rendered template", calls[0].Payload)
	}
}

func TestDispatchTransientRequeues(t *testing.T) {
	t.Parallel()

	mock := &transporttest.Mock{
		SendFunc: func(context.Context, string, transport.Target, string) (transport.Outcome, error) {
			return transport.Outcome{Code: transport.CodeNetwork, Detail: "connection reset"}, nil
		},
	}
	s, st, _ := newTestScheduler(t, mock, 3, "a", "b")
	ctx := context.Background()

	ev := ingestAndClaim(t, st, "tutoring please")
	if _, err := s.dispatchOne(ctx, ev); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, err := st.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != event.StatusNew {
		t.Errorf("Status = %s, want new", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if want := testNow.Add(2 * time.Minute); !got.NextAttemptAt.Equal(want) {
		t.Errorf("NextAttemptAt = %v, want %v", got.NextAttemptAt, want)
	}
}

func TestDispatchExhaustsAcrossAllSenders(t *testing.T) {
	t.Parallel()

	mock := &transporttest.Mock{
		SendFunc: func(context.Context, string, transport.Target, string) (transport.Outcome, error) {
			return transport.Outcome{Code: transport.CodeTimeout}, nil
		},
	}
	s, st, _ := newTestScheduler(t, mock, 1, "a", "b")
	ctx := context.Background()

	ev := ingestAndClaim(t, st, "tutoring please")

	// First try burns sender a's single attempt; the event is re-queued
	// because b still has one left.
	if _, err := s.dispatchOne(ctx, ev); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	got, err := st.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != event.StatusNew {
		t.Fatalf("Status after first try = %s, want new", got.Status)
	}

	// Second try burns b's attempt; every active sender is now at cap.
	claimed, err := st.ClaimNext(ctx, testNow.Add(3*time.Minute), 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("re-claim: %v (%d events)", err, len(claimed))
	}
	if _, err := s.dispatchOne(ctx, claimed[0]); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}

	got, err = st.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != event.StatusFailedExhausted {
		t.Errorf("Status = %s, want failed_exhausted", got.Status)
	}
	if mock.CallCount() != 2 {
		t.Errorf("transport called %d times, want 2", mock.CallCount())
	}
}

func TestDispatchRateLimitRotatesSender(t *testing.T) {
	t.Parallel()

	mock := &transporttest.Mock{
		SendFunc: func(_ context.Context, senderID string, _ transport.Target, _ string) (transport.Outcome, error) {
			if senderID == "a" {
				return transport.Outcome{Code: transport.CodeFloodWait, RetryAfter: 10 * time.Minute}, nil
			}
			return transport.Outcome{Code: transport.CodeOK}, nil
		},
	}
	s, st, led := newTestScheduler(t, mock, 3, "a", "b")
	ctx := context.Background()

	ev := ingestAndClaim(t, st, "tutoring please")

	// LRU order is deterministic here: both accounts untouched, ids break
	// the tie, so a goes first and gets throttled.
	if _, err := s.dispatchOne(ctx, ev); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	got, err := st.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != event.StatusNew {
		t.Fatalf("Status = %s, want new (rotation re-queues)", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0 (rotation spends no attempt)", got.Attempts)
	}

	a, _ := led.Get("a")
	if a.State != event.AccountCoolingDown {
		t.Errorf("sender a state = %s, want cooling_down", a.State)
	}
	if !a.NextEligibleAt.After(testNow) {
		t.Error("sender a still eligible after rate limit")
	}

	// The re-queued event goes out through b.
	claimed, err := st.ClaimNext(ctx, testNow, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("re-claim: %v (%d events)", err, len(claimed))
	}
	if _, err := s.dispatchOne(ctx, claimed[0]); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}

	got, err = st.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != event.StatusSent {
		t.Errorf("Status = %s, want sent via rotated sender", got.Status)
	}
	calls := mock.Calls()
	if len(calls) != 2 || calls[1].SenderID != "b" {
		t.Errorf("calls = %+v, want second send via b", calls)
	}
}

func TestDispatchRateLimitOnlyNeverExhausts(t *testing.T) {
	t.Parallel()

	throttled := true
	mock := &transporttest.Mock{
		SendFunc: func(context.Context, string, transport.Target, string) (transport.Outcome, error) {
			if throttled {
				return transport.Outcome{Code: transport.CodeFloodWait, RetryAfter: 10 * time.Minute}, nil
			}
			return transport.Outcome{Code: transport.CodeOK}, nil
		},
	}
	s, st, _ := newTestScheduler(t, mock, 2, "a")
	current := testNow
	s.now = func() time.Time { return current }
	ctx := context.Background()

	ev := ingestAndClaim(t, st, "tutoring please")

	// Throttle the only sender more times than the attempt cap allows.
	// Backpressure alone must never retire the event or bar the sender.
	for i := 0; i < 3; i++ {
		if i > 0 {
			current = current.Add(2 * time.Hour) // well past the cooldown
			claimed, err := st.ClaimNext(ctx, current, 1)
			if err != nil || len(claimed) != 1 {
				t.Fatalf("re-claim %d: %v (%d events)", i, err, len(claimed))
			}
			ev = claimed[0]
		}
		if _, err := s.dispatchOne(ctx, ev); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}

		got, err := st.GetEvent(ctx, ev.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != event.StatusNew {
			t.Fatalf("Status after throttle %d = %s, want new", i+1, got.Status)
		}
		if got.Attempts != 0 {
			t.Fatalf("Attempts after throttle %d = %d, want 0", i+1, got.Attempts)
		}
	}
	if mock.CallCount() != 3 {
		t.Fatalf("transport called %d times, want 3", mock.CallCount())
	}

	// Once the platform stops throttling, the same sender still delivers.
	throttled = false
	current = current.Add(2 * time.Hour)
	claimed, err := st.ClaimNext(ctx, current, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("final claim: %v (%d events)", err, len(claimed))
	}
	if _, err := s.dispatchOne(ctx, claimed[0]); err != nil {
		t.Fatalf("final dispatch: %v", err)
	}

	got, err := st.GetEvent(ctx, claimed[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != event.StatusSent {
		t.Errorf("Status = %s, want sent once the throttle lifts", got.Status)
	}
}

func TestDispatchPermanentRetiresTarget(t *testing.T) {
	t.Parallel()

	mock := &transporttest.Mock{
		SendFunc: func(context.Context, string, transport.Target, string) (transport.Outcome, error) {
			return transport.Outcome{Code: transport.CodeBlocked, Detail: "user blocked sender"}, nil
		},
	}
	s, st, led := newTestScheduler(t, mock, 3, "a")
	ctx := context.Background()

	ev := ingestAndClaim(t, st, "tutoring please")
	if _, err := s.dispatchOne(ctx, ev); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, err := st.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != event.StatusFailedPermanent {
		t.Errorf("Status = %s, want failed_permanent", got.Status)
	}

	a, _ := led.Get("a")
	if a.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", a.ConsecutiveFailures)
	}
}

func TestDispatchStarvationReleases(t *testing.T) {
	t.Parallel()

	mock := &transporttest.Mock{}
	s, st, led := newTestScheduler(t, mock, 3, "a")
	ctx := context.Background()

	// Push the only sender into a cooldown well past now.
	if err := led.RecordRateLimit(ctx, "a", testNow, time.Hour); err != nil {
		t.Fatalf("rate limit: %v", err)
	}

	ev := ingestAndClaim(t, st, "tutoring please")
	dispatched, err := s.dispatchOne(ctx, ev)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if dispatched {
		t.Error("dispatch proceeded with no eligible sender")
	}

	got, err := st.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != event.StatusNew {
		t.Errorf("Status = %s, want new after release", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", got.Attempts)
	}
	if mock.CallCount() != 0 {
		t.Errorf("transport called %d times, want 0", mock.CallCount())
	}
}

func TestRunDeliversAndStops(t *testing.T) {
	t.Parallel()

	mock := &transporttest.Mock{}
	s, st, _ := newTestScheduler(t, mock, 3, "a")
	s.now = time.Now

	bg := context.Background()
	id, err := st.RecordEvent(bg, event.TargetEvent{
		SourceChatID: -100,
		SourceUserID: 7,
		Username:     "@target",
		RawText:      "tutoring",
		MatchedTags:  []string{"tutoring"},
		DetectedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	ctx, cancel := context.WithCancel(bg)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		got, err := st.GetEvent(bg, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == event.StatusSent {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("event never sent, status = %s", got.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil on graceful stop", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestTemplatesRender(t *testing.T) {
	t.Parallel()

	tpl := Templates{
		Default: "hi {username} about {matched_tags}",
		ByTag:   map[string]string{"uni-a": "hello from {sender_name}, saw you in {source_tag} {unknown}"},
	}

	ev := event.TargetEvent{
		Username:    "@x",
		MatchedTags: []string{"tutoring", "calculus"},
	}
	if got := tpl.Render(ev, "a"); got != "hi @x about tutoring, calculus" {
		t.Errorf("default render = %q", got)
	}

	ev.SourceTag = "uni-a"
	if got := tpl.Render(ev, "a"); got != "hello from a, saw you in uni-a {unknown}" {
		t.Errorf("tagged render = %q", got)
	}

	// No username falls back to the numeric id.
	ev2 := event.TargetEvent{SourceUserID: 99}
	tpl2 := Templates{Default: "hi {username}"}
	if got := tpl2.Render(ev2, "a"); got != "hi 99" {
		t.Errorf("fallback render = %q", got)
	}
}
