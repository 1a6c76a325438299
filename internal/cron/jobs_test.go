package cron

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kwrelay/kwrelay/internal/event"
	"github.com/kwrelay/kwrelay/modules/store/sqlite"
)

func TestReconcileJobReleasesStaleClaims(t *testing.T) {
	t.Parallel()

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	claimAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := range 2 {
		if _, err := st.RecordEvent(ctx, event.TargetEvent{
			SourceChatID: -100,
			SourceUserID: int64(i + 1),
			RawText:      "tutoring",
			DetectedAt:   claimAt,
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if _, err := st.ClaimNext(ctx, claimAt, 2); err != nil {
		t.Fatalf("claim: %v", err)
	}

	j := NewReconcileJob(st, 10*time.Minute, nil)

	// Claims are fresh relative to this clock: nothing released.
	j.now = func() time.Time { return claimAt.Add(time.Minute) }
	if err := j.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	counts, err := st.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[event.StatusQueued] != 2 {
		t.Fatalf("queued = %d after fresh run, want 2", counts[event.StatusQueued])
	}

	// An hour later the claims are stale and swept back.
	j.now = func() time.Time { return claimAt.Add(time.Hour) }
	if err := j.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	counts, err = st.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[event.StatusNew] != 2 || counts[event.StatusQueued] != 0 {
		t.Errorf("counts = %v, want all new", counts)
	}
}
