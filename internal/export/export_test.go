package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kwrelay/kwrelay/internal/event"
	"github.com/kwrelay/kwrelay/internal/store"
)

type fakeStore struct {
	events   []event.TargetEvent
	attempts []event.Attempt
}

func (f *fakeStore) ListEvents(context.Context, store.EventQuery) ([]event.TargetEvent, error) {
	return f.events, nil
}

func (f *fakeStore) ListAttempts(context.Context, int) ([]event.Attempt, error) {
	return f.attempts, nil
}

func TestWriteEvents(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := WriteEvents(&buf, []event.TargetEvent{{
		ID:           7,
		SourceChatID: -100,
		Username:     "@x",
		MatchedTags:  []string{"tutoring", "calculus"},
		SourceTag:    "uni-a",
		Status:       event.StatusSent,
		Attempts:     1,
		DetectedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want header + 1", len(rows))
	}
	if rows[1][0] != "7" || rows[1][5] != "tutoring|calculus" || rows[1][7] != "sent" {
		t.Errorf("row = %v", rows[1])
	}
}

func TestSnapshotWritesFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	e := NewExporter(&fakeStore{
		events:   []event.TargetEvent{{ID: 1, Status: event.StatusNew}},
		attempts: []event.Attempt{{EventID: 1, SenderID: "a", Number: 1, Class: "transient"}},
	}, dir, nil)

	if err := e.Snapshot(context.Background()); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	for _, name := range []string{"events.csv", "attempts.csv"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if len(data) == 0 {
			t.Errorf("%s is empty", name)
		}
	}

	// No temp leftovers.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("dir has %d entries, want 2", len(entries))
	}
}
