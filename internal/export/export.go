// Package export writes CSV snapshots of target events and delivery
// attempts for moderator review outside the gateway.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kwrelay/kwrelay/internal/event"
	"github.com/kwrelay/kwrelay/internal/store"
)

const timeLayout = time.RFC3339

// WriteEvents streams events as CSV.
func WriteEvents(w io.Writer, events []event.TargetEvent) error {
	cw := csv.NewWriter(w)

	header := []string{
		"id", "source_chat_id", "source_user_id", "username", "message_link",
		"matched_tags", "source_tag", "status", "attempts", "detected_at",
		"updated_at", "note",
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("export: write header: %w", err)
	}

	for _, ev := range events {
		row := []string{
			strconv.FormatInt(ev.ID, 10),
			strconv.FormatInt(ev.SourceChatID, 10),
			strconv.FormatInt(ev.SourceUserID, 10),
			ev.Username,
			ev.MessageLink,
			strings.Join(ev.MatchedTags, "|"),
			ev.SourceTag,
			string(ev.Status),
			strconv.Itoa(ev.Attempts),
			formatTime(ev.DetectedAt),
			formatTime(ev.UpdatedAt),
			ev.Note,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("export: write event %d: %w", ev.ID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteAttempts streams delivery attempts as CSV.
func WriteAttempts(w io.Writer, attempts []event.Attempt) error {
	cw := csv.NewWriter(w)

	if err := cw.Write([]string{"event_id", "sender_id", "number", "class", "detail", "at"}); err != nil {
		return fmt.Errorf("export: write header: %w", err)
	}

	for _, a := range attempts {
		row := []string{
			strconv.FormatInt(a.EventID, 10),
			a.SenderID,
			strconv.Itoa(a.Number),
			a.Class,
			a.Detail,
			formatTime(a.At),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("export: write attempt: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// Store is the read surface the exporter needs.
type Store interface {
	ListEvents(ctx context.Context, q store.EventQuery) ([]event.TargetEvent, error)
	ListAttempts(ctx context.Context, limit int) ([]event.Attempt, error)
}

// Exporter writes periodic snapshots into a directory.
type Exporter struct {
	store  Store
	dir    string
	logger *slog.Logger
}

// NewExporter builds an exporter targeting dir.
func NewExporter(st Store, dir string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{store: st, dir: dir, logger: logger}
}

// Snapshot writes events.csv and attempts.csv. Files are written to a
// temp name and renamed so readers never see a partial file.
func (e *Exporter) Snapshot(ctx context.Context) error {
	if err := os.MkdirAll(e.dir, 0o700); err != nil {
		return fmt.Errorf("export: create dir: %w", err)
	}

	events, err := e.store.ListEvents(ctx, store.EventQuery{})
	if err != nil {
		return fmt.Errorf("export: list events: %w", err)
	}
	if err := e.writeFile("events.csv", func(w io.Writer) error {
		return WriteEvents(w, events)
	}); err != nil {
		return err
	}

	attempts, err := e.store.ListAttempts(ctx, 0)
	if err != nil {
		return fmt.Errorf("export: list attempts: %w", err)
	}
	if err := e.writeFile("attempts.csv", func(w io.Writer) error {
		return WriteAttempts(w, attempts)
	}); err != nil {
		return err
	}

	e.logger.Info("snapshot written", "dir", e.dir,
		"events", len(events), "attempts", len(attempts))
	return nil
}

func (e *Exporter) writeFile(name string, write func(io.Writer) error) error {
	tmp := filepath.Join(e.dir, name+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", name, err)
	}

	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("export: close %s: %w", name, err)
	}

	if err := os.Rename(tmp, filepath.Join(e.dir, name)); err != nil {
		return fmt.Errorf("export: rename %s: %w", name, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}
