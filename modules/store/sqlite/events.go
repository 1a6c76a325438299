package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kwrelay/kwrelay/internal/event"
	"github.com/kwrelay/kwrelay/internal/store"
)

const eventColumns = `id, source_chat_id, source_user_id, username, message_link,
	raw_text, matched_tags, source_tag, status, attempts, next_attempt_at,
	detected_at, updated_at, note`

// RecordEvent inserts a new target event with status new. The unique
// ingestion index makes duplicates a no-op insert, reported as
// store.ErrDuplicateEvent.
func (s *Store) RecordEvent(ctx context.Context, ev event.TargetEvent) (int64, error) {
	tagsJSON, err := json.Marshal(ev.MatchedTags)
	if err != nil {
		return 0, fmt.Errorf("sqlite: marshal tags: %w", err)
	}

	detectedAt := ev.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (
			source_chat_id, source_user_id, username, message_link,
			raw_text, matched_tags, source_tag, status, attempts,
			next_attempt_at, detected_at, updated_at, note
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?, ?)`,
		ev.SourceChatID, ev.SourceUserID, ev.Username, ev.MessageLink,
		ev.RawText, string(tagsJSON), ev.SourceTag, event.StatusNew,
		formatTime(detectedAt), formatTime(detectedAt), ev.Note,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: record event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return 0, store.ErrDuplicateEvent
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: last insert id: %w", err)
	}
	return id, nil
}

// ClaimNext atomically claims up to limit dispatchable events. Each row
// is claimed with a compare-and-set on the status column, so concurrent
// claimers never receive the same event.
func (s *Store) ClaimNext(ctx context.Context, now time.Time, limit int) ([]event.TargetEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE status = ? AND (next_attempt_at = '' OR next_attempt_at <= ?)
		ORDER BY id ASC
		LIMIT ?`,
		event.StatusNew, formatTime(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select claimable: %w", err)
	}

	candidates, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	var claimed []event.TargetEvent
	for _, ev := range candidates {
		res, err := tx.ExecContext(ctx, `
			UPDATE events SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			event.StatusQueued, formatTime(now), ev.ID, event.StatusNew,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlite: claim event %d: %w", ev.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("sqlite: rows affected: %w", err)
		}
		if n == 0 {
			// Lost the race to another claimer.
			continue
		}
		ev.Status = event.StatusQueued
		ev.UpdatedAt = now
		claimed = append(claimed, ev)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit claim: %w", err)
	}
	return claimed, nil
}

// MarkOutcome resolves a queued event. Re-queue transitions (status new)
// increment the attempt counter and carry the next attempt time;
// terminal transitions leave the counter alone. A sent outcome also
// records the target identity for the resend cooldown window.
func (s *Store) MarkOutcome(ctx context.Context, id int64, status event.Status, nextAttempt time.Time, meta store.AttemptMeta) error {
	if !status.Valid() || status == event.StatusQueued {
		return fmt.Errorf("sqlite: mark outcome %d as %q: %w", id, status, store.ErrInvalidTransition)
	}

	at := meta.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin mark outcome: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var cur event.TargetEvent
	row := tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	if err := scanEvent(row, &cur); err != nil {
		return err
	}
	if cur.Status != event.StatusQueued {
		return fmt.Errorf("sqlite: event %d is %q, not queued: %w", id, cur.Status, store.ErrInvalidTransition)
	}

	incr := 0
	if status == event.StatusNew || status == event.StatusFailedExhausted {
		incr = 1
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE events SET status = ?, attempts = attempts + ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, incr, formatTime(nextAttempt), formatTime(at), id, event.StatusQueued,
	); err != nil {
		return fmt.Errorf("sqlite: mark outcome %d: %w", id, err)
	}

	if meta.SenderID != "" {
		if err := insertAttempt(ctx, tx, id, meta, at); err != nil {
			return err
		}
	}

	// Anonymous targets have no identity to key a contact record on.
	if ident := event.Identity(cur); status == event.StatusSent && ident != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO contacted (identity, sent_at) VALUES (?, ?)`,
			ident, formatTime(at),
		); err != nil {
			return fmt.Errorf("sqlite: record contact %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit mark outcome: %w", err)
	}
	return nil
}

// Release reverts a queued event to new without touching counters.
func (s *Store) Release(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		event.StatusNew, formatTime(time.Now().UTC()), id, event.StatusQueued,
	)
	if err != nil {
		return fmt.Errorf("sqlite: release event %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetEvent(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("sqlite: release event %d not queued: %w", id, store.ErrInvalidTransition)
	}
	return nil
}

// ReleaseAllQueued reverts every queued event to new. Crash-recovery
// sweep; attempt counters are untouched.
func (s *Store) ReleaseAllQueued(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = ?, updated_at = ? WHERE status = ?`,
		event.StatusNew, formatTime(time.Now().UTC()), event.StatusQueued,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: release all queued: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return n, nil
}

// GetEvent returns a single event by id.
func (s *Store) GetEvent(ctx context.Context, id int64) (event.TargetEvent, error) {
	var ev event.TargetEvent
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	if err := scanEvent(row, &ev); err != nil {
		return event.TargetEvent{}, err
	}
	return ev, nil
}

// ListEvents returns events matching the query, newest first.
func (s *Store) ListEvents(ctx context.Context, q store.EventQuery) ([]event.TargetEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	var args []any

	if q.Status != "" {
		query += " AND status = ?"
		args = append(args, q.Status)
	}
	if q.Tag != "" {
		query += " AND source_tag = ?"
		args = append(args, q.Tag)
	}

	query += " ORDER BY id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	if q.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	return scanEvents(rows)
}

// CountByStatus returns the number of events per status.
func (s *Store) CountByStatus(ctx context.Context) (map[event.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: count by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[event.Status]int64)
	for rows.Next() {
		var (
			st event.Status
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("sqlite: scan count: %w", err)
		}
		out[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: count rows: %w", err)
	}
	return out, nil
}

// OverrideStatus force-sets an event status. Moderator path.
func (s *Store) OverrideStatus(ctx context.Context, id int64, status event.Status) error {
	if !status.Valid() {
		return fmt.Errorf("sqlite: override to unknown status %q: %w", status, store.ErrInvalidTransition)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: override status %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: event %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// SetNote attaches a moderator note to an event.
func (s *Store) SetNote(ctx context.Context, id int64, note string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET note = ?, updated_at = ? WHERE id = ?`,
		note, formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: set note %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: event %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// RecentlyContacted reports whether the identity was sent to within the
// window ending at now.
func (s *Store) RecentlyContacted(ctx context.Context, identity string, window time.Duration, now time.Time) (bool, error) {
	if identity == "" || window <= 0 {
		return false, nil
	}

	var sentAt string
	err := s.db.QueryRowContext(ctx, `SELECT sent_at FROM contacted WHERE identity = ?`, identity).Scan(&sentAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: lookup contact %q: %w", identity, err)
	}

	t, err := parseTime(sentAt)
	if err != nil {
		return false, fmt.Errorf("sqlite: parse sent_at %q: %w", sentAt, err)
	}
	return now.Sub(t) < window, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner, ev *event.TargetEvent) error {
	var (
		tagsJSON      string
		nextAttemptAt string
		detectedAt    string
		updatedAt     string
	)

	err := row.Scan(
		&ev.ID, &ev.SourceChatID, &ev.SourceUserID, &ev.Username, &ev.MessageLink,
		&ev.RawText, &tagsJSON, &ev.SourceTag, &ev.Status, &ev.Attempts,
		&nextAttemptAt, &detectedAt, &updatedAt, &ev.Note,
	)
	if err == sql.ErrNoRows {
		return fmt.Errorf("sqlite: event: %w", store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("sqlite: scan event: %w", err)
	}

	if tagsJSON != "" && tagsJSON != "[]" && tagsJSON != "null" {
		if err := json.Unmarshal([]byte(tagsJSON), &ev.MatchedTags); err != nil {
			return fmt.Errorf("sqlite: unmarshal tags: %w", err)
		}
	}

	if ev.NextAttemptAt, err = parseTime(nextAttemptAt); err != nil {
		return fmt.Errorf("sqlite: parse next_attempt_at %q: %w", nextAttemptAt, err)
	}
	if ev.DetectedAt, err = parseTime(detectedAt); err != nil {
		return fmt.Errorf("sqlite: parse detected_at %q: %w", detectedAt, err)
	}
	if ev.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return fmt.Errorf("sqlite: parse updated_at %q: %w", updatedAt, err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]event.TargetEvent, error) {
	defer func() { _ = rows.Close() }()

	var out []event.TargetEvent
	for rows.Next() {
		var ev event.TargetEvent
		if err := scanEvent(rows, &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: scan event rows: %w", err)
	}
	return out, nil
}

// timeLayout is RFC 3339 with fixed-width nanoseconds. Fixed width keeps
// lexicographic ordering equal to chronological ordering, which the
// next_attempt_at <= ? comparison in ClaimNext relies on.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// formatTime serialises a timestamp; the zero time becomes the empty
// string so "unset" survives round trips.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
