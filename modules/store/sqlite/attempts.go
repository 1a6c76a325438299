package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kwrelay/kwrelay/internal/classify"
	"github.com/kwrelay/kwrelay/internal/event"
	"github.com/kwrelay/kwrelay/internal/store"
)

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RecordAttempt appends one delivery attempt audit row. The attempt
// number is derived from the existing rows for the event.
func (s *Store) RecordAttempt(ctx context.Context, a event.Attempt) error {
	at := a.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	meta := store.AttemptMeta{SenderID: a.SenderID, Class: a.Class, Detail: a.Detail}
	return insertAttempt(ctx, s.db, a.EventID, meta, at)
}

// insertAttempt writes an attempt row on db or within an open tx.
func insertAttempt(ctx context.Context, e execer, eventID int64, meta store.AttemptMeta, at time.Time) error {
	var prior int
	if err := e.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attempts WHERE event_id = ?`, eventID,
	).Scan(&prior); err != nil {
		return fmt.Errorf("sqlite: count attempts for %d: %w", eventID, err)
	}

	if _, err := e.ExecContext(ctx, `
		INSERT INTO attempts (event_id, sender_id, number, class, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		eventID, meta.SenderID, prior+1, meta.Class, meta.Detail, formatTime(at),
	); err != nil {
		return fmt.Errorf("sqlite: record attempt for %d: %w", eventID, err)
	}
	return nil
}

// AttemptsBySender returns, for one event, the number of attempts made
// by each sender, every class included. Audit views use this; the
// scheduler's attempt cap uses TransientAttemptsBySender.
func (s *Store) AttemptsBySender(ctx context.Context, eventID int64) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender_id, COUNT(*) FROM attempts WHERE event_id = ? GROUP BY sender_id`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: attempts by sender for %d: %w", eventID, err)
	}
	return scanSenderCounts(rows)
}

// TransientAttemptsBySender returns, for one event, the number of
// transient-class attempts made by each sender. Rate-limit rows stay
// audit-only so pure backpressure never exhausts an event.
func (s *Store) TransientAttemptsBySender(ctx context.Context, eventID int64) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender_id, COUNT(*) FROM attempts
		WHERE event_id = ? AND class = ? GROUP BY sender_id`,
		eventID, string(classify.Transient),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: transient attempts by sender for %d: %w", eventID, err)
	}
	return scanSenderCounts(rows)
}

func scanSenderCounts(rows *sql.Rows) (map[string]int, error) {
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var (
			sender string
			n      int
		)
		if err := rows.Scan(&sender, &n); err != nil {
			return nil, fmt.Errorf("sqlite: scan attempt count: %w", err)
		}
		out[sender] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: attempt rows: %w", err)
	}
	return out, nil
}

// ListAttempts returns the newest attempts up to limit. A non-positive
// limit returns everything.
func (s *Store) ListAttempts(ctx context.Context, limit int) ([]event.Attempt, error) {
	if limit <= 0 {
		limit = -1 // sqlite treats a negative LIMIT as unbounded
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, sender_id, number, class, detail, at
		FROM attempts ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []event.Attempt
	for rows.Next() {
		var (
			a  event.Attempt
			at string
		)
		if err := rows.Scan(&a.EventID, &a.SenderID, &a.Number, &a.Class, &a.Detail, &at); err != nil {
			return nil, fmt.Errorf("sqlite: scan attempt: %w", err)
		}
		if a.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("sqlite: parse attempt time %q: %w", at, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: attempt rows: %w", err)
	}
	return out, nil
}
