package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kwrelay/kwrelay/internal/event"
	"github.com/kwrelay/kwrelay/internal/store"
)

// PutAccount inserts a sender account.
func (s *Store) PutAccount(ctx context.Context, a event.SenderAccount) error {
	state := a.State
	if state == "" {
		state = event.AccountActive
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO accounts (
			id, credential, state, last_send_at, next_eligible_at,
			window_size_ns, consecutive_failures
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Credential, state, formatTime(a.LastSendAt),
		formatTime(a.NextEligibleAt), int64(a.WindowSize), a.ConsecutiveFailures,
	)
	if err != nil {
		return fmt.Errorf("sqlite: put account %q: %w", a.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: account %q: %w", a.ID, store.ErrDuplicateAccount)
	}
	return nil
}

// GetAccount returns one account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (event.SenderAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, credential, state, last_send_at, next_eligible_at,
			window_size_ns, consecutive_failures
		FROM accounts WHERE id = ?`, id)

	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return event.SenderAccount{}, fmt.Errorf("sqlite: account %q: %w", id, store.ErrNotFound)
	}
	return a, err
}

// ListAccounts returns all accounts ordered by id.
func (s *Store) ListAccounts(ctx context.Context) ([]event.SenderAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, credential, state, last_send_at, next_eligible_at,
			window_size_ns, consecutive_failures
		FROM accounts ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []event.SenderAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: account rows: %w", err)
	}
	return out, nil
}

// UpdateAccount overwrites the mutable fields of an existing account.
func (s *Store) UpdateAccount(ctx context.Context, a event.SenderAccount) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET state = ?, last_send_at = ?, next_eligible_at = ?,
			window_size_ns = ?, consecutive_failures = ?
		WHERE id = ?`,
		a.State, formatTime(a.LastSendAt), formatTime(a.NextEligibleAt),
		int64(a.WindowSize), a.ConsecutiveFailures, a.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update account %q: %w", a.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: account %q: %w", a.ID, store.ErrNotFound)
	}
	return nil
}

func scanAccount(row rowScanner) (event.SenderAccount, error) {
	var (
		a              event.SenderAccount
		lastSendAt     string
		nextEligibleAt string
		windowNS       int64
	)

	err := row.Scan(&a.ID, &a.Credential, &a.State, &lastSendAt, &nextEligibleAt,
		&windowNS, &a.ConsecutiveFailures)
	if err == sql.ErrNoRows {
		return event.SenderAccount{}, err
	}
	if err != nil {
		return event.SenderAccount{}, fmt.Errorf("sqlite: scan account: %w", err)
	}

	a.WindowSize = time.Duration(windowNS)
	if a.LastSendAt, err = parseTime(lastSendAt); err != nil {
		return event.SenderAccount{}, fmt.Errorf("sqlite: parse last_send_at %q: %w", lastSendAt, err)
	}
	if a.NextEligibleAt, err = parseTime(nextEligibleAt); err != nil {
		return event.SenderAccount{}, fmt.Errorf("sqlite: parse next_eligible_at %q: %w", nextEligibleAt, err)
	}
	return a, nil
}
