package store

import (
	"context"
	"database/sql"
	"fmt"
)

const threadColumns = `id, user_lo, user_hi, version, last_message_content, last_message_sender, last_message_at, created_at, updated_at`

// FindOrCreateThread returns the thread for the unordered pair {a, b},
// creating it with an empty log if none exists. The participant invariant is
// checked before anything is written.
func (db *DB) FindOrCreateThread(ctx context.Context, a, b string) (*Thread, error) {
	t, err := NewThread(a, b)
	if err != nil {
		return nil, err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO threads (id, user_lo, user_hi, version, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(user_lo, user_hi) DO NOTHING`,
		t.ID, t.Participants[0], t.Participants[1], t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}

	found, err := db.FindThread(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("create thread: %w", ErrThreadNotFound)
	}
	return found, nil
}

// FindThread returns the thread for the unordered pair {a, b}, or nil.
func (db *DB) FindThread(ctx context.Context, a, b string) (*Thread, error) {
	lo, hi := pair(a, b)
	row := db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE user_lo = ? AND user_hi = ?`, lo, hi)
	t, err := scanThread(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetThread returns a thread by id, or nil.
func (db *DB) GetThread(ctx context.Context, id string) (*Thread, error) {
	row := db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id)
	t, err := scanThread(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListRecentThreads returns threads containing userID that have at least one
// message, most recently active first.
func (db *DB) ListRecentThreads(ctx context.Context, userID string) ([]Thread, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE (user_lo = ? OR user_hi = ?) AND version > 0
		ORDER BY last_message_at DESC, id`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var threads []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, *t)
	}
	return threads, rows.Err()
}

func scanThread(s scanner) (*Thread, error) {
	var t Thread
	var lastAt, createdAt, updatedAt int64
	if err := s.Scan(&t.ID, &t.Participants[0], &t.Participants[1], &t.Version,
		&t.Summary.Content, &t.Summary.SenderID, &lastAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Summary.Timestamp = fromMillis(lastAt)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}
