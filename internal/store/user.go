package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const userColumns = `id, name, email, picture, nickname, online, last_seen, created_at, updated_at`

// UpsertUser inserts a user or refreshes its profile fields. Presence fields
// are left untouched on update.
func (db *DB) UpsertUser(ctx context.Context, u *User) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, picture, nickname, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE users.name END,
			email = CASE WHEN excluded.email != '' THEN excluded.email ELSE users.email END,
			picture = CASE WHEN excluded.picture != '' THEN excluded.picture ELSE users.picture END,
			nickname = CASE WHEN excluded.nickname != '' THEN excluded.nickname ELSE users.nickname END,
			updated_at = excluded.updated_at`,
		u.ID, u.Name, u.Email, u.Picture, u.Nickname, now, now, now)
	if err != nil {
		return fmt.Errorf("upsert user %q: %w", u.ID, err)
	}
	return nil
}

// GetUser returns a user by id, or nil if it does not exist.
func (db *DB) GetUser(ctx context.Context, id string) (*User, error) {
	row := db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ListContacts returns every user except exceptID, ordered by name.
func (db *DB) ListContacts(ctx context.Context, exceptID string) ([]User, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE id != ? ORDER BY name, id`, exceptID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// SetPresence records the online flag and last-seen timestamp for a user.
func (db *DB) SetPresence(ctx context.Context, id string, online bool, at time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE users SET online = ?, last_seen = ?, updated_at = ? WHERE id = ?`,
		online, at.UnixMilli(), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set presence %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("set presence %q: %w", id, ErrUserNotFound)
	}
	return nil
}

// Counts returns the number of users, threads and messages.
func (db *DB) Counts(ctx context.Context) (users, threads, messages int64, err error) {
	err = db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM users), (SELECT COUNT(*) FROM threads), (SELECT COUNT(*) FROM messages)`).
		Scan(&users, &threads, &messages)
	return users, threads, messages, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*User, error) {
	var u User
	var lastSeen, createdAt, updatedAt int64
	if err := s.Scan(&u.ID, &u.Name, &u.Email, &u.Picture, &u.Nickname, &u.Online, &lastSeen, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.LastSeen = fromMillis(lastSeen)
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return &u, nil
}
