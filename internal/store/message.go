package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/matheus3301/duet/internal/attachment"
)

// maxAppendAttempts bounds the version-check retry loop in AppendMessage.
const maxAppendAttempts = 5

var errVersionConflict = errors.New("thread version changed")

// AppendMessage appends m to the thread's log, refreshes the thread summary
// and returns the persisted message with its id, sequence number and
// timestamp assigned. Appends to one thread are linearized; appends to
// different threads do not wait on each other in-process. Either the
// message and the summary are both written or neither is.
func (db *DB) AppendMessage(ctx context.Context, threadID string, m *Message) (*Message, error) {
	unlock := db.threadLocks.Lock(threadID)
	defer unlock()

	for range maxAppendAttempts {
		saved, err := db.appendOnce(ctx, threadID, m)
		if errors.Is(err, errVersionConflict) {
			continue
		}
		return saved, err
	}
	return nil, fmt.Errorf("append to %s: %w", threadID, ErrConflict)
}

func (db *DB) appendOnce(ctx context.Context, threadID string, m *Message) (*Message, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM threads WHERE id = ?`, threadID).Scan(&version)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("append to %s: %w", threadID, ErrThreadNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read thread version: %w", err)
	}

	saved := *m
	saved.ID = uuid.NewString()
	saved.ThreadID = threadID
	saved.Seq = version + 1
	saved.CreatedAt = nowMillis()

	var attData sql.NullString
	var attName, attMIME, attCat string
	var attSize int64
	if a := saved.Attachment; a != nil {
		attData = sql.NullString{String: a.Data, Valid: true}
		attName, attMIME, attCat, attSize = a.Name, a.MIMEType, string(a.Category), a.Size
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, seq, sender_id, content,
			attachment_data, attachment_name, attachment_mime, attachment_size, attachment_category,
			delivered, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		saved.ID, threadID, saved.Seq, saved.SenderID, saved.Content,
		attData, attName, attMIME, attSize, attCat,
		saved.Delivered, saved.Read, saved.CreatedAt.UnixMilli()); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	ms := saved.CreatedAt.UnixMilli()
	res, err := tx.ExecContext(ctx, `
		UPDATE threads SET
			version = version + 1,
			last_message_content = ?,
			last_message_sender = ?,
			last_message_at = ?,
			updated_at = ?
		WHERE id = ? AND version = ?`,
		SummaryFor(&saved), saved.SenderID, ms, ms, threadID, version)
	if err != nil {
		return nil, fmt.Errorf("update thread summary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return &saved, nil
}

// ListMessages returns a thread's messages in append order.
func (db *DB) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, thread_id, seq, sender_id, content,
			attachment_data, attachment_name, attachment_mime, attachment_size, attachment_category,
			delivered, read, created_at
		FROM messages
		WHERE thread_id = ?
		ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var (
			m         Message
			attData   sql.NullString
			attName   string
			attMIME   string
			attSize   int64
			attCat    string
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Seq, &m.SenderID, &m.Content,
			&attData, &attName, &attMIME, &attSize, &attCat,
			&m.Delivered, &m.Read, &createdAt); err != nil {
			return nil, err
		}
		if attData.Valid {
			m.Attachment = &attachment.Attachment{
				Data:     attData.String,
				Name:     attName,
				MIMEType: attMIME,
				Size:     attSize,
				Category: attachment.Category(attCat),
			}
		}
		m.CreatedAt = fromMillis(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
