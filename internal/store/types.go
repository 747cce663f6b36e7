package store

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/duet/internal/attachment"
)

var (
	// ErrInvalidThread is returned when a thread would not have exactly two distinct participants.
	ErrInvalidThread = errors.New("thread must have exactly 2 distinct participants")
	// ErrThreadNotFound is returned when appending to a thread that does not exist.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrUserNotFound is returned when updating a user that does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrConflict is returned when an append keeps losing the version race.
	ErrConflict = errors.New("thread append conflict")
)

// User is a participant identified by a stable external id.
type User struct {
	ID        string
	Name      string
	Email     string
	Picture   string
	Nickname  string
	Online    bool
	LastSeen  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Summary is the denormalized last-message view of a thread.
type Summary struct {
	Content   string
	SenderID  string
	Timestamp time.Time
}

// Thread is a two-party conversation. Participants are kept sorted so the
// pair is an unordered natural key.
type Thread struct {
	ID           string
	Participants [2]string
	Summary      Summary
	Version      int64 // number of appended messages
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message is an immutable entry in a thread's log.
type Message struct {
	ID         string
	ThreadID   string
	Seq        int64
	SenderID   string
	Content    string
	Attachment *attachment.Attachment
	Delivered  bool
	Read       bool
	CreatedAt  time.Time
}

// NewThread constructs an unsaved thread, enforcing the two-participant invariant.
func NewThread(participants ...string) (*Thread, error) {
	if len(participants) != 2 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidThread, len(participants))
	}
	a, b := participants[0], participants[1]
	if a == "" || b == "" || a == b {
		return nil, fmt.Errorf("%w: %q, %q", ErrInvalidThread, a, b)
	}
	lo, hi := pair(a, b)
	now := nowMillis()
	return &Thread{
		ID:           uuid.NewString(),
		Participants: [2]string{lo, hi},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Has reports whether userID participates in the thread.
func (t *Thread) Has(userID string) bool {
	return slices.Contains(t.Participants[:], userID)
}

// Peer returns the other participant.
func (t *Thread) Peer(userID string) string {
	if t.Participants[0] == userID {
		return t.Participants[1]
	}
	return t.Participants[0]
}

// SummaryFor derives the thread summary content for a message.
func SummaryFor(m *Message) string {
	if m.Content == "" && m.Attachment != nil {
		return "📎 " + m.Attachment.Name
	}
	return m.Content
}

func pair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

// nowMillis returns the current time truncated to the stored precision.
func nowMillis() time.Time {
	return time.UnixMilli(time.Now().UnixMilli())
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
