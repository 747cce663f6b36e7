package api

import (
	"time"

	"github.com/matheus3301/duet/internal/protocol"
	"github.com/matheus3301/duet/internal/store"
)

// User is the REST view of a participant.
type User struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	Picture  string    `json:"picture,omitempty"`
	Nickname string    `json:"nickname,omitempty"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

// UpsertUserRequest is the body of POST /api/users. AuthID is accepted as
// an alias of ID.
type UpsertUserRequest struct {
	ID       string `json:"id"`
	AuthID   string `json:"authId"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Picture  string `json:"picture"`
	Nickname string `json:"nickname"`
}

// LastMessage is a thread's denormalized summary.
type LastMessage struct {
	Content   string    `json:"content"`
	SenderID  string    `json:"senderId"`
	Timestamp time.Time `json:"timestamp"`
}

// Thread is the REST view of a conversation.
type Thread struct {
	ID           string             `json:"id"`
	Participants []User             `json:"participants"`
	LastMessage  *LastMessage       `json:"lastMessage,omitempty"`
	Messages     []protocol.Message `json:"messages,omitempty"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// Health is the body of GET /health.
type Health struct {
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	UptimeMs    int64     `json:"uptimeMs"`
	Connections int       `json:"connections"`
	Online      int       `json:"online"`
	Users       int64     `json:"users"`
	Threads     int64     `json:"threads"`
	Messages    int64     `json:"messages"`
}

func userToJSON(u *store.User) User {
	return User{
		ID:       u.ID,
		Name:     u.Name,
		Email:    u.Email,
		Picture:  u.Picture,
		Nickname: u.Nickname,
		Online:   u.Online,
		LastSeen: u.LastSeen,
	}
}

func threadToJSON(t *store.Thread, participants []User) Thread {
	out := Thread{
		ID:           t.ID,
		Participants: participants,
		UpdatedAt:    t.UpdatedAt,
	}
	if t.Version > 0 {
		out.LastMessage = &LastMessage{
			Content:   t.Summary.Content,
			SenderID:  t.Summary.SenderID,
			Timestamp: t.Summary.Timestamp,
		}
	}
	return out
}
