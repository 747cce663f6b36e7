package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/matheus3301/duet/internal/presence"
	"github.com/matheus3301/duet/internal/store"
)

// StatusService reports server liveness and coarse counts.
type StatusService struct {
	startedAt time.Time
	presence  *presence.Registry
	db        *store.DB
}

// NewStatusService creates a new status service.
func NewStatusService(reg *presence.Registry, db *store.DB) *StatusService {
	return &StatusService{
		startedAt: time.Now(),
		presence:  reg,
		db:        db,
	}
}

// Health handles GET /health. Store counts are best effort.
func (s *StatusService) Health(c echo.Context) error {
	resp := Health{
		Message:   "Server is running",
		Timestamp: time.Now().UTC(),
		UptimeMs:  time.Since(s.startedAt).Milliseconds(),
	}
	if s.presence != nil {
		resp.Connections = s.presence.Len()
		resp.Online = len(s.presence.Online())
	}
	if s.db != nil {
		if users, threads, messages, err := s.db.Counts(c.Request().Context()); err == nil {
			resp.Users, resp.Threads, resp.Messages = users, threads, messages
		}
	}
	return c.JSON(http.StatusOK, resp)
}
