package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/matheus3301/duet/internal/dispatch"
	"github.com/matheus3301/duet/internal/store"
	"go.uber.org/zap"
)

// ThreadService serves users, contacts and thread history.
type ThreadService struct {
	db     *store.DB
	logger *zap.Logger
}

// NewThreadService creates a new thread service backed by the store.
func NewThreadService(db *store.DB, logger *zap.Logger) *ThreadService {
	return &ThreadService{db: db, logger: logger}
}

// UpsertUser handles POST /api/users.
func (s *ThreadService) UpsertUser(c echo.Context) error {
	var req UpsertUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id := req.ID
	if id == "" {
		id = req.AuthID
	}
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id is required")
	}

	ctx := c.Request().Context()
	if err := s.db.UpsertUser(ctx, &store.User{
		ID: id, Name: req.Name, Email: req.Email, Picture: req.Picture, Nickname: req.Nickname,
	}); err != nil {
		return s.internal("upsert user", err)
	}
	u, err := s.db.GetUser(ctx, id)
	if err != nil {
		return s.internal("get user", err)
	}
	return c.JSON(http.StatusOK, userToJSON(u))
}

// Contacts handles GET /api/users/:userId/contacts.
func (s *ThreadService) Contacts(c echo.Context) error {
	users, err := s.db.ListContacts(c.Request().Context(), c.Param("userId"))
	if err != nil {
		return s.internal("list contacts", err)
	}
	out := make([]User, 0, len(users))
	for i := range users {
		out = append(out, userToJSON(&users[i]))
	}
	return c.JSON(http.StatusOK, out)
}

// RecentThreads handles GET /api/users/:userId/threads.
func (s *ThreadService) RecentThreads(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Param("userId")
	u, err := s.db.GetUser(ctx, userID)
	if err != nil {
		return s.internal("get user", err)
	}
	if u == nil {
		return echo.NewHTTPError(http.StatusNotFound, "user not found")
	}

	threads, err := s.db.ListRecentThreads(ctx, userID)
	if err != nil {
		return s.internal("list threads", err)
	}
	users := map[string]*store.User{userID: u}
	out := make([]Thread, 0, len(threads))
	for i := range threads {
		participants, err := s.participants(ctx, &threads[i], users)
		if err != nil {
			return s.internal("load participants", err)
		}
		out = append(out, threadToJSON(&threads[i], participants))
	}
	return c.JSON(http.StatusOK, out)
}

// Thread handles GET /api/threads/:userId/:contactId, creating the thread
// on first access.
func (s *ThreadService) Thread(c echo.Context) error {
	ctx := c.Request().Context()
	userID, contactID := c.Param("userId"), c.Param("contactId")
	if userID == contactID {
		return echo.NewHTTPError(http.StatusBadRequest, "a thread needs two distinct users")
	}

	users := make(map[string]*store.User, 2)
	for _, id := range []string{userID, contactID} {
		u, err := s.db.GetUser(ctx, id)
		if err != nil {
			return s.internal("get user", err)
		}
		if u == nil {
			return echo.NewHTTPError(http.StatusNotFound, "user not found")
		}
		users[id] = u
	}

	thread, err := s.db.FindOrCreateThread(ctx, userID, contactID)
	if err != nil {
		return s.internal("find or create thread", err)
	}
	msgs, err := s.db.ListMessages(ctx, thread.ID)
	if err != nil {
		return s.internal("list messages", err)
	}
	participants, err := s.participants(ctx, thread, users)
	if err != nil {
		return s.internal("load participants", err)
	}

	out := threadToJSON(thread, participants)
	for i := range msgs {
		out.Messages = append(out.Messages, dispatch.ToWire(&msgs[i], users[msgs[i].SenderID], thread.Peer(msgs[i].SenderID)))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *ThreadService) participants(ctx context.Context, t *store.Thread, cache map[string]*store.User) ([]User, error) {
	out := make([]User, 0, 2)
	for _, id := range t.Participants {
		u, ok := cache[id]
		if !ok {
			var err error
			if u, err = s.db.GetUser(ctx, id); err != nil {
				return nil, err
			}
			cache[id] = u
		}
		if u == nil {
			out = append(out, User{ID: id})
			continue
		}
		out = append(out, userToJSON(u))
	}
	return out, nil
}

func (s *ThreadService) internal(op string, err error) error {
	s.logger.Error("api: "+op, zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, op+" failed")
}
