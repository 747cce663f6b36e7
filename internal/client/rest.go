package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matheus3301/duet/internal/api"
)

// StatusError is returned for non-2xx REST responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// REST calls the daemon's collaborator endpoints.
type REST struct {
	base string
	http *http.Client
}

// NewREST returns a client for the server at base (e.g. http://localhost:3001).
func NewREST(base string) *REST {
	return &REST{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// UpsertUser creates or updates the caller's profile.
func (c *REST) UpsertUser(ctx context.Context, req api.UpsertUserRequest) (*api.User, error) {
	var u api.User
	if err := c.do(ctx, http.MethodPost, "/api/users", req, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Contacts lists every user other than userID.
func (c *REST) Contacts(ctx context.Context, userID string) ([]api.User, error) {
	var out []api.User
	err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/contacts", nil, &out)
	return out, err
}

// Threads lists userID's non-empty threads, most recent first.
func (c *REST) Threads(ctx context.Context, userID string) ([]api.Thread, error) {
	var out []api.Thread
	err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/threads", nil, &out)
	return out, err
}

// Thread fetches, creating if needed, the thread between userID and
// contactID with its full history.
func (c *REST) Thread(ctx context.Context, userID, contactID string) (*api.Thread, error) {
	var t api.Thread
	path := "/api/threads/" + url.PathEscape(userID) + "/" + url.PathEscape(contactID)
	if err := c.do(ctx, http.MethodGet, path, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Health returns the server's liveness report.
func (c *REST) Health(ctx context.Context) (*api.Health, error) {
	var h api.Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *REST) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Message}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
