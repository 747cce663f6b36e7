package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/duet/internal/protocol"
)

// ErrAlreadyBound is returned by Bind when the connection already has an identity.
var ErrAlreadyBound = errors.New("connection already bound")

// Recorder persists presence changes. store.DB implements it.
type Recorder interface {
	SetPresence(ctx context.Context, userID string, online bool, at time.Time) error
}

// Event describes a presence change to broadcast.
type Event struct {
	UserID   string
	Online   bool
	LastSeen time.Time
}

// Payload converts the event to its wire form.
func (e Event) Payload() protocol.PresenceChanged {
	return protocol.PresenceChanged{UserID: e.UserID, Online: e.Online, LastSeen: e.LastSeen}
}

// Registry maps live connections to the identity they joined with.
//
// Every change is meant to be broadcast to all other connections, which
// costs O(connections) per join or disconnect. Callers own that fan-out so
// it can be narrowed to a user's contacts without touching this type.
type Registry struct {
	mu    sync.Mutex
	conns map[int]protocol.Identity
	rec   Recorder
	now   func() time.Time
}

// New creates an empty registry. rec may be nil, in which case presence is
// tracked in memory only.
func New(rec Recorder) *Registry {
	return &Registry{
		conns: make(map[int]protocol.Identity),
		rec:   rec,
		now:   func() time.Time { return time.UnixMilli(time.Now().UnixMilli()) },
	}
}

// Bind associates connID with identity and marks the user online.
func (r *Registry) Bind(ctx context.Context, connID int, identity protocol.Identity) (Event, error) {
	if identity.ID == "" {
		return Event{}, fmt.Errorf("bind connection %d: empty identity", connID)
	}
	r.mu.Lock()
	if _, ok := r.conns[connID]; ok {
		r.mu.Unlock()
		return Event{}, ErrAlreadyBound
	}
	r.conns[connID] = identity
	r.mu.Unlock()

	evt := Event{UserID: identity.ID, Online: true, LastSeen: r.now()}
	if err := r.record(ctx, evt); err != nil {
		r.mu.Lock()
		delete(r.conns, connID)
		r.mu.Unlock()
		return Event{}, err
	}
	return evt, nil
}

// Unbind removes connID and marks its user offline. ok is false when the
// connection never bound, which is not an error. The event is returned even
// when persisting it fails so the caller can still broadcast it.
func (r *Registry) Unbind(ctx context.Context, connID int) (evt Event, ok bool, err error) {
	r.mu.Lock()
	identity, ok := r.conns[connID]
	delete(r.conns, connID)
	r.mu.Unlock()
	if !ok {
		return Event{}, false, nil
	}

	evt = Event{UserID: identity.ID, Online: false, LastSeen: r.now()}
	return evt, true, r.record(ctx, evt)
}

// Lookup returns the identity bound to connID.
func (r *Registry) Lookup(connID int) (protocol.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.conns[connID]
	return id, ok
}

// Online returns the distinct ids of users with at least one bound connection, sorted.
func (r *Registry) Online() []string {
	r.mu.Lock()
	seen := make(map[string]struct{}, len(r.conns))
	for _, id := range r.conns {
		seen[id.ID] = struct{}{}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of bound connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) record(ctx context.Context, evt Event) error {
	if r.rec == nil {
		return nil
	}
	if err := r.rec.SetPresence(ctx, evt.UserID, evt.Online, evt.LastSeen); err != nil {
		return fmt.Errorf("record presence for %s: %w", evt.UserID, err)
	}
	return nil
}
