package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/duet/internal/protocol"
)

type recordCall struct {
	userID string
	online bool
	at     time.Time
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordCall
	err   error
}

func (f *fakeRecorder) SetPresence(_ context.Context, userID string, online bool, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, recordCall{userID, online, at})
	return nil
}

func TestBindMarksOnline(t *testing.T) {
	rec := &fakeRecorder{}
	r := New(rec)

	evt, err := r.Bind(context.Background(), 1, protocol.Identity{ID: "alice", Name: "Alice"})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if evt.UserID != "alice" || !evt.Online || evt.LastSeen.IsZero() {
		t.Errorf("event = %+v, want alice online with last-seen", evt)
	}
	if len(rec.calls) != 1 || !rec.calls[0].online {
		t.Errorf("recorder calls = %+v, want one online", rec.calls)
	}
	id, ok := r.Lookup(1)
	if !ok || id.Name != "Alice" {
		t.Errorf("Lookup(1) = %+v, %v", id, ok)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestBindTwiceFails(t *testing.T) {
	r := New(nil)
	if _, err := r.Bind(context.Background(), 1, protocol.Identity{ID: "alice"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Bind(context.Background(), 1, protocol.Identity{ID: "bob"}); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("second Bind() error = %v, want ErrAlreadyBound", err)
	}
	id, _ := r.Lookup(1)
	if id.ID != "alice" {
		t.Errorf("identity replaced by second bind: %q", id.ID)
	}
}

func TestBindEmptyIdentity(t *testing.T) {
	r := New(nil)
	if _, err := r.Bind(context.Background(), 1, protocol.Identity{}); err == nil {
		t.Error("Bind() with empty id should fail")
	}
}

func TestBindRecorderFailureRollsBack(t *testing.T) {
	r := New(&fakeRecorder{err: errors.New("disk full")})
	if _, err := r.Bind(context.Background(), 1, protocol.Identity{ID: "alice"}); err == nil {
		t.Fatal("Bind() should surface recorder error")
	}
	if _, ok := r.Lookup(1); ok {
		t.Error("mapping kept after failed bind")
	}
}

func TestUnbindMarksOffline(t *testing.T) {
	rec := &fakeRecorder{}
	r := New(rec)
	bound, _ := r.Bind(context.Background(), 7, protocol.Identity{ID: "alice"})

	evt, ok, err := r.Unbind(context.Background(), 7)
	if err != nil || !ok {
		t.Fatalf("Unbind() = %v, %v", ok, err)
	}
	if evt.UserID != "alice" || evt.Online {
		t.Errorf("event = %+v, want alice offline", evt)
	}
	if evt.LastSeen.Before(bound.LastSeen) {
		t.Errorf("last-seen went backwards: %v < %v", evt.LastSeen, bound.LastSeen)
	}
	if last := rec.calls[len(rec.calls)-1]; last.online {
		t.Error("recorder not told user went offline")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after unbind", r.Len())
	}
}

func TestUnbindNeverBoundIsNoop(t *testing.T) {
	rec := &fakeRecorder{}
	r := New(rec)

	_, ok, err := r.Unbind(context.Background(), 42)
	if err != nil {
		t.Errorf("Unbind() error = %v", err)
	}
	if ok {
		t.Error("Unbind() ok = true for unbound connection")
	}
	if len(rec.calls) != 0 {
		t.Errorf("recorder called %d times for unbound connection", len(rec.calls))
	}
}

func TestUnbindRecorderFailureStillReturnsEvent(t *testing.T) {
	rec := &fakeRecorder{}
	r := New(rec)
	_, _ = r.Bind(context.Background(), 1, protocol.Identity{ID: "alice"})
	rec.err = errors.New("closed")

	evt, ok, err := r.Unbind(context.Background(), 1)
	if err == nil {
		t.Error("Unbind() should surface recorder error")
	}
	if !ok || evt.UserID != "alice" {
		t.Errorf("Unbind() = %+v, %v; want alice event", evt, ok)
	}
	if _, still := r.Lookup(1); still {
		t.Error("mapping kept after unbind")
	}
}

func TestOnlineDistinctSorted(t *testing.T) {
	r := New(nil)
	ctx := context.Background()
	_, _ = r.Bind(ctx, 1, protocol.Identity{ID: "carol"})
	_, _ = r.Bind(ctx, 2, protocol.Identity{ID: "alice"})
	_, _ = r.Bind(ctx, 3, protocol.Identity{ID: "carol"})

	got := r.Online()
	if len(got) != 2 || got[0] != "alice" || got[1] != "carol" {
		t.Errorf("Online() = %v, want [alice carol]", got)
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
}

func TestConcurrentBindUnbind(t *testing.T) {
	r := New(&fakeRecorder{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(conn int) {
			defer wg.Done()
			if _, err := r.Bind(ctx, conn, protocol.Identity{ID: "u"}); err != nil {
				t.Errorf("Bind(%d): %v", conn, err)
				return
			}
			if _, ok, err := r.Unbind(ctx, conn); !ok || err != nil {
				t.Errorf("Unbind(%d) = %v, %v", conn, ok, err)
			}
		}(i)
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestEventPayload(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	p := Event{UserID: "alice", Online: true, LastSeen: at}.Payload()
	if p.UserID != "alice" || !p.Online || !p.LastSeen.Equal(at) {
		t.Errorf("Payload() = %+v", p)
	}
}
