package bus

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrClosed is returned by Deliver when the subscription is gone.
var ErrClosed = errors.New("subscription closed")

// Bus fans events out to live connections. Each connection holds one
// subscription and may join any number of named rooms.
type Bus struct {
	mu    sync.RWMutex
	subs  map[int]*Subscription
	rooms map[string]map[int]struct{}
	next  int
}

// Subscription is one connection's outbound queue.
type Subscription struct {
	ID    int
	ch    chan Event
	done  chan struct{}
	rooms map[string]struct{}
}

// C returns the channel of events queued for this subscription.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Done is closed once the subscription is removed from the bus.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs:  make(map[int]*Subscription),
		rooms: make(map[string]map[int]struct{}),
	}
}

// Subscribe registers a new subscription with the given buffer size.
func (b *Bus) Subscribe(bufSize int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscription{
		ID:    b.next,
		ch:    make(chan Event, bufSize),
		done:  make(chan struct{}),
		rooms: make(map[string]struct{}),
	}
	b.next++
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes the subscription and leaves all its rooms. The event
// channel is not closed; readers should select on Done.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	for room := range sub.rooms {
		b.leaveLocked(id, room)
	}
	delete(b.subs, id)
	close(sub.done)
}

// Join adds the subscription to room. Returns false if it does not exist.
func (b *Bus) Join(id int, room string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return false
	}
	members, ok := b.rooms[room]
	if !ok {
		members = make(map[int]struct{})
		b.rooms[room] = members
	}
	members[id] = struct{}{}
	sub.rooms[room] = struct{}{}
	return true
}

// Leave removes the subscription from room.
func (b *Bus) Leave(id int, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaveLocked(id, room)
}

func (b *Bus) leaveLocked(id int, room string) {
	if sub, ok := b.subs[id]; ok {
		delete(sub.rooms, room)
	}
	members, ok := b.rooms[room]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(b.rooms, room)
	}
}

// InRoom reports whether the subscription is a member of room.
func (b *Bus) InRoom(id int, room string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.rooms[room][id]
	return ok
}

// Members returns the number of subscriptions in room.
func (b *Bus) Members(room string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[room])
}

// MemberIDs returns the ids of the subscriptions in room, sorted.
func (b *Bus) MemberIDs(room string) []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]int, 0, len(b.rooms[room]))
	for id := range b.rooms[room] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish queues evt for every member of room except the listed ids. It
// never blocks: a member whose buffer is full misses the event.
func (b *Bus) Publish(room string, evt Event, except ...int) (delivered, dropped int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id := range b.rooms[room] {
		if slices.Contains(except, id) {
			continue
		}
		if offer(b.subs[id], evt) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// PublishAll is Publish over the union of rooms: a subscription that is a
// member of several of them still gets evt once.
func (b *Bus) PublishAll(rooms []string, evt Event, except ...int) (delivered, dropped int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[int]struct{})
	for _, room := range rooms {
		for id := range b.rooms[room] {
			if _, dup := seen[id]; dup || slices.Contains(except, id) {
				continue
			}
			seen[id] = struct{}{}
			if offer(b.subs[id], evt) {
				delivered++
			} else {
				dropped++
			}
		}
	}
	return delivered, dropped
}

// Broadcast queues evt for every live subscription except one. Same drop
// semantics as Publish.
func (b *Bus) Broadcast(evt Event, except int) (delivered, dropped int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, sub := range b.subs {
		if id == except {
			continue
		}
		if offer(sub, evt) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// Deliver queues evt for one subscription, waiting for buffer space until
// ctx is done or the subscription is removed.
func (b *Bus) Deliver(ctx context.Context, id int, evt Event) error {
	b.mu.RLock()
	sub, ok := b.subs[id]
	b.mu.RUnlock()
	if !ok {
		return ErrClosed
	}
	select {
	case sub.ch <- evt:
		return nil
	case <-sub.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func offer(sub *Subscription, evt Event) bool {
	if sub == nil {
		return false
	}
	select {
	case sub.ch <- evt:
		return true
	default:
		// Drop event if subscriber is full (non-blocking).
		return false
	}
}
