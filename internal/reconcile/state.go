package reconcile

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/duet/internal/protocol"
)

// Status is the lifecycle tag of a displayed entry.
type Status string

const (
	Pending   Status = "pending"
	Confirmed Status = "confirmed"
	Failed    Status = "failed"
)

// Entry is one row of the display list. Pending entries hold a local
// placeholder; confirmed entries hold the server's message.
type Entry struct {
	CorrelationID string
	Status        Status
	Message       protocol.Message
	Reason        string
}

// State is the sender-side view of one conversation: the ordered display
// list plus the placeholders still waiting for the server.
type State struct {
	mu      sync.Mutex
	list    []*Entry
	byCorr  map[string]*Entry
	byMsg   map[string]*Entry
	newID   func() string
	changes chan struct{}
}

// New creates an empty state.
func New() *State {
	return &State{
		byCorr:  make(map[string]*Entry),
		byMsg:   make(map[string]*Entry),
		newID:   newCorrelationID,
		changes: make(chan struct{}, 1),
	}
}

// newCorrelationID returns a time-ordered random id.
func newCorrelationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Changes signals (coalesced) whenever the display list changes.
func (s *State) Changes() <-chan struct{} {
	return s.changes
}

func (s *State) signalChange() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Seed puts the server history msgs at the front of the list. Entries
// already held that msgs does not cover, such as messages delivered live
// while the history was being fetched, stay after it, followed by any
// pending placeholders.
func (s *State) Seed(msgs []protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.list
	oldCorr := s.byCorr
	s.list = make([]*Entry, 0, len(msgs)+len(old))
	s.byMsg = make(map[string]*Entry, len(msgs)+len(old))
	s.byCorr = make(map[string]*Entry, len(oldCorr))
	for _, m := range msgs {
		if _, dup := s.byMsg[m.ID]; dup {
			continue
		}
		e := &Entry{Status: Confirmed, Message: m}
		s.list = append(s.list, e)
		s.index(e)
	}
	var pending []*Entry
	for _, e := range old {
		if e.Status == Pending {
			pending = append(pending, e)
			continue
		}
		if seeded, dup := s.byMsg[e.Message.ID]; dup {
			if e.CorrelationID != "" {
				seeded.CorrelationID = e.CorrelationID
				s.byCorr[e.CorrelationID] = seeded
			}
			continue
		}
		s.list = append(s.list, e)
		s.index(e)
		if e.CorrelationID != "" {
			s.byCorr[e.CorrelationID] = e
		}
	}
	for _, e := range pending {
		s.list = append(s.list, e)
		s.byCorr[e.CorrelationID] = e
	}
	s.signalChange()
}

// Submit adds a pending placeholder at the end of the list and returns
// the correlation id to send with the request.
func (s *State) Submit(senderID, content string, att *protocol.Attachment) string {
	id := s.newID()
	e := &Entry{
		CorrelationID: id,
		Status:        Pending,
		Message: protocol.Message{
			SenderID:      senderID,
			Content:       content,
			Attachment:    att,
			Timestamp:     time.Now(),
			CorrelationID: id,
		},
	}

	s.mu.Lock()
	s.list = append(s.list, e)
	s.byCorr[id] = e
	s.mu.Unlock()
	s.signalChange()
	return id
}

// Confirm resolves the placeholder for correlationID with the server's
// message, keeping its position. An acknowledgment with no matching
// placeholder is appended instead of dropped. A message that is already
// displayed is never added twice.
func (s *State) Confirm(correlationID string, msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholder, hasPlaceholder := s.byCorr[correlationID]
	if hasPlaceholder && placeholder.Status != Pending {
		// Already confirmed under this id.
		return
	}

	if existing, ok := s.byMsg[msg.ID]; ok && msg.ID != "" {
		// Already shown, e.g. delivered through another path first.
		if hasPlaceholder && placeholder != existing {
			s.remove(placeholder)
			delete(s.byCorr, correlationID)
			s.signalChange()
		}
		return
	}

	msg.CorrelationID = correlationID
	if hasPlaceholder {
		placeholder.Message = msg
		placeholder.Status = Confirmed
		s.index(placeholder)
		s.signalChange()
		return
	}

	e := &Entry{CorrelationID: correlationID, Status: Confirmed, Message: msg}
	s.list = append(s.list, e)
	s.index(e)
	if _, taken := s.byCorr[correlationID]; !taken && correlationID != "" {
		s.byCorr[correlationID] = e
	}
	s.signalChange()
}

// Fail drops the placeholder for correlationID if it is still pending and
// returns it tagged as failed. Confirmed or unknown ids are left alone.
func (s *State) Fail(correlationID, reason string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byCorr[correlationID]
	if !ok || e.Status != Pending {
		return Entry{}, false
	}
	s.remove(e)
	delete(s.byCorr, correlationID)
	s.signalChange()

	failed := *e
	failed.Status = Failed
	failed.Reason = reason
	return failed, true
}

// FailPending drops every placeholder still waiting for the server, e.g.
// after the connection is lost, and returns them tagged as failed.
func (s *State) FailPending(reason string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []Entry
	for _, e := range slices.Clone(s.list) {
		if e.Status != Pending {
			continue
		}
		s.remove(e)
		delete(s.byCorr, e.CorrelationID)
		f := *e
		f.Status = Failed
		f.Reason = reason
		failed = append(failed, f)
	}
	if len(failed) > 0 {
		s.signalChange()
	}
	return failed
}

// ReceiveForeign appends a message from the other participant. Returns
// false if the message is already displayed.
func (s *State) ReceiveForeign(msg protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byMsg[msg.ID]; ok && msg.ID != "" {
		return false
	}
	msg.CorrelationID = ""
	e := &Entry{Status: Confirmed, Message: msg}
	s.list = append(s.list, e)
	s.index(e)
	s.signalChange()
	return true
}

// Entries returns a snapshot of the display list.
func (s *State) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.list))
	for i, e := range s.list {
		out[i] = *e
	}
	return out
}

// Pending returns the number of placeholders awaiting the server.
func (s *State) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.byCorr {
		if e.Status == Pending {
			n++
		}
	}
	return n
}

func (s *State) index(e *Entry) {
	if e.Message.ID != "" {
		s.byMsg[e.Message.ID] = e
	}
}

func (s *State) remove(e *Entry) {
	if i := slices.Index(s.list, e); i >= 0 {
		s.list = slices.Delete(s.list, i, i+1)
	}
}
