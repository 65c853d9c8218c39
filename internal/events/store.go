// Package events keeps a bounded in-memory log of auth and push cycle events
package events

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the kind of event
type EventType string

const (
	// Auth events
	EventLogin       EventType = "login"
	EventLoginFailed EventType = "login_failed"
	EventLogout      EventType = "logout"

	EventPasswordChanged EventType = "password_changed"

	// Integration events
	EventOptionsUpdated EventType = "options_updated"
	EventPushTriggered  EventType = "push_triggered"
	EventPluginEnabled  EventType = "plugin_enabled"
	EventPluginDisabled EventType = "plugin_disabled"

	// Cycle outcomes
	EventPushSent    EventType = "push_sent"
	EventPushFailed  EventType = "push_failed"
	EventPushSkipped EventType = "push_skipped"
	EventPushBusy    EventType = "push_busy"
)

// Cycle describes one push cycle
type Cycle struct {
	ID         string   `json:"id"`
	Trigger    string   `json:"trigger"` // "startup", "schedule" or "manual"
	StatusCode int      `json:"status_code,omitempty"`
	Size       int      `json:"size,omitempty"`
	Entities   int      `json:"entities,omitempty"`
	Dropped    []string `json:"dropped,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

// Event represents an audit or cycle event
type Event struct {
	ID        int64     `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Username  string    `json:"username,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Success   bool      `json:"success"`
	Details   string    `json:"details,omitempty"`
	Cycle     *Cycle    `json:"cycle,omitempty"`
}

// NewCycleID returns a unique id for a push cycle
func NewCycleID() string {
	return uuid.NewString()
}

// Store keeps the newest events in a fixed-size ring and fans new ones out
// to subscribers
type Store struct {
	mu     sync.RWMutex
	ring   []Event
	head   int // slot of the next write
	n      int
	nextID int64

	subsMu sync.Mutex
	subs   map[chan Event]struct{}
}

// NewStore creates a store holding up to capacity events (100 if not positive)
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 100
	}
	return &Store{
		ring: make([]Event, capacity),
		subs: make(map[chan Event]struct{}),
	}
}

// Add records an auth or integration event
func (s *Store) Add(eventType EventType, username, ip string, success bool, details string) Event {
	return s.append(Event{
		Type:     eventType,
		Username: username,
		IP:       ip,
		Success:  success,
		Details:  details,
	})
}

// AddCycle records the outcome of a push cycle. Only sent cycles count as success.
func (s *Store) AddCycle(eventType EventType, cycle *Cycle, details string) Event {
	return s.append(Event{
		Type:    eventType,
		Success: eventType == EventPushSent,
		Details: details,
		Cycle:   cycle,
	})
}

func (s *Store) append(e Event) Event {
	s.mu.Lock()
	s.nextID++
	e.ID = s.nextID
	e.Timestamp = time.Now()
	s.ring[s.head] = e
	s.head = (s.head + 1) % len(s.ring)
	if s.n < len(s.ring) {
		s.n++
	}
	s.mu.Unlock()

	s.broadcast(e)
	return e
}

// walk visits events newest first until visit returns false. Callers hold mu.
func (s *Store) walk(visit func(Event) bool) {
	for i := 1; i <= s.n; i++ {
		if !visit(s.ring[(s.head-i+len(s.ring))%len(s.ring)]) {
			return
		}
	}
}

// broadcast never blocks; a subscriber with a full buffer misses the event
func (s *Store) broadcast(e Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of new events and a cancel func that closes it
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, ch)
			s.subsMu.Unlock()
			close(ch)
		})
	}
}

// GetAll returns all events, newest first
func (s *Store) GetAll() []Event {
	return s.GetLast(len(s.ring))
}

// GetLast returns up to n events, newest first
func (s *Store) GetLast(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n = max(n, 0)
	out := make([]Event, 0, min(n, s.n))
	s.walk(func(e Event) bool {
		if len(out) == n {
			return false
		}
		out = append(out, e)
		return true
	})
	return out
}

// GetSince returns events with an ID above lastID, newest first
func (s *Store) GetSince(lastID int64) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	s.walk(func(e Event) bool {
		if e.ID <= lastID {
			return false
		}
		out = append(out, e)
		return true
	})
	return out
}

// LastOf returns the newest event of any of the given types
func (s *Store) LastOf(types ...EventType) (Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found Event
	ok := false
	s.walk(func(e Event) bool {
		if slices.Contains(types, e.Type) {
			found, ok = e, true
		}
		return !ok
	})
	return found, ok
}

// Count returns the number of retained events
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.n
}

// LastID returns the ID of the most recent event, 0 if none
func (s *Store) LastID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}
