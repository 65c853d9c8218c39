// Package state provides read-only access to current sensor readings
package state

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Well-known attribute keys
const (
	AttrFriendlyName = "friendly_name"
	AttrUnit         = "unit_of_measurement"
	AttrDeviceClass  = "device_class"
	AttrIcon         = "icon"
	AttrBattery      = "battery_percent"
)

// Reading is an immutable snapshot of one entity's state
type Reading struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Store is the read-only view of the state store consumed by the push cycle
type Store interface {
	// Get returns the current reading for an entity, or false when absent
	Get(entityID string) (*Reading, bool)

	// ListIDs returns all known entity ids
	ListIDs() []string
}

// SplitEntityID splits "sensor.living_room_co2" into its domain and object id.
func SplitEntityID(entityID string) (domain, objectID string, ok bool) {
	domain, rest, found := strings.Cut(entityID, ".")
	// only the segment up to a second dot is the object id
	objectID, _, _ = strings.Cut(rest, ".")
	if !found || domain == "" || objectID == "" {
		return "", "", false
	}
	return domain, objectID, true
}

// Attr returns a raw attribute value
func (r *Reading) Attr(key string) (any, bool) {
	if r == nil || r.Attributes == nil {
		return nil, false
	}
	v, ok := r.Attributes[key]
	return v, ok
}

// StringAttr returns an attribute formatted as a string.
// Missing and nil attributes report false.
func (r *Reading) StringAttr(key string) (string, bool) {
	v, ok := r.Attr(key)
	if !ok || v == nil {
		return "", false
	}
	if s, isString := v.(string); isString {
		return s, true
	}
	return fmt.Sprint(v), true
}

// FloatAttr returns a numeric attribute. Numeric strings are accepted.
func (r *Reading) FloatAttr(key string) (float64, bool) {
	v, ok := r.Attr(key)
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// clone returns a deep-enough copy so callers can't mutate the stored snapshot
func (r *Reading) clone() *Reading {
	c := *r
	if r.Attributes != nil {
		c.Attributes = make(map[string]any, len(r.Attributes))
		for k, v := range r.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// MemoryStore is a thread-safe in-memory Store.
// State sources write into it; the push cycle reads from it.
type MemoryStore struct {
	mu       sync.RWMutex
	readings map[string]*Reading
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		readings: make(map[string]*Reading),
	}
}

// Get implements Store.Get
func (s *MemoryStore) Get(entityID string) (*Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.readings[entityID]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// ListIDs implements Store.ListIDs. Ids are sorted.
func (s *MemoryStore) ListIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.readings))
	for id := range s.readings {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Set replaces the full reading for an entity
func (s *MemoryStore) Set(r *Reading) {
	if r == nil || r.EntityID == "" {
		return
	}
	c := r.clone()
	if c.LastUpdated.IsZero() {
		c.LastUpdated = time.Now()
	}

	s.mu.Lock()
	s.readings[c.EntityID] = c
	s.mu.Unlock()
}

// SetState updates only the state value, keeping attributes
func (s *MemoryStore) SetState(entityID, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.entry(entityID)
	r.State = value
	r.LastUpdated = time.Now()
}

// SetAttribute updates a single attribute, keeping the state value
func (s *MemoryStore) SetAttribute(entityID, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.entry(entityID)
	r.Attributes[key] = value
}

// Replace swaps the whole snapshot atomically
func (s *MemoryStore) Replace(readings []*Reading) {
	next := make(map[string]*Reading, len(readings))
	for _, r := range readings {
		if r == nil || r.EntityID == "" {
			continue
		}
		next[r.EntityID] = r.clone()
	}

	s.mu.Lock()
	s.readings = next
	s.mu.Unlock()
}

// Delete removes an entity
func (s *MemoryStore) Delete(entityID string) {
	s.mu.Lock()
	delete(s.readings, entityID)
	s.mu.Unlock()
}

// Len returns the number of known entities
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readings)
}

// entry returns the mutable reading for an id, creating it. Caller holds the lock.
func (s *MemoryStore) entry(entityID string) *Reading {
	r, ok := s.readings[entityID]
	if !ok {
		r = &Reading{EntityID: entityID, Attributes: make(map[string]any)}
		s.readings[entityID] = r
		return r
	}
	if r.Attributes == nil {
		r.Attributes = make(map[string]any)
	}
	return r
}

// FriendlyName returns the display name of an entity for setup screens:
// the friendly_name attribute, else the title-cased object id.
func FriendlyName(s Store, entityID string) string {
	if r, ok := s.Get(entityID); ok {
		if name, ok := r.StringAttr(AttrFriendlyName); ok && strings.TrimSpace(name) != "" {
			return name
		}
	}
	objectID := entityID
	if _, obj, ok := SplitEntityID(entityID); ok {
		objectID = obj
	}
	return TitleCase(strings.ReplaceAll(objectID, "_", " "))
}

// TitleCase upper-cases the first letter of every run of letters and
// lower-cases the rest ("co2_level" style ids become "Co2 Level").
func TitleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		isLetter := unicode.IsLetter(r)
		switch {
		case isLetter && !prevLetter:
			b.WriteRune(unicode.ToUpper(r))
		case isLetter:
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
		prevLetter = isLetter
	}
	return b.String()
}
