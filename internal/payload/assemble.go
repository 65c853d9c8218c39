package payload

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"trmnlpush/internal/state"
)

var (
	// ErrPrimaryUnavailable means the mandatory primary sensor has no usable reading
	ErrPrimaryUnavailable = errors.New("primary sensor unavailable")

	// ErrNoEntities means nothing could be collected
	ErrNoEntities = errors.New("no entities to send")

	// ErrPayloadTooLarge means even the primary-only document exceeds the ceiling
	ErrPayloadTooLarge = errors.New("payload exceeds size limit")
)

// Ref points at one sensor to include
type Ref struct {
	EntityID string `json:"entity_id"`
	Name     string `json:"name,omitempty"` // custom display name
	Role     string `json:"role"`
}

// Selection is the ordered set of sensors for one cycle.
// Secondary entries are in priority order, highest first.
type Selection struct {
	Primary   Ref   `json:"primary"`
	Secondary []Ref `json:"secondary"`
}

// Result is an assembled document ready to send
type Result struct {
	Document *Document
	Body     []byte   // exact bytes to POST
	Size     int      // len(Body)
	Included []string // entity ids in the document, primary first
	Skipped  []string // secondary ids without a usable reading
	Dropped  []string // secondary ids trimmed to fit the size limit
}

// Assembler collects readings into a bounded Document
type Assembler struct {
	states state.Store
	logger *log.Logger
	now    func() time.Time
	limit  int
}

// NewAssembler creates an assembler reading from states
func NewAssembler(states state.Store, logger *log.Logger) *Assembler {
	return &Assembler{
		states: states,
		logger: logger,
		now:    time.Now,
		limit:  MaxPayloadSize,
	}
}

// WithClock sets the timestamp source
func (a *Assembler) WithClock(now func() time.Time) *Assembler {
	a.now = now
	return a
}

// WithLimit overrides the size ceiling
func (a *Assembler) WithLimit(limit int) *Assembler {
	a.limit = limit
	return a
}

// Limit returns the size ceiling in bytes
func (a *Assembler) Limit() int {
	return a.limit
}

type built struct {
	id     string
	entity *Entity
}

// Assemble builds the document for sel.
//
// The primary is mandatory and always kept. When the encoded document is over
// the limit, secondaries are re-added in priority order until the first one that
// does not fit; everything after it is dropped.
func (a *Assembler) Assemble(sel Selection, includeIDs bool) (*Result, error) {
	primaryID := strings.TrimSpace(sel.Primary.EntityID)
	if primaryID == "" {
		return nil, fmt.Errorf("%w: no primary sensor configured", ErrPrimaryUnavailable)
	}

	reading, ok := a.states.Get(primaryID)
	if !ok {
		return nil, fmt.Errorf("%w: %s not found", ErrPrimaryUnavailable, primaryID)
	}
	primaryRole := sel.Primary.Role
	if primaryRole == "" {
		primaryRole = RolePrimary
	}
	primary := Build(reading, primaryRole, sel.Primary.Name, includeIDs)
	if primary == nil {
		return nil, fmt.Errorf("%w: %s has an invalid entity id", ErrPrimaryUnavailable, primaryID)
	}
	primary.Primary = true
	a.debugf("Added primary %s as %q", primaryID, primary.Name)

	res := &Result{}
	secondaries := make([]built, 0, len(sel.Secondary))
	for _, ref := range sel.Secondary {
		id := strings.TrimSpace(ref.EntityID)
		if id == "" {
			continue
		}
		r, ok := a.states.Get(id)
		if !ok {
			a.warnf("Sensor %s not found, skipping", id)
			res.Skipped = append(res.Skipped, id)
			continue
		}
		e := Build(r, ref.Role, ref.Name, includeIDs)
		if e == nil {
			a.warnf("Sensor %s has an invalid entity id, skipping", id)
			res.Skipped = append(res.Skipped, id)
			continue
		}
		a.debugf("Added %s (%s) as %q", id, e.Type, e.Name)
		secondaries = append(secondaries, built{id: id, entity: e})
	}

	entities := make([]*Entity, 0, len(secondaries)+1)
	entities = append(entities, primary)
	for _, s := range secondaries {
		entities = append(entities, s.entity)
	}
	if len(entities) == 0 {
		return nil, ErrNoEntities
	}

	doc := newDocument(entities, a.now())
	body, err := doc.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	a.debugf("Payload size: %d bytes (%d entities)", len(body), len(entities))

	kept := secondaries
	if len(body) > a.limit {
		a.warnf("Payload exceeds %d byte limit (%d bytes), trimming", a.limit, len(body))

		doc.setEntities([]*Entity{primary})
		body, err = doc.Encode()
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		if len(body) > a.limit {
			if a.logger != nil {
				a.logger.Errorf("Primary sensor alone is %d bytes, over the %d byte limit", len(body), a.limit)
			}
			return nil, fmt.Errorf("%w: primary-only document is %d bytes", ErrPayloadTooLarge, len(body))
		}

		kept = kept[:0:0]
		current := []*Entity{primary}
		for i, s := range secondaries {
			candidate := append(current[:len(current):len(current)], s.entity)
			doc.setEntities(candidate)
			next, err := doc.Encode()
			if err != nil {
				return nil, fmt.Errorf("failed to encode payload: %w", err)
			}
			if len(next) > a.limit {
				for _, d := range secondaries[i:] {
					res.Dropped = append(res.Dropped, d.id)
				}
				break
			}
			current = candidate
			kept = append(kept, s)
			body = next
		}
		doc.setEntities(current)

		a.debugf("Trimmed payload size: %d bytes (%d entities, %d dropped)", len(body), len(current), len(res.Dropped))
	}

	res.Document = doc
	res.Body = body
	res.Size = len(body)
	res.Included = append(res.Included, primaryID)
	for _, s := range kept {
		res.Included = append(res.Included, s.id)
	}
	return res, nil
}

func (a *Assembler) debugf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Debugf(format, args...)
	}
}

func (a *Assembler) warnf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Warnf(format, args...)
	}
}
