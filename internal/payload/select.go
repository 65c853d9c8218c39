package payload

import (
	"sort"
	"strings"

	"trmnlpush/internal/state"
)

// MaxSecondary is the number of secondary sensor slots
const MaxSecondary = 6

// DefaultStationKeyword is matched against entity ids by KeywordSelector
const DefaultStationKeyword = "weather_station"

// OutdoorKeywords extend KeywordSelector matches when outdoor sensors are included
var OutdoorKeywords = []string{
	"outdoor",
	"outside",
	"exterior",
	"garden",
	"patio",
	"balcony",
	"terrace",
	"yard",
}

// PrioritySensors orders keyword matches. Ids matching none sort last.
var PrioritySensors = []string{
	"carbon_dioxide",
	"temperature",
	"humidity",
	"pressure",
	"rain",
	"wind_strength",
}

// Selector decides which sensors go into a cycle
type Selector interface {
	Select(states state.Store) Selection
}

// Slot is one configured secondary sensor
type Slot struct {
	EntityID string `json:"entity_id"`
	Name     string `json:"name,omitempty"`
}

// ExplicitSelector uses a fixed primary and up to six configured slots.
// The role label follows the slot position, so empty slots keep numbering stable.
type ExplicitSelector struct {
	Primary     string
	PrimaryName string
	Slots       []Slot
}

// Select implements Selector
func (s ExplicitSelector) Select(_ state.Store) Selection {
	sel := Selection{
		Primary: Ref{EntityID: s.Primary, Name: s.PrimaryName, Role: RolePrimary},
	}
	for i, slot := range s.Slots {
		if i >= MaxSecondary {
			break
		}
		if strings.TrimSpace(slot.EntityID) == "" {
			continue
		}
		sel.Secondary = append(sel.Secondary, Ref{
			EntityID: slot.EntityID,
			Name:     slot.Name,
			Role:     RoleForSlot(i + 1),
		})
	}
	return sel
}

// KeywordSelector discovers secondaries by matching entity ids against a station keyword
type KeywordSelector struct {
	Primary        string
	PrimaryName    string
	StationKeyword string
	IncludeOutdoor bool
	Limit          int
}

// Select implements Selector
func (s KeywordSelector) Select(states state.Store) Selection {
	keyword := strings.ToLower(strings.TrimSpace(s.StationKeyword))
	if keyword == "" {
		keyword = DefaultStationKeyword
	}
	limit := s.Limit
	if limit <= 0 || limit > MaxSecondary {
		limit = MaxSecondary
	}

	var candidates []string
	for _, id := range states.ListIDs() {
		if id == s.Primary {
			continue
		}
		if !strings.HasPrefix(id, "sensor.") && !strings.HasPrefix(id, "binary_sensor.") {
			continue
		}
		lower := strings.ToLower(id)
		if strings.Contains(lower, keyword) || (s.IncludeOutdoor && isOutdoor(states, id)) {
			candidates = append(candidates, id)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := SensorPriority(candidates[i]), SensorPriority(candidates[j])
		if pi != pj {
			return pi < pj
		}
		return candidates[i] < candidates[j]
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	sel := Selection{
		Primary: Ref{EntityID: s.Primary, Name: s.PrimaryName, Role: RolePrimary},
	}
	for _, id := range candidates {
		sel.Secondary = append(sel.Secondary, Ref{EntityID: id, Role: RoleAdditional})
	}
	return sel
}

// SensorPriority returns the index of the first priority type contained in id,
// or len(PrioritySensors) when there is none.
func SensorPriority(entityID string) int {
	for i, t := range PrioritySensors {
		if strings.Contains(entityID, t) {
			return i
		}
	}
	return len(PrioritySensors)
}

func isOutdoor(states state.Store, entityID string) bool {
	haystack := strings.ToLower(entityID)
	if r, ok := states.Get(entityID); ok {
		if name, ok := r.StringAttr(state.AttrFriendlyName); ok {
			haystack += " " + strings.ToLower(name)
		}
	}
	for _, kw := range OutdoorKeywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}
