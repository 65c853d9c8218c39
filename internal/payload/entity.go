// Package payload builds the size-bounded TRMNL webhook document
package payload

import (
	"math"
	"strconv"
	"strings"

	"trmnlpush/internal/state"
)

// Role labels used for the "type" field
const (
	RolePrimary    = "co2_primary"
	RoleAdditional = "additional"
)

// LowBatteryThreshold is the battery percentage below which "bat" is reported
const LowBatteryThreshold = 25

// nameNoise is stripped from friendly names, in this order
var nameNoise = []string{"sensor", "Sensor", "Module", "module"}

// Entity is the compact per-sensor payload
type Entity struct {
	Val         any      `json:"val"`
	Type        string   `json:"type"`
	ID          string   `json:"id,omitempty"`
	Unit        *string  `json:"u,omitempty"`
	Name        string   `json:"n,omitempty"`
	Icon        string   `json:"i,omitempty"`
	Battery     *float64 `json:"bat,omitempty"`
	DeviceClass string   `json:"device_class,omitempty"`
	Primary     bool     `json:"primary,omitempty"`
}

// RoleForSlot returns the role label for a 1-based secondary slot
func RoleForSlot(slot int) string {
	return "sensor_" + strconv.Itoa(slot)
}

// Build converts one reading into an Entity.
// It returns nil when the reading is nil or its entity id has no object id part.
func Build(r *state.Reading, role, customName string, includeID bool) *Entity {
	if r == nil {
		return nil
	}
	_, objectID, ok := state.SplitEntityID(r.EntityID)
	if !ok {
		return nil
	}

	if role == "" {
		role = RoleAdditional
	}

	e := &Entity{
		Val:  NormalizeValue(r.State),
		Type: role,
	}
	if includeID {
		e.ID = objectID
	}

	// a present but empty unit is still reported
	if unit, ok := r.StringAttr(state.AttrUnit); ok {
		e.Unit = &unit
	}
	if icon, ok := r.StringAttr(state.AttrIcon); ok {
		e.Icon = icon
	}
	if dc, ok := r.StringAttr(state.AttrDeviceClass); ok {
		e.DeviceClass = dc
	}

	e.Name = displayName(r, objectID, customName)

	if bat, ok := r.FloatAttr(state.AttrBattery); ok && !math.IsInf(bat, 0) && bat < LowBatteryThreshold {
		e.Battery = &bat
	}

	return e
}

// NormalizeValue parses a state as a number rounded to one decimal.
// Non-numeric states ("unavailable", "on") and hex literals are returned unchanged.
func NormalizeValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if isHexLiteral(trimmed) {
		return raw
	}
	f, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return raw
	}
	return Round1(f)
}

func isHexLiteral(s string) bool {
	s = strings.TrimLeft(s, "+-")
	return strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")
}

// Round1 rounds to one decimal place, half to even on the exact binary value
func Round1(f float64) float64 {
	rounded, err := strconv.ParseFloat(strconv.FormatFloat(f, 'f', 1, 64), 64)
	if err != nil {
		return f
	}
	return rounded
}

// CleanFriendlyName strips "sensor"/"module" noise words from a friendly name
func CleanFriendlyName(name string) string {
	for _, word := range nameNoise {
		name = strings.TrimSpace(strings.ReplaceAll(name, word, ""))
	}
	return name
}

func displayName(r *state.Reading, objectID, customName string) string {
	if name := strings.TrimSpace(customName); name != "" {
		return name
	}
	if friendly, ok := r.StringAttr(state.AttrFriendlyName); ok && friendly != "" {
		if clean := CleanFriendlyName(friendly); clean != "" {
			return clean
		}
	}
	return state.TitleCase(strings.ReplaceAll(objectID, "_", " "))
}
