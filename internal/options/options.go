// Package options holds the user-editable settings of the push integration
package options

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"trmnlpush/internal/payload"
	"trmnlpush/internal/state"
	"trmnlpush/internal/storage"
	"trmnlpush/internal/webhook"
)

// Storage keys
const (
	KeyURL            = "url"
	KeyPrimary        = "co2_sensor"
	KeyPrimaryName    = "co2_name"
	KeyIncludeIDs     = "include_ids"
	KeyUpdateInterval = "update_interval"
	KeyMode           = "mode"
	KeyStationKeyword = "station_keyword"
	KeyIncludeOutdoor = "include_outdoor"
)

// Interval bounds in seconds
const (
	DefaultInterval = 1800
	MinInterval     = 300
	MaxInterval     = 86400
)

// Selection modes
const (
	ModeExplicit = "explicit"
	ModeKeyword  = "keyword"
)

var (
	ErrMissingPrimary  = errors.New("primary sensor is required")
	ErrUnknownEntity   = errors.New("entity not found")
	ErrInvalidInterval = fmt.Errorf("update interval must be between %d and %d seconds", MinInterval, MaxInterval)
	ErrInvalidMode     = errors.New("mode must be explicit or keyword")
)

// FieldError ties a validation error to the option key that caused it
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Err.Error()
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// Options are re-read from storage at the start of every push cycle
type Options struct {
	URL            string                             `json:"url"`
	PrimarySensor  string                             `json:"co2_sensor"`
	PrimaryName    string                             `json:"co2_name"`
	Sensors        [payload.MaxSecondary]payload.Slot `json:"sensors"`
	IncludeIDs     bool                               `json:"include_ids"`
	UpdateInterval int                                `json:"update_interval"`
	Mode           string                             `json:"mode"`
	StationKeyword string                             `json:"station_keyword,omitempty"`
	IncludeOutdoor bool                               `json:"include_outdoor,omitempty"`
}

// Default returns unconfigured options
func Default() *Options {
	return &Options{
		UpdateInterval: DefaultInterval,
		Mode:           ModeExplicit,
	}
}

// SensorKey returns the storage key of a 1-based secondary slot
func SensorKey(slot int) string {
	return "sensor_" + strconv.Itoa(slot)
}

// SensorNameKey returns the storage key of a slot's custom name
func SensorNameKey(slot int) string {
	return SensorKey(slot) + "_name"
}

// Clean trims whitespace and normalizes empty selector values
func (o *Options) Clean() {
	o.URL = strings.TrimSpace(o.URL)
	o.PrimarySensor = strings.TrimSpace(o.PrimarySensor)
	o.PrimaryName = strings.TrimSpace(o.PrimaryName)
	o.StationKeyword = strings.TrimSpace(o.StationKeyword)
	o.Mode = strings.ToLower(strings.TrimSpace(o.Mode))
	if o.Mode == "" {
		o.Mode = ModeExplicit
	}
	if o.UpdateInterval == 0 {
		o.UpdateInterval = DefaultInterval
	}

	for i := range o.Sensors {
		id := strings.TrimSpace(o.Sensors[i].EntityID)
		if id == "None" {
			id = ""
		}
		o.Sensors[i].EntityID = id
		o.Sensors[i].Name = strings.TrimSpace(o.Sensors[i].Name)
		if id == "" {
			o.Sensors[i].Name = ""
		}
	}
}

// Validate checks the options against the current entity states.
// It returns a *FieldError wrapping one of the package sentinels.
func (o *Options) Validate(states state.Store) error {
	if err := webhook.ValidateURL(o.URL); err != nil {
		return &FieldError{Field: KeyURL, Err: err}
	}

	if o.PrimarySensor == "" {
		return &FieldError{Field: KeyPrimary, Err: ErrMissingPrimary}
	}
	if _, ok := states.Get(o.PrimarySensor); !ok {
		return &FieldError{Field: KeyPrimary, Err: fmt.Errorf("%w: %s", ErrUnknownEntity, o.PrimarySensor)}
	}

	if o.Mode != ModeExplicit && o.Mode != ModeKeyword {
		return &FieldError{Field: KeyMode, Err: ErrInvalidMode}
	}

	if o.Mode == ModeExplicit {
		for i, slot := range o.Sensors {
			if slot.EntityID == "" {
				continue
			}
			if _, ok := states.Get(slot.EntityID); !ok {
				return &FieldError{Field: SensorKey(i + 1), Err: fmt.Errorf("%w: %s", ErrUnknownEntity, slot.EntityID)}
			}
		}
	}

	if o.UpdateInterval < MinInterval || o.UpdateInterval > MaxInterval {
		return &FieldError{Field: KeyUpdateInterval, Err: ErrInvalidInterval}
	}

	return nil
}

// ValidateStatic runs the checks that do not need entity states. The schedule
// uses it at startup, before the state store has been populated.
func (o *Options) ValidateStatic() error {
	if err := webhook.ValidateURL(o.URL); err != nil {
		return &FieldError{Field: KeyURL, Err: err}
	}
	if o.PrimarySensor == "" {
		return &FieldError{Field: KeyPrimary, Err: ErrMissingPrimary}
	}
	if o.Mode != ModeExplicit && o.Mode != ModeKeyword {
		return &FieldError{Field: KeyMode, Err: ErrInvalidMode}
	}
	if o.UpdateInterval < MinInterval || o.UpdateInterval > MaxInterval {
		return &FieldError{Field: KeyUpdateInterval, Err: ErrInvalidInterval}
	}
	return nil
}

// Selector builds the sensor selection strategy for these options
func (o *Options) Selector() payload.Selector {
	if o.Mode == ModeKeyword {
		return payload.KeywordSelector{
			Primary:        o.PrimarySensor,
			PrimaryName:    o.PrimaryName,
			StationKeyword: o.StationKeyword,
			IncludeOutdoor: o.IncludeOutdoor,
		}
	}
	return payload.ExplicitSelector{
		Primary:     o.PrimarySensor,
		PrimaryName: o.PrimaryName,
		Slots:       o.Sensors[:],
	}
}

// Title returns the descriptive title shown after setup
func (o *Options) Title(states state.Store) string {
	name := o.PrimaryName
	if name == "" {
		name = state.FriendlyName(states, o.PrimarySensor)
	}
	return "TRMNL Weather (" + name + ")"
}

// Load reads options stored under pluginName. Missing keys keep their defaults.
func Load(store storage.Storage, pluginName string) (*Options, error) {
	values, err := store.List(pluginName)
	if err != nil {
		return nil, fmt.Errorf("failed to load options: %w", err)
	}

	o := Default()
	str := func(key string) string { return string(values[key]) }

	o.URL = str(KeyURL)
	o.PrimarySensor = str(KeyPrimary)
	o.PrimaryName = str(KeyPrimaryName)
	o.StationKeyword = str(KeyStationKeyword)
	if m := str(KeyMode); m != "" {
		o.Mode = m
	}
	for i := range o.Sensors {
		o.Sensors[i] = payload.Slot{
			EntityID: str(SensorKey(i + 1)),
			Name:     str(SensorNameKey(i + 1)),
		}
	}

	if v, ok := values[KeyIncludeIDs]; ok {
		o.IncludeIDs, _ = strconv.ParseBool(string(v))
	}
	if v, ok := values[KeyIncludeOutdoor]; ok {
		o.IncludeOutdoor, _ = strconv.ParseBool(string(v))
	}
	if v, ok := values[KeyUpdateInterval]; ok {
		if n, err := strconv.Atoi(string(v)); err == nil {
			o.UpdateInterval = n
		}
	}

	o.Clean()
	return o, nil
}

// Save writes all option keys in one transaction. Empty values are deleted.
func (o *Options) Save(store storage.Storage, pluginName string) error {
	values := map[string][]byte{
		KeyURL:            []byte(o.URL),
		KeyPrimary:        []byte(o.PrimarySensor),
		KeyPrimaryName:    orNil(o.PrimaryName),
		KeyIncludeIDs:     []byte(strconv.FormatBool(o.IncludeIDs)),
		KeyUpdateInterval: []byte(strconv.Itoa(o.UpdateInterval)),
		KeyMode:           []byte(o.Mode),
		KeyStationKeyword: orNil(o.StationKeyword),
		KeyIncludeOutdoor: []byte(strconv.FormatBool(o.IncludeOutdoor)),
	}
	for i, slot := range o.Sensors {
		values[SensorKey(i+1)] = orNil(slot.EntityID)
		values[SensorNameKey(i+1)] = orNil(slot.Name)
	}

	if err := store.SetMany(pluginName, values); err != nil {
		return fmt.Errorf("failed to save options: %w", err)
	}
	return nil
}

// Configured reports whether the mandatory options are present
func (o *Options) Configured() bool {
	return o.URL != "" && o.PrimarySensor != ""
}

func orNil(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}
