package trmnl

import (
	"slices"

	"trmnlpush/internal/state"
)

// DeviceClassCO2 marks primary sensor candidates
const DeviceClassCO2 = "carbon_dioxide"

// SupportedDeviceClasses are offered for the secondary slots
var SupportedDeviceClasses = []string{
	"temperature",
	"humidity",
	"atmospheric_pressure",
	DeviceClassCO2,
	"wind_speed",
	"precipitation_intensity",
	"battery",
	"illuminance",
	"pm25",
	"pm10",
	"aqi",
	"volatile_organic_compounds",
	"nitrogen_dioxide",
	"nitrogen_monoxide",
	"nitrous_oxide",
	"ozone",
	"sulphur_dioxide",
}

// SensorCandidate is one selectable entity
type SensorCandidate struct {
	EntityID    string `json:"entity_id"`
	Name        string `json:"name"`
	DeviceClass string `json:"device_class,omitempty"`
	Unit        string `json:"unit,omitempty"`
	State       string `json:"state"`
}

// SensorCandidates lists sensor.* entities for the setup form
type SensorCandidates struct {
	CO2     []SensorCandidate `json:"co2"`
	Sensors []SensorCandidate `json:"sensors"`
}

// ListCandidates splits the sensor domain into CO2 candidates and
// entities of a supported device class. Both lists are sorted by id.
func ListCandidates(states state.Store) *SensorCandidates {
	out := &SensorCandidates{
		CO2:     []SensorCandidate{},
		Sensors: []SensorCandidate{},
	}

	for _, id := range states.ListIDs() {
		domain, _, ok := state.SplitEntityID(id)
		if !ok || domain != "sensor" {
			continue
		}
		r, ok := states.Get(id)
		if !ok {
			continue
		}

		deviceClass, _ := r.StringAttr(state.AttrDeviceClass)
		unit, _ := r.StringAttr(state.AttrUnit)
		c := SensorCandidate{
			EntityID:    id,
			Name:        state.FriendlyName(states, id),
			DeviceClass: deviceClass,
			Unit:        unit,
			State:       r.State,
		}

		if deviceClass == DeviceClassCO2 {
			out.CO2 = append(out.CO2, c)
		}
		if slices.Contains(SupportedDeviceClasses, deviceClass) {
			out.Sensors = append(out.Sensors, c)
		}
	}

	return out
}
