package payload

import (
	"encoding/json"
	"time"
)

// MaxPayloadSize is the webhook's request body ceiling in bytes
const MaxPayloadSize = 2048

// DefaultCO2Unit is reported when the primary sensor has no unit attribute
const DefaultCO2Unit = "ppm"

// MergeVariables is the body consumed by the TRMNL template
type MergeVariables struct {
	Entities  []*Entity `json:"entities"`
	Timestamp string    `json:"timestamp"`
	Count     int       `json:"count"`
	CO2Value  any       `json:"co2_value"`
	CO2Unit   string    `json:"co2_unit"`
}

// Document is the top-level webhook body
type Document struct {
	MergeVariables MergeVariables `json:"merge_variables"`
}

// newDocument creates a document around the given entities. The first entity is the primary.
func newDocument(entities []*Entity, ts time.Time) *Document {
	mv := MergeVariables{
		Entities:  entities,
		Timestamp: ts.Format(time.RFC3339),
		Count:     len(entities),
		CO2Unit:   DefaultCO2Unit,
	}
	if len(entities) > 0 && entities[0] != nil {
		mv.CO2Value = entities[0].Val
		if entities[0].Unit != nil {
			mv.CO2Unit = *entities[0].Unit
		}
	}
	return &Document{MergeVariables: mv}
}

// setEntities replaces the entity list and keeps count in sync
func (d *Document) setEntities(entities []*Entity) {
	d.MergeVariables.Entities = entities
	d.MergeVariables.Count = len(entities)
}

// Encode serializes the document exactly as it is sent
func (d *Document) Encode() ([]byte, error) {
	return json.Marshal(d)
}
