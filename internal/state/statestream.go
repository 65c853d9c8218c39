package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
)

// Subscriber is the part of the MQTT client used by StatestreamSource
type Subscriber interface {
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
}

// StatestreamSource mirrors Home Assistant's mqtt_statestream output into a store.
//
// Topics look like <base>/<domain>/<object_id>/state for the state value and
// <base>/<domain>/<object_id>/<attribute> for JSON encoded attributes.
type StatestreamSource struct {
	BaseTopic string
	store     *MemoryStore
	sub       Subscriber
	logger    *log.Logger
}

// NewStatestreamSource creates a source writing into store
func NewStatestreamSource(baseTopic string, sub Subscriber, store *MemoryStore, logger *log.Logger) *StatestreamSource {
	if logger != nil {
		logger = logger.WithPrefix("statestream")
	}
	return &StatestreamSource{
		BaseTopic: strings.TrimSuffix(baseTopic, "/"),
		store:     store,
		sub:       sub,
		logger:    logger,
	}
}

// Name implements Source.Name
func (s *StatestreamSource) Name() string {
	return "mqtt"
}

// Start subscribes to the statestream topic tree
func (s *StatestreamSource) Start(ctx context.Context) error {
	if s.sub == nil {
		return fmt.Errorf("statestream: MQTT client is not configured")
	}
	if s.BaseTopic == "" {
		return fmt.Errorf("statestream: base topic is required")
	}

	topic := s.BaseTopic + "/#"
	if err := s.sub.Subscribe(topic, 0, s.HandleMessage); err != nil {
		return fmt.Errorf("statestream: %w", err)
	}

	if s.logger != nil {
		s.logger.Infof("Mirroring entity states from %s", topic)
	}
	return nil
}

// HandleMessage applies one statestream message to the store
func (s *StatestreamSource) HandleMessage(topic string, payload []byte) {
	rest, ok := strings.CutPrefix(topic, s.BaseTopic+"/")
	if !ok {
		return
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return
	}
	entityID := parts[0] + "." + parts[1]

	switch key := parts[2]; key {
	case "state":
		s.store.SetState(entityID, string(payload))
	case "last_updated", "last_changed":
		// Timestamps are tracked locally
	default:
		s.store.SetAttribute(entityID, key, decodeAttribute(payload))
	}

	if s.logger != nil {
		s.logger.Debugf("Updated %s (%s)", entityID, parts[2])
	}
}

// decodeAttribute decodes a JSON attribute value, falling back to the raw string
func decodeAttribute(payload []byte) any {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	return v
}
