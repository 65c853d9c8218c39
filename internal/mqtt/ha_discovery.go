package mqtt

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/charmbracelet/log"

	"trmnlpush/internal/storage"
)

// DiscoveryNode is the node id of discovery topics and the unique id prefix
const DiscoveryNode = "trmnlpush"

const discoveryPublishedKey = "discoveryPublished"

// DiscoveryTopic returns homeassistant/sensor/trmnlpush/<id>/config
func DiscoveryTopic(sensorID string) string {
	return "homeassistant/sensor/" + DiscoveryNode + "/" + sensorID + "/config"
}

type discoveryDoc struct {
	Name                string      `json:"name"`
	UniqueID            string      `json:"unique_id"`
	StateTopic          string      `json:"state_topic"`
	AttributesTopic     string      `json:"json_attributes_topic,omitempty"`
	Unit                string      `json:"unit_of_measurement,omitempty"`
	DeviceClass         string      `json:"device_class,omitempty"`
	StateClass          string      `json:"state_class,omitempty"`
	Icon                string      `json:"icon,omitempty"`
	AvailabilityTopic   string      `json:"availability_topic,omitempty"`
	PayloadAvailable    string      `json:"payload_available,omitempty"`
	PayloadNotAvailable string      `json:"payload_not_available,omitempty"`
	Device              *DeviceInfo `json:"device,omitempty"`
}

// DiscoveryManager publishes retained Home Assistant discovery configs and
// remembers in storage whether they are out there
type DiscoveryManager struct {
	sink       Sink
	logger     *log.Logger
	store      storage.DataStore
	pluginName string

	mu          sync.Mutex
	sensorCount int
}

func NewDiscoveryManager(sink Sink, logger *log.Logger, store storage.DataStore, pluginName string) *DiscoveryManager {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &DiscoveryManager{
		sink:       sink,
		logger:     logger.WithPrefix(pluginName),
		store:      store,
		pluginName: pluginName,
	}
}

// ShouldRepublishDiscovery reports whether configs were never published
// or the sensor count changed since the last call
func (d *DiscoveryManager) ShouldRepublishDiscovery(sensorCount int) bool {
	published := false
	if d.store != nil {
		published, _ = d.store.GetBool(d.pluginName, discoveryPublishedKey)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if published && sensorCount == d.sensorCount {
		return false
	}
	d.sensorCount = sensorCount
	return true
}

func (d *DiscoveryManager) document(cfg *SensorConfig) discoveryDoc {
	topic := func(rel string) string {
		if rel == "" {
			return ""
		}
		if prefix := d.sink.GetConfig().Prefix; prefix != "" {
			return prefix + "/" + rel
		}
		return rel
	}

	doc := discoveryDoc{
		Name:            cfg.Name,
		UniqueID:        DiscoveryNode + "_" + cfg.SensorID,
		StateTopic:      topic(cfg.StateTopic),
		AttributesTopic: topic(cfg.AttributesTopic),
		Unit:            cfg.Unit,
		DeviceClass:     cfg.DeviceClass,
		StateClass:      cfg.StateClass,
		Icon:            cfg.Icon,
		Device:          cfg.DeviceInfo,
	}
	if cfg.AvailabilityTopic != "" {
		doc.AvailabilityTopic = topic(cfg.AvailabilityTopic)
		doc.PayloadAvailable = "online"
		doc.PayloadNotAvailable = "offline"
	}
	return doc
}

// PublishDiscoveryConfig publishes the retained config of one sensor
func (d *DiscoveryManager) PublishDiscoveryConfig(cfg *SensorConfig) error {
	payload, err := json.Marshal(d.document(cfg))
	if err != nil {
		return err
	}
	return d.sink.PublishRaw(DiscoveryTopic(cfg.SensorID), payload, true)
}

// PublishMultipleDiscoveryConfigs publishes all configs. They count as
// published only when none failed.
func (d *DiscoveryManager) PublishMultipleDiscoveryConfigs(configs []*SensorConfig) error {
	failed := 0
	for _, cfg := range configs {
		if err := d.PublishDiscoveryConfig(cfg); err != nil {
			failed++
			d.logger.Warnf("Failed to publish discovery for %s: %v", cfg.SensorID, err)
		}
	}
	if failed == 0 {
		d.markPublished(true)
	}
	d.logger.Infof("Published MQTT discovery config for %d sensors", len(configs)-failed)
	return nil
}

// RemoveDiscoveryConfigs clears the retained configs so Home Assistant drops the sensors
func (d *DiscoveryManager) RemoveDiscoveryConfigs(sensorIDs []string) {
	for _, id := range sensorIDs {
		if err := d.sink.PublishRaw(DiscoveryTopic(id), []byte{}, true); err != nil {
			d.logger.Warnf("Failed to remove discovery for %s: %v", id, err)
		}
	}
	d.markPublished(false)

	d.mu.Lock()
	d.sensorCount = 0
	d.mu.Unlock()
}

func (d *DiscoveryManager) markPublished(published bool) {
	if d.store == nil {
		return
	}
	if err := d.store.SetBool(d.pluginName, discoveryPublishedKey, published); err != nil {
		d.logger.Warnf("Failed to store discovery state: %v", err)
	}
}
