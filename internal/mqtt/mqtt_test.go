package mqtt

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"trmnlpush/internal/storage"
)

type published struct {
	topic    string
	payload  []byte
	retained bool
	raw      bool
}

type fakeSink struct {
	mu       sync.Mutex
	prefix   string
	messages []published
	fail     bool
}

func (f *fakeSink) record(topic string, payload any, retained, raw bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("not connected")
	}
	b, _ := payload.([]byte)
	f.messages = append(f.messages, published{topic: topic, payload: b, retained: retained, raw: raw})
	return nil
}

func (f *fakeSink) Publish(topic string, payload any) error {
	return f.record(topic, payload, false, false)
}

func (f *fakeSink) PublishRaw(topic string, payload any, retained bool) error {
	return f.record(topic, payload, retained, true)
}

func (f *fakeSink) IsConnected() bool { return !f.fail }

func (f *fakeSink) GetConfig() Config { return Config{Prefix: f.prefix} }

func (f *fakeSink) find(topic string) (published, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.topic == topic {
			return m, true
		}
	}
	return published{}, false
}

func TestNewRequiresBroker(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("New() without a broker should fail")
	}

	c, err := New(Config{Broker: "tcp://localhost:1883", Prefix: "trmnlpush"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.IsConnected() {
		t.Error("client should not be connected before Connect()")
	}
	if got := c.Topic("sensor/x/state"); got != "trmnlpush/sensor/x/state" {
		t.Errorf("Topic() = %q", got)
	}
	if err := c.Publish("a", []byte("b")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() on a disconnected client = %v; want ErrNotConnected", err)
	}

	// Subscriptions are remembered until connected
	if err := c.Subscribe("homeassistant/statestream/#", 0, func(string, []byte) {}); err != nil {
		t.Errorf("Subscribe() before connect error = %v", err)
	}
	if len(c.subs) != 1 {
		t.Errorf("remembered subscriptions = %d; want 1", len(c.subs))
	}
}

func TestSanitizeSensorID(t *testing.T) {
	tests := map[string]string{
		"Last Cycle":         "last_cycle",
		"sensor.co2":         "sensor_co2",
		"a/b#c+d":            "a_b_c_d",
		"payload_size_bytes": "payload_size_bytes",
	}
	for in, want := range tests {
		if got := SanitizeSensorID(in); got != want {
			t.Errorf("SanitizeSensorID(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestPublisher(t *testing.T) {
	sink := &fakeSink{}
	p := NewPublisher(sink, nil)

	err := p.PublishMultipleSensors([]*SensorData{
		{ID: "last_outcome", Value: "sent", Attributes: map[string]any{"status_code": 200}},
		{ID: "payload_size", Value: 512},
	})
	if err != nil {
		t.Fatalf("PublishMultipleSensors() error = %v", err)
	}

	m, ok := sink.find("sensor/last_outcome/state")
	if !ok || string(m.payload) != "sent" {
		t.Errorf("outcome state = %q, %v; want unquoted sent", m.payload, ok)
	}
	m, ok = sink.find("sensor/payload_size/state")
	if !ok || string(m.payload) != "512" {
		t.Errorf("size state = %q, %v", m.payload, ok)
	}
	m, ok = sink.find("sensor/last_outcome/attributes")
	if !ok {
		t.Fatal("attributes not published")
	}
	var attrs map[string]any
	if err := json.Unmarshal(m.payload, &attrs); err != nil || attrs["status_code"] != float64(200) {
		t.Errorf("attributes = %s", m.payload)
	}

	sink.fail = true
	if err := p.PublishSensorState(&SensorData{ID: "x", Value: 1}); err == nil {
		t.Error("PublishSensorState() should surface sink errors")
	}
}

func TestDiscoveryManager(t *testing.T) {
	store, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	sink := &fakeSink{prefix: "trmnlpush"}
	d := NewDiscoveryManager(sink, nil, store, "trmnl")

	if !d.ShouldRepublishDiscovery(3) {
		t.Fatal("first call should request publishing")
	}

	cfg := &SensorConfig{
		SensorID:          "payload_size",
		Name:              "TRMNL Payload Size",
		Unit:              "B",
		StateTopic:        "sensor/payload_size/state",
		DeviceClass:       "data_size",
		StateClass:        "measurement",
		AvailabilityTopic: "status/availability",
		DeviceInfo:        &DeviceInfo{Identifiers: []string{"trmnlpush"}, Name: "TRMNL Push"},
	}
	if err := d.PublishMultipleDiscoveryConfigs([]*SensorConfig{cfg}); err != nil {
		t.Fatal(err)
	}

	m, ok := sink.find("homeassistant/sensor/trmnlpush/payload_size/config")
	if !ok || !m.retained || !m.raw {
		t.Fatalf("discovery message = %+v, %v", m, ok)
	}
	var doc map[string]any
	if err := json.Unmarshal(m.payload, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["unique_id"] != "trmnlpush_payload_size" || doc["state_topic"] != "trmnlpush/sensor/payload_size/state" {
		t.Errorf("discovery doc = %v", doc)
	}
	if doc["availability_topic"] != "trmnlpush/status/availability" || doc["payload_available"] != "online" {
		t.Errorf("availability = %v", doc)
	}
	if _, ok := doc["json_attributes_topic"]; ok {
		t.Error("empty attributes topic should be omitted")
	}
	device, _ := doc["device"].(map[string]any)
	if device["name"] != "TRMNL Push" {
		t.Errorf("device = %v", doc["device"])
	}

	if d.ShouldRepublishDiscovery(3) {
		t.Error("same count after publishing should not republish")
	}
	if !d.ShouldRepublishDiscovery(4) {
		t.Error("changed count should republish")
	}

	d.RemoveDiscoveryConfigs([]string{"payload_size"})
	if published, _ := store.GetBool("trmnl", discoveryPublishedKey); published {
		t.Error("removal should clear the published flag")
	}
}
