package mqtt

// Sink is the part of *Client used by Publisher and DiscoveryManager
type Sink interface {
	Publish(topic string, payload any) error
	PublishRaw(topic string, payload any, retained bool) error
	IsConnected() bool
	GetConfig() Config
}

// SensorData is one sensor reading. Strings are published as is, anything
// else as JSON.
type SensorData struct {
	ID         string
	Value      any
	Attributes map[string]any
}

// SensorConfig describes a sensor for Home Assistant discovery.
// Topics are relative to the client prefix.
type SensorConfig struct {
	SensorID string
	Name     string
	Unit     string

	StateTopic        string
	AttributesTopic   string
	AvailabilityTopic string

	DeviceClass string
	StateClass  string
	Icon        string

	DeviceInfo *DeviceInfo
}

// DeviceInfo groups sensors under one device in Home Assistant
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
}
