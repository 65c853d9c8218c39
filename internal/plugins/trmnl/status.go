package trmnl

import (
	"time"

	"trmnlpush/internal/mqtt"
)

// Status sensor ids below sensor/<id>/state
const (
	sensorOutcome     = "trmnl_last_outcome"
	sensorPayloadSize = "trmnl_payload_size"
	sensorEntities    = "trmnl_entity_count"
	sensorLastSuccess = "trmnl_last_success"
	sensorDuration    = "trmnl_cycle_duration"
)

var statusSensorIDs = []string{sensorOutcome, sensorPayloadSize, sensorEntities, sensorLastSuccess, sensorDuration}

var statusDevice = &mqtt.DeviceInfo{
	Identifiers:  []string{mqtt.DiscoveryNode},
	Name:         "TRMNL Push",
	Model:        "trmnlpush",
	Manufacturer: "trmnlpush",
}

// statusSensorConfigs returns the Home Assistant discovery configs of the status sensors
func statusSensorConfigs(pub *mqtt.Publisher) []*mqtt.SensorConfig {
	cfg := func(id, name, unit, deviceClass, stateClass, icon string) *mqtt.SensorConfig {
		return &mqtt.SensorConfig{
			SensorID:          id,
			Name:              name,
			Unit:              unit,
			StateTopic:        pub.StateTopic(id),
			AttributesTopic:   pub.AttributesTopic(id),
			DeviceClass:       deviceClass,
			StateClass:        stateClass,
			Icon:              icon,
			AvailabilityTopic: availabilityTopic,
			DeviceInfo:        statusDevice,
		}
	}

	return []*mqtt.SensorConfig{
		cfg(sensorOutcome, "Last Push Outcome", "", "enum", "", "mdi:send-check"),
		cfg(sensorPayloadSize, "Payload Size", "B", "data_size", "measurement", ""),
		cfg(sensorEntities, "Entities Sent", "", "", "measurement", "mdi:counter"),
		cfg(sensorLastSuccess, "Last Successful Push", "", "timestamp", "", ""),
		cfg(sensorDuration, "Cycle Duration", "ms", "duration", "measurement", ""),
	}
}

// mqttReady reports whether status publishing is enabled and connected
func (p *Plugin) mqttReady() bool {
	deps := p.Deps()
	return p.isMQTTEnabled() && deps != nil && deps.MQTTClient != nil && deps.MQTTPublisher != nil &&
		deps.MQTTClient.IsConnected()
}

func (p *Plugin) publishAvailability(payload string) {
	deps := p.Deps()
	if !p.isMQTTEnabled() || deps == nil || deps.MQTTClient == nil || !deps.MQTTClient.IsConnected() {
		return
	}
	if err := deps.MQTTClient.PublishWithQoS(availabilityTopic, 1, true, []byte(payload)); err != nil {
		p.Logger().Warnf("Failed to publish availability: %v", err)
	}
}

// publishStatus publishes a finished cycle as Home Assistant sensors
func (p *Plugin) publishStatus(report *CycleReport) {
	if !p.mqttReady() {
		return
	}
	deps := p.Deps()

	if deps.MQTTDiscovery != nil && deps.MQTTDiscovery.ShouldRepublishDiscovery(len(statusSensorIDs)) {
		deps.MQTTDiscovery.PublishMultipleDiscoveryConfigs(statusSensorConfigs(deps.MQTTPublisher))
	}

	p.mu.RLock()
	lastSuccess := p.lastSuccess
	p.mu.RUnlock()

	sensors := []*mqtt.SensorData{
		{
			ID:    sensorOutcome,
			Value: string(report.Outcome),
			Attributes: map[string]any{
				"cycle_id":    report.ID,
				"trigger":     report.Trigger,
				"status_code": report.StatusCode,
				"dropped":     report.Dropped,
				"skipped":     report.Skipped,
				"error":       report.Error,
			},
		},
		{ID: sensorPayloadSize, Value: report.Size},
		{ID: sensorEntities, Value: report.Entities},
		{ID: sensorDuration, Value: report.Duration.Milliseconds()},
	}
	if !lastSuccess.IsZero() {
		sensors = append(sensors, &mqtt.SensorData{ID: sensorLastSuccess, Value: lastSuccess.UTC().Format(time.RFC3339)})
	}

	if err := deps.MQTTPublisher.PublishMultipleSensors(sensors); err != nil {
		p.Logger().Warnf("Failed to publish cycle status: %v", err)
	}
	deps.MQTTPublisher.PublishAggregated("status/state", report)
}
