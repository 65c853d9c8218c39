package mqtt

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/charmbracelet/log"
)

// Publisher writes sensor states to sensor/<id>/state below the client prefix
type Publisher struct {
	sink   Sink
	logger *log.Logger
}

func NewPublisher(sink Sink, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Publisher{sink: sink, logger: logger.WithPrefix("mqtt")}
}

func (p *Publisher) StateTopic(id string) string {
	return "sensor/" + SanitizeSensorID(id) + "/state"
}

func (p *Publisher) AttributesTopic(id string) string {
	return "sensor/" + SanitizeSensorID(id) + "/attributes"
}

func encodeState(v any) ([]byte, error) {
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(v)
}

// PublishSensorState publishes the state and, when present, the attributes.
// Attribute failures are only logged.
func (p *Publisher) PublishSensorState(data *SensorData) error {
	if data == nil {
		return nil
	}

	state, err := encodeState(data.Value)
	if err != nil {
		return err
	}
	if err := p.sink.Publish(p.StateTopic(data.ID), state); err != nil {
		p.logger.Warnf("Failed to publish sensor %s: %v", data.ID, err)
		return err
	}

	if len(data.Attributes) == 0 {
		return nil
	}
	attrs, err := json.Marshal(data.Attributes)
	if err == nil {
		err = p.sink.Publish(p.AttributesTopic(data.ID), attrs)
	}
	if err != nil {
		p.logger.Warnf("Failed to publish attributes of %s: %v", data.ID, err)
	}
	return nil
}

// PublishMultipleSensors publishes every sensor and joins the errors
func (p *Publisher) PublishMultipleSensors(sensors []*SensorData) error {
	var errs []error
	for _, s := range sensors {
		errs = append(errs, p.PublishSensorState(s))
	}
	return errors.Join(errs...)
}

// PublishAggregated publishes data as one JSON document on topic
func (p *Publisher) PublishAggregated(topic string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return p.sink.Publish(topic, payload)
}

// SanitizeSensorID lowercases and replaces topic-unsafe characters with '_'
func SanitizeSensorID(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '.', '#', '+':
			return '_'
		}
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, name)
}
