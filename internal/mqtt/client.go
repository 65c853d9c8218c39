// Package mqtt publishes push status to an MQTT broker with Home Assistant
// discovery and feeds statestream subscriptions.
package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	paho "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned by publishes while the client is disconnected
var ErrNotConnected = errors.New("MQTT client is not connected")

const tokenTimeout = 10 * time.Second

// Config holds broker settings. Prefix is prepended to all non-raw topics.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
	UseTLS   bool
}

// MessageHandler receives messages for a subscription
type MessageHandler = func(topic string, payload []byte)

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client is a paho client that remembers its subscriptions across
// reconnects. Connect and Disconnect toggle whether publishing is allowed.
type Client struct {
	paho   paho.Client
	config Config
	logger *log.Logger

	mu     sync.RWMutex
	active bool

	subsMu sync.RWMutex
	subs   map[string]subscription
}

// New creates a client. It does not connect.
func New(cfg Config, logger *log.Logger) (*Client, error) {
	if cfg.Broker == "" {
		return nil, errors.New("MQTT broker address is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("trmnlpush-%d", time.Now().Unix())
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}

	c := &Client{
		config: cfg,
		logger: logger.WithPrefix("mqtt"),
		subs:   make(map[string]subscription),
	}
	c.paho = paho.NewClient(c.clientOptions())
	return c, nil
}

func (c *Client) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(c.config.Broker).
		SetClientID(c.config.ClientID).
		SetUsername(c.config.Username).
		SetPassword(c.config.Password).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(10 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true)

	if c.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.logger.Warnf("Connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		c.logger.Debug("Reconnecting")
	})
	// clean sessions forget subscriptions
	opts.SetOnConnectHandler(func(pc paho.Client) {
		c.logger.Infof("Connected to broker: %s", c.config.Broker)
		c.resubscribe(pc)
	})
	return opts
}

func wait(t paho.Token, what string) error {
	if !t.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("%s: timed out after %v", what, tokenTimeout)
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

// Connect dials the broker. Calling it while connected is a no-op.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return nil
	}

	c.logger.Infof("Connecting to broker: %s", c.config.Broker)
	if err := wait(c.paho.Connect(), "failed to connect to MQTT broker"); err != nil {
		return err
	}
	c.active = true
	return nil
}

// Disconnect closes the connection, waiting up to 250ms for in-flight work
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	c.paho.Disconnect(250)
	c.active = false
	c.logger.Info("Disconnected from broker")
}

// IsConnected reports whether Connect succeeded and the link is up
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active && c.paho.IsConnected()
}

// GetConfig returns the client configuration
func (c *Client) GetConfig() Config {
	return c.config
}

// Topic prepends the configured prefix
func (c *Client) Topic(rel string) string {
	if c.config.Prefix == "" {
		return rel
	}
	return c.config.Prefix + "/" + rel
}

// Publish sends payload to the prefixed topic with QoS 0, not retained
func (c *Client) Publish(topic string, payload any) error {
	return c.publish(c.Topic(topic), 0, false, payload)
}

// PublishWithQoS sends payload to the prefixed topic
func (c *Client) PublishWithQoS(topic string, qos byte, retained bool, payload any) error {
	return c.publish(c.Topic(topic), qos, retained, payload)
}

// PublishRaw sends payload to topic as given with QoS 1. Discovery topics use it.
func (c *Client) PublishRaw(topic string, payload any, retained bool) error {
	return c.publish(topic, 1, retained, payload)
}

func (c *Client) publish(topic string, qos byte, retained bool, payload any) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.active {
		return ErrNotConnected
	}

	if err := wait(c.paho.Publish(topic, qos, retained, payload), "failed to publish to "+topic); err != nil {
		return err
	}
	c.logger.Debugf("Published to %s (QoS %d, retained %v)", topic, qos, retained)
	return nil
}

// Subscribe registers handler for a raw topic filter. Before Connect the
// subscription is only remembered; it is made on every (re)connect.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	c.subsMu.Lock()
	c.subs[filter] = subscription{qos: qos, handler: handler}
	c.subsMu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	if err := wait(c.paho.Subscribe(filter, qos, deliver(handler)), "failed to subscribe to "+filter); err != nil {
		return err
	}
	c.logger.Infof("Subscribed to %s (QoS %d)", filter, qos)
	return nil
}

func (c *Client) resubscribe(pc paho.Client) {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()

	for filter, sub := range c.subs {
		if err := wait(pc.Subscribe(filter, sub.qos, deliver(sub.handler)), "resubscribe"); err != nil {
			c.logger.Errorf("Failed to resubscribe to %s: %v", filter, err)
			continue
		}
		c.logger.Debugf("Resubscribed to %s", filter)
	}
}

func deliver(handler MessageHandler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	}
}
