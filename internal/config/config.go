// Package config loads process settings from a .env file with environment overrides
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Environment variable names
const (
	EnvAddr           = "TRMNLPUSH_ADDR"
	EnvJWTSecret      = "TRMNLPUSH_JWT_SECRET"
	EnvJWTExpiration  = "TRMNLPUSH_JWT_EXPIRATION"
	EnvNoAuth         = "TRMNLPUSH_NO_AUTH"
	EnvAdminUser      = "TRMNLPUSH_ADMIN_USER"
	EnvDBPath         = "TRMNLPUSH_DB_PATH"
	EnvLogLevel       = "TRMNLPUSH_LOG_LEVEL"
	EnvMDNS           = "TRMNLPUSH_MDNS"
	EnvWebhookTimeout = "TRMNLPUSH_WEBHOOK_TIMEOUT"
	// State source settings
	EnvStateSource      = "TRMNLPUSH_STATE_SOURCE"
	EnvHassURL          = "TRMNLPUSH_HASS_URL"
	EnvHassToken        = "TRMNLPUSH_HASS_TOKEN"
	EnvHassPoll         = "TRMNLPUSH_HASS_POLL"
	EnvStatestreamTopic = "TRMNLPUSH_STATESTREAM_TOPIC"
	// MQTT settings
	EnvMQTTBroker   = "TRMNLPUSH_MQTT_BROKER"
	EnvMQTTClientID = "TRMNLPUSH_MQTT_CLIENT_ID"
	EnvMQTTUsername = "TRMNLPUSH_MQTT_USERNAME"
	EnvMQTTPassword = "TRMNLPUSH_MQTT_PASSWORD"
	EnvMQTTPrefix   = "TRMNLPUSH_MQTT_PREFIX"
	EnvMQTTUseTLS   = "TRMNLPUSH_MQTT_USE_TLS"
)

// State sources
const (
	SourceMQTT  = "mqtt"
	SourceREST  = "rest"
	SourceHwmon = "hwmon"
)

// Default values
const (
	DefaultAddr             = ":8080"
	DefaultJWTExpiration    = 24 * time.Hour
	DefaultAdminUser        = "admin"
	DefaultDBPath           = "trmnlpush.db"
	DefaultLogLevel         = "info"
	DefaultMDNS             = true
	DefaultWebhookTimeout   = 30 * time.Second
	DefaultStateSource      = SourceMQTT
	DefaultHassPoll         = 30 * time.Second
	DefaultStatestreamTopic = "homeassistant/statestream"
	DefaultMQTTPrefix       = "trmnlpush"
)

// Config is the .env configuration. Fields are guarded by mu and only read
// through getters, since Watch may reload them at any time.
type Config struct {
	mu       sync.RWMutex
	filePath string
	v        *viper.Viper
	onChange []func(*Config)

	settings
}

// settings is the part of Config read from the file
type settings struct {
	// Server settings
	addr     string
	dbPath   string
	logLevel string
	mdns     bool

	// Security settings
	jwtSecret     string
	jwtExpiration time.Duration
	noAuth        bool
	adminUser     string

	// Integration settings
	webhookTimeout   time.Duration
	stateSource      string
	hassURL          string
	hassToken        string
	hassPoll         time.Duration
	statestreamTopic string

	// MQTT settings
	mqttBroker   string
	mqttClientID string
	mqttUsername string
	mqttPassword string
	mqttPrefix   string
	mqttUseTLS   bool
}

// Load reads the .env file at filePath, creating it with defaults and a
// generated JWT secret when it does not exist. Environment variables override
// file values.
func Load(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filePath)
	v.SetConfigType("env")
	v.AutomaticEnv()

	cfg := &Config{
		filePath: filePath,
		v:        v,
	}
	cfg.setDefaults()

	dirty := false
	if _, err := os.Stat(filePath); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		dirty = true
	} else if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.applyValues()

	if cfg.jwtSecret == "" {
		secret, err := generateSecureSecret(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		cfg.jwtSecret = secret
		dirty = true
	}

	// Written before validation so a first run leaves a file to edit
	if dirty {
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	c.addr = DefaultAddr
	c.dbPath = DefaultDBPath
	c.logLevel = DefaultLogLevel
	c.mdns = DefaultMDNS
	c.jwtSecret = ""
	c.jwtExpiration = DefaultJWTExpiration
	c.noAuth = false
	c.adminUser = DefaultAdminUser
	c.webhookTimeout = DefaultWebhookTimeout
	c.stateSource = DefaultStateSource
	c.hassURL = ""
	c.hassToken = ""
	c.hassPoll = DefaultHassPoll
	c.statestreamTopic = DefaultStatestreamTopic
	c.mqttBroker = ""
	c.mqttClientID = ""
	c.mqttUsername = ""
	c.mqttPassword = ""
	c.mqttPrefix = DefaultMQTTPrefix
	c.mqttUseTLS = false
}

// lookup returns a value from the environment or the file
func (c *Config) lookup(key string) (string, bool) {
	if !c.v.IsSet(key) {
		return "", false
	}
	return strings.TrimSpace(c.v.GetString(key)), true
}

// applyValues copies viper values over the defaults
func (c *Config) applyValues() {
	str := func(key string, dst *string, allowEmpty bool) {
		if v, ok := c.lookup(key); ok && (allowEmpty || v != "") {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := c.lookup(key); ok {
			*dst = parseBool(v)
		}
	}
	seconds := func(key string, dst *time.Duration) {
		if v, ok := c.lookup(key); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = time.Duration(n) * time.Second
			}
		}
	}

	str(EnvAddr, &c.addr, false)
	str(EnvDBPath, &c.dbPath, false)
	str(EnvLogLevel, &c.logLevel, false)
	boolean(EnvMDNS, &c.mdns)

	str(EnvJWTSecret, &c.jwtSecret, false)
	seconds(EnvJWTExpiration, &c.jwtExpiration)
	boolean(EnvNoAuth, &c.noAuth)
	str(EnvAdminUser, &c.adminUser, false)

	seconds(EnvWebhookTimeout, &c.webhookTimeout)
	str(EnvStateSource, &c.stateSource, false)
	c.stateSource = strings.ToLower(c.stateSource)
	str(EnvHassURL, &c.hassURL, true)
	str(EnvHassToken, &c.hassToken, true)
	seconds(EnvHassPoll, &c.hassPoll)
	str(EnvStatestreamTopic, &c.statestreamTopic, false)

	str(EnvMQTTBroker, &c.mqttBroker, true)
	str(EnvMQTTClientID, &c.mqttClientID, true)
	str(EnvMQTTUsername, &c.mqttUsername, true)
	str(EnvMQTTPassword, &c.mqttPassword, true)
	str(EnvMQTTPrefix, &c.mqttPrefix, true)
	boolean(EnvMQTTUseTLS, &c.mqttUseTLS)
}

func (c *Config) validate() error {
	if c.addr == "" {
		return errors.New("server address cannot be empty")
	}

	_, port, err := net.SplitHostPort(c.addr)
	if err != nil {
		return fmt.Errorf("invalid server address format: %s", c.addr)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 1 || portNum > 65535 {
		return fmt.Errorf("invalid port number: %s", port)
	}

	if c.jwtExpiration < time.Minute {
		return errors.New("JWT expiration must be at least 1 minute")
	}
	if c.jwtExpiration > 365*24*time.Hour {
		return errors.New("JWT expiration cannot exceed 1 year")
	}

	if _, err := log.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", c.logLevel)
	}

	if c.webhookTimeout > 5*time.Minute {
		return errors.New("webhook timeout cannot exceed 5 minutes")
	}

	switch c.stateSource {
	case SourceMQTT:
		if c.mqttBroker == "" {
			return fmt.Errorf("%s is required when the state source is mqtt", EnvMQTTBroker)
		}
	case SourceREST:
		if !strings.HasPrefix(c.hassURL, "http://") && !strings.HasPrefix(c.hassURL, "https://") {
			return fmt.Errorf("%s must be an http(s) URL when the state source is rest", EnvHassURL)
		}
	case SourceHwmon:
	default:
		return fmt.Errorf("unknown state source %q (want mqtt, rest or hwmon)", c.stateSource)
	}

	if c.hassPoll < 5*time.Second {
		return errors.New("Home Assistant poll interval must be at least 5 seconds")
	}

	return nil
}

// Save writes current configuration to the .env file.
func (c *Config) Save() error {
	c.mu.RLock()
	values := c.toMap()
	filePath := c.filePath
	c.mu.RUnlock()

	w := viper.New()
	w.SetConfigType("env")
	for k, v := range values {
		w.Set(k, v)
	}
	if err := w.WriteConfigAs(filePath); err != nil {
		return fmt.Errorf("failed to write %s: %w", filePath, err)
	}
	return os.Chmod(filePath, 0600)
}

func (c *Config) toMap() map[string]string {
	return map[string]string{
		EnvAddr:             c.addr,
		EnvDBPath:           c.dbPath,
		EnvLogLevel:         c.logLevel,
		EnvMDNS:             strconv.FormatBool(c.mdns),
		EnvJWTSecret:        c.jwtSecret,
		EnvJWTExpiration:    strconv.Itoa(int(c.jwtExpiration.Seconds())),
		EnvNoAuth:           strconv.FormatBool(c.noAuth),
		EnvAdminUser:        c.adminUser,
		EnvWebhookTimeout:   strconv.Itoa(int(c.webhookTimeout.Seconds())),
		EnvStateSource:      c.stateSource,
		EnvHassURL:          c.hassURL,
		EnvHassToken:        c.hassToken,
		EnvHassPoll:         strconv.Itoa(int(c.hassPoll.Seconds())),
		EnvStatestreamTopic: c.statestreamTopic,
		EnvMQTTBroker:       c.mqttBroker,
		EnvMQTTClientID:     c.mqttClientID,
		EnvMQTTUsername:     c.mqttUsername,
		EnvMQTTPassword:     c.mqttPassword,
		EnvMQTTPrefix:       c.mqttPrefix,
		EnvMQTTUseTLS:       strconv.FormatBool(c.mqttUseTLS),
	}
}

// Reload re-reads the file. On a validation error the previous values are kept.
func (c *Config) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.settings
	currentSecret := c.jwtSecret

	if err := c.v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	c.setDefaults()
	c.applyValues()
	if c.jwtSecret == "" {
		c.jwtSecret = currentSecret
	}

	if err := c.validate(); err != nil {
		c.settings = prev
		return err
	}
	return nil
}

// OnChange registers a callback run after the file changes and reloads successfully
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	c.onChange = append(c.onChange, fn)
	c.mu.Unlock()
}

// Watch starts watching the .env file for changes
func (c *Config) Watch(logger *log.Logger) {
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if err := c.Reload(); err != nil {
			if logger != nil {
				logger.Errorf("Config reload failed, keeping previous values: %v", err)
			}
			return
		}
		if logger != nil {
			logger.Infof("Config reloaded (%s)", e.Op)
		}

		c.mu.RLock()
		callbacks := append([]func(*Config){}, c.onChange...)
		c.mu.RUnlock()
		for _, fn := range callbacks {
			fn(c)
		}
	})
	c.v.WatchConfig()
}


// Addr returns the server address.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

// Port returns the numeric port of the server address.
func (c *Config) Port() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, port, _ := net.SplitHostPort(c.addr)
	n, _ := strconv.Atoi(port)
	return n
}

// DBPath returns the bbolt database path.
func (c *Config) DBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dbPath
}

// LogLevel returns the configured log level.
func (c *Config) LogLevel() log.Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	level, err := log.ParseLevel(c.logLevel)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

// MDNS returns whether the service is advertised over mDNS.
func (c *Config) MDNS() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mdns
}

// JWTSecret returns the JWT secret key.
func (c *Config) JWTSecret() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jwtSecret
}

func (c *Config) JWTExpiration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jwtExpiration
}

// NoAuth returns whether authentication is disabled.
func (c *Config) NoAuth() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.noAuth
}

// AdminUser returns the bootstrap admin username.
func (c *Config) AdminUser() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.adminUser
}

// WebhookTimeout returns the timeout of a single webhook POST.
func (c *Config) WebhookTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.webhookTimeout
}

// StateSource returns mqtt, rest or hwmon.
func (c *Config) StateSource() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stateSource
}

// HassURL returns the Home Assistant base URL.
func (c *Config) HassURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hassURL
}

// HassToken returns the Home Assistant long-lived access token.
func (c *Config) HassToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hassToken
}

// HassPoll returns the REST polling interval.
func (c *Config) HassPoll() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hassPoll
}

// StatestreamTopic returns the mqtt_statestream base topic.
func (c *Config) StatestreamTopic() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statestreamTopic
}

func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// MQTT Getters

func (c *Config) MQTTBroker() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttBroker
}

func (c *Config) MQTTClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttClientID
}

func (c *Config) MQTTUsername() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttUsername
}

func (c *Config) MQTTPassword() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttPassword
}

func (c *Config) MQTTPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttPrefix
}

func (c *Config) MQTTUseTLS() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttUseTLS
}


// SetLogLevel changes the log level and saves to file.
func (c *Config) SetLogLevel(level string) error {
	if _, err := log.ParseLevel(level); err != nil {
		return fmt.Errorf("invalid log level: %s", level)
	}

	c.mu.Lock()
	c.logLevel = strings.ToLower(level)
	c.mu.Unlock()

	return c.Save()
}

// Helper functions

// generateSecureSecret returns length random bytes, hex encoded
func generateSecureSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// parseBool accepts true, 1, yes and on (case-insensitive)
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// String hides secrets
func (c *Config) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	secretDisplay := "[not set]"
	if c.jwtSecret != "" {
		secretDisplay = "[set]"
	}

	return fmt.Sprintf(
		"Config{Addr: %q, JWTSecret: %s, JWTExpiration: %v, NoAuth: %v, StateSource: %q, MQTTBroker: %q, DBPath: %q}",
		c.addr, secretDisplay, c.jwtExpiration, c.noAuth, c.stateSource, c.mqttBroker, c.dbPath,
	)
}
