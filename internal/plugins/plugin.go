// Package plugins hosts the integrations behind the API: each plugin gets
// shared dependencies, contributes HTTP routes and may run a schedule.
package plugins

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"trmnlpush/internal/config"
	"trmnlpush/internal/events"
	"trmnlpush/internal/mqtt"
	"trmnlpush/internal/state"
	"trmnlpush/internal/storage"
	"trmnlpush/internal/webhook"
)

// Plugin lifecycle: Init, Start, then Stop on shutdown or when disabled.
// Init may be called again after Stop.
type Plugin interface {
	Name() string
	Description() string
	Version() string

	Init(ctx context.Context, deps *PluginDependencies) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Routes may be nil
	Routes() []Route

	// IsEnabled is the default used before storage is available
	IsEnabled() bool
}

// BackgroundTaskRunner is implemented by plugins with scheduled work.
// Tasks stop when ctx is cancelled or the plugin is stopped.
type BackgroundTaskRunner interface {
	StartBackgroundTasks(ctx context.Context) error
}

// StatusReporter lets a running plugin report something more specific than
// "running", e.g. "unavailable" while unconfigured
type StatusReporter interface {
	Status() string
}

// PluginDependencies are shared by all plugins. The MQTT services are nil
// unless a broker is configured.
type PluginDependencies struct {
	Config     *config.Config
	EventStore *events.Store
	Logger     *log.Logger
	Storage    storage.Storage
	States     state.Store
	Webhook    *webhook.Client

	MQTTClient    *mqtt.Client
	MQTTPublisher *mqtt.Publisher
	MQTTDiscovery *mqtt.DiscoveryManager
}

// Route is an HTTP endpoint contributed by a plugin.
// Paths live below /api/plugins/<plugin name>/.
type Route struct {
	Method      string
	Path        string
	Handler     http.HandlerFunc
	RequireAuth bool
}

// PluginInfo is the API view of a registered plugin
type PluginInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Enabled     bool   `json:"enabled"`
	Status      string `json:"status"`
}

// BasePlugin carries the identity, dependencies and logger of a plugin
type BasePlugin struct {
	name        string
	description string
	version     string
	deps        *PluginDependencies
	logger      *log.Logger
}

func NewBasePlugin(name, description, version string) *BasePlugin {
	return &BasePlugin{name: name, description: description, version: version}
}

func (p *BasePlugin) Name() string        { return p.name }
func (p *BasePlugin) Description() string { return p.description }
func (p *BasePlugin) Version() string     { return p.version }

// SetDependencies stores deps and derives a logger prefixed with the plugin name
func (p *BasePlugin) SetDependencies(deps *PluginDependencies) {
	p.deps = deps
	if deps.Logger != nil {
		p.logger = deps.Logger.WithPrefix(p.name)
	}
}

func (p *BasePlugin) Deps() *PluginDependencies {
	return p.deps
}

var discardLogger = log.New(io.Discard)

// Logger discards everything until dependencies are set
func (p *BasePlugin) Logger() *log.Logger {
	if p.logger == nil {
		return discardLogger
	}
	return p.logger
}

// WriteJSON writes data with the given status
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Errorf("Failed to encode JSON response: %v", err)
	}
}

// WriteError writes {"error": msg}
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// RunPeriodic calls task once right away and then every interval until ctx
// is done. Task errors are logged and do not stop the loop. logger may be nil.
func RunPeriodic(ctx context.Context, interval time.Duration, logger *log.Logger, task func(context.Context) error) {
	run := func() {
		if err := task(ctx); err != nil && logger != nil {
			logger.Errorf("Background task error: %v", err)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run()
	for {
		select {
		case <-ctx.Done():
			if logger != nil {
				logger.Debug("Background task stopped")
			}
			return
		case <-ticker.C:
			run()
		}
	}
}
