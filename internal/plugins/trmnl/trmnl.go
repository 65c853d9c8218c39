// Package trmnl pushes selected sensor readings to a TRMNL webhook on a schedule
package trmnl

import (
	"context"
	"sync"
	"time"

	"trmnlpush/internal/options"
	"trmnlpush/internal/plugins"
	"trmnlpush/internal/storage"
)

// PluginName is the registry name and the storage bucket of the options
const PluginName = "trmnl"

const (
	settingMQTTEnabled = "mqttEnabled"

	// bounds how long the first cycle waits for the primary reading to arrive
	defaultStartupWait = 10 * time.Second
	readinessPoll      = 100 * time.Millisecond

	availabilityTopic = "status/availability"
)

// Plugin status values reported through the registry
const (
	StatusRunning     = "running"
	StatusUnavailable = "unavailable"
)

// Plugin runs push cycles on the configured interval
type Plugin struct {
	*plugins.BasePlugin

	mu          sync.RWMutex
	mqttEnabled bool
	interval    time.Duration
	unavailable string // reason the schedule is not running
	lastReport  *CycleReport
	lastSuccess time.Time

	// held for the duration of a cycle; TryLock gives skip-if-busy
	cycleMu     sync.Mutex
	now         func() time.Time
	startupWait time.Duration

	backgroundCtx    context.Context
	backgroundCancel context.CancelFunc
	parentCtx        context.Context
	bgMutex          sync.Mutex
}

// New creates a new Plugin instance
func New() *Plugin {
	return &Plugin{
		BasePlugin: plugins.NewBasePlugin(
			PluginName,
			"Push sensor readings to a TRMNL webhook",
			"1.0.0",
		),
		interval:    time.Duration(options.DefaultInterval) * time.Second,
		unavailable: "not started",
		now:         time.Now,
		startupWait: defaultStartupWait,
	}
}

// Init initializes the plugin
func (p *Plugin) Init(ctx context.Context, deps *plugins.PluginDependencies) error {
	p.SetDependencies(deps)
	p.loadSettings(deps.Storage)

	if p.isMQTTEnabled() && deps.MQTTClient != nil {
		if err := deps.MQTTClient.Connect(); err != nil {
			p.Logger().Warnf("Failed to connect to MQTT: %v", err)
		} else {
			p.publishAvailability("online")
		}
	}

	p.Logger().Info("Plugin initialized")
	return nil
}

// Start starts the plugin. Cycles begin with StartBackgroundTasks.
func (p *Plugin) Start(ctx context.Context) error {
	p.Logger().Info("Plugin started")
	return nil
}

// Stop cancels the schedule and marks the status sensors offline
func (p *Plugin) Stop(ctx context.Context) error {
	p.bgMutex.Lock()
	if p.backgroundCancel != nil {
		p.backgroundCancel()
		p.backgroundCancel = nil
	}
	p.bgMutex.Unlock()

	p.setUnavailable("stopped")
	p.publishAvailability("offline")

	p.Logger().Info("Plugin stopped")
	return nil
}

// Routes returns the plugin's HTTP routes
func (p *Plugin) Routes() []plugins.Route {
	base := "/api/plugins/" + PluginName
	return []plugins.Route{
		{Method: "GET", Path: base + "/options", Handler: p.handleGetOptions, RequireAuth: true},
		{Method: "POST", Path: base + "/options", Handler: p.handleUpdateOptions, RequireAuth: true},
		{Method: "GET", Path: base + "/sensors", Handler: p.handleListSensors, RequireAuth: true},
		{Method: "GET", Path: base + "/preview", Handler: p.handlePreview, RequireAuth: true},
		{Method: "POST", Path: base + "/push", Handler: p.handlePush, RequireAuth: true},
		{Method: "GET", Path: base + "/status", Handler: p.handleStatus, RequireAuth: true},
		{Method: "GET", Path: base + "/mqtt", Handler: p.handleGetMQTTStatus, RequireAuth: true},
		{Method: "POST", Path: base + "/mqtt", Handler: p.handleToggleMQTT, RequireAuth: true},
	}
}

// IsEnabled checks if the plugin is enabled
func (p *Plugin) IsEnabled() bool {
	if p.Deps() == nil || p.Deps().Storage == nil {
		return false
	}
	enabled, err := p.Deps().Storage.IsPluginEnabled(p.Name())
	if err != nil {
		return false
	}
	return enabled
}

// Status reports "unavailable" while options are missing or invalid
func (p *Plugin) Status() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.unavailable != "" {
		return StatusUnavailable
	}
	return StatusRunning
}

// UnavailableReason explains a StatusUnavailable status
func (p *Plugin) UnavailableReason() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.unavailable
}

func (p *Plugin) setUnavailable(reason string) {
	p.mu.Lock()
	p.unavailable = reason
	p.mu.Unlock()
}

// StartBackgroundTasks starts the push schedule: one cycle now, then one per interval
func (p *Plugin) StartBackgroundTasks(ctx context.Context) error {
	p.bgMutex.Lock()
	p.parentCtx = ctx
	p.bgMutex.Unlock()

	p.schedule()
	return nil
}

// RestartBackgroundTasks re-reads the options and restarts the schedule
func (p *Plugin) RestartBackgroundTasks() error {
	p.Logger().Debug("Restarting push schedule")
	p.schedule()
	return nil
}

// schedule cancels any running schedule and starts a new one when the stored
// options allow it
func (p *Plugin) schedule() {
	p.bgMutex.Lock()
	defer p.bgMutex.Unlock()

	if p.backgroundCancel != nil {
		p.backgroundCancel()
		p.backgroundCancel = nil
	}

	opts, err := options.Load(p.Deps().Storage, p.Name())
	if err == nil {
		err = opts.ValidateStatic()
	}
	if err != nil {
		p.setUnavailable(err.Error())
		p.Logger().Warnf("Push schedule not started: %v", err)
		return
	}

	interval := time.Duration(opts.UpdateInterval) * time.Second
	p.mu.Lock()
	p.interval = interval
	p.unavailable = ""
	p.mu.Unlock()

	parent := p.parentCtx
	if parent == nil {
		parent = context.Background()
	}
	p.backgroundCtx, p.backgroundCancel = context.WithCancel(parent)
	ctx := p.backgroundCtx

	p.Logger().Infof("Starting push schedule (interval: %v)", interval)

	go func() {
		p.awaitReading(ctx, opts.PrimarySensor)

		// a cycle of the previous schedule may still hold the lock
		p.cycleMu.Lock()
		p.cycleMu.Unlock()
		if ctx.Err() != nil {
			return
		}

		trigger := TriggerStartup
		plugins.RunPeriodic(ctx, interval, p.Logger(), func(ctx context.Context) error {
			// RunCycle logs its own outcome
			p.RunCycle(ctx, trigger)
			trigger = TriggerSchedule
			return nil
		})
	}()
}

// awaitReading blocks until the state store holds entityID, the startup wait
// elapses, or ctx is done. Sources fill the store asynchronously.
func (p *Plugin) awaitReading(ctx context.Context, entityID string) {
	states := p.Deps().States
	if states == nil || p.startupWait <= 0 {
		return
	}
	if _, ok := states.Get(entityID); ok {
		return
	}

	p.Logger().Debugf("Waiting up to %v for %s", p.startupWait, entityID)
	deadline := time.NewTimer(p.startupWait)
	defer deadline.Stop()
	ticker := time.NewTicker(readinessPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			p.Logger().Warnf("%s not available after %v, running first cycle anyway", entityID, p.startupWait)
			return
		case <-ticker.C:
			if _, ok := states.Get(entityID); ok {
				return
			}
		}
	}
}

// Interval returns the active schedule interval
func (p *Plugin) Interval() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.interval
}

// LastReport returns the most recent finished cycle, or nil
func (p *Plugin) LastReport() *CycleReport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastReport
}

func (p *Plugin) isMQTTEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mqttEnabled
}

// loadSettings loads plugin settings from storage
func (p *Plugin) loadSettings(store storage.Storage) {
	if store == nil {
		return
	}

	mqttEnabled, err := store.GetBool(p.Name(), settingMQTTEnabled)
	if err != nil {
		store.SetBool(p.Name(), settingMQTTEnabled, false)
		return
	}

	p.mu.Lock()
	p.mqttEnabled = mqttEnabled
	p.mu.Unlock()
	p.Logger().Debugf("Loaded MQTT enabled state: %v", mqttEnabled)
}
