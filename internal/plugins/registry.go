package plugins

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"trmnlpush/internal/storage"
)

// Registry owns the plugins and their lifecycle. Whether a plugin is enabled
// is persisted in storage; whether it is running is tracked here.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin // registration order
	byName  map[string]Plugin
	running map[string]bool
	deps    *PluginDependencies

	// parent context of background tasks, set by StartBackgroundTasksAll
	taskCtx context.Context
}

func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]Plugin),
		running: make(map[string]bool),
	}
}

func errUnknown(name string) error {
	return fmt.Errorf("%w: %s", storage.ErrPluginNotFound, name)
}

// SetDependencies sets the dependencies handed to plugins on Init
func (r *Registry) SetDependencies(deps *PluginDependencies) {
	r.mu.Lock()
	r.deps = deps
	r.mu.Unlock()
}

func (r *Registry) Deps() *PluginDependencies {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deps
}

// Register adds a plugin. Names must be unique and non-empty.
func (r *Registry) Register(p Plugin) error {
	if p == nil {
		return errors.New("plugin cannot be nil")
	}
	name := p.Name()
	if name == "" {
		return errors.New("plugin name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[name]; dup {
		return fmt.Errorf("plugin %s is already registered", name)
	}
	r.byName[name] = p
	r.plugins = append(r.plugins, p)
	return nil
}

func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// All returns every registered plugin in registration order
func (r *Registry) All() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Plugin(nil), r.plugins...)
}

// EnableByDefault enables the named plugins unless storage already has a
// record for them, so an explicit disable survives restarts
func (r *Registry) EnableByDefault(names ...string) error {
	deps := r.Deps()
	if deps == nil || deps.Storage == nil {
		return errors.New("storage is not configured")
	}

	for _, name := range names {
		if _, ok := r.Get(name); !ok {
			return errUnknown(name)
		}
		_, err := deps.Storage.GetPluginConfig(name)
		switch {
		case errors.Is(err, storage.ErrPluginNotFound):
			if err := deps.Storage.EnablePlugin(name); err != nil {
				return err
			}
		case err != nil:
			return err
		}
	}
	return nil
}

func (r *Registry) isEnabled(p Plugin) bool {
	deps := r.Deps()
	if deps == nil || deps.Storage == nil {
		return p.IsEnabled()
	}
	enabled, err := deps.Storage.IsPluginEnabled(p.Name())
	return err == nil && enabled
}

// Enabled returns the plugins enabled in storage
func (r *Registry) Enabled() []Plugin {
	var out []Plugin
	for _, p := range r.All() {
		if r.isEnabled(p) {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) IsRunning(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running[name]
}

func (r *Registry) setRunning(name string, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if running {
		r.running[name] = true
	} else {
		delete(r.running, name)
	}
}

// InitAll initializes the enabled plugins. If one fails, those already
// initialized are stopped in reverse order.
func (r *Registry) InitAll(ctx context.Context, deps *PluginDependencies) error {
	r.SetDependencies(deps)

	var done []Plugin
	for _, p := range r.Enabled() {
		if err := p.Init(ctx, deps); err != nil {
			for i := len(done) - 1; i >= 0; i-- {
				if stopErr := done[i].Stop(ctx); stopErr != nil && deps.Logger != nil {
					deps.Logger.Errorf("Error stopping plugin %s during rollback: %v", done[i].Name(), stopErr)
				}
			}
			return fmt.Errorf("failed to init plugin %s: %w", p.Name(), err)
		}
		done = append(done, p)
	}
	return nil
}

// StartAll starts the enabled plugins, stopping the started ones on failure
func (r *Registry) StartAll(ctx context.Context) error {
	var done []Plugin
	for _, p := range r.Enabled() {
		if err := p.Start(ctx); err != nil {
			for i := len(done) - 1; i >= 0; i-- {
				_ = done[i].Stop(ctx)
				r.setRunning(done[i].Name(), false)
			}
			return fmt.Errorf("failed to start plugin %s: %w", p.Name(), err)
		}
		done = append(done, p)
		r.setRunning(p.Name(), true)
	}
	return nil
}

// StartBackgroundTasksAll starts the tasks of running plugins. ctx also
// parents the tasks of plugins enabled later through EnablePlugin.
func (r *Registry) StartBackgroundTasksAll(ctx context.Context) error {
	r.mu.Lock()
	r.taskCtx = ctx
	r.mu.Unlock()

	for _, p := range r.All() {
		if err := r.startTasks(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) startTasks(ctx context.Context, p Plugin) error {
	runner, ok := p.(BackgroundTaskRunner)
	if !ok || !r.IsRunning(p.Name()) {
		return nil
	}
	if err := runner.StartBackgroundTasks(ctx); err != nil {
		return fmt.Errorf("failed to start background tasks for plugin %s: %w", p.Name(), err)
	}
	return nil
}

// StopAll stops running plugins in reverse registration order and returns
// the last error
func (r *Registry) StopAll(ctx context.Context) error {
	all := r.All()

	var lastErr error
	for i := len(all) - 1; i >= 0; i-- {
		if !r.IsRunning(all[i].Name()) {
			continue
		}
		if err := all[i].Stop(ctx); err != nil {
			lastErr = err
		}
		r.setRunning(all[i].Name(), false)
	}
	return lastErr
}

func (r *Registry) info(p Plugin) *PluginInfo {
	status := "stopped"
	if r.IsRunning(p.Name()) {
		status = "running"
		if reporter, ok := p.(StatusReporter); ok {
			status = reporter.Status()
		}
	}
	return &PluginInfo{
		Name:        p.Name(),
		Description: p.Description(),
		Version:     p.Version(),
		Enabled:     r.isEnabled(p),
		Status:      status,
	}
}

func (r *Registry) GetInfo(name string) (*PluginInfo, error) {
	p, ok := r.Get(name)
	if !ok {
		return nil, errUnknown(name)
	}
	return r.info(p), nil
}

func (r *Registry) ListInfo() []*PluginInfo {
	all := r.All()
	out := make([]*PluginInfo, 0, len(all))
	for _, p := range all {
		out = append(out, r.info(p))
	}
	return out
}

// EnablePlugin persists the flag, then initializes and starts the plugin
// with its background tasks. Enabling a running plugin is a no-op.
func (r *Registry) EnablePlugin(ctx context.Context, name string) error {
	p, ok := r.Get(name)
	if !ok {
		return errUnknown(name)
	}
	if r.IsRunning(name) {
		return nil
	}

	deps := r.Deps()
	if deps == nil {
		return errors.New("plugin dependencies are not set")
	}
	if deps.Storage != nil {
		if err := deps.Storage.EnablePlugin(name); err != nil {
			return fmt.Errorf("failed to enable plugin %s: %w", name, err)
		}
	}

	if err := p.Init(ctx, deps); err != nil {
		return fmt.Errorf("failed to init plugin %s: %w", name, err)
	}
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("failed to start plugin %s: %w", name, err)
	}
	r.setRunning(name, true)

	// ctx is usually request scoped
	r.mu.RLock()
	taskCtx := r.taskCtx
	r.mu.RUnlock()
	if taskCtx == nil {
		taskCtx = context.Background()
	}
	return r.startTasks(taskCtx, p)
}

// DisablePlugin stops the plugin if running and persists the flag
func (r *Registry) DisablePlugin(ctx context.Context, name string) error {
	p, ok := r.Get(name)
	if !ok {
		return errUnknown(name)
	}

	if r.IsRunning(name) {
		if err := p.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop plugin %s: %w", name, err)
		}
		r.setRunning(name, false)
	}

	if deps := r.Deps(); deps != nil && deps.Storage != nil {
		if err := deps.Storage.DisablePlugin(name); err != nil {
			return fmt.Errorf("failed to disable plugin %s: %w", name, err)
		}
	}
	return nil
}
