package api

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"trmnlpush/internal/auth"
	"trmnlpush/internal/events"
	"trmnlpush/internal/plugins"
	"trmnlpush/internal/storage"
)

// PluginHandler exposes the plugin registry
type PluginHandler struct {
	registry   *plugins.Registry
	eventStore *events.Store
	logger     *log.Logger
}

func NewPluginHandler(registry *plugins.Registry, eventStore *events.Store, logger *log.Logger) *PluginHandler {
	return &PluginHandler{registry: registry, eventStore: eventStore, logger: logger}
}

// List handles GET /api/plugins
func (h *PluginHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plugins": h.registry.ListInfo()})
}

// Get handles GET /api/plugins/{name}
func (h *PluginHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.registry.GetInfo(chi.URLParam(r, "name"))
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Enable handles POST /api/plugins/{name}/enable
func (h *PluginHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, true)
}

// Disable handles POST /api/plugins/{name}/disable
func (h *PluginHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, false)
}

func (h *PluginHandler) toggle(w http.ResponseWriter, r *http.Request, enable bool) {
	name := chi.URLParam(r, "name")

	var err error
	eventType := events.EventPluginDisabled
	if enable {
		err = h.registry.EnablePlugin(r.Context(), name)
		eventType = events.EventPluginEnabled
	} else {
		err = h.registry.DisablePlugin(r.Context(), name)
	}
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}

	username := ""
	if user := auth.GetUserFromContext(r.Context()); user != nil {
		username = user.Username
	}
	if h.eventStore != nil {
		h.eventStore.Add(eventType, username, auth.ClientIP(r), true, name)
	}
	h.logger.Infof("Plugin %s %s by %s", name, eventType, username)

	info, err := h.registry.GetInfo(name)
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *PluginHandler) writeRegistryError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrPluginNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Plugin not found"})
		return
	}
	h.logger.Errorf("Plugin registry: %v", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
