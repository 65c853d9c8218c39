package trmnl

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"trmnlpush/internal/auth"
	"trmnlpush/internal/config"
	"trmnlpush/internal/events"
	"trmnlpush/internal/options"
	"trmnlpush/internal/payload"
	"trmnlpush/internal/plugins"
)

// OptionsResponse is returned by GET and POST /options
type OptionsResponse struct {
	Options *options.Options `json:"options"`
	Title   string           `json:"title,omitempty"`
	Status  string           `json:"status"`
	Reason  string           `json:"reason,omitempty"`
}

// PreviewResponse is an assembled document that was not sent
type PreviewResponse struct {
	Document *payload.Document `json:"document"`
	Size     int               `json:"size"`
	Limit    int               `json:"limit"`
	Included []string          `json:"included"`
	Skipped  []string          `json:"skipped,omitempty"`
	Dropped  []string          `json:"dropped,omitempty"`
}

// StatusResponse describes the schedule and the last cycle
type StatusResponse struct {
	Status          string       `json:"status"`
	Reason          string       `json:"reason,omitempty"`
	IntervalSeconds int          `json:"interval_seconds"`
	LastCycle       *CycleReport `json:"last_cycle,omitempty"`
	LastSuccess     *time.Time   `json:"last_success,omitempty"`
}

// MQTTStatus represents MQTT status
type MQTTStatus struct {
	Enabled     bool   `json:"enabled"`
	Connected   bool   `json:"connected"`
	Configured  bool   `json:"configured"`
	BrokerURL   string `json:"brokerUrl"`
	TopicPrefix string `json:"topicPrefix"`
}

// MQTTToggleRequest represents request to toggle MQTT
type MQTTToggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (p *Plugin) optionsResponse(opts *options.Options) OptionsResponse {
	resp := OptionsResponse{
		Options: opts,
		Status:  p.Status(),
		Reason:  p.UnavailableReason(),
	}
	if opts.PrimarySensor != "" {
		resp.Title = opts.Title(p.Deps().States)
	}
	return resp
}

// handleGetOptions returns the stored options
func (p *Plugin) handleGetOptions(w http.ResponseWriter, r *http.Request) {
	opts, err := options.Load(p.Deps().Storage, p.Name())
	if err != nil {
		p.Logger().Errorf("Failed to load options: %v", err)
		plugins.WriteError(w, http.StatusInternalServerError, "Failed to load options")
		return
	}
	plugins.WriteJSON(w, http.StatusOK, p.optionsResponse(opts))
}

// handleUpdateOptions cleans, validates and saves options, then restarts the schedule
func (p *Plugin) handleUpdateOptions(w http.ResponseWriter, r *http.Request) {
	opts := options.Default()
	if err := json.NewDecoder(r.Body).Decode(opts); err != nil {
		plugins.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	opts.Clean()
	if err := opts.Validate(p.Deps().States); err != nil {
		var fieldErr *options.FieldError
		if errors.As(err, &fieldErr) {
			plugins.WriteJSON(w, http.StatusBadRequest, map[string]string{
				"error": fieldErr.Err.Error(),
				"field": fieldErr.Field,
			})
			return
		}
		plugins.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := opts.Save(p.Deps().Storage, p.Name()); err != nil {
		p.Logger().Errorf("Failed to save options: %v", err)
		plugins.WriteError(w, http.StatusInternalServerError, "Failed to save options")
		return
	}

	title := opts.Title(p.Deps().States)
	if store := p.Deps().EventStore; store != nil {
		store.Add(events.EventOptionsUpdated, username(r), auth.ClientIP(r), true, title)
	}

	if err := p.RestartBackgroundTasks(); err != nil {
		p.Logger().Errorf("Failed to restart push schedule: %v", err)
		plugins.WriteError(w, http.StatusInternalServerError, "Failed to restart push schedule")
		return
	}

	p.Logger().Infof("Options updated: %s, every %ds", title, opts.UpdateInterval)
	plugins.WriteJSON(w, http.StatusOK, p.optionsResponse(opts))
}

// handleListSensors returns entities selectable in the options form
func (p *Plugin) handleListSensors(w http.ResponseWriter, r *http.Request) {
	plugins.WriteJSON(w, http.StatusOK, ListCandidates(p.Deps().States))
}

// handlePreview assembles the document from the stored options without sending it
func (p *Plugin) handlePreview(w http.ResponseWriter, r *http.Request) {
	opts, err := options.Load(p.Deps().Storage, p.Name())
	if err != nil {
		plugins.WriteError(w, http.StatusInternalServerError, "Failed to load options")
		return
	}
	if opts.PrimarySensor == "" {
		plugins.WriteError(w, http.StatusUnprocessableEntity, options.ErrMissingPrimary.Error())
		return
	}

	result, err := p.assemble(opts)
	if err != nil {
		plugins.WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	plugins.WriteJSON(w, http.StatusOK, PreviewResponse{
		Document: result.Document,
		Size:     result.Size,
		Limit:    payload.MaxPayloadSize,
		Included: result.Included,
		Skipped:  result.Skipped,
		Dropped:  result.Dropped,
	})
}

// handlePush runs a cycle now and reports its outcome
func (p *Plugin) handlePush(w http.ResponseWriter, r *http.Request) {
	if store := p.Deps().EventStore; store != nil {
		store.Add(events.EventPushTriggered, username(r), auth.ClientIP(r), true, "")
	}

	report := p.RunCycle(r.Context(), TriggerManual)

	status := http.StatusOK
	switch report.Outcome {
	case OutcomeBusy:
		status = http.StatusConflict
	case OutcomeSkipped:
		status = http.StatusUnprocessableEntity
	case OutcomeFailed:
		status = http.StatusBadGateway
	}

	plugins.WriteJSON(w, status, map[string]any{
		"message": report.describe(),
		"cycle":   report,
	})
}

// handleStatus returns the schedule state and the last cycle
func (p *Plugin) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:          p.Status(),
		Reason:          p.UnavailableReason(),
		IntervalSeconds: int(p.Interval().Seconds()),
		LastCycle:       p.LastReport(),
	}

	p.mu.RLock()
	if !p.lastSuccess.IsZero() {
		t := p.lastSuccess
		resp.LastSuccess = &t
	}
	p.mu.RUnlock()

	plugins.WriteJSON(w, http.StatusOK, resp)
}

// handleGetMQTTStatus returns MQTT connection status
func (p *Plugin) handleGetMQTTStatus(w http.ResponseWriter, r *http.Request) {
	mqttClient := p.Deps().MQTTClient

	status := MQTTStatus{
		Enabled:    p.isMQTTEnabled(),
		Connected:  mqttClient != nil && mqttClient.IsConnected(),
		Configured: mqttClient != nil,
	}

	if mqttClient != nil {
		cfg := mqttClient.GetConfig()
		status.BrokerURL = cfg.Broker
		status.TopicPrefix = cfg.Prefix
	}

	plugins.WriteJSON(w, http.StatusOK, status)
}

// handleToggleMQTT enables or disables status publishing
func (p *Plugin) handleToggleMQTT(w http.ResponseWriter, r *http.Request) {
	var req MQTTToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		plugins.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	deps := p.Deps()
	mqttClient := deps.MQTTClient
	if mqttClient == nil {
		plugins.WriteError(w, http.StatusBadRequest, "MQTT is not configured. Please set TRMNLPUSH_MQTT_BROKER in the .env file")
		return
	}

	if deps.Storage != nil {
		if err := deps.Storage.SetBool(p.Name(), settingMQTTEnabled, req.Enabled); err != nil {
			p.Logger().Errorf("Failed to save MQTT enabled state: %v", err)
			plugins.WriteError(w, http.StatusInternalServerError, "Failed to save settings")
			return
		}
	}

	if req.Enabled {
		p.mu.Lock()
		p.mqttEnabled = true
		p.mu.Unlock()

		if !mqttClient.IsConnected() {
			if err := mqttClient.Connect(); err != nil {
				p.Logger().Errorf("Failed to connect to MQTT broker: %v", err)
				plugins.WriteError(w, http.StatusInternalServerError, "Failed to connect to MQTT broker")
				return
			}
		}
		p.publishAvailability("online")
		if last := p.LastReport(); last != nil {
			p.publishStatus(last)
		}
		p.Logger().Info("MQTT status publishing enabled")
	} else {
		p.publishAvailability("offline")
		if deps.MQTTDiscovery != nil && mqttClient.IsConnected() {
			deps.MQTTDiscovery.RemoveDiscoveryConfigs(statusSensorIDs)
		}

		p.mu.Lock()
		p.mqttEnabled = false
		p.mu.Unlock()

		// The statestream source shares the connection
		if deps.Config == nil || deps.Config.StateSource() != config.SourceMQTT {
			mqttClient.Disconnect()
		}
		p.Logger().Info("MQTT status publishing disabled")
	}

	status := "disabled"
	if req.Enabled {
		status = "enabled"
	}
	plugins.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "MQTT " + status + " successfully",
		"enabled": req.Enabled,
	})
}

func username(r *http.Request) string {
	if user := auth.GetUserFromContext(r.Context()); user != nil {
		return user.Username
	}
	return ""
}
