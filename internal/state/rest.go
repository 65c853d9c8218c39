package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// haEntity is one element of the Home Assistant GET /api/states response
type haEntity struct {
	ID          string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed"`
	LastUpdated string         `json:"last_updated"`
}

// RESTSource polls the Home Assistant REST API and replaces the store snapshot
type RESTSource struct {
	BaseURL  string
	Token    string
	Interval time.Duration

	client *http.Client
	store  *MemoryStore
	logger *log.Logger
}

// NewRESTSource creates a polling source. A nil client uses a 10s timeout client.
func NewRESTSource(baseURL, token string, interval time.Duration, client *http.Client, store *MemoryStore, logger *log.Logger) *RESTSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger != nil {
		logger = logger.WithPrefix("hass")
	}
	return &RESTSource{
		BaseURL:  strings.TrimSuffix(baseURL, "/"),
		Token:    token,
		Interval: interval,
		client:   client,
		store:    store,
		logger:   logger,
	}
}

// Name implements Source.Name
func (s *RESTSource) Name() string {
	return "rest"
}

// Start loads the states once, then keeps polling in the background
func (s *RESTSource) Start(ctx context.Context) error {
	if s.BaseURL == "" {
		return fmt.Errorf("rest: Home Assistant URL is required")
	}
	if s.logger != nil {
		s.logger.Infof("Polling %s every %v", s.BaseURL, s.Interval)
	}
	startPolling(ctx, s.Interval, s.logger, s)
	return nil
}

// Refresh fetches all states once
func (s *RESTSource) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/api/states", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch states: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var entities []haEntity
	if err := json.NewDecoder(resp.Body).Decode(&entities); err != nil {
		return fmt.Errorf("failed to decode states: %w", err)
	}

	readings := make([]*Reading, 0, len(entities))
	for _, e := range entities {
		r := &Reading{
			EntityID:   e.ID,
			State:      e.State,
			Attributes: e.Attributes,
		}
		if t, err := time.Parse(time.RFC3339Nano, e.LastUpdated); err == nil {
			r.LastUpdated = t
		}
		readings = append(readings, r)
	}
	s.store.Replace(readings)

	if s.logger != nil {
		s.logger.Debugf("Loaded %d entity states", len(readings))
	}
	return nil
}
