package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"trmnlpush/internal/auth"
	"trmnlpush/internal/events"
)

const (
	streamBuffer     = 32
	streamPingPeriod = 30 * time.Second
	streamWriteWait  = 10 * time.Second
)

// EventsHandler handles event log endpoints
type EventsHandler struct {
	store        *events.Store
	wsTokenStore *auth.WSTokenStore
	logger       *log.Logger
	upgrader     websocket.Upgrader
}

// NewEventsHandler creates new events handler
func NewEventsHandler(store *events.Store, wsTokenStore *auth.WSTokenStore, logger *log.Logger) *EventsHandler {
	h := &EventsHandler{
		store:        store,
		wsTokenStore: wsTokenStore,
		logger:       logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts the upgrade only with a valid one-time ws_token,
// which rules out cross-site WebSocket hijacking with the auth cookie
func (h *EventsHandler) checkOrigin(r *http.Request) bool {
	token := r.URL.Query().Get("ws_token")
	if token == "" {
		h.logger.Warn("WebSocket rejected: missing ws_token")
		return false
	}

	username, ok := h.wsTokenStore.Validate(token)
	if !ok {
		h.logger.Warn("WebSocket rejected: invalid or expired ws_token")
		return false
	}

	h.logger.Debugf("Event stream authorized for user: %s", username)
	return true
}

type eventsResponse struct {
	Events []events.Event `json:"events"`
	LastID int64          `json:"lastId"`
}

func queryInt(r *http.Request, key string) (int64, bool) {
	v, err := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	return v, err == nil
}

// List handles GET /api/events?limit=50 or ?since=<id>. since wins over
// limit; limit must be within 1..100.
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	resp := eventsResponse{LastID: h.store.LastID()}

	if since, ok := queryInt(r, "since"); ok {
		resp.Events = h.store.GetSince(since)
	} else {
		limit := 50
		if l, ok := queryInt(r, "limit"); ok && l > 0 && l <= 100 {
			limit = int(l)
		}
		resp.Events = h.store.GetLast(limit)
	}
	if resp.Events == nil {
		resp.Events = []events.Event{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Stream pushes events to a WebSocket as they happen.
// GET /api/events/stream?ws_token=...&since=123 replays newer events first.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the replay so nothing falls in between
	ch, cancel := h.store.Subscribe(streamBuffer)
	defer cancel()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debugf("WebSocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	var lastSent int64
	if since, ok := queryInt(r, "since"); ok {
		backlog := h.store.GetSince(since)
		for i := len(backlog) - 1; i >= 0; i-- {
			if err := h.send(ws, backlog[i]); err != nil {
				return
			}
			lastSent = backlog[i].ID
		}
	}

	// The client never sends; reading detects the close frame
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.ID <= lastSent {
				continue
			}
			if err := h.send(ws, event); err != nil {
				h.logger.Debugf("Event stream closed: %v", err)
				return
			}
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *EventsHandler) send(ws *websocket.Conn, event events.Event) error {
	ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return ws.WriteJSON(event)
}
