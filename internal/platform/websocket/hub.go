// Package websocket streams appointment events to connected clients.
// Clients subscribe to topics and receive every event of their own tenant
// that matches one of them.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/events"
)

// TopicAll matches every event of the client's tenant.
const TopicAll = "*"

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	Tenant string
	Topics []string
	Send   chan []byte
	hub    *Hub
}

// Hub tracks clients and their topic subscriptions. It is an
// events.Publisher, so it can sit next to Kafka in an events.Fanout.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	h.addTopics(client, client.Topics)
}

// Unregister removes a client from the hub and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregister(client)
}

func (h *Hub) unregister(client *Client) {
	if _, ok := h.all[client]; !ok {
		return
	}
	h.removeTopics(client, client.Topics)
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) addTopics(client *Client, topics []string) {
	for _, topic := range topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
}

func (h *Hub) removeTopics(client *Client, topics []string) {
	for _, topic := range topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}
}

// Subscribe adds topics to an already-registered client.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	h.addTopics(client, topics)
	client.Topics = append(client.Topics, topics...)
}

// Unsubscribe removes topics from an already-registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeTopics(client, topics)

	removeSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		removeSet[t] = struct{}{}
	}
	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage dispatches an inbound ClientMessage.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// eventTopics lists every topic an event is delivered on.
func eventTopics(ev events.Event) []string {
	topics := []string{TopicAll, ev.Type, "appointment:" + ev.Key}
	return append(topics, ev.Subjects...)
}

// Publish delivers the event once to each client of the event's tenant that
// is subscribed to a matching topic. Slow clients with a full buffer miss
// the event rather than block the publisher.
func (h *Hub) Publish(_ context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	for _, topic := range eventTopics(ev) {
		for client := range h.clients[topic] {
			if _, dup := seen[client]; dup || client.Tenant != ev.TenantID {
				continue
			}
			seen[client] = struct{}{}
			select {
			case client.Send <- data:
			default:
				h.logger.Warn().Str("client_id", client.ID).Str("event_type", ev.Type).Msg("websocket client buffer full, dropping event")
			}
		}
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.all {
		h.unregister(client)
	}
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a specific topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// WebSocketHandler upgrades HTTP connections and attaches them to the hub.
type WebSocketHandler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewWebSocketHandler creates a handler that accepts upgrades from the given
// origins. Requests without an Origin header (non-browser clients) and the
// "*" origin are always accepted.
func NewWebSocketHandler(hub *Hub, allowedOrigins []string) *WebSocketHandler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &WebSocketHandler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				if _, ok := allowed["*"]; ok {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
// m runs before the upgrade, so it can still reject with a plain HTTP error.
func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group, m ...echo.MiddlewareFunc) {
	g.GET("/ws", wsh.HandleConnect, m...)
}

// parseTopics reads the comma-separated ?topics= parameter, defaulting to
// every event of the tenant.
func parseTopics(raw string) []string {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return []string{TopicAll}
	}
	return topics
}

// HandleConnect upgrades an HTTP connection to WebSocket, registers the
// client under the request's tenant and starts the read/write pumps.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	tenant, ok := db.TenantFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "missing tenant context")
	}
	topics := parseTopics(c.QueryParam("topics"))

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:     uuid.New().String(),
		Tenant: tenant.String(),
		Topics: topics,
		Send:   make(chan []byte, 256),
		hub:    wsh.hub,
	}
	wsh.hub.Register(client)
	wsh.hub.logger.Debug().Str("client_id", client.ID).Str("tenant", client.Tenant).Strs("topics", topics).Msg("websocket client connected")

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)

	return nil
}

func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			break
		}
	}
}
