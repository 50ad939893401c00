// Package websocket pushes notifications to connected parties. Each party
// listens on its inbox topic ("recipient:<id>", "donor:<id>",
// "hospital:<id>"); coordinators may also follow the "matches" feed.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/organmatch/organmatch/internal/platform/auth"
)

// FeedTopic carries every match event for coordinators.
const FeedTopic = "matches"

// Message is one frame pushed to a client.
type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte

	// allow reports whether this client may follow a topic; nil allows all.
	allow func(topic string) bool
}

func (c *Client) allowed(topic string) bool {
	return c.allow == nil || c.allow(topic)
}

// Hub tracks clients and their topic subscriptions. All operations are
// thread-safe via sync.RWMutex.
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
	kept := client.Topics[:0]
	for _, topic := range client.Topics {
		if !client.allowed(topic) {
			continue
		}
		h.addLocked(client, topic)
		kept = append(kept, topic)
	}
	client.Topics = kept
}

func (h *Hub) addLocked(client *Client, topic string) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) removeLocked(client *Client, topic string) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(client, topic)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds the topics the client is allowed to follow and returns the
// ones that were refused.
func (h *Hub) Subscribe(client *Client, topics []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var refused []string
	for _, topic := range topics {
		if !client.allowed(topic) {
			refused = append(refused, topic)
			continue
		}
		h.addLocked(client, topic)
		client.Topics = append(client.Topics, topic)
	}
	return refused
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		removeSet[t] = struct{}{}
		h.removeLocked(client, t)
	}
	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage handles an inbound ClientMessage.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if refused := h.Subscribe(client, msg.Topics); len(refused) > 0 {
			h.logger.Warn().Str("client_id", client.ID).Strs("topics", refused).Msg("websocket subscription refused")
		}
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Push sends msg to every client on topic and returns how many accepted it.
// Clients with a full buffer are skipped.
func (h *Hub) Push(topic string, msg Message) int {
	msg.Topic = topic
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("websocket: failed to marshal message")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
			sent++
		default:
		}
	}
	return sent
}

// Deliver pushes a raw JSON payload to an inbox topic. It reports delivered
// when at least one listener took the message.
func (h *Hub) Deliver(_ context.Context, topic string, payload []byte) (bool, error) {
	n := h.Push(topic, Message{Type: "notification", Data: json.RawMessage(payload)})
	return n > 0, nil
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

// ---------------------------------------------------------------------------
// Handler: echo HTTP handler for websocket connections
// ---------------------------------------------------------------------------

// TopicPolicy builds the per-client topic filter from the caller's identity.
// Admins and coordinators may follow any topic; everyone else only their
// own inbox.
func TopicPolicy(ctx context.Context) func(topic string) bool {
	roles := auth.RolesFromContext(ctx)
	if auth.HasAnyRole(roles, auth.RoleCoordinator) {
		return nil
	}
	own := map[string]bool{}
	if uid := auth.UserIDFromContext(ctx); uid != "" {
		own["recipient:"+uid] = true
		own["donor:"+uid] = true
	}
	if hid := auth.HospitalIDFromContext(ctx); hid != "" {
		own["hospital:"+hid] = true
	}
	return func(topic string) bool { return own[topic] }
}

// Handler handles HTTP-to-WebSocket upgrades and message routing.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler creates a handler. allowedOrigins empty accepts any origin.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if len(allowedOrigins) == 0 || origin == "" {
					return true
				}
				for _, o := range allowedOrigins {
					if o == "*" || strings.EqualFold(o, origin) {
						return true
					}
				}
				return false
			},
		},
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client on the topics
// listed in the "topics" query parameter and starts its pumps.
func (h *Handler) HandleConnect(c echo.Context) error {
	var topics []string
	if q := c.QueryParam("topics"); q != "" {
		topics = strings.Split(q, ",")
	}
	allow := TopicPolicy(c.Request().Context())

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:     uuid.New().String(),
		Topics: topics,
		Send:   make(chan []byte, 256),
		allow:  allow,
	}
	h.hub.Register(client)

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
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
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			break
		}
	}
}
