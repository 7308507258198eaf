package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/koyon-nft/internal/domain"
)

// Topics clients can subscribe to
const (
	TopicScores   = "scores"
	TopicBettings = "bettings"
)

// Message types
const (
	MessageTypeRunCompleted = "run_completed"
	MessageTypeBetCounts    = "bet_counts"
	MessageTypeLeaderboard  = "leaderboard"
	MessageTypeSubscribe    = "subscribe"
	MessageTypeUnsubscribe  = "unsubscribe"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
	MessageTypeError        = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Topic     string      `json:"topic,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// RunUpdate is pushed on the scores topic after a scoring run completes
type RunUpdate struct {
	Day          domain.Day                `json:"day"`
	RunVersion   int64                     `json:"runVersion"`
	Result       domain.Outcome            `json:"result"`
	UsersUpdated int                       `json:"usersUpdated"`
	Top          []domain.LeaderboardEntry `json:"top,omitempty"`
}

func knownTopic(topic string) bool {
	return topic == TopicScores || topic == TopicBettings
}

// Hub tracks connected clients and fans messages out per topic
type Hub struct {
	topics     map[string]map[*Client]bool
	allClients map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	broadcast   chan *Message
	subscribe   chan *subscriptionRequest
	unsubscribe chan *subscriptionRequest

	onConnections func(int)

	mu     sync.RWMutex
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client *Client
	topic  string
}

// NewHub creates a new Hub. onConnections, when non-nil, is called with the
// client count every time a client joins or leaves.
func NewHub(logger *slog.Logger, onConnections func(int)) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		topics:        make(map[string]map[*Client]bool),
		allClients:    make(map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		broadcast:     make(chan *Message, 256),
		subscribe:     make(chan *subscriptionRequest, 64),
		unsubscribe:   make(chan *subscriptionRequest, 64),
		onConnections: onConnections,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			n := len(h.allClients)
			h.mu.Unlock()
			h.reportConnections(n)
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				for topic, clients := range h.topics {
					delete(clients, client)
					if len(clients) == 0 {
						delete(h.topics, topic)
					}
				}
				close(client.send)
			}
			n := len(h.allClients)
			h.mu.Unlock()
			h.reportConnections(n)
			h.logger.Debug("client unregistered", "client_id", client.id)

		case req := <-h.subscribe:
			h.mu.Lock()
			if _, ok := h.topics[req.topic]; !ok {
				h.topics[req.topic] = make(map[*Client]bool)
			}
			h.topics[req.topic][req.client] = true
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "client_id", req.client.id, "topic", req.topic)

		case req := <-h.unsubscribe:
			h.mu.Lock()
			if clients, ok := h.topics[req.topic]; ok {
				delete(clients, req.client)
				if len(clients) == 0 {
					delete(h.topics, req.topic)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", req.client.id, "topic", req.topic)

		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

func (h *Hub) reportConnections(n int) {
	if h.onConnections != nil {
		h.onConnections(n)
	}
}

// deliver sends a message to the topic's subscribers
func (h *Hub) deliver(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	for client := range h.topics[message.Topic] {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("client buffer full, skipping", "client_id", client.id)
		}
	}
}

func (h *Hub) publish(message *Message) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "type", message.Type)
	}
}

// BroadcastRunCompleted pushes a finished scoring run to the scores topic
func (h *Hub) BroadcastRunCompleted(summary *domain.RunSummary, result domain.Outcome, top []domain.LeaderboardEntry) {
	h.publish(&Message{
		Type:  MessageTypeRunCompleted,
		Topic: TopicScores,
		Data: RunUpdate{
			Day:          summary.Day,
			RunVersion:   summary.RunVersion,
			Result:       result,
			UsersUpdated: summary.UsersUpdated,
			Top:          top,
		},
		Timestamp: time.Now(),
	})
}

// BroadcastBetCounts pushes the per-item raffle counts to the bettings topic
func (h *Hub) BroadcastBetCounts(counts map[string]int64) {
	h.publish(&Message{
		Type:      MessageTypeBetCounts,
		Topic:     TopicBettings,
		Data:      counts,
		Timestamp: time.Now(),
	})
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe adds a client to a topic
func (h *Hub) Subscribe(client *Client, topic string) {
	h.subscribe <- &subscriptionRequest{client: client, topic: topic}
}

// Unsubscribe removes a client from a topic
func (h *Hub) Unsubscribe(client *Client, topic string) {
	h.unsubscribe <- &subscriptionRequest{client: client, topic: topic}
}

// SubscriberCount returns the number of subscribers for a topic
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// TotalConnections returns the total number of connected clients
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}
