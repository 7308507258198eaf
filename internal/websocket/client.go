package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	snapshotWait   = 3 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The game front-end is served from a different origin
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SnapshotFunc returns the current state of a topic. A subscriber receives
// it immediately so it does not have to wait for the next change.
type SnapshotFunc func(ctx context.Context, topic string) (interface{}, error)

// Client is one connected browser
type Client struct {
	id       string
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	snapshot SnapshotFunc
	logger   *slog.Logger
}

// ClientMessage is a control frame sent by the browser
type ClientMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
}

// NewClient creates a client; conn may be nil in tests
func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: logger.With(slog.String("client_id", id)),
	}
}

// readPump handles control frames until the connection drops
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
				return
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.sendError("invalid message format")
				continue
			}
			return
		}
		c.handleMessage(&msg)
	}
}

// handleMessage applies a control frame
func (c *Client) handleMessage(msg *ClientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		if !knownTopic(msg.Topic) {
			c.sendError("topic must be one of: scores, bettings")
			return
		}
		c.subscribe(msg.Topic)

	case MessageTypeUnsubscribe:
		if !knownTopic(msg.Topic) {
			c.sendError("topic must be one of: scores, bettings")
			return
		}
		c.hub.Unsubscribe(c, msg.Topic)
		c.sendAck("unsubscribed", msg.Topic)

	case MessageTypePing:
		c.sendDirect(Message{Type: MessageTypePong, Timestamp: time.Now()})

	default:
		c.logger.Debug("unknown message type", "type", msg.Type)
	}
}

// subscribe joins a topic, acknowledges it and pushes the topic snapshot
func (c *Client) subscribe(topic string) {
	c.hub.Subscribe(c, topic)
	c.sendAck("subscribed", topic)

	if c.snapshot == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotWait)
	defer cancel()
	data, err := c.snapshot(ctx, topic)
	if err != nil {
		c.logger.Warn("topic snapshot failed", "topic", topic, "error", err)
		return
	}
	msgType := MessageTypeBetCounts
	if topic == TopicScores {
		msgType = MessageTypeLeaderboard
	}
	c.sendDirect(Message{Type: msgType, Topic: topic, Data: data, Timestamp: time.Now()})
}

// writePump writes queued messages, one JSON document per frame, and keeps
// the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendError(errMsg string) {
	c.sendDirect(Message{
		Type:      MessageTypeError,
		Data:      map[string]string{"error": errMsg},
		Timestamp: time.Now(),
	})
}

func (c *Client) sendAck(action, topic string) {
	c.sendDirect(Message{
		Type:      action,
		Topic:     topic,
		Data:      map[string]string{"status": "ok"},
		Timestamp: time.Now(),
	})
}

// sendDirect queues a message for this client only, dropping it when the
// buffer is full
func (c *Client) sendDirect(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client buffer full, dropping message", "type", msg.Type)
	}
}

// ServeWs upgrades the request and starts the client pumps. Topics listed in
// the "topics" query parameter (comma separated) are subscribed right away.
func ServeWs(hub *Hub, snapshot SnapshotFunc, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(hub, conn, logger)
	client.snapshot = snapshot
	hub.Register(client)

	go client.writePump()

	// Subscribe before reading so the send channel cannot be closed underneath
	for _, topic := range strings.Split(r.URL.Query().Get("topics"), ",") {
		topic = strings.TrimSpace(topic)
		if knownTopic(topic) {
			client.subscribe(topic)
		}
	}

	go client.readPump()

	client.logger.Debug("websocket connected")
}
