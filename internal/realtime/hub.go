// Package realtime раздает события по websocket подписчикам топиков
// (позиция автобуса, статус остановок, тревоги).
package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"schoolbus-tracking/internal/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	maxTopicsPerConn = 16
)

// Message конверт сообщения для клиента
type Message struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

type client struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	topics []string
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// Hub хранит подписки websocket клиентов по топикам
type Hub struct {
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	topics map[string]map[*client]struct{}
}

// NewHub создает hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		topics: make(map[string]map[*client]struct{}),
	}
}

// Publish отправляет payload всем подписчикам топика. Ошибки записи в
// отдельные соединения закрывают эти соединения и не возвращаются.
func (h *Hub) Publish(topic string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal realtime payload: %w", err)
	}
	data, err := json.Marshal(Message{Topic: topic, Payload: raw, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal realtime message: %w", err)
	}

	h.mu.RLock()
	subscribers := make([]*client, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		subscribers = append(subscribers, c)
	}
	h.mu.RUnlock()

	for _, c := range subscribers {
		if err := c.write(websocket.TextMessage, data); err != nil {
			h.log.WithError(err).WithField("topic", topic).Warn("Realtime write failed, dropping subscriber")
			h.remove(c)
		}
	}
	return nil
}

// Subscribers возвращает число подписчиков топика
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// ServeWS подключает клиента к топикам из параметра ?topic= (через запятую)
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	topics := parseTopics(r.URL.Query()["topic"])
	if len(topics) == 0 {
		http.Error(w, "missing topic", http.StatusBadRequest)
		return
	}
	if len(topics) > maxTopicsPerConn {
		http.Error(w, "too many topics", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Error("Websocket upgrade failed")
		return
	}

	c := &client{conn: conn, topics: topics}
	h.mu.Lock()
	for _, topic := range topics {
		subs, ok := h.topics[topic]
		if !ok {
			subs = make(map[*client]struct{})
			h.topics[topic] = subs
		}
		subs[c] = struct{}{}
	}
	h.mu.Unlock()

	h.log.WithField("topics", topics).Info("Realtime client connected")

	go h.pingLoop(c)
	go h.readLoop(c)
}

func parseTopics(values []string) []string {
	seen := make(map[string]struct{})
	var topics []string
	for _, v := range values {
		for _, topic := range strings.Split(v, ",") {
			topic = strings.TrimSpace(topic)
			if topic == "" {
				continue
			}
			if _, ok := seen[topic]; ok {
				continue
			}
			seen[topic] = struct{}{}
			topics = append(topics, topic)
		}
	}
	return topics
}

func (h *Hub) pingLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if !h.connected(c) {
			return
		}
		c.mu.Lock()
		err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		c.mu.Unlock()
		if err != nil {
			h.remove(c)
			return
		}
	}
}

// readLoop нужен для обработки control-фреймов; входящие данные игнорируются
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(4 << 10)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (h *Hub) connected(c *client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, topic := range c.topics {
		if _, ok := h.topics[topic][c]; ok {
			return true
		}
	}
	return false
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	removed := false
	for _, topic := range c.topics {
		subs := h.topics[topic]
		if _, ok := subs[c]; ok {
			removed = true
			delete(subs, c)
		}
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()

	if removed {
		_ = c.conn.Close()
		h.log.WithField("topics", c.topics).Debug("Realtime client disconnected")
	}
}
