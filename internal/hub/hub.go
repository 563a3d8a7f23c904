// Package hub fans live events out to connected SockJS sessions.
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"techdispatch/dispatch-service/internal/models"

	"github.com/sirupsen/logrus"
)

const (
	EventNotification = "notification"
	EventLocation     = "location"
)

type Client struct {
	ID     string
	UserID string
	Role   string
	Send   chan []byte
}

type Envelope struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	log     *logrus.Entry
}

func New(log *logrus.Entry) *Hub {
	return &Hub{clients: make(map[string]*Client), log: log}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishNotification delivers a notification to every session of its recipient.
func (h *Hub) PublishNotification(notification models.Notification) {
	h.broadcast(EventNotification, notification, notification.CreatedAt, func(c *Client) bool {
		return c.UserID == notification.UserID
	})
}

// PublishLocation feeds the admin live map.
func (h *Hub) PublishLocation(location models.Location) {
	h.broadcast(EventLocation, location, location.Timestamp, func(c *Client) bool {
		return c.Role == models.RoleAdmin
	})
}

func (h *Hub) broadcast(eventType string, payload interface{}, at time.Time, match func(*Client) bool) {
	data, err := json.Marshal(Envelope{Type: eventType, Payload: payload, CreatedAt: at})
	if err != nil {
		h.log.WithField("event", eventType).WithError(err).Error("encode event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client) {
			continue
		}
		select {
		case client.Send <- data:
		default:
			h.log.WithField("client_id", client.ID).WithField("event", eventType).Warn("drop message for slow client")
		}
	}
}
