// Package events streams import job progress to WebSocket clients
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/savegress/bankrecon/internal/importer"
)

// Message types
const (
	TypeImportJob   = "import_job"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeAck         = "ack"
	TypePong        = "pong"
	TypeError       = "error"
)

// Message is the envelope written to clients
type Message struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// JobChannel carries updates for one import job
func JobChannel(jobID string) string {
	return "job:" + jobID
}

// AccountChannel carries updates for every import into an account
func AccountChannel(accountID string) string {
	return "account:" + accountID
}

type broadcast struct {
	channels []string
	data     []byte
}

// Hub fans messages out to subscribed clients. All channel membership
// changes and deliveries happen on the Run goroutine or under mu.
type Hub struct {
	clients    map[*Client]struct{}
	channels   map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcast
	done       chan struct{}
	mu         sync.RWMutex
	log        zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		channels:   make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcast, 256),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "events").Logger(),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			for ch := range c.subscriptions {
				h.join(c, ch)
			}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.remove(c)
		case b := <-h.broadcast:
			h.deliver(b)
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.close()
	}
	h.clients = make(map[*Client]struct{})
	h.channels = make(map[string]map[*Client]struct{})
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for ch := range c.subscriptions {
		h.leave(c, ch)
	}
	c.close()
}

// join and leave expect h.mu to be held
func (h *Hub) join(c *Client, channel string) {
	members, ok := h.channels[channel]
	if !ok {
		members = make(map[*Client]struct{})
		h.channels[channel] = members
	}
	members[c] = struct{}{}
}

func (h *Hub) leave(c *Client, channel string) {
	if members, ok := h.channels[channel]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
}

func (h *Hub) deliver(b broadcast) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// A client on several of the channels gets the message once.
	seen := make(map[*Client]struct{})
	for _, ch := range b.channels {
		for c := range h.channels[ch] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			if !c.enqueue(b.data) {
				h.log.Debug().Str("client_id", c.ID).Msg("client buffer full, message dropped")
			}
		}
	}
}

// Subscribe adds a connected client to a channel
func (h *Hub) Subscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	c.subscriptions[channel] = struct{}{}
	h.join(c, channel)
}

// Unsubscribe removes a client from a channel
func (h *Hub) Unsubscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.subscriptions, channel)
	h.leave(c, channel)
}

// Publish sends a message to every client on any of the channels. It never
// blocks; messages are dropped when the hub is stopped or saturated.
func (h *Hub) Publish(msgType string, payload interface{}, channels ...string) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", msgType).Msg("failed to marshal event payload")
		return
	}
	for _, ch := range channels {
		msg, err := json.Marshal(&Message{
			Type:      msgType,
			Channel:   ch,
			Data:      data,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			continue
		}
		select {
		case <-h.done:
			return
		case h.broadcast <- broadcast{channels: []string{ch}, data: msg}:
		default:
			h.log.Warn().Str("channel", ch).Msg("event queue full, message dropped")
		}
	}
}

// JobUpdated publishes a job snapshot on its job and account channels
func (h *Hub) JobUpdated(job *importer.Job) {
	h.Publish(TypeImportJob, job, JobChannel(job.ID), AccountChannel(job.AccountID))
}

// Stats reports connected clients per channel
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	perChannel := make(map[string]int, len(h.channels))
	for ch, members := range h.channels {
		perChannel[ch] = len(members)
	}
	return map[string]interface{}{
		"total_clients":   len(h.clients),
		"total_channels":  len(h.channels),
		"channel_clients": perChannel,
	}
}

// ClientCount returns the number of registered clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
