package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS middleware in front of the API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one WebSocket connection
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	// owned by the hub, guarded by hub.mu
	subscriptions map[string]struct{}

	mu     sync.Mutex
	closed bool
}

// ServeWS upgrades the request and subscribes the connection to channels.
// It returns once the connection is closed.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, channels ...string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &Client{
		ID:            uuid.NewString(),
		conn:          conn,
		hub:           h,
		send:          make(chan []byte, sendBuffer),
		subscriptions: make(map[string]struct{}, len(channels)),
	}
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return nil
	}
	h.log.Debug().Str("client_id", c.ID).Strs("channels", channels).Msg("client connected")

	go c.writePump()
	c.readPump()
	return nil
}

// enqueue hands data to the write pump without blocking
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Str("client_id", c.ID).Msg("websocket read error")
			}
			return
		}
		c.handle(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(data []byte) {
	var req struct {
		Type    string `json:"type"`
		JobID   string `json:"job_id"`
		Account string `json:"account_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(&Message{Type: TypeError, Error: "invalid message format"})
		return
	}

	var channel string
	switch {
	case req.JobID != "":
		channel = JobChannel(req.JobID)
	case req.Account != "":
		channel = AccountChannel(req.Account)
	}

	switch req.Type {
	case TypeSubscribe, TypeUnsubscribe:
		if channel == "" {
			c.reply(&Message{Type: TypeError, Error: "job_id or account_id is required"})
			return
		}
		if req.Type == TypeSubscribe {
			c.hub.Subscribe(c, channel)
		} else {
			c.hub.Unsubscribe(c, channel)
		}
		c.reply(&Message{Type: TypeAck, Channel: channel})
	case "ping":
		c.reply(&Message{Type: TypePong})
	default:
		c.reply(&Message{Type: TypeError, Error: "unknown message type"})
	}
}

func (c *Client) reply(msg *Message) {
	msg.Timestamp = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}
