package ws

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mmuslimabdulj/shipper-chat/internal/auth"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10
)

// Client is one live authenticated connection. A user may own several
// concurrent clients (tabs, devices); each carries the same verified identity
// but its own connection id.
type Client struct {
	ID       string
	Identity auth.Identity

	gw   *Gateway
	conn *websocket.Conn
	send chan []byte
}

// NewClient wraps an upgraded connection with its verified identity.
func NewClient(gw *Gateway, conn *websocket.Conn, identity auth.Identity) *Client {
	return &Client{
		ID:       uuid.New().String(),
		Identity: identity,
		gw:       gw,
		conn:     conn,
		send:     make(chan []byte, 256),
	}
}

// ReadPump reads frames from the connection and dispatches them. Frames are
// handled one at a time per connection, so a client's own events keep their
// order; different connections run concurrently. Disconnect cleanup always
// runs, even if a handler is mid-flight on another connection.
func (c *Client) ReadPump() {
	defer func() {
		c.gw.HandleDisconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(c.gw.maxMessageSize))
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			continue
		}
		c.gw.Dispatch(c, f)
	}
}

// WritePump pumps queued messages to the connection and keeps it alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// Send queues a message for delivery. Messages are dropped when the buffer is
// full; a peer that slow is about to be disconnected anyway.
func (c *Client) Send(msg []byte) {
	select {
	case c.send <- msg:
	default:
	}
}

// ack resolves a pending acknowledgement. Frames sent without an id get none.
func (c *Client) ack(id int64, payload any) {
	if id <= 0 {
		return
	}
	data, err := encodeAck(id, payload)
	if err != nil {
		return
	}
	c.Send(data)
}

// sendEvent delivers a server event to this connection only.
func (c *Client) sendEvent(event string, payload any) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		return
	}
	c.Send(data)
}
