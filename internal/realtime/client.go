package realtime

import (
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const sendBuffer = 32

// client is one websocket connection. Events are queued on a buffered
// channel and pumped by a dedicated writer goroutine; a full buffer drops
// the event rather than stalling a broadcast.
type client struct {
	id   string
	conn *websocket.Conn
	send chan map[string]any
	done chan struct{}
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan map[string]any, sendBuffer),
		done: make(chan struct{}),
	}
}

// enqueue never blocks. Returns false when the event was dropped.
func (c *client) enqueue(event map[string]any) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case <-c.done:
			return
		case event := <-c.send:
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer h.disconnect(c)
	for {
		var msg inboundMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		h.handleMessage(c, msg)
	}
}
