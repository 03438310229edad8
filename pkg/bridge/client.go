package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const commandTimeout = 15 * time.Second

// client is one connected page
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	once sync.Once
	done chan struct{}
}

func newClient(s *Server, conn *websocket.Conn) *client {
	return &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
		done:   make(chan struct{}),
	}
}

// enqueue drops the message if the page is not keeping up
func (c *client) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
	}
}

func (c *client) deliver(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump reads commands from the page
func (c *client) readPump() {
	defer c.server.removeClient(c)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log.Warn().Err(err).Str("client", c.id).Msg("websocket error")
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.deliver(Message{Type: "error", Error: "invalid command"})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		reply := c.server.handle(ctx, cmd)
		cancel()
		if reply != nil {
			c.deliver(*reply)
		}
	}
}

// writePump sends queued messages to the page
func (c *client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.server.log.Debug().Err(err).Str("client", c.id).Msg("websocket write failed")
				return
			}
		}
	}
}
