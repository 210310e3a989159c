package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// commandHandler processes client frames read from a connection.
type commandHandler interface {
	handleClientMessage(c *Connection, message []byte)
}

// Connection represents a WebSocket connection to a client
type Connection struct {
	id          string
	UserID      string
	ConnectedAt time.Time

	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	manager *ConnectionManager
	handler commandHandler

	closeOnce sync.Once
	lastPing  atomic.Int64
}

// ID returns the connection's unique id.
func (c *Connection) ID() string {
	return c.id
}

// Deliver queues a frame without blocking. It reports false when the connection is closed or
// its send buffer is full.
func (c *Connection) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// LastPing returns when the connection last proved it was alive.
func (c *Connection) LastPing() time.Time {
	return time.Unix(0, c.lastPing.Load())
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	cfg := c.manager.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to send ping")
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump reads client commands until the connection fails. Commands of one connection are
// handled in the order they arrive.
func (c *Connection) readPump() {
	cfg := c.manager.config
	defer func() {
		c.manager.unregisterConnection(c)
		c.close()
	}()

	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(cfg.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		c.lastPing.Store(time.Now().UnixNano())
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warn().
					Err(err).
					Str("connection_id", c.id).
					Msg("unexpected WebSocket close error")
			}
			return
		}

		c.handler.handleClientMessage(c, message)
		c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	}
}
