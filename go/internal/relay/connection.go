package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Connection is one client socket attached to a Hub
type Connection struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	ws   *websocket.Conn
	hub  *Hub
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// enqueue never blocks. It reports false when the connection cannot take the
// payload right now.
func (c *Connection) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}

	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump handles sending messages to the client
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.hub.unregister(c, closeReasonClient)
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to client")
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}

		case <-c.done:
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.hub.config.WriteTimeout),
			)
			return
		}
	}
}

// readPump handles reading messages from the client
func (c *Connection) readPump() {
	defer func() {
		c.hub.unregister(c, closeReasonClient)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.hub.config.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	})

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))

		if messageType != websocket.TextMessage {
			log.Debug().
				Str("connection_id", c.ID).
				Int("message_type", messageType).
				Msg("ignoring non-text message")
			continue
		}

		c.hub.Relay(context.Background(), c, message)
	}
}
