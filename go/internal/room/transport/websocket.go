package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrTransport reports that the relay connection failed to open or dropped.
var ErrTransport = errors.New("transport error")

// Config holds configuration for a relay connection
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	MaxMessageSize   int64
	SendBuffer       int
	InboundBuffer    int
}

// DefaultConfig returns default relay connection configuration
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      60 * time.Second,
		MaxMessageSize:   64 * 1024,
		SendBuffer:       64,
		InboundBuffer:    64,
	}
}

// Conn is a client connection to the relay. Outbound payloads are queued and
// written by a single writer goroutine; inbound text payloads are delivered on
// Inbound until the connection drops.
type Conn struct {
	ws     *websocket.Conn
	config Config

	send    chan []byte
	inbound chan []byte

	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

// Dial opens a websocket connection to the relay at url.
func Dial(ctx context.Context, url string, config Config) (*Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: config.HandshakeTimeout,
	}

	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, url, err)
	}

	c := newConn(ws, config)

	log.Debug().Str("url", url).Msg("relay connection established")
	return c, nil
}

func newConn(ws *websocket.Conn, config Config) *Conn {
	c := &Conn{
		ws:         ws,
		config:     config,
		send:       make(chan []byte, config.SendBuffer),
		inbound:    make(chan []byte, config.InboundBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	go c.writePump()
	go c.readPump()

	return c
}

// Publish queues payload for delivery. It never blocks: a full buffer or a
// closed connection is reported as an error and the payload is dropped.
func (c *Conn) Publish(_ context.Context, payload []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: connection closed", ErrTransport)
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", ErrTransport)
	}
}

// Inbound returns payloads received from the relay. It is closed when the
// connection drops or is closed.
func (c *Conn) Inbound() <-chan []byte {
	return c.inbound
}

// Close flushes queued payloads, sends a close frame and releases the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	<-c.writerDone
	return nil
}

// writePump handles sending messages to the relay
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				log.Warn().Err(err).Msg("failed to write message to relay")
				c.closeOnce.Do(func() { close(c.done) })
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Msg("failed to send ping to relay")
				c.closeOnce.Do(func() { close(c.done) })
				return
			}

		case <-c.done:
			c.drain()
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.config.WriteTimeout),
			)
			return
		}
	}
}

// drain writes whatever is still queued so a final leave envelope goes out
// before the close frame.
func (c *Conn) drain() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}

// readPump handles reading messages from the relay
func (c *Conn) readPump() {
	defer close(c.inbound)

	c.ws.SetReadLimit(c.config.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
	})

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Msg("unexpected relay close error")
				}
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.config.PongTimeout))

		select {
		case c.inbound <- message:
		case <-c.done:
			return
		}
	}
}
