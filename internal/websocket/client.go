package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client owns one websocket connection. All writes go through a single
// writer goroutine fed by a buffered channel, so Send never blocks the caller.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan Message
	done chan struct{}
	log  zerolog.Logger

	closeOnce sync.Once
}

// NewClient wraps conn. buffer is the number of outbound messages that may be
// queued before Send starts dropping.
func NewClient(id string, conn *websocket.Conn, buffer int, log zerolog.Logger) *Client {
	if buffer < 1 {
		buffer = 1
	}
	return &Client{
		id:   id,
		conn: conn,
		send: make(chan Message, buffer),
		done: make(chan struct{}),
		log:  log,
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Send queues msg for delivery. It returns false if the client is closed or
// its buffer is full.
func (c *Client) Send(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close stops the client. Messages already queued are flushed before the
// close frame is written.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} { return c.done }

// WriteLoop pumps queued messages and keep-alive pings to the peer until the
// client is closed or a write fails. Run it in its own goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := WriteTyped(c.conn, msg); err != nil {
				c.log.Debug().Err(err).Msg("Write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := WriteTyped(c.conn, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// ReadLoop reads frames until the peer goes away and hands each one to
// handle. It returns the error that ended the loop.
func (c *Client) ReadLoop(handle func(frame []byte)) error {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(frame)
	}
}

// WriteTyped sends a strongly-typed payload over the WebSocket with a write deadline.
func WriteTyped(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// IsUnexpectedClose reports whether err is anything other than a normal close.
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure)
}
