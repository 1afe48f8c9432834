package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"plainpair/models"
)

// CloseTryAgainLater is the close code used for every refused connection.
// The reason never says whether the operator denied it.
const (
	CloseTryAgainLater = websocket.CloseTryAgainLater
	closeReason        = "try again later"
)

var ErrSessionClosed = errors.New("gateway: session closed")

// connection owns one websocket. All writes are serialized and Close is safe
// from any goroutine, any number of times.
type connection struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	lastActivity atomic.Int64
}

func newConnection(conn *websocket.Conn, writeTimeout time.Duration) *connection {
	c := &connection{
		conn:         conn,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *connection) done() <-chan struct{} {
	return c.closed
}

func (c *connection) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrSessionClosed
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.close(websocket.CloseAbnormalClosure, "")
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *connection) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// close sends a close frame when code is a sendable code and releases the
// socket. Only the first call has any effect.
func (c *connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		if code != websocket.CloseAbnormalClosure && code != websocket.CloseNoStatusReceived {
			message := websocket.FormatCloseMessage(code, reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(c.writeTimeout))
		}
		_ = c.conn.Close()
		close(c.closed)
	})
}

// readLoop drains the socket for its whole life. The console sends nothing we
// act on after authentication, but reading is what surfaces pongs and a
// remote close.
func (c *connection) readLoop(pongWait time.Duration, onFrame func()) {
	defer c.close(websocket.CloseAbnormalClosure, "")

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		c.touch()
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if onFrame != nil {
			onFrame()
		}
	}
}

func (c *connection) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, c.lastActivity.Load())) < interval {
				continue
			}
			if err := c.ping(); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// WebSession is an approved console connection. It owns its socket; closing
// the session closes the socket exactly once.
type WebSession struct {
	ClientID  string
	ClientIP  string
	Client    models.ClientInfo
	CreatedAt time.Time

	token string
	conn  *connection

	mu        sync.Mutex
	updatedAt time.Time
}

// Info returns a display copy without the token.
func (s *WebSession) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionInfo{
		ClientID:  s.ClientID,
		ClientIP:  s.ClientIP,
		Client:    s.Client,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.updatedAt,
	}
}

func (s *WebSession) touch(at time.Time) {
	s.mu.Lock()
	s.updatedAt = at
	s.mu.Unlock()
}

// Send writes one JSON frame to the client.
func (s *WebSession) Send(v any) error {
	return s.conn.writeJSON(v)
}

// Done is closed once the socket is gone.
func (s *WebSession) Done() <-chan struct{} {
	return s.conn.done()
}

// Close ends the session. Safe to call repeatedly and concurrently.
func (s *WebSession) Close() {
	s.conn.close(websocket.CloseNormalClosure, "session closed")
}
