package realtime

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sessioncast/relay/internal/protocol"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30 * time.Second
	PongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

var (
	// ErrSendBufferFull is returned when a link's outbound queue is full.
	ErrSendBufferFull = errors.New("realtime: send buffer full")
	// ErrLinkClosed is returned when sending on a closed link.
	ErrLinkClosed = errors.New("realtime: link closed")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // viewers connect from the web app and hosts from anywhere
	},
}

// Link is the registry's handle to one live connection. The registry never
// owns the connection; it only sends on it.
type Link interface {
	ID() string
	// Send queues msg without blocking.
	Send(msg protocol.Message) error
	// Reject sends an error envelope and then closes with a policy violation.
	Reject(msg protocol.Message)
	Close()
}

type outbound struct {
	data   []byte
	reject bool
}

// Client is a WebSocket connection served by one read loop and one write
// loop. Outbound messages go through a bounded queue.
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once
	rejected  atomic.Bool
	logger    *zap.Logger
}

func newClient(id string, conn *websocket.Conn, queue int, logger *zap.Logger) *Client {
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan outbound, queue),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrLinkClosed
	default:
	}
	select {
	case c.send <- outbound{data: data}:
		return nil
	case <-c.done:
		return ErrLinkClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) Reject(msg protocol.Message) {
	if !c.rejected.CompareAndSwap(false, true) {
		return
	}
	c.logger.Info("rejecting connection", zap.String("code", msg.MetaValue("code")))
	data, err := protocol.Encode(msg)
	if err != nil {
		c.Close()
		return
	}
	select {
	case c.send <- outbound{data: data, reject: true}:
	default:
		c.Close()
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Rejected reports whether the link is being closed after a rejection.
func (c *Client) Rejected() bool {
	return c.rejected.Load()
}

// readPump decodes inbound frames and hands them to handle until the
// connection fails. Malformed frames are logged and dropped.
func (c *Client) readPump(limit int64, handle func(protocol.Message)) {
	c.conn.SetReadLimit(limit)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		if c.Rejected() {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed message", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}
		handle(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case out := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, out.data); err != nil {
				return
			}
			if out.reject {
				c.writeClose(websocket.ClosePolicyViolation)
				return
			}
		case <-c.done:
			c.writeClose(websocket.CloseNormalClosure)
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeClose(code int) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
}
