// Package conn keeps one host link to the relay alive: it dials, registers,
// reads control messages and reconnects with jittered exponential backoff
// until shut down.
package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sessioncast/relay/internal/protocol"
)

var (
	// ErrNotConnected is returned by Send when no registered link exists.
	ErrNotConnected = errors.New("conn: not connected")
	// ErrShutdown is returned once the engine has been shut down.
	ErrShutdown = errors.New("conn: shut down")
)

const (
	writeWait = 10 * time.Second
	// readWait must exceed the relay's ping interval.
	readWait = 90 * time.Second
)

// State is the engine's lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistered
	StateRunning
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateRunning:
		return "running"
	case StateShutdown:
		return "shutdown"
	}
	return "unknown"
}

// Options configures an Engine.
type Options struct {
	URL string
	// Register is sent as the first message on every new connection.
	Register protocol.Message
	Backoff  Backoff
	// InitialJitter delays the first dial by a uniform random amount.
	InitialJitter time.Duration
	Dialer        *websocket.Dialer
	// OnMessage receives every decoded inbound message while running.
	OnMessage func(protocol.Message)
	// OnRegistered runs after each successful registration.
	OnRegistered func()
}

// Engine owns one logical relay connection.
type Engine struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	done    chan struct{}
	writeMu sync.Mutex
}

// New creates an engine. Call Run to start it.
func New(opts Options, logger *zap.Logger) *Engine {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		opts:   opts,
		logger: logger.With(zap.String("session", opts.Register.Session)),
		done:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Connected reports whether the link is registered and running.
func (e *Engine) Connected() bool {
	s := e.State()
	return s == StateRegistered || s == StateRunning
}

// Done is closed when the engine shuts down.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Run connects and reconnects until ctx is cancelled or Shutdown is called.
// It returns nil on an orderly stop and ErrShutdown if the engine was
// already shut down.
func (e *Engine) Run(ctx context.Context) error {
	if e.State() == StateShutdown {
		return ErrShutdown
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			e.Shutdown()
		case <-e.done:
			cancel()
		}
	}()

	if d := uniform(e.opts.Backoff.Rand, e.opts.InitialJitter); d > 0 {
		e.logger.Info("scheduling initial connect", zap.Duration("delay", d))
		if !e.sleep(ctx, d) {
			return nil
		}
	}

	for {
		if !e.transition(StateDisconnected, StateConnecting) {
			return nil
		}
		if err := e.session(ctx); err != nil {
			e.logger.Warn("relay link down", zap.Error(err))
		}
		if !e.transition(StateConnecting, StateDisconnected) &&
			!e.transition(StateRunning, StateDisconnected) &&
			!e.transition(StateRegistered, StateDisconnected) {
			return nil
		}
		delay := e.opts.Backoff.Next()
		e.logger.Info("scheduling reconnect",
			zap.Duration("delay", delay),
			zap.Int("attempt", e.opts.Backoff.Attempt()))
		if !e.sleep(ctx, delay) {
			return nil
		}
	}
}

// session runs one connection from dial to close.
func (e *Engine) session(ctx context.Context) error {
	conn, _, err := e.opts.Dialer.DialContext(ctx, e.opts.URL, nil)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.state != StateConnecting {
		e.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	e.conn = conn
	e.state = StateRegistered
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.conn == conn {
			e.conn = nil
		}
		e.mu.Unlock()
		_ = conn.Close()
	}()

	if err := e.write(conn, e.opts.Register); err != nil {
		return err
	}
	e.opts.Backoff.Reset()
	e.logger.Info("registered with relay", zap.String("role", string(e.opts.Register.Role)))

	if !e.transition(StateRegistered, StateRunning) {
		return nil
	}
	if e.opts.OnRegistered != nil {
		e.opts.OnRegistered()
	}
	return e.readLoop(conn)
}

func (e *Engine) readLoop(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if e.State() == StateShutdown {
				return nil
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		msg, err := protocol.Decode(data)
		if err != nil {
			e.logger.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		if e.opts.OnMessage != nil {
			e.opts.OnMessage(msg)
		}
	}
}

// Send writes msg on the current link.
func (e *Engine) Send(msg protocol.Message) error {
	e.mu.Lock()
	conn, state := e.conn, e.state
	e.mu.Unlock()
	if state == StateShutdown {
		return ErrShutdown
	}
	if conn == nil || (state != StateRegistered && state != StateRunning) {
		return ErrNotConnected
	}
	return e.write(conn, msg)
}

func (e *Engine) write(conn *websocket.Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Shutdown stops the engine for good and closes the active connection.
// It is safe to call more than once and from any goroutine.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.state == StateShutdown {
		e.mu.Unlock()
		return
	}
	e.state = StateShutdown
	close(e.done)
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	if conn != nil {
		e.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		e.writeMu.Unlock()
		_ = conn.Close()
	}
	e.logger.Info("relay link shut down")
}

// transition moves from one state to another only if the engine is still
// in from.
func (e *Engine) transition(from, to State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != from {
		return false
	}
	e.state = to
	return true
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return e.State() != StateShutdown
	case <-ctx.Done():
		return false
	case <-e.done:
		return false
	}
}
