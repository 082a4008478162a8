// Package dispatch turns relay control messages into tmux operations for
// one session.
package dispatch

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/sessioncast/relay/internal/protocol"
)

// Mux is the subset of tmux the dispatcher drives.
type Mux interface {
	SendLiteral(ctx context.Context, target, text string) error
	SendKeys(ctx context.Context, target string, keys ...string) error
	Resize(ctx context.Context, target string, cols, rows int) error
	NewSession(ctx context.Context, name string) error
	KillSession(ctx context.Context, name string) error
}

// Step is one tmux key send. Literal steps are typed verbatim, the rest are
// tmux key names.
type Step struct {
	Literal bool
	Text    string
}

// Translate maps a keystroke payload to key sends. Interrupt and
// end-of-transmission become named keys, a bare newline becomes Enter and a
// trailing newline is split off into a separate Enter.
func Translate(keys string) []Step {
	switch {
	case keys == "":
		return nil
	case strings.Contains(keys, "\x03"):
		return []Step{{Text: "C-c"}}
	case strings.Contains(keys, "\x04"):
		return []Step{{Text: "C-d"}}
	case keys == "\n" || keys == "\r\n":
		return []Step{{Text: "Enter"}}
	case strings.HasSuffix(keys, "\n"):
		text := strings.TrimSuffix(strings.TrimSuffix(keys, "\n"), "\r")
		if text == "" {
			return []Step{{Text: "Enter"}}
		}
		return []Step{{Literal: true, Text: text}, {Text: "Enter"}}
	}
	return []Step{{Literal: true, Text: keys}}
}

// Result tells the caller what a handled message did to the session.
type Result int

const (
	Continue Result = iota
	// Killed means the tmux session was terminated and its handler should stop.
	Killed
)

// Dispatcher applies control messages to one tmux target.
type Dispatcher struct {
	mux       Mux
	sessionID string
	target    string
	machineID string
	logger    *zap.Logger
}

// New creates a dispatcher for the tmux session target, known to the relay
// as sessionID.
func New(mux Mux, machineID, sessionID, target string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		mux:       mux,
		sessionID: sessionID,
		target:    target,
		machineID: machineID,
		logger:    logger.With(zap.String("session", sessionID)),
	}
}

// Handle applies msg. Messages for other sessions are ignored. Failures are
// logged and never returned to the relay.
func (d *Dispatcher) Handle(ctx context.Context, msg protocol.Message) Result {
	switch msg.Type {
	case protocol.KindKeys:
		if msg.Session != d.sessionID {
			return Continue
		}
		d.Keys(ctx, msg.Payload)
	case protocol.KindResize:
		if msg.Session != d.sessionID {
			return Continue
		}
		cols, rows, err := msg.Size()
		if err != nil {
			d.logger.Warn("invalid resize", zap.Error(err))
			return Continue
		}
		d.Resize(ctx, cols, rows)
	case protocol.KindCreateSession:
		d.Create(ctx, msg.MetaValue(protocol.MetaMachineID), msg.MetaValue(protocol.MetaSessionName))
	case protocol.KindKillSession:
		if msg.Session != d.sessionID {
			return Continue
		}
		d.Kill(ctx)
		return Killed
	default:
		d.logger.Debug("ignoring message", zap.String("type", string(msg.Type)))
	}
	return Continue
}

// Keys sends a keystroke payload. Steps run in order; a failed step stops
// the rest so Enter never fires without its text.
func (d *Dispatcher) Keys(ctx context.Context, keys string) {
	for _, step := range Translate(keys) {
		var err error
		if step.Literal {
			err = d.mux.SendLiteral(ctx, d.target, step.Text)
		} else {
			err = d.mux.SendKeys(ctx, d.target, step.Text)
		}
		if err != nil {
			d.logger.Warn("send keys failed", zap.Error(err))
			return
		}
	}
}

// Resize resizes the tmux window.
func (d *Dispatcher) Resize(ctx context.Context, cols, rows int) {
	if err := d.mux.Resize(ctx, d.target, cols, rows); err != nil {
		d.logger.Warn("resize failed", zap.Int("cols", cols), zap.Int("rows", rows), zap.Error(err))
		return
	}
	d.logger.Info("resized", zap.Int("cols", cols), zap.Int("rows", rows))
}

// Create starts a new tmux session when the request targets this machine.
// The session scan picks it up and registers it.
func (d *Dispatcher) Create(ctx context.Context, machineID, name string) {
	if name == "" || (machineID != "" && machineID != d.machineID) {
		return
	}
	if err := d.mux.NewSession(ctx, name); err != nil {
		d.logger.Warn("create session failed", zap.String("name", name), zap.Error(err))
		return
	}
	d.logger.Info("created session", zap.String("name", name))
}

// Kill terminates the tmux session.
func (d *Dispatcher) Kill(ctx context.Context) {
	if err := d.mux.KillSession(ctx, d.target); err != nil {
		d.logger.Warn("kill session failed", zap.Error(err))
		return
	}
	d.logger.Info("killed session")
}
