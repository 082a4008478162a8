package agent

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sessioncast/relay/internal/agent/capture"
	"github.com/sessioncast/relay/internal/agent/config"
	"github.com/sessioncast/relay/internal/agent/conn"
	"github.com/sessioncast/relay/internal/agent/dispatch"
	"github.com/sessioncast/relay/internal/protocol"
)

// Mux is the tmux surface the agent uses.
type Mux interface {
	dispatch.Mux
	capture.Capturer
	ListSessions(ctx context.Context) ([]string, error)
}

// SessionSpec identifies one streamed tmux session.
type SessionSpec struct {
	ID          string
	TmuxSession string
	Label       string
}

// Session streams one tmux session over its own relay link and applies the
// control messages it receives.
type Session struct {
	spec       SessionSpec
	engine     *conn.Engine
	streamer   *capture.Streamer
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger

	done     chan struct{}
	stopOnce sync.Once
}

func newSession(cfg *config.Config, spec SessionSpec, mux Mux, logger *zap.Logger) *Session {
	s := &Session{spec: spec, logger: logger.With(zap.String("session", spec.ID)), done: make(chan struct{})}

	s.dispatcher = dispatch.New(mux, cfg.MachineID, spec.ID, spec.TmuxSession, logger)
	s.engine = conn.New(conn.Options{
		URL: cfg.Relay,
		Register: protocol.NewRegister(protocol.RoleHost, spec.ID, protocol.Register{
			Label:     spec.Label,
			MachineID: cfg.MachineID,
			Token:     cfg.Token,
		}),
		Backoff: conn.Backoff{
			Base:   cfg.Reconnect.Base,
			Cap:    cfg.Reconnect.Cap,
			Jitter: cfg.Reconnect.Jitter,
		},
		InitialJitter: cfg.Reconnect.InitialJitter,
		OnMessage:     s.handle,
		OnRegistered:  func() { s.streamer.Invalidate() },
	}, logger)
	s.streamer = capture.NewStreamer(capture.Options{
		SessionID:         spec.ID,
		Target:            spec.TmuxSession,
		FastInterval:      cfg.Capture.FastInterval,
		IdleInterval:      cfg.Capture.IdleInterval,
		ActiveWindow:      cfg.Capture.ActiveWindow,
		ForceInterval:     cfg.Capture.ForceInterval,
		CompressThreshold: cfg.Capture.CompressThreshold,
	}, mux, s.engine, logger)
	return s
}

// run blocks until the session is stopped, killed or ctx is done.
func (s *Session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer close(s.done)
	defer cancel()

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		_ = s.streamer.Run(ctx)
	}()

	s.logger.Info("session handler started", zap.String("tmux_session", s.spec.TmuxSession))
	_ = s.engine.Run(ctx)
	cancel()
	<-streamDone
	s.logger.Info("session handler stopped")
}

func (s *Session) handle(msg protocol.Message) {
	if s.dispatcher.Handle(context.Background(), msg) == dispatch.Killed {
		s.engine.Shutdown()
	}
}

// Stop shuts the relay link down and waits for the handler to exit.
func (s *Session) Stop() {
	s.stopOnce.Do(s.engine.Shutdown)
	<-s.done
}

// Done is closed once the handler has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Connected reports whether the relay link is registered.
func (s *Session) Connected() bool { return s.engine.Connected() }
