// Package agent runs the host side: it discovers tmux sessions, keeps one
// streaming relay link per session and optionally serves agent API
// requests on a separate link.
package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sessioncast/relay/internal/agent/config"
	"github.com/sessioncast/relay/internal/agent/tmux"
)

// Runner owns all session handlers of one host.
type Runner struct {
	cfg    *config.Config
	mux    Mux
	api    *APILink
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRunner creates a runner. The agent API link is started only when
// enabled in cfg and mux supports it.
func NewRunner(cfg *config.Config, mux Mux, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		cfg:      cfg,
		mux:      mux,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
	if cfg.API.Enabled {
		if apiMux, ok := mux.(APIMux); ok {
			r.api = NewAPILink(cfg, apiMux, logger)
		} else {
			logger.Warn("agent API enabled but tmux backend cannot serve it")
		}
	}
	return r
}

// NewTmuxRunner wires a runner to the tmux server named in cfg.
func NewTmuxRunner(cfg *config.Config, logger *zap.Logger) *Runner {
	return NewRunner(cfg, tmux.NewServer(cfg.TmuxSocket), logger)
}

// Run scans for sessions until ctx is done, then stops every handler.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("host agent starting",
		zap.String("machine_id", r.cfg.MachineID),
		zap.String("relay", r.cfg.Relay),
		zap.Duration("scan_interval", r.cfg.ScanInterval))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.scanLoop(ctx, g)
		return nil
	})
	if r.api != nil {
		g.Go(func() error {
			return r.api.Run(ctx)
		})
	}
	err := g.Wait()
	r.logger.Info("host agent stopped")
	return err
}

func (r *Runner) scanLoop(ctx context.Context, g *errgroup.Group) {
	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()
	defer r.stopAll()

	r.scan(ctx, g)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scan(ctx, g)
		}
	}
}

// scan reconciles running handlers with the tmux sessions that exist now.
func (r *Runner) scan(ctx context.Context, g *errgroup.Group) {
	names, err := r.mux.ListSessions(ctx)
	if err != nil {
		r.logger.Warn("session scan failed", zap.Error(err))
		return
	}
	present := make(map[string]struct{}, len(names))
	for _, name := range names {
		present[name] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, s := range r.sessions {
		select {
		case <-s.Done():
			delete(r.sessions, name)
			continue
		default:
		}
		if _, ok := present[name]; !ok {
			r.logger.Info("tmux session removed", zap.String("tmux_session", name))
			s.Stop()
			delete(r.sessions, name)
		}
	}
	for _, name := range names {
		if _, ok := r.sessions[name]; ok {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		spec := r.specFor(name)
		r.logger.Info("discovered tmux session", zap.String("tmux_session", name), zap.String("session", spec.ID))
		s := newSession(r.cfg, spec, r.mux, r.logger)
		r.sessions[name] = s
		g.Go(func() error {
			s.run(ctx)
			return nil
		})
	}
}

// specFor applies any configured id and label override for a tmux session.
func (r *Runner) specFor(name string) SessionSpec {
	for _, sc := range r.cfg.Sessions {
		if sc.TmuxSession == name {
			return SessionSpec{ID: sc.ID, TmuxSession: name, Label: sc.Label}
		}
	}
	return SessionSpec{ID: r.cfg.SessionID(name), TmuxSession: name, Label: name}
}

// Sessions returns the tmux session names with a running handler.
func (r *Runner) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		out = append(out, name)
	}
	return out
}

func (r *Runner) stopAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}
