// Package capture samples a tmux pane and streams changed frames to the
// relay. Sampling speeds up while the screen is changing and slows down
// when it is idle; unchanged screens are resent on a force interval.
package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/sessioncast/relay/internal/protocol"
)

// ClearScreen is prepended to every frame so viewers redraw from a blank
// screen with the cursor at home.
const ClearScreen = "\x1b[2J\x1b[H"

// Capturer returns the current screen of a tmux target.
type Capturer interface {
	Capture(ctx context.Context, target string) ([]byte, error)
}

// Sender delivers frames to the relay.
type Sender interface {
	Send(msg protocol.Message) error
	Connected() bool
}

// Options tunes a Streamer.
type Options struct {
	SessionID         string
	Target            string
	FastInterval      time.Duration
	IdleInterval      time.Duration
	ActiveWindow      time.Duration
	ForceInterval     time.Duration
	CompressThreshold int
}

// Streamer runs the sampling loop for one session.
type Streamer struct {
	opts     Options
	capturer Capturer
	sender   Sender
	logger   *zap.Logger
	now      func() time.Time

	mu         sync.Mutex
	last       []byte
	lastSent   time.Time
	lastChange time.Time
	invalid    bool
}

// NewStreamer creates a streamer for opts.Target.
func NewStreamer(opts Options, capturer Capturer, sender Sender, logger *zap.Logger) *Streamer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Streamer{
		opts:     opts,
		capturer: capturer,
		sender:   sender,
		logger:   logger.With(zap.String("session", opts.SessionID)),
		now:      time.Now,
	}
}

// Invalidate makes the next sample go out even if it is unchanged. Called
// after every (re)registration so new viewers get a frame right away.
func (s *Streamer) Invalidate() {
	s.mu.Lock()
	s.invalid = true
	s.mu.Unlock()
}

// Run samples until ctx is done.
func (s *Streamer) Run(ctx context.Context) error {
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		t.Reset(s.Tick(ctx))
	}
}

// Tick takes one sample, sends it when needed and returns the delay until
// the next sample.
func (s *Streamer) Tick(ctx context.Context) time.Duration {
	if !s.sender.Connected() {
		return s.opts.IdleInterval
	}
	frame, err := s.capturer.Capture(ctx, s.opts.Target)
	if err != nil {
		s.logger.Debug("capture failed", zap.Error(err))
		return s.opts.IdleInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	changed := s.last == nil || !bytes.Equal(frame, s.last)
	if changed {
		s.lastChange = now
	}
	if changed || s.invalid || now.Sub(s.lastSent) >= s.opts.ForceInterval {
		msg, err := EncodeFrame(s.opts.SessionID, frame, s.opts.CompressThreshold)
		if err != nil {
			s.logger.Warn("encode frame", zap.Error(err))
		} else if err := s.sender.Send(msg); err != nil {
			s.logger.Debug("send frame", zap.Error(err))
		} else {
			s.last = frame
			s.lastSent = now
			s.invalid = false
		}
	}

	if now.Sub(s.lastChange) < s.opts.ActiveWindow {
		return s.opts.FastInterval
	}
	return s.opts.IdleInterval
}

// EncodeFrame prefixes frame with ClearScreen, gzips it when it is larger
// than threshold and returns the base64 screen message.
func EncodeFrame(sessionID string, frame []byte, threshold int) (protocol.Message, error) {
	content := make([]byte, 0, len(ClearScreen)+len(frame))
	content = append(content, ClearScreen...)
	content = append(content, frame...)

	if threshold <= 0 || len(content) <= threshold {
		return protocol.NewScreen(sessionID, base64.StdEncoding.EncodeToString(content), false), nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(content); err != nil {
		return protocol.Message{}, fmt.Errorf("gzip frame: %w", err)
	}
	if err := zw.Close(); err != nil {
		return protocol.Message{}, fmt.Errorf("gzip frame: %w", err)
	}
	return protocol.NewScreen(sessionID, base64.StdEncoding.EncodeToString(buf.Bytes()), true), nil
}
