// Package tmux wraps the tmux commands the host agent needs: pane capture,
// key injection, resize and session management. Every command runs with a
// short timeout so a wedged tmux server cannot stall the agent.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds every tmux invocation.
const DefaultTimeout = 2 * time.Second

// ListFormat is the list-sessions format used by ListDetailed.
const ListFormat = "#{session_name}|#{session_windows}|#{session_created}|#{session_attached}"

// Runner executes tmux with args and returns its stdout.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// Server targets one tmux server. An empty socket path means the user's
// default server.
type Server struct {
	socketPath string
	timeout    time.Duration
	run        Runner
}

// NewServer returns a Server for socketPath that shells out to tmux.
func NewServer(socketPath string) *Server {
	return NewServerWithRunner(socketPath, ExecRunner)
}

// NewServerWithRunner returns a Server that executes commands through run.
func NewServerWithRunner(socketPath string, run Runner) *Server {
	return &Server{socketPath: socketPath, timeout: DefaultTimeout, run: run}
}

// ExecRunner runs the tmux binary. stderr is folded into the returned error.
func ExecRunner(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return out, fmt.Errorf("%w (%s)", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, err
	}
	return out, nil
}

func (s *Server) exec(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if s.socketPath != "" {
		args = append([]string{"-S", s.socketPath}, args...)
	}
	out, err := s.run(ctx, args...)
	if err != nil {
		return out, fmt.Errorf("tmux %s: %w", args[commandIndex(args)], err)
	}
	return out, nil
}

func commandIndex(args []string) int {
	if len(args) > 2 && args[0] == "-S" {
		return 2
	}
	return 0
}

// Capture returns the visible pane content of target with escape sequences
// kept and line endings normalized to CRLF for terminal emulators.
func (s *Server) Capture(ctx context.Context, target string) ([]byte, error) {
	out, err := s.exec(ctx, "capture-pane", "-t", target, "-p", "-e", "-N")
	if err != nil {
		return nil, err
	}
	return normalizeNewlines(out), nil
}

func normalizeNewlines(b []byte) []byte {
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	if n == 0 {
		return b
	}
	out := make([]byte, 0, len(b)+n)
	for _, c := range b {
		if c == '\n' {
			out = append(out, '\r')
		}
		out = append(out, c)
	}
	return out
}

// SendLiteral types text into target without key-name interpretation.
func (s *Server) SendLiteral(ctx context.Context, target, text string) error {
	_, err := s.exec(ctx, "send-keys", "-t", target, "-l", text)
	return err
}

// SendKeys sends named keys (Enter, C-c, ...) or key strings to target.
func (s *Server) SendKeys(ctx context.Context, target string, keys ...string) error {
	args := append([]string{"send-keys", "-t", target}, keys...)
	_, err := s.exec(ctx, args...)
	return err
}

// Resize sets the window size of target.
func (s *Server) Resize(ctx context.Context, target string, cols, rows int) error {
	_, err := s.exec(ctx, "resize-window", "-t", target, "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	return err
}

// NewSession creates a detached session.
func (s *Server) NewSession(ctx context.Context, name string) error {
	_, err := s.exec(ctx, "new-session", "-d", "-s", name)
	return err
}

// KillSession terminates a session. A session or server that is already
// gone is not an error.
func (s *Server) KillSession(ctx context.Context, name string) error {
	_, err := s.exec(ctx, "kill-session", "-t", name)
	if err != nil && isGone(err) {
		return nil
	}
	return err
}

// ListSessions returns the names of all sessions. No running server yields
// an empty list.
func (s *Server) ListSessions(ctx context.Context) ([]string, error) {
	out, err := s.exec(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if isGone(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// SessionInfo is one row of ListDetailed.
type SessionInfo struct {
	Name     string `json:"name"`
	Windows  int    `json:"windows"`
	Created  string `json:"created"`
	Attached bool   `json:"attached"`
}

// ListDetailed returns sessions with window count, creation time and
// attach state. Malformed rows are skipped.
func (s *Server) ListDetailed(ctx context.Context) ([]SessionInfo, error) {
	out, err := s.exec(ctx, "list-sessions", "-F", ListFormat)
	if err != nil {
		if isGone(err) {
			return []SessionInfo{}, nil
		}
		return nil, err
	}
	return parseDetailed(string(out)), nil
}

func parseDetailed(out string) []SessionInfo {
	sessions := []SessionInfo{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.Split(line, "|")
		if len(parts) < 4 {
			continue
		}
		windows, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		sessions = append(sessions, SessionInfo{
			Name:     parts[0],
			Windows:  windows,
			Created:  parts[2],
			Attached: parts[3] == "1",
		})
	}
	return sessions
}

// isGone matches tmux errors meaning the target no longer exists.
func isGone(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "no sessions") ||
		strings.Contains(msg, "error connecting to")
}
