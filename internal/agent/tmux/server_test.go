package tmux

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls [][]string
	out   []byte
	err   error
}

func (r *recorder) run(_ context.Context, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), args...))
	return r.out, r.err
}

func (r *recorder) last() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func TestCommandArgs(t *testing.T) {
	rec := &recorder{}
	s := NewServerWithRunner("", rec.run)
	ctx := context.Background()

	require.NoError(t, s.SendLiteral(ctx, "main", "ls -la"))
	assert.Equal(t, []string{"send-keys", "-t", "main", "-l", "ls -la"}, rec.last())

	require.NoError(t, s.SendKeys(ctx, "main", "C-c"))
	assert.Equal(t, []string{"send-keys", "-t", "main", "C-c"}, rec.last())

	require.NoError(t, s.Resize(ctx, "main", 120, 40))
	assert.Equal(t, []string{"resize-window", "-t", "main", "-x", "120", "-y", "40"}, rec.last())

	require.NoError(t, s.NewSession(ctx, "work"))
	assert.Equal(t, []string{"new-session", "-d", "-s", "work"}, rec.last())

	require.NoError(t, s.KillSession(ctx, "work"))
	assert.Equal(t, []string{"kill-session", "-t", "work"}, rec.last())
}

func TestSocketIsPrepended(t *testing.T) {
	rec := &recorder{}
	s := NewServerWithRunner("/tmp/relay.sock", rec.run)

	_, err := s.Capture(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"-S", "/tmp/relay.sock", "capture-pane", "-t", "main", "-p", "-e", "-N"}, rec.last())
}

func TestCaptureNormalizesNewlines(t *testing.T) {
	rec := &recorder{out: []byte("$ ls\nfile\n")}
	s := NewServerWithRunner("", rec.run)

	out, err := s.Capture(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, "$ ls\r\nfile\r\n", string(out))
}

func TestListSessions(t *testing.T) {
	rec := &recorder{out: []byte("main\n  dev \n\n")}
	s := NewServerWithRunner("", rec.run)

	names, err := s.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"main", "dev"}, names)
	assert.Equal(t, []string{"list-sessions", "-F", "#{session_name}"}, rec.last())
}

func TestListSessionsWithoutServer(t *testing.T) {
	rec := &recorder{err: errors.New("exit status 1 (no server running on /tmp/tmux-0/default)")}
	s := NewServerWithRunner("", rec.run)

	names, err := s.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)

	detailed, err := s.ListDetailed(context.Background())
	require.NoError(t, err)
	assert.Empty(t, detailed)
}

func TestListDetailed(t *testing.T) {
	rec := &recorder{out: []byte("main|3|1700000000|1\ndev|1|1700000100|0\nbroken|x|1|0\nshort\n")}
	s := NewServerWithRunner("", rec.run)

	sessions, err := s.ListDetailed(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, SessionInfo{Name: "main", Windows: 3, Created: "1700000000", Attached: true}, sessions[0])
	assert.Equal(t, SessionInfo{Name: "dev", Windows: 1, Created: "1700000100", Attached: false}, sessions[1])
	assert.Equal(t, []string{"list-sessions", "-F", ListFormat}, rec.last())
}

func TestKillMissingSessionIsNotAnError(t *testing.T) {
	rec := &recorder{err: errors.New("exit status 1 (can't find session: gone)")}
	s := NewServerWithRunner("", rec.run)
	assert.NoError(t, s.KillSession(context.Background(), "gone"))

	rec.err = errors.New("exit status 1 (permission denied)")
	assert.Error(t, s.KillSession(context.Background(), "x"))
}
