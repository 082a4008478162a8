package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessioncast/relay/internal/protocol"
)

type fakeMux struct {
	mu     sync.Mutex
	calls  []string
	failOn string
}

func (f *fakeMux) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.failOn != "" && strings.HasPrefix(call, f.failOn) {
		return errors.New("tmux failed")
	}
	return nil
}

func (f *fakeMux) SendLiteral(_ context.Context, target, text string) error {
	return f.record(fmt.Sprintf("literal %s %q", target, text))
}

func (f *fakeMux) SendKeys(_ context.Context, target string, keys ...string) error {
	return f.record(fmt.Sprintf("keys %s %s", target, strings.Join(keys, " ")))
}

func (f *fakeMux) Resize(_ context.Context, target string, cols, rows int) error {
	return f.record(fmt.Sprintf("resize %s %dx%d", target, cols, rows))
}

func (f *fakeMux) NewSession(_ context.Context, name string) error {
	return f.record("new " + name)
}

func (f *fakeMux) KillSession(_ context.Context, name string) error {
	return f.record("kill " + name)
}

func TestTranslate(t *testing.T) {
	cases := []struct {
		in   string
		want []Step
	}{
		{"", nil},
		{"\x03", []Step{{Text: "C-c"}}},
		{"abc\x03", []Step{{Text: "C-c"}}},
		{"\x04", []Step{{Text: "C-d"}}},
		{"\n", []Step{{Text: "Enter"}}},
		{"\r\n", []Step{{Text: "Enter"}}},
		{"ls -la\n", []Step{{Literal: true, Text: "ls -la"}, {Text: "Enter"}}},
		{"git status\r\n", []Step{{Literal: true, Text: "git status"}, {Text: "Enter"}}},
		{"vim", []Step{{Literal: true, Text: "vim"}}},
		{"\x1b[A", []Step{{Literal: true, Text: "\x1b[A"}}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Translate(tc.in), "input %q", tc.in)
	}
}

func TestHandleKeysInOrder(t *testing.T) {
	mux := &fakeMux{}
	d := New(mux, "m1", "m1/dev", "dev", nil)

	res := d.Handle(context.Background(), protocol.NewKeys("m1/dev", "make test\n"))
	assert.Equal(t, Continue, res)
	assert.Equal(t, []string{`literal dev "make test"`, "keys dev Enter"}, mux.calls)
}

func TestFailedLiteralSkipsEnter(t *testing.T) {
	mux := &fakeMux{failOn: "literal"}
	d := New(mux, "m1", "m1/dev", "dev", nil)

	d.Keys(context.Background(), "rm file\n")
	assert.Equal(t, []string{`literal dev "rm file"`}, mux.calls)
}

func TestHandleIgnoresOtherSessions(t *testing.T) {
	mux := &fakeMux{}
	d := New(mux, "m1", "m1/dev", "dev", nil)
	ctx := context.Background()

	assert.Equal(t, Continue, d.Handle(ctx, protocol.NewKeys("m1/other", "x")))
	assert.Equal(t, Continue, d.Handle(ctx, protocol.NewKillSession("m1/other")))
	assert.Equal(t, Continue, d.Handle(ctx, protocol.NewResize("m1/other", 80, 24)))
	assert.Empty(t, mux.calls)
}

func TestHandleResize(t *testing.T) {
	mux := &fakeMux{}
	d := New(mux, "m1", "m1/dev", "dev", nil)
	ctx := context.Background()

	d.Handle(ctx, protocol.NewResize("m1/dev", 132, 43))
	d.Handle(ctx, protocol.Message{Type: protocol.KindResize, Session: "m1/dev", Meta: map[string]string{"cols": "x"}})
	assert.Equal(t, []string{"resize dev 132x43"}, mux.calls)
}

func TestHandleKill(t *testing.T) {
	mux := &fakeMux{}
	d := New(mux, "m1", "m1/dev", "dev", nil)

	res := d.Handle(context.Background(), protocol.NewKillSession("m1/dev"))
	assert.Equal(t, Killed, res)
	require.Len(t, mux.calls, 1)
	assert.Equal(t, "kill dev", mux.calls[0])

	mux.failOn = "kill"
	assert.Equal(t, Killed, d.Handle(context.Background(), protocol.NewKillSession("m1/dev")))
}

func TestHandleCreate(t *testing.T) {
	mux := &fakeMux{}
	d := New(mux, "m1", "m1/dev", "dev", nil)
	ctx := context.Background()

	d.Handle(ctx, protocol.NewCreateSession("m2", "elsewhere"))
	d.Handle(ctx, protocol.NewCreateSession("m1", ""))
	d.Handle(ctx, protocol.NewCreateSession("m1", "work"))
	assert.Equal(t, []string{"new work"}, mux.calls)
}
