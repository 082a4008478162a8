package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
machineId: m1
relay: wss://relay.example.com/ws
sessions:
  - tmuxSession: main
`))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.ScanInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.Capture.FastInterval)
	assert.Equal(t, 200*time.Millisecond, cfg.Capture.IdleInterval)
	assert.Equal(t, 2*time.Second, cfg.Capture.ActiveWindow)
	assert.Equal(t, 10*time.Second, cfg.Capture.ForceInterval)
	assert.Equal(t, 512, cfg.Capture.CompressThreshold)
	assert.Equal(t, time.Second, cfg.Reconnect.Base)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.Cap)
	assert.InDelta(t, 0.2, cfg.Reconnect.Jitter, 1e-9)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.InitialJitter)

	require.Len(t, cfg.Sessions, 1)
	assert.Equal(t, "m1/main", cfg.Sessions[0].ID)
	assert.Equal(t, "main", cfg.Sessions[0].Label)
}

func TestParseDurationsAndAPI(t *testing.T) {
	cfg, err := Parse([]byte(`
machineId: m1
relay: ws://localhost:8080/ws
token: agt_123
api:
  enabled: true
  agentId: ag-1
capture:
  fastInterval: 20ms
  forceInterval: 3s
reconnect:
  base: 2s
  jitter: 0.5
`))
	require.NoError(t, err)
	assert.Equal(t, "agt_123", cfg.Token)
	assert.Equal(t, 20*time.Millisecond, cfg.Capture.FastInterval)
	assert.Equal(t, 3*time.Second, cfg.Capture.ForceInterval)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.Base)
	assert.InDelta(t, 0.5, cfg.Reconnect.Jitter, 1e-9)
	assert.Equal(t, "api-ag-1", cfg.APISessionID())
	assert.Equal(t, "m1/dev", cfg.SessionID("dev"))
}

func TestParseValidation(t *testing.T) {
	cases := map[string]string{
		"missing relay":   "machineId: m1\n",
		"bad scheme":      "machineId: m1\nrelay: http://x\n",
		"api without id":  "machineId: m1\nrelay: ws://x\napi:\n  enabled: true\n",
		"session no tmux": "machineId: m1\nrelay: ws://x\nsessions:\n  - id: a\n",
		"not yaml":        "machineId: [",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvPath, "")
	t.Setenv("HOME", "/home/tester")

	p, err := ResolvePath("/etc/agent.yml")
	require.NoError(t, err)
	assert.Equal(t, "/etc/agent.yml", p)

	p, err = ResolvePath("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/tester", DefaultFile), p)

	t.Setenv(EnvPath, "/tmp/custom.yml")
	p, err = ResolvePath("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.yml", p)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yml")
	require.NoError(t, os.WriteFile(path, []byte("machineId: m1\nrelay: ws://localhost/ws\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "m1", cfg.MachineID)

	_, err = Load(filepath.Join(dir, "missing.yml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
