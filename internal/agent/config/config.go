// Package config loads the host agent's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPath overrides the default config file location.
const EnvPath = "TMUX_REMOTE_CONFIG"

// DefaultFile is the config file name under the user's home directory.
const DefaultFile = ".tmux-remote.yml"

// Config is the host agent configuration file.
type Config struct {
	MachineID    string          `yaml:"machineId"`
	Relay        string          `yaml:"relay"`
	Token        string          `yaml:"token"`
	Sessions     []SessionConfig `yaml:"sessions"`
	API          APIConfig       `yaml:"api"`
	TmuxSocket   string          `yaml:"tmuxSocket"`
	ScanInterval time.Duration   `yaml:"scanInterval"`
	Capture      CaptureConfig   `yaml:"capture"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
}

// SessionConfig overrides the relay session id and label of a discovered
// tmux session.
type SessionConfig struct {
	ID          string `yaml:"id"`
	TmuxSession string `yaml:"tmuxSession"`
	Label       string `yaml:"label"`
}

// APIConfig enables the agent API link.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	AgentID string `yaml:"agentId"`
}

// CaptureConfig tunes the screen sampling loop.
type CaptureConfig struct {
	FastInterval      time.Duration `yaml:"fastInterval"`
	IdleInterval      time.Duration `yaml:"idleInterval"`
	ActiveWindow      time.Duration `yaml:"activeWindow"`
	ForceInterval     time.Duration `yaml:"forceInterval"`
	CompressThreshold int           `yaml:"compressThreshold"`
}

// ReconnectConfig tunes the reconnect backoff.
type ReconnectConfig struct {
	Base          time.Duration `yaml:"base"`
	Cap           time.Duration `yaml:"cap"`
	Jitter        float64       `yaml:"jitter"`
	InitialJitter time.Duration `yaml:"initialJitter"`
}

// ResolvePath returns flagPath when set, else $TMUX_REMOTE_CONFIG, else
// ~/.tmux-remote.yml.
func ResolvePath(flagPath string) (string, error) {
	if flagPath != "" {
		return flagPath, nil
	}
	if p := os.Getenv(EnvPath); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, DefaultFile), nil
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("configuration file not found: %s", path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MachineID == "" {
		if host, err := os.Hostname(); err == nil {
			c.MachineID = host
		}
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 5 * time.Second
	}
	if c.Capture.FastInterval <= 0 {
		c.Capture.FastInterval = 50 * time.Millisecond
	}
	if c.Capture.IdleInterval <= 0 {
		c.Capture.IdleInterval = 200 * time.Millisecond
	}
	if c.Capture.ActiveWindow <= 0 {
		c.Capture.ActiveWindow = 2 * time.Second
	}
	if c.Capture.ForceInterval <= 0 {
		c.Capture.ForceInterval = 10 * time.Second
	}
	if c.Capture.CompressThreshold <= 0 {
		c.Capture.CompressThreshold = 512
	}
	if c.Reconnect.Base <= 0 {
		c.Reconnect.Base = time.Second
	}
	if c.Reconnect.Cap <= 0 {
		c.Reconnect.Cap = 30 * time.Second
	}
	if c.Reconnect.Jitter <= 0 {
		c.Reconnect.Jitter = 0.2
	}
	if c.Reconnect.InitialJitter <= 0 {
		c.Reconnect.InitialJitter = 2 * time.Second
	}
	for i := range c.Sessions {
		s := &c.Sessions[i]
		if s.ID == "" {
			s.ID = c.MachineID + "/" + s.TmuxSession
		}
		if s.Label == "" {
			s.Label = s.TmuxSession
		}
	}
}

func (c *Config) validate() error {
	if c.MachineID == "" {
		return errors.New("config: machineId is required")
	}
	if c.Relay == "" {
		return errors.New("config: relay is required")
	}
	if !strings.HasPrefix(c.Relay, "ws://") && !strings.HasPrefix(c.Relay, "wss://") {
		return fmt.Errorf("config: relay must be a ws:// or wss:// URL, got %q", c.Relay)
	}
	if c.API.Enabled && c.API.AgentID == "" {
		return errors.New("config: api.agentId is required when api is enabled")
	}
	for _, s := range c.Sessions {
		if s.TmuxSession == "" {
			return fmt.Errorf("config: session %q has no tmuxSession", s.ID)
		}
	}
	return nil
}

// SessionID returns the relay session id for a discovered tmux session.
func (c *Config) SessionID(tmuxSession string) string {
	return c.MachineID + "/" + tmuxSession
}

// APISessionID is the session id the agent API link registers under.
func (c *Config) APISessionID() string {
	return "api-" + c.API.AgentID
}
