package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds relay configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Platform PlatformConfig
	Relay    RelayConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	InternalAPIKey     string // bearer for /internal/*; empty disables the check
}

// RedisConfig holds Redis connection settings. An empty Addr disables Redis
// and the owner cache stays in memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// JWTConfig holds the viewer JWT validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// PlatformConfig points at the identity and quota service.
type PlatformConfig struct {
	URL     string
	Timeout time.Duration
}

// RelayConfig holds broker settings.
type RelayConfig struct {
	AliasDomain     string
	OwnerCacheTTL   time.Duration
	PlanUpgradeURL  string
	LimitUpgradeURL string
	ForwardTimeout  time.Duration
	MaxMessageBytes int64
	SendQueue       int
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	forwardTimeout := getEnvInt("FORWARD_TIMEOUT_SEC", 300)
	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			ReadTimeout: getEnvInt("READ_TIMEOUT_SEC", 30),
			// Forwarded agent requests hold the response open for up to
			// FORWARD_TIMEOUT_SEC.
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", forwardTimeout+30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			InternalAPIKey:     getEnv("INTERNAL_API_KEY", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		Platform: PlatformConfig{
			URL:     strings.TrimRight(getEnv("PLATFORM_API_URL", "http://localhost:8081"), "/"),
			Timeout: time.Duration(getEnvInt("PLATFORM_TIMEOUT_SEC", 5)) * time.Second,
		},
		Relay: RelayConfig{
			AliasDomain:     getEnv("RELAY_ALIAS_DOMAIN", "relay.sessioncast.io"),
			OwnerCacheTTL:   time.Duration(getEnvInt("OWNER_CACHE_TTL_SEC", 300)) * time.Second,
			PlanUpgradeURL:  getEnv("PLAN_UPGRADE_URL", "https://sessioncast.io/pricing"),
			LimitUpgradeURL: getEnv("LIMIT_UPGRADE_URL", "https://app.sessioncast.io/pricing"),
			ForwardTimeout:  time.Duration(forwardTimeout) * time.Second,
			MaxMessageBytes: int64(getEnvInt("WS_MAX_MESSAGE_BYTES", 256<<10)),
			SendQueue:       getEnvInt("WS_SEND_QUEUE", 256),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
