// Package ownership maps connections to owner identities: agent tokens and
// relay aliases are validated against the platform, viewer JWTs locally.
// Results, including negative ones, are cached for a bounded TTL.
package ownership

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sessioncast/relay/internal/auth"
	"github.com/sessioncast/relay/internal/platform"
)

// Unlimited marks a plan limit with no cap.
const Unlimited = -1

// DefaultTTL is how long resolved identities are cached.
const DefaultTTL = 5 * time.Minute

var aliasPattern = regexp.MustCompile(`^[a-z0-9]{6,12}$`)

// Identity is the resolved owner of a connection.
type Identity struct {
	Email string
	Plan  string
	// MaxSessions and MaxAgents are only meaningful when HasLimits is set;
	// Unlimited means no cap.
	MaxSessions int
	MaxAgents   int
	HasLimits   bool
	AgentID     string
	Alias       string
}

// Platform is the subset of the platform API the resolver needs.
type Platform interface {
	ValidateAgent(ctx context.Context, token string) (platform.AgentInfo, error)
	RelayAlias(ctx context.Context, alias string) (platform.AliasInfo, error)
}

type cachedAgent struct {
	Found   bool   `json:"found"`
	Email   string `json:"email,omitempty"`
	AgentID string `json:"agentId,omitempty"`
}

type cachedAlias struct {
	Valid       bool   `json:"valid"`
	Email       string `json:"email,omitempty"`
	Plan        string `json:"plan,omitempty"`
	MaxSessions int    `json:"maxSessions"`
	MaxAgents   int    `json:"maxAgents"`
}

// Resolver resolves owner identities.
type Resolver struct {
	platform    Platform
	cache       Cache
	jwt         *auth.JWTService
	ttl         time.Duration
	aliasDomain string
	logger      *zap.Logger
}

// Config configures a Resolver.
type Config struct {
	// AliasDomain is the host suffix under which aliases live, e.g.
	// "relay.sessioncast.io".
	AliasDomain string
	TTL         time.Duration
}

// NewResolver creates a resolver. cache defaults to a MemoryCache.
func NewResolver(p Platform, cache Cache, jwtService *auth.JWTService, cfg Config, logger *zap.Logger) *Resolver {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		platform:    p,
		cache:       cache,
		jwt:         jwtService,
		ttl:         cfg.TTL,
		aliasDomain: strings.TrimPrefix(strings.ToLower(cfg.AliasDomain), "."),
		logger:      logger,
	}
}

// ResolveAgentToken validates a host's agent token. Any failure, including an
// unreachable platform, resolves to no owner and is cached as such.
func (r *Resolver) ResolveAgentToken(ctx context.Context, token string) (*Identity, bool) {
	if token == "" {
		return nil, false
	}
	key := "agent:" + token
	var cached cachedAgent
	if ok, err := r.cache.Get(ctx, key, &cached); err != nil {
		r.logger.Warn("owner cache read failed", zap.Error(err))
	} else if ok {
		return agentIdentity(cached)
	}

	info, err := r.platform.ValidateAgent(ctx, token)
	if err != nil || info.UserEmail == "" {
		if err != nil {
			r.logger.Warn("agent token validation failed", zap.String("token", redact(token)), zap.Error(err))
		}
		cached = cachedAgent{Found: false}
	} else {
		cached = cachedAgent{Found: true, Email: info.UserEmail, AgentID: info.AgentID}
		r.logger.Debug("agent token validated", zap.String("token", redact(token)), zap.String("owner", info.UserEmail))
	}
	if err := r.cache.Set(ctx, key, cached, r.ttl); err != nil {
		r.logger.Warn("owner cache write failed", zap.Error(err))
	}
	return agentIdentity(cached)
}

func agentIdentity(c cachedAgent) (*Identity, bool) {
	if !c.Found {
		return nil, false
	}
	return &Identity{Email: c.Email, AgentID: c.AgentID}, true
}

// ResolveViewerToken validates a viewer JWT locally.
func (r *Resolver) ResolveViewerToken(token string) (*Identity, bool) {
	if token == "" || r.jwt == nil {
		return nil, false
	}
	claims, err := r.jwt.Validate(token)
	if err != nil {
		return nil, false
	}
	return &Identity{Email: claims.Email, Plan: claims.Plan}, true
}

// ExtractAlias returns the alias encoded in a Host header, or "" when the
// host is not a well-formed alias subdomain.
func (r *Resolver) ExtractAlias(host string) string {
	if host == "" || r.aliasDomain == "" {
		return ""
	}
	host = strings.ToLower(host)
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	suffix := "." + r.aliasDomain
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	sub := strings.TrimSuffix(host, suffix)
	if !aliasPattern.MatchString(sub) {
		return ""
	}
	return sub
}

// ResolveAlias validates an alias and returns its owner with plan limits.
// Platform answers (valid or not) are cached; transport failures are not,
// and resolve to no owner.
func (r *Resolver) ResolveAlias(ctx context.Context, alias string) (*Identity, bool) {
	if alias == "" {
		return nil, false
	}
	key := "alias:" + alias
	var cached cachedAlias
	if ok, err := r.cache.Get(ctx, key, &cached); err != nil {
		r.logger.Warn("alias cache read failed", zap.Error(err))
	} else if ok {
		return aliasIdentity(alias, cached)
	}

	info, err := r.platform.RelayAlias(ctx, alias)
	if err != nil {
		r.logger.Warn("relay alias validation failed", zap.String("alias", alias), zap.Error(err))
		return nil, false
	}
	cached = cachedAlias{Valid: info.Valid && info.Email != "", MaxSessions: Unlimited, MaxAgents: Unlimited}
	if cached.Valid {
		cached.Email = info.Email
		cached.Plan = info.Plan
		if info.MaxSessions != nil {
			cached.MaxSessions = *info.MaxSessions
		}
		if info.MaxAgents != nil {
			cached.MaxAgents = *info.MaxAgents
		}
	}
	if err := r.cache.Set(ctx, key, cached, r.ttl); err != nil {
		r.logger.Warn("alias cache write failed", zap.Error(err))
	}
	return aliasIdentity(alias, cached)
}

func aliasIdentity(alias string, c cachedAlias) (*Identity, bool) {
	if !c.Valid {
		return nil, false
	}
	return &Identity{
		Email:       c.Email,
		Plan:        c.Plan,
		MaxSessions: c.MaxSessions,
		MaxAgents:   c.MaxAgents,
		HasLimits:   true,
		Alias:       alias,
	}, true
}

func redact(token string) string {
	if len(token) <= 12 {
		return token[:len(token)/2] + "..."
	}
	return token[:12] + "..."
}
