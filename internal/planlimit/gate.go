// Package planlimit admits or denies session and agent registrations against
// the owner's plan.
//
// Every quota lookup fails OPEN: when the quota service cannot be reached
// the registration is allowed. Identity resolution fails closed instead
// (see package ownership).
package planlimit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sessioncast/relay/internal/ownership"
	"github.com/sessioncast/relay/internal/platform"
)

// Resource names used by the usage endpoint and in LIMIT_EXCEEDED errors.
const (
	ResourceSessions = "sessions"
	ResourceAgents   = "agents"
)

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed   bool
	Resource  string
	Current   int
	Max       int
	Remaining int
	MessageEn string
	MessageKo string
}

// Allow is the zero-cost admitting decision.
func Allow() Decision {
	return Decision{Allowed: true, Max: ownership.Unlimited, Remaining: ownership.Unlimited}
}

// Quota is the subset of the platform API the gate needs.
type Quota interface {
	PlanLimit(ctx context.Context, email string) (platform.PlanLimit, error)
	CheckLimit(ctx context.Context, bearer, resource string) (platform.LimitCheck, error)
}

// Gate evaluates plan limits.
type Gate struct {
	quota  Quota
	logger *zap.Logger
}

// NewGate creates a gate backed by quota.
func NewGate(quota Quota, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{quota: quota, logger: logger}
}

// CheckSessionLimit asks the usage service whether the bearer may join one
// more session. Anonymous callers are allowed.
func (g *Gate) CheckSessionLimit(ctx context.Context, bearer string) Decision {
	return g.checkUsage(ctx, bearer, ResourceSessions)
}

// CheckAgentLimit asks the usage service whether the bearer may register one
// more agent. Anonymous callers are allowed.
func (g *Gate) CheckAgentLimit(ctx context.Context, bearer string) Decision {
	return g.checkUsage(ctx, bearer, ResourceAgents)
}

func (g *Gate) checkUsage(ctx context.Context, bearer, resource string) Decision {
	if bearer == "" || g.quota == nil {
		return Allow()
	}
	res, err := g.quota.CheckLimit(ctx, bearer, resource)
	if err != nil {
		g.logger.Warn("plan limit check failed, allowing", zap.String("resource", resource), zap.Error(err))
		return Allow()
	}
	d := Allow()
	d.Resource = resource
	if res.Remaining != nil {
		d.Remaining = *res.Remaining
	}
	if res.Allowed != nil && !*res.Allowed {
		d.Allowed = false
		d.MessageEn, d.MessageKo = usageMessages(resource)
	}
	return d
}

// MaxSessionsFor returns the session cap for email, ownership.Unlimited when
// there is none or when the quota service is unavailable.
func (g *Gate) MaxSessionsFor(ctx context.Context, email string) int {
	if email == "" || g.quota == nil {
		return ownership.Unlimited
	}
	res, err := g.quota.PlanLimit(ctx, email)
	if err != nil {
		g.logger.Warn("plan limit lookup failed, allowing", zap.String("owner", email), zap.Error(err))
		return ownership.Unlimited
	}
	if res.MaxSessions == nil {
		return ownership.Unlimited
	}
	return *res.MaxSessions
}

// AdmitHostSession decides whether owner may register a new host session
// while already holding current sessions. Limits carried by the identity
// (from an alias lookup) are used before asking the quota service.
func (g *Gate) AdmitHostSession(ctx context.Context, owner *ownership.Identity, current int) Decision {
	if owner == nil {
		return Allow()
	}
	limit := owner.MaxSessions
	if !owner.HasLimits {
		limit = g.MaxSessionsFor(ctx, owner.Email)
	}
	return capDecision(ResourceSessions, current, limit)
}

// AdmitAgent decides whether owner may register a new agent-api link while
// already holding current agents. token is used for the usage service when
// the identity carries no limits.
func (g *Gate) AdmitAgent(ctx context.Context, owner *ownership.Identity, current int, token string) Decision {
	if owner == nil {
		return Allow()
	}
	if owner.HasLimits {
		return capDecision(ResourceAgents, current, owner.MaxAgents)
	}
	return g.CheckAgentLimit(ctx, token)
}

func capDecision(resource string, current, limit int) Decision {
	d := Decision{Allowed: true, Resource: resource, Current: current, Max: limit, Remaining: ownership.Unlimited}
	if limit == ownership.Unlimited {
		return d
	}
	d.Remaining = limit - current
	if current >= limit {
		d.Allowed = false
		d.Remaining = 0
		d.MessageEn, d.MessageKo = capMessages(resource, limit)
	}
	return d
}

func capMessages(resource string, limit int) (en, ko string) {
	if resource == ResourceAgents {
		return fmt.Sprintf("Agent limit (%d) reached. Upgrade your plan for more agents.", limit),
			fmt.Sprintf("에이전트 제한(%d개)에 도달했습니다. 더 많은 에이전트를 사용하려면 플랜을 업그레이드하세요.", limit)
	}
	return fmt.Sprintf("Session limit (%d) reached. Upgrade your plan for more sessions.", limit),
		fmt.Sprintf("세션 제한(%d개)에 도달했습니다. 더 많은 세션을 사용하려면 플랜을 업그레이드하세요.", limit)
}

func usageMessages(resource string) (en, ko string) {
	if resource == ResourceAgents {
		return "Agent limit reached. Upgrade to Pro plan for more agents.",
			"에이전트 제한에 도달했습니다. 더 많은 에이전트를 사용하려면 Pro 플랜으로 업그레이드하세요."
	}
	return "Session limit reached. Upgrade to Pro plan for more sessions.",
		"세션 제한에 도달했습니다. 더 많은 세션을 사용하려면 Pro 플랜으로 업그레이드하세요."
}
