// Package forward round-trips agent API requests through an agent's relay
// link and correlates the replies by request id.
package forward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sessioncast/relay/internal/metrics"
	"github.com/sessioncast/relay/internal/protocol"
	"github.com/sessioncast/relay/internal/realtime"
)

// DefaultTimeout bounds how long a forwarded request waits for its reply.
const DefaultTimeout = 5 * time.Minute

var (
	// ErrAgentOffline is returned when the agent has no live link, or the
	// link went away while the request was pending.
	ErrAgentOffline = errors.New("forward: agent offline")
	// ErrTimeout is returned when the agent does not reply in time.
	ErrTimeout = errors.New("forward: agent did not respond in time")
)

// Agents looks up live agent API links.
type Agents interface {
	AgentLink(agentID string) (realtime.Link, bool)
}

type waiter struct {
	reply  chan json.RawMessage
	gone   chan struct{}
	linkID string
}

// Forwarder tracks in-flight requests. Every waiter is released on reply,
// timeout, caller cancellation or disconnect of the link it was sent on.
type Forwarder struct {
	agents  Agents
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]*waiter
}

// NewForwarder creates a forwarder. timeout <= 0 uses DefaultTimeout.
func NewForwarder(agents Agents, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		agents:  agents,
		timeout: timeout,
		metrics: m,
		logger:  logger,
		pending: make(map[string]*waiter),
	}
}

// Forward sends a kind request with payload to agentID and waits for the
// agent's api_response.
func (f *Forwarder) Forward(ctx context.Context, agentID string, kind protocol.Kind, payload json.RawMessage) (json.RawMessage, error) {
	link, ok := f.agents.AgentLink(agentID)
	if !ok {
		f.metrics.ForwardRequest("offline")
		return nil, ErrAgentOffline
	}

	id := uuid.New().String()
	w := &waiter{reply: make(chan json.RawMessage, 1), gone: make(chan struct{}), linkID: link.ID()}
	f.mu.Lock()
	f.pending[id] = w
	f.mu.Unlock()
	defer f.remove(id)

	if err := link.Send(protocol.NewAPIRequest(kind, id, payload)); err != nil {
		f.metrics.ForwardRequest("offline")
		return nil, fmt.Errorf("%w: %v", ErrAgentOffline, err)
	}
	f.logger.Debug("request forwarded", zap.String("agent_id", agentID), zap.String("type", string(kind)), zap.String("request_id", id))

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()
	select {
	case reply := <-w.reply:
		f.metrics.ForwardRequest("ok")
		return reply, nil
	case <-w.gone:
		f.metrics.ForwardRequest("offline")
		return nil, ErrAgentOffline
	case <-timer.C:
		f.metrics.ForwardRequest("timeout")
		f.logger.Warn("agent request timed out", zap.String("agent_id", agentID), zap.String("request_id", id))
		return nil, ErrTimeout
	case <-ctx.Done():
		f.metrics.ForwardRequest("canceled")
		return nil, ctx.Err()
	}
}

func (f *Forwarder) remove(id string) {
	f.mu.Lock()
	delete(f.pending, id)
	f.mu.Unlock()
}

// Complete delivers an agent reply. It reports false for unknown or already
// finished requests.
func (f *Forwarder) Complete(requestID string, payload json.RawMessage) bool {
	f.mu.Lock()
	w, ok := f.pending[requestID]
	f.mu.Unlock()
	if !ok {
		f.logger.Warn("response for unknown request", zap.String("request_id", requestID))
		return false
	}
	select {
	case w.reply <- payload:
	default:
	}
	return true
}

// ReleaseLink fails every request waiting on linkID.
func (f *Forwarder) ReleaseLink(linkID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, w := range f.pending {
		if w.linkID == linkID {
			close(w.gone)
			delete(f.pending, id)
		}
	}
}

// Pending returns the number of in-flight requests.
func (f *Forwarder) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
