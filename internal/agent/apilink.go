package agent

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/sessioncast/relay/internal/agent/config"
	"github.com/sessioncast/relay/internal/agent/conn"
	"github.com/sessioncast/relay/internal/agent/tmux"
	"github.com/sessioncast/relay/internal/protocol"
)

// apiJitter spreads agent API reconnects wider than session links.
const apiJitter = 0.5

// APIMux is the tmux surface used by forwarded API requests.
type APIMux interface {
	SendKeys(ctx context.Context, target string, keys ...string) error
	ListDetailed(ctx context.Context) ([]tmux.SessionInfo, error)
}

// APILink answers forwarded agent API requests over a dedicated relay link
// registered as api-<agentId>.
type APILink struct {
	engine *conn.Engine
	mux    APIMux
	logger *zap.Logger
}

// NewAPILink creates the agent API link for cfg.API.AgentID.
func NewAPILink(cfg *config.Config, mux APIMux, logger *zap.Logger) *APILink {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &APILink{mux: mux, logger: logger.With(zap.String("agent_id", cfg.API.AgentID))}
	l.engine = conn.New(conn.Options{
		URL: cfg.Relay,
		Register: protocol.NewRegister(protocol.RoleAgentAPI, cfg.APISessionID(), protocol.Register{
			Label:     cfg.APISessionID(),
			MachineID: cfg.MachineID,
			Token:     cfg.Token,
			AgentID:   cfg.API.AgentID,
		}),
		Backoff: conn.Backoff{
			Base:   cfg.Reconnect.Base,
			Cap:    cfg.Reconnect.Cap,
			Jitter: apiJitter,
		},
		InitialJitter: cfg.Reconnect.InitialJitter,
		OnMessage:     l.handle,
	}, logger)
	return l
}

// Run keeps the link up until ctx is done.
func (l *APILink) Run(ctx context.Context) error {
	return l.engine.Run(ctx)
}

// Shutdown closes the link.
func (l *APILink) Shutdown() { l.engine.Shutdown() }

func (l *APILink) handle(msg protocol.Message) {
	if !msg.Type.IsAPIRequest() {
		l.logger.Debug("ignoring message", zap.String("type", string(msg.Type)))
		return
	}
	requestID := msg.MetaValue(protocol.MetaRequestID)
	if requestID == "" {
		l.logger.Warn("api request missing requestId", zap.String("type", string(msg.Type)))
		return
	}
	result := l.Respond(context.Background(), msg.Type, json.RawMessage(msg.MetaValue(protocol.MetaPayload)))
	payload, err := json.Marshal(result)
	if err != nil {
		l.logger.Error("encode api response", zap.Error(err))
		return
	}
	if err := l.engine.Send(protocol.NewAPIResponse(requestID, payload)); err != nil {
		l.logger.Warn("send api response", zap.String("request_id", requestID), zap.Error(err))
	}
}

type sendKeysRequest struct {
	Target string `json:"target"`
	Keys   string `json:"keys"`
	Enter  *bool  `json:"enter"`
}

// Respond computes the reply for one forwarded request.
func (l *APILink) Respond(ctx context.Context, kind protocol.Kind, payload json.RawMessage) map[string]any {
	switch kind {
	case protocol.KindSendKeys:
		return l.sendKeys(ctx, payload)
	case protocol.KindAPIList:
		return l.listSessions(ctx)
	case protocol.KindExec:
		return map[string]any{
			"exitCode": -1,
			"stdout":   "",
			"stderr":   "exec is not supported by this agent",
			"duration": 0,
		}
	case protocol.KindLLMChat:
		return map[string]any{
			"error": map[string]any{
				"message": "llm_chat is not supported by this agent",
				"type":    "unsupported",
			},
		}
	}
	return map[string]any{"success": false, "error": "unknown request type " + string(kind)}
}

func (l *APILink) sendKeys(ctx context.Context, payload json.RawMessage) map[string]any {
	var req sendKeysRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return map[string]any{"success": false, "error": "invalid payload: " + err.Error()}
		}
	}
	if req.Target == "" || req.Keys == "" {
		return map[string]any{"success": false, "error": "target and keys are required"}
	}
	keys := []string{req.Keys}
	if req.Enter == nil || *req.Enter {
		keys = append(keys, "Enter")
	}
	l.logger.Info("api send_keys", zap.String("target", req.Target), zap.Int("bytes", len(req.Keys)))
	if err := l.mux.SendKeys(ctx, req.Target, keys...); err != nil {
		return map[string]any{"success": false, "error": strings.TrimSpace(err.Error())}
	}
	return map[string]any{"success": true, "target": req.Target}
}

func (l *APILink) listSessions(ctx context.Context) map[string]any {
	sessions, err := l.mux.ListDetailed(ctx)
	if err != nil {
		return map[string]any{"sessions": []tmux.SessionInfo{}, "error": err.Error()}
	}
	return map[string]any{"sessions": sessions}
}
