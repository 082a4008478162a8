package realtime

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sessioncast/relay/internal/metrics"
	"github.com/sessioncast/relay/internal/ownership"
	"github.com/sessioncast/relay/internal/protocol"
)

// Resolver resolves the owner behind aliases, agent tokens and viewer JWTs.
type Resolver interface {
	ExtractAlias(host string) string
	ResolveAlias(ctx context.Context, alias string) (*ownership.Identity, bool)
	ResolveAgentToken(ctx context.Context, token string) (*ownership.Identity, bool)
	ResolveViewerToken(token string) (*ownership.Identity, bool)
}

// Responder receives agent API responses and releases waiters bound to a
// link when it goes away.
type Responder interface {
	Complete(requestID string, payload json.RawMessage) bool
	ReleaseLink(linkID string)
}

// HandlerConfig tunes per-connection limits.
type HandlerConfig struct {
	MaxMessageBytes int64
	SendQueue       int
}

// Handler upgrades /ws requests and runs one read loop per connection that
// dispatches decoded messages into the registry.
type Handler struct {
	registry  *Registry
	resolver  Resolver
	responder Responder
	cfg       HandlerConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewHandler creates a WebSocket handler. responder may be nil when agent
// API forwarding is disabled.
func NewHandler(registry *Registry, resolver Resolver, responder Responder, cfg HandlerConfig, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 256 << 10
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry:  registry,
		resolver:  resolver,
		responder: responder,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
	}
}

// connState is what one connection knows about itself.
type connState struct {
	client       *Client
	alias        string
	invalidAlias bool
	aliasOwner   *ownership.Identity
	token        string
	viewer       *ownership.Identity
	owner        *ownership.Identity
	registered   bool
	logger       *zap.Logger
}

// requester is the identity used for list, create and kill requests: the
// registered owner, else the viewer's JWT identity.
func (cs *connState) requester() *ownership.Identity {
	if cs.registered {
		return cs.owner
	}
	return cs.viewer
}

// ServeWs handles the WebSocket upgrade and runs the connection loop.
func (h *Handler) ServeWs(c *gin.Context) {
	cs := &connState{token: c.Query("token")}

	if alias := h.resolver.ExtractAlias(c.Request.Host); alias != "" {
		cs.alias = alias
		if owner, ok := h.resolver.ResolveAlias(c.Request.Context(), alias); ok {
			cs.aliasOwner = owner
		} else {
			cs.invalidAlias = true
		}
	}
	if cs.token != "" {
		cs.viewer, _ = h.resolver.ResolveViewerToken(cs.token)
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.New().String()
	cs.logger = h.logger.With(zap.String("conn_id", id))
	cs.client = newClient(id, conn, h.cfg.SendQueue, cs.logger)
	h.metrics.ConnectionOpened()

	switch {
	case cs.invalidAlias:
		cs.logger.Warn("connected with invalid alias", zap.String("alias", cs.alias), zap.String("remote", c.ClientIP()))
		cs.client.Reject(invalidAliasRejection(cs.alias).Message())
	case cs.alias != "":
		cs.logger.Info("connected", zap.String("alias", cs.alias), zap.String("owner", cs.aliasOwner.Email), zap.String("remote", c.ClientIP()))
	default:
		cs.logger.Info("connected", zap.String("remote", c.ClientIP()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.registry.HandleDisconnect(cs.client)
		if h.responder != nil {
			h.responder.ReleaseLink(id)
		}
		cs.client.Close()
		h.metrics.ConnectionClosed()
		cs.logger.Info("disconnected")
	}()

	go cs.client.writePump()
	cs.client.readPump(h.cfg.MaxMessageBytes, func(msg protocol.Message) {
		h.dispatch(ctx, cs, msg)
	})
}

func (h *Handler) dispatch(ctx context.Context, cs *connState, msg protocol.Message) {
	switch msg.Type {
	case protocol.KindRegister:
		h.handleRegister(ctx, cs, msg)
	case protocol.KindScreen, protocol.KindScreenGz:
		h.registry.HandleScreen(cs.client, msg.Session, msg.Type, msg.Payload)
	case protocol.KindKeys:
		h.registry.HandleKeys(cs.client, msg.Session, msg.Payload)
	case protocol.KindResize:
		cols, rows, err := msg.Size()
		if err != nil {
			cs.logger.Warn("invalid resize", zap.String("session", msg.Session), zap.Error(err))
			return
		}
		h.registry.HandleResize(cs.client, msg.Session, cols, rows)
	case protocol.KindListSessions:
		h.registry.SendSessionList(cs.client, cs.requester())
	case protocol.KindCreateSession:
		machineID, name := msg.MetaValue(protocol.MetaMachineID), msg.MetaValue(protocol.MetaSessionName)
		if machineID == "" || name == "" {
			cs.logger.Warn("createSession missing machineId or sessionName")
			return
		}
		cs.logger.Info("create session request", zap.String("machine_id", machineID), zap.String("name", name))
		h.registry.ForwardCreateSession(machineID, name, cs.requester())
	case protocol.KindSessionCreated:
		cs.logger.Info("session created", zap.String("session", msg.Session))
	case protocol.KindKillSession:
		if msg.Session == "" {
			cs.logger.Warn("killSession missing session")
			return
		}
		cs.logger.Info("kill session request", zap.String("session", msg.Session))
		h.registry.ForwardKillSession(msg.Session, cs.requester())
	case protocol.KindAPIResponse:
		h.handleAPIResponse(cs, msg)
	case protocol.KindSessionList, protocol.KindSessionStatus, protocol.KindError,
		protocol.KindExec, protocol.KindLLMChat, protocol.KindSendKeys, protocol.KindAPIList:
		cs.logger.Debug("ignoring relay-bound message", zap.String("type", string(msg.Type)))
	default:
		cs.logger.Warn("unknown message type", zap.String("type", string(msg.Type)))
	}
}

func (h *Handler) handleRegister(ctx context.Context, cs *connState, msg protocol.Message) {
	switch msg.Role {
	case protocol.RoleHost, protocol.RoleAgentAPI:
		h.registerHost(ctx, cs, msg)
	case protocol.RoleViewer:
		h.registerViewer(ctx, cs, msg)
	default:
		cs.logger.Warn("register with unknown role", zap.String("role", string(msg.Role)))
	}
}

func (h *Handler) registerHost(ctx context.Context, cs *connState, msg protocol.Message) {
	info := msg.RegisterInfo()
	agentID := info.AgentID

	var owner *ownership.Identity
	if info.Token != "" {
		if id, ok := h.resolver.ResolveAgentToken(ctx, info.Token); ok {
			owner = id
			if id.AgentID != "" {
				agentID = id.AgentID
			}
		} else {
			cs.logger.Warn("invalid agent token, registering without owner", zap.String("session", msg.Session))
		}
	}

	if cs.aliasOwner != nil {
		if owner == nil || owner.Email != cs.aliasOwner.Email {
			cs.logger.Warn("agent owner mismatch for alias", zap.String("alias", cs.alias))
			cs.client.Reject(aliasOwnerRejection(cs.alias).Message())
			return
		}
		merged := *cs.aliasOwner
		merged.AgentID = owner.AgentID
		owner = &merged
	}

	var rej *Rejection
	agentLink := msg.Role == protocol.RoleAgentAPI || IsAgentSession(msg.Session)
	switch {
	case agentLink && agentID != "" && owner != nil:
		rej = h.registry.RegisterAgent(ctx, AgentRegistration{AgentID: agentID, Owner: owner, Token: info.Token}, cs.client)
	case msg.Role == protocol.RoleAgentAPI:
		cs.logger.Warn("agent API link without a verified agent id", zap.String("session", msg.Session))
		return
	default:
		rej = h.registry.RegisterHost(ctx, HostRegistration{
			SessionID: msg.Session,
			Label:     info.Label,
			MachineID: info.MachineID,
			Owner:     owner,
		}, cs.client)
	}
	if rej != nil {
		cs.client.Reject(rej.Message())
		return
	}
	cs.owner, cs.registered = owner, true
	cs.logger.Info("host registered",
		zap.String("session", msg.Session),
		zap.String("machine_id", info.MachineID),
		zap.String("owner", emailOf(owner)),
		zap.String("alias", cs.alias),
		zap.String("agent_id", agentID))
}

func (h *Handler) registerViewer(ctx context.Context, cs *connState, msg protocol.Message) {
	owner := cs.viewer
	if cs.aliasOwner != nil && (owner == nil || owner.Email != cs.aliasOwner.Email) {
		cs.logger.Warn("viewer owner mismatch for alias", zap.String("alias", cs.alias))
		cs.client.Reject(aliasOwnerRejection(cs.alias).Message())
		return
	}
	if rej := h.registry.RegisterViewer(ctx, ViewerRegistration{SessionID: msg.Session, Owner: owner, Token: cs.token}, cs.client); rej != nil {
		cs.logger.Warn("viewer rejected", zap.String("session", msg.Session), zap.String("code", rej.Code))
		cs.client.Reject(rej.Message())
		return
	}
	cs.owner, cs.registered = owner, true
	cs.logger.Info("viewer registered", zap.String("session", msg.Session), zap.String("owner", emailOf(owner)), zap.String("alias", cs.alias))
}

func (h *Handler) handleAPIResponse(cs *connState, msg protocol.Message) {
	requestID := msg.MetaValue(protocol.MetaRequestID)
	if requestID == "" {
		cs.logger.Warn("api_response missing requestId")
		return
	}
	if h.responder == nil {
		return
	}
	payload := msg.MetaValue(protocol.MetaPayload)
	raw := json.RawMessage(payload)
	if payload == "" {
		raw = json.RawMessage("{}")
	} else if !json.Valid(raw) {
		quoted, _ := json.Marshal(payload)
		raw = quoted
	}
	if !h.responder.Complete(requestID, raw) {
		cs.logger.Debug("api_response for unknown request", zap.String("request_id", requestID))
	}
}

func emailOf(id *ownership.Identity) string {
	if id == nil {
		return ""
	}
	return id.Email
}
