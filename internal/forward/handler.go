package forward

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sessioncast/relay/internal/protocol"
	"github.com/sessioncast/relay/pkg/response"
)

// statusClientClosed is reported when the caller goes away before the agent
// replies.
const statusClientClosed = 499

// Request is the body for POST /internal/forward.
type Request struct {
	AgentID string          `json:"agentId" binding:"required"`
	Type    string          `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// StatusResponse is the body for GET /internal/agents/:agentId/status.
type StatusResponse struct {
	AgentID   string `json:"agentId"`
	Connected bool   `json:"connected"`
}

// Presence reports whether an agent has a live link.
type Presence interface {
	AgentConnected(agentID string) bool
}

// Handler serves the internal agent API bridge.
type Handler struct {
	forwarder *Forwarder
	agents    Presence
}

// NewHandler creates a forward handler.
func NewHandler(forwarder *Forwarder, agents Presence) *Handler {
	return &Handler{forwarder: forwarder, agents: agents}
}

// Forward handles POST /internal/forward. On success the agent's reply is
// returned verbatim.
func (h *Handler) Forward(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	kind := protocol.Kind(req.Type)
	if !kind.IsAPIRequest() {
		response.BadRequest(c, "unsupported request type: "+req.Type)
		return
	}
	payload := req.Payload
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage("{}")
	}

	reply, err := h.forwarder.Forward(c.Request.Context(), req.AgentID, kind, payload)
	switch {
	case err == nil:
		c.Data(http.StatusOK, "application/json; charset=utf-8", reply)
	case errors.Is(err, ErrAgentOffline):
		response.ServiceUnavailable(c, "agent_offline")
	case errors.Is(err, ErrTimeout):
		response.GatewayTimeout(c, "timeout")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.AbortWithStatus(statusClientClosed)
	default:
		response.Internal(c, "internal_error")
	}
}

// AgentStatus handles GET /internal/agents/:agentId/status.
func (h *Handler) AgentStatus(c *gin.Context) {
	agentID := c.Param("agentId")
	c.JSON(http.StatusOK, StatusResponse{AgentID: agentID, Connected: h.agents.AgentConnected(agentID)})
}
