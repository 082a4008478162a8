package protocol

import (
	"encoding/json"
	"strconv"
)

// Error codes sent in error envelopes.
const (
	CodeInvalidRelayAlias = "INVALID_RELAY_ALIAS"
	CodeOwnerMismatch     = "OWNER_MISMATCH"
	CodePlanLimitExceeded = "PLAN_LIMIT_EXCEEDED"
	CodeLimitExceeded     = "LIMIT_EXCEEDED"
)

// ErrorInfo is the content of an error envelope.
type ErrorInfo struct {
	Code       string
	MessageEn  string
	MessageKo  string
	UpgradeURL string
	// Extra carries machine-readable details such as resource, current and max.
	Extra map[string]string
}

// NewError builds an error envelope.
func NewError(info ErrorInfo) Message {
	meta := make(map[string]string, len(info.Extra)+4)
	for k, v := range info.Extra {
		meta[k] = v
	}
	meta["code"] = info.Code
	meta["messageEn"] = info.MessageEn
	if info.MessageKo != "" {
		meta["messageKo"] = info.MessageKo
	}
	if info.UpgradeURL != "" {
		meta["upgradeUrl"] = info.UpgradeURL
	}
	return Message{Type: KindError, Meta: meta}
}

// NewRegister builds a register message.
func NewRegister(role Role, session string, reg Register) Message {
	meta := map[string]string{
		MetaLabel:     reg.Label,
		MetaMachineID: reg.MachineID,
	}
	if reg.Token != "" {
		meta[MetaToken] = reg.Token
	}
	if reg.AgentID != "" {
		meta[MetaAgentID] = reg.AgentID
	}
	return Message{Type: KindRegister, Role: role, Session: session, Meta: meta}
}

// NewScreen builds a screen frame message. payload is already base64 encoded.
func NewScreen(session, payload string, compressed bool) Message {
	kind := KindScreen
	if compressed {
		kind = KindScreenGz
	}
	return Message{Type: kind, Session: session, Payload: payload}
}

// NewKeys builds a keys message.
func NewKeys(session, keys string) Message {
	return Message{Type: KindKeys, Session: session, Payload: keys}
}

// NewResize builds a resize message.
func NewResize(session string, cols, rows int) Message {
	return Message{Type: KindResize, Session: session, Meta: map[string]string{
		MetaCols: strconv.Itoa(cols),
		MetaRows: strconv.Itoa(rows),
	}}
}

// NewCreateSession builds a createSession request for a machine.
func NewCreateSession(machineID, sessionName string) Message {
	return Message{Type: KindCreateSession, Meta: map[string]string{
		MetaMachineID:   machineID,
		MetaSessionName: sessionName,
	}}
}

// NewKillSession builds a killSession request.
func NewKillSession(session string) Message {
	return Message{Type: KindKillSession, Session: session}
}

// NewSessionCreated builds the host's acknowledgement of a createSession.
func NewSessionCreated(session string) Message {
	return Message{Type: KindSessionCreated, Session: session}
}

// NewSessionStatus builds a sessionStatus notification.
func NewSessionStatus(session, status string) Message {
	return Message{Type: KindSessionStatus, Session: session, Status: status}
}

// NewSessionList builds a sessionList message. A nil list encodes as [].
func NewSessionList(sessions []SessionSummary) Message {
	if sessions == nil {
		sessions = []SessionSummary{}
	}
	raw, _ := json.Marshal(sessions)
	return Message{Type: KindSessionList, Sessions: raw}
}

// NewAPIRequest builds a forwarded agent API request.
func NewAPIRequest(kind Kind, requestID string, payload json.RawMessage) Message {
	return Message{Type: kind, Meta: map[string]string{
		MetaRequestID: requestID,
		MetaPayload:   string(payload),
	}}
}

// NewAPIResponse builds the host's reply to a forwarded request.
func NewAPIResponse(requestID string, payload json.RawMessage) Message {
	return Message{Type: KindAPIResponse, Meta: map[string]string{
		MetaRequestID: requestID,
		MetaPayload:   string(payload),
	}}
}
