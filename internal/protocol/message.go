// Package protocol defines the JSON envelope exchanged between hosts, viewers
// and the relay over WebSocket text frames.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrMissingType is returned when an envelope has no type field.
	ErrMissingType = errors.New("protocol: message type missing")
	// ErrMissingMeta is returned when a required meta key is absent.
	ErrMissingMeta = errors.New("protocol: meta key missing")
)

// Kind is the message type tag carried in the envelope's "type" field.
type Kind string

const (
	KindRegister       Kind = "register"
	KindScreen         Kind = "screen"
	KindScreenGz       Kind = "screenGz"
	KindKeys           Kind = "keys"
	KindResize         Kind = "resize"
	KindListSessions   Kind = "listSessions"
	KindSessionList    Kind = "sessionList"
	KindCreateSession  Kind = "createSession"
	KindSessionCreated Kind = "sessionCreated"
	KindKillSession    Kind = "killSession"
	KindAPIResponse    Kind = "api_response"
	KindExec           Kind = "exec"
	KindLLMChat        Kind = "llm_chat"
	KindSendKeys       Kind = "send_keys"
	KindAPIList        Kind = "list_sessions"
	KindError          Kind = "error"
	KindSessionStatus  Kind = "sessionStatus"
)

var knownKinds = map[Kind]struct{}{
	KindRegister: {}, KindScreen: {}, KindScreenGz: {}, KindKeys: {}, KindResize: {},
	KindListSessions: {}, KindSessionList: {}, KindCreateSession: {}, KindSessionCreated: {},
	KindKillSession: {}, KindAPIResponse: {}, KindExec: {}, KindLLMChat: {}, KindSendKeys: {},
	KindAPIList: {}, KindError: {}, KindSessionStatus: {},
}

// Known reports whether k is one of the enumerated message kinds.
func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// IsScreen reports whether k carries a screen frame.
func (k Kind) IsScreen() bool {
	return k == KindScreen || k == KindScreenGz
}

// IsAPIRequest reports whether k is a forwarded agent API request.
func (k Kind) IsAPIRequest() bool {
	switch k {
	case KindExec, KindLLMChat, KindSendKeys, KindAPIList:
		return true
	}
	return false
}

// Role is the negotiated role of a connection.
type Role string

const (
	RoleHost     Role = "host"
	RoleViewer   Role = "viewer"
	RoleAgentAPI Role = "agent-api"
)

// Session status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Meta keys used across message kinds.
const (
	MetaLabel       = "label"
	MetaMachineID   = "machineId"
	MetaToken       = "token"
	MetaAgentID     = "agentId"
	MetaCols        = "cols"
	MetaRows        = "rows"
	MetaSessionName = "sessionName"
	MetaRequestID   = "requestId"
	MetaPayload     = "payload"
)

// Message is the flat envelope used for every frame on the socket.
// Sessions and Status are only populated on sessionList and sessionStatus.
type Message struct {
	Type     Kind              `json:"type"`
	Role     Role              `json:"role,omitempty"`
	Session  string            `json:"session,omitempty"`
	Payload  string            `json:"payload,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
	Sessions json.RawMessage   `json:"sessions,omitempty"`
	Status   string            `json:"status,omitempty"`
}

// SessionSummary is one entry of a sessionList message.
type SessionSummary struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	MachineID string `json:"machineId"`
	Status    string `json:"status"`
}

// Decode parses one envelope. Unknown fields are ignored; a missing type is
// an error. Unknown kinds decode successfully and are left to the caller's
// default arm.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("protocol: decode: %w", err)
	}
	if m.Type == "" {
		return Message{}, ErrMissingType
	}
	return m, nil
}

// Encode serializes m.
func Encode(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, ErrMissingType
	}
	return json.Marshal(m)
}

// MetaValue returns meta[key] or "" when absent.
func (m Message) MetaValue(key string) string {
	if m.Meta == nil {
		return ""
	}
	return m.Meta[key]
}

// Register holds the meta fields of a register message.
type Register struct {
	Label     string
	MachineID string
	Token     string
	AgentID   string
}

// RegisterInfo extracts registration meta. Label defaults to the session id
// and machine id to "unknown".
func (m Message) RegisterInfo() Register {
	r := Register{
		Label:     m.MetaValue(MetaLabel),
		MachineID: m.MetaValue(MetaMachineID),
		Token:     m.MetaValue(MetaToken),
		AgentID:   m.MetaValue(MetaAgentID),
	}
	if r.Label == "" {
		r.Label = m.Session
	}
	if r.MachineID == "" {
		r.MachineID = "unknown"
	}
	return r
}

// Size returns the cols and rows of a resize message.
func (m Message) Size() (cols, rows int, err error) {
	colsStr, rowsStr := m.MetaValue(MetaCols), m.MetaValue(MetaRows)
	if colsStr == "" || rowsStr == "" {
		return 0, 0, fmt.Errorf("resize: %w", ErrMissingMeta)
	}
	cols, err = strconv.Atoi(colsStr)
	if err != nil {
		return 0, 0, fmt.Errorf("resize cols %q: %w", colsStr, err)
	}
	rows, err = strconv.Atoi(rowsStr)
	if err != nil {
		return 0, 0, fmt.Errorf("resize rows %q: %w", rowsStr, err)
	}
	if cols <= 0 || rows <= 0 {
		return 0, 0, fmt.Errorf("resize: invalid dimensions %dx%d", cols, rows)
	}
	return cols, rows, nil
}

// SessionList decodes the sessions array of a sessionList message.
func (m Message) SessionList() ([]SessionSummary, error) {
	if len(m.Sessions) == 0 {
		return nil, nil
	}
	var out []SessionSummary
	if err := json.Unmarshal(m.Sessions, &out); err != nil {
		return nil, fmt.Errorf("protocol: session list: %w", err)
	}
	return out, nil
}
