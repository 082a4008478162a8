package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessioncast/relay/internal/protocol"
	"github.com/sessioncast/relay/internal/realtime"
)

// agentLink answers every request through onSend.
type agentLink struct {
	id     string
	onSend func(protocol.Message)
	err    error

	mu   sync.Mutex
	sent []protocol.Message
}

func (l *agentLink) ID() string { return l.id }

func (l *agentLink) Send(msg protocol.Message) error {
	if l.err != nil {
		return l.err
	}
	l.mu.Lock()
	l.sent = append(l.sent, msg)
	l.mu.Unlock()
	if l.onSend != nil {
		go l.onSend(msg)
	}
	return nil
}

func (l *agentLink) Reject(protocol.Message) {}
func (l *agentLink) Close()                  {}

type agentSet map[string]realtime.Link

func (a agentSet) AgentLink(id string) (realtime.Link, bool) {
	l, ok := a[id]
	return l, ok
}

func (a agentSet) AgentConnected(id string) bool {
	_, ok := a[id]
	return ok
}

func TestForwardRoundTrip(t *testing.T) {
	var f *Forwarder
	link := &agentLink{id: "link-1"}
	link.onSend = func(msg protocol.Message) {
		assert.Equal(t, protocol.KindAPIList, msg.Type)
		assert.JSONEq(t, `{"x":1}`, msg.MetaValue(protocol.MetaPayload))
		f.Complete(msg.MetaValue(protocol.MetaRequestID), json.RawMessage(`{"sessions":[]}`))
	}
	f = NewForwarder(agentSet{"ag-1": link}, time.Second, nil, nil)

	reply, err := f.Forward(context.Background(), "ag-1", protocol.KindAPIList, json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"sessions":[]}`, string(reply))
	assert.Equal(t, 0, f.Pending())
}

func TestForwardAgentOffline(t *testing.T) {
	f := NewForwarder(agentSet{}, time.Second, nil, nil)
	_, err := f.Forward(context.Background(), "missing", protocol.KindExec, nil)
	assert.ErrorIs(t, err, ErrAgentOffline)

	broken := &agentLink{id: "l", err: realtime.ErrSendBufferFull}
	f = NewForwarder(agentSet{"ag": broken}, time.Second, nil, nil)
	_, err = f.Forward(context.Background(), "ag", protocol.KindExec, nil)
	assert.ErrorIs(t, err, ErrAgentOffline)
	assert.Equal(t, 0, f.Pending())
}

func TestForwardTimeoutReleasesWaiter(t *testing.T) {
	f := NewForwarder(agentSet{"ag": &agentLink{id: "l"}}, 20*time.Millisecond, nil, nil)
	_, err := f.Forward(context.Background(), "ag", protocol.KindLLMChat, nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, f.Pending())
	assert.False(t, f.Complete("late", json.RawMessage(`{}`)))
}

func TestForwardCancelReleasesWaiter(t *testing.T) {
	f := NewForwarder(agentSet{"ag": &agentLink{id: "l"}}, time.Minute, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return f.Pending() == 1 }, time.Second, time.Millisecond)
		cancel()
	}()
	_, err := f.Forward(ctx, "ag", protocol.KindExec, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.Pending())
}

func TestReleaseLinkFailsWaiters(t *testing.T) {
	f := NewForwarder(agentSet{"ag": &agentLink{id: "link-7"}}, time.Minute, nil, nil)
	go func() {
		assert.Eventually(t, func() bool { return f.Pending() == 1 }, time.Second, time.Millisecond)
		f.ReleaseLink("other")
		f.ReleaseLink("link-7")
	}()
	_, err := f.Forward(context.Background(), "ag", protocol.KindExec, nil)
	assert.ErrorIs(t, err, ErrAgentOffline)
	assert.Equal(t, 0, f.Pending())
}

func newRouter(f *Forwarder, agents agentSet) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(f, agents)
	r := gin.New()
	r.POST("/internal/forward", h.Forward)
	r.GET("/internal/agents/:agentId/status", h.AgentStatus)
	return r
}

func TestForwardEndpoint(t *testing.T) {
	var f *Forwarder
	link := &agentLink{id: "l"}
	link.onSend = func(msg protocol.Message) {
		f.Complete(msg.MetaValue(protocol.MetaRequestID), json.RawMessage(`{"success":true}`))
	}
	agents := agentSet{"ag-1": link}
	f = NewForwarder(agents, time.Second, nil, nil)
	router := newRouter(f, agents)

	tests := []struct {
		name string
		body string
		code int
		want string
	}{
		{"ok", `{"agentId":"ag-1","type":"send_keys","payload":{"target":"main","keys":"ls"}}`, http.StatusOK, `{"success":true}`},
		{"offline", `{"agentId":"nope","type":"exec","payload":{}}`, http.StatusServiceUnavailable, `{"success":false,"error":"agent_offline"}`},
		{"bad type", `{"agentId":"ag-1","type":"keys"}`, http.StatusBadRequest, ""},
		{"missing agent", `{"type":"exec"}`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/internal/forward", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
			if tt.want != "" {
				assert.JSONEq(t, tt.want, rec.Body.String())
			}
		})
	}
}

func TestForwardEndpointTimeout(t *testing.T) {
	agents := agentSet{"ag-1": &agentLink{id: "l"}}
	router := newRouter(NewForwarder(agents, 10*time.Millisecond, nil, nil), agents)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/forward", bytes.NewBufferString(`{"agentId":"ag-1","type":"llm_chat"}`))
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"timeout"}`, rec.Body.String())
}

func TestAgentStatusEndpoint(t *testing.T) {
	agents := agentSet{"ag-1": &agentLink{id: "l"}}
	router := newRouter(NewForwarder(agents, time.Second, nil, nil), agents)

	for id, want := range map[string]bool{"ag-1": true, "ag-2": false} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/internal/agents/"+id+"/status", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var got StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, StatusResponse{AgentID: id, Connected: want}, got)
	}
}
