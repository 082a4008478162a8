package platform

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAgent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/validate-agent/agt_123", r.URL.Path)
		_, _ = w.Write([]byte(`{"userEmail":"a@example.com","agentId":"ag-1"}`))
	}))
	t.Cleanup(server.Close)

	info, err := NewClient(server.URL, time.Second).ValidateAgent(context.Background(), "agt_123")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", info.UserEmail)
	assert.Equal(t, "ag-1", info.AgentID)
}

func TestCheckLimitSendsBearer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/usage/check-limit/sessions", r.URL.Path)
		assert.Equal(t, "Bearer user-jwt", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"allowed":false,"remaining":0}`))
	}))
	t.Cleanup(server.Close)

	res, err := NewClient(server.URL, time.Second).CheckLimit(context.Background(), "user-jwt", "sessions")
	require.NoError(t, err)
	require.NotNil(t, res.Allowed)
	assert.False(t, *res.Allowed)
	require.NotNil(t, res.Remaining)
	assert.Equal(t, 0, *res.Remaining)
}

func TestPlanLimitQueryEscapesEmail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a+b@example.com", r.URL.Query().Get("email"))
		_, _ = w.Write([]byte(`{"maxSessions":3}`))
	}))
	t.Cleanup(server.Close)

	res, err := NewClient(server.URL, time.Second).PlanLimit(context.Background(), "a+b@example.com")
	require.NoError(t, err)
	require.NotNil(t, res.MaxSessions)
	assert.Equal(t, 3, *res.MaxSessions)
}

func TestNonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	_, err := NewClient(server.URL, time.Second).RelayAlias(context.Background(), "abc123")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, "/internal/relay-alias/abc123", statusErr.Path)
}

func TestRequestTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(server.Close)

	_, err := NewClient(server.URL, 20*time.Millisecond).ValidateAgent(context.Background(), "t")
	require.Error(t, err)
}
