package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersTrackEvents(t *testing.T) {
	m := New()

	m.SessionOnline()
	m.SessionOnline()
	m.SessionOffline()
	m.ViewerJoined()
	m.ViewerJoined()
	m.ViewerLeft(true)
	m.FrameBroadcast("screen", 3)
	m.FrameBroadcast("screen", 0)
	m.Registration("host", "ok")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsOnline))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.viewersConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.viewerDrops))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.framesBroadcast.WithLabelValues("screen")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.registrations.WithLabelValues("host", "ok")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionOnline()
		m.ViewerLeft(true)
		m.FrameBroadcast("screenGz", 2)
		m.ForwardRequest("ok")
	})
}

func TestHandlerExposesRelayMetrics(t *testing.T) {
	m := New()
	m.ForwardRequest("timeout")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `relay_forward_requests_total{result="timeout"} 1`)
}
