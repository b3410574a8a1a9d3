package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRecord(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.FrameReceived("join")
	m.FrameReceived("join")
	m.FrameRejected("NOT_JOINED")
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	m.SetSessions(3)
	m.SnapshotWritten(nil)
	m.SnapshotWritten(errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesTotal.WithLabelValues("join")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.frameErrors.WithLabelValues("NOT_JOINED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.snapshotWrites.WithLabelValues("error")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FrameReceived("cursor")
		m.ConnOpened()
		m.BroadcastDropped()
		m.DocumentUpdate(10)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.FrameReceived("cursor")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `collab_frames_total{kind="cursor"} 1`))
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}
