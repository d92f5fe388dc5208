package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.FrameReceived("an-1")
	m.FrameReceived("an-1")
	m.ResultUnmapped("an-1", "no_open_order")
	m.SessionReady("an-1", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesReceived.WithLabelValues("an-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resultsUnmapped.WithLabelValues("an-1", "no_open_order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionState.WithLabelValues("an-1")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "lis_frames_received_total"))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FrameReceived("x")
		m.QCVerdict("x", "reject")
		m.DispatchOutcome("x", "Failed")
		m.CatalogReloaded()
	})
	assert.Nil(t, m.Registry())
}
