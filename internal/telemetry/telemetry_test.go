package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledMetricsAreNoop(t *testing.T) {
	m := New(false)
	assert.False(t, m.Enabled())
	m.Trials.With("match").Inc()
	m.TrialSeconds.With("match").Observe(1)
	m.Rebuilds.Add(2)
	assert.Nil(t, m.Registry())
	assert.Nil(t, m.Handler())
	lines, err := m.Summary()
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestCountersRecord(t *testing.T) {
	m := New(true)
	m.Trials.With("match").Inc()
	m.Trials.With("match").Inc()
	m.Trials.With("mismatch").Inc()
	m.SynthRows.Add(40)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Trials.With("match").(prometheus.Counter)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Trials.With("mismatch").(prometheus.Counter)))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.SynthRows.(prometheus.Counter)))

	lines, err := m.Summary()
	require.NoError(t, err)
	assert.Contains(t, lines, "sqlexam_trials_total{outcome=match} 2")
	assert.Contains(t, lines, "sqlexam_synth_rows_total 40")
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New(true)
	m.Canon.With("ok").Inc()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `sqlexam_canon_total{result="ok"} 1`))
}
