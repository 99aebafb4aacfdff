package metrics

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndGaugesEncode(t *testing.T) {
	m := New()
	m.RecordTick("daemon", "success")
	m.RecordTick("daemon", "idle")
	m.RecordGateFailure("checks_failed")
	m.RecordEnqueue("ci_baseline")
	m.RecordReceipt("failed")
	m.SetQueueDepthSource(func() float64 { return 3 })
	m.SetActiveTrainSource(func() float64 { return 2 })

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	found := map[string]bool{}
	for _, family := range families {
		found[family.GetName()] = true
	}
	assert.True(t, found["greenkeeper_ticks_total"])
	assert.True(t, found["greenkeeper_gate_failures_total"])
	assert.True(t, found["greenkeeper_sentinel_enqueues_total"])
	assert.True(t, found["greenkeeper_queue_depth"])
	assert.True(t, found["greenkeeper_train_active_entries"])
}

func TestNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordTick("daemon", "success")
	m.RecordGateFailure("conflict")
	m.RecordEnqueue("artifact_index")
	m.RecordReceipt("success")
}

func TestUnsetGaugeSourcesReadZero(t *testing.T) {
	m := New()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == "greenkeeper_queue_depth" {
			require.Len(t, family.GetMetric(), 1)
			assert.Equal(t, 0.0, family.GetMetric()[0].GetGauge().GetValue())
		}
	}
}

func TestStatusEndpointServesSnapshot(t *testing.T) {
	m := New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := NewServer(":0", m, func() map[string]any {
		return map[string]any{"daemon_enabled": true}
	}, logger)

	recorder := httptest.NewRecorder()
	server.srv.Handler.ServeHTTP(recorder, httptest.NewRequest("GET", "/status", nil))

	require.Equal(t, 200, recorder.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	assert.Equal(t, true, payload["daemon_enabled"])
}

func TestMetricsEndpointServesScrape(t *testing.T) {
	m := New()
	m.RecordTick("train", "idle")
	server := NewServer(":0", m, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	recorder := httptest.NewRecorder()
	server.srv.Handler.ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "greenkeeper_ticks_total")
}
