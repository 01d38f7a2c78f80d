package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fyrsmithlabs/deepresearch/internal/research"
	"github.com/fyrsmithlabs/deepresearch/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func meteredServer(t *testing.T, svc *fakeService) (*Server, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	s, err := NewServer(svc, zap.NewNop(), &Config{
		Host:     "localhost",
		Port:     8088,
		Gatherer: prometheus.NewRegistry(),
		Meter:    mp.Meter(httpInstrumentationName),
	})
	require.NoError(t, err)
	return s, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumByAttr(t *testing.T, m metricdata.Metrics, key string) map[string]int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)

	out := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key(key))
		out[v.Emit()] += dp.Value
	}
	return out
}

func TestHTTPMetrics_Requests(t *testing.T) {
	server, reader := meteredServer(t, &fakeService{result: sampleResult()})

	for _, path := range []string{"/health", "/health"} {
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := postJSON(t, server, "/api/v1/runs", RunRequest{Query: " "})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	metrics := collect(t, reader)

	byRoute := sumByAttr(t, metrics["deepresearch.http.requests_total"], "route")
	assert.Equal(t, int64(2), byRoute["/health"])
	assert.Equal(t, int64(1), byRoute["/api/v1/runs"])

	byStatus := sumByAttr(t, metrics["deepresearch.http.requests_total"], "status")
	assert.Equal(t, int64(1), byStatus["400"])

	hist, ok := metrics["deepresearch.http.request_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count)

	assert.Contains(t, metrics, "deepresearch.http.response_size_bytes")

	active := sumByAttr(t, metrics["deepresearch.http.active_requests"], "route")
	var inFlight int64
	for _, v := range active {
		inFlight += v
	}
	assert.Zero(t, inFlight)
}

func TestHTTPMetrics_StreamEvents(t *testing.T) {
	result := sampleResult()
	svc := &fakeService{events: []workflow.Event{
		{Kind: workflow.EventStage, RunID: "run-1", Stage: research.StageScope, Update: &research.Update{}},
		{Kind: workflow.EventStage, RunID: "run-1", Stage: research.StagePlan, Update: &research.Update{}},
		{Kind: workflow.EventResult, RunID: "run-1", Result: result},
	}}
	server, reader := meteredServer(t, svc)

	rec := postJSON(t, server, "/api/v1/runs/stream", RunRequest{Query: "q"})
	require.Equal(t, http.StatusOK, rec.Code)

	metrics := collect(t, reader)

	byType := sumByAttr(t, metrics["deepresearch.http.stream_events_total"], "type")
	assert.Equal(t, int64(2), byType["stage"])
	assert.Equal(t, int64(1), byType["result"])

	open := sumByAttr(t, metrics["deepresearch.http.open_streams"], "type")
	var total int64
	for _, v := range open {
		total += v
	}
	assert.Zero(t, total)
}

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", unmatchedRoute},
		{"/health", "/health"},
		{"/api/v1/runs", "/api/v1/runs"},
		{"/api/v1/runs/stream", "/api/v1/runs/stream"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, routeLabel(tt.input), tt.input)
	}
}
