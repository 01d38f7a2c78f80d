package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/deepresearch/internal/gateway"
	"github.com/fyrsmithlabs/deepresearch/internal/research"
	"github.com/fyrsmithlabs/deepresearch/internal/retry"
	"github.com/fyrsmithlabs/deepresearch/internal/workflow"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeService answers runs with a canned result and records what it was asked.
type fakeService struct {
	result  *workflow.RunResult
	err     error
	events  []workflow.Event
	tools   []gateway.ToolDescriptor
	toolErr error

	mu       sync.Mutex
	lastOpts workflow.RunOptions
	lastQ    string
	deadline bool
}

func (f *fakeService) Run(ctx context.Context, query string, opts workflow.RunOptions) (*workflow.RunResult, error) {
	f.mu.Lock()
	f.lastQ, f.lastOpts = query, opts
	_, f.deadline = ctx.Deadline()
	f.mu.Unlock()
	return f.result, f.err
}

func (f *fakeService) RunStream(ctx context.Context, query string, opts workflow.RunOptions) (<-chan workflow.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan workflow.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeService) Tools(context.Context) ([]gateway.ToolDescriptor, error) {
	return f.tools, f.toolErr
}

func sampleResult() *workflow.RunResult {
	return &workflow.RunResult{
		RunID: "run-1",
		State: research.RunState{
			Query:       "What is quantum annealing?",
			DraftReport: "report",
			LoopCount:   1,
		},
		LogLocation: "data/logs/run-1.json",
		Converged:   true,
	}
}

func setupTestServer(t *testing.T, svc *fakeService) *Server {
	t.Helper()

	cfg := &Config{
		Host:     "localhost",
		Port:     8088,
		Gatherer: prometheus.NewRegistry(),
	}

	server, err := NewServer(svc, zap.NewNop(), cfg)
	require.NoError(t, err)

	return server
}

func postJSON(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(&fakeService{}, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 8088, server.config.Port)
		assert.Equal(t, prometheus.DefaultGatherer, server.config.Gatherer)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(&fakeService{}, nil, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when service is nil", func(t *testing.T) {
		_, err := NewServer(nil, zap.NewNop(), nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "service cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t, &fakeService{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleRun(t *testing.T) {
	t.Run("returns the run result", func(t *testing.T) {
		svc := &fakeService{result: sampleResult()}
		server := setupTestServer(t, svc)

		rec := postJSON(t, server, "/api/v1/runs", RunRequest{
			Query:    "What is quantum annealing?",
			Scope:    "physics",
			Metadata: map[string]string{"requester": "ops"},
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "run-1", resp["run_id"])
		assert.Equal(t, "data/logs/run-1.json", resp["log_location"])
		assert.Equal(t, true, resp["converged"])
		assert.NotContains(t, resp, "log_error")

		assert.Equal(t, "What is quantum annealing?", svc.lastQ)
		assert.Equal(t, "physics", svc.lastOpts.Scope)
		assert.Equal(t, map[string]string{"requester": "ops"}, svc.lastOpts.Metadata)
		assert.False(t, svc.deadline)
	})

	t.Run("rejects a blank query", func(t *testing.T) {
		server := setupTestServer(t, &fakeService{})

		rec := postJSON(t, server, "/api/v1/runs", RunRequest{Query: "  "})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Contains(t, resp["message"], "query field is required")
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		server := setupTestServer(t, &fakeService{})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader("invalid json"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("applies the run timeout", func(t *testing.T) {
		svc := &fakeService{result: sampleResult()}
		server := setupTestServer(t, svc)
		server.config.RunTimeout = time.Minute

		rec := postJSON(t, server, "/api/v1/runs", RunRequest{Query: "q"})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, svc.deadline)
	})

	t.Run("keeps the result when logging fails", func(t *testing.T) {
		svc := &fakeService{result: sampleResult(), err: errors.New("log run run-1: disk full")}
		server := setupTestServer(t, svc)

		rec := postJSON(t, server, "/api/v1/runs", RunRequest{Query: "q"})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "run-1", resp["run_id"])
		assert.Equal(t, "log run run-1: disk full", resp["log_error"])
	})
}

func TestHandleRun_ErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"quota", &retry.QuotaExhaustedError{Err: errors.New("limit: 0")}, http.StatusTooManyRequests},
		{"timeout", fmt.Errorf("stage research: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"empty query", workflow.ErrEmptyQuery, http.StatusBadRequest},
		{"stage failure", &workflow.StageError{Stage: "plan", Err: errors.New("boom")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := setupTestServer(t, &fakeService{err: tt.err})
			rec := postJSON(t, server, "/api/v1/runs", RunRequest{Query: "q"})
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHandleRunStream(t *testing.T) {
	result := sampleResult()
	scope := "physics"
	svc := &fakeService{events: []workflow.Event{
		{Kind: workflow.EventStage, RunID: "run-1", Stage: research.StageScope, Update: &research.Update{Scope: &scope}},
		{Kind: workflow.EventStage, RunID: "run-1", Stage: research.StagePlan, Update: &research.Update{Plan: []string{"a"}}},
		{Kind: workflow.EventResult, RunID: "run-1", Result: result},
	}}
	server := setupTestServer(t, svc)

	rec := postJSON(t, server, "/api/v1/runs/stream", RunRequest{Query: "q"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))

	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, "stage", events[0].name)
	assert.Equal(t, "stage", events[1].name)
	assert.Equal(t, "result", events[2].name)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &first))
	assert.Equal(t, "scope", first["stage"])
	assert.Equal(t, "physics", first["update"].(map[string]any)["scope"])

	var last map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[2].data), &last))
	assert.Equal(t, "run-1", last["result"].(map[string]any)["run_id"])
}

func TestHandleRunStream_ErrorEvent(t *testing.T) {
	svc := &fakeService{events: []workflow.Event{
		{Kind: workflow.EventError, RunID: "run-1", Err: &workflow.StageError{Stage: "plan", Err: errors.New("boom")}},
	}}
	server := setupTestServer(t, svc)

	rec := postJSON(t, server, "/api/v1/runs/stream", RunRequest{Query: "q"})
	require.Equal(t, http.StatusOK, rec.Code)

	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].name)

	var payload StreamError
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &payload))
	assert.Equal(t, StreamError{RunID: "run-1", Error: "stage plan: boom"}, payload)
}

func TestHandleRunStream_RejectsBlankQuery(t *testing.T) {
	server := setupTestServer(t, &fakeService{})
	rec := postJSON(t, server, "/api/v1/runs/stream", RunRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTools(t *testing.T) {
	t.Run("lists tools", func(t *testing.T) {
		svc := &fakeService{tools: []gateway.ToolDescriptor{
			{QualifiedName: "kb:search", ProviderName: "kb", UnderlyingName: "search", Description: "search the kb"},
		}}
		server := setupTestServer(t, svc)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp ToolsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Tools, 1)
		assert.Equal(t, "kb:search", resp.Tools[0].QualifiedName)
	})

	t.Run("empty list without providers", func(t *testing.T) {
		server := setupTestServer(t, &fakeService{})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"tools":[]}`, rec.Body.String())
	})

	t.Run("provider failure", func(t *testing.T) {
		server := setupTestServer(t, &fakeService{toolErr: errors.New("dial failed")})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestHandleMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "deepresearch_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	server, err := NewServer(&fakeService{}, zap.NewNop(), &Config{Host: "localhost", Port: 8088, Gatherer: reg})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "deepresearch_test_total 1")
}

func TestServerLifecycle(t *testing.T) {
	t.Run("starts and shuts down gracefully", func(t *testing.T) {
		cfg := &Config{
			Host:     "localhost",
			Port:     0, // Use random available port
			Gatherer: prometheus.NewRegistry(),
		}

		server, err := NewServer(&fakeService{}, zap.NewNop(), cfg)
		require.NoError(t, err)

		errChan := make(chan error, 1)
		go func() {
			errChan <- server.Start()
		}()

		// Give server time to start
		time.Sleep(100 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err = server.Shutdown(ctx)
		assert.NoError(t, err)

		select {
		case err := <-errChan:
			assert.True(t, err == nil || err == http.ErrServerClosed)
		case <-time.After(6 * time.Second):
			t.Fatal("server did not shut down in time")
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request ID to response", func(t *testing.T) {
		server := setupTestServer(t, &fakeService{})

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)

		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("recovers from panic", func(t *testing.T) {
		server := setupTestServer(t, &fakeService{})

		server.echo.GET("/panic", func(c echo.Context) error {
			panic("test panic")
		})

		req := httptest.NewRequest(http.MethodGet, "/panic", nil)
		rec := httptest.NewRecorder()

		assert.NotPanics(t, func() {
			server.echo.ServeHTTP(rec, req)
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var (
		events  []sseEvent
		current sseEvent
	)
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "" && current.name != "":
			events = append(events, current)
			current = sseEvent{}
		}
	}
	require.NoError(t, scanner.Err())
	return events
}
