package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/deepresearch/internal/config"
	"github.com/fyrsmithlabs/deepresearch/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetrier() *retry.Retrier {
	return retry.New(retry.DefaultPolicy(),
		retry.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
}

func TestTavily_Search(t *testing.T) {
	var got tavilyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tvly-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[
			{"title":"A","url":"https://a.example","content":"alpha","score":0.91},
			{"title":"B","url":"https://b.example","content":"beta","score":0.42},
			{"title":"C","url":"https://c.example","content":"gamma","score":0.1}
		]}`))
	}))
	defer srv.Close()

	tv := NewTavily("tvly-test", WithBaseURL(srv.URL), WithDepth("advanced"), WithRetrier(fastRetrier()))
	results, err := tv.Search(context.Background(), "quantum annealing :: survey", 2)
	require.NoError(t, err)

	assert.Equal(t, "quantum annealing :: survey", got.Query)
	assert.Equal(t, "advanced", got.SearchDepth)
	assert.Equal(t, 2, got.MaxResults)

	require.Len(t, results, 2)
	assert.Equal(t, Result{URL: "https://a.example", Title: "A", Content: "alpha", Score: 0.91}, results[0])
	assert.Equal(t, "https://b.example", results[1].URL)
}

func TestTavily_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"url":"https://a.example","content":"ok","score":1}]}`))
	}))
	defer srv.Close()

	tv := NewTavily("k", WithBaseURL(srv.URL), WithRetrier(fastRetrier()), WithRateLimit(1000))
	results, err := tv.Search(context.Background(), "q", 3)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTavily_NonRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tv := NewTavily("k", WithBaseURL(srv.URL), WithRetrier(fastRetrier()))
	_, err := tv.Search(context.Background(), "q", 3)

	var se *retry.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.Contains(t, se.Body, "bad key")
	assert.Equal(t, int32(1), calls.Load())
}

func TestTavily_MissingKey(t *testing.T) {
	_, err := NewTavily(" ").Search(context.Background(), "q", 3)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNew_SelectsProvider(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.SearchConfig
		want Searcher
	}{
		{"tavily without key", config.SearchConfig{Provider: "tavily"}, Disabled{}},
		{"none", config.SearchConfig{Provider: "none", APIKey: "tvly-x"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.cfg, nil, nil))
		})
	}

	t.Run("tavily with key", func(t *testing.T) {
		s := New(config.SearchConfig{Provider: "tavily", APIKey: "tvly-x"}, nil, nil)
		assert.IsType(t, &Tavily{}, s)
	})
}

func TestDisabled_Search(t *testing.T) {
	_, err := Disabled{}.Search(context.Background(), "q", 3)
	assert.ErrorIs(t, err, ErrUnavailable)
}
