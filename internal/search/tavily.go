package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fyrsmithlabs/deepresearch/internal/retry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTavilyURL = "https://api.tavily.com/search"
	maxErrorBody     = 512
)

// Tavily calls the Tavily search API.
type Tavily struct {
	apiKey  string
	depth   string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	retrier *retry.Retrier
	logger  *zap.Logger
}

// TavilyOption configures a Tavily client.
type TavilyOption func(*Tavily)

// WithDepth sets search_depth ("basic" or "advanced").
func WithDepth(depth string) TavilyOption {
	return func(t *Tavily) {
		if depth != "" {
			t.depth = depth
		}
	}
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) TavilyOption {
	return func(t *Tavily) { t.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) TavilyOption {
	return func(t *Tavily) { t.client = c }
}

// WithRetrier retries 429 and 5xx responses.
func WithRetrier(r *retry.Retrier) TavilyOption {
	return func(t *Tavily) {
		if r != nil {
			t.retrier = r
		}
	}
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(rps float64) TavilyOption {
	return func(t *Tavily) { t.limiter = rate.NewLimiter(rate.Limit(rps), 1) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) TavilyOption {
	return func(t *Tavily) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTavily constructs a Tavily searcher.
func NewTavily(apiKey string, opts ...TavilyOption) *Tavily {
	t := &Tavily{
		apiKey:  apiKey,
		depth:   "basic",
		baseURL: defaultTavilyURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 1),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.retrier == nil {
		t.retrier = retry.New(retry.DefaultPolicy(), retry.WithLogger(t.logger))
	}
	return t
}

type tavilyRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results,omitempty"`
}

type tavilyResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search posts a query to Tavily and returns at most maxResults hits.
func (t *Tavily) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	if strings.TrimSpace(t.apiKey) == "" {
		return nil, ErrUnavailable
	}

	payload, err := json.Marshal(tavilyRequest{
		APIKey:      t.apiKey,
		Query:       query,
		SearchDepth: t.depth,
		MaxResults:  maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("tavily: marshal request: %w", err)
	}

	parsed, err := retry.Call(ctx, t.retrier, "tavily", func(ctx context.Context) (*tavilyResponse, error) {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return t.post(ctx, payload)
	})
	if err != nil {
		return nil, fmt.Errorf("tavily: %w", err)
	}

	results := make([]Result, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		results = append(results, Result{URL: r.URL, Title: r.Title, Content: r.Content, Score: r.Score})
		if maxResults > 0 && len(results) >= maxResults {
			break
		}
	}
	t.logger.Debug("tavily search finished",
		zap.String("query", query),
		zap.Int("results", len(results)),
	)
	return results, nil
}

func (t *Tavily) post(ctx context.Context, payload []byte) (*tavilyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &retry.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var parsed tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &parsed, nil
}
