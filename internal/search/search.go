// Package search provides web search for the research stage.
package search

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/deepresearch/internal/config"
	"github.com/fyrsmithlabs/deepresearch/internal/retry"
	"go.uber.org/zap"
)

// ErrUnavailable is returned by the disabled searcher.
var ErrUnavailable = errors.New("web search unavailable: set TAVILY_API_KEY or configure search.api_key")

// Result is one search hit.
type Result struct {
	URL     string  `json:"url"`
	Title   string  `json:"title,omitempty"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Searcher runs web queries.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}

// Disabled is the Searcher used when tavily is selected without an API key.
// Every call fails with ErrUnavailable so the missing key shows up as evidence.
type Disabled struct{}

// Search always returns ErrUnavailable.
func (Disabled) Search(context.Context, string, int) ([]Result, error) {
	return nil, ErrUnavailable
}

// New returns the configured Searcher. Provider "none" yields nil, meaning no
// web search is made. A tavily provider without an API key yields Disabled.
func New(cfg config.SearchConfig, retrier *retry.Retrier, logger *zap.Logger) Searcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Provider != "tavily" {
		logger.Info("web search off", zap.String("provider", cfg.Provider))
		return nil
	}
	if !cfg.APIKey.IsSet() {
		logger.Warn("web search disabled: tavily api key missing")
		return Disabled{}
	}

	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return NewTavily(cfg.APIKey.Value(),
		WithDepth(cfg.Depth),
		WithHTTPClient(&http.Client{Timeout: timeout}),
		WithRetrier(retrier),
		WithLogger(logger),
	)
}
