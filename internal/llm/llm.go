// Package llm builds text completion backends from "<provider>/<model>"
// identifiers and maps them onto the research roles.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/deepresearch/internal/config"
	"github.com/fyrsmithlabs/deepresearch/internal/retry"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Provider prefixes accepted in model identifiers.
const (
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// geminiOpenAIBaseURL is Gemini's OpenAI-compatible endpoint.
const geminiOpenAIBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

// Prompt is a single system + user exchange.
type Prompt struct {
	System string
	User   string
}

// Completer turns a prompt into text.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, p Prompt) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, p Prompt) (string, error) {
	return f(ctx, p)
}

// Options tune every Model built by New.
type Options struct {
	Credentials       config.CredentialsConfig
	Temperature       float64
	Timeout           time.Duration
	RequestsPerSecond float64
	Retrier           *retry.Retrier
	Logger            *zap.Logger
}

// OptionsFromConfig collects model options from the application config.
func OptionsFromConfig(cfg *config.Config, retrier *retry.Retrier, logger *zap.Logger) Options {
	return Options{
		Credentials:       cfg.Credentials,
		Temperature:       cfg.Models.Temperature,
		Timeout:           cfg.Models.Timeout.Duration(),
		RequestsPerSecond: cfg.Models.RequestsPerSecond,
		Retrier:           retrier,
		Logger:            logger,
	}
}

// Model is a rate-limited, retrying Completer backed by a langchaingo model.
type Model struct {
	id          string
	backend     llms.Model
	temperature float64
	timeout     time.Duration
	limiter     *rate.Limiter
	retrier     *retry.Retrier
	logger      *zap.Logger
}

// ParseModelID splits "<provider>/<model>".
func ParseModelID(id string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(strings.TrimSpace(id), "/")
	if !ok || provider == "" || model == "" {
		return "", "", &ConfigurationError{Model: id, Reason: "expected <provider>/<model>"}
	}
	return strings.ToLower(provider), model, nil
}

// New builds a Model for the identifier.
func New(id string, opts Options) (*Model, error) {
	provider, name, err := ParseModelID(id)
	if err != nil {
		return nil, err
	}

	backend, err := newBackend(id, provider, name, opts.Credentials)
	if err != nil {
		return nil, err
	}
	return NewWithBackend(id, backend, opts), nil
}

// NewWithBackend wraps an existing langchaingo model.
func NewWithBackend(id string, backend llms.Model, opts Options) *Model {
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retrier := opts.Retrier
	if retrier == nil {
		retrier = retry.New(retry.DefaultPolicy(), retry.WithLogger(logger))
	}
	return &Model{
		id:          id,
		backend:     backend,
		temperature: opts.Temperature,
		timeout:     opts.Timeout,
		limiter:     rate.NewLimiter(limit, 1),
		retrier:     retrier,
		logger:      logger,
	}
}

func newBackend(id, provider, name string, creds config.CredentialsConfig) (llms.Model, error) {
	missingKey := func(env string) error {
		return &ConfigurationError{Model: id, Reason: env + " is not set"}
	}

	var (
		backend llms.Model
		err     error
	)
	switch provider {
	case ProviderOpenAI:
		if !creds.OpenAIAPIKey.IsSet() {
			return nil, missingKey("OPENAI_API_KEY")
		}
		backend, err = openai.New(openai.WithToken(creds.OpenAIAPIKey.Value()), openai.WithModel(name))
	case ProviderGoogle:
		if !creds.GoogleAPIKey.IsSet() {
			return nil, missingKey("GOOGLE_API_KEY")
		}
		backend, err = openai.New(
			openai.WithToken(creds.GoogleAPIKey.Value()),
			openai.WithModel(name),
			openai.WithBaseURL(geminiOpenAIBaseURL),
		)
	case ProviderAnthropic:
		if !creds.AnthropicAPIKey.IsSet() {
			return nil, missingKey("ANTHROPIC_API_KEY")
		}
		backend, err = anthropic.New(anthropic.WithToken(creds.AnthropicAPIKey.Value()), anthropic.WithModel(name))
	case ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(name)}
		if creds.OllamaURL != "" {
			opts = append(opts, ollama.WithServerURL(creds.OllamaURL))
		}
		backend, err = ollama.New(opts...)
	default:
		return nil, &ConfigurationError{Model: id, Reason: fmt.Sprintf("unsupported provider %q", provider)}
	}
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", provider, err)
	}
	return backend, nil
}

// ID returns the "<provider>/<model>" identifier.
func (m *Model) ID() string { return m.id }

// Complete sends the prompt, retrying transient failures.
func (m *Model) Complete(ctx context.Context, p Prompt) (string, error) {
	return retry.Call(ctx, m.retrier, m.id, func(ctx context.Context) (string, error) {
		if err := m.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
		if m.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.timeout)
			defer cancel()
		}
		return m.generate(ctx, p)
	})
}

func (m *Model) generate(ctx context.Context, p Prompt) (string, error) {
	messages := make([]llms.MessageContent, 0, 2)
	if p.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, p.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, p.User))

	start := time.Now()
	resp, err := m.backend.GenerateContent(ctx, messages, llms.WithTemperature(m.temperature))
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	text := strings.TrimSpace(resp.Choices[0].Content)
	m.logger.Debug("completion finished",
		zap.String("model", m.id),
		zap.Int("prompt_chars", len(p.System)+len(p.User)),
		zap.Int("response_chars", len(text)),
		zap.Duration("duration", time.Since(start)),
	)
	return text, nil
}
