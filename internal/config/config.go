// Package config provides configuration loading for deepresearch.
//
// Configuration is layered: built-in defaults, then an optional YAML file, then
// environment variables. Well-known provider credentials (OPENAI_API_KEY,
// GOOGLE_API_KEY, ANTHROPIC_API_KEY, TAVILY_API_KEY) are honoured when the
// corresponding config value is unset.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Transport kinds supported for MCP tool providers.
const (
	TransportStdio     = "stdio"
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// MaxLoopsLimit caps how many revision loops a run may be configured for.
const MaxLoopsLimit = 6

// Config holds the complete deepresearch configuration.
type Config struct {
	Environment    string            `koanf:"environment"`
	Models         ModelsConfig      `koanf:"models"`
	Credentials    CredentialsConfig `koanf:"credentials"`
	Search         SearchConfig      `koanf:"search"`
	MCPServers     []MCPServerConfig `koanf:"mcp_servers"`
	PersistenceDir string            `koanf:"persistence_dir"`
	CacheDir       string            `koanf:"cache_dir"`
	MaxLoops       int               `koanf:"max_loops"`
	RunLog         RunLogConfig      `koanf:"run_log"`
	Retry          RetryConfig       `koanf:"retry"`
	Logging        LoggingConfig     `koanf:"logging"`
	Telemetry      TelemetryConfig   `koanf:"telemetry"`
	Server         ServerConfig      `koanf:"server"`
}

// ModelsConfig maps each research role to a "<provider>/<model>" identifier.
type ModelsConfig struct {
	Scoper      string `koanf:"scoper"`
	Planner     string `koanf:"planner"`
	Researcher  string `koanf:"researcher"`
	Synthesizer string `koanf:"synthesizer"`
	Reviewer    string `koanf:"reviewer"`

	// RequestsPerSecond throttles each completion client (0 disables).
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Temperature       float64  `koanf:"temperature"`
	Timeout           Duration `koanf:"timeout"`
}

// CredentialsConfig holds provider API keys.
type CredentialsConfig struct {
	OpenAIAPIKey    Secret `koanf:"openai_api_key"`
	GoogleAPIKey    Secret `koanf:"google_api_key"`
	AnthropicAPIKey Secret `koanf:"anthropic_api_key"`
	OllamaURL       string `koanf:"ollama_url"`
}

// SearchConfig configures the web search capability.
type SearchConfig struct {
	// Provider is "tavily" or "none".
	Provider   string   `koanf:"provider"`
	APIKey     Secret   `koanf:"api_key"`
	Depth      string   `koanf:"depth"`
	MaxResults int      `koanf:"max_results"`
	Timeout    Duration `koanf:"timeout"`
}

// MCPServerConfig configures a single MCP tool provider.
type MCPServerConfig struct {
	Name      string `koanf:"name"`
	Transport string `koanf:"transport"`

	// stdio
	Command string            `koanf:"command"`
	Args    []string          `koanf:"args"`
	Env     map[string]string `koanf:"env"`

	// sse, websocket
	URL     string            `koanf:"url"`
	Headers map[string]string `koanf:"headers"`
}

// RunLogConfig configures secret redaction for persisted run logs.
type RunLogConfig struct {
	// Gitleaks adds the Gitleaks default ruleset on top of the built-in patterns.
	Gitleaks bool `koanf:"gitleaks"`
	// Allowlist names a .gitleaks.toml style file of content regexes to keep.
	Allowlist string `koanf:"allowlist"`
}

// RetryConfig configures backoff for completion calls.
type RetryConfig struct {
	Attempts  int      `koanf:"attempts"`
	BaseDelay Duration `koanf:"base_delay"`
	MaxDelay  Duration `koanf:"max_delay"`
}

// LoggingConfig is the subset of logging settings exposed in config files.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig is the subset of telemetry settings exposed in config files.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	ServiceName string  `koanf:"service_name"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// ServerConfig holds HTTP API configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	RunTimeout      Duration `koanf:"run_timeout"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.MaxLoops < 0 || c.MaxLoops > MaxLoopsLimit {
		errs = append(errs, fmt.Errorf("max_loops must be between 0 and %d, got %d", MaxLoopsLimit, c.MaxLoops))
	}
	if c.PersistenceDir == "" {
		errs = append(errs, errors.New("persistence_dir is required"))
	}

	for role, id := range c.Models.ByRole() {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, fmt.Errorf("models.%s is required", role))
		}
	}
	if c.Models.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("models.requests_per_second cannot be negative"))
	}

	switch c.Search.Provider {
	case "tavily", "none":
	default:
		errs = append(errs, fmt.Errorf("search.provider must be 'tavily' or 'none', got %q", c.Search.Provider))
	}
	if c.Search.MaxResults < 1 {
		errs = append(errs, errors.New("search.max_results must be positive"))
	}

	if c.Retry.Attempts < 1 {
		errs = append(errs, errors.New("retry.attempts must be at least 1"))
	}
	if c.Retry.MaxDelay.Duration() < c.Retry.BaseDelay.Duration() {
		errs = append(errs, errors.New("retry.max_delay must be >= retry.base_delay"))
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}

	seen := make(map[string]bool, len(c.MCPServers))
	for i, srv := range c.MCPServers {
		if err := srv.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("mcp_servers[%d]: %w", i, err))
			continue
		}
		if seen[srv.Name] {
			errs = append(errs, fmt.Errorf("mcp_servers[%d]: duplicate name %q", i, srv.Name))
		}
		seen[srv.Name] = true
	}

	return errors.Join(errs...)
}

// Validate checks that the transport-specific parameters are present.
func (s MCPServerConfig) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("name is required")
	}
	if strings.Contains(s.Name, ":") {
		return fmt.Errorf("name %q must not contain ':'", s.Name)
	}

	switch s.Transport {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("server %q missing command for stdio transport", s.Name)
		}
	case TransportSSE, TransportWebSocket:
		if s.URL == "" {
			return fmt.Errorf("server %q missing url for %s transport", s.Name, s.Transport)
		}
		u, err := url.Parse(s.URL)
		if err != nil {
			return fmt.Errorf("server %q has invalid url: %w", s.Name, err)
		}
		if !validScheme(s.Transport, u.Scheme) {
			return fmt.Errorf("server %q url scheme %q not valid for %s transport", s.Name, u.Scheme, s.Transport)
		}
	default:
		return fmt.Errorf("server %q has unknown transport %q", s.Name, s.Transport)
	}
	return nil
}

func validScheme(transport, scheme string) bool {
	if transport == TransportWebSocket {
		return scheme == "ws" || scheme == "wss"
	}
	return scheme == "http" || scheme == "https"
}

// ByRole returns the configured model identifiers keyed by role name.
func (m ModelsConfig) ByRole() map[string]string {
	return map[string]string{
		"scoper":      m.Scoper,
		"planner":     m.Planner,
		"researcher":  m.Researcher,
		"synthesizer": m.Synthesizer,
		"reviewer":    m.Reviewer,
	}
}

// ShutdownTimeoutOrDefault returns the server shutdown timeout, defaulting to 10s.
func (s ServerConfig) ShutdownTimeoutOrDefault() time.Duration {
	if d := s.ShutdownTimeout.Duration(); d > 0 {
		return d
	}
	return 10 * time.Second
}
