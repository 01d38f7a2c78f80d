package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "DEEPRESEARCH_"
)

// defaultYAML is loaded first so that file and environment layers only need
// to name the values they change.
const defaultYAML = `
environment: dev
models:
  scoper: google/gemini-2.0-flash-exp
  planner: google/gemini-2.0-flash-exp
  researcher: google/gemini-2.0-flash-exp
  synthesizer: google/gemini-2.0-flash-exp
  reviewer: google/gemini-2.0-flash-exp
  requests_per_second: 2
  temperature: 0.2
  timeout: 60s
credentials:
  ollama_url: http://localhost:11434
search:
  provider: tavily
  depth: basic
  max_results: 3
  timeout: 10s
persistence_dir: data/logs
cache_dir: .cache
max_loops: 2
run_log:
  gitleaks: true
retry:
  attempts: 3
  base_delay: 500ms
  max_delay: 6s
logging:
  level: info
  format: console
telemetry:
  enabled: false
  endpoint: localhost:4317
  protocol: grpc
  service_name: deepresearch
  insecure: true
  sample_rate: 1.0
server:
  host: localhost
  port: 8088
  shutdown_timeout: 10s
  run_timeout: 15m
`

// Load returns the configuration built from defaults and environment only.
func Load() (*Config, error) {
	return load(nil)
}

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DEEPRESEARCH_MAX_LOOPS, DEEPRESEARCH_MODELS__REVIEWER, ...)
//  2. YAML config file
//  3. Built-in defaults
//
// If configPath is empty the default path ~/.config/deepresearch/config.yaml is
// used, and a missing file there is not an error. An explicitly named file must
// exist.
//
// # Environment Variable Mapping
//
// The DEEPRESEARCH_ prefix is stripped, the remainder lowercased, and double
// underscores become nesting separators:
//
//	DEEPRESEARCH_MAX_LOOPS         -> max_loops
//	DEEPRESEARCH_MODELS__REVIEWER  -> models.reviewer
//	DEEPRESEARCH_SEARCH__API_KEY   -> search.api_key
func LoadWithFile(configPath string) (*Config, error) {
	explicit := configPath != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "deepresearch", "config.yaml")
	}

	content, err := readConfigFile(configPath)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return load(nil)
		}
		return nil, err
	}
	return load(content)
}

func load(fileContent []byte) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaultYAML)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if fileContent != nil {
		if err := k.Load(rawbytes.Provider(fileContent), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyWellKnownEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps DEEPRESEARCH_MODELS__REVIEWER to models.reviewer.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// applyWellKnownEnv fills credentials from the conventional provider
// variables when the config leaves them unset.
func applyWellKnownEnv(cfg *Config) {
	fill := func(dst *Secret, key string) {
		if !dst.IsSet() {
			*dst = Secret(os.Getenv(key))
		}
	}
	fill(&cfg.Credentials.OpenAIAPIKey, "OPENAI_API_KEY")
	fill(&cfg.Credentials.GoogleAPIKey, "GOOGLE_API_KEY")
	fill(&cfg.Credentials.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	fill(&cfg.Search.APIKey, "TAVILY_API_KEY")
}

// readConfigFile opens the file once and validates it through the open
// descriptor to avoid a TOCTOU race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigFileProperties checks file permissions and size.
// Config files may hold API keys, so group or world writable files are rejected.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("config path is a directory")
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o022 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (must not be group/world writable)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// EnsureDirs creates the persistence and cache directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.PersistenceDir, c.CacheDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
