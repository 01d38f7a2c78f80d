package runlog

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// Redactor replaces secrets in text and reports how many it replaced.
type Redactor interface {
	Scrub(content string) (string, int)
}

// Chain applies redactors in order.
type Chain []Redactor

// Scrub runs every redactor over the output of the previous one.
func (c Chain) Scrub(content string) (string, int) {
	total := 0
	for _, r := range c {
		var n int
		content, n = r.Scrub(content)
		total += n
	}
	return content, total
}

// Allowlist holds content patterns that are never redacted, in the format of
// a .gitleaks.toml [allowlist] table.
type Allowlist struct {
	Regexes []string
}

// LoadAllowlist reads an allowlist file. An empty path or a missing file
// yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}

	var file struct {
		Allowlist struct {
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: invalid content pattern '%s' in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}
	return &Allowlist{Regexes: file.Allowlist.Regexes}, nil
}

// GitleaksScrubber redacts anything the default Gitleaks ruleset detects.
type GitleaksScrubber struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewGitleaksScrubber loads the default Gitleaks config and applies
// allowlist, which may be nil.
func NewGitleaksScrubber(allowlist *Allowlist) (*GitleaksScrubber, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("gitleaks: load default config: %w", err)
	}
	if allowlist != nil && len(allowlist.Regexes) > 0 {
		if err := applyAllowlist(&detector.Config, allowlist); err != nil {
			return nil, err
		}
	}
	return &GitleaksScrubber{detector: detector}, nil
}

// Scrub replaces every detected secret with DefaultRedaction.
func (g *GitleaksScrubber) Scrub(content string) (string, int) {
	if content == "" {
		return content, 0
	}

	g.mu.Lock()
	findings := g.detector.DetectString(content)
	g.mu.Unlock()
	if len(findings) == 0 {
		return content, 0
	}

	secrets := make([]string, 0, len(findings))
	seen := make(map[string]bool, len(findings))
	for _, f := range findings {
		if f.Secret == "" || seen[f.Secret] {
			continue
		}
		seen[f.Secret] = true
		secrets = append(secrets, f.Secret)
	}
	// Longest first so a secret containing another is replaced whole.
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })

	count := 0
	for _, secret := range secrets {
		if n := strings.Count(content, secret); n > 0 {
			content = strings.ReplaceAll(content, secret, DefaultRedaction)
			count += n
		}
	}
	return content, count
}

func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) error {
	global := &gitleaksConfig.Allowlist{Description: "deepresearch run log allowlist"}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidRegex, pattern, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allowlist.Regexes...)
	cfg.Allowlists = append(cfg.Allowlists, global)
	return nil
}
