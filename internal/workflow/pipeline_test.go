package workflow

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/fyrsmithlabs/deepresearch/internal/config"
	"github.com/fyrsmithlabs/deepresearch/internal/gateway"
	"github.com/fyrsmithlabs/deepresearch/internal/llm"
	"github.com/fyrsmithlabs/deepresearch/internal/runlog"
	"github.com/fyrsmithlabs/deepresearch/internal/search"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	return &config.Config{
		PersistenceDir: filepath.Join(root, "logs"),
		CacheDir:       filepath.Join(root, "cache"),
		MaxLoops:       1,
		Search:         config.SearchConfig{Provider: "none", MaxResults: 2},
		Retry:          config.RetryConfig{Attempts: 1},
	}
}

func scriptedRoles() llm.Roles {
	reply := func(text string) llm.Completer {
		return llm.CompleterFunc(func(context.Context, llm.Prompt) (string, error) { return text, nil })
	}
	return llm.Roles{
		Scoper:      reply("scope"),
		Planner:     reply("- look it up"),
		Researcher:  reply("summary"),
		Synthesizer: reply("report"),
		Reviewer:    reply(`{"approved": true, "critique": "fine"}`),
	}
}

type queryArgs struct {
	Query string `json:"query"`
}

func knowledgeConnector() gateway.Connector {
	srv := mcp.NewServer(&mcp.Implementation{Name: "kb", Version: "v0.0.1"}, nil)
	mcp.AddTool(srv, &mcp.Tool{Name: "search", Description: "search the knowledge base"},
		func(_ context.Context, _ *mcp.CallToolRequest, in queryArgs) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "kb says " + in.Query}}}, nil, nil
		})
	return func(ctx context.Context, _ config.MCPServerConfig) (gateway.Session, error) {
		clientT, serverT := mcp.NewInMemoryTransports()
		if _, err := srv.Connect(ctx, serverT, nil); err != nil {
			return nil, err
		}
		return mcp.NewClient(&mcp.Implementation{Name: "pipeline-test", Version: "v0.0.1"}, nil).Connect(ctx, clientT, nil)
	}
}

func TestPipeline_RunWritesLog(t *testing.T) {
	cfg := testConfig(t)
	p, err := NewPipeline(cfg,
		WithRoles(scriptedRoles()),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown() })

	tools, err := p.Tools(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tools)

	res, err := p.Run(context.Background(), "What is quantum annealing?", RunOptions{})
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Equal(t, filepath.Join(cfg.PersistenceDir, res.RunID+".json"), res.LogLocation)
	assert.Equal(t, cfg.PersistenceDir, p.RunLogDir())

	body, err := os.ReadFile(res.LogLocation)
	require.NoError(t, err)
	var logged map[string]any
	require.NoError(t, json.Unmarshal(body, &logged))
	assert.Equal(t, res.RunID, logged["run_id"])
	assert.Equal(t, "report", logged["draft_report"])

	// search provider "none" makes no web search, so only the summary is recorded
	var sources []string
	for _, f := range res.State.Findings {
		sources = append(sources, f.Source)
	}
	assert.Equal(t, []string{"researcher"}, sources)

	_, err = os.Stat(cfg.CacheDir)
	assert.NoError(t, err)
}

func TestPipeline_UsesToolProviders(t *testing.T) {
	cfg := testConfig(t)
	cfg.MCPServers = []config.MCPServerConfig{{Name: "kb", Transport: config.TransportStdio, Command: "unused"}}

	p, err := NewPipeline(cfg,
		WithRoles(scriptedRoles()),
		WithSearcher(search.Disabled{}),
		WithToolConnector(knowledgeConnector()),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown() })

	tools, err := p.Tools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "kb:search", tools[0].QualifiedName)

	res, err := p.Run(context.Background(), "q", RunOptions{})
	require.NoError(t, err)

	var toolFinding *string
	for _, f := range res.State.Findings {
		if f.Source == "mcp:kb:search" {
			content := f.Content
			toolFinding = &content
		}
	}
	require.NotNil(t, toolFinding, "expected a finding from the kb provider")
	assert.Equal(t, "kb says q", *toolFinding)
}

func TestNewPipeline_RequiresConfig(t *testing.T) {
	_, err := NewPipeline(nil)
	assert.Error(t, err)
}

func TestNewPipeline_RunLogAllowlist(t *testing.T) {
	cfg := testConfig(t)
	cfg.RunLog = config.RunLogConfig{Gitleaks: true, Allowlist: filepath.Join(t.TempDir(), "allow.toml")}
	require.NoError(t, os.WriteFile(cfg.RunLog.Allowlist, []byte("[allowlist\n"), 0o600))

	_, err := NewPipeline(cfg, WithRoles(scriptedRoles()), WithRegisterer(prometheus.NewRegistry()))
	assert.ErrorIs(t, err, runlog.ErrInvalidTOML)
}

func TestNewPipeline_UnknownModelProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Models = config.ModelsConfig{
		Scoper: "acme/m", Planner: "acme/m", Researcher: "acme/m", Synthesizer: "acme/m", Reviewer: "acme/m",
	}
	_, err := NewPipeline(cfg, WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
	var cfgErr *llm.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
