// Package gateway manages sessions to MCP tool providers and exposes their
// tools under provider-qualified names.
//
// Each configured provider is reached over stdio, SSE or websocket. Start
// connects to every provider in configuration order, performs the MCP
// handshake and registers each tool as "<provider>:<tool>". Invoke resolves a
// qualified or bare tool name and renders the result as text. Shutdown closes
// sessions in reverse connection order.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/deepresearch/internal/config"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ToolDescriptor describes a registered tool.
type ToolDescriptor struct {
	QualifiedName  string `json:"qualified_name"`
	ProviderName   string `json:"provider"`
	UnderlyingName string `json:"name"`
	Description    string `json:"description,omitempty"`
}

type providerSession struct {
	name    string
	session Session
	cancel  context.CancelFunc
}

// Gateway owns the provider sessions and tool registry. It is safe for
// concurrent use; runs sharing a Gateway share its sessions.
type Gateway struct {
	providers []config.MCPServerConfig
	connect   Connector
	logger    *zap.Logger
	metrics   *Metrics

	// startMu serializes connection sequences and shutdown. mu guards the
	// published state and is never held across provider I/O.
	startMu  sync.Mutex
	mu       sync.RWMutex
	started  bool
	sessions []providerSession
	byName   map[string]Session
	tools    map[string]ToolDescriptor
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithConnector replaces the transport connector.
func WithConnector(c Connector) Option {
	return func(g *Gateway) { g.connect = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMeter records invocation metrics on meter.
func WithMeter(m metric.Meter) Option {
	return func(g *Gateway) { g.metrics = NewMetrics(m, g.logger) }
}

// New creates a gateway for the given providers. Nothing is connected until
// Start or the first Invoke.
func New(providers []config.MCPServerConfig, opts ...Option) *Gateway {
	g := &Gateway{
		providers: append([]config.MCPServerConfig(nil), providers...),
		logger:    zap.NewNop(),
		tools:     map[string]ToolDescriptor{},
		byName:    map[string]Session{},
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.connect == nil {
		g.connect = NewConnector(&mcp.Implementation{Name: "deepresearch", Version: "1.0.0"})
	}
	if g.metrics == nil {
		g.metrics = NewMetrics(nil, g.logger)
	}
	return g
}

// Start connects to every provider. It is a no-op when already started or
// when no providers are configured. A provider that fails to connect or list
// its tools is logged and skipped.
//
// If ctx is cancelled part way, the sessions opened so far are closed in
// reverse order, the gateway stays un-started and ctx's error is returned.
func (g *Gateway) Start(ctx context.Context) error {
	if len(g.providers) == 0 || g.Started() {
		return nil
	}

	g.startMu.Lock()
	defer g.startMu.Unlock()
	if g.Started() {
		return nil
	}

	var opened []providerSession
	tools := make(map[string]ToolDescriptor)

	abort := func() error {
		closeSessions(opened, g.logger)
		return ctx.Err()
	}

	for _, p := range g.providers {
		if ctx.Err() != nil {
			return abort()
		}

		ps, descs, err := g.open(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return abort()
			}
			g.logger.Error("failed to connect to MCP provider",
				zap.String("provider", p.Name),
				zap.String("transport", p.Transport),
				zap.Error(err),
			)
			continue
		}

		opened = append(opened, ps)
		for _, d := range descs {
			tools[d.QualifiedName] = d
		}
		g.logger.Info("connected to MCP provider",
			zap.String("provider", p.Name),
			zap.String("transport", p.Transport),
			zap.Int("tools", len(descs)),
		)
	}

	byName := make(map[string]Session, len(opened))
	for _, ps := range opened {
		byName[ps.name] = ps.session
	}

	g.mu.Lock()
	g.sessions = opened
	g.byName = byName
	g.tools = tools
	g.started = true
	g.mu.Unlock()

	g.metrics.connected(ctx, int64(len(opened)))
	return nil
}

// open connects one provider and lists its tools. The connection outlives
// ctx once the handshake has finished; only Shutdown ends it.
func (g *Gateway) open(ctx context.Context, p config.MCPServerConfig) (providerSession, []ToolDescriptor, error) {
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)

	session, err := g.connect(connCtx, p)
	if !stop() {
		// ctx was cancelled during the handshake.
		if err == nil {
			_ = session.Close()
		}
		cancel()
		return providerSession{}, nil, ctx.Err()
	}
	if err != nil {
		cancel()
		return providerSession{}, nil, err
	}

	descs, err := listTools(ctx, p.Name, session)
	if err != nil {
		_ = session.Close()
		cancel()
		return providerSession{}, nil, fmt.Errorf("list tools: %w", err)
	}
	return providerSession{name: p.Name, session: session, cancel: cancel}, descs, nil
}

// listTools follows pagination cursors until the provider returns none.
func listTools(ctx context.Context, provider string, s Session) ([]ToolDescriptor, error) {
	var (
		out    []ToolDescriptor
		cursor string
	)
	for {
		res, err := s.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		for _, t := range res.Tools {
			if t == nil {
				continue
			}
			out = append(out, ToolDescriptor{
				QualifiedName:  provider + ":" + t.Name,
				ProviderName:   provider,
				UnderlyingName: t.Name,
				Description:    t.Description,
			})
		}
		if res.NextCursor == "" || res.NextCursor == cursor {
			return out, nil
		}
		cursor = res.NextCursor
	}
}

// Started reports whether Start has completed.
func (g *Gateway) Started() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.started
}

// AvailableTools returns the sorted qualified tool names. It is empty before
// Start and after Shutdown.
func (g *Gateway) AvailableTools() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := make([]string, 0, len(g.tools))
	for name := range g.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools returns the registered tool descriptors sorted by qualified name.
func (g *Gateway) Tools() []ToolDescriptor {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]ToolDescriptor, 0, len(g.tools))
	for _, d := range g.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QualifiedName < out[j].QualifiedName })
	return out
}

// Invoke calls a tool by qualified name ("provider:tool") or, when unique, by
// bare tool name. It starts the gateway on first use. Results the tool flags
// as errors are returned as "Error: ..." text, not as a Go error.
func (g *Gateway) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	if !g.Started() {
		if err := g.Start(ctx); err != nil {
			return "", err
		}
	}

	qualified, tool, session, err := g.lookup(name)
	if err != nil {
		return "", err
	}

	if args == nil {
		args = map[string]any{}
	}

	g.metrics.active(ctx, qualified, 1)
	defer g.metrics.active(ctx, qualified, -1)

	start := time.Now()
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: tool.UnderlyingName, Arguments: args})
	g.metrics.RecordInvocation(ctx, qualified, time.Since(start), err, err == nil && res != nil && res.IsError)
	if err != nil {
		return "", fmt.Errorf("call tool %s: %w", qualified, err)
	}

	g.logger.Debug("tool invoked",
		zap.String("tool", qualified),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("is_error", res.IsError),
	)
	return Render(res), nil
}

// lookup resolves name and returns the owning session. The call itself runs
// outside mu so a slow tool never holds up other callers.
func (g *Gateway) lookup(name string) (string, ToolDescriptor, Session, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.tools) == 0 {
		return "", ToolDescriptor{}, nil, ErrNoTools
	}
	qualified, err := g.resolve(name)
	if err != nil {
		return "", ToolDescriptor{}, nil, err
	}
	tool := g.tools[qualified]
	return qualified, tool, g.byName[tool.ProviderName], nil
}

// resolve must be called with mu held.
func (g *Gateway) resolve(raw string) (string, error) {
	if _, ok := g.tools[raw]; ok {
		return raw, nil
	}

	var matches []string
	suffix := ":" + raw
	for name := range g.tools {
		if strings.HasSuffix(name, suffix) {
			matches = append(matches, name)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", &ToolResolutionError{Name: raw, Kind: ResolutionNotFound}
	default:
		sort.Strings(matches)
		return "", &ToolResolutionError{Name: raw, Kind: ResolutionAmbiguous, Matches: matches}
	}
}

// Shutdown closes every session in reverse connection order and clears the
// registry. It is a no-op if the gateway was never started. Close errors are
// joined; state is cleared regardless.
func (g *Gateway) Shutdown() error {
	g.startMu.Lock()
	defer g.startMu.Unlock()

	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return nil
	}
	sessions := g.sessions
	g.sessions = nil
	g.byName = map[string]Session{}
	g.tools = map[string]ToolDescriptor{}
	g.started = false
	g.mu.Unlock()

	err := closeSessions(sessions, g.logger)
	g.metrics.connected(context.Background(), -int64(len(sessions)))
	return err
}

func closeSessions(sessions []providerSession, logger *zap.Logger) error {
	var errs []error
	for i := len(sessions) - 1; i >= 0; i-- {
		ps := sessions[i]
		if err := ps.session.Close(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("failed to close MCP session", zap.String("provider", ps.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", ps.name, err))
		}
		if ps.cancel != nil {
			ps.cancel()
		}
	}
	return errors.Join(errs...)
}
