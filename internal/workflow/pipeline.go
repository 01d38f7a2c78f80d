package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/deepresearch/internal/config"
	"github.com/fyrsmithlabs/deepresearch/internal/gateway"
	"github.com/fyrsmithlabs/deepresearch/internal/llm"
	"github.com/fyrsmithlabs/deepresearch/internal/logging"
	"github.com/fyrsmithlabs/deepresearch/internal/research"
	"github.com/fyrsmithlabs/deepresearch/internal/retry"
	"github.com/fyrsmithlabs/deepresearch/internal/runlog"
	"github.com/fyrsmithlabs/deepresearch/internal/search"
	"github.com/fyrsmithlabs/deepresearch/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline is a ready-to-run Engine together with the resources it owns.
type Pipeline struct {
	*Engine

	gateway *gateway.Gateway
	runLog  *runlog.Logger
	logger  *logging.Logger
}

type pipelineOptions struct {
	logger     *logging.Logger
	telemetry  *telemetry.Telemetry
	registerer prometheus.Registerer
	roles      *llm.Roles
	searcher   search.Searcher
	connector  gateway.Connector
	engineOpts []Option
}

// PipelineOption configures NewPipeline.
type PipelineOption func(*pipelineOptions)

// WithPipelineLogger sets the logger shared by every component.
func WithPipelineLogger(l *logging.Logger) PipelineOption {
	return func(o *pipelineOptions) { o.logger = l }
}

// WithTelemetry sets the providers for spans and OTEL metrics.
func WithTelemetry(t *telemetry.Telemetry) PipelineOption {
	return func(o *pipelineOptions) { o.telemetry = t }
}

// WithRegisterer registers the Prometheus collectors with reg.
func WithRegisterer(reg prometheus.Registerer) PipelineOption {
	return func(o *pipelineOptions) { o.registerer = reg }
}

// WithRoles replaces the configured completion models.
func WithRoles(r llm.Roles) PipelineOption {
	return func(o *pipelineOptions) { o.roles = &r }
}

// WithSearcher replaces the configured web searcher.
func WithSearcher(s search.Searcher) PipelineOption {
	return func(o *pipelineOptions) { o.searcher = s }
}

// WithToolConnector replaces how the gateway reaches MCP providers.
func WithToolConnector(c gateway.Connector) PipelineOption {
	return func(o *pipelineOptions) { o.connector = c }
}

// WithEngineOptions passes extra options to the Engine.
func WithEngineOptions(opts ...Option) PipelineOption {
	return func(o *pipelineOptions) { o.engineOpts = append(o.engineOpts, opts...) }
}

// NewPipeline builds every component a run needs from cfg. MCP providers are
// not contacted until the first run or a Tools call.
func NewPipeline(cfg *config.Config, opts ...PipelineOption) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	o := &pipelineOptions{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.Nop()
	}
	zl := o.logger.Zap()

	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	retrier := retry.New(retry.PolicyFromConfig(cfg.Retry),
		retry.WithLogger(zl.Named("retry")),
		retry.WithMeter(o.telemetry.Meter("github.com/fyrsmithlabs/deepresearch/internal/retry")),
	)

	var roles llm.Roles
	if o.roles != nil {
		roles = *o.roles
	} else {
		var err error
		roles, err = llm.NewRoles(cfg.Models, llm.OptionsFromConfig(cfg, retrier, zl.Named("llm")))
		if err != nil {
			return nil, err
		}
	}

	searcher := o.searcher
	if searcher == nil {
		searcher = search.New(cfg.Search, retrier, zl.Named("search"))
	}

	p := &Pipeline{logger: o.logger}

	// A nil *Gateway must not reach the stages as a non-nil interface.
	var tools research.ToolInvoker
	if len(cfg.MCPServers) > 0 {
		gwOpts := []gateway.Option{
			gateway.WithLogger(zl.Named("gateway")),
			gateway.WithMeter(o.telemetry.Meter("github.com/fyrsmithlabs/deepresearch/internal/gateway")),
		}
		if o.connector != nil {
			gwOpts = append(gwOpts, gateway.WithConnector(o.connector))
		}
		p.gateway = gateway.New(cfg.MCPServers, gwOpts...)
		tools = p.gateway
	}

	logOpts := []runlog.Option{runlog.WithLogger(zl.Named("runlog"))}
	if cfg.RunLog.Gitleaks {
		allowlist, err := runlog.LoadAllowlist(cfg.RunLog.Allowlist)
		if err != nil {
			return nil, err
		}
		gl, err := runlog.NewGitleaksScrubber(allowlist)
		if err != nil {
			return nil, err
		}
		logOpts = append(logOpts, runlog.WithGitleaks(gl))
	}
	runLog, err := runlog.New(cfg.PersistenceDir, logOpts...)
	if err != nil {
		return nil, err
	}
	p.runLog = runLog

	stages, err := research.New(research.Deps{
		Models:        roles,
		Search:        searcher,
		Tools:         tools,
		SearchResults: cfg.Search.MaxResults,
		Logger:        zl.Named("research"),
	})
	if err != nil {
		return nil, err
	}

	graph, err := NewResearchGraph(stages.ByName(), cfg.MaxLoops)
	if err != nil {
		return nil, err
	}

	engineOpts := append([]Option{
		WithRunLogger(runLog),
		WithLogger(o.logger.Named("workflow")),
		WithTracer(o.telemetry.Tracer(instrumentationName)),
		WithMetrics(NewMetrics(o.registerer)),
	}, o.engineOpts...)
	p.Engine, err = NewEngine(graph, cfg.MaxLoops, engineOpts...)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// RunLogDir is where finished runs are written.
func (p *Pipeline) RunLogDir() string {
	return p.runLog.Dir()
}

// Tools connects to the MCP providers if needed and lists their tools. It
// returns nil when no providers are configured.
func (p *Pipeline) Tools(ctx context.Context) ([]gateway.ToolDescriptor, error) {
	if p.gateway == nil {
		return nil, nil
	}
	if err := p.gateway.Start(ctx); err != nil {
		return nil, fmt.Errorf("start tool gateway: %w", err)
	}
	return p.gateway.Tools(), nil
}

// Shutdown closes the MCP provider sessions.
func (p *Pipeline) Shutdown() error {
	if p.gateway == nil {
		return nil
	}
	return p.gateway.Shutdown()
}
