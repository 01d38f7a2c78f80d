// Package logging provides structured logging for deepresearch.
//
// Logger wraps Zap with context-aware methods that inject correlation fields
// (trace_id, span_id, run.id, stage, request.id), a custom Trace level, an
// encoder that redacts secret-bearing fields and token patterns, sampling below
// Error, and an optional OpenTelemetry log bridge.
//
//	cfg, _ := logging.FromAppConfig(appCfg)
//	logger, err := logging.NewLogger(cfg, otelLoggerProvider)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, runID)
//	logger.Info(ctx, "run started", zap.String("query", q))
//
// Library packages (gateway, retry, search) take a plain *zap.Logger; pass
// logger.Zap() to them.
//
// Use NewTestLogger in tests to assert on emitted entries.
package logging
