package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fyrsmithlabs/deepresearch/internal/workflow"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// handleRunStream executes a run and reports it as server-sent events: one
// "stage" event per completed stage, then a single "result" or "error" event.
func (s *Server) handleRunStream(c echo.Context) error {
	req, err := s.bindRun(c)
	if err != nil {
		return err
	}

	ctx, cancel := s.runContext(c)
	defer cancel()

	events, err := s.service.RunStream(ctx, req.Query, workflow.RunOptions{Scope: req.Scope, Metadata: req.Metadata})
	if err != nil {
		return s.runError(err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()
	defer s.metrics.streamOpened(ctx)()

	for ev := range events {
		var data any = ev
		if ev.Kind == workflow.EventError {
			data = StreamError{RunID: ev.RunID, Error: ev.Err.Error()}
		}
		if err := writeEvent(w, string(ev.Kind), data); err != nil {
			// Client is gone; cancelling ctx stops the run and closes events.
			s.logger.Debug("stream write failed", zap.Error(err))
			cancel()
			for range events {
			}
			return nil
		}
		s.metrics.streamEvent(ctx, string(ev.Kind))
	}
	return nil
}

func writeEvent(w *echo.Response, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	w.Flush()
	return nil
}
