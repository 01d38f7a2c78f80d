package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fyrsmithlabs/deepresearch/internal/workflow"
	"github.com/spf13/cobra"
)

type runFlags struct {
	scope    string
	stream   bool
	jsonOut  bool
	metadata map[string]string
}

func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run <question>",
		Short: "Research a question and print the report",
		Long: `Run a research workflow for a question and print the final report.

Examples:
  # Research a question
  deepresearch run "What is quantum annealing?"

  # Narrow the scope and show stage progress
  deepresearch run --stream --scope "commercial hardware" "What is quantum annealing?"

  # Emit the full result as JSON
  deepresearch run --json "What is quantum annealing?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResearch(cmd, strings.Join(args, " "), flags)
		},
	}
	cmd.Flags().StringVar(&flags.scope, "scope", "", "initial research scope")
	cmd.Flags().BoolVar(&flags.stream, "stream", false, "print each stage as it completes")
	cmd.Flags().BoolVar(&flags.jsonOut, "json", false, "print the result as JSON")
	cmd.Flags().StringToStringVar(&flags.metadata, "meta", nil, "run metadata as key=value pairs")
	return cmd
}

func runResearch(cmd *cobra.Command, query string, flags runFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	opts := workflow.RunOptions{Scope: flags.scope, Metadata: flags.metadata}
	out := cmd.OutOrStdout()

	var result *workflow.RunResult
	if flags.stream {
		result, err = streamRun(ctx, a.pipeline, query, opts, cmd.ErrOrStderr())
	} else {
		result, err = a.pipeline.Run(ctx, query, opts)
	}
	if err != nil && result == nil {
		return err
	}
	if err != nil {
		// The run finished but was not logged.
		fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render("warning:"), err)
	}

	if flags.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	renderResult(out, result)
	return nil
}

// streamer is the part of the pipeline streamRun needs.
type streamer interface {
	RunStream(ctx context.Context, query string, opts workflow.RunOptions) (<-chan workflow.Event, error)
}

// streamRun prints stage progress to progress and returns the terminal
// result.
func streamRun(ctx context.Context, s streamer, query string, opts workflow.RunOptions, progress io.Writer) (*workflow.RunResult, error) {
	events, err := s.RunStream(ctx, query, opts)
	if err != nil {
		return nil, err
	}

	var (
		result *workflow.RunResult
		runErr error
	)
	for ev := range events {
		switch ev.Kind {
		case workflow.EventStage:
			renderStage(progress, ev)
		case workflow.EventResult:
			result = ev.Result
		case workflow.EventError:
			result, runErr = ev.Result, ev.Err
		}
	}
	if result == nil && runErr == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("run stream ended without a result")
	}
	return result, runErr
}
