package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/copyleftdev/rbdo/internal/prompt"
	"github.com/copyleftdev/rbdo/internal/rbdo"
	"github.com/copyleftdev/rbdo/internal/runner"
)

type runOptions struct {
	file          string
	scenario      string
	seed          uint64
	maxIterations int
	summary       bool
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one optimization from a YAML or JSON run file",
		Long: `Reads a run file ("-" for stdin) with the same config and ranges keys as
the HTTP API and streams the run's events to stdout, one JSON object per line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("max-iterations") {
				opts.maxIterations = -1
			}
			return a.run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "config", "c", "", "Run file path, or - for stdin (required)")
	cmd.Flags().StringVar(&opts.scenario, "scenario", "", "Override problem_scenario")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 0, "Override the random seed")
	cmd.Flags().IntVar(&opts.maxIterations, "max-iterations", 0, "Override max_iterations")
	cmd.Flags().BoolVar(&opts.summary, "summary", false, "Print only the final best update")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func (a *app) readRunFile(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func (a *app) run(ctx context.Context, opts runOptions) error {
	data, err := a.readRunFile(opts.file)
	if err != nil {
		return fmt.Errorf("failed to read run file: %w", err)
	}
	req, err := runner.DecodeYAML(data)
	if err != nil {
		return err
	}
	if opts.scenario != "" {
		req.Config.ProblemScenario = opts.scenario
	}
	if opts.seed != 0 {
		req.Config.Seed = opts.seed
	}
	if opts.maxIterations >= 0 {
		n := opts.maxIterations
		req.Config.MaxIterations = &n
	}

	deps := runner.Deps{
		Problems:     a.registry,
		Templates:    prompt.DirLoader{Dir: a.cfg.Optimization.TemplateDir, AnyPath: true},
		LLMDefaults:  a.cfg.LLMDefaults(),
		LLMTimeout:   a.cfg.LLM.Timeout,
		Parallelism:  a.cfg.Optimization.Parallelism,
		Logger:       a.zap,
		NewCompleter: a.newCompleter,
	}
	if a.cfg.LLM.RateLimit > 0 {
		deps.Limiter = rate.NewLimiter(rate.Limit(a.cfg.LLM.RateLimit), a.cfg.LLM.RateBurst)
	}
	run, err := runner.Build(req, deps)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := runner.Tee(run.Orchestrator.Run(ctx), a.logProgress)
	if opts.summary {
		var last rbdo.Event
		for ev := range events {
			if ev.Type == rbdo.EventUpdate {
				last = ev
			}
		}
		if last.Type == rbdo.EventUpdate {
			err = json.NewEncoder(a.stdout).Encode(last)
		}
	} else {
		_, err = runner.WriteNDJSON(a.stdout, events)
	}
	if err != nil {
		return fmt.Errorf("failed to write events: %w", err)
	}

	state := run.Orchestrator.State()
	a.logger.Info("Run finished", map[string]interface{}{
		"scenario":  run.Scenario,
		"reason":    string(state.Reason),
		"iteration": state.Iteration,
		"cost":      state.Best.Objective,
		"penalty":   state.Best.Penalty,
	})
	switch state.Reason {
	case rbdo.ReasonFailed:
		return fmt.Errorf("optimization failed")
	case rbdo.ReasonCancelled:
		return fmt.Errorf("optimization cancelled")
	}
	return nil
}

func (a *app) logProgress(ev rbdo.Event) {
	if ev.Type != rbdo.EventUpdate {
		return
	}
	a.logger.Debug("Best design", map[string]interface{}{
		"iteration": ev.Iteration,
		"cost":      ev.Cost,
		"penalty":   ev.Penalty,
		"point":     ev.Point,
	})
}
