package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/copyleftdev/rbdo/internal/config"
	"github.com/copyleftdev/rbdo/internal/llm"
	"github.com/copyleftdev/rbdo/internal/logging"
	"github.com/copyleftdev/rbdo/internal/problems"
)

// app holds what the commands share. Tests swap the writers and the LLM
// client factory.
type app struct {
	stdout, stderr io.Writer
	newCompleter   func(llm.ClientConfig) (llm.Completer, error)

	logLevel  string
	logFormat string

	cfg      *config.Config
	logger   *logging.Logger
	zap      *zap.Logger
	registry *problems.Registry
}

func newApp() *app {
	return &app{stdout: os.Stdout, stderr: os.Stderr}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "rbdo",
		Short: "LLM-guided reliability-based design optimization",
		Long: `rbdo searches a design space for the lightest design that meets its
reliability targets. A language model proposes candidates, Monte-Carlo
sampling scores them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to LOG_LEVEL")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "text", "Log format on stderr (text, json)")

	root.AddCommand(newRunCmd(a), newProblemsCmd(a))
	return root
}

// setup loads the environment configuration and the loggers. Logs always
// go to stderr so stdout stays a clean event stream.
func (a *app) setup() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	lc := cfg.Logging
	lc.Writer = a.stderr
	lc.Format = a.logFormat
	if a.logLevel != "" {
		lc.Level = a.logLevel
	}
	logger, err := logging.NewLogger(&lc)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger.WithFields(map[string]interface{}{"service": "rbdo-cli"})
	a.zap = logging.NewZapLogger(a.logger)
	a.registry = problems.Default(a.zap)
	return nil
}
