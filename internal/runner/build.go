package runner

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/copyleftdev/rbdo/internal/errors"
	"github.com/copyleftdev/rbdo/internal/llm"
	"github.com/copyleftdev/rbdo/internal/problems"
	"github.com/copyleftdev/rbdo/internal/prompt"
	"github.com/copyleftdev/rbdo/internal/rbdo"
)

const component = "runner"

// Deps are the process-wide collaborators of every run.
type Deps struct {
	Problems  *problems.Registry
	Templates prompt.Loader
	// LLMDefaults supply credentials a request leaves empty.
	LLMDefaults map[llm.Provider]llm.Credentials
	LLMTimeout  time.Duration
	// Limiter, when set, is shared by every run's LLM client.
	Limiter *rate.Limiter
	// Parallelism applies when a request leaves parallelism at 0.
	Parallelism int
	Logger      *zap.Logger
	Observer    rbdo.Observer
	// NewCompleter replaces the OpenAI-compatible client, mainly in tests.
	NewCompleter func(cfg llm.ClientConfig) (llm.Completer, error)
}

// Run is an assembled session.
type Run struct {
	Scenario     string
	Config       RunConfig
	Ranges       rbdo.RangeMap
	Orchestrator *rbdo.Orchestrator
}

func configError(err error, msg string) error {
	return errors.BadRequest(err, msg).WithOperation("runner.Build").WithComponent(component)
}

// Build validates req, resolves its scenario and LLM client and returns
// the session. Every error it returns carries status 400.
func Build(req RunRequest, deps Deps) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if deps.Problems == nil {
		deps.Problems = problems.Default(deps.Logger)
	}
	if deps.Templates == nil {
		deps.Templates = prompt.DirLoader{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := req.Config
	def, ok := deps.Problems.Lookup(cfg.ProblemScenario)
	if !ok {
		return nil, configError(errors.Errorf("Unknown scenario: %s", cfg.ProblemScenario), "invalid run configuration")
	}
	cfg = Resolve(cfg, def.Suggested)
	for _, path := range []string{cfg.TemplatePath, cfg.InitTemplatePath} {
		if _, err := deps.Templates.Load(path); errors.Is(err, prompt.ErrOutsideDir) {
			return nil, configError(err, "invalid template path")
		}
	}

	rawRanges := req.Ranges
	ranges := make(map[string][2]float64, len(rawRanges))
	for k, v := range rawRanges {
		ranges[k] = [2]float64{v[0], v[1]}
	}
	if len(ranges) == 0 {
		ranges = def.Ranges
	}
	rm, err := rbdo.NewRangeMap(ranges)
	if err != nil {
		return nil, configError(err, "Range parsing failed")
	}
	if want := len(def.Ranges); want > 0 && rm.Dim() != want {
		return nil, configError(errors.Errorf("scenario %s has %d design variables, ranges give %d", def.ID, want, rm.Dim()), "Range parsing failed")
	}

	problem, err := deps.Problems.Problem(def.ID)
	if err != nil {
		return nil, configError(err, "problem setup failed")
	}

	client, err := newCompleter(cfg, deps, logger)
	if err != nil {
		return nil, configError(err, "Client Init Failed")
	}

	parallelism := cfg.Parallelism
	if parallelism == 0 {
		parallelism = deps.Parallelism
	}

	orch, err := rbdo.New(rbdo.Options{
		Name: def.ID,
		Config: rbdo.Config{
			N:                 cfg.N,
			Std:               cfg.Std,
			Threshold:         cfg.Threshold,
			ReliabilityTarget: cfg.ReliabilityTarget,
			PenaltyWeight:     cfg.PenaltyWeight,
			AdditionStd:       cfg.AdditionStd,
			AdditionPoints:    cfg.AdditionPoints,
			Retain:            cfg.RetainNumber,
			NumInitialPoints:  *cfg.NumInitialPoints,
			SamplingMethod:    cfg.InitialSamplingMethod,
			MaxIterations:     *cfg.MaxIterations,
			StagnationLimit:   cfg.StagnationLimit,
			Parallelism:       parallelism,
			Seed:              cfg.Seed,
		},
		Ranges:  rm,
		Target:  rbdo.TargetRange{Min: cfg.TargetRangeMin, Max: cfg.TargetRangeMax},
		Problem: problem,
		LLM: rbdo.LLMSettings{
			Client:           client,
			Templates:        deps.Templates,
			TemplatePath:     cfg.TemplatePath,
			InitTemplatePath: cfg.InitTemplatePath,
			Model:            cfg.Model,
			Temperature:      cfg.Temperature,
			TopP:             cfg.TopP,
			MaxTokens:        cfg.MaxTokens,
		},
		Logger:   logger.Named("rbdo").With(zap.String("scenario", def.ID)),
		Observer: deps.Observer,
	})
	if err != nil {
		return nil, configError(err, "invalid run configuration")
	}

	logger.Info("Run assembled",
		zap.String("scenario", def.ID),
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.Int("dim", rm.Dim()),
		zap.String("sampling", cfg.InitialSamplingMethod),
	)
	return &Run{Scenario: def.ID, Config: cfg, Ranges: rm, Orchestrator: orch}, nil
}

// Resolve fills the settings a request left unset: first from the
// scenario's suggestions, then from the global defaults.
func Resolve(cfg RunConfig, s problems.Suggested) RunConfig {
	cfg.Std = firstParam(cfg.Std, s.Std, rbdo.Scalar(DefaultStd))
	cfg.AdditionStd = firstParam(cfg.AdditionStd, s.AdditionStd, rbdo.Scalar(DefaultAdditionStd))
	cfg.ReliabilityTarget = firstParam(cfg.ReliabilityTarget, s.ReliabilityTarget, rbdo.Scalar(DefaultReliabilityTarget))
	cfg.NumInitialPoints = firstInt(cfg.NumInitialPoints, s.NumInitialPoints, DefaultNumInitialPoints)
	cfg.MaxIterations = firstInt(cfg.MaxIterations, s.MaxIterations, DefaultMaxIterations)
	if cfg.InitialSamplingMethod == "" {
		cfg.InitialSamplingMethod = DefaultSamplingMethod
	}
	if cfg.TemplatePath == "" {
		cfg.TemplatePath = prompt.DefaultOptimize
	}
	if cfg.InitTemplatePath == "" {
		cfg.InitTemplatePath = prompt.DefaultInit
	}
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	return cfg
}

func firstParam(ps ...rbdo.Param) rbdo.Param {
	for _, p := range ps {
		if !p.IsZero() {
			return p
		}
	}
	return rbdo.Param{}
}

func firstInt(set *int, suggested, def int) *int {
	switch {
	case set != nil:
		v := *set
		return &v
	case suggested != 0:
		return &suggested
	}
	return &def
}

func newCompleter(cfg RunConfig, deps Deps, logger *zap.Logger) (llm.Completer, error) {
	cc := llm.ClientConfig{
		Provider: cfg.Provider,
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
		Timeout:  deps.LLMTimeout,
		Defaults: deps.LLMDefaults,
		Logger:   logger,
	}
	var (
		client llm.Completer
		err    error
	)
	if deps.NewCompleter != nil {
		if _, err = llm.ParseProvider(cfg.Provider); err != nil {
			return nil, err
		}
		client, err = deps.NewCompleter(cc)
	} else {
		client, err = llm.NewClient(cc)
	}
	if err != nil {
		return nil, err
	}
	if deps.Limiter != nil {
		client = llm.NewRateLimited(client, deps.Limiter)
	}
	return client, nil
}
