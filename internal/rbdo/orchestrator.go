package rbdo

import (
	"context"
	"fmt"
	"iter"
	"math/rand/v2"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/copyleftdev/rbdo/internal/llm"
	"github.com/copyleftdev/rbdo/internal/prompt"
)

// initChunk is the number of initial points evaluated between progress logs.
const initChunk = 5

// Config holds the numeric settings of a run.
type Config struct {
	// N is the Monte-Carlo sample count per evaluation.
	N int
	// Std is the standard deviation of the reliability cloud, per expanded
	// dimension.
	Std               Param
	Threshold         Param
	ReliabilityTarget Param
	PenaltyWeight     Param
	// AdditionStd is the perturbation std per design dimension; a longer
	// vector is truncated to the design dimension.
	AdditionStd Param
	// AdditionPoints is the number of perturbed variants per proposal.
	AdditionPoints   int
	Retain           int
	NumInitialPoints int
	SamplingMethod   string
	MaxIterations    int
	StagnationLimit  int
	// Parallelism bounds concurrent cloud evaluations; values below 2 run
	// sequentially.
	Parallelism int
	// Seed seeds the session RNG; 0 picks a time-derived seed.
	Seed uint64
}

// LLMSettings configures the proposal and sampling requests.
type LLMSettings struct {
	Client           llm.Completer
	Templates        prompt.Loader
	TemplatePath     string
	InitTemplatePath string
	Model            string
	Temperature      float64
	TopP             float64
	MaxTokens        int
}

// Options are the dependencies of an Orchestrator.
type Options struct {
	// Name labels the run in log events.
	Name    string
	Config  Config
	Ranges  RangeMap
	Target  TargetRange
	Problem Problem
	LLM     LLMSettings
	// Sampler overrides the sampler selected by Config.SamplingMethod.
	Sampler  Sampler
	Logger   *zap.Logger
	Observer Observer
}

// Orchestrator drives one optimization session.
type Orchestrator struct {
	name      string
	cfg       Config
	ranges    RangeMap
	target    TargetRange
	evaluator *Evaluator
	sampler   Sampler
	proposer  *Proposer
	addStd    []float64
	rng       *rand.Rand
	logger    *zap.Logger
	observer  Observer

	history *History
	state   State
	started atomic.Bool
}

// New validates opts and builds an Orchestrator. Every configuration error
// is reported here, before any evaluation.
func New(opts Options) (*Orchestrator, error) {
	const op = "rbdo.New"
	cfg := opts.Config
	d := opts.Ranges.Dim()

	if d == 0 {
		return nil, newError(KindConfig, op, "no design variables")
	}
	if err := opts.Target.Validate(); err != nil {
		return nil, err
	}
	if opts.Problem.Objective == nil {
		return nil, newError(KindConfig, op, "objective is nil")
	}
	if !opts.Problem.Constraints.Valid() {
		return nil, newError(KindConfig, op, "constraint source must be a batch function or a model list")
	}
	switch {
	case cfg.N < 1:
		return nil, newError(KindConfig, op, "N must be positive, got %d", cfg.N)
	case cfg.NumInitialPoints < 1:
		return nil, newError(KindConfig, op, "num_initial_points must be positive, got %d", cfg.NumInitialPoints)
	case cfg.MaxIterations < 0:
		return nil, newError(KindConfig, op, "max_iterations must not be negative, got %d", cfg.MaxIterations)
	case cfg.StagnationLimit < 1:
		return nil, newError(KindConfig, op, "stagnation_limit must be positive, got %d", cfg.StagnationLimit)
	case cfg.Retain < 1:
		return nil, newError(KindConfig, op, "retain_number must be positive, got %d", cfg.Retain)
	case cfg.AdditionPoints < 0:
		return nil, newError(KindConfig, op, "adition_point_number must not be negative, got %d", cfg.AdditionPoints)
	}
	for name, p := range map[string]Param{
		"threshold":          cfg.Threshold,
		"reliability_target": cfg.ReliabilityTarget,
		"penalty_weight":     cfg.PenaltyWeight,
	} {
		if p.IsZero() {
			return nil, newError(KindConfig, op, "%s is not set", name)
		}
	}

	addStd, err := cfg.AdditionStd.Truncate(d)
	if err != nil {
		return nil, wrapError(KindShape, op, err, "adition_point_std")
	}
	for i, s := range addStd {
		if s < 0 {
			return nil, newError(KindDomain, op, "adition_point_std[%d] = %v is negative", i, s)
		}
	}

	var expandedDim int
	if err := safely(func() error {
		expandedDim = len(opts.Problem.ExpandPoint(opts.Ranges.Center()))
		return nil
	}); err != nil {
		return nil, wrapError(KindConfig, op, err, "expand")
	}
	if _, err := cfg.Std.Broadcast(expandedDim); err != nil {
		return nil, wrapError(KindShape, op, err, "std")
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := opts.Observer
	if observer == nil {
		observer = NopObserver{}
	}

	sampler := opts.Sampler
	if sampler == nil {
		sampler, err = NewSampler(cfg.SamplingMethod, LLMSampler{
			Client:       opts.LLM.Client,
			Templates:    opts.LLM.Templates,
			TemplatePath: opts.LLM.InitTemplatePath,
			Model:        opts.LLM.Model,
			Ranges:       opts.Ranges,
			Target:       opts.Target,
			Rand:         rng,
			Logger:       logger.Named("sampler"),
		})
		if err != nil {
			return nil, err
		}
	}

	return &Orchestrator{
		name:   opts.Name,
		cfg:    cfg,
		ranges: opts.Ranges,
		target: opts.Target,
		evaluator: &Evaluator{
			N:         cfg.N,
			Std:       cfg.Std,
			Threshold: cfg.Threshold,
			Target:    cfg.ReliabilityTarget,
			Weight:    cfg.PenaltyWeight,
			Problem:   opts.Problem,
		},
		sampler: sampler,
		proposer: &Proposer{
			Client:       opts.LLM.Client,
			Templates:    opts.LLM.Templates,
			TemplatePath: opts.LLM.TemplatePath,
			Model:        opts.LLM.Model,
			Temperature:  opts.LLM.Temperature,
			TopP:         opts.LLM.TopP,
			MaxTokens:    opts.LLM.MaxTokens,
			Ranges:       opts.Ranges,
			Target:       opts.Target,
			Logger:       logger.Named("proposer"),
		},
		addStd:   addStd,
		rng:      rng,
		logger:   logger.Named("orchestrator"),
		observer: observer,
		history:  NewHistory(cfg.Retain),
	}, nil
}

// State returns a snapshot of the running state. It must not be called
// concurrently with the iteration of Run.
func (o *Orchestrator) State() State {
	s := o.state
	s.Best = newCandidate(s.Best.Design, s.Best.Expanded, s.Best.Penalty, s.Best.Objective, s.Best.Reliabilities)
	s.Current = append([]float64(nil), s.Current...)
	return s
}

// History returns the retained iteration messages, oldest first.
func (o *Orchestrator) History() []IterationMessage { return o.history.Messages() }

// Run returns the event stream of the session. The sequence is lazy and
// single-use: the loop advances only as events are consumed, stops when the
// consumer stops, and checks ctx at iteration boundaries.
func (o *Orchestrator) Run(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if !o.started.CompareAndSwap(false, true) {
			yield(LogEvent("Runtime Error: optimization session already consumed"))
			return
		}
		o.observer.RunStarted()
		o.run(ctx, yield)
		o.state.Phase = PhaseTerminated
		o.observer.RunFinished(o.state.Reason)
		o.logger.Info("optimization finished",
			zap.String("run", o.name),
			zap.String("reason", string(o.state.Reason)),
			zap.Int("iterations", o.state.Iteration),
			zap.Float64("best_cost", o.state.Best.Objective),
			zap.Float64("best_penalty", o.state.Best.Penalty),
		)
	}
}

func (o *Orchestrator) run(ctx context.Context, yield func(Event) bool) {
	fail := func(err error) {
		o.state.Reason = ReasonFailed
		o.logger.Error("optimization failed", zap.String("run", o.name), zap.Error(err))
		yield(LogEvent("Runtime Error: " + err.Error()))
	}
	// stopped marks a consumer that quit ranging.
	stopped := func() {
		if o.state.Reason == ReasonNone {
			o.state.Reason = ReasonCancelled
		}
	}
	cancelled := func() bool {
		if ctx.Err() == nil {
			return false
		}
		o.state.Reason = ReasonCancelled
		yield(LogEvent("Stop: cancelled."))
		return true
	}

	o.state.Phase = PhaseInit
	if !yield(LogEvent(fmt.Sprintf("Scenario '%s' loaded. Init method: %s", o.name, o.cfg.SamplingMethod))) {
		stopped()
		return
	}

	var pop Population
	if err := safely(func() (err error) {
		pop, err = o.sampler.Sample(ctx, o.ranges.Bounds(), o.cfg.NumInitialPoints)
		return err
	}); err != nil {
		fail(fmt.Errorf("initial sampling: %w", err))
		return
	}
	if len(pop.Points) == 0 {
		fail(fmt.Errorf("initial sampling returned no points"))
		return
	}
	if pop.Fallback != nil {
		o.observer.Fallback("sampler", pop.Fallback)
		if !yield(LogEvent("Initial sampling fallback: " + pop.Fallback.Error())) {
			stopped()
			return
		}
	}
	if !yield(LogEvent(fmt.Sprintf(">>> Initialized with %s (%d points).", methodLabel(pop.Method), len(pop.Points)))) {
		stopped()
		return
	}

	o.state.Phase = PhaseEvaluatingInitial
	initial := make([]CandidateRecord, 0, len(pop.Points))
	for start := 0; start < len(pop.Points); start += initChunk {
		if cancelled() {
			return
		}
		end := min(start+initChunk, len(pop.Points))
		recs, err := o.evaluateAll(pop.Points[start:end])
		if err != nil {
			fail(err)
			return
		}
		initial = append(initial, recs...)
		if !yield(LogEvent(fmt.Sprintf("Evaluated init point %d/%d...", end, len(pop.Points)))) {
			stopped()
			return
		}
	}

	o.state.Best = initial[SelectBest(initial)]
	o.state.Current = o.state.Best.Design
	first, err := o.message(0, o.state.Best)
	if err != nil {
		fail(err)
		return
	}
	o.history.Append(first)
	if !yield(UpdateEvent(0, o.state.Best)) {
		stopped()
		return
	}

	o.state.Phase = PhaseIterating
	for k := 1; k <= o.cfg.MaxIterations; k++ {
		if cancelled() {
			return
		}
		o.state.Iteration = k

		improved, err := o.step(ctx, k, yield)
		if err != nil {
			fail(err)
			return
		}
		if improved == stepAborted {
			stopped()
			return
		}
		o.observer.Iteration(improved == stepImproved)

		if !yield(UpdateEvent(k, o.state.Best)) {
			stopped()
			return
		}
		if o.state.Stagnation >= o.cfg.StagnationLimit {
			o.state.Reason = ReasonStagnation
			if !yield(LogEvent("Stop: Stagnation limit reached.")) {
				return
			}
			break
		}
	}
	if o.state.Reason == ReasonNone {
		o.state.Reason = ReasonMaxIterations
	}
	yield(LogEvent("=== Optimization Finished ==="))
}

type stepResult int

const (
	stepStagnant stepResult = iota
	stepImproved
	stepAborted
)

// step runs one iteration: propose, build and evaluate the cloud, apply the
// acceptance rule and record history.
func (o *Orchestrator) step(ctx context.Context, k int, yield func(Event) bool) (stepResult, error) {
	bestMsg, err := o.message(k, o.state.Best)
	if err != nil {
		return stepStagnant, err
	}
	var prop Proposal
	if err := safely(func() error {
		prop = o.proposer.Propose(ctx, o.history.Messages(), bestMsg)
		return nil
	}); err != nil {
		return stepStagnant, fmt.Errorf("proposal: %w", err)
	}
	if prop.Fallback() {
		o.observer.Fallback("proposal", prop.Err)
		if !yield(LogEvent(fmt.Sprintf("Iter %d: LLM proposal unusable (%v), using best point.", k, prop.Err))) {
			return stepAborted, nil
		}
	}

	cloud := o.cloud(prop.Point)
	recs, err := o.evaluateAll(cloud)
	if err != nil {
		return stepStagnant, err
	}
	roundBest := recs[SelectBest(recs)]
	o.state.Current = roundBest.Design
	o.logger.Debug("round evaluated",
		zap.Int("iteration", k),
		zap.Int("cloud", len(cloud)),
		zap.Float64("round_cost", roundBest.Objective),
		zap.Float64("round_penalty", roundBest.Penalty),
	)

	result := stepStagnant
	if Accept(o.state.Best, roundBest) {
		o.state.Best = roundBest
		o.state.Stagnation = 0
		result = stepImproved
		msg := fmt.Sprintf("Iter %d: Improvement! Cost=%.4f, Pen=%.4f", k, roundBest.Objective, roundBest.Penalty)
		if !yield(LogEvent(msg)) {
			return stepAborted, nil
		}
	} else {
		o.state.Stagnation++
	}

	m, err := o.message(k, roundBest)
	if err != nil {
		return result, err
	}
	o.history.Append(m)
	return result, nil
}

// cloud is the proposal followed by its in-bounds Gaussian perturbations.
// The proposal is kept even when it lies outside the bounds.
func (o *Orchestrator) cloud(proposal []float64) [][]float64 {
	members := make([][]float64, 0, o.cfg.AdditionPoints+1)
	members = append(members, append([]float64(nil), proposal...))
	noise := make([]distuv.Normal, len(o.addStd))
	for j, s := range o.addStd {
		noise[j] = distuv.Normal{Mu: 0, Sigma: s, Src: o.rng}
	}
	for i := 0; i < o.cfg.AdditionPoints; i++ {
		p := make([]float64, len(proposal))
		for j := range proposal {
			p[j] = proposal[j] + noise[j].Rand()
		}
		if o.ranges.Contains(p) {
			members = append(members, p)
		}
	}
	return members
}

// evaluateAll scores points, in parallel when configured. Every point gets
// its own RNG drawn from the session RNG up front, and results keep the
// input order, so the outcome does not depend on scheduling.
func (o *Orchestrator) evaluateAll(points [][]float64) ([]CandidateRecord, error) {
	rngs := make([]*rand.Rand, len(points))
	for i := range rngs {
		rngs[i] = rand.New(rand.NewPCG(o.rng.Uint64(), o.rng.Uint64()))
	}
	out := make([]CandidateRecord, len(points))
	eval := func(i int) error {
		start := time.Now()
		err := safely(func() (err error) {
			out[i], err = o.evaluator.Evaluate(points[i], rngs[i])
			return err
		})
		o.observer.Evaluated(time.Since(start))
		return err
	}

	if o.cfg.Parallelism < 2 || len(points) < 2 {
		for i := range points {
			if err := eval(i); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	var g errgroup.Group
	g.SetLimit(o.cfg.Parallelism)
	for i := range points {
		g.Go(func() error { return eval(i) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Orchestrator) message(k int, rec CandidateRecord) (IterationMessage, error) {
	tokens, err := VectorToInt(rec.Design, o.ranges, o.target)
	if err != nil {
		return IterationMessage{}, err
	}
	return IterationMessage{Iteration: k, Point: tokens, Penalty: rec.Penalty, Objective: rec.Objective}, nil
}

func methodLabel(method string) string {
	switch method {
	case MethodLLM:
		return "LLM Prompt"
	case MethodRandom:
		return "Random Uniform"
	case MethodLHS:
		return "Latin Hypercube Sampling"
	}
	return method
}

// safely runs f and turns a panic raised by a collaborator into an error.
func safely(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return f()
}
