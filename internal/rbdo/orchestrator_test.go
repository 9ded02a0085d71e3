package rbdo

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gonum.org/v1/gonum/mat"
)

const proposal2D = `[{"x1": 20, "x2": 0}]`

func testOptions(client *scriptedLLM) Options {
	opts := Options{
		Name:   "test",
		Ranges: square2D(),
		Target: TargetRange{0, 100},
		Problem: Problem{
			Objective:   sumOfSquares,
			Constraints: ConstraintFunc(firstCoordinateAbove(1)),
		},
		Config: Config{
			N:                 50,
			Std:               Scalar(0.1),
			Threshold:         Scalar(0),
			ReliabilityTarget: Scalar(0.9),
			PenaltyWeight:     Scalar(10),
			AdditionStd:       Scalar(0.5),
			AdditionPoints:    4,
			Retain:            5,
			NumInitialPoints:  8,
			SamplingMethod:    MethodLHS,
			MaxIterations:     5,
			StagnationLimit:   10,
			Seed:              7,
		},
		LLM: LLMSettings{
			Templates:        testTemplates(),
			TemplatePath:     "optimize.md",
			InitTemplatePath: "init.md",
			Temperature:      0.2,
			TopP:             0.9,
			MaxTokens:        512,
		},
	}
	if client != nil {
		opts.LLM.Client = client
	}
	return opts
}

func collect(seq iter.Seq[Event]) []Event {
	var out []Event
	for ev := range seq {
		out = append(out, ev)
	}
	return out
}

func updates(events []Event) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == EventUpdate {
			out = append(out, ev)
		}
	}
	return out
}

func logs(events []Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Type == EventLog {
			out = append(out, ev.Msg)
		}
	}
	return out
}

func hasLogPrefix(events []Event, prefix string) bool {
	for _, msg := range logs(events) {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}

func TestOrchestratorEndToEnd(t *testing.T) {
	o, err := New(testOptions(&scriptedLLM{replies: []string{proposal2D}}))
	require.NoError(t, err)

	events := collect(o.Run(context.Background()))
	msgs := logs(events)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "Scenario 'test' loaded. Init method: lhs", msgs[0])
	assert.Contains(t, msgs, ">>> Initialized with Latin Hypercube Sampling (8 points).")
	assert.Contains(t, msgs, "Evaluated init point 5/8...")
	assert.Contains(t, msgs, "Evaluated init point 8/8...")
	assert.Equal(t, "=== Optimization Finished ===", events[len(events)-1].Msg)

	ups := updates(events)
	require.Len(t, ups, 6)
	for i, up := range ups {
		assert.Equal(t, i, up.Iteration)
		assert.Equal(t, 0.0, up.Penalty, "iteration %d", i)
		assert.Len(t, up.Point, 2)
		assert.Len(t, up.Reliabilities, 1)
		if i > 0 {
			assert.LessOrEqual(t, up.Cost, ups[i-1].Cost, "iteration %d", i)
		}
	}

	state := o.State()
	assert.Equal(t, PhaseTerminated, state.Phase)
	assert.Equal(t, ReasonMaxIterations, state.Reason)
	assert.Equal(t, 5, state.Iteration)
	assert.Equal(t, ups[len(ups)-1].Point, state.Best.Design)
}

func TestOrchestratorAlwaysSatisfiedConstraint(t *testing.T) {
	opts := testOptions(&scriptedLLM{replies: []string{proposal2D}})
	opts.Problem.Constraints = ConstraintFunc(constantResponse(1, 1))
	opts.Config.N = 200
	opts.Config.MaxIterations = 5
	opts.Config.StagnationLimit = 5
	o, err := New(opts)
	require.NoError(t, err)

	ups := updates(collect(o.Run(context.Background())))
	require.Len(t, ups, 6)
	for i, up := range ups {
		assert.Equal(t, 0.0, up.Penalty, "iteration %d", i)
		assert.Equal(t, []float64{1}, up.Reliabilities, "iteration %d", i)
		if i > 0 {
			assert.LessOrEqual(t, up.Cost, ups[i-1].Cost, "iteration %d", i)
		}
	}
	assert.Contains(t, []TerminationReason{ReasonMaxIterations, ReasonStagnation}, o.State().Reason)
	assert.Equal(t, 5, o.State().Iteration)
}

func TestOrchestratorHistoryWindow(t *testing.T) {
	opts := testOptions(&scriptedLLM{replies: []string{proposal2D}})
	opts.Config.Retain = 3
	o, err := New(opts)
	require.NoError(t, err)

	collect(o.Run(context.Background()))
	hist := o.History()
	require.Len(t, hist, 3)
	assert.Equal(t, 3, hist[0].Iteration)
	assert.Equal(t, 4, hist[1].Iteration)
	assert.Equal(t, 5, hist[2].Iteration)
}

func TestOrchestratorHistoryReachesPrompt(t *testing.T) {
	client := &scriptedLLM{replies: []string{proposal2D}}
	opts := testOptions(client)
	opts.Config.MaxIterations = 3
	o, err := New(opts)
	require.NoError(t, err)
	collect(o.Run(context.Background()))

	calls := client.Calls()
	require.Len(t, calls, 3)
	assert.Contains(t, calls[0].User, "Iteration 0, point:")
	assert.Contains(t, calls[2].User, "Iteration 2, point:")
	assert.NotContains(t, calls[0].User, "Iteration 1, point:")
}

func TestOrchestratorStagnation(t *testing.T) {
	opts := testOptions(&scriptedLLM{replies: []string{proposal2D}})
	opts.Problem.Objective = func([]float64) (float64, error) { return 1, nil }
	opts.Config.MaxIterations = 10
	opts.Config.StagnationLimit = 2
	o, err := New(opts)
	require.NoError(t, err)

	events := collect(o.Run(context.Background()))
	assert.Contains(t, logs(events), "Stop: Stagnation limit reached.")
	ups := updates(events)
	assert.Equal(t, 2, ups[len(ups)-1].Iteration)
	assert.Equal(t, ReasonStagnation, o.State().Reason)
	assert.Equal(t, "=== Optimization Finished ===", events[len(events)-1].Msg)
}

func TestOrchestratorZeroIterations(t *testing.T) {
	opts := testOptions(nil)
	opts.Config.MaxIterations = 0
	o, err := New(opts)
	require.NoError(t, err)

	events := collect(o.Run(context.Background()))
	ups := updates(events)
	require.Len(t, ups, 1)
	assert.Equal(t, 0, ups[0].Iteration)
	assert.Equal(t, ReasonMaxIterations, o.State().Reason)
}

func TestOrchestratorProposalFallback(t *testing.T) {
	opts := testOptions(&scriptedLLM{err: errors.New("rate limited")})
	opts.Config.MaxIterations = 3
	o, err := New(opts)
	require.NoError(t, err)

	events := collect(o.Run(context.Background()))
	assert.True(t, hasLogPrefix(events, "Iter 1: LLM proposal unusable ("))
	assert.True(t, hasLogPrefix(events, "Iter 3: LLM proposal unusable ("))
	assert.Len(t, updates(events), 4)
	assert.Equal(t, ReasonMaxIterations, o.State().Reason)
}

func TestOrchestratorLLMInitialSampling(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		batch := `[{"x1": 10, "x2": 10}, {"x1": 20, "x2": 30}, {"x1": 50, "x2": 50}, {"x1": 70, "x2": 10},
			{"x1": 90, "x2": 90}, {"x1": 30, "x2": 80}, {"x1": 60, "x2": 20}, {"x1": 15, "x2": 45}]`
		opts := testOptions(&scriptedLLM{replies: []string{batch, proposal2D}})
		opts.Config.SamplingMethod = MethodLLM
		o, err := New(opts)
		require.NoError(t, err)

		events := collect(o.Run(context.Background()))
		assert.Contains(t, logs(events), ">>> Initialized with LLM Prompt (8 points).")
		assert.False(t, hasLogPrefix(events, "Initial sampling fallback"))
	})

	t.Run("falls back to LHS", func(t *testing.T) {
		opts := testOptions(&scriptedLLM{replies: []string{"no idea", proposal2D}})
		opts.Config.SamplingMethod = MethodLLM
		o, err := New(opts)
		require.NoError(t, err)

		events := collect(o.Run(context.Background()))
		assert.True(t, hasLogPrefix(events, "Initial sampling fallback: "))
		assert.Contains(t, logs(events), ">>> Initialized with Latin Hypercube Sampling (8 points).")
		assert.Len(t, updates(events), 6)
	})
}

func TestOrchestratorCancelledContext(t *testing.T) {
	o, err := New(testOptions(&scriptedLLM{replies: []string{proposal2D}}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	events := collect(o.Run(ctx))
	assert.Empty(t, updates(events))
	assert.Equal(t, "Stop: cancelled.", events[len(events)-1].Msg)
	assert.Equal(t, ReasonCancelled, o.State().Reason)
}

func TestOrchestratorCancelMidRun(t *testing.T) {
	o, err := New(testOptions(&scriptedLLM{replies: []string{proposal2D}}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var events []Event
	for ev := range o.Run(ctx) {
		events = append(events, ev)
		if ev.Type == EventUpdate && ev.Iteration == 1 {
			cancel()
		}
	}
	ups := updates(events)
	assert.Equal(t, 1, ups[len(ups)-1].Iteration)
	assert.Equal(t, "Stop: cancelled.", events[len(events)-1].Msg)
}

func TestOrchestratorConsumerStops(t *testing.T) {
	o, err := New(testOptions(&scriptedLLM{replies: []string{proposal2D}}))
	require.NoError(t, err)

	seq := o.Run(context.Background())
	for ev := range seq {
		if ev.Type == EventUpdate {
			break
		}
	}
	state := o.State()
	assert.Equal(t, ReasonCancelled, state.Reason)
	assert.Equal(t, PhaseTerminated, state.Phase)

	again := collect(seq)
	require.Len(t, again, 1)
	assert.Equal(t, "Runtime Error: optimization session already consumed", again[0].Msg)
}

func TestOrchestratorRuntimeErrors(t *testing.T) {
	t.Run("constraint error", func(t *testing.T) {
		opts := testOptions(nil)
		opts.Problem.Constraints = ConstraintFunc(func(*mat.Dense) (*mat.Dense, error) {
			return nil, errors.New("solver diverged")
		})
		o, err := New(opts)
		require.NoError(t, err)

		events := collect(o.Run(context.Background()))
		last := events[len(events)-1]
		assert.Equal(t, EventLog, last.Type)
		assert.True(t, strings.HasPrefix(last.Msg, "Runtime Error: "), last.Msg)
		assert.Contains(t, last.Msg, "solver diverged")
		assert.NotContains(t, logs(events), "=== Optimization Finished ===")
		assert.Equal(t, ReasonFailed, o.State().Reason)
	})

	t.Run("objective panic", func(t *testing.T) {
		opts := testOptions(nil)
		opts.Problem.Objective = func([]float64) (float64, error) { panic("index out of range") }
		o, err := New(opts)
		require.NoError(t, err)

		events := collect(o.Run(context.Background()))
		last := events[len(events)-1]
		assert.True(t, strings.HasPrefix(last.Msg, "Runtime Error: panic: index out of range"), last.Msg)
		assert.Equal(t, ReasonFailed, o.State().Reason)
	})

	t.Run("non-finite objective", func(t *testing.T) {
		opts := testOptions(nil)
		opts.Problem.Objective = func(x []float64) (float64, error) { return math.Log(x[0] - 100), nil }
		o, err := New(opts)
		require.NoError(t, err)

		events := collect(o.Run(context.Background()))
		last := events[len(events)-1]
		assert.True(t, strings.HasPrefix(last.Msg, "Runtime Error: "), last.Msg)
		assert.Contains(t, last.Msg, "not finite")
		assert.Empty(t, updates(events))
		assert.Equal(t, ReasonFailed, o.State().Reason)

		// Every event that was emitted still encodes.
		for _, ev := range events {
			_, err := json.Marshal(ev)
			require.NoError(t, err)
		}
	})
}

func TestOrchestratorParallelMatchesSequential(t *testing.T) {
	defer goleak.VerifyNone(t)
	run := func(parallelism int) []Event {
		opts := testOptions(&scriptedLLM{replies: []string{proposal2D}})
		opts.Config.Parallelism = parallelism
		opts.Config.AdditionPoints = 10
		o, err := New(opts)
		require.NoError(t, err)
		return collect(o.Run(context.Background()))
	}
	assert.Equal(t, run(1), run(4))
}

func TestOrchestratorSameSeedSameRun(t *testing.T) {
	run := func() []Event {
		o, err := New(testOptions(&scriptedLLM{replies: []string{proposal2D}}))
		require.NoError(t, err)
		return collect(o.Run(context.Background()))
	}
	assert.Equal(t, run(), run())
}

func TestOrchestratorCloud(t *testing.T) {
	opts := testOptions(nil)
	o, err := New(opts)
	require.NoError(t, err)

	cloud := o.cloud([]float64{5, 5})
	require.NotEmpty(t, cloud)
	assert.Equal(t, []float64{5, 5}, cloud[0])
	assert.LessOrEqual(t, len(cloud), opts.Config.AdditionPoints+1)
	for _, p := range cloud {
		assert.True(t, o.ranges.Contains(p))
	}

	// A token past the vocabulary maps outside the bounds. The proposal
	// is still evaluated as proposed; only its perturbations are filtered.
	outside, err := ParseProposal(`[{"x1": 105, "x2": 50}]`, o.ranges, opts.Target)
	require.NoError(t, err)
	assert.Equal(t, []float64{10.5, 5}, outside)
	cloud = o.cloud(outside)
	assert.Equal(t, []float64{10.5, 5}, cloud[0])
	for _, p := range cloud[1:] {
		assert.True(t, o.ranges.Contains(p), "perturbation %v", p)
	}

	opts.Config.AdditionPoints = 0
	o, err = New(opts)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{20, -3}}, o.cloud([]float64{20, -3}))
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		want   error
	}{
		{"zero samples", func(o *Options) { o.Config.N = 0 }, ErrConfig},
		{"no initial points", func(o *Options) { o.Config.NumInitialPoints = 0 }, ErrConfig},
		{"negative iterations", func(o *Options) { o.Config.MaxIterations = -1 }, ErrConfig},
		{"zero stagnation limit", func(o *Options) { o.Config.StagnationLimit = 0 }, ErrConfig},
		{"zero retain", func(o *Options) { o.Config.Retain = 0 }, ErrConfig},
		{"threshold unset", func(o *Options) { o.Config.Threshold = Param{} }, ErrConfig},
		{"std length", func(o *Options) { o.Config.Std = Vector(1, 2, 3) }, ErrShape},
		{"short addition std", func(o *Options) { o.Config.AdditionStd = Vector(1) }, ErrShape},
		{"negative addition std", func(o *Options) { o.Config.AdditionStd = Scalar(-1) }, ErrDomain},
		{"nil objective", func(o *Options) { o.Problem.Objective = nil }, ErrConfig},
		{"no constraints", func(o *Options) { o.Problem.Constraints = ConstraintSource{} }, ErrConfig},
		{"unknown sampler", func(o *Options) { o.Config.SamplingMethod = "sobol" }, ErrConfig},
		{"bad target", func(o *Options) { o.Target = TargetRange{5, 5} }, ErrDomain},
		{"no variables", func(o *Options) { o.Ranges = RangeMap{} }, ErrConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions(nil)
			tt.mutate(&opts)
			_, err := New(opts)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewTruncatesLongAdditionStd(t *testing.T) {
	opts := testOptions(nil)
	opts.Config.AdditionStd = Vector(0.1, 0.2, 0, 0)
	o, err := New(opts)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2}, o.addStd)
}

type recordingObserver struct {
	mu         sync.Mutex
	started    int
	evaluated  int
	iterations int
	improved   int
	fallbacks  map[string]int
	finished   []TerminationReason
}

func (r *recordingObserver) RunStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recordingObserver) Evaluated(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluated++
}

func (r *recordingObserver) Iteration(improved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.iterations++
	if improved {
		r.improved++
	}
}

func (r *recordingObserver) Fallback(source string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fallbacks == nil {
		r.fallbacks = map[string]int{}
	}
	r.fallbacks[source]++
}

func (r *recordingObserver) RunFinished(reason TerminationReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, reason)
}

func TestOrchestratorObserver(t *testing.T) {
	obs := &recordingObserver{}
	opts := testOptions(&scriptedLLM{err: errors.New("down")})
	opts.Observer = obs
	opts.Config.Parallelism = 3
	o, err := New(opts)
	require.NoError(t, err)
	collect(o.Run(context.Background()))

	assert.Equal(t, 1, obs.started)
	assert.Equal(t, 5, obs.iterations)
	assert.GreaterOrEqual(t, obs.evaluated, 8+5)
	assert.Equal(t, 5, obs.fallbacks["proposal"])
	assert.Equal(t, []TerminationReason{ReasonMaxIterations}, obs.finished)
}
