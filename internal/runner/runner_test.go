package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/copyleftdev/rbdo/internal/errors"
	"github.com/copyleftdev/rbdo/internal/llm"
	"github.com/copyleftdev/rbdo/internal/problems"
	"github.com/copyleftdev/rbdo/internal/prompt"
	"github.com/copyleftdev/rbdo/internal/rbdo"
)

const frontendPayload = `{
  "config": {
    "provider": "DeepSeek",
    "api_key": "",
    "base_url": "",
    "model": "deepseek-chat",
    "temperature": 0.2,
    "top_p": 0.9,
    "max_tokens": 512,
    "template_path": "Scripts/prompt_template_Chinese.md",
    "max_iterations": 2,
    "stagnation_limit": 10,
    "retain_number": 5,
    "num_initial_points": 4,
    "initial_sampling_method": "lhs",
    "target_range_min": 0,
    "target_range_max": 100,
    "reliability_target": "0.98",
    "N": 200,
    "threshold": 0,
    "penalty_limit": 0.01,
    "penalty_weight": 10000,
    "std": "0.3464",
    "adition_point_std": [0.3464, 0.3464],
    "adition_point_number": 3,
    "verbose_perturbation": false,
    "problem_scenario": "math_2d_real",
    "verbose_backend": true,
    "return_details": true,
    "seed": 11
  },
  "ranges": {"x1_range": [0, 10], "x2_range": [0, 10]}
}`

type fakeLLM struct {
	configs []llm.ClientConfig
	reply   string
}

func (f *fakeLLM) factory(cfg llm.ClientConfig) (llm.Completer, error) {
	f.configs = append(f.configs, cfg)
	return llm.CompleterFunc(func(context.Context, llm.Request) (string, error) {
		return f.reply, nil
	}), nil
}

func testDeps(f *fakeLLM) Deps {
	return Deps{
		Problems:     problems.Default(nil),
		NewCompleter: f.factory,
	}
}

func TestBuildFromFrontendPayload(t *testing.T) {
	req, err := DecodeJSON(strings.NewReader(frontendPayload))
	require.NoError(t, err)

	f := &fakeLLM{reply: `Sure: [{"x1": 34, "x2": 33}]`}
	run, err := Build(req, testDeps(f))
	require.NoError(t, err)

	assert.Equal(t, "math_2d_real", run.Scenario)
	assert.Equal(t, []string{"x1", "x2"}, run.Ranges.Names())
	assert.Equal(t, "deepseek", run.Config.Provider)
	require.Len(t, f.configs, 1)
	assert.Equal(t, "deepseek", f.configs[0].Provider)
	assert.Equal(t, 4, *run.Config.NumInitialPoints)
	assert.Equal(t, 2, *run.Config.MaxIterations)
	assert.Equal(t, "init.md", run.Config.InitTemplatePath)

	var events []rbdo.Event
	for ev := range run.Orchestrator.Run(context.Background()) {
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	assert.Equal(t, "Scenario 'math_2d_real' loaded. Init method: lhs", events[0].Msg)
	assert.Equal(t, rbdo.LogEvent("=== Optimization Finished ==="), events[len(events)-1])

	updates := 0
	for _, ev := range events {
		if ev.Type == rbdo.EventUpdate {
			updates++
			assert.Len(t, ev.Point, 2)
			assert.Len(t, ev.Reliabilities, 3)
		}
	}
	assert.Equal(t, 3, updates, "initial best plus one per iteration")
}

func TestBuildUsesScenarioSuggestions(t *testing.T) {
	req := NewRequest()
	req.Config.ProblemScenario = "car_crash_real"
	req.Config.N = 100

	run, err := Build(req, testDeps(&fakeLLM{}))
	require.NoError(t, err)

	assert.Equal(t, 9, run.Ranges.Dim())
	assert.Equal(t, 60, *run.Config.NumInitialPoints)
	assert.Equal(t, 100, *run.Config.MaxIterations)
	assert.Equal(t, 11, run.Config.Std.Len())
	assert.Equal(t, []float64{0.9}, run.Config.ReliabilityTarget.Values())
}

func TestResolve(t *testing.T) {
	five := 5
	cfg := DefaultRunConfig()
	cfg.NumInitialPoints = &five
	cfg.Std = rbdo.Scalar(0.2)
	cfg.Provider = " OpenAI "

	got := Resolve(cfg, problems.Suggested{
		Std:              rbdo.Scalar(0.9),
		NumInitialPoints: 60,
		MaxIterations:    7,
	})
	assert.Equal(t, 5, *got.NumInitialPoints, "request wins over suggestion")
	assert.Equal(t, []float64{0.2}, got.Std.Values())
	assert.Equal(t, 7, *got.MaxIterations, "suggestion wins over default")
	assert.Equal(t, []float64{DefaultAdditionStd}, got.AdditionStd.Values())
	assert.Equal(t, []float64{DefaultReliabilityTarget}, got.ReliabilityTarget.Values())
	assert.Equal(t, "openai", got.Provider)
	assert.Equal(t, "optimize.md", got.TemplatePath)

	zero := 0
	cfg.MaxIterations = &zero
	got = Resolve(cfg, problems.Suggested{MaxIterations: 7})
	assert.Equal(t, 0, *got.MaxIterations, "explicit zero is kept")
}

func TestBuildConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *RunRequest)
		wantErr string
	}{
		{"unknown scenario", func(r *RunRequest) { r.Config.ProblemScenario = "beam" }, "Unknown scenario: beam"},
		{"empty range", func(r *RunRequest) { r.Ranges = map[string][]float64{"x1": {5, 5}} }, "Range parsing failed"},
		{"three bounds", func(r *RunRequest) { r.Ranges = map[string][]float64{"x1": {0, 1, 2}} }, "ranges[x1] failed len=2"},
		{"duplicate variable", func(r *RunRequest) { r.Ranges = map[string][]float64{"x1": {0, 1}, "x1_range": {0, 2}} }, "duplicate variable x1"},
		{"wrong dimension", func(r *RunRequest) { r.Ranges = map[string][]float64{"x1": {0, 1}} }, "has 2 design variables, ranges give 1"},
		{"unknown provider", func(r *RunRequest) { r.Config.Provider = "anthropic" }, "Client Init Failed"},
		{"no provider", func(r *RunRequest) { r.Config.Provider = "" }, "config.provider failed required"},
		{"target range", func(r *RunRequest) { r.Config.TargetRangeMax = -1 }, "config.target_range_max failed gtfield"},
		{"zero samples", func(r *RunRequest) { r.Config.N = 0 }, "config.N failed min=1"},
		{"sampling method", func(r *RunRequest) { r.Config.InitialSamplingMethod = "sobol" }, "config.initial_sampling_method failed oneof"},
		{"top_p", func(r *RunRequest) { r.Config.TopP = 1.5 }, "config.top_p failed max=1"},
		{"bad base url", func(r *RunRequest) { r.Config.BaseURL = "not a url" }, "config.base_url failed url"},
		{"std shape", func(r *RunRequest) { r.Config.Std = rbdo.Vector(0.1, 0.1, 0.1) }, "std"},
		{"no penalty weight", func(r *RunRequest) { r.Config.PenaltyWeight = rbdo.Param{} }, "penalty_weight is not set"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := NewRequest()
			tt.mutate(&req)
			_, err := Build(req, testDeps(&fakeLLM{}))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, http.StatusBadRequest, errors.StatusOf(err))
		})
	}
}

func TestBuildKeepsStoredKeysOffCustomHosts(t *testing.T) {
	deps := Deps{
		Problems:    problems.Default(nil),
		LLMDefaults: map[llm.Provider]llm.Credentials{llm.ProviderDeepSeek: {APIKey: "sk-stored"}},
	}

	req := NewRequest()
	req.Config.Provider = "deepseek"
	req.Config.BaseURL = "http://collector.example.com/v1"
	_, err := Build(req, deps)
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrKeyRequired)
	assert.Equal(t, http.StatusBadRequest, errors.StatusOf(err))

	req.Config.APIKey = "sk-own"
	_, err = Build(req, deps)
	require.NoError(t, err)

	req.Config.APIKey = ""
	req.Config.BaseURL = ""
	_, err = Build(req, deps)
	require.NoError(t, err)
}

func TestBuildRejectsEscapingTemplatePaths(t *testing.T) {
	deps := testDeps(&fakeLLM{})
	deps.Templates = prompt.DirLoader{Dir: t.TempDir()}
	for _, path := range []string{"/etc/passwd", "../../etc/passwd"} {
		req := NewRequest()
		req.Config.TemplatePath = path
		_, err := Build(req, deps)
		require.Error(t, err, path)
		assert.ErrorIs(t, err, prompt.ErrOutsideDir)
		assert.Equal(t, http.StatusBadRequest, errors.StatusOf(err))

		req = NewRequest()
		req.Config.InitTemplatePath = path
		_, err = Build(req, deps)
		assert.ErrorIs(t, err, prompt.ErrOutsideDir, path)
	}
}

func TestDecodeJSONRejectsMalformedBodies(t *testing.T) {
	for _, body := range []string{`{`, `{"config": {"N": "many"}}`, `{"config": {"std": "wide"}}`} {
		_, err := DecodeJSON(strings.NewReader(body))
		require.Error(t, err, body)
		assert.Equal(t, http.StatusBadRequest, errors.StatusOf(err))
	}
}

func TestDecodeYAML(t *testing.T) {
	req, err := DecodeYAML([]byte(`
config:
  provider: openai
  model: gpt-4o-mini
  problem_scenario: math_2d_real
  N: 500
  std: [0.3, 0.3]
  reliability_target: "0.9"
  max_iterations: 3
ranges:
  x1: [0, 10]
  x2: [1, 9]
`))
	require.NoError(t, err)
	assert.Equal(t, "openai", req.Config.Provider)
	assert.Equal(t, 500, req.Config.N)
	assert.True(t, req.Config.Std.IsVector())
	assert.Equal(t, []float64{0.9}, req.Config.ReliabilityTarget.Values())
	assert.Equal(t, 3, *req.Config.MaxIterations)
	assert.Nil(t, req.Config.NumInitialPoints)
	assert.Equal(t, DefaultRetainNumber, req.Config.RetainNumber, "defaults survive")
	assert.Equal(t, []float64{1, 9}, req.Ranges["x2"])

	empty, err := DecodeYAML(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultRunConfig(), empty.Config)

	_, err = DecodeYAML([]byte("config: [1, 2"))
	assert.Error(t, err)
}

func TestBuildWrapsRateLimiter(t *testing.T) {
	req := NewRequest()
	deps := testDeps(&fakeLLM{})
	deps.Limiter = rate.NewLimiter(rate.Inf, 1)
	run, err := Build(req, deps)
	require.NoError(t, err)
	assert.NotNil(t, run.Orchestrator)
}

func TestWriteNDJSON(t *testing.T) {
	events := func(yield func(rbdo.Event) bool) {
		for i := 0; i < 3; i++ {
			if !yield(rbdo.LogEvent(fmt.Sprintf("line %d", i))) {
				return
			}
		}
	}

	rec := httptest.NewRecorder()
	n, err := WriteNDJSON(rec, events)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, rec.Flushed)

	sc := bufio.NewScanner(rec.Body)
	var lines []map[string]any
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, map[string]any{"type": "log", "msg": "line 2"}, lines[2])
}

type failingWriter struct{ after int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.after == 0 {
		return 0, fmt.Errorf("client went away")
	}
	w.after--
	return len(p), nil
}

func TestWriteNDJSONStopsOnWriteError(t *testing.T) {
	produced := 0
	events := func(yield func(rbdo.Event) bool) {
		for {
			produced++
			if !yield(rbdo.LogEvent("tick")) {
				return
			}
		}
	}
	n, err := WriteNDJSON(&failingWriter{after: 2}, events)
	assert.EqualError(t, err, "client went away")
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, produced)
}

func TestTee(t *testing.T) {
	var seen []string
	events := func(yield func(rbdo.Event) bool) {
		_ = yield(rbdo.LogEvent("a")) && yield(rbdo.LogEvent("b")) && yield(rbdo.LogEvent("c"))
	}
	var buf bytes.Buffer
	for ev := range Tee(events, func(ev rbdo.Event) { seen = append(seen, ev.Msg) }) {
		buf.WriteString(ev.Msg)
		if ev.Msg == "b" {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, seen)
	assert.Equal(t, "ab", buf.String())
}
