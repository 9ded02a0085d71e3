package rbdo

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/copyleftdev/rbdo/internal/llm"
	"github.com/copyleftdev/rbdo/internal/prompt"
)

// Sampling methods accepted by NewSampler.
const (
	MethodRandom = "random"
	MethodLHS    = "lhs"
	MethodLLM    = "llm"
)

// Population is the output of every Sampler.
type Population struct {
	Points [][]float64
	// Method names the strategy that produced the points.
	Method string
	// Fallback is set when the requested strategy could not deliver all the
	// points itself and another one filled in.
	Fallback error
}

// Sampler produces an initial population of n design points within bounds.
type Sampler interface {
	Sample(ctx context.Context, bounds [][2]float64, n int) (Population, error)
}

func checkBounds(op string, bounds [][2]float64, n int) error {
	if n < 0 {
		return newError(KindConfig, op, "point count %d is negative", n)
	}
	for i, b := range bounds {
		if !(b[0] < b[1]) {
			return newError(KindDomain, op, "dimension %d: min %v must be below max %v", i, b[0], b[1])
		}
	}
	return nil
}

// UniformSampler draws every coordinate independently and uniformly.
type UniformSampler struct {
	Rand *rand.Rand
}

// Sample implements Sampler.
func (s UniformSampler) Sample(_ context.Context, bounds [][2]float64, n int) (Population, error) {
	if err := checkBounds("UniformSampler.Sample", bounds, n); err != nil {
		return Population{}, err
	}
	return Population{Points: uniformPoints(s.Rand, bounds, n), Method: MethodRandom}, nil
}

func uniformPoints(rng *rand.Rand, bounds [][2]float64, n int) [][]float64 {
	dists := make([]distuv.Uniform, len(bounds))
	for j, b := range bounds {
		dists[j] = distuv.Uniform{Min: b[0], Max: b[1], Src: rng}
	}
	points := make([][]float64, n)
	for i := range points {
		p := make([]float64, len(bounds))
		for j := range dists {
			p[j] = dists[j].Rand()
		}
		points[i] = p
	}
	return points
}

// LHSSampler draws a Latin Hypercube: each dimension is split into n equal
// strata, each stratum holds exactly one sample, and strata are permuted
// independently per dimension.
type LHSSampler struct {
	Rand *rand.Rand
}

// Sample implements Sampler.
func (s LHSSampler) Sample(_ context.Context, bounds [][2]float64, n int) (Population, error) {
	if err := checkBounds("LHSSampler.Sample", bounds, n); err != nil {
		return Population{}, err
	}
	return Population{Points: latinHypercube(s.Rand, bounds, n), Method: MethodLHS}, nil
}

func latinHypercube(rng *rand.Rand, bounds [][2]float64, n int) [][]float64 {
	nDims := len(bounds)
	samples := make([][]float64, n)
	for j := range samples {
		samples[j] = make([]float64, nDims)
	}
	for i, b := range bounds {
		strata := rng.Perm(n)
		for j := 0; j < n; j++ {
			u := (float64(strata[j]) + rng.Float64()) / float64(n)
			samples[j][i] = b[0] + u*(b[1]-b[0])
		}
	}
	return samples
}

// LLMSampler asks the LLM for a batch of points in token space. Shortfalls
// are filled with uniform points; hard failures fall back to LHS.
type LLMSampler struct {
	Client       llm.Completer
	Templates    prompt.Loader
	TemplatePath string
	Model        string
	Ranges       RangeMap
	Target       TargetRange
	Rand         *rand.Rand
	Logger       *zap.Logger
}

const (
	samplerSystemPrompt = "You are a design sampler. Output strictly valid JSON."
	samplerTemperature  = 0.9
	samplerMaxTokens    = 2048
)

// Sample implements Sampler. bounds must match the sampler's RangeMap.
func (s LLMSampler) Sample(ctx context.Context, bounds [][2]float64, n int) (Population, error) {
	const op = "LLMSampler.Sample"
	if err := checkBounds(op, bounds, n); err != nil {
		return Population{}, err
	}
	if len(bounds) != s.Ranges.Dim() {
		return Population{}, newError(KindShape, op, "got %d bounds for %d variables", len(bounds), s.Ranges.Dim())
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	lhs := func(reason error) Population {
		logger.Warn("LLM sampling failed, falling back to LHS", zap.Error(reason))
		return Population{
			Points:   latinHypercube(s.Rand, bounds, n),
			Method:   MethodLHS,
			Fallback: reason,
		}
	}

	if s.Client == nil || s.Templates == nil {
		return lhs(&ProposalError{Stage: StageRequest, Err: fmt.Errorf("no LLM client configured")}), nil
	}
	tpl, err := s.Templates.Load(s.TemplatePath)
	if err != nil {
		return lhs(&ProposalError{Stage: StageTemplate, Err: err}), nil
	}
	names := s.Ranges.Names()
	user := prompt.Render(tpl, map[string]string{
		prompt.VariableNames: strings.Join(names, ", "),
		prompt.Ranges:        rangesText(names, s.Target),
		prompt.NumPoints:     strconv.Itoa(n),
		prompt.OutputSchema:  outputSchema(names),
	})
	text, err := s.Client.Complete(ctx, llm.Request{
		System:      samplerSystemPrompt,
		User:        user,
		Temperature: samplerTemperature,
		MaxTokens:   samplerMaxTokens,
		Model:       s.Model,
	})
	if err != nil {
		return lhs(&ProposalError{Stage: StageRequest, Err: err}), nil
	}
	items, perr := extractArray(stripFences(text))
	if perr != nil {
		return lhs(perr), nil
	}

	points := make([][]float64, 0, n)
	skipped := 0
	for _, raw := range items {
		if len(points) == n {
			break
		}
		p, err := decodeTokenObject(raw, s.Ranges, s.Target)
		if err != nil || !s.Ranges.Contains(p) {
			skipped++
			continue
		}
		points = append(points, p)
	}
	logger.Debug("LLM sampler returned points", zap.Int("returned", len(items)), zap.Int("skipped", skipped))

	pop := Population{Points: points, Method: MethodLLM}
	if missing := n - len(points); missing > 0 {
		pop.Points = append(pop.Points, uniformPoints(s.Rand, bounds, missing)...)
		pop.Fallback = fmt.Errorf("LLM returned %d usable points of %d, filled %d with random", len(points), n, missing)
		logger.Info("Filling LLM sample shortfall with random points", zap.Int("missing", missing))
	}
	return pop, nil
}

// NewSampler returns the sampler for method. The LLM sampler is configured
// from base; the random and LHS samplers only use base.Rand.
func NewSampler(method string, base LLMSampler) (Sampler, error) {
	switch strings.ToLower(method) {
	case MethodRandom:
		return UniformSampler{Rand: base.Rand}, nil
	case MethodLHS, "":
		return LHSSampler{Rand: base.Rand}, nil
	case MethodLLM:
		return base, nil
	}
	return nil, newError(KindConfig, "NewSampler", "unknown sampling method %q", method)
}

// stripFences removes markdown code fences around a JSON answer.
func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

// extractArray decodes the text between the first '[' and the last ']' as a
// JSON array of raw objects.
func extractArray(text string) ([]json.RawMessage, error) {
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start < 0 || end < start {
		return nil, &ProposalError{Stage: StageBrackets, Err: fmt.Errorf("no JSON array in response")}
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(text[start:end+1]), &items); err != nil {
		return nil, &ProposalError{Stage: StageDecode, Err: err}
	}
	return items, nil
}

// decodeTokenObject decodes {"x1": 12, "x2": 40} into a design point.
// Fractional tokens are rounded to the nearest integer.
func decodeTokenObject(raw json.RawMessage, rm RangeMap, t TargetRange) ([]float64, error) {
	var obj map[string]float64
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	tokens := make(map[string]int, len(obj))
	for k, v := range obj {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, newError(KindDomain, "decodeTokenObject", "%s is not finite", k)
		}
		tokens[k] = int(math.Round(v))
	}
	return IntMapToVector(tokens, rm, t)
}
