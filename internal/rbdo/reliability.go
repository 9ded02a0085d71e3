package rbdo

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ObjectiveFunc evaluates the objective at an expanded point.
type ObjectiveFunc func(x []float64) (float64, error)

// Variadic adapts a collaborator written against unpacked arguments.
func Variadic(f func(xs ...float64) float64) ObjectiveFunc {
	return func(x []float64) (float64, error) { return f(x...), nil }
}

// ExpandFunc maps a design point to the full vector consumed by the
// objective and the constraints. A nil ExpandFunc is the identity.
type ExpandFunc func(design []float64) []float64

// BatchFunc evaluates every constraint for every row of X (N×d) and returns
// the N×m response matrix.
type BatchFunc func(X *mat.Dense) (*mat.Dense, error)

// Predictor is a model of a single constraint response.
type Predictor interface {
	// Predict returns one response per row of X.
	Predict(X *mat.Dense) ([]float64, error)
}

// PredictorFunc lifts a function to a Predictor.
type PredictorFunc func(X *mat.Dense) ([]float64, error)

// Predict implements Predictor.
func (f PredictorFunc) Predict(X *mat.Dense) ([]float64, error) { return f(X) }

// ConstraintSource is either a single batch function or an ordered list of
// per-constraint predictors. Build one with ConstraintFunc or
// ConstraintModels.
type ConstraintSource struct {
	batch  BatchFunc
	models []Predictor
}

// ConstraintFunc wraps a batch function.
func ConstraintFunc(f BatchFunc) ConstraintSource {
	return ConstraintSource{batch: f}
}

// ConstraintModels wraps per-constraint predictors; column i of the response
// matrix comes from models[i].
func ConstraintModels(models ...Predictor) ConstraintSource {
	return ConstraintSource{models: append([]Predictor(nil), models...)}
}

// Valid reports whether exactly one shape is populated.
func (s ConstraintSource) Valid() bool {
	return (s.batch != nil) != (len(s.models) > 0)
}

// Problem bundles the external collaborators of a run.
type Problem struct {
	Objective   ObjectiveFunc
	Constraints ConstraintSource
	Expand      ExpandFunc
}

// ExpandPoint applies Expand, or copies design when Expand is nil.
func (p Problem) ExpandPoint(design []float64) []float64 {
	if p.Expand == nil {
		return append([]float64(nil), design...)
	}
	return p.Expand(append([]float64(nil), design...))
}

// GenerateSamples draws an n×len(x0) matrix of Gaussian perturbations around
// x0 with per-dimension standard deviation std.
func GenerateSamples(x0, std []float64, n int, rng *rand.Rand) (*mat.Dense, error) {
	const op = "GenerateSamples"
	if len(std) != len(x0) {
		return nil, newError(KindShape, op, "std has %d components, point has %d", len(std), len(x0))
	}
	if n < 1 {
		return nil, newError(KindConfig, op, "sample count %d must be positive", n)
	}
	X := mat.NewDense(n, len(x0), nil)
	for j := range x0 {
		if std[j] < 0 {
			return nil, newError(KindDomain, op, "std[%d] = %v is negative", j, std[j])
		}
		dist := distuv.Normal{Mu: x0[j], Sigma: std[j], Src: rng}
		for i := 0; i < n; i++ {
			X.Set(i, j, dist.Rand())
		}
	}
	return X, nil
}

// EvaluateConstraints returns the N×m response matrix for the samples X.
func EvaluateConstraints(src ConstraintSource, X *mat.Dense) (*mat.Dense, error) {
	const op = "EvaluateConstraints"
	if !src.Valid() {
		return nil, newError(KindConfig, op, "constraint source must be a batch function or a model list")
	}
	n, _ := X.Dims()
	if src.batch != nil {
		resp, err := src.batch(X)
		if err != nil {
			return nil, wrapError(KindUnknown, op, err, "constraint function")
		}
		if resp == nil {
			return nil, newError(KindShape, op, "constraint function returned no responses")
		}
		if r, _ := resp.Dims(); r != n {
			return nil, newError(KindShape, op, "constraint function returned %d rows for %d samples", r, n)
		}
		return resp, nil
	}
	resp := mat.NewDense(n, len(src.models), nil)
	for j, m := range src.models {
		col, err := m.Predict(X)
		if err != nil {
			return nil, wrapError(KindUnknown, op, err, "constraint model %d", j)
		}
		if len(col) != n {
			return nil, newError(KindShape, op, "constraint model %d returned %d values for %d samples", j, len(col), n)
		}
		resp.SetCol(j, col)
	}
	return resp, nil
}

// ReliabilityAnalysis estimates, for each constraint, the fraction of the n
// samples around x whose response is at least the threshold, and evaluates
// the objective at x.
func ReliabilityAnalysis(x []float64, n int, std []float64, threshold Param, src ConstraintSource, objective ObjectiveFunc, rng *rand.Rand) ([]float64, float64, error) {
	X, err := GenerateSamples(x, std, n, rng)
	if err != nil {
		return nil, 0, err
	}
	resp, err := EvaluateConstraints(src, X)
	if err != nil {
		return nil, 0, err
	}
	rows, m := resp.Dims()
	thr, err := threshold.Broadcast(m)
	if err != nil {
		return nil, 0, wrapError(KindShape, "ReliabilityAnalysis", err, "threshold")
	}
	rel := make([]float64, m)
	for j := 0; j < m; j++ {
		ok := 0
		for i := 0; i < rows; i++ {
			if resp.At(i, j) >= thr[j] {
				ok++
			}
		}
		rel[j] = float64(ok) / float64(rows)
	}
	if objective == nil {
		return nil, 0, newError(KindConfig, "ReliabilityAnalysis", "objective is nil")
	}
	obj, err := objective(append([]float64(nil), x...))
	if err != nil {
		return nil, 0, wrapError(KindUnknown, "ReliabilityAnalysis", err, "objective")
	}
	if math.IsNaN(obj) || math.IsInf(obj, 0) {
		return nil, 0, newError(KindDomain, "ReliabilityAnalysis", "objective is not finite at %v: %v", x, obj)
	}
	return rel, obj, nil
}

// Evaluator scores design points with Monte-Carlo reliability and the
// penalized cost.
type Evaluator struct {
	N         int
	Std       Param
	Threshold Param
	Target    Param
	Weight    Param
	Problem   Problem
}

// Evaluate expands design, runs the reliability analysis and returns the
// resulting record.
func (e *Evaluator) Evaluate(design []float64, rng *rand.Rand) (CandidateRecord, error) {
	expanded := e.Problem.ExpandPoint(design)
	std, err := e.Std.Broadcast(len(expanded))
	if err != nil {
		return CandidateRecord{}, wrapError(KindShape, "Evaluator.Evaluate", err, "std")
	}
	rel, obj, err := ReliabilityAnalysis(expanded, e.N, std, e.Threshold, e.Problem.Constraints, e.Problem.Objective, rng)
	if err != nil {
		return CandidateRecord{}, err
	}
	penalty, err := PenalizedCost(rel, e.Target, e.Weight)
	if err != nil {
		return CandidateRecord{}, err
	}
	return newCandidate(design, expanded, penalty, obj, rel), nil
}
