package problems

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/rbdo/internal/rbdo"
)

// Math2DObjective is the objective of the two-variable benchmark.
func Math2DObjective(x []float64) (float64, error) {
	x1, x2 := x[0], x[1]
	a := x1 + x2 - 10
	b := x1 - x2 + 10
	return -(a*a/30 + b*b/120), nil
}

// Math2DConstraints evaluates the three limit states of the two-variable
// benchmark; a response >= 0 is safe.
func Math2DConstraints(X *mat.Dense) (*mat.Dense, error) {
	n, _ := X.Dims()
	out := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		g := math2DLimits(X.At(i, 0), X.At(i, 1))
		out.SetRow(i, g[:])
	}
	return out, nil
}

func math2DLimits(x1, x2 float64) [3]float64 {
	a := x1 + x2 - 5
	b := x1 - x2 - 12
	return [3]float64{
		x1*x1*x2/20 - 1,
		a*a/30 + b*b/120 - 1,
		finite(80/(x1*x1+8*x2+5) - 1),
	}
}

var math2DRanges = map[string][2]float64{
	"x1": {0, 10},
	"x2": {0, 10},
}

// Math2DReal is the classic two-variable, three-constraint benchmark.
func Math2DReal() Definition {
	return Definition{
		ID:          "math_2d_real",
		Name:        "2D Math Case (Real)",
		Description: "Two design variables, three nonlinear limit states evaluated exactly.",
		Ranges:      copyRanges(math2DRanges),
		Suggested: Suggested{
			Std:               rbdo.Scalar(0.3464),
			AdditionStd:       rbdo.Scalar(0.3464),
			ReliabilityTarget: rbdo.Scalar(0.98),
			MaxIterations:     50,
		},
		Build: func(*zap.Logger) (rbdo.Problem, error) {
			return rbdo.Problem{
				Objective:   Math2DObjective,
				Constraints: rbdo.ConstraintFunc(Math2DConstraints),
			}, nil
		},
	}
}

func copyRanges(in map[string][2]float64) map[string][2]float64 {
	out := make(map[string][2]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// finite maps an undefined response to an unsafe one.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return math.Inf(-1)
	}
	return v
}
