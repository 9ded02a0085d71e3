package problems

import (
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/rbdo/internal/rbdo"
)

const (
	carCrashDesignDim   = 9
	carCrashExpandedDim = 11
	carCrashConstraints = 10
)

// CarCrashExpand appends the two random parameters (barrier height and
// hitting position, both nominally 0) to the nine design variables.
func CarCrashExpand(design []float64) []float64 {
	out := make([]float64, carCrashExpandedDim)
	copy(out, design)
	return out
}

// CarCrashObjective is the weight of the door assembly.
func CarCrashObjective(x []float64) (float64, error) {
	if len(x) < 7 {
		return 0, fmt.Errorf("car crash objective needs 7 components, got %d", len(x))
	}
	return 1.98 + 4.90*x[0] + 6.67*x[1] + 6.98*x[2] + 4.01*x[3] + 1.78*x[4] + 2.73*x[6], nil
}

// CarCrashConstraints evaluates the ten side-impact limit states as
// limit - response, so a value >= 0 is safe.
func CarCrashConstraints(X *mat.Dense) (*mat.Dense, error) {
	n, d := X.Dims()
	if d != carCrashExpandedDim {
		return nil, fmt.Errorf("car crash constraints need %d columns, got %d", carCrashExpandedDim, d)
	}
	out := mat.NewDense(n, carCrashConstraints, nil)
	row := make([]float64, d)
	for i := 0; i < n; i++ {
		mat.Row(row, i, X)
		g := carCrashLimits(row)
		out.SetRow(i, g[:])
	}
	return out, nil
}

func carCrashLimits(v []float64) [carCrashConstraints]float64 {
	x1, x2, x3, x4, x5, x6, x7 := v[0], v[1], v[2], v[3], v[4], v[5], v[6]
	x8, x9, x10, x11 := v[7], v[8], v[9], v[10]

	abdomen := 1.16 - 0.3717*x2*x4 - 0.00931*x2*x10 - 0.484*x3*x9 + 0.01343*x6*x10
	upperVC := 0.261 - 0.0159*x1*x2 - 0.188*x1*x8 - 0.019*x2*x7 + 0.0144*x3*x5 +
		0.0008757*x5*x10 + 0.08045*x6*x9 + 0.00139*x8*x11 + 0.00001575*x10*x11
	middleVC := 0.214 + 0.00817*x5 - 0.131*x1*x8 - 0.0704*x1*x9 + 0.03099*x2*x6 -
		0.018*x2*x7 + 0.0208*x3*x8 + 0.121*x3*x9 - 0.00364*x5*x6 +
		0.0007715*x5*x10 - 0.0005354*x6*x10 + 0.00121*x8*x11
	lowerVC := 0.74 - 0.061*x2 - 0.163*x3*x8 + 0.001232*x3*x10 - 0.166*x7*x9 + 0.227*x2*x2
	upperRib := 28.98 + 3.818*x3 - 4.2*x1*x2 + 0.0207*x5*x10 + 6.63*x6*x9 - 7.7*x7*x8 + 0.32*x9*x10
	middleRib := 33.86 + 2.95*x3 + 0.1792*x10 - 5.057*x1*x2 - 11*x2*x8 - 0.0215*x5*x10 -
		9.98*x7*x8 + 22*x8*x9
	lowerRib := 46.36 - 9.9*x2 - 12.9*x1*x8 + 0.1107*x3*x10
	pubic := 4.72 - 0.5*x4 - 0.19*x2*x3 - 0.0122*x4*x10 + 0.009325*x6*x10 + 0.000191*x11*x11
	pillar := 10.58 - 0.674*x1*x2 - 1.95*x2*x8 + 0.02054*x3*x10 - 0.0198*x4*x10 + 0.028*x6*x10
	door := 16.45 - 0.489*x3*x7 - 0.843*x5*x6 + 0.0432*x9*x10 - 0.0556*x9*x11 - 0.000786*x11*x11

	return [carCrashConstraints]float64{
		1 - abdomen,
		0.32 - upperVC,
		0.32 - middleVC,
		0.32 - lowerVC,
		32 - upperRib,
		32 - middleRib,
		32 - lowerRib,
		4 - pubic,
		9.9 - pillar,
		15.7 - door,
	}
}

// CarCrashReal is the vehicle side-impact benchmark.
func CarCrashReal() Definition {
	ranges := make(map[string][2]float64, carCrashDesignDim)
	for i := 1; i <= 7; i++ {
		ranges[fmt.Sprintf("x%d", i)] = [2]float64{0.5, 1.5}
	}
	ranges["x8"] = [2]float64{0.192, 0.345}
	ranges["x9"] = [2]float64{0.192, 0.345}

	return Definition{
		ID:          "car_crash_real",
		Name:        "Car Crash (11D Real)",
		Description: "Vehicle side impact: nine design variables, two random parameters, ten limit states.",
		Ranges:      ranges,
		Suggested: Suggested{
			Std:               rbdo.Vector(0.03, 0.03, 0.03, 0.03, 0.03, 0.03, 0.03, 0.006, 0.006, 10, 10),
			AdditionStd:       rbdo.Vector(0.03, 0.03, 0.03, 0.03, 0.03, 0.03, 0.03, 0.006, 0.006),
			ReliabilityTarget: rbdo.Scalar(0.9),
			NumInitialPoints:  60,
			MaxIterations:     100,
		},
		Build: func(*zap.Logger) (rbdo.Problem, error) {
			return rbdo.Problem{
				Objective:   CarCrashObjective,
				Constraints: rbdo.ConstraintFunc(CarCrashConstraints),
				Expand:      CarCrashExpand,
			}, nil
		},
	}
}
