package problems

import (
	"context"
	"math/rand/v2"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/rbdo/internal/rbdo"
	"github.com/copyleftdev/rbdo/internal/surrogate"
)

// DefaultDOESize is the number of exact evaluations the surrogate benchmark
// is trained on.
const DefaultDOESize = 60

const doeSeed = 20240601

// Math2DSurrogate is math_2d_real with every constraint replaced by a GP
// trained on a Latin hypercube design of doeSize exact evaluations. A
// non-positive doeSize means DefaultDOESize.
func Math2DSurrogate(doeSize int) Definition {
	if doeSize <= 0 {
		doeSize = DefaultDOESize
	}
	def := Math2DReal()
	def.ID = "math_2d_surrogate"
	def.Name = DisplayName(def.ID)
	def.Description = "The two-variable benchmark with Gaussian-process surrogates of its limit states."
	def.Build = func(logger *zap.Logger) (rbdo.Problem, error) {
		rm, err := rbdo.NewRangeMap(math2DRanges)
		if err != nil {
			return rbdo.Problem{}, err
		}
		pop, err := rbdo.LHSSampler{Rand: rand.New(rand.NewPCG(doeSeed, doeSeed+1))}.
			Sample(context.Background(), rm.Bounds(), doeSize)
		if err != nil {
			return rbdo.Problem{}, err
		}
		X := mat.NewDense(doeSize, rm.Dim(), nil)
		for i, p := range pop.Points {
			X.SetRow(i, p)
		}
		Y, err := Math2DConstraints(X)
		if err != nil {
			return rbdo.Problem{}, err
		}
		models, err := surrogate.FitConstraints(X, Y, surrogate.Options{
			NoiseVar: 1e-6,
			Logger:   logger.Named("surrogate"),
		})
		if err != nil {
			return rbdo.Problem{}, err
		}
		logger.Info("Fitted surrogate constraints",
			zap.Int("samples", doeSize),
			zap.Int("constraints", len(models)),
		)
		return rbdo.Problem{
			Objective:   Math2DObjective,
			Constraints: rbdo.ConstraintModels(models...),
		}, nil
	}
	return def
}
