package surrogate

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/rbdo/internal/rbdo"
	"github.com/copyleftdev/rbdo/internal/surrogate/kernels"
)

// Options control how constraint models are fitted.
type Options struct {
	// Kernel is a kernels.New name; empty means RBF.
	Kernel string
	// LengthScales are the candidates, in unit-box coordinates, compared by
	// log marginal likelihood. Empty means DefaultLengthScales.
	LengthScales []float64
	NoiseVar     float64
	Logger       *zap.Logger
}

// DefaultLengthScales covers smooth to fairly wiggly responses on the unit
// box.
var DefaultLengthScales = []float64{0.1, 0.2, 0.35, 0.5, 0.8, 1.2}

// Tune fits one GP per candidate length scale and keeps the one with the
// highest log marginal likelihood. Ties keep the earlier candidate.
func Tune(X *mat.Dense, y []float64, opts Options) (*GP, error) {
	scales := opts.LengthScales
	if len(scales) == 0 {
		scales = DefaultLengthScales
	}
	var (
		best    *GP
		lastErr error
	)
	for _, l := range scales {
		k, err := kernels.New(opts.Kernel, l, 1)
		if err != nil {
			return nil, err
		}
		gp := NewGP(k, opts.NoiseVar, opts.Logger)
		if err := gp.Fit(X, y); err != nil {
			lastErr = err
			continue
		}
		if best == nil || gp.LogMarginalLikelihood() > best.LogMarginalLikelihood() {
			best = gp
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no length scale could be fitted: %w", lastErr)
	}
	if opts.Logger != nil {
		opts.Logger.Debug("Selected GP hyperparameters",
			zap.Float64s("hyperparameters", best.Kernel().Hyperparameters()),
			zap.Float64("log_marginal_likelihood", best.LogMarginalLikelihood()),
		)
	}
	return best, nil
}

// FitConstraints fits one model per column of the response matrix Y and
// returns them in column order, ready for rbdo.ConstraintModels.
func FitConstraints(X, Y *mat.Dense, opts Options) ([]rbdo.Predictor, error) {
	n, m := Y.Dims()
	if r, _ := X.Dims(); r != n {
		return nil, fmt.Errorf("X has %d rows, Y has %d", r, n)
	}
	models := make([]rbdo.Predictor, m)
	for j := 0; j < m; j++ {
		gp, err := Tune(X, mat.Col(nil, j, Y), opts)
		if err != nil {
			return nil, fmt.Errorf("constraint %d: %w", j, err)
		}
		models[j] = gp
	}
	return models, nil
}

// RMSE is the root-mean-square error of p against the truth at the rows
// of X.
func RMSE(p rbdo.Predictor, X *mat.Dense, truth []float64) (float64, error) {
	pred, err := p.Predict(X)
	if err != nil {
		return 0, err
	}
	if len(pred) != len(truth) {
		return 0, fmt.Errorf("got %d predictions for %d values", len(pred), len(truth))
	}
	sum := 0.0
	for i := range pred {
		d := pred[i] - truth[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(pred))), nil
}
