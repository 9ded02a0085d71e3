// Package surrogate fits Gaussian-process models of constraint responses.
// A fitted GP is an rbdo.Predictor and can stand in for an expensive
// constraint in the reliability analysis.
package surrogate

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/rbdo/internal/errors"
	"github.com/copyleftdev/rbdo/internal/surrogate/kernels"
)

const component = "surrogate"

func gpError(op, format string, args ...interface{}) *errors.Error {
	return errors.Errorf(format, args...).WithOperation(op).WithComponent(component)
}

// GP is a Gaussian-process regressor of one response. Inputs are scaled to
// the unit box of the training data and targets are standardized, so the
// kernel's length scale is relative to the design ranges.
type GP struct {
	kernel   kernels.Kernel
	noiseVar float64
	logger   *zap.Logger
	pool     *MatrixPool

	lo, span    []float64
	yMean, yStd float64

	// Training inputs in unit-box coordinates.
	X     *mat.Dense
	alpha *mat.VecDense
	// Exactly one of chol and kinv is set after Fit.
	chol   *mat.Cholesky
	kinv   *mat.Dense
	jitter float64
	lml    float64
}

// NewGP creates an unfitted model. A nil logger discards output.
func NewGP(kernel kernels.Kernel, noiseVar float64, logger *zap.Logger) *GP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GP{
		kernel:   kernel,
		noiseVar: noiseVar,
		logger:   logger.Named("gp"),
		pool:     NewMatrixPool(),
	}
}

// Fit trains the model on the rows of X and the responses y.
func (gp *GP) Fit(X *mat.Dense, y []float64) error {
	const op = "GP.Fit"

	if X == nil || X.IsEmpty() {
		return gpError(op, "input matrix X must not be empty")
	}
	n, d := X.Dims()
	if n != len(y) {
		return gpError(op, "dimension mismatch: X has %d samples but y has length %d", n, len(y))
	}
	if gp.noiseVar < 0 {
		return gpError(op, "noise variance %v is negative", gp.noiseVar)
	}

	gp.logger.Debug("Fitting GP model",
		zap.Int("samples", n),
		zap.Int("features", d),
		zap.Float64("noise_var", gp.noiseVar),
	)

	gp.lo = make([]float64, d)
	gp.span = make([]float64, d)
	for j := 0; j < d; j++ {
		col := mat.Col(nil, j, X)
		lo, hi := col[0], col[0]
		for _, v := range col {
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
		gp.lo[j] = lo
		gp.span[j] = hi - lo
		if gp.span[j] == 0 {
			gp.span[j] = 1
		}
	}
	gp.X = mat.NewDense(n, d, nil)
	gp.normalizeInto(gp.X, X)

	mean, std := stat.MeanStdDev(y, nil)
	if std == 0 || math.IsNaN(std) {
		std = 1
	}
	gp.yMean, gp.yStd = mean, std
	yn := mat.NewVecDense(n, nil)
	for i, v := range y {
		yn.SetVec(i, (v-mean)/std)
	}

	K := kernels.Gram(gp.kernel, gp.X, n)
	for i := 0; i < n; i++ {
		K.SetSym(i, i, K.At(i, i)+gp.noiseVar)
	}

	if err := gp.solve(K, yn); err != nil {
		return errors.Wrap(err, "failed to solve linear system").WithOperation(op).WithComponent(component)
	}

	gp.logger.Debug("Successfully fitted GP model",
		zap.Int("samples", n),
		zap.Float64("jitter", gp.jitter),
		zap.Float64("log_marginal_likelihood", gp.lml),
		zap.Bool("svd", gp.kinv != nil),
	)
	return nil
}

func (gp *GP) normalizeInto(dst, X *mat.Dense) {
	n, d := X.Dims()
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			dst.Set(i, j, (X.At(i, j)-gp.lo[j])/gp.span[j])
		}
	}
}

// solve factorizes K, adding diagonal jitter until the Cholesky
// factorization succeeds, and falls back to an SVD pseudo-inverse.
func (gp *GP) solve(K *mat.SymDense, y *mat.VecDense) error {
	n := y.Len()
	jitter := 0.0
	for attempt := 0; attempt < 10; attempt++ {
		Kj := mat.NewSymDense(n, nil)
		Kj.CopySym(K)
		for i := 0; i < n; i++ {
			Kj.SetSym(i, i, Kj.At(i, i)+jitter)
		}

		var chol mat.Cholesky
		if chol.Factorize(Kj) {
			alpha := mat.NewVecDense(n, nil)
			if err := chol.SolveVecTo(alpha, y); err == nil {
				gp.alpha, gp.chol, gp.kinv, gp.jitter = alpha, &chol, nil, jitter
				gp.lml = -0.5*mat.Dot(y, alpha) - 0.5*chol.LogDet() - 0.5*float64(n)*math.Log(2*math.Pi)
				return nil
			}
		}
		gp.logger.Debug("Cholesky factorization failed, increasing jitter",
			zap.Int("attempt", attempt+1),
			zap.Float64("jitter", jitter))
		if jitter == 0 {
			jitter = 1e-10
		} else {
			jitter *= 10
		}
	}

	gp.logger.Info("Falling back to SVD after Cholesky attempts failed", zap.Int("samples", n))
	return gp.solveWithSVD(K, y)
}

func (gp *GP) solveWithSVD(K *mat.SymDense, y *mat.VecDense) error {
	n := y.Len()
	var svd mat.SVD
	if !svd.Factorize(K, mat.SVDFull) {
		return fmt.Errorf("SVD factorization failed")
	}
	s := svd.Values(nil)
	threshold := math.Max(float64(n), 1.0) * s[0] * 1e-15

	var U, V mat.Dense
	svd.UTo(&U)
	svd.VTo(&V)

	inv := make([]float64, n)
	rank := 0
	for i, v := range s {
		if v > threshold {
			inv[i] = 1 / v
			rank++
		}
	}
	if rank == 0 {
		return fmt.Errorf("matrix is effectively rank zero after thresholding")
	}

	var tmp, kinv mat.Dense
	tmp.Mul(&V, mat.NewDiagDense(n, inv))
	kinv.Mul(&tmp, U.T())

	alpha := mat.NewVecDense(n, nil)
	alpha.MulVec(&kinv, y)
	gp.alpha, gp.chol, gp.kinv, gp.jitter = alpha, nil, &kinv, 0
	gp.lml = math.Inf(-1)

	gp.logger.Debug("Solved system with SVD",
		zap.Float64("condition_number", s[0]/math.Max(s[len(s)-1], 1e-16)),
		zap.Int("effective_rank", rank),
	)
	return nil
}

// Fitted reports whether Fit succeeded.
func (gp *GP) Fitted() bool { return gp.alpha != nil }

// LogMarginalLikelihood of the standardized training targets. It is -Inf
// when the SVD fallback was used.
func (gp *GP) LogMarginalLikelihood() float64 { return gp.lml }

// Kernel returns the covariance function.
func (gp *GP) Kernel() kernels.Kernel { return gp.kernel }

// crossCov returns the m×n covariance between the rows of X and the
// training inputs.
func (gp *GP) crossCov(op string, X *mat.Dense) (*mat.Dense, error) {
	if !gp.Fitted() {
		return nil, gpError(op, "model not trained")
	}
	if X == nil || X.IsEmpty() {
		return nil, gpError(op, "input matrix X is empty")
	}
	m, d := X.Dims()
	if _, trainD := gp.X.Dims(); d != trainD {
		return nil, gpError(op, "X has %d features, model was trained on %d", d, trainD)
	}
	xn := gp.pool.GetDense(m, d)
	defer gp.pool.PutDense(xn)
	gp.normalizeInto(xn, X)
	return kernels.Cross(gp.kernel, xn, gp.X), nil
}

// Predict returns the posterior mean at every row of X. It is safe for
// concurrent use once the model is fitted.
func (gp *GP) Predict(X *mat.Dense) ([]float64, error) {
	Ks, err := gp.crossCov("GP.Predict", X)
	if err != nil {
		return nil, err
	}
	m, _ := Ks.Dims()
	mean := gp.pool.GetVecDense(m)
	defer gp.pool.PutVecDense(mean)
	mean.MulVec(Ks, gp.alpha)

	out := make([]float64, m)
	for i := range out {
		out[i] = mean.AtVec(i)*gp.yStd + gp.yMean
	}
	return out, nil
}

// PredictVar returns the posterior mean and variance at every row of X.
func (gp *GP) PredictVar(X *mat.Dense) (mean, variance []float64, err error) {
	const op = "GP.PredictVar"
	mean, err = gp.Predict(X)
	if err != nil {
		return nil, nil, err
	}
	Ks, err := gp.crossCov(op, X)
	if err != nil {
		return nil, nil, err
	}
	m, n := Ks.Dims()

	// W = K⁻¹ Ksᵀ (n×m)
	var W mat.Dense
	if gp.chol != nil {
		if err := gp.chol.SolveTo(&W, Ks.T()); err != nil {
			return nil, nil, errors.Wrap(err, "failed to solve linear system").WithOperation(op).WithComponent(component)
		}
	} else {
		W.Mul(gp.kinv, Ks.T())
	}

	variance = make([]float64, m)
	xn := make([]float64, len(gp.lo))
	for i := 0; i < m; i++ {
		for j := range xn {
			xn[j] = (X.At(i, j) - gp.lo[j]) / gp.span[j]
		}
		prior := gp.kernel.Eval(xn, xn)
		explained := 0.0
		for j := 0; j < n; j++ {
			explained += Ks.At(i, j) * W.At(j, i)
		}
		v := math.Max(0, prior-explained)
		variance[i] = v * gp.yStd * gp.yStd
	}
	return mean, variance, nil
}
