// Package kernels provides covariance functions for Gaussian-process
// surrogates.
package kernels

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Kernel represents a kernel function for Gaussian Processes
type Kernel interface {
	// Eval computes the kernel value between two points x1 and x2
	Eval(x1, x2 []float64) float64

	// Hyperparameters returns the current hyperparameters
	Hyperparameters() []float64

	// SetHyperparameters sets the kernel's hyperparameters
	SetHyperparameters(params []float64) error
}

// Names accepted by New.
const (
	NameRBF      = "rbf"
	NameMatern52 = "matern52"
)

// New builds a kernel by name.
func New(name string, lengthScale, signalVar float64) (Kernel, error) {
	if lengthScale <= 0 || signalVar <= 0 {
		return nil, fmt.Errorf("kernel hyperparameters must be positive, got length scale %v and signal variance %v", lengthScale, signalVar)
	}
	switch strings.ToLower(name) {
	case NameRBF, "":
		return NewRBFKernel(lengthScale, signalVar), nil
	case NameMatern52:
		return NewMatern52Kernel(lengthScale, signalVar), nil
	}
	return nil, fmt.Errorf("unknown kernel %q", name)
}

// params is the (length scale, signal variance) pair shared by the
// stationary kernels below.
type params struct {
	lengthScale float64
	signalVar   float64
}

func newParams(lengthScale, signalVar float64) params {
	if lengthScale <= 0 {
		panic(fmt.Sprintf("lengthScale must be positive, got %v", lengthScale))
	}
	if signalVar <= 0 {
		panic(fmt.Sprintf("signalVar must be positive, got %v", signalVar))
	}
	return params{lengthScale: lengthScale, signalVar: signalVar}
}

func (p *params) Hyperparameters() []float64 {
	return []float64{p.lengthScale, p.signalVar}
}

func (p *params) SetHyperparameters(hp []float64) error {
	if len(hp) != 2 {
		return fmt.Errorf("expected 2 hyperparameters, got %d", len(hp))
	}
	if hp[0] <= 0 || hp[1] <= 0 {
		return fmt.Errorf("hyperparameters must be positive, got %v", hp)
	}
	p.lengthScale, p.signalVar = hp[0], hp[1]
	return nil
}

func sqDist(x1, x2 []float64) float64 {
	sum := 0.0
	for i := range x1 {
		d := x1[i] - x2[i]
		sum += d * d
	}
	return sum
}

// RBFKernel is the squared exponential kernel
// k(r) = s * exp(-r²/(2l²)).
type RBFKernel struct {
	params
}

// NewRBFKernel panics on non-positive parameters.
func NewRBFKernel(lengthScale, signalVar float64) *RBFKernel {
	return &RBFKernel{params: newParams(lengthScale, signalVar)}
}

// Eval computes the RBF kernel value between x1 and x2
func (k *RBFKernel) Eval(x1, x2 []float64) float64 {
	r2 := sqDist(x1, x2) / (2.0 * k.lengthScale * k.lengthScale)
	return k.signalVar * math.Exp(-r2)
}

// Matern52Kernel implements the Matérn 5/2 kernel
type Matern52Kernel struct {
	params
}

// NewMatern52Kernel panics on non-positive parameters.
func NewMatern52Kernel(lengthScale, signalVar float64) *Matern52Kernel {
	return &Matern52Kernel{params: newParams(lengthScale, signalVar)}
}

// Eval computes the Matérn 5/2 kernel value between x1 and x2
func (k *Matern52Kernel) Eval(x1, x2 []float64) float64 {
	r := math.Sqrt(sqDist(x1, x2)) / k.lengthScale
	poly := 1.0 + math.Sqrt(5)*r + (5.0/3.0)*r*r
	return k.signalVar * poly * math.Exp(-math.Sqrt(5)*r)
}

// Gram fills the symmetric covariance matrix of the rows of X.
func Gram(k Kernel, X mat.RawMatrixer, n int) *mat.SymDense {
	raw := X.RawMatrix()
	K := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		xi := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		for j := i; j < n; j++ {
			xj := raw.Data[j*raw.Stride : j*raw.Stride+raw.Cols]
			K.SetSym(i, j, k.Eval(xi, xj))
		}
	}
	return K
}

// Cross returns the len(A rows) × len(B rows) cross-covariance matrix.
func Cross(k Kernel, A, B *mat.Dense) *mat.Dense {
	na, _ := A.Dims()
	nb, _ := B.Dims()
	out := mat.NewDense(na, nb, nil)
	for i := 0; i < na; i++ {
		a := A.RawRowView(i)
		for j := 0; j < nb; j++ {
			out.Set(i, j, k.Eval(a, B.RawRowView(j)))
		}
	}
	return out
}
