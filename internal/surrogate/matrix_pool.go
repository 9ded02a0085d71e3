package surrogate

import (
	"sync"

	"gonum.org/v1/gonum/mat"
)

type dims struct{ r, c int }

// MatrixPool recycles scratch matrices by shape. It is safe for concurrent
// use, since one fitted model serves every cloud member in parallel.
type MatrixPool struct {
	mu    sync.Mutex
	dense map[dims][]*mat.Dense
	vecs  map[int][]*mat.VecDense
}

// NewMatrixPool creates a new MatrixPool
func NewMatrixPool() *MatrixPool {
	return &MatrixPool{
		dense: make(map[dims][]*mat.Dense),
		vecs:  make(map[int][]*mat.VecDense),
	}
}

// GetDense returns a zeroed r×c matrix.
func (p *MatrixPool) GetDense(r, c int) *mat.Dense {
	p.mu.Lock()
	free := p.dense[dims{r, c}]
	if n := len(free); n > 0 {
		m := free[n-1]
		p.dense[dims{r, c}] = free[:n-1]
		p.mu.Unlock()
		m.Zero()
		return m
	}
	p.mu.Unlock()
	return mat.NewDense(r, c, nil)
}

// PutDense returns m to the pool.
func (p *MatrixPool) PutDense(m *mat.Dense) {
	if m == nil || m.IsEmpty() {
		return
	}
	r, c := m.Dims()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dense[dims{r, c}] = append(p.dense[dims{r, c}], m)
}

// GetVecDense returns a zeroed vector of length n.
func (p *MatrixPool) GetVecDense(n int) *mat.VecDense {
	p.mu.Lock()
	free := p.vecs[n]
	if k := len(free); k > 0 {
		v := free[k-1]
		p.vecs[n] = free[:k-1]
		p.mu.Unlock()
		v.Zero()
		return v
	}
	p.mu.Unlock()
	return mat.NewVecDense(n, nil)
}

// PutVecDense returns v to the pool.
func (p *MatrixPool) PutVecDense(v *mat.VecDense) {
	if v == nil || v.IsEmpty() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vecs[v.Len()] = append(p.vecs[v.Len()], v)
}
