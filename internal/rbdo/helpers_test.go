package rbdo

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/rbdo/internal/llm"
	"github.com/copyleftdev/rbdo/internal/prompt"
)

// scriptedLLM replays canned replies in order and repeats the last one.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   []llm.Request
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.err != nil {
		return "", s.err
	}
	if len(s.replies) == 0 {
		return "", nil
	}
	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return reply, nil
}

func (s *scriptedLLM) Calls() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.calls...)
}

func testRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed+1))
}

func testTemplates() prompt.Loader {
	return prompt.Static{
		"optimize.md": "vars <<VARIABLE_NAMES>>\n<<RANGES>>\n<<HISTORY>>\n<<BEST>>\n<<OUTPUT_SCHEMA>>",
		"init.md":     "make <<NUM_POINTS>> of <<VARIABLE_NAMES>>\n<<RANGES>>\n<<OUTPUT_SCHEMA>>",
	}
}

// sumOfSquares is a simple quadratic objective.
func sumOfSquares(x []float64) (float64, error) {
	sum := 0.0
	for _, v := range x {
		sum += v * v
	}
	return sum, nil
}

// constantResponse returns a batch constraint function answering v for m
// constraints.
func constantResponse(m int, v float64) BatchFunc {
	return func(X *mat.Dense) (*mat.Dense, error) {
		n, _ := X.Dims()
		out := mat.NewDense(n, m, nil)
		for i := 0; i < n; i++ {
			for j := 0; j < m; j++ {
				out.Set(i, j, v)
			}
		}
		return out, nil
	}
}

// firstCoordinate answers X[i][0] - c for a single constraint.
func firstCoordinateAbove(c float64) BatchFunc {
	return func(X *mat.Dense) (*mat.Dense, error) {
		n, _ := X.Dims()
		out := mat.NewDense(n, 1, nil)
		for i := 0; i < n; i++ {
			out.Set(i, 0, X.At(i, 0)-c)
		}
		return out, nil
	}
}

func square2D() RangeMap {
	return MustRangeMap(map[string][2]float64{"x1": {0, 10}, "x2": {0, 10}})
}

// assertFloat64SlicesEqual checks if two float64 slices are approximately equal
func assertFloat64SlicesEqual(t *testing.T, got, want []float64, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}

	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("at index %d: got %v, want %v (tolerance %v)", i, got[i], want[i], tol)
		}
	}
}
