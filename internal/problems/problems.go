// Package problems holds the benchmark RBDO scenarios that a run can be
// started against.
package problems

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"

	"github.com/copyleftdev/rbdo/internal/rbdo"
)

// Suggested are per-problem run settings that differ from the global
// defaults. Zero fields mean no suggestion.
type Suggested struct {
	Std               rbdo.Param `json:"std,omitzero"`
	AdditionStd       rbdo.Param `json:"adition_point_std,omitzero"`
	ReliabilityTarget rbdo.Param `json:"reliability_target,omitzero"`
	NumInitialPoints  int        `json:"num_initial_points,omitempty"`
	MaxIterations     int        `json:"max_iterations,omitempty"`
}

// Definition describes one scenario.
type Definition struct {
	ID          string
	Name        string
	Description string
	// Ranges are the default design ranges keyed by variable name.
	Ranges    map[string][2]float64
	Suggested Suggested
	// Build returns the collaborators of a run. It may be expensive and is
	// called at most once per registry.
	Build func(logger *zap.Logger) (rbdo.Problem, error)
}

// Summary is the listing form of a Definition.
type Summary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type entry struct {
	def  Definition
	once sync.Once
	prob rbdo.Problem
	err  error
}

// Registry resolves scenario ids. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{entries: make(map[string]*entry), logger: logger.Named("problems")}
}

// Default returns a registry with the built-in scenarios.
func Default(logger *zap.Logger) *Registry {
	r := NewRegistry(logger)
	for _, def := range []Definition{Math2DReal(), CarCrashReal(), Math2DSurrogate(0)} {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds def. Ids must be unique.
func (r *Registry) Register(def Definition) error {
	if def.ID == "" {
		return fmt.Errorf("problem id is empty")
	}
	if def.Build == nil {
		return fmt.Errorf("problem %q has no build function", def.ID)
	}
	if def.Name == "" {
		def.Name = DisplayName(def.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[def.ID]; ok {
		return fmt.Errorf("problem %q already registered", def.ID)
	}
	r.entries[def.ID] = &entry{def: def}
	return nil
}

// Lookup returns the definition registered under id.
func (r *Registry) Lookup(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Definition{}, false
	}
	return e.def, true
}

// List returns every scenario sorted by id.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Summary{ID: e.def.ID, Name: e.def.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Problem builds, or returns the cached, collaborators for id.
func (r *Registry) Problem(id string) (rbdo.Problem, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return rbdo.Problem{}, fmt.Errorf("unknown scenario: %s", id)
	}
	e.once.Do(func() {
		r.logger.Info("Building problem", zap.String("problem", id))
		e.prob, e.err = e.def.Build(r.logger.With(zap.String("problem", id)))
	})
	return e.prob, e.err
}

// DisplayName turns an id into a title: "math_2d_surrogate" becomes
// "Math 2D Surrogate".
func DisplayName(id string) string {
	words := strings.Split(id, "_")
	for i, w := range words {
		var b strings.Builder
		prevLetter := false
		for _, c := range w {
			if prevLetter {
				b.WriteRune(unicode.ToLower(c))
			} else {
				b.WriteRune(unicode.ToUpper(c))
			}
			prevLetter = unicode.IsLetter(c)
		}
		words[i] = b.String()
	}
	return strings.Join(words, " ")
}
