package rbdo

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Variable is one named design dimension with its physical bounds.
type Variable struct {
	Name string
	Min  float64
	Max  float64
}

// RangeMap is the ordered set of design variables. Order is fixed by the
// numeric suffix of each name (x1, x2, ..., x10).
type RangeMap struct {
	vars  []Variable
	index map[string]int
}

// NewRangeMap builds a RangeMap from name -> [min, max]. Names of the form
// "x3_range" are normalized to "x3".
func NewRangeMap(ranges map[string][2]float64) (RangeMap, error) {
	const op = "NewRangeMap"
	if len(ranges) == 0 {
		return RangeMap{}, newError(KindDomain, op, "no design variables")
	}
	vars := make([]Variable, 0, len(ranges))
	for key, b := range ranges {
		name := VariableName(key)
		if name == "" {
			return RangeMap{}, newError(KindDomain, op, "empty variable name %q", key)
		}
		if !(b[0] < b[1]) {
			return RangeMap{}, newError(KindDomain, op, "%s: min %v must be below max %v", name, b[0], b[1])
		}
		vars = append(vars, Variable{Name: name, Min: b[0], Max: b[1]})
	}
	sort.SliceStable(vars, func(i, j int) bool {
		si, sj := suffixIndex(vars[i].Name), suffixIndex(vars[j].Name)
		if si != sj {
			return si < sj
		}
		return vars[i].Name < vars[j].Name
	})
	index := make(map[string]int, len(vars))
	for i, v := range vars {
		if _, dup := index[v.Name]; dup {
			return RangeMap{}, newError(KindDomain, op, "duplicate variable %s", v.Name)
		}
		index[v.Name] = i
	}
	return RangeMap{vars: vars, index: index}, nil
}

// MustRangeMap is NewRangeMap for literals known to be valid.
func MustRangeMap(ranges map[string][2]float64) RangeMap {
	rm, err := NewRangeMap(ranges)
	if err != nil {
		panic(err)
	}
	return rm
}

// VariableName strips the "_range" style suffix used by request payloads.
func VariableName(key string) string {
	if i := strings.IndexByte(key, '_'); i >= 0 {
		return key[:i]
	}
	return key
}

func suffixIndex(name string) int {
	var digits strings.Builder
	for _, r := range name {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	n, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0
	}
	return n
}

// Dim is the number of design variables.
func (rm RangeMap) Dim() int { return len(rm.vars) }

// Variables returns the variables in dimension order.
func (rm RangeMap) Variables() []Variable { return append([]Variable(nil), rm.vars...) }

// Names returns the variable names in dimension order.
func (rm RangeMap) Names() []string {
	names := make([]string, len(rm.vars))
	for i, v := range rm.vars {
		names[i] = v.Name
	}
	return names
}

// Bounds returns [min, max] per dimension.
func (rm RangeMap) Bounds() [][2]float64 {
	out := make([][2]float64, len(rm.vars))
	for i, v := range rm.vars {
		out[i] = [2]float64{v.Min, v.Max}
	}
	return out
}

// Index returns the dimension of name.
func (rm RangeMap) Index(name string) (int, bool) {
	i, ok := rm.index[name]
	return i, ok
}

// Contains reports whether every coordinate of p lies inside its bounds.
func (rm RangeMap) Contains(p []float64) bool {
	if len(p) != len(rm.vars) {
		return false
	}
	for i, v := range rm.vars {
		if p[i] < v.Min || p[i] > v.Max {
			return false
		}
	}
	return true
}

// Center is the midpoint of every range.
func (rm RangeMap) Center() []float64 {
	out := make([]float64, len(rm.vars))
	for i, v := range rm.vars {
		out[i] = (v.Min + v.Max) / 2
	}
	return out
}

// TargetRange is the integer vocabulary shared by every dimension when
// points are exchanged with the LLM.
type TargetRange struct {
	Min int
	Max int
}

// Validate checks Min < Max.
func (t TargetRange) Validate() error {
	if t.Min >= t.Max {
		return newError(KindDomain, "TargetRange.Validate", "min %d must be below max %d", t.Min, t.Max)
	}
	return nil
}

// Resolution is the physical width of one token for a variable.
func (t TargetRange) Resolution(v Variable) float64 {
	return (v.Max - v.Min) / float64(t.Max-t.Min)
}

func (t TargetRange) String() string {
	return fmt.Sprintf("[%d, %d]", t.Min, t.Max)
}

// ScaleToInt maps value from [fmin, fmax] onto [imin, imax] and rounds
// half to even.
func ScaleToInt(value, fmin, fmax float64, imin, imax int) (int, error) {
	if !(fmax > fmin) {
		return 0, newError(KindDomain, "ScaleToInt", "empty interval [%v, %v]", fmin, fmax)
	}
	scaled := float64(imin) + (value-fmin)/(fmax-fmin)*float64(imax-imin)
	return int(math.RoundToEven(scaled)), nil
}

// ScaleToFloat is the inverse affine map of ScaleToInt, without rounding.
func ScaleToFloat(token int, fmin, fmax float64, imin, imax int) (float64, error) {
	if imax == imin {
		return 0, newError(KindDomain, "ScaleToFloat", "empty interval [%d, %d]", imin, imax)
	}
	return float64(token-imin)/float64(imax-imin)*(fmax-fmin) + fmin, nil
}

// VectorToInt maps a design point onto the integer vocabulary in dimension
// order.
func VectorToInt(point []float64, rm RangeMap, t TargetRange) ([]int, error) {
	if len(point) != rm.Dim() {
		return nil, newError(KindShape, "VectorToInt", "point has %d coordinates, want %d", len(point), rm.Dim())
	}
	out := make([]int, len(point))
	for i, v := range rm.vars {
		tok, err := ScaleToInt(point[i], v.Min, v.Max, t.Min, t.Max)
		if err != nil {
			return nil, err
		}
		out[i] = tok
	}
	return out, nil
}

// IntMapToVector maps named tokens back into continuous space. Every entry
// is resolved by name, so map iteration order is irrelevant.
func IntMapToVector(tokens map[string]int, rm RangeMap, t TargetRange) ([]float64, error) {
	const op = "IntMapToVector"
	out := make([]float64, rm.Dim())
	seen := make([]bool, rm.Dim())
	for key, tok := range tokens {
		i, ok := rm.index[VariableName(key)]
		if !ok {
			return nil, newError(KindUnknownVariable, op, "%q", key)
		}
		v := rm.vars[i]
		f, err := ScaleToFloat(tok, v.Min, v.Max, t.Min, t.Max)
		if err != nil {
			return nil, err
		}
		out[i] = f
		seen[i] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, newError(KindMissingVariable, op, "%s", rm.vars[i].Name)
		}
	}
	return out, nil
}

// IntsToMap names a token vector by dimension.
func IntsToMap(tokens []int, rm RangeMap) (map[string]int, error) {
	if len(tokens) != rm.Dim() {
		return nil, newError(KindShape, "IntsToMap", "got %d tokens, want %d", len(tokens), rm.Dim())
	}
	out := make(map[string]int, len(tokens))
	for i, v := range rm.vars {
		out[v.Name] = tokens[i]
	}
	return out, nil
}
