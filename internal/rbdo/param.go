package rbdo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Param is a configuration value that is either a scalar broadcast to every
// component or an explicit per-component vector.
type Param struct {
	values []float64
	vector bool
}

// Scalar returns a Param that broadcasts v.
func Scalar(v float64) Param {
	return Param{values: []float64{v}}
}

// Vector returns a Param with one value per component.
func Vector(vs ...float64) Param {
	return Param{values: append([]float64(nil), vs...), vector: true}
}

// IsZero reports whether the Param was never set.
func (p Param) IsZero() bool { return len(p.values) == 0 && !p.vector }

// IsVector reports whether p holds an explicit vector.
func (p Param) IsVector() bool { return p.vector }

// Len is the number of stored values (1 for a scalar).
func (p Param) Len() int { return len(p.values) }

// Values returns a copy of the stored values.
func (p Param) Values() []float64 { return append([]float64(nil), p.values...) }

// Broadcast expands p to n components. A vector must have exactly n values.
func (p Param) Broadcast(n int) ([]float64, error) {
	if p.IsZero() {
		return nil, newError(KindConfig, "Param.Broadcast", "value not set")
	}
	if !p.vector {
		out := make([]float64, n)
		for i := range out {
			out[i] = p.values[0]
		}
		return out, nil
	}
	if len(p.values) != n {
		return nil, newError(KindShape, "Param.Broadcast", "length %d, want %d", len(p.values), n)
	}
	return p.Values(), nil
}

// Truncate expands p to n components, dropping the tail of a longer vector.
// A shorter vector is a shape error.
func (p Param) Truncate(n int) ([]float64, error) {
	if p.vector && len(p.values) > n {
		return append([]float64(nil), p.values[:n]...), nil
	}
	return p.Broadcast(n)
}

func (p Param) String() string {
	if !p.vector && len(p.values) == 1 {
		return strconv.FormatFloat(p.values[0], 'g', -1, 64)
	}
	return fmt.Sprint(p.values)
}

// MarshalJSON encodes a scalar as a number and a vector as an array.
func (p Param) MarshalJSON() ([]byte, error) {
	if p.vector {
		return json.Marshal(p.values)
	}
	if len(p.values) == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(p.values[0])
}

// UnmarshalJSON accepts a number, an array of numbers, a numeric string, or a
// string holding a JSON array.
func (p *Param) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = Param{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseParam(s)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var vs []float64
		if err := json.Unmarshal(data, &vs); err != nil {
			return err
		}
		*p = Vector(vs...)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = Scalar(v)
	return nil
}

// UnmarshalYAML accepts the same forms as UnmarshalJSON.
func (p *Param) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var vs []float64
		if err := node.Decode(&vs); err != nil {
			return err
		}
		*p = Vector(vs...)
		return nil
	case yaml.ScalarNode:
		parsed, err := ParseParam(node.Value)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}
	return fmt.Errorf("line %d: expected a number or a list of numbers", node.Line)
}

// ParseParam parses "0.5" or "[0.1, 0.2]".
func ParseParam(s string) (Param, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var vs []float64
		if err := json.Unmarshal([]byte(s), &vs); err != nil {
			return Param{}, fmt.Errorf("parse vector %q: %w", s, err)
		}
		return Vector(vs...), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Param{}, fmt.Errorf("parse scalar %q: %w", s, err)
	}
	return Scalar(v), nil
}
