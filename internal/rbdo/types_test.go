package rbdo

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParamJSONForms(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		vector bool
		want   []float64
	}{
		{"number", `0.5`, false, []float64{0.5}},
		{"numeric string", `"0.98"`, false, []float64{0.98}},
		{"array", `[0.1, 0.2]`, true, []float64{0.1, 0.2}},
		{"string holding an array", `"[0.03, 10]"`, true, []float64{0.03, 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Param
			require.NoError(t, json.Unmarshal([]byte(tt.input), &p))
			assert.Equal(t, tt.vector, p.IsVector())
			assert.Equal(t, tt.want, p.Values())
		})
	}

	var p Param
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &p))
}

func TestParamYAML(t *testing.T) {
	var cfg struct {
		Std       Param `yaml:"std"`
		Threshold Param `yaml:"threshold"`
		Unset     Param `yaml:"unset"`
	}
	src := "std: [0.03, 0.006]\nthreshold: 0\n"
	require.NoError(t, yaml.Unmarshal([]byte(src), &cfg))
	assert.Equal(t, Vector(0.03, 0.006), cfg.Std)
	assert.Equal(t, Scalar(0), cfg.Threshold)
	assert.True(t, cfg.Unset.IsZero())
}

func TestParamBroadcastTruncate(t *testing.T) {
	got, err := Scalar(2).Broadcast(3)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2, 2}, got)

	_, err = Vector(1, 2).Broadcast(3)
	assert.ErrorIs(t, err, ErrShape)

	_, err = Param{}.Broadcast(1)
	assert.ErrorIs(t, err, ErrConfig)

	got, err = Vector(1, 2, 3, 4).Truncate(2)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, got)

	_, err = Vector(1).Truncate(2)
	assert.ErrorIs(t, err, ErrShape)
}

func TestHistoryWindow(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 6; i++ {
		h.Append(IterationMessage{Iteration: i})
	}
	msgs := h.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, []int{3, 4, 5}, []int{msgs[0].Iteration, msgs[1].Iteration, msgs[2].Iteration})
}

func TestEventJSON(t *testing.T) {
	b, err := json.Marshal(LogEvent("hello"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"log","msg":"hello"}`, string(b))

	up := UpdateEvent(3, CandidateRecord{Design: []float64{1, 2}, Penalty: 0, Objective: -4.5, Reliabilities: []float64{1}})
	b, err = json.Marshal(up)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"update","iteration":3,"cost":-4.5,"penalty":0,"point":[1,2],"reliabilities":[1]}`, string(b))

	var back Event
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, up, back)

	b, err = json.Marshal(UpdateEvent(0, CandidateRecord{}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"update","iteration":0,"cost":0,"penalty":0,"point":[],"reliabilities":[]}`, string(b))
}
