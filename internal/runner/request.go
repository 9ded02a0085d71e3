// Package runner turns a run request into a ready orchestrator. The HTTP
// server and the CLI share it.
package runner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/rbdo/internal/errors"
	"github.com/copyleftdev/rbdo/internal/rbdo"
)

// RunConfig is the "config" object of a run request. Keys follow the wire
// names of the web frontend, including its spelling of adition_point_*.
type RunConfig struct {
	Provider string `json:"provider" yaml:"provider" validate:"required"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key"`
	BaseURL  string `json:"base_url,omitempty" yaml:"base_url" validate:"omitempty,url"`
	Model    string `json:"model" yaml:"model" validate:"required"`

	ProblemScenario string `json:"problem_scenario" yaml:"problem_scenario"`

	N                 int        `json:"N" yaml:"N" validate:"min=1"`
	Threshold         rbdo.Param `json:"threshold" yaml:"threshold"`
	ReliabilityTarget rbdo.Param `json:"reliability_target" yaml:"reliability_target"`
	PenaltyWeight     rbdo.Param `json:"penalty_weight" yaml:"penalty_weight"`
	Std               rbdo.Param `json:"std" yaml:"std"`
	AdditionStd       rbdo.Param `json:"adition_point_std" yaml:"adition_point_std"`
	AdditionPoints    int        `json:"adition_point_number" yaml:"adition_point_number" validate:"min=0"`
	RetainNumber      int        `json:"retain_number" yaml:"retain_number" validate:"min=1"`

	Temperature      float64 `json:"temperature" yaml:"temperature" validate:"min=0,max=2"`
	TopP             float64 `json:"top_p" yaml:"top_p" validate:"min=0,max=1"`
	MaxTokens        int     `json:"max_tokens" yaml:"max_tokens" validate:"min=1"`
	TemplatePath     string  `json:"template_path" yaml:"template_path"`
	InitTemplatePath string  `json:"init_template_path" yaml:"init_template_path"`

	TargetRangeMin int `json:"target_range_min" yaml:"target_range_min"`
	TargetRangeMax int `json:"target_range_max" yaml:"target_range_max" validate:"gtfield=TargetRangeMin"`

	// NumInitialPoints and MaxIterations are pointers so that an absent key
	// can take the scenario's suggestion.
	NumInitialPoints      *int   `json:"num_initial_points,omitempty" yaml:"num_initial_points" validate:"omitempty,min=1"`
	InitialSamplingMethod string `json:"initial_sampling_method" yaml:"initial_sampling_method" validate:"omitempty,oneof=random lhs llm"`
	MaxIterations         *int   `json:"max_iterations,omitempty" yaml:"max_iterations" validate:"omitempty,min=0"`
	StagnationLimit       int    `json:"stagnation_limit" yaml:"stagnation_limit" validate:"min=1"`

	Seed        uint64 `json:"seed,omitempty" yaml:"seed"`
	Parallelism int    `json:"parallelism,omitempty" yaml:"parallelism" validate:"min=0"`
}

// RunRequest is the body of a run: settings plus design ranges. Range keys
// may be "x1" or "x1_range". Empty ranges take the scenario's defaults.
type RunRequest struct {
	Config RunConfig            `json:"config" yaml:"config"`
	Ranges map[string][]float64 `json:"ranges" yaml:"ranges" validate:"dive,len=2"`
}

// Defaults of the settings a scenario cannot suggest.
const (
	DefaultProvider        = "deepseek"
	DefaultModel           = "deepseek-chat"
	DefaultScenario        = "math_2d_real"
	DefaultN               = 10000
	DefaultAdditionPoints  = 10
	DefaultRetainNumber    = 5
	DefaultTemperature     = 0.2
	DefaultTopP            = 0.9
	DefaultMaxTokens       = 512
	DefaultTargetRangeMax  = 100
	DefaultSamplingMethod  = rbdo.MethodLHS
	DefaultStagnationLimit = 10
)

// Defaults of the settings a scenario may suggest.
const (
	DefaultStd               = 0.05
	DefaultAdditionStd       = 0.1
	DefaultReliabilityTarget = 0.98
	DefaultNumInitialPoints  = 20
	DefaultMaxIterations     = 50
)

// DefaultRunConfig returns the settings a request starts from before its
// own keys are decoded on top. Suggestible settings stay unset.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Provider:              DefaultProvider,
		Model:                 DefaultModel,
		ProblemScenario:       DefaultScenario,
		N:                     DefaultN,
		Threshold:             rbdo.Scalar(0),
		PenaltyWeight:         rbdo.Scalar(10000),
		AdditionPoints:        DefaultAdditionPoints,
		RetainNumber:          DefaultRetainNumber,
		Temperature:           DefaultTemperature,
		TopP:                  DefaultTopP,
		MaxTokens:             DefaultMaxTokens,
		TargetRangeMin:        0,
		TargetRangeMax:        DefaultTargetRangeMax,
		InitialSamplingMethod: DefaultSamplingMethod,
		StagnationLimit:       DefaultStagnationLimit,
	}
}

// NewRequest returns a request holding DefaultRunConfig.
func NewRequest() RunRequest {
	return RunRequest{Config: DefaultRunConfig()}
}

// DecodeJSON reads a JSON request. Unknown keys are ignored, since the web
// frontend sends display-only settings along.
func DecodeJSON(r io.Reader) (RunRequest, error) {
	req := NewRequest()
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return RunRequest{}, errors.BadRequest(err, "invalid JSON data")
	}
	return req, nil
}

// DecodeYAML reads a YAML (or JSON) run file.
func DecodeYAML(data []byte) (RunRequest, error) {
	req := NewRequest()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&req); err != nil && err != io.EOF {
		return RunRequest{}, errors.BadRequest(err, "invalid run file")
	}
	return req, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the field constraints of the request.
func (r RunRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return errors.BadRequest(describe(err), "invalid run configuration")
	}
	return nil
}

// describe names the offending fields by their wire names.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
