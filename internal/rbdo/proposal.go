package rbdo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/copyleftdev/rbdo/internal/llm"
	"github.com/copyleftdev/rbdo/internal/prompt"
)

// Stage names the step of an LLM exchange that failed.
type Stage string

const (
	StageTemplate Stage = "template"
	StageRequest  Stage = "request"
	StageBrackets Stage = "brackets"
	StageDecode   Stage = "decode"
	StageEmpty    Stage = "empty"
	StageKeys     Stage = "keys"
)

// ProposalError explains why an LLM answer could not be used.
type ProposalError struct {
	Stage Stage
	Err   error
}

func (e *ProposalError) Error() string {
	return fmt.Sprintf("llm %s: %v", e.Stage, e.Err)
}

func (e *ProposalError) Unwrap() error { return e.Err }

// Proposal is the outcome of one proposal request. When Err is set, Point
// is the best point mapped back from its tokens.
type Proposal struct {
	Point []float64
	Err   error
}

// Fallback reports whether the proposal is the fallback point.
func (p Proposal) Fallback() bool { return p.Err != nil }

const proposerSystemPrompt = "You are an optimization assistant. Find a point whose penalty is 0, and among those the lowest objective value."

// Proposer asks the LLM for the next candidate point.
type Proposer struct {
	Client       llm.Completer
	Templates    prompt.Loader
	TemplatePath string
	Model        string
	Temperature  float64
	TopP         float64
	MaxTokens    int
	Ranges       RangeMap
	Target       TargetRange
	Logger       *zap.Logger
}

// Propose renders the prompt from history and best, asks for one point and
// maps it back into design space. It never fails: any problem yields the
// best point and the reason in Proposal.Err.
func (p *Proposer) Propose(ctx context.Context, history []IterationMessage, best IterationMessage) Proposal {
	point, err := p.propose(ctx, history, best)
	if err == nil {
		return Proposal{Point: point}
	}
	if p.Logger != nil {
		p.Logger.Debug("proposal fallback to best point", zap.Error(err))
	}
	fallback, ferr := p.bestPoint(best)
	if ferr != nil {
		// best.Point does not match the RangeMap.
		fallback = p.Ranges.Center()
		err = fmt.Errorf("%w; best point unusable: %v", err, ferr)
	}
	return Proposal{Point: fallback, Err: err}
}

// Prompt renders the user prompt for history and best.
func (p *Proposer) Prompt(history []IterationMessage, best IterationMessage) (string, error) {
	tpl, err := p.Templates.Load(p.TemplatePath)
	if err != nil {
		return "", err
	}
	names := p.Ranges.Names()
	return prompt.Render(tpl, map[string]string{
		prompt.VariableNames: strings.Join(names, ", "),
		prompt.Ranges:        rangesText(names, p.Target),
		prompt.History:       historyText(history),
		prompt.Best:          bestText(best),
		prompt.OutputSchema:  outputSchema(names),
	}), nil
}

func (p *Proposer) propose(ctx context.Context, history []IterationMessage, best IterationMessage) ([]float64, error) {
	if p.Client == nil || p.Templates == nil {
		return nil, &ProposalError{Stage: StageRequest, Err: fmt.Errorf("no LLM client configured")}
	}
	user, err := p.Prompt(history, best)
	if err != nil {
		return nil, &ProposalError{Stage: StageTemplate, Err: err}
	}
	text, err := p.Client.Complete(ctx, llm.Request{
		System:      proposerSystemPrompt,
		User:        user,
		Temperature: p.Temperature,
		TopP:        p.TopP,
		MaxTokens:   p.MaxTokens,
		Model:       p.Model,
	})
	if err != nil {
		return nil, &ProposalError{Stage: StageRequest, Err: err}
	}
	return ParseProposal(text, p.Ranges, p.Target)
}

func (p *Proposer) bestPoint(best IterationMessage) ([]float64, error) {
	tokens, err := IntsToMap(best.Point, p.Ranges)
	if err != nil {
		return nil, err
	}
	return IntMapToVector(tokens, p.Ranges, p.Target)
}

// ParseProposal extracts the first object of the JSON array found between
// the first '[' and the last ']' of text and maps it to design space.
func ParseProposal(text string, rm RangeMap, t TargetRange) ([]float64, error) {
	items, err := extractArray(text)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, &ProposalError{Stage: StageEmpty, Err: fmt.Errorf("empty array")}
	}
	point, err := decodeTokenObject(items[0], rm, t)
	if err != nil {
		var coreErr *Error
		if errors.As(err, &coreErr) {
			return nil, &ProposalError{Stage: StageKeys, Err: err}
		}
		return nil, &ProposalError{Stage: StageDecode, Err: err}
	}
	return point, nil
}

func rangesText(names []string, t TargetRange) string {
	lines := make([]string, len(names))
	for i, n := range names {
		lines[i] = fmt.Sprintf("%s: [%d, %d]", n, t.Min, t.Max)
	}
	return strings.Join(lines, "\n")
}

func outputSchema(names []string) string {
	fields := make([]string, len(names))
	for i, n := range names {
		fields[i] = strconv.Quote(n) + ": "
	}
	return "[\n    {" + strings.Join(fields, ", ") + "}\n]"
}

func formatTokens(tokens []int) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = strconv.Itoa(t)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func historyText(history []IterationMessage) string {
	lines := make([]string, len(history))
	for i, m := range history {
		lines[i] = fmt.Sprintf("Iteration %d, point: %s, penalty: %s, objective: %s",
			m.Iteration, formatTokens(m.Point), formatFloat(m.Penalty), formatFloat(m.Objective))
	}
	return strings.Join(lines, "\n")
}

func bestText(best IterationMessage) string {
	return fmt.Sprintf("point: %s, penalty: %s, objective: %s",
		formatTokens(best.Point), formatFloat(best.Penalty), formatFloat(best.Objective))
}
