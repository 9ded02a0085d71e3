package rbdo

import (
	"encoding/json"
)

// CandidateRecord is one evaluated design point. Records are built by the
// Evaluator and never mutated afterwards.
type CandidateRecord struct {
	Design        []float64
	Expanded      []float64
	Penalty       float64
	Objective     float64
	Reliabilities []float64
}

// Feasible reports whether every constraint met its reliability target.
func (c CandidateRecord) Feasible() bool { return c.Penalty == 0 }

func newCandidate(design, expanded []float64, penalty, objective float64, rel []float64) CandidateRecord {
	return CandidateRecord{
		Design:        append([]float64(nil), design...),
		Expanded:      append([]float64(nil), expanded...),
		Penalty:       penalty,
		Objective:     objective,
		Reliabilities: append([]float64(nil), rel...),
	}
}

// IterationMessage is the summary of one iteration shown to the LLM.
type IterationMessage struct {
	Iteration int     `json:"iteration"`
	Point     []int   `json:"point"`
	Penalty   float64 `json:"penalty"`
	Objective float64 `json:"objective"`
}

// History is a sliding window over the most recent iteration messages.
type History struct {
	retain int
	msgs   []IterationMessage
}

// NewHistory keeps at most retain messages. retain < 1 keeps one.
func NewHistory(retain int) *History {
	if retain < 1 {
		retain = 1
	}
	return &History{retain: retain, msgs: make([]IterationMessage, 0, retain+1)}
}

// Append adds m and drops the oldest messages beyond the window.
func (h *History) Append(m IterationMessage) {
	h.msgs = append(h.msgs, m)
	if len(h.msgs) > h.retain {
		h.msgs = append(h.msgs[:0:0], h.msgs[len(h.msgs)-h.retain:]...)
	}
}

// Messages returns the retained messages oldest-first.
func (h *History) Messages() []IterationMessage {
	return append([]IterationMessage(nil), h.msgs...)
}

// Len is the number of retained messages.
func (h *History) Len() int { return len(h.msgs) }

// Phase is a state of the orchestrator.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseEvaluatingInitial
	PhaseIterating
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseEvaluatingInitial:
		return "evaluating_initial"
	case PhaseIterating:
		return "iterating"
	case PhaseTerminated:
		return "terminated"
	}
	return "unknown"
}

// TerminationReason tells why a run stopped.
type TerminationReason string

const (
	ReasonNone          TerminationReason = ""
	ReasonMaxIterations TerminationReason = "max_iterations"
	ReasonStagnation    TerminationReason = "stagnation"
	ReasonCancelled     TerminationReason = "cancelled"
	ReasonFailed        TerminationReason = "failed"
)

// State is the orchestrator's running state.
type State struct {
	Phase      Phase
	Iteration  int
	Best       CandidateRecord
	Current    []float64
	Stagnation int
	Reason     TerminationReason
}

// EventType discriminates Event.
type EventType string

const (
	EventLog    EventType = "log"
	EventUpdate EventType = "update"
)

// Event is one element of the progress stream.
type Event struct {
	Type          EventType
	Msg           string
	Iteration     int
	Cost          float64
	Penalty       float64
	Point         []float64
	Reliabilities []float64
}

// LogEvent builds a log event.
func LogEvent(msg string) Event {
	return Event{Type: EventLog, Msg: msg}
}

// UpdateEvent builds an update event for the best record at iteration.
func UpdateEvent(iteration int, best CandidateRecord) Event {
	return Event{
		Type:          EventUpdate,
		Iteration:     iteration,
		Cost:          best.Objective,
		Penalty:       best.Penalty,
		Point:         append([]float64(nil), best.Design...),
		Reliabilities: append([]float64(nil), best.Reliabilities...),
	}
}

type logWire struct {
	Type EventType `json:"type"`
	Msg  string    `json:"msg"`
}

type updateWire struct {
	Type          EventType `json:"type"`
	Iteration     int       `json:"iteration"`
	Cost          float64   `json:"cost"`
	Penalty       float64   `json:"penalty"`
	Point         []float64 `json:"point"`
	Reliabilities []float64 `json:"reliabilities"`
}

// MarshalJSON writes only the fields that belong to the event type.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Type == EventUpdate {
		w := updateWire{
			Type:          e.Type,
			Iteration:     e.Iteration,
			Cost:          e.Cost,
			Penalty:       e.Penalty,
			Point:         e.Point,
			Reliabilities: e.Reliabilities,
		}
		if w.Point == nil {
			w.Point = []float64{}
		}
		if w.Reliabilities == nil {
			w.Reliabilities = []float64{}
		}
		return json.Marshal(w)
	}
	return json.Marshal(logWire{Type: EventLog, Msg: e.Msg})
}

// UnmarshalJSON reads either wire form.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w struct {
		updateWire
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event{
		Type:          w.Type,
		Msg:           w.Msg,
		Iteration:     w.Iteration,
		Cost:          w.Cost,
		Penalty:       w.Penalty,
		Point:         w.Point,
		Reliabilities: w.Reliabilities,
	}
	return nil
}
