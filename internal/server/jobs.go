package server

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/copyleftdev/rbdo/internal/errors"
	"github.com/copyleftdev/rbdo/internal/metrics"
	"github.com/copyleftdev/rbdo/internal/rbdo"
	"github.com/copyleftdev/rbdo/internal/runner"
)

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.NotFound("optimization not found")

// OptimizationState tracks one background run. Fields are guarded by the
// owning jobManager's mutex.
type OptimizationState struct {
	ID            string
	Scenario      string
	Status        string
	StartTime     time.Time
	EndTime       *time.Time
	LastUpdated   time.Time
	MaxIterations int
	Iteration     int
	Best          *rbdo.Event
	Events        []rbdo.Event
	Reason        rbdo.TerminationReason
	Error         string
	CancelFunc    context.CancelFunc
}

// JobStatus is the wire form of an OptimizationState.
type JobStatus struct {
	ID         string       `json:"optimization_id"`
	Scenario   string       `json:"scenario"`
	Status     string       `json:"status"`
	Progress   float64      `json:"progress"`
	Iteration  int          `json:"iteration"`
	StartTime  string       `json:"start_time"`
	LastUpdate string       `json:"last_update"`
	EndTime    string       `json:"end_time,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Error      string       `json:"error,omitempty"`
	Best       *rbdo.Event  `json:"best,omitempty"`
	Events     []rbdo.Event `json:"events"`
}

func terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// jobLimits bound how long finished jobs stay queryable.
type jobLimits struct {
	Workers     int
	TTL         time.Duration
	MaxFinished int
}

type jobManager struct {
	mu      sync.Mutex
	jobs    map[string]*OptimizationState
	slots   chan struct{}
	limits  jobLimits
	now     func() time.Time
	wg      sync.WaitGroup
	metrics *metrics.Collector
	logger  Logger
}

func newJobManager(limits jobLimits, m *metrics.Collector, logger Logger) *jobManager {
	if limits.Workers < 1 {
		limits.Workers = 1
	}
	return &jobManager{
		jobs:    make(map[string]*OptimizationState),
		slots:   make(chan struct{}, limits.Workers),
		limits:  limits,
		now:     time.Now,
		metrics: m,
		logger:  logger,
	}
}

// evict drops finished jobs past the TTL, then the oldest finished jobs
// beyond MaxFinished. Must be called with mu held.
func (m *jobManager) evict() {
	now := m.now()
	var finished []*OptimizationState
	for id, state := range m.jobs {
		if !terminal(state.Status) || state.EndTime == nil {
			continue
		}
		if m.limits.TTL > 0 && now.Sub(*state.EndTime) > m.limits.TTL {
			delete(m.jobs, id)
			continue
		}
		finished = append(finished, state)
	}
	if m.limits.MaxFinished <= 0 || len(finished) <= m.limits.MaxFinished {
		return
	}
	slices.SortFunc(finished, func(a, b *OptimizationState) int {
		return a.EndTime.Compare(*b.EndTime)
	})
	for _, state := range finished[:len(finished)-m.limits.MaxFinished] {
		delete(m.jobs, state.ID)
	}
}

// start registers run and executes it once a worker slot is free.
func (m *jobManager) start(run *runner.Run, maxStream time.Duration) JobStatus {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if maxStream > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), maxStream)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	now := m.now()
	state := &OptimizationState{
		ID:            uuid.NewString(),
		Scenario:      run.Scenario,
		Status:        StatusPending,
		StartTime:     now,
		LastUpdated:   now,
		MaxIterations: *run.Config.MaxIterations,
		CancelFunc:    cancel,
	}

	m.mu.Lock()
	m.evict()
	m.jobs[state.ID] = state
	status := state.view()
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx, state, run)
	return status
}

func (m *jobManager) run(ctx context.Context, state *OptimizationState, run *runner.Run) {
	defer m.wg.Done()
	defer state.CancelFunc()

	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		m.finish(state, rbdo.ReasonCancelled, "")
		return
	}
	defer func() { <-m.slots }()
	if m.metrics != nil {
		m.metrics.JobsInProgress.Inc()
		defer m.metrics.JobsInProgress.Dec()
	}

	m.mu.Lock()
	if state.Status == StatusPending {
		state.Status = StatusRunning
	}
	m.mu.Unlock()
	m.logger.Info("Optimization started", map[string]interface{}{
		"optimization_id": state.ID,
		"scenario":        state.Scenario,
	})

	var lastErr string
	for ev := range run.Orchestrator.Run(ctx) {
		m.mu.Lock()
		state.Events = append(state.Events, ev)
		state.LastUpdated = m.now()
		if ev.Type == rbdo.EventUpdate {
			best := ev
			state.Best = &best
			state.Iteration = ev.Iteration
		} else if msg, ok := strings.CutPrefix(ev.Msg, runtimeErrorPrefix); ok {
			lastErr = msg
		}
		m.mu.Unlock()
	}
	m.finish(state, run.Orchestrator.State().Reason, lastErr)
}

const runtimeErrorPrefix = "Runtime Error: "

func (m *jobManager) finish(state *OptimizationState, reason rbdo.TerminationReason, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	state.LastUpdated = now
	state.Reason = reason
	if state.EndTime == nil {
		state.EndTime = &now
	}
	if terminal(state.Status) {
		return
	}
	switch reason {
	case rbdo.ReasonFailed:
		state.Status = StatusFailed
		state.Error = errMsg
	case rbdo.ReasonCancelled:
		state.Status = StatusCancelled
	default:
		state.Status = StatusCompleted
	}
	m.logger.Info("Optimization finished", map[string]interface{}{
		"optimization_id": state.ID,
		"status":          state.Status,
		"reason":          string(reason),
	})
}

func (m *jobManager) status(id string) (JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict()
	state, ok := m.jobs[id]
	if !ok {
		return JobStatus{}, ErrJobNotFound
	}
	return state.view(), nil
}

// cancel marks the job cancelled at once; the run itself stops at its
// next iteration boundary.
func (m *jobManager) cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if terminal(state.Status) {
		return errors.Conflictf("cannot cancel optimization with status: %s", state.Status)
	}
	state.CancelFunc()
	now := m.now()
	state.Status = StatusCancelled
	state.EndTime = &now
	state.LastUpdated = now
	m.logger.Info("Optimization cancelled", map[string]interface{}{
		"optimization_id": id,
	})
	return nil
}

// close cancels every job and waits for their goroutines.
func (m *jobManager) close() {
	m.mu.Lock()
	for _, state := range m.jobs {
		state.CancelFunc()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// view must be called with the manager's mutex held.
func (s *OptimizationState) view() JobStatus {
	v := JobStatus{
		ID:         s.ID,
		Scenario:   s.Scenario,
		Status:     s.Status,
		Iteration:  s.Iteration,
		StartTime:  s.StartTime.Format(time.RFC3339),
		LastUpdate: s.LastUpdated.Format(time.RFC3339),
		Reason:     string(s.Reason),
		Error:      s.Error,
		Events:     append([]rbdo.Event{}, s.Events...),
	}
	if s.EndTime != nil {
		v.EndTime = s.EndTime.Format(time.RFC3339)
	}
	if s.Best != nil {
		best := *s.Best
		v.Best = &best
	}
	switch {
	case s.Status == StatusCompleted:
		v.Progress = 1
	case s.MaxIterations > 0:
		v.Progress = min(1, float64(s.Iteration)/float64(s.MaxIterations))
	}
	return v
}
