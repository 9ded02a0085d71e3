package rbdo

import "time"

// Observer receives measurements from a run. Evaluated may be called from
// several goroutines when the cloud is evaluated in parallel.
type Observer interface {
	RunStarted()
	Evaluated(d time.Duration)
	Iteration(improved bool)
	Fallback(source string, err error)
	RunFinished(reason TerminationReason)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) RunStarted()                   {}
func (NopObserver) Evaluated(time.Duration)       {}
func (NopObserver) Iteration(bool)                {}
func (NopObserver) Fallback(string, error)        {}
func (NopObserver) RunFinished(TerminationReason) {}
