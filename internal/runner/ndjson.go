package runner

import (
	"encoding/json"
	"io"
	"iter"
	"net/http"

	"github.com/copyleftdev/rbdo/internal/rbdo"
)

// WriteNDJSON writes one JSON object per event and line, flushing after
// each when w supports it. It stops at the first write error, which also
// stops the run.
func WriteNDJSON(w io.Writer, events iter.Seq[rbdo.Event]) (int, error) {
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	n := 0
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			return n, err
		}
		n++
		if flusher != nil {
			flusher.Flush()
		}
	}
	return n, nil
}

// Tee calls f on every event before passing it on.
func Tee(events iter.Seq[rbdo.Event], f func(rbdo.Event)) iter.Seq[rbdo.Event] {
	return func(yield func(rbdo.Event) bool) {
		for ev := range events {
			f(ev)
			if !yield(ev) {
				return
			}
		}
	}
}
