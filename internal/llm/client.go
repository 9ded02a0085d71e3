// Package llm provides the chat-completion capability used to propose design
// points.
package llm

import (
	"context"
	"errors"
)

// Request is a single chat completion with one system and one user message.
type Request struct {
	System      string
	User        string
	Temperature float64
	TopP        float64
	MaxTokens   int
	Model       string
}

// Completer returns the text of one completion.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc lifts a function to a Completer.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

// Complete implements Completer.
func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// ErrNoChoices is returned when the provider answers without any choice.
var ErrNoChoices = errors.New("llm: response has no choices")

// ErrKeyRequired is returned when a custom base URL comes without its own
// API key.
var ErrKeyRequired = errors.New("llm: api_key is required for a custom base_url")
