package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func fakeChatServer(t *testing.T, content string, seen *openai.ChatCompletionRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		resp := openai.ChatCompletionResponse{
			ID:     "chatcmpl-1",
			Object: "chat.completion",
			Choices: []openai.ChatCompletionChoice{{
				Index:        0,
				Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
				FinishReason: openai.FinishReasonStop,
			}},
			Usage: openai.Usage{TotalTokens: 12},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIClientComplete(t *testing.T) {
	var seen openai.ChatCompletionRequest
	srv := fakeChatServer(t, "  [{\"x1\": 3}]\n", &seen)

	c, err := NewClient(ClientConfig{Provider: "OpenAI", APIKey: "sk-test", BaseURL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, c.Provider())

	text, err := c.Complete(context.Background(), Request{
		System:      "sys",
		User:        "usr",
		Temperature: 0.2,
		TopP:        0.9,
		MaxTokens:   512,
		Model:       "gpt-4o-mini",
	})
	require.NoError(t, err)
	assert.Equal(t, `[{"x1": 3}]`, text)

	assert.Equal(t, "gpt-4o-mini", seen.Model)
	require.Len(t, seen.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, seen.Messages[0].Role)
	assert.Equal(t, "sys", seen.Messages[0].Content)
	assert.Equal(t, "usr", seen.Messages[1].Content)
	assert.InDelta(t, 0.2, seen.Temperature, 1e-6)
	assert.InDelta(t, 0.9, seen.TopP, 1e-6)
	assert.Equal(t, 512, seen.MaxTokens)
}

func TestOpenAIClientDefaults(t *testing.T) {
	srv := fakeChatServer(t, "ok", nil)

	c, err := NewClient(ClientConfig{
		Provider: "deepseek",
		Defaults: map[Provider]Credentials{
			ProviderDeepSeek: {APIKey: "sk-test", BaseURL: srv.URL},
		},
	})
	require.NoError(t, err)
	text, err := c.Complete(context.Background(), Request{User: "hi", Model: "deepseek-chat"})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}

func TestOpenAIClientKeepsStoredKeyOnItsEndpoint(t *testing.T) {
	var hits atomic.Int32
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Empty(t, r.Header.Get("Authorization"))
	}))
	defer other.Close()
	defaults := map[Provider]Credentials{ProviderDeepSeek: {APIKey: "sk-stored"}}

	_, err := NewClient(ClientConfig{Provider: "deepseek", BaseURL: other.URL, Defaults: defaults})
	assert.ErrorIs(t, err, ErrKeyRequired)

	_, err = NewClient(ClientConfig{Provider: "openai", BaseURL: other.URL, Defaults: map[Provider]Credentials{
		ProviderOpenAI: {APIKey: "sk-stored"},
	}})
	assert.ErrorIs(t, err, ErrKeyRequired)
	assert.Zero(t, hits.Load())

	// The preset URL, with or without a trailing slash, may use the stored key.
	c, err := NewClient(ClientConfig{Provider: "deepseek", BaseURL: DeepSeekBaseURL + "/", Defaults: defaults})
	require.NoError(t, err)
	assert.Equal(t, ProviderDeepSeek, c.Provider())

	srv := fakeChatServer(t, "ok", nil)
	c, err = NewClient(ClientConfig{
		Provider: "deepseek",
		BaseURL:  srv.URL,
		Defaults: map[Provider]Credentials{ProviderDeepSeek: {APIKey: "sk-test", BaseURL: srv.URL}},
	})
	require.NoError(t, err)
	text, err := c.Complete(context.Background(), Request{User: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)

	c, err = NewClient(ClientConfig{Provider: "deepseek", APIKey: "sk-test", BaseURL: srv.URL, Defaults: defaults})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), Request{User: "hi"})
	require.NoError(t, err)
}

func TestOpenAIClientErrors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
		}))
		defer srv.Close()

		c, err := NewClient(ClientConfig{Provider: "siliconflow", APIKey: "k", BaseURL: srv.URL})
		require.NoError(t, err)
		_, err = c.Complete(context.Background(), Request{User: "hi"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "siliconflow chat completion")
	})

	t.Run("no choices", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[]}`))
		}))
		defer srv.Close()

		c, err := NewClient(ClientConfig{Provider: "openai", APIKey: "k", BaseURL: srv.URL})
		require.NoError(t, err)
		_, err = c.Complete(context.Background(), Request{User: "hi"})
		assert.ErrorIs(t, err, ErrNoChoices)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := NewClient(ClientConfig{Provider: "anthropic-ish"})
		assert.Error(t, err)
	})
}

func TestParseProvider(t *testing.T) {
	tests := map[string]Provider{
		"openai":        ProviderOpenAI,
		" SiliconFlow ": ProviderSiliconFlow,
		"DEEPSEEK":      ProviderDeepSeek,
	}
	for in, want := range tests {
		got, err := ParseProvider(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseProvider("")
	assert.Error(t, err)
}

func TestRateLimited(t *testing.T) {
	var calls atomic.Int32
	next := CompleterFunc(func(context.Context, Request) (string, error) {
		calls.Add(1)
		return "ok", nil
	})

	c := NewRateLimited(next, rate.NewLimiter(rate.Every(time.Hour), 1))
	text, err := c.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Complete(ctx, Request{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	unlimited := NewRateLimited(next, nil)
	_, err = unlimited.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCompleterFuncPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := CompleterFunc(func(context.Context, Request) (string, error) { return "", boom }).Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, boom)
}
