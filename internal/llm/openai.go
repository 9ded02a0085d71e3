package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Provider names an OpenAI-compatible endpoint family.
type Provider string

const (
	ProviderOpenAI      Provider = "openai"
	ProviderSiliconFlow Provider = "siliconflow"
	ProviderDeepSeek    Provider = "deepseek"
)

// Default base URLs; OpenAI uses the library default.
const (
	SiliconFlowBaseURL = "https://api.siliconflow.cn/v1"
	DeepSeekBaseURL    = "https://api.deepseek.com"
)

// ParseProvider is case-insensitive.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderOpenAI, ProviderSiliconFlow, ProviderDeepSeek:
		return p, nil
	}
	return "", fmt.Errorf("unsupported provider %q", s)
}

// Credentials holds the fallback key and base URL for one provider,
// usually read from the environment.
type Credentials struct {
	APIKey  string
	BaseURL string
}

// ClientConfig selects and authenticates a provider. Empty BaseURL falls
// back to Defaults, then to the provider preset. Empty APIKey falls back to
// Defaults only when the resolved URL is that same endpoint.
type ClientConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
	Defaults map[Provider]Credentials
	Logger   *zap.Logger
}

// OpenAIClient talks to any OpenAI-compatible chat completion endpoint.
type OpenAIClient struct {
	client   *openai.Client
	provider Provider
	timeout  time.Duration
	logger   *zap.Logger
}

// NewClient resolves credentials for the configured provider and builds a
// client.
func NewClient(cfg ClientConfig) (*OpenAIClient, error) {
	p, err := ParseProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}
	def := cfg.Defaults[p]
	trusted := def.BaseURL
	if trusted == "" {
		trusted = presetBaseURL(p)
	}
	url := trusted
	if cfg.BaseURL != "" {
		url = cfg.BaseURL
	}
	key := cfg.APIKey
	if key == "" {
		// Stored keys only travel to the provider's own endpoint.
		if !sameURL(url, trusted) {
			return nil, fmt.Errorf("%w: base_url %s differs from the %s endpoint", ErrKeyRequired, url, p)
		}
		key = def.APIKey
	}

	oc := openai.DefaultConfig(key)
	oc.BaseURL = url
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("llm").With(zap.String("provider", string(p)))
	logger.Debug("Initializing LLM client", zap.String("base_url", oc.BaseURL))

	return &OpenAIClient{
		client:   openai.NewClientWithConfig(oc),
		provider: p,
		timeout:  cfg.Timeout,
		logger:   logger,
	}, nil
}

func presetBaseURL(p Provider) string {
	switch p {
	case ProviderSiliconFlow:
		return SiliconFlowBaseURL
	case ProviderDeepSeek:
		return DeepSeekBaseURL
	}
	return openai.DefaultConfig("").BaseURL
}

func sameURL(a, b string) bool {
	return strings.EqualFold(strings.TrimRight(a, "/"), strings.TrimRight(b, "/"))
}

// Provider returns the resolved provider.
func (c *OpenAIClient) Provider() Provider { return c.provider }

// Complete implements Completer.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	creq := openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		Temperature: float32(req.Temperature),
		TopP:        float32(req.TopP),
		MaxTokens:   req.MaxTokens,
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		c.logger.Warn("chat completion failed", zap.String("model", req.Model), zap.Error(err))
		return "", fmt.Errorf("%s chat completion: %w", c.provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	c.logger.Debug("chat completion",
		zap.String("model", req.Model),
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
		zap.Duration("latency", time.Since(start)),
	)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
