package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/copyleftdev/rbdo/internal/llm"
	"github.com/copyleftdev/rbdo/internal/logging"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port        int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		// WriteTimeout of 0 leaves NDJSON streams open; OPT_MAX_STREAM caps
		// them instead.
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"0s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
		RequestTimeout  time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"60s"`
	}
	Logging logging.Config `envPrefix:"LOG_"`
	LLM     struct {
		OpenAIKey          string        `env:"OPENAI_API_KEY"`
		OpenAIBaseURL      string        `env:"OPENAI_BASE_URL"`
		SiliconFlowKey     string        `env:"SILICONFLOW_API_KEY"`
		SiliconFlowBaseURL string        `env:"SILICONFLOW_BASE_URL"`
		DeepSeekKey        string        `env:"DEEPSEEK_API_KEY"`
		DeepSeekBaseURL    string        `env:"DEEPSEEK_BASE_URL"`
		Timeout            time.Duration `env:"LLM_TIMEOUT" envDefault:"120s"`
		// RateLimit is in requests per second; 0 disables limiting.
		RateLimit float64 `env:"LLM_RATE_LIMIT" envDefault:"0"`
		RateBurst int     `env:"LLM_RATE_BURST" envDefault:"1"`
	}
	Optimization struct {
		WorkerCount int           `env:"OPT_WORKER_COUNT" envDefault:"10"`
		TemplateDir string        `env:"OPT_TEMPLATE_DIR"`
		MaxStream   time.Duration `env:"OPT_MAX_STREAM" envDefault:"30m"`
		Parallelism int           `env:"OPT_PARALLELISM" envDefault:"1"`
		// Finished jobs are dropped after JobTTL, and beyond MaxFinishedJobs
		// the oldest go first. 0 disables either limit.
		JobTTL          time.Duration `env:"OPT_JOB_TTL" envDefault:"1h"`
		MaxFinishedJobs int           `env:"OPT_MAX_FINISHED_JOBS" envDefault:"1000"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	// Parse environment variables
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Development defaults to verbose logs unless LOG_LEVEL was set.
	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values env cannot express as tags.
func (c *Config) Validate() error {
	switch {
	case c.HTTP.Port < 0 || c.HTTP.Port > 65535:
		return fmt.Errorf("HTTP_PORT %d out of range", c.HTTP.Port)
	case c.Optimization.WorkerCount < 1:
		return fmt.Errorf("OPT_WORKER_COUNT must be at least 1, got %d", c.Optimization.WorkerCount)
	case c.Optimization.JobTTL < 0:
		return fmt.Errorf("OPT_JOB_TTL must not be negative, got %v", c.Optimization.JobTTL)
	case c.Optimization.MaxFinishedJobs < 0:
		return fmt.Errorf("OPT_MAX_FINISHED_JOBS must not be negative, got %d", c.Optimization.MaxFinishedJobs)
	case c.LLM.RateLimit < 0:
		return fmt.Errorf("LLM_RATE_LIMIT must not be negative, got %v", c.LLM.RateLimit)
	case c.LLM.RateLimit > 0 && c.LLM.RateBurst < 1:
		return fmt.Errorf("LLM_RATE_BURST must be at least 1 when limiting, got %d", c.LLM.RateBurst)
	}
	return nil
}

// LLMDefaults returns the per-provider credentials used when a run
// request does not carry its own.
func (c *Config) LLMDefaults() map[llm.Provider]llm.Credentials {
	return map[llm.Provider]llm.Credentials{
		llm.ProviderOpenAI:      {APIKey: c.LLM.OpenAIKey, BaseURL: c.LLM.OpenAIBaseURL},
		llm.ProviderSiliconFlow: {APIKey: c.LLM.SiliconFlowKey, BaseURL: c.LLM.SiliconFlowBaseURL},
		llm.ProviderDeepSeek:    {APIKey: c.LLM.DeepSeekKey, BaseURL: c.LLM.DeepSeekBaseURL},
	}
}
