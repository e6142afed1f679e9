package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"corpusflow/internal/autoresume"
	"corpusflow/internal/enrich"
	"corpusflow/internal/executor"
	"corpusflow/internal/jobs"
	"corpusflow/internal/liveness"
	"corpusflow/internal/ratelimit"
	"corpusflow/internal/worker"

	"github.com/spf13/viper"
)

// PricingInfo holds cost details per token for a specific model.
type PricingInfo struct {
	InputPerToken  float64 `mapstructure:"input_per_token"`
	OutputPerToken float64 `mapstructure:"output_per_token"`
}

type Config struct {
	Database struct {
		// Driver is "postgres" or "sqlite".
		Driver  string `mapstructure:"driver"`
		Primary struct {
			DSN string `mapstructure:"dsn"`
		} `mapstructure:"primary"`
		SQLite struct {
			Path string `mapstructure:"path"`
		} `mapstructure:"sqlite"`
	} `mapstructure:"database"`

	Redis struct {
		Address  string `mapstructure:"address"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	// Realtime fans job snapshots out over redis when enabled; in-process
	// watchers always get them.
	Realtime struct {
		Enabled      bool          `mapstructure:"enabled"`
		Prefix       string        `mapstructure:"prefix"`
		PollInterval time.Duration `mapstructure:"poll_interval"`
		Debounce     time.Duration `mapstructure:"debounce"`
	} `mapstructure:"realtime"`

	// Dispatch is "asynq" (chunks run in the worker process) or "inline".
	Dispatch struct {
		Mode      string        `mapstructure:"mode"`
		Queue     string        `mapstructure:"queue"`
		Retention time.Duration `mapstructure:"retention"`
	} `mapstructure:"dispatch"`

	Worker     worker.Config     `mapstructure:"worker"`
	Jobs       jobs.Config       `mapstructure:"jobs"`
	Executor   executor.Config   `mapstructure:"executor"`
	Liveness   liveness.Policy   `mapstructure:"liveness"`
	AutoResume autoresume.Policy `mapstructure:"autoresume"`

	RateLimits map[string]ratelimit.Limits `mapstructure:"ratelimits"`
	Breaker    enrich.BreakerSettings      `mapstructure:"breaker"`

	Providers struct {
		// AIOrder is the fallback order of AI providers.
		AIOrder    []string      `mapstructure:"ai_order"`
		Timeout    time.Duration `mapstructure:"timeout"`
		MaxRetries int           `mapstructure:"max_retries"`
		RetryDelay time.Duration `mapstructure:"retry_delay"`
		OpenAI     struct {
			APIKey  string `mapstructure:"api_key"`
			Model   string `mapstructure:"model"`
			BaseURL string `mapstructure:"base_url"`
		} `mapstructure:"openai"`
		Gemini struct {
			APIKey string `mapstructure:"api_key"`
			Model  string `mapstructure:"model"`
		} `mapstructure:"gemini"`
		YouTube struct {
			APIKey string `mapstructure:"api_key"`
		} `mapstructure:"youtube"`
		WebSearch struct {
			APIKey   string `mapstructure:"api_key"`
			EngineID string `mapstructure:"engine_id"`
		} `mapstructure:"websearch"`
	} `mapstructure:"providers"`

	// Prompts override the built-in templates. Values are inline text or a
	// path to a prompt file.
	Prompts struct {
		System    string            `mapstructure:"system"`
		Templates map[string]string `mapstructure:"templates"`
	} `mapstructure:"prompts"`

	Server struct {
		Address string `mapstructure:"address"`
		Port    string `mapstructure:"port"`
		// AutoResume runs the auto-resume supervisor inside the API server.
		AutoResume bool `mapstructure:"auto_resume"`
	} `mapstructure:"server"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	// Pricing: map[provider][model] = struct{input_per_token, output_per_token}
	Pricing map[string]map[string]PricingInfo `mapstructure:"pricing"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", "corpusflow.db")

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("realtime.prefix", "corpusflow:jobs:")
	v.SetDefault("realtime.poll_interval", 5*time.Second)
	v.SetDefault("realtime.debounce", 250*time.Millisecond)

	v.SetDefault("dispatch.mode", "inline")
	v.SetDefault("dispatch.retention", time.Hour)

	w := worker.DefaultConfig()
	v.SetDefault("worker.concurrency", w.Concurrency)
	v.SetDefault("worker.queues", w.Queues)
	v.SetDefault("worker.sweep_interval", w.SweepInterval)
	v.SetDefault("worker.shutdown_timeout", w.ShutdownTimeout)

	j := jobs.DefaultConfig()
	v.SetDefault("jobs.default_chunk_size", j.DefaultChunkSize)
	v.SetDefault("jobs.max_chunk_size", j.MaxChunkSize)
	v.SetDefault("jobs.auto_continue", j.AutoContinue)

	e := executor.DefaultConfig()
	v.SetDefault("executor.heartbeat_interval", e.HeartbeatInterval)
	v.SetDefault("executor.sample_limit", e.SampleLimit)

	l := liveness.DefaultPolicy()
	v.SetDefault("liveness.abandoned_timeout", l.AbandonedTimeout)
	v.SetDefault("liveness.stuck_timeout", l.StuckTimeout)

	a := autoresume.DefaultPolicy()
	v.SetDefault("autoresume.enabled", a.Enabled)
	v.SetDefault("autoresume.delay", a.Delay)
	v.SetDefault("autoresume.max_retries", a.MaxRetries)
	v.SetDefault("autoresume.check_interval", a.CheckInterval)

	v.SetDefault("ratelimits", map[string]any{
		string(ratelimit.FamilyAI):          map[string]any{"max_concurrent": 4, "min_interval": 200 * time.Millisecond},
		string(ratelimit.FamilyVideoSearch): map[string]any{"max_concurrent": 2, "min_interval": 500 * time.Millisecond},
		string(ratelimit.FamilyWebSearch):   map[string]any{"max_concurrent": 2, "min_interval": time.Second},
	})

	b := enrich.DefaultBreakerSettings()
	v.SetDefault("breaker.max_requests", b.MaxRequests)
	v.SetDefault("breaker.interval", b.Interval)
	v.SetDefault("breaker.timeout", b.Timeout)
	v.SetDefault("breaker.min_requests", b.MinRequests)
	v.SetDefault("breaker.failure_ratio", b.FailureRatio)

	v.SetDefault("providers.ai_order", []string{"openai", "gemini"})
	v.SetDefault("providers.timeout", 60*time.Second)
	v.SetDefault("providers.max_retries", 2)
	v.SetDefault("providers.retry_delay", 500*time.Millisecond)
	v.SetDefault("providers.openai.model", "gpt-4o-mini")
	v.SetDefault("providers.gemini.model", "gemini-1.5-flash")

	v.SetDefault("server.address", "localhost")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.auto_resume", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadConfig reads config.yaml from the working directory, with environment
// overrides.
func LoadConfig() (*Config, error) {
	return Load(viper.New(), ".")
}

// Load reads config from the first config.yaml found in paths into v.
func Load(v *viper.Viper, paths ...string) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	SetDefaults(v)

	v.SetEnvPrefix("CORPUSFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// API keys are read from their conventional names as well.
	bindings := map[string]string{
		"providers.openai.api_key":      "OPENAI_API_KEY",
		"providers.gemini.api_key":      "GEMINI_API_KEY",
		"providers.youtube.api_key":     "YOUTUBE_API_KEY",
		"providers.websearch.api_key":   "WEBSEARCH_API_KEY",
		"providers.websearch.engine_id": "WEBSEARCH_ENGINE_ID",
		"database.primary.dsn":          "DATABASE_URL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, "CORPUSFLOW_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// EnrichPricing converts the pricing table for the provider layer.
func (c *Config) EnrichPricing() enrich.Pricing {
	out := make(enrich.Pricing, len(c.Pricing))
	for provider, models := range c.Pricing {
		out[provider] = make(map[string]enrich.Price, len(models))
		for model, p := range models {
			out[provider][model] = enrich.Price{InputPerToken: p.InputPerToken, OutputPerToken: p.OutputPerToken}
		}
	}
	return out
}

// RateLimitFamilies keys the rate limits by family.
func (c *Config) RateLimitFamilies() map[ratelimit.Family]ratelimit.Limits {
	out := make(map[ratelimit.Family]ratelimit.Limits, len(c.RateLimits))
	for name, l := range c.RateLimits {
		out[ratelimit.Family(name)] = l
	}
	return out
}
