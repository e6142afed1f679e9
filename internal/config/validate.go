package config

import (
	"errors"
	"fmt"

	"corpusflow/internal/models"
	"corpusflow/internal/ratelimit"
)

var knownFamilies = map[ratelimit.Family]bool{
	ratelimit.FamilyAI:          true,
	ratelimit.FamilyVideoSearch: true,
	ratelimit.FamilyWebSearch:   true,
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Primary.DSN == "" {
			return errors.New("database.primary.dsn is required when database.driver is postgres")
		}
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return errors.New("database.sqlite.path is required when database.driver is sqlite")
		}
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}

	switch c.Dispatch.Mode {
	case "inline":
	case "asynq":
		if c.Redis.Address == "" {
			return errors.New("redis.address is required when dispatch.mode is asynq")
		}
		if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == ":memory:" {
			return errors.New("dispatch.mode asynq needs a database shared with the worker, not sqlite :memory:")
		}
	default:
		return fmt.Errorf("dispatch.mode must be inline or asynq, got %q", c.Dispatch.Mode)
	}
	if c.Realtime.Enabled && c.Redis.Address == "" {
		return errors.New("redis.address is required when realtime is enabled")
	}

	if err := c.Worker.Validate(); err != nil {
		return err
	}
	for name, priority := range c.Worker.Queues {
		if name == "" {
			return errors.New("worker.queues contains an empty queue name")
		}
		if priority <= 0 {
			return fmt.Errorf("worker.queues priority for queue '%s' must be positive", name)
		}
	}

	if c.Jobs.DefaultChunkSize <= 0 || c.Jobs.MaxChunkSize < c.Jobs.DefaultChunkSize {
		return fmt.Errorf("jobs.default_chunk_size (%d) must be positive and at most jobs.max_chunk_size (%d)", c.Jobs.DefaultChunkSize, c.Jobs.MaxChunkSize)
	}
	if c.Executor.HeartbeatInterval <= 0 {
		return errors.New("executor.heartbeat_interval must be positive")
	}
	if c.Executor.HeartbeatInterval >= c.Liveness.AbandonedTimeout {
		return fmt.Errorf("executor.heartbeat_interval (%s) must be shorter than liveness.abandoned_timeout (%s)", c.Executor.HeartbeatInterval, c.Liveness.AbandonedTimeout)
	}
	if err := c.Liveness.Validate(); err != nil {
		return err
	}
	if c.AutoResume.Enabled {
		if err := c.AutoResume.Validate(); err != nil {
			return err
		}
	}

	for name, l := range c.RateLimits {
		if !knownFamilies[ratelimit.Family(name)] {
			return fmt.Errorf("ratelimits: unknown family %q", name)
		}
		if err := l.Validate(); err != nil {
			return fmt.Errorf("ratelimits.%s: %w", name, err)
		}
	}
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		return fmt.Errorf("breaker.failure_ratio must be in (0, 1], got %v", c.Breaker.FailureRatio)
	}

	for _, name := range c.Providers.AIOrder {
		if name != "openai" && name != "gemini" {
			return fmt.Errorf("providers.ai_order: unknown provider %q", name)
		}
	}
	if c.Providers.OpenAI.APIKey != "" && c.Providers.OpenAI.Model == "" {
		return errors.New("providers.openai.model is required when an OpenAI key is set")
	}
	if c.Providers.Gemini.APIKey != "" && c.Providers.Gemini.Model == "" {
		return errors.New("providers.gemini.model is required when a Gemini key is set")
	}
	if c.Providers.WebSearch.APIKey != "" && c.Providers.WebSearch.EngineID == "" {
		return errors.New("providers.websearch.engine_id is required when a web search key is set")
	}
	if c.Providers.MaxRetries < 0 {
		return errors.New("providers.max_retries must not be negative")
	}

	for flavor := range c.Prompts.Templates {
		if !models.Flavor(flavor).Valid() {
			return fmt.Errorf("prompts.templates: unknown flavor %q", flavor)
		}
	}

	for provider, models := range c.Pricing {
		if provider == "" {
			return errors.New("pricing contains an empty provider name")
		}
		for model, price := range models {
			if model == "" {
				return fmt.Errorf("pricing for provider '%s' contains an empty model name", provider)
			}
			if price.InputPerToken < 0 || price.OutputPerToken < 0 {
				return fmt.Errorf("pricing for provider '%s', model '%s' has negative token cost", provider, model)
			}
		}
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
