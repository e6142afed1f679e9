package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"corpusflow/internal/autoresume"
	"corpusflow/internal/config"
	"corpusflow/internal/enrich"
	"corpusflow/internal/executor"
	"corpusflow/internal/jobs"
	"corpusflow/internal/ratelimit"
	"corpusflow/internal/realtime"
	"corpusflow/internal/store"
	"corpusflow/internal/store/primary"
	"corpusflow/internal/store/sqlite"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type App struct {
	Config *config.Config

	Store     store.Store
	JobStore  store.JobStore
	ItemStore store.ItemStore
	CostStore store.CostTrackingStore

	// Hub delivers snapshots inside this process; Bus, when configured,
	// carries them across processes. Events is whichever watchers should use.
	Hub    *realtime.Hub
	Bus    *realtime.RedisBus
	Events realtime.Source

	Services  *enrich.Services
	Executor  *executor.Executor
	Jobs      *jobs.Service
	JobClient store.JobClient

	closers []func() error
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{Config: cfg}

	if err := app.initRealtime(ctx); err != nil {
		return nil, err
	}
	if err := app.initStore(ctx); err != nil {
		app.cleanupPartialInit()
		return nil, err
	}
	if err := app.initServices(ctx); err != nil {
		app.cleanupPartialInit()
		return nil, err
	}
	if err := app.initJobs(); err != nil {
		app.cleanupPartialInit()
		return nil, err
	}

	log.WithFields(log.Fields{
		"driver":    cfg.Database.Driver,
		"dispatch":  cfg.Dispatch.Mode,
		"providers": app.Services.Configured(),
	}).Debug("Application initialization complete")
	return app, nil
}

// --- Private Helper Methods ---

func (a *App) redisOptions() *redis.Options {
	return &redis.Options{Addr: a.Config.Redis.Address, Password: a.Config.Redis.Password, DB: a.Config.Redis.DB}
}

// AsynqRedisOpt is the connection the worker, scheduler and job client share.
func (a *App) AsynqRedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: a.Config.Redis.Address, Password: a.Config.Redis.Password, DB: a.Config.Redis.DB}
}

func (a *App) initRealtime(ctx context.Context) error {
	a.Hub = realtime.NewHub()
	a.Events = a.Hub
	if !a.Config.Realtime.Enabled {
		return nil
	}
	bus, err := realtime.NewRedisBus(ctx, a.redisOptions(), a.Config.Realtime.Prefix)
	if err != nil {
		return fmt.Errorf("init realtime bus: %w", err)
	}
	a.Bus = bus
	a.Events = bus
	a.closers = append(a.closers, bus.Close)
	return nil
}

func (a *App) notifier() store.Notifier {
	if a.Bus != nil {
		return realtime.MultiNotifier{a.Hub, a.Bus}
	}
	return a.Hub
}

func (a *App) initStore(ctx context.Context) error {
	cfg := a.Config
	var (
		st  store.Store
		err error
	)
	switch cfg.Database.Driver {
	case "postgres":
		var ps *primary.StoreImpl
		ps, err = primary.NewPrimaryStore(ctx, cfg.Database.Primary.DSN, store.WithNotifier(a.notifier()))
		if err == nil {
			if err = ps.Migrate(ctx); err != nil {
				ps.Close()
			}
		}
		st = ps
	case "sqlite":
		st, err = sqlite.Open(ctx, cfg.Database.SQLite.Path, store.WithNotifier(a.notifier()))
	default:
		err = fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if err != nil {
		return fmt.Errorf("init %s store: %w", cfg.Database.Driver, err)
	}
	a.Store = st
	a.JobStore = st
	a.ItemStore = st
	a.CostStore = st
	a.closers = append(a.closers, st.Close)
	return nil
}

func (a *App) initServices(ctx context.Context) error {
	cfg := a.Config
	limits, err := ratelimit.NewRegistry(cfg.RateLimitFamilies())
	if err != nil {
		return fmt.Errorf("init rate limits: %w", err)
	}
	prompts, err := cfg.LoadPrompts()
	if err != nil {
		log.WithError(err).Warn("Failed to load prompt overrides, using built-in prompts")
		prompts = enrich.DefaultPrompts()
	}
	segmenter, err := enrich.NewSegmenter()
	if err != nil {
		return fmt.Errorf("init lyric segmenter: %w", err)
	}

	svc := &enrich.Services{
		Limits:    limits,
		Breakers:  enrich.NewBreakers(cfg.Breaker),
		Retry:     &enrich.SimpleRetryStrategy{MaxAttempts: cfg.Providers.MaxRetries, BaseDelayMs: cfg.Providers.RetryDelay.Milliseconds()},
		Timeout:   cfg.Providers.Timeout,
		Usage:     a.CostStore,
		Pricing:   cfg.EnrichPricing(),
		Prompts:   prompts,
		Segmenter: segmenter,
	}

	for _, name := range cfg.Providers.AIOrder {
		switch name {
		case "openai":
			if cfg.Providers.OpenAI.APIKey == "" {
				continue
			}
			p, err := enrich.NewOpenAIProvider(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.Model, cfg.Providers.OpenAI.BaseURL)
			if err != nil {
				log.WithError(err).Warn("Failed to initialize OpenAI provider")
				continue
			}
			svc.AI = append(svc.AI, p)
		case "gemini":
			if cfg.Providers.Gemini.APIKey == "" {
				continue
			}
			p, err := enrich.NewGeminiProvider(ctx, cfg.Providers.Gemini.APIKey, cfg.Providers.Gemini.Model)
			if err != nil {
				log.WithError(err).Warn("Failed to initialize Gemini provider")
				continue
			}
			svc.AI = append(svc.AI, p)
			a.closers = append(a.closers, p.Close)
		}
	}
	if len(svc.AI) == 0 {
		log.Warn("No AI providers configured. Chunks will fail until a key is set.")
	}

	if key := cfg.Providers.YouTube.APIKey; key != "" {
		p, err := enrich.NewYouTubeProvider(ctx, key)
		if err != nil {
			log.WithError(err).Warn("Failed to initialize YouTube provider")
		} else {
			svc.Video = p
		}
	}
	if key := cfg.Providers.WebSearch.APIKey; key != "" {
		p, err := enrich.NewCustomSearchProvider(ctx, key, cfg.Providers.WebSearch.EngineID)
		if err != nil {
			log.WithError(err).Warn("Failed to initialize web search provider")
		} else {
			svc.Web = p
		}
	}
	a.Services = svc
	return nil
}

func (a *App) initJobs() error {
	cfg := a.Config
	a.Executor = executor.New(a.Store, a.Services, cfg.Executor)
	a.Jobs = jobs.NewService(a.Store, a.Executor, nil, cfg.Liveness, cfg.Jobs, nil)

	switch cfg.Dispatch.Mode {
	case "asynq":
		jc, err := store.NewAsynqJobClient(a.AsynqRedisOpt(), cfg.Dispatch.Queue, cfg.Dispatch.Retention)
		if err != nil {
			return fmt.Errorf("init job client: %w", err)
		}
		a.Jobs.SetClient(jc)
		a.JobClient = jc
	default:
		a.JobClient = jobs.NewInlineClient(a.Jobs)
	}
	a.closers = append(a.closers, a.JobClient.Close)
	return nil
}

// WatchOptions is the configured merge of push and poll for job watchers.
func (a *App) WatchOptions() realtime.WatchOptions {
	return realtime.WatchOptions{PollInterval: a.Config.Realtime.PollInterval, Debounce: a.Config.Realtime.Debounce}
}

// NewAutoResumeSupervisor supervises every active job with the configured policy.
func (a *App) NewAutoResumeSupervisor(opts ...autoresume.Option) *autoresume.Supervisor {
	opts = append([]autoresume.Option{autoresume.WithWatchOptions(a.WatchOptions())}, opts...)
	interval := a.Config.AutoResume.CheckInterval
	if interval < time.Second {
		interval = time.Minute
	}
	return autoresume.NewSupervisor(a.Jobs, a.JobStore, a.Events, a.Config.AutoResume, a.Config.Liveness, interval, opts...)
}

// Close releases everything in reverse order of creation. The job client goes
// first so inline chunks stop before the store closes.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) cleanupPartialInit() {
	if err := a.Close(); err != nil {
		log.WithError(err).Warn("Error during partial cleanup")
	}
}
