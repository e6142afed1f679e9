package enrich

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"corpusflow/internal/models"
	"corpusflow/internal/ratelimit"
	"corpusflow/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Price is the per-token cost of a model.
type Price struct {
	InputPerToken  float64
	OutputPerToken float64
}

// Pricing is keyed by provider name, then model name.
type Pricing map[string]map[string]Price

// Services bundles the configured providers and the guards every call goes through.
type Services struct {
	AI        []Completer
	Video     VideoSearcher
	Web       WebSearcher
	Limits    *ratelimit.Registry
	Breakers  *Breakers
	Retry     RetryStrategy
	Timeout   time.Duration
	Usage     store.CostTrackingStore
	Pricing   Pricing
	Prompts   Prompts
	Segmenter *Segmenter
}

// Configured lists the names of every configured provider.
func (s *Services) Configured() []string {
	var names []string
	for _, p := range s.AI {
		names = append(names, p.Name())
	}
	if s.Video != nil {
		names = append(names, s.Video.Name())
	}
	if s.Web != nil {
		names = append(names, s.Web.Name())
	}
	return names
}

// Session scopes provider bookkeeping to one chunk: a provider that runs out of
// quota is skipped for the rest of the chunk.
type Session struct {
	svc    *Services
	jobID  uuid.UUID
	flavor models.Flavor

	mu        sync.Mutex
	called    map[string]bool
	exhausted map[string]bool
	rejected  map[string]bool
	// failed holds providers that failed for any reason other than a rejected key.
	failed    map[string]bool
	succeeded map[string]bool
}

func (s *Services) NewSession(jobID uuid.UUID, flavor models.Flavor) *Session {
	return &Session{
		svc:       s,
		jobID:     jobID,
		flavor:    flavor,
		called:    make(map[string]bool),
		exhausted: make(map[string]bool),
		rejected:  make(map[string]bool),
		failed:    make(map[string]bool),
		succeeded: make(map[string]bool),
	}
}

// Exhausted lists providers taken out during this session, sorted.
func (s *Session) Exhausted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.exhausted)
}

// AllRejected reports whether every provider called in this session rejected
// its key and nothing else. A success, a transient failure or a not-found from
// any provider means the credentials are not the whole story.
func (s *Session) AllRejected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rejected) == 0 || len(s.succeeded) > 0 || len(s.failed) > 0 {
		return false
	}
	for name := range s.called {
		if !s.rejected[name] {
			return false
		}
	}
	return true
}

func (s *Session) isExhausted(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted[name]
}

func (s *Session) isRejected(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected[name]
}

func (s *Session) mark(name string, kind error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called[name] = true
	switch {
	case kind == nil:
		s.succeeded[name] = true
	case errors.Is(kind, ErrUnauthorized):
		s.rejected[name] = true
	default:
		s.failed[name] = true
		if exhausts(kind) {
			s.exhausted[name] = true
		}
	}
}

// call runs fn against p behind the family limiter, a per-call timeout and the
// provider's breaker, retrying transient failures.
func (s *Session) call(ctx context.Context, p Provider, fn func(ctx context.Context) error) error {
	name := p.Name()
	if s.isExhausted(name) {
		return newProviderError(name, ErrProviderExhausted, nil)
	}
	// A rejected key stays rejected for the chunk; do not count it against the breaker again.
	if s.isRejected(name) {
		return newProviderError(name, ErrUnauthorized, nil)
	}
	for attempt := 0; ; attempt++ {
		err := s.svc.Limits.Do(ctx, p.Family(), func(ctx context.Context) error {
			if s.svc.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, s.svc.Timeout)
				defer cancel()
			}
			return s.svc.Breakers.Execute(name, func() error { return fn(ctx) })
		})
		if err == nil {
			s.mark(name, nil)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		kind := Classify(err)
		if errors.Is(err, context.DeadlineExceeded) {
			kind = ErrTransient
		}
		s.mark(name, kind)
		if !errors.Is(kind, ErrTransient) || s.svc.Retry == nil {
			return asProviderError(name, kind, err)
		}
		backoff := s.svc.Retry.NextBackoff(attempt)
		if backoff < 0 {
			return asProviderError(name, kind, err)
		}
		log.WithFields(log.Fields{"provider": name, "job_id": s.jobID, "attempt": attempt + 1}).
			Debugf("Transient provider failure, retrying in %dms: %v", backoff, err)
		select {
		case <-time.After(time.Duration(backoff) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func asProviderError(name string, kind, err error) error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return newProviderError(name, kind, err)
}

// Complete asks the AI providers in order, falling back on any failure.
func (s *Session) Complete(ctx context.Context, prompt string, itemID int64) (*Completion, string, error) {
	if len(s.svc.AI) == 0 {
		return nil, "", newProviderError("ai", ErrNotConfigured, nil)
	}
	var errs []error
	for _, p := range s.svc.AI {
		var out *Completion
		err := s.call(ctx, p, func(ctx context.Context) error {
			var err error
			out, err = p.Complete(ctx, s.svc.Prompts.System, prompt)
			return err
		})
		if err == nil {
			s.recordUsage(ctx, p.Name(), out, itemID)
			return out, p.Name(), nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		log.WithFields(log.Fields{"provider": p.Name(), "job_id": s.jobID, "item_id": itemID}).WithError(err).Debug("AI provider failed, trying next")
		errs = append(errs, err)
	}
	return nil, "", newProviderError("ai", aggregateKind(errs), errors.Join(errs...))
}

func (s *Session) FindVideo(ctx context.Context, query string) (*VideoMatch, error) {
	if s.svc.Video == nil {
		return nil, newProviderError("video_search", ErrNotConfigured, nil)
	}
	var out *VideoMatch
	err := s.call(ctx, s.svc.Video, func(ctx context.Context) error {
		var err error
		out, err = s.svc.Video.FindVideo(ctx, query)
		return err
	})
	return out, err
}

func (s *Session) SearchWeb(ctx context.Context, query string, limit int) ([]WebSnippet, error) {
	if s.svc.Web == nil {
		return nil, newProviderError("web_search", ErrNotConfigured, nil)
	}
	var out []WebSnippet
	err := s.call(ctx, s.svc.Web, func(ctx context.Context) error {
		var err error
		out, err = s.svc.Web.Search(ctx, query, limit)
		return err
	})
	return out, err
}

func (s *Session) recordUsage(ctx context.Context, provider string, c *Completion, itemID int64) {
	if s.svc.Usage == nil || c == nil {
		return
	}
	var cost float64
	if price, ok := s.svc.Pricing[provider][c.Model]; ok {
		cost = float64(c.InputTokens)*price.InputPerToken + float64(c.OutputTokens)*price.OutputPerToken
	} else {
		log.Debugf("Pricing info not found for %s model '%s'. Recording usage without cost.", provider, c.Model)
	}
	jobID := s.jobID
	entry := &models.AIUsageLog{
		ProviderName: provider,
		ServiceType:  string(s.flavor),
		ModelName:    c.Model,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
		Cost:         cost,
		RelatedJobID: &jobID,
		RelatedItem:  &itemID,
	}
	if err := s.svc.Usage.RecordUsage(ctx, entry); err != nil {
		log.WithError(err).WithField("job_id", s.jobID).Error("Failed to record AI usage log")
	}
}

// aggregateKind picks the class that describes a whole fallback chain failing.
func aggregateKind(errs []error) error {
	if len(errs) == 0 {
		return ErrTransient
	}
	all := func(kind error) bool {
		for _, err := range errs {
			if !errors.Is(err, kind) {
				return false
			}
		}
		return true
	}
	exhausted := true
	for _, err := range errs {
		if !errors.Is(err, ErrProviderExhausted) && !errors.Is(err, ErrQuotaExceeded) {
			exhausted = false
		}
	}
	switch {
	case all(ErrUnauthorized):
		return ErrUnauthorized
	case exhausted:
		return ErrProviderExhausted
	case all(ErrNotFound):
		return ErrNotFound
	default:
		return ErrTransient
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
