// Package ratelimit gates calls to external API families with a concurrency cap
// and a minimum spacing between requests. Waiters are served in arrival order.
package ratelimit

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Family names a group of external APIs that share one budget.
type Family string

const (
	FamilyAI          Family = "ai"
	FamilyVideoSearch Family = "video_search"
	FamilyWebSearch   Family = "web_search"
)

// Limits configures one Limiter. Zero MaxConcurrent means unbounded; zero
// MinInterval means no spacing.
type Limits struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MinInterval   time.Duration `mapstructure:"min_interval"`
}

func (l Limits) Validate() error {
	if l.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must not be negative, got %d", l.MaxConcurrent)
	}
	if l.MinInterval < 0 {
		return fmt.Errorf("min_interval must not be negative, got %s", l.MinInterval)
	}
	return nil
}

// Limiter is safe for concurrent use. It has no timeout of its own; callers
// bound waits with their context.
type Limiter struct {
	mu      sync.Mutex
	max     int
	active  int
	waiters *list.List // of chan struct{}
	spacing *rate.Limiter
}

func New(l Limits) *Limiter {
	limit := rate.Inf
	if l.MinInterval > 0 {
		limit = rate.Every(l.MinInterval)
	}
	return &Limiter{
		max:     l.MaxConcurrent,
		waiters: list.New(),
		spacing: rate.NewLimiter(limit, 1),
	}
}

// Acquire blocks until a slot is free and the spacing allows a request. The
// returned release must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if err := l.acquireSlot(ctx); err != nil {
		return nil, err
	}
	if err := l.spacing.Wait(ctx); err != nil {
		l.releaseSlot()
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(l.releaseSlot) }, nil
}

// Do runs fn while holding a slot.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

func (l *Limiter) acquireSlot(ctx context.Context) error {
	l.mu.Lock()
	if l.max <= 0 || (l.active < l.max && l.waiters.Len() == 0) {
		l.active++
		l.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	elem := l.waiters.PushBack(ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-ready:
			// Granted while cancelling: pass the slot on.
			l.mu.Unlock()
			l.releaseSlot()
		default:
			l.waiters.Remove(elem)
			l.mu.Unlock()
		}
		return ctx.Err()
	}
}

// releaseSlot hands the slot directly to the oldest waiter, if any.
func (l *Limiter) releaseSlot() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if front := l.waiters.Front(); front != nil {
		l.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	if l.active > 0 {
		l.active--
	}
}

// Active is the number of slots in use.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Waiting is the number of queued callers.
func (l *Limiter) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiters.Len()
}

// Registry holds one Limiter per family. Unknown families are unbounded.
type Registry struct {
	mu       sync.Mutex
	limiters map[Family]*Limiter
}

func NewRegistry(limits map[Family]Limits) (*Registry, error) {
	r := &Registry{limiters: make(map[Family]*Limiter, len(limits))}
	for family, l := range limits {
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("rate limit %q: %w", family, err)
		}
		r.limiters[family] = New(l)
	}
	return r, nil
}

func (r *Registry) Get(family Family) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[family]
	if !ok {
		l = New(Limits{})
		r.limiters[family] = l
	}
	return l
}

// Do runs fn under the family's limiter. A nil registry runs fn directly.
func (r *Registry) Do(ctx context.Context, family Family, fn func(ctx context.Context) error) error {
	if r == nil {
		return fn(ctx)
	}
	return r.Get(family).Do(ctx, fn)
}
