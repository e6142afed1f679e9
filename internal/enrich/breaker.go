package enrich

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

type BreakerSettings struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: 30 * time.Second, MinRequests: 5, FailureRatio: 0.6}
}

// Breakers keeps one circuit breaker per provider. An open breaker reads as
// provider exhaustion.
type Breakers struct {
	settings BreakerSettings
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakers(settings BreakerSettings) *Breakers {
	return &Breakers{settings: settings, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (b *Breakers) get(provider string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[provider]; ok {
		return cb
	}
	s := b.settings
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
		},
		// A missing match says nothing about the provider's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(log.Fields{"provider": name, "from": from.String(), "to": to.String()}).Warn("Provider circuit breaker changed state")
		},
	})
	b.breakers[provider] = cb
	return cb
}

// Execute runs fn through the provider's breaker.
func (b *Breakers) Execute(provider string, fn func() error) error {
	if b == nil {
		return fn()
	}
	_, err := b.get(provider).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return newProviderError(provider, ErrProviderExhausted, err)
	}
	return err
}

// State reports the breaker state of provider for diagnostics.
func (b *Breakers) State(provider string) string {
	return b.get(provider).State().String()
}
