// Package enrich talks to the external AI, video search and web search APIs a
// job's units depend on, and turns one corpus item into one unit result.
package enrich

import (
	"context"

	"corpusflow/internal/ratelimit"
)

// Provider is the common part of every external API client.
type Provider interface {
	Name() string
	Family() ratelimit.Family
}

// Completion is one AI response.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Completer is an AI provider.
type Completer interface {
	Provider
	Complete(ctx context.Context, system, prompt string) (*Completion, error)
}

// VideoMatch is the best video for a search.
type VideoMatch struct {
	VideoID string `json:"video_id"`
	Title   string `json:"title"`
	Channel string `json:"channel"`
}

type VideoSearcher interface {
	Provider
	FindVideo(ctx context.Context, query string) (*VideoMatch, error)
}

// WebSnippet is a cleaned web search hit.
type WebSnippet struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

type WebSearcher interface {
	Provider
	Search(ctx context.Context, query string, limit int) ([]WebSnippet, error)
}

// RetryStrategy decides the backoff before retrying a transient failure.
// A negative value stops retrying.
type RetryStrategy interface {
	NextBackoff(attempt int) int64 // ms
}

// SimpleRetryStrategy provides basic exponential backoff.
type SimpleRetryStrategy struct {
	MaxAttempts int
	BaseDelayMs int64
}

func (s *SimpleRetryStrategy) NextBackoff(attempt int) int64 {
	if s.MaxAttempts <= 0 || attempt >= s.MaxAttempts {
		return -1
	}
	backoff := s.BaseDelayMs * (1 << attempt)
	if maxDelay := int64(30000); backoff > maxDelay {
		backoff = maxDelay
	}
	return backoff
}
