package enrich

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"google.golang.org/api/googleapi"
)

// Failure classes a provider call can end in.
var (
	ErrQuotaExceeded     = errors.New("provider quota exceeded")
	ErrNotFound          = errors.New("provider found no match")
	ErrTransient         = errors.New("transient provider failure")
	ErrUnauthorized      = errors.New("provider rejected the API key")
	ErrProviderExhausted = errors.New("provider exhausted")
	ErrNotConfigured     = errors.New("provider not configured")
)

// ProviderError ties a failure class to the provider and the underlying cause.
type ProviderError struct {
	Provider string
	Kind     error
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Kind)
}

func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newProviderError(provider string, kind, cause error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Err: cause}
}

// Classify maps a raw client error onto a failure class.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrQuotaExceeded, ErrNotFound, ErrTransient, ErrUnauthorized, ErrProviderExhausted, ErrNotConfigured} {
		if errors.Is(err, kind) {
			return kind
		}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Type == "insufficient_quota" || codeString(apiErr.Code) == "insufficient_quota" {
			return ErrQuotaExceeded
		}
		return classifyStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode)
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		for _, item := range gErr.Errors {
			switch item.Reason {
			case "quotaExceeded", "dailyLimitExceeded", "rateLimitExceeded":
				return ErrQuotaExceeded
			case "keyInvalid":
				return ErrUnauthorized
			}
		}
		return classifyStatus(gErr.Code)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "api key not valid"), strings.Contains(msg, "permission_denied"), strings.Contains(msg, "unauthenticated"):
		return ErrUnauthorized
	case strings.Contains(msg, "resource_exhausted"), strings.Contains(msg, "quota"):
		return ErrQuotaExceeded
	}
	return ErrTransient
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUnauthorized
	case code == http.StatusTooManyRequests:
		return ErrQuotaExceeded
	case code == http.StatusNotFound:
		return ErrNotFound
	default:
		return ErrTransient
	}
}

func codeString(code any) string {
	if s, ok := code.(string); ok {
		return s
	}
	return ""
}

// exhausts reports whether a failure class takes the provider out for the rest of a chunk.
func exhausts(kind error) bool {
	return errors.Is(kind, ErrQuotaExceeded) || errors.Is(kind, ErrProviderExhausted)
}
