package enrich

import (
	"context"
	"fmt"
	"os"

	"corpusflow/internal/ratelimit"

	log "github.com/sirupsen/logrus"
	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/option"
)

// CustomSearchProvider gathers web context with the Programmable Search API.
type CustomSearchProvider struct {
	service  *customsearch.Service
	engineID string
}

var _ WebSearcher = (*CustomSearchProvider)(nil)

func NewCustomSearchProvider(ctx context.Context, apiKey, engineID string) (*CustomSearchProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("WEBSEARCH_API_KEY")
	}
	if apiKey == "" || engineID == "" {
		log.Warn("Web search API key or engine id not provided. Web search will be disabled.")
		return nil, nil
	}
	svc, err := customsearch.NewService(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create custom search client: %w", err)
	}
	return &CustomSearchProvider{service: svc, engineID: engineID}, nil
}

func (p *CustomSearchProvider) Name() string { return "websearch" }

func (p *CustomSearchProvider) Family() ratelimit.Family { return ratelimit.FamilyWebSearch }

func (p *CustomSearchProvider) Search(ctx context.Context, query string, limit int) ([]WebSnippet, error) {
	if limit <= 0 || limit > 10 {
		limit = 3
	}
	resp, err := p.service.Cse.List().Cx(p.engineID).Q(query).Num(int64(limit)).Context(ctx).Do()
	if err != nil {
		return nil, newProviderError(p.Name(), Classify(err), err)
	}
	out := make([]WebSnippet, 0, len(resp.Items))
	for _, item := range resp.Items {
		snippet := item.Snippet
		if item.HtmlSnippet != "" {
			snippet = StripHTML(item.HtmlSnippet)
		}
		out = append(out, WebSnippet{Title: StripHTML(item.HtmlTitle), Link: item.Link, Snippet: snippet})
	}
	if len(out) == 0 {
		return nil, newProviderError(p.Name(), ErrNotFound, fmt.Errorf("no web results for %q", query))
	}
	return out, nil
}
