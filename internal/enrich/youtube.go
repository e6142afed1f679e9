package enrich

import (
	"context"
	"fmt"
	"os"

	"corpusflow/internal/ratelimit"

	log "github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// YouTubeProvider finds a song's video with the YouTube Data API.
type YouTubeProvider struct {
	service *youtube.Service
}

var _ VideoSearcher = (*YouTubeProvider)(nil)

func NewYouTubeProvider(ctx context.Context, apiKey string) (*YouTubeProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("YOUTUBE_API_KEY")
	}
	if apiKey == "" {
		log.Warn("YouTube API key not provided. Video search will be disabled.")
		return nil, nil
	}
	svc, err := youtube.NewService(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create YouTube client: %w", err)
	}
	return &YouTubeProvider{service: svc}, nil
}

func (p *YouTubeProvider) Name() string { return "youtube" }

func (p *YouTubeProvider) Family() ratelimit.Family { return ratelimit.FamilyVideoSearch }

func (p *YouTubeProvider) FindVideo(ctx context.Context, query string) (*VideoMatch, error) {
	resp, err := p.service.Search.List([]string{"id", "snippet"}).
		Q(query).
		Type("video").
		MaxResults(1).
		Context(ctx).
		Do()
	if err != nil {
		return nil, newProviderError(p.Name(), Classify(err), err)
	}
	for _, item := range resp.Items {
		if item.Id == nil || item.Id.VideoId == "" {
			continue
		}
		match := &VideoMatch{VideoID: item.Id.VideoId}
		if item.Snippet != nil {
			match.Title = item.Snippet.Title
			match.Channel = item.Snippet.ChannelTitle
		}
		return match, nil
	}
	return nil, newProviderError(p.Name(), ErrNotFound, fmt.Errorf("no video for %q", query))
}
