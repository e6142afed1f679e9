package clix

import (
	"fmt"
	"strconv"
	"strings"

	"corpusflow/internal/models"

	"github.com/spf13/pflag"
)

type PaginationParams struct {
	Limit  int
	Offset int
}

func ParsePagination(flags *pflag.FlagSet) (PaginationParams, error) {
	limit, _ := flags.GetInt("limit")
	offset, _ := flags.GetInt("offset")
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return PaginationParams{Limit: limit, Offset: offset}, nil
}

// AddScopeFlags registers the flags ParseScope reads.
func AddScopeFlags(flags *pflag.FlagSet) {
	flags.String("artist", "", "Process every item by this artist")
	flags.String("corpus", "", "Process every item in this corpus")
	flags.String("items", "", "Comma-separated item IDs to process")
	flags.Bool("all", false, "Process every item of the flavor's kind")
}

// ParseScope builds a scope from exactly one of --artist, --corpus, --items or --all.
func ParseScope(flags *pflag.FlagSet) (models.Scope, error) {
	artist, _ := flags.GetString("artist")
	corpus, _ := flags.GetString("corpus")
	all, _ := flags.GetBool("all")
	ids, err := ParseItemIDs(flags)
	if err != nil {
		return models.Scope{}, err
	}

	var scopes []models.Scope
	if strings.TrimSpace(artist) != "" {
		scopes = append(scopes, models.Scope{Kind: models.ScopeArtist, Target: artist})
	}
	if strings.TrimSpace(corpus) != "" {
		scopes = append(scopes, models.Scope{Kind: models.ScopeCorpus, Target: corpus})
	}
	if len(ids) > 0 {
		scopes = append(scopes, models.Scope{Kind: models.ScopeItems, ItemIDs: ids})
	}
	if all {
		scopes = append(scopes, models.Scope{Kind: models.ScopeAll})
	}
	if len(scopes) != 1 {
		return models.Scope{}, fmt.Errorf("%w: give exactly one of --artist, --corpus, --items or --all", models.ErrValidation)
	}
	return scopes[0], nil
}

func ParseItemIDs(flags *pflag.FlagSet) ([]int64, error) {
	raw, _ := flags.GetString("items")
	var ids []int64
	if raw != "" {
		for _, part := range strings.Split(raw, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			id, err := strconv.ParseInt(trimmed, 10, 64)
			if err != nil || id <= 0 {
				return nil, fmt.Errorf("%w: invalid item id %q", models.ErrValidation, trimmed)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}
