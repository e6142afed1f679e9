package clix

import (
	"testing"

	"corpusflow/internal/models"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scopeFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddScopeFlags(flags)
	require.NoError(t, flags.Parse(args))
	return flags
}

func TestParseScope(t *testing.T) {
	scope, err := ParseScope(scopeFlags(t, "--artist", "Café Tacvba"))
	require.NoError(t, err)
	assert.Equal(t, models.Scope{Kind: models.ScopeArtist, Target: "Café Tacvba"}, scope)

	scope, err = ParseScope(scopeFlags(t, "--items", "3, 1,2"))
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1, 2}, scope.ItemIDs)

	scope, err = ParseScope(scopeFlags(t, "--all"))
	require.NoError(t, err)
	assert.Equal(t, models.ScopeAll, scope.Kind)

	_, err = ParseScope(scopeFlags(t))
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = ParseScope(scopeFlags(t, "--artist", "a", "--corpus", "b"))
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = ParseScope(scopeFlags(t, "--items", "1,x"))
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestParsePagination(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("limit", 0, "")
	flags.Int("offset", 0, "")
	require.NoError(t, flags.Parse([]string{"--offset", "-3"}))

	p, err := ParsePagination(flags)
	require.NoError(t, err)
	assert.Equal(t, PaginationParams{Limit: 20, Offset: 0}, p)
}
