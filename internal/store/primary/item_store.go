package primary

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"corpusflow/internal/models"
	"corpusflow/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// --- Item Store Implementation ---

func (s *StoreImpl) CreateItems(ctx context.Context, items []*models.Item) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := s.settings.Clock()
	query := `
		INSERT INTO corpus_items (kind, corpus, artist, title, body, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`
	for _, item := range items {
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		if err := tx.QueryRow(ctx, query,
			item.Kind, item.Corpus, item.Artist, item.Title, item.Body, nullableJSON(item.Metadata), item.CreatedAt,
		).Scan(&item.ID); err != nil {
			return fmt.Errorf("failed to insert item %q: %w", item.Title, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit items: %w", err)
	}
	return nil
}

func (s *StoreImpl) CountItems(ctx context.Context, kind models.ItemKind, scope models.Scope) (int, error) {
	where, args := scopeWhere(kind, scope)
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM corpus_items WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count items for %s: %w", scope.Key(), err)
	}
	return n, nil
}

func (s *StoreImpl) ListItems(ctx context.Context, kind models.ItemKind, scope models.Scope, offset, limit int) ([]*models.Item, error) {
	where, args := scopeWhere(kind, scope)
	n := len(args)
	query := `SELECT id, kind, corpus, artist, title, body, metadata, created_at FROM corpus_items
		WHERE ` + where + ` ORDER BY id ASC OFFSET $` + strconv.Itoa(n+1) + ` LIMIT $` + strconv.Itoa(n+2)
	rows, err := s.db.Query(ctx, query, append(args, offset, limit)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items for %s: %w", scope.Key(), err)
	}
	defer rows.Close()

	return pgx.CollectRows[*models.Item](rows, func(row pgx.CollectableRow) (*models.Item, error) {
		var (
			item     models.Item
			metadata []byte
		)
		if err := row.Scan(&item.ID, &item.Kind, &item.Corpus, &item.Artist, &item.Title, &item.Body, &metadata, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		if len(metadata) > 0 {
			item.Metadata = metadata
		}
		return &item, nil
	})
}

// SaveItemResult upserts so a re-run chunk overwrites its earlier result.
func (s *StoreImpl) SaveItemResult(ctx context.Context, result *models.ItemResult) error {
	if result.CreatedAt.IsZero() {
		result.CreatedAt = s.settings.Clock()
	}
	query := `
		INSERT INTO item_results (job_id, item_id, flavor, succeeded, providers, payload, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id, item_id) DO UPDATE SET
			succeeded = EXCLUDED.succeeded, providers = EXCLUDED.providers,
			payload = EXCLUDED.payload, error = EXCLUDED.error, created_at = EXCLUDED.created_at`
	_, err := s.db.Exec(ctx, query,
		result.JobID, result.ItemID, result.Flavor, result.Succeeded, result.Providers,
		nullableJSON(result.Payload), result.Error, result.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save result of item %d for job %s: %w", result.ItemID, result.JobID, err)
	}
	return nil
}

func (s *StoreImpl) ListItemResults(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]*models.ItemResult, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT job_id, item_id, flavor, succeeded, providers, payload, error, created_at
		FROM item_results WHERE job_id = $1 ORDER BY item_id ASC LIMIT $2 OFFSET $3`
	rows, err := s.db.Query(ctx, query, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list results for job %s: %w", jobID, err)
	}
	defer rows.Close()

	return pgx.CollectRows[*models.ItemResult](rows, func(row pgx.CollectableRow) (*models.ItemResult, error) {
		var (
			r       models.ItemResult
			payload []byte
		)
		if err := row.Scan(&r.JobID, &r.ItemID, &r.Flavor, &r.Succeeded, &r.Providers, &payload, &r.Error, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan item result: %w", err)
		}
		if len(payload) > 0 {
			r.Payload = payload
		}
		return &r, nil
	})
}

// scopeWhere builds the predicate selecting the items a scope covers.
func scopeWhere(kind models.ItemKind, scope models.Scope) (string, []any) {
	clauses := []string{"kind = $1"}
	args := []any{string(kind)}
	target := strings.ToLower(strings.TrimSpace(scope.Target))
	switch scope.Kind {
	case models.ScopeArtist:
		args = append(args, target)
		clauses = append(clauses, "lower(artist) = $"+strconv.Itoa(len(args)))
	case models.ScopeCorpus:
		args = append(args, target)
		clauses = append(clauses, "lower(corpus) = $"+strconv.Itoa(len(args)))
	case models.ScopeItems:
		args = append(args, scope.ItemIDs)
		clauses = append(clauses, "id = ANY($"+strconv.Itoa(len(args))+")")
	}
	return strings.Join(clauses, " AND "), args
}

var _ store.ItemStore = (*StoreImpl)(nil)
