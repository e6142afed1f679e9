package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"corpusflow/internal/models"
	"corpusflow/internal/store"

	"github.com/google/uuid"
)

func (s *Store) CreateItems(ctx context.Context, items []*models.Item) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.settings.Clock()
	for _, item := range items {
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO corpus_items (kind, corpus, artist, title, body, metadata, created_at, corpus_key, artist_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(item.Kind), item.Corpus, item.Artist, item.Title, item.Body, nullJSON(item.Metadata), toNanos(item.CreatedAt),
			matchKey(item.Corpus), matchKey(item.Artist),
		)
		if err != nil {
			return fmt.Errorf("failed to insert item %q: %w", item.Title, err)
		}
		if item.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read id of item %q: %w", item.Title, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit items: %w", err)
	}
	return nil
}

func (s *Store) CountItems(ctx context.Context, kind models.ItemKind, scope models.Scope) (int, error) {
	where, args := scopeWhere(kind, scope)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM corpus_items WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count items for %s: %w", scope.Key(), err)
	}
	return n, nil
}

func (s *Store) ListItems(ctx context.Context, kind models.ItemKind, scope models.Scope, offset, limit int) ([]*models.Item, error) {
	where, args := scopeWhere(kind, scope)
	query := `SELECT id, kind, corpus, artist, title, body, metadata, created_at FROM corpus_items
		WHERE ` + where + ` ORDER BY id ASC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items for %s: %w", scope.Key(), err)
	}
	defer rows.Close()

	var items []*models.Item
	for rows.Next() {
		var (
			item     models.Item
			itemKind string
			metadata sql.NullString
			created  int64
		)
		if err := rows.Scan(&item.ID, &itemKind, &item.Corpus, &item.Artist, &item.Title, &item.Body, &metadata, &created); err != nil {
			return items, fmt.Errorf("failed to scan item: %w", err)
		}
		item.Kind = models.ItemKind(itemKind)
		item.Metadata = rawJSON(metadata)
		item.CreatedAt = fromNanos(created)
		items = append(items, &item)
	}
	return items, rows.Err()
}

func (s *Store) SaveItemResult(ctx context.Context, result *models.ItemResult) error {
	if result.CreatedAt.IsZero() {
		result.CreatedAt = s.settings.Clock()
	}
	providers, err := json.Marshal(result.Providers)
	if err != nil {
		return fmt.Errorf("failed to encode providers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO item_results (job_id, item_id, flavor, succeeded, providers, payload, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, item_id) DO UPDATE SET
			succeeded = excluded.succeeded, providers = excluded.providers,
			payload = excluded.payload, error = excluded.error, created_at = excluded.created_at`,
		result.JobID.String(), result.ItemID, string(result.Flavor), result.Succeeded, string(providers),
		nullJSON(result.Payload), nullString(result.Error), toNanos(result.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save result of item %d for job %s: %w", result.ItemID, result.JobID, err)
	}
	return nil
}

func (s *Store) ListItemResults(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]*models.ItemResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, flavor, succeeded, providers, payload, error, created_at
		FROM item_results WHERE job_id = ? ORDER BY item_id ASC LIMIT ? OFFSET ?`,
		jobID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list results for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var results []*models.ItemResult
	for rows.Next() {
		var (
			r                 models.ItemResult
			flavor            string
			providers, errMsg sql.NullString
			payload           sql.NullString
			created           int64
		)
		if err := rows.Scan(&r.ItemID, &flavor, &r.Succeeded, &providers, &payload, &errMsg, &created); err != nil {
			return results, fmt.Errorf("failed to scan item result: %w", err)
		}
		r.JobID = jobID
		r.Flavor = models.Flavor(flavor)
		if providers.Valid && providers.String != "" {
			if err := json.Unmarshal([]byte(providers.String), &r.Providers); err != nil {
				return results, fmt.Errorf("failed to decode providers of item %d: %w", r.ItemID, err)
			}
		}
		r.Payload = rawJSON(payload)
		r.Error = stringPtr(errMsg)
		r.CreatedAt = fromNanos(created)
		results = append(results, &r)
	}
	return results, rows.Err()
}

// matchKey folds case in Go; SQLite's lower() only handles ASCII.
func matchKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func scopeWhere(kind models.ItemKind, scope models.Scope) (string, []any) {
	clauses := []string{"kind = ?"}
	args := []any{string(kind)}
	target := matchKey(scope.Target)
	switch scope.Kind {
	case models.ScopeArtist:
		clauses = append(clauses, "artist_key = ?")
		args = append(args, target)
	case models.ScopeCorpus:
		clauses = append(clauses, "corpus_key = ?")
		args = append(args, target)
	case models.ScopeItems:
		clauses = append(clauses, "id IN ("+placeholders(len(scope.ItemIDs))+")")
		for _, id := range scope.ItemIDs {
			args = append(args, id)
		}
	}
	return strings.Join(clauses, " AND "), args
}

var _ store.ItemStore = (*Store)(nil)
