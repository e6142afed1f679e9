package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"corpusflow/internal/models"
	"corpusflow/internal/store"

	"github.com/google/uuid"
)

func (s *Store) RecordUsage(ctx context.Context, log *models.AIUsageLog) error {
	if log.Timestamp.IsZero() {
		log.Timestamp = s.settings.Clock()
	}
	var jobID sql.NullString
	if log.RelatedJobID != nil {
		jobID = sql.NullString{String: log.RelatedJobID.String(), Valid: true}
	}
	var itemID sql.NullInt64
	if log.RelatedItem != nil {
		itemID = sql.NullInt64{Int64: *log.RelatedItem, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_usage_logs (timestamp, provider_name, service_type, model_name,
			input_tokens, output_tokens, cost, related_job_id, related_item_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		toNanos(log.Timestamp), log.ProviderName, log.ServiceType, log.ModelName,
		log.InputTokens, log.OutputTokens, log.Cost, jobID, itemID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ai_usage_log: %w", err)
	}
	log.ID, err = res.LastInsertId()
	return err
}

func (s *Store) ListUsage(ctx context.Context, jobID *uuid.UUID, limit, offset int) ([]*models.AIUsageLog, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, timestamp, provider_name, service_type, model_name,
		input_tokens, output_tokens, cost, related_job_id, related_item_id FROM ai_usage_logs`
	var args []any
	if jobID != nil {
		query += ` WHERE related_job_id = ?`
		args = append(args, jobID.String())
	}
	query += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ai_usage_logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.AIUsageLog
	for rows.Next() {
		var (
			l       models.AIUsageLog
			ts      int64
			related sql.NullString
			item    sql.NullInt64
		)
		if err := rows.Scan(&l.ID, &ts, &l.ProviderName, &l.ServiceType, &l.ModelName,
			&l.InputTokens, &l.OutputTokens, &l.Cost, &related, &item); err != nil {
			return logs, fmt.Errorf("failed to scan ai_usage_log: %w", err)
		}
		l.Timestamp = fromNanos(ts)
		if related.Valid {
			id, err := uuid.Parse(related.String)
			if err != nil {
				return logs, fmt.Errorf("failed to parse related job id %q: %w", related.String, err)
			}
			l.RelatedJobID = &id
		}
		if item.Valid {
			v := item.Int64
			l.RelatedItem = &v
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

func (s *Store) GetUsageSummary(ctx context.Context, jobID *uuid.UUID) (models.UsageSummary, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(cost),0)
		FROM ai_usage_logs`
	var args []any
	if jobID != nil {
		query += ` WHERE related_job_id = ?`
		args = append(args, jobID.String())
	}
	var sum models.UsageSummary
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens, &sum.Cost); err != nil {
		return sum, fmt.Errorf("failed to summarize ai_usage_logs: %w", err)
	}
	return sum, nil
}

var _ store.CostTrackingStore = (*Store)(nil)
