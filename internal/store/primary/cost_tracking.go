package primary

import (
	"context"
	"fmt"

	"corpusflow/internal/models"
	"corpusflow/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RecordUsage inserts a new AI usage log entry.
func (s *StoreImpl) RecordUsage(ctx context.Context, log *models.AIUsageLog) error {
	query := `
		INSERT INTO ai_usage_logs (
			timestamp, provider_name, service_type, model_name,
			input_tokens, output_tokens, cost,
			related_job_id, related_item_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	if log.Timestamp.IsZero() {
		log.Timestamp = s.settings.Clock()
	}
	err := s.db.QueryRow(ctx, query,
		log.Timestamp,
		log.ProviderName,
		log.ServiceType,
		log.ModelName,
		log.InputTokens,
		log.OutputTokens,
		log.Cost,
		log.RelatedJobID,
		log.RelatedItem,
	).Scan(&log.ID)
	if err != nil {
		return fmt.Errorf("failed to insert ai_usage_log: %w", err)
	}
	return nil
}

// ListUsage returns AI usage logs, newest first, optionally for one job.
func (s *StoreImpl) ListUsage(ctx context.Context, jobID *uuid.UUID, limit, offset int) ([]*models.AIUsageLog, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, timestamp, provider_name, service_type, model_name,
		       input_tokens, output_tokens, cost, related_job_id, related_item_id
		FROM ai_usage_logs
		WHERE ($1::uuid IS NULL OR related_job_id = $1)
		ORDER BY timestamp DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := s.db.Query(ctx, query, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query ai_usage_logs: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows[*models.AIUsageLog](rows, func(row pgx.CollectableRow) (*models.AIUsageLog, error) {
		var log models.AIUsageLog
		err := row.Scan(
			&log.ID,
			&log.Timestamp,
			&log.ProviderName,
			&log.ServiceType,
			&log.ModelName,
			&log.InputTokens,
			&log.OutputTokens,
			&log.Cost,
			&log.RelatedJobID,
			&log.RelatedItem,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ai_usage_log: %w", err)
		}
		return &log, nil
	})
}

// GetUsageSummary totals calls, tokens and cost, optionally for one job.
func (s *StoreImpl) GetUsageSummary(ctx context.Context, jobID *uuid.UUID) (models.UsageSummary, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(input_tokens),0),
			COALESCE(SUM(output_tokens),0),
			COALESCE(SUM(cost),0)
		FROM ai_usage_logs
		WHERE ($1::uuid IS NULL OR related_job_id = $1)
	`
	var sum models.UsageSummary
	err := s.db.QueryRow(ctx, query, jobID).Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens, &sum.Cost)
	if err != nil {
		return sum, fmt.Errorf("failed to summarize ai_usage_logs: %w", err)
	}
	return sum, nil
}

var _ store.CostTrackingStore = (*StoreImpl)(nil)
