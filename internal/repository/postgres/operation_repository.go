// Package postgres provides PostgreSQL-backed implementations of repository interfaces.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/nadmax/calbulk/internal/operation"
	"github.com/nadmax/calbulk/internal/repository/models"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type OperationRepository struct {
	db *sqlx.DB
}

func NewOperationRepository(connectionString string) (*OperationRepository, error) {
	db, err := sqlx.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := Migrate(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &OperationRepository{db: db}, nil
}

// NewOperationRepositoryFromDB wraps an existing handle without migrating.
func NewOperationRepositoryFromDB(db *sqlx.DB) *OperationRepository {
	return &OperationRepository{db: db}
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate db: %w", err)
	}

	return nil
}

func (r *OperationRepository) SaveOperation(ctx context.Context, op *operation.Operation) error {
	query := `
		INSERT INTO operation_history (
			operation_id, type, status, priority, item_count,
			completed_items, failed_items, error_category, error_message,
			retry_of, created_at, started_at, completed_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (operation_id) DO UPDATE SET
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			completed_items = EXCLUDED.completed_items,
			failed_items = EXCLUDED.failed_items,
			error_category = EXCLUDED.error_category,
			error_message = EXCLUDED.error_message,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			duration_ms = EXCLUDED.duration_ms
	`

	var errCategory, errMessage any
	if op.Error != nil {
		errCategory = op.Error.Category
		errMessage = op.Error.Message
	}

	var retryOf any
	if op.Metadata.RetryOf != "" {
		retryOf = op.Metadata.RetryOf
	}

	var durationMs any
	if op.StartedAt != nil && op.EndedAt != nil {
		durationMs = int((op.EndedAt.Sub(*op.StartedAt) - op.PausedFor).Milliseconds())
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		op.ID,
		string(op.Type),
		string(op.Status),
		int(op.Priority),
		op.Metadata.ItemCount,
		op.Progress.Completed,
		op.Progress.Failed,
		errCategory,
		errMessage,
		retryOf,
		op.CreatedAt,
		op.StartedAt,
		op.EndedAt,
		durationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to save operation: %w", err)
	}

	return nil
}

func (r *OperationRepository) RecordChunk(ctx context.Context, c models.ChunkRecord) error {
	query := `
		INSERT INTO chunk_log (
			operation_id, operation_type, chunk_index, item_count, processed,
			failed, retry_attempts, status, items_per_second,
			performance_score, error_categories, started_at, ended_at
		) VALUES (
			:operation_id, :operation_type, :chunk_index, :item_count, :processed,
			:failed, :retry_attempts, :status, :items_per_second,
			:performance_score, :error_categories, :started_at, :ended_at
		)
	`

	if len(c.ErrorCategories) == 0 {
		c.ErrorCategories = json.RawMessage("{}")
	}

	if _, err := r.db.NamedExecContext(ctx, query, c); err != nil {
		return fmt.Errorf("failed to record chunk: %w", err)
	}

	return nil
}

func (r *OperationRepository) GetOperationStats(ctx context.Context, hours int) ([]models.OperationStats, error) {
	query := `
		SELECT
			type, status, COUNT(*) AS count,
			COALESCE(SUM(item_count), 0) AS items,
			COALESCE(SUM(failed_items), 0) AS failed_items,
			COALESCE(AVG(duration_ms), 0) AS avg_duration_ms,
			COALESCE(MAX(duration_ms), 0) AS max_duration_ms,
			COALESCE(MIN(duration_ms), 0) AS min_duration_ms
		FROM operation_history
		WHERE created_at > NOW() - INTERVAL '1 hour' * $1
		GROUP BY type, status
		ORDER BY type, status
	`

	var stats []models.OperationStats
	if err := r.db.SelectContext(ctx, &stats, query, hours); err != nil {
		return nil, err
	}

	return stats, nil
}

const recentColumns = `
	operation_id, type, status, priority, item_count,
	completed_items, failed_items, created_at, completed_at, duration_ms,
	COALESCE(error_category, '') AS error_category,
	COALESCE(error_message, '') AS error_message,
	COALESCE(retry_of, '') AS retry_of
`

func (r *OperationRepository) GetRecentOperations(ctx context.Context, limit int) ([]models.RecentOperation, error) {
	query := `SELECT ` + recentColumns + `
		FROM operation_history
		ORDER BY created_at DESC
		LIMIT $1
	`

	var ops []models.RecentOperation
	if err := r.db.SelectContext(ctx, &ops, query, limit); err != nil {
		return nil, err
	}

	return ops, nil
}

func (r *OperationRepository) GetOperationsByType(ctx context.Context, opType string, limit int) ([]models.RecentOperation, error) {
	query := `SELECT ` + recentColumns + `
		FROM operation_history
		WHERE type = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	var ops []models.RecentOperation
	if err := r.db.SelectContext(ctx, &ops, query, opType, limit); err != nil {
		return nil, err
	}

	return ops, nil
}

func (r *OperationRepository) GetChunkHistory(ctx context.Context, operationID string) ([]models.ChunkRecord, error) {
	query := `
		SELECT
			operation_id, operation_type, chunk_index, item_count, processed,
			failed, retry_attempts, status, items_per_second,
			performance_score, error_categories, started_at, ended_at
		FROM chunk_log
		WHERE operation_id = $1
		ORDER BY chunk_index ASC
	`

	var chunks []models.ChunkRecord
	if err := r.db.SelectContext(ctx, &chunks, query, operationID); err != nil {
		return nil, err
	}

	return chunks, nil
}

func (r *OperationRepository) Close() error {
	return r.db.Close()
}

func (r *OperationRepository) DB() *sqlx.DB {
	return r.db
}
