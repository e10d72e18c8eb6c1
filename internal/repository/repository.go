// Package repository defines the history store for finished operations and
// their chunk executions.
package repository

import (
	"context"

	"github.com/nadmax/calbulk/internal/operation"
	"github.com/nadmax/calbulk/internal/repository/models"
)

type OperationRepository interface {
	SaveOperation(ctx context.Context, op *operation.Operation) error
	RecordChunk(ctx context.Context, c models.ChunkRecord) error
	GetOperationStats(ctx context.Context, hours int) ([]models.OperationStats, error)
	GetRecentOperations(ctx context.Context, limit int) ([]models.RecentOperation, error)
	GetOperationsByType(ctx context.Context, opType string, limit int) ([]models.RecentOperation, error)
	GetChunkHistory(ctx context.Context, operationID string) ([]models.ChunkRecord, error)
	Close() error
}
