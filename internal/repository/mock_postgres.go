package repository

import (
	"context"
	"sync"

	"github.com/nadmax/calbulk/internal/operation"
	"github.com/nadmax/calbulk/internal/repository/models"
)

type MockPostgresRepository struct {
	mu                       sync.Mutex
	SaveOperationCalls       []*operation.Operation
	RecordChunkCalls         []models.ChunkRecord
	Operations               map[string]*operation.Operation
	OperationStats           []models.OperationStats
	RecentOperations         []models.RecentOperation
	SaveOperationError       error
	RecordChunkError         error
	GetOperationStatsError   error
	GetRecentOperationsError error
	GetChunkHistoryError     error
}

func NewMockPostgresRepository() *MockPostgresRepository {
	return &MockPostgresRepository{
		Operations:       make(map[string]*operation.Operation),
		OperationStats:   make([]models.OperationStats, 0),
		RecentOperations: make([]models.RecentOperation, 0),
	}
}

func (m *MockPostgresRepository) SaveOperation(ctx context.Context, op *operation.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveOperationCalls = append(m.SaveOperationCalls, op)

	if m.SaveOperationError != nil {
		return m.SaveOperationError
	}

	m.Operations[op.ID] = op.Clone()
	return nil
}

func (m *MockPostgresRepository) RecordChunk(ctx context.Context, c models.ChunkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RecordChunkCalls = append(m.RecordChunkCalls, c)
	return m.RecordChunkError
}

func (m *MockPostgresRepository) GetOperationStats(ctx context.Context, hours int) ([]models.OperationStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetOperationStatsError != nil {
		return nil, m.GetOperationStatsError
	}

	return m.OperationStats, nil
}

func (m *MockPostgresRepository) GetRecentOperations(ctx context.Context, limit int) ([]models.RecentOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRecentOperationsError != nil {
		return nil, m.GetRecentOperationsError
	}

	if limit > 0 && limit < len(m.RecentOperations) {
		return m.RecentOperations[:limit], nil
	}

	return m.RecentOperations, nil
}

func (m *MockPostgresRepository) GetOperationsByType(ctx context.Context, opType string, limit int) ([]models.RecentOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRecentOperationsError != nil {
		return nil, m.GetRecentOperationsError
	}

	var out []models.RecentOperation
	for _, op := range m.RecentOperations {
		if op.Type == opType {
			out = append(out, op)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}

	return out, nil
}

func (m *MockPostgresRepository) GetChunkHistory(ctx context.Context, operationID string) ([]models.ChunkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetChunkHistoryError != nil {
		return nil, m.GetChunkHistoryError
	}

	var out []models.ChunkRecord
	for _, c := range m.RecordChunkCalls {
		if c.OperationID == operationID {
			out = append(out, c)
		}
	}

	return out, nil
}

func (m *MockPostgresRepository) Close() error {
	return nil
}

func (m *MockPostgresRepository) GetSaveOperationCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.SaveOperationCalls)
}

func (m *MockPostgresRepository) GetRecordChunkCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.RecordChunkCalls)
}

func (m *MockPostgresRepository) GetOperationStatus(id string) (operation.OperationStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.Operations[id]
	if !ok {
		return "", false
	}

	return op.Status, true
}

func (m *MockPostgresRepository) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveOperationCalls = nil
	m.RecordChunkCalls = nil
	m.Operations = make(map[string]*operation.Operation)
	m.SaveOperationError = nil
	m.RecordChunkError = nil
	m.GetOperationStatsError = nil
	m.GetRecentOperationsError = nil
	m.GetChunkHistoryError = nil
}
