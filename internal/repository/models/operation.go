// Package models contains data structures used by the operation repository layer.
package models

import (
	"encoding/json"
	"time"
)

type OperationStats struct {
	Type          string  `db:"type" json:"type"`
	Status        string  `db:"status" json:"status"`
	Count         int     `db:"count" json:"count"`
	Items         int     `db:"items" json:"items"`
	FailedItems   int     `db:"failed_items" json:"failed_items"`
	AvgDurationMs float64 `db:"avg_duration_ms" json:"avg_duration_ms"`
	MaxDurationMs int     `db:"max_duration_ms" json:"max_duration_ms"`
	MinDurationMs int     `db:"min_duration_ms" json:"min_duration_ms"`
}

type RecentOperation struct {
	OperationID    string     `db:"operation_id" json:"operation_id"`
	Type           string     `db:"type" json:"type"`
	Status         string     `db:"status" json:"status"`
	Priority       int        `db:"priority" json:"priority"`
	ItemCount      int        `db:"item_count" json:"item_count"`
	CompletedItems int        `db:"completed_items" json:"completed_items"`
	FailedItems    int        `db:"failed_items" json:"failed_items"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	DurationMs     *int       `db:"duration_ms" json:"duration_ms,omitempty"`
	ErrorCategory  string     `db:"error_category" json:"error_category,omitempty"`
	ErrorMessage   string     `db:"error_message" json:"error_message,omitempty"`
	RetryOf        string     `db:"retry_of" json:"retry_of,omitempty"`
}

// ChunkRecord is one executed chunk of an operation.
type ChunkRecord struct {
	OperationID      string          `db:"operation_id" json:"operation_id"`
	OperationType    string          `db:"operation_type" json:"operation_type"`
	ChunkIndex       int             `db:"chunk_index" json:"chunk_index"`
	ItemCount        int             `db:"item_count" json:"item_count"`
	Processed        int             `db:"processed" json:"processed"`
	Failed           int             `db:"failed" json:"failed"`
	RetryAttempts    int             `db:"retry_attempts" json:"retry_attempts"`
	Status           string          `db:"status" json:"status"`
	ItemsPerSecond   float64         `db:"items_per_second" json:"items_per_second"`
	PerformanceScore float64         `db:"performance_score" json:"performance_score"`
	ErrorCategories  json.RawMessage `db:"error_categories" json:"error_categories,omitempty"`
	StartedAt        time.Time       `db:"started_at" json:"started_at"`
	EndedAt          time.Time       `db:"ended_at" json:"ended_at"`
}
