package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS coordinator_state (
	state_key TEXT PRIMARY KEY,
	data      BLOB NOT NULL,
	saved_at  TIMESTAMP NOT NULL
)`

// SQLiteStore keeps the snapshot in a local database file, for single-node
// deployments without Redis.
type SQLiteStore struct {
	db  *sqlx.DB
	key string
}

func NewSQLiteStore(path, key string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s, err := NewSQLiteStoreFromDB(db, key)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// NewSQLiteStoreFromDB wraps an open handle and ensures the table exists.
func NewSQLiteStoreFromDB(db *sqlx.DB, key string) (*SQLiteStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to create state table: %w", err)
	}

	return &SQLiteStore{db: db, key: key}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `SELECT data FROM coordinator_state WHERE state_key = ?`, s.key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	return data, nil
}

func (s *SQLiteStore) Save(ctx context.Context, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coordinator_state (state_key, data, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(state_key) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at`,
		s.key, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM coordinator_state WHERE state_key = ?`, s.key)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
