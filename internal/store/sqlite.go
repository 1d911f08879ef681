package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mauro3422/gitteach/internal/logging"
)

// =============================================================================
// SQLITE KEY-VALUE STORE
// =============================================================================

// SQLiteKV implements KV on a single SQLite table. Writers serialize
// through the store's mutex; SQLite handles durability.
type SQLiteKV struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewSQLiteKV initializes the SQLite database at the given path.
func NewSQLiteKV(path string) (*SQLiteKV, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteKV")
	defer timer.Stop()

	logging.Store("Initializing SQLiteKV at path: %s", path)

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteKV{db: db, dbPath: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteKV) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		);
		CREATE INDEX IF NOT EXISTS idx_kv_prefix ON kv(key);
		CREATE TABLE IF NOT EXISTS node_vectors (
			node_id   TEXT PRIMARY KEY,
			repo      TEXT NOT NULL,
			embedding BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_node_vectors_repo ON node_vectors(repo);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate kv schema: %w", err)
	}
	return nil
}

// Get returns the value for a key.
func (s *SQLiteKV) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, &notFoundError{key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return value, nil
}

// Put stores a value under a key, replacing any prior value.
func (s *SQLiteKV) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, strftime('%s','now'))",
		key, value)
	if err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	logging.StoreDebug("kv put %s (%d bytes)", key, len(value))
	return nil
}

// Batch applies operations atomically in one transaction.
func (s *SQLiteKV) Batch(ctx context.Context, ops []BatchOp) error {
	if len(ops) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kv batch begin: %w", err)
	}

	for _, op := range ops {
		switch op.Type {
		case BatchPut:
			_, err = tx.ExecContext(ctx,
				"INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, strftime('%s','now'))",
				op.Key, op.Value)
		case BatchDelete:
			_, err = tx.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", op.Key)
		default:
			err = fmt.Errorf("unknown batch op type: %s", op.Type)
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("kv batch op %s %s: %w", op.Type, op.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kv batch commit: %w", err)
	}
	logging.StoreDebug("kv batch applied %d ops", len(ops))
	return nil
}

// ScanByPrefix returns all entries whose key starts with prefix, in key
// order.
func (s *SQLiteKV) ScanByPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key",
		prefix, prefix+"￿")
	if err != nil {
		return nil, fmt.Errorf("kv scan %s: %w", prefix, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("kv scan row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteKV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
