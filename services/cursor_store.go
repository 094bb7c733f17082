package services

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// CursorStore persists per-(exchange, symbol) fetch cursors so the trade
// aggregator resumes incrementally after a restart.
type CursorStore interface {
	// Load returns the cursor timestamp (unix milliseconds) and whether
	// one exists.
	Load(ctx context.Context, exchangeID, symbol string) (int64, bool, error)
	Save(ctx context.Context, exchangeID, symbol string, ts int64) error
	Close() error
}

// SQLiteCursorStore keeps cursors in a small local SQLite file.
type SQLiteCursorStore struct {
	db *sql.DB
}

func NewSQLiteCursorStore(path string) (*SQLiteCursorStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cursor directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping cursor database: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS fetch_cursors (
			exchange_id   TEXT NOT NULL,
			symbol        TEXT NOT NULL,
			last_fetch_ts INTEGER NOT NULL,
			updated_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (exchange_id, symbol)
		)
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create fetch_cursors table: %w", err)
	}

	return &SQLiteCursorStore{db: db}, nil
}

func (s *SQLiteCursorStore) Load(ctx context.Context, exchangeID, symbol string) (int64, bool, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_fetch_ts FROM fetch_cursors WHERE exchange_id = ? AND symbol = ?`,
		exchangeID, symbol,
	).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &StoreError{Op: fmt.Sprintf("load cursor %s/%s", exchangeID, symbol), Err: err}
	}
	return ts, true, nil
}

func (s *SQLiteCursorStore) Save(ctx context.Context, exchangeID, symbol string, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fetch_cursors (exchange_id, symbol, last_fetch_ts, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (exchange_id, symbol)
		 DO UPDATE SET last_fetch_ts = excluded.last_fetch_ts, updated_at = CURRENT_TIMESTAMP`,
		exchangeID, symbol, ts,
	)
	if err != nil {
		return &StoreError{Op: fmt.Sprintf("save cursor %s/%s", exchangeID, symbol), Err: err}
	}
	return nil
}

func (s *SQLiteCursorStore) Close() error {
	return s.db.Close()
}

// MemoryCursorStore is the non-durable fallback used when the cursor
// database cannot be opened, and the test double.
type MemoryCursorStore struct {
	mu      sync.RWMutex
	cursors map[string]int64
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]int64)}
}

func (s *MemoryCursorStore) Load(ctx context.Context, exchangeID, symbol string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.cursors[exchangeID+"|"+symbol]
	return ts, ok, nil
}

func (s *MemoryCursorStore) Save(ctx context.Context, exchangeID, symbol string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[exchangeID+"|"+symbol] = ts
	return nil
}

func (s *MemoryCursorStore) Close() error { return nil }
