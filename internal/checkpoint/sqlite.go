package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	// SQLite driver, registered as "sqlite3".
	_ "github.com/mattn/go-sqlite3"

	"github.com/sitescribe/sitescribe/internal/metrics"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS summaries (
	url        TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	summary    TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL
);`

const sqliteUpsert = `
INSERT INTO summaries (url, title, summary, status, attempts, error, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(url) DO UPDATE SET
	title = excluded.title,
	summary = excluded.summary,
	status = excluded.status,
	attempts = excluded.attempts,
	error = excluded.error,
	updated_at = excluded.updated_at;`

// SQLiteStore is a checkpoint store backed by a SQLite database. It keeps a
// write-through in-memory view, so reads never touch the database after open.
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex
	records map[string]Record
}

// OpenSQLite opens (creating if needed) a SQLite checkpoint database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite checkpoint: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}

	records, err := loadSQLiteRecords(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, records: records}, nil
}

func loadSQLiteRecords(db *sql.DB) (map[string]Record, error) {
	rows, err := db.Query(`SELECT url, title, summary, status, attempts, error, updated_at FROM summaries`)
	if err != nil {
		return nil, fmt.Errorf("load sqlite checkpoint: %w", err)
	}
	defer rows.Close()

	records := make(map[string]Record)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.URL, &rec.Title, &rec.Summary, &rec.Status, &rec.Attempts, &rec.Error, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan sqlite checkpoint row: %w", err)
		}
		records[rec.URL] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sqlite checkpoint rows: %w", err)
	}
	return records, nil
}

// Get returns the current record for a URL.
func (s *SQLiteStore) Get(url string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[url]
	return rec, ok
}

// Put upserts the record. The write is a single transactional statement.
func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	if rec.URL == "" {
		return fmt.Errorf("checkpoint record missing url")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("checkpoint store is closed")
	}
	if _, err := s.db.ExecContext(ctx, sqliteUpsert,
		rec.URL, rec.Title, rec.Summary, string(rec.Status), rec.Attempts, rec.Error, rec.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert checkpoint record: %w", err)
	}
	s.records[rec.URL] = rec
	metrics.ObserveCheckpointWrite()
	return nil
}

// All returns a snapshot copy of every record.
func (s *SQLiteStore) All() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// Close closes the database. Further Puts fail.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("close sqlite checkpoint: %w", err)
	}
	return nil
}
