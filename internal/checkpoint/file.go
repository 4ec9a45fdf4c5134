package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sitescribe/sitescribe/internal/metrics"
)

// FileStore is a line-delimited JSON checkpoint store. Each Put appends one
// record line and fsyncs; on load the last record per URL wins, so the file
// behaves as a replay-safe upsert log. A torn trailing line (crash mid-write)
// fails to parse and is ignored, preserving the prior state.
type FileStore struct {
	path string

	mu      sync.Mutex
	f       *os.File
	records map[string]Record
}

// maxRecordBytes bounds a single checkpoint line during load.
const maxRecordBytes = 1 << 20

// OpenFile opens (creating if needed) a JSONL checkpoint file and loads its
// current contents.
func OpenFile(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	records, err := loadRecords(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint file: %w", err)
	}

	return &FileStore{
		path:    path,
		f:       f,
		records: records,
	}, nil
}

func loadRecords(path string) (map[string]Record, error) {
	records := make(map[string]Record)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return records, nil
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// Incomplete or corrupt line, most likely a torn final write.
			continue
		}
		if rec.URL == "" {
			continue
		}
		records[rec.URL] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan checkpoint file: %w", err)
	}
	return records, nil
}

// Get returns the current record for a URL.
func (s *FileStore) Get(url string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[url]
	return rec, ok
}

// Put appends the record and updates the in-memory view. The append is a
// single write followed by a sync, so a record is either fully present or
// absent after a crash.
func (s *FileStore) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.URL == "" {
		return fmt.Errorf("checkpoint record missing url")
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal checkpoint record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("checkpoint store is closed")
	}
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("append checkpoint record: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync checkpoint file: %w", err)
	}
	s.records[rec.URL] = rec
	metrics.ObserveCheckpointWrite()
	return nil
}

// All returns a snapshot copy of every record.
func (s *FileStore) All() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// Close closes the underlying file. Further Puts fail.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	if err != nil {
		return fmt.Errorf("close checkpoint file: %w", err)
	}
	return nil
}
