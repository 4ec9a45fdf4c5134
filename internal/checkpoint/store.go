// Package checkpoint persists per-URL summarization outcomes, making partial
// progress durable and letting a restarted run skip everything already done.
package checkpoint

import (
	"context"
	"time"
)

// Status is the terminal outcome recorded for a URL.
type Status string

// Record status values.
const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Record is the unit of durability: one summarization outcome per URL.
type Record struct {
	URL       string    `json:"url"`
	Title     string    `json:"title,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the single source of truth for "is this URL done". Writes are
// upserts keyed by URL and must be serialized by the implementation so
// concurrent completions never interleave partial writes.
type Store interface {
	// Get returns the current record for a URL, if any.
	Get(url string) (Record, bool)
	// Put atomically inserts or replaces the record for rec.URL.
	Put(ctx context.Context, rec Record) error
	// All returns a snapshot of every record, in no particular order.
	All() []Record
	Close() error
}
