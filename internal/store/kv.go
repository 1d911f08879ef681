// Package store provides key-value persistence for identity profiles,
// cognitive profiles, curated per-repo memory and golden-knowledge
// blueprints. Backed by SQLite; an in-memory implementation exists for
// tests and dry runs.
package store

import "context"

// BatchOpType identifies a batch operation kind.
type BatchOpType string

const (
	BatchPut    BatchOpType = "put"
	BatchDelete BatchOpType = "del"
)

// BatchOp is one operation in an atomic batch.
type BatchOp struct {
	Type  BatchOpType
	Key   string
	Value []byte
}

// Entry is one key-value pair returned by prefix scans.
type Entry struct {
	Key   string
	Value []byte
}

// KV is the persistence contract. No relational assumptions: values are
// opaque byte slices (JSON envelopes in practice).
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Batch(ctx context.Context, ops []BatchOp) error
	ScanByPrefix(ctx context.Context, prefix string) ([]Entry, error)
	Close() error
}

// notFoundError is returned by Get for missing keys; callers detect it
// through IsNotFound.
type notFoundError struct{ key string }

func (e *notFoundError) Error() string { return "key not found: " + e.key }

// IsNotFound reports whether err is a missing-key error.
func IsNotFound(err error) bool {
	_, ok := err.(*notFoundError)
	return ok
}
