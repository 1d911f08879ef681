package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/mauro3422/gitteach/internal/logging"
)

// =============================================================================
// VECTOR INDEX
// =============================================================================

// VectorEntry is one embedded node registered for persisted recall.
type VectorEntry struct {
	NodeID string
	Repo   string
	Vector []float32
}

// VectorMatch is one nearest-neighbor hit, most similar first.
type VectorMatch struct {
	NodeID     string
	Similarity float64
}

// VectorSearcher is implemented by KV backends that can index embedding
// vectors and answer nearest-neighbor queries across sessions.
type VectorSearcher interface {
	IndexVectors(ctx context.Context, entries []VectorEntry) error
	SearchVectors(ctx context.Context, query []float32, limit int) ([]VectorMatch, error)
}

// encodeVectorBlob serializes a vector as little-endian float32 bytes, the
// layout sqlite-vec expects for its distance functions.
func encodeVectorBlob(vec []float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil, fmt.Errorf("failed to encode vector: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeVectorBlob(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &vec); err != nil {
		return nil, fmt.Errorf("failed to decode vector: %w", err)
	}
	return vec, nil
}

// vectorCosine returns cosine similarity, or 0 for mismatched or zero
// vectors so broken entries never outrank real matches.
func vectorCosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func rankVectors(entries []VectorEntry, query []float32, limit int) []VectorMatch {
	matches := make([]VectorMatch, 0, len(entries))
	for _, e := range entries {
		matches = append(matches, VectorMatch{
			NodeID:     e.NodeID,
			Similarity: vectorCosine(query, e.Vector),
		})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// =============================================================================
// SQLITE BACKEND
// =============================================================================

// IndexVectors upserts embedded nodes into the node_vectors table in one
// transaction.
func (s *SQLiteKV) IndexVectors(ctx context.Context, entries []VectorEntry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vector index begin: %w", err)
	}
	for _, e := range entries {
		blob, err := encodeVectorBlob(e.Vector)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("vector index %s: %w", e.NodeID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO node_vectors (node_id, repo, embedding) VALUES (?, ?, ?)",
			e.NodeID, e.Repo, blob); err != nil {
			tx.Rollback()
			return fmt.Errorf("vector index %s: %w", e.NodeID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vector index commit: %w", err)
	}
	logging.StoreDebug("indexed %d vectors", len(entries))
	return nil
}

// SearchVectors returns the nearest indexed vectors to the query. It runs
// the distance computation in SQL when the sqlite-vec extension is loaded
// (sqlite_vec build tag) and falls back to scanning the blobs in Go when
// it is not.
func (s *SQLiteKV) SearchVectors(ctx context.Context, query []float32, limit int) ([]VectorMatch, error) {
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := s.searchVecSQL(ctx, query, limit)
	if err == nil {
		return matches, nil
	}
	logging.StoreDebug("vec SQL unavailable, scanning vectors in Go: %v", err)
	return s.searchVectorScan(ctx, query, limit)
}

func (s *SQLiteKV) searchVecSQL(ctx context.Context, query []float32, limit int) ([]VectorMatch, error) {
	blob, err := encodeVectorBlob(query)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, vec_distance_cosine(embedding, ?) AS distance
		FROM node_vectors
		ORDER BY distance ASC
		LIMIT ?`, blob, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []VectorMatch
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, err
		}
		matches = append(matches, VectorMatch{NodeID: id, Similarity: 1.0 - distance})
	}
	return matches, rows.Err()
}

func (s *SQLiteKV) searchVectorScan(ctx context.Context, query []float32, limit int) ([]VectorMatch, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT node_id, repo, embedding FROM node_vectors")
	if err != nil {
		return nil, fmt.Errorf("vector scan: %w", err)
	}
	defer rows.Close()

	var entries []VectorEntry
	for rows.Next() {
		var e VectorEntry
		var blob []byte
		if err := rows.Scan(&e.NodeID, &e.Repo, &blob); err != nil {
			return nil, fmt.Errorf("vector scan row: %w", err)
		}
		vec, err := decodeVectorBlob(blob)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("skipping corrupt vector %s: %v", e.NodeID, err)
			continue
		}
		e.Vector = vec
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rankVectors(entries, query, limit), nil
}

// =============================================================================
// IN-MEMORY BACKEND
// =============================================================================

func (m *MemKV) IndexVectors(ctx context.Context, entries []VectorEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		m.vectors[e.NodeID] = VectorEntry{NodeID: e.NodeID, Repo: e.Repo, Vector: vec}
	}
	return nil
}

func (m *MemKV) SearchVectors(ctx context.Context, query []float32, limit int) ([]VectorMatch, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.RLock()
	entries := make([]VectorEntry, 0, len(m.vectors))
	for _, e := range m.vectors {
		entries = append(entries, e)
	}
	m.mu.RUnlock()
	return rankVectors(entries, query, limit), nil
}
