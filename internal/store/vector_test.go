package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorIndexAndSearch(t *testing.T) {
	for name, factory := range kvFactories {
		t.Run(name, func(t *testing.T) {
			kv := factory(t)
			defer kv.Close()
			vs, ok := kv.(VectorSearcher)
			require.True(t, ok, "every backend supports vector recall")
			ctx := context.Background()

			require.NoError(t, vs.IndexVectors(ctx, []VectorEntry{
				{NodeID: "db", Repo: "app", Vector: []float32{1, 0, 0, 0}},
				{NodeID: "pool", Repo: "app", Vector: []float32{0.9, 0.4, 0, 0}},
				{NodeID: "ui", Repo: "web", Vector: []float32{0, 0, 1, 0}},
			}))

			matches, err := vs.SearchVectors(ctx, []float32{1, 0, 0, 0}, 2)
			require.NoError(t, err)
			require.Len(t, matches, 2)
			assert.Equal(t, "db", matches[0].NodeID)
			assert.InDelta(t, 1.0, matches[0].Similarity, 0.001)
			assert.Equal(t, "pool", matches[1].NodeID)
			assert.Greater(t, matches[0].Similarity, matches[1].Similarity)
		})
	}
}

func TestVectorReindexOverwrites(t *testing.T) {
	for name, factory := range kvFactories {
		t.Run(name, func(t *testing.T) {
			kv := factory(t)
			defer kv.Close()
			vs := kv.(VectorSearcher)
			ctx := context.Background()

			entry := VectorEntry{NodeID: "n", Repo: "app", Vector: []float32{1, 0}}
			require.NoError(t, vs.IndexVectors(ctx, []VectorEntry{entry}))
			entry.Vector = []float32{0, 1}
			require.NoError(t, vs.IndexVectors(ctx, []VectorEntry{entry}))

			matches, err := vs.SearchVectors(ctx, []float32{0, 1}, 5)
			require.NoError(t, err)
			require.Len(t, matches, 1, "reindexing the same node must not duplicate it")
			assert.InDelta(t, 1.0, matches[0].Similarity, 0.001)
		})
	}
}

func TestVectorSearchEmptyIndex(t *testing.T) {
	for name, factory := range kvFactories {
		t.Run(name, func(t *testing.T) {
			kv := factory(t)
			defer kv.Close()
			vs := kv.(VectorSearcher)

			matches, err := vs.SearchVectors(context.Background(), []float32{1, 0}, 5)
			require.NoError(t, err)
			assert.Empty(t, matches)
		})
	}
}

func TestVectorBlobRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3}
	blob, err := encodeVectorBlob(vec)
	require.NoError(t, err)
	assert.Len(t, blob, 12)

	got, err := decodeVectorBlob(blob)
	require.NoError(t, err)
	assert.Equal(t, vec, got)

	_, err = decodeVectorBlob([]byte{1, 2, 3})
	assert.Error(t, err, "truncated blobs are rejected")
}
