package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"scaled copies", []float32{1, 2}, []float32{3, 6}, 1},
		{"zero vector", []float32{0, 0}, []float32{1, 2}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestCosineSimilarityDimensionMismatch(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3})
	assert.Error(t, err)
}

func TestFindTopK(t *testing.T) {
	query := []float32{1, 0}
	corpus := [][]float32{
		{0, 1},       // orthogonal
		{1, 0.1},     // close
		{1, 0},       // exact
		{-1, 0},      // opposite
		{1, 0, 0, 0}, // wrong dimension, skipped
	}

	results, err := FindTopK(query, corpus, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 2, results[0].Index)
	assert.Equal(t, 1, results[1].Index)
	assert.Equal(t, 0, results[2].Index)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-9)
}

func TestFindTopKDefaultsK(t *testing.T) {
	corpus := make([][]float32, 20)
	for i := range corpus {
		corpus[i] = []float32{float32(i), 1}
	}

	results, err := FindTopK([]float32{1, 1}, corpus, 0)
	require.NoError(t, err)
	assert.Len(t, results, 10)
}

func TestNormalizeTaskType(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SEMANTIC_SIMILARITY", "SEMANTIC_SIMILARITY"},
		{"RETRIEVAL_QUERY", "RETRIEVAL_QUERY"},
		{"CODE_RETRIEVAL_QUERY", "CODE_RETRIEVAL_QUERY"},
		{"", "SEMANTIC_SIMILARITY"},
		{"semantic_similarity", "SEMANTIC_SIMILARITY"},
		{"NOT_A_TASK", "SEMANTIC_SIMILARITY"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeTaskType(tt.in), "input %q", tt.in)
	}
}

func TestFindTopKSmallCorpus(t *testing.T) {
	results, err := FindTopK([]float32{1}, [][]float32{{1}}, 5)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}
