package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mauro3422/gitteach/internal/store"
	"github.com/mauro3422/gitteach/internal/types"
)

// keywordEngine is a deterministic embedding fake: each vocabulary word is
// one dimension, valued by its occurrence count. Texts sharing words are
// similar; disjoint texts are orthogonal.
type keywordEngine struct {
	mu     sync.Mutex
	calls  int
	failAt int // fail call number n (1-based); 0 never fails
}

var vocabulary = []string{
	"database", "connection", "pooling", "postgresql",
	"react", "component", "state",
	"cache", "http", "retry", "worker",
}

func (e *keywordEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *keywordEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	fail := e.failAt != 0 && e.calls >= e.failAt
	e.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("embedding backend unavailable")
	}

	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		vec := make([]float32, len(vocabulary))
		for d, word := range vocabulary {
			vec[d] = float32(strings.Count(lower, word))
		}
		vecs[i] = vec
	}
	return vecs, nil
}

func (e *keywordEngine) Dimensions() int { return len(vocabulary) }
func (e *keywordEngine) Name() string    { return "keyword-fake" }

func (e *keywordEngine) batchCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func testStore(t *testing.T) (*Store, *keywordEngine, *store.MemKV) {
	t.Helper()
	engine := &keywordEngine{}
	kv := store.NewMemKV()
	s := NewStore(engine, kv, LowThroughputConfig())
	t.Cleanup(s.Close)
	return s, engine, kv
}

func finding(repo, path, insight, domain string) types.Finding {
	return types.Finding{
		Repo:        repo,
		Path:        path,
		Insight:     insight,
		DomainLabel: domain,
		Confidence:  0.8,
	}
}

func TestNodeIDDeterministic(t *testing.T) {
	a := NodeID("app", "db.go", "uses connection pooling")
	b := NodeID("app", "db.go", "uses connection pooling")
	c := NodeID("app", "other.go", "uses connection pooling")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 24)
}

func TestStoreFindingIdempotent(t *testing.T) {
	s, _, _ := testStore(t)

	f := finding("app", "db.go", "PostgreSQL connection pooling", "database")
	first := s.StoreFinding(f)
	second := s.StoreFinding(f)

	assert.Same(t, first, second)
	assert.Equal(t, 1, s.Count())
}

func TestFlushAssignsVectors(t *testing.T) {
	s, _, _ := testStore(t)

	s.StoreFinding(finding("app", "db.go", "PostgreSQL connection pooling", "database"))
	s.StoreFinding(finding("app", "ui.go", "React component state", "frontend"))
	s.Flush(context.Background())

	ready, failed, pending := s.EmbeddingStats()
	assert.Equal(t, 2, ready)
	assert.Zero(t, failed)
	assert.Zero(t, pending)

	for _, node := range s.GetAllNodes() {
		assert.Equal(t, types.VectorReady, node.VectorStatus)
		assert.Len(t, node.Vector, len(vocabulary))
	}
}

func TestFlushFailureMarksFailedNeverPending(t *testing.T) {
	engine := &keywordEngine{failAt: 1}
	s := NewStore(engine, store.NewMemKV(), LowThroughputConfig())
	t.Cleanup(s.Close)

	s.StoreFinding(finding("app", "a.go", "worker retry logic", "backend"))
	s.StoreFinding(finding("app", "b.go", "http cache headers", "backend"))
	s.Flush(context.Background())

	ready, failed, pending := s.EmbeddingStats()
	assert.Zero(t, ready)
	assert.Equal(t, 2, failed)
	assert.Zero(t, pending, "a flushed node must never stay pending")
	// Batch-local retry: the failed batch was attempted twice.
	assert.Equal(t, 2, engine.batchCalls())
}

func TestBatchSizeTriggersAutoFlush(t *testing.T) {
	engine := &keywordEngine{}
	cfg := LowThroughputConfig()
	cfg.BatchSize = 2
	s := NewStore(engine, store.NewMemKV(), cfg)
	t.Cleanup(s.Close)

	s.StoreFinding(finding("app", "a.go", "worker pool", "backend"))
	s.StoreFinding(finding("app", "b.go", "retry budget", "backend"))
	s.Flush(context.Background()) // waits out the in-flight background flush

	ready, _, pending := s.EmbeddingStats()
	assert.Equal(t, 2, ready)
	assert.Zero(t, pending)
}

// gateEngine blocks its first batch call until released, so a flush can be
// held in flight while more findings arrive.
type gateEngine struct {
	keywordEngine
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (e *gateEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.once.Do(func() {
		close(e.entered)
		<-e.gate
	})
	return e.keywordEngine.EmbedBatch(ctx, texts)
}

func TestFindingStoredDuringFlushStillFlushes(t *testing.T) {
	engine := &gateEngine{gate: make(chan struct{}), entered: make(chan struct{})}
	cfg := LowThroughputConfig()
	cfg.BatchSize = 1
	s := NewStore(engine, store.NewMemKV(), cfg)
	t.Cleanup(s.Close)

	s.StoreFinding(finding("app", "a.go", "worker pool", "backend"))
	<-engine.entered

	// Arrives while the first flush is in flight, too late for its batch.
	// Finishing the flush must pick it up without another StoreFinding or
	// an explicit Flush.
	s.StoreFinding(finding("app", "b.go", "retry budget", "backend"))
	close(engine.gate)

	require.Eventually(t, func() bool {
		ready, _, pending := s.EmbeddingStats()
		return ready == 2 && pending == 0
	}, 2*time.Second, 10*time.Millisecond, "mid-flight finding must be embedded")
}

func TestRelatedNodesLinkBidirectionally(t *testing.T) {
	s, _, _ := testStore(t)

	a := s.StoreFinding(finding("app", "db.go", "PostgreSQL connection pooling for the database", "database"))
	b := s.StoreFinding(finding("app", "pool.go", "database connection pooling tuning", "database"))
	s.StoreFinding(finding("app", "ui.go", "React component state", "frontend"))
	s.Flush(context.Background())

	nodes := s.GetAllNodes()
	byID := make(map[string]types.MemoryNode)
	for _, n := range nodes {
		byID[n.ID] = n
	}
	assert.Contains(t, byID[a.ID].Links, b.ID)
	assert.Contains(t, byID[b.ID].Links, a.ID)
	for _, n := range nodes {
		if n.Finding.Path == "ui.go" {
			assert.Empty(t, n.Links, "orthogonal node must stay unlinked")
		}
	}
}

func TestGetRepoMemoryInsertionOrderAndCopies(t *testing.T) {
	s, _, _ := testStore(t)

	s.StoreFinding(finding("app", "a.go", "first", "x"))
	s.StoreFinding(finding("app", "b.go", "second", "x"))
	s.StoreFinding(finding("other", "c.go", "elsewhere", "x"))

	nodes := s.GetRepoMemory("app")
	require.Len(t, nodes, 2)
	assert.Equal(t, "a.go", nodes[0].Finding.Path)
	assert.Equal(t, "b.go", nodes[1].Finding.Path)

	// Mutating the copy must not touch the store.
	nodes[0].Finding.Insight = "mutated"
	assert.Equal(t, "first", s.GetRepoMemory("app")[0].Finding.Insight)
}

func TestPersistRepoMemoryRoundTrip(t *testing.T) {
	s, _, kv := testStore(t)
	ctx := context.Background()

	s.StoreFinding(finding("app", "db.go", "PostgreSQL connection pooling", "database"))
	require.NoError(t, s.PersistRepoMemory(ctx, "app"))

	data, err := kv.Get(ctx, store.RepoMemoryKey("app"))
	require.NoError(t, err)

	var envelope repoEnvelope
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, MemorySchemaVersion, envelope.Version)
	assert.Equal(t, "app", envelope.Repo)
	require.Len(t, envelope.Nodes, 1)
	assert.Equal(t, types.VectorReady, envelope.Nodes[0].VectorStatus,
		"persist flushes pending embeddings first")
}

func TestPersistAllWritesEveryRepo(t *testing.T) {
	s, _, kv := testStore(t)
	ctx := context.Background()

	s.StoreFinding(finding("app", "a.go", "worker pool", "backend"))
	s.StoreFinding(finding("lib", "b.go", "http cache", "backend"))
	require.NoError(t, s.PersistAll(ctx))

	entries, err := kv.ScanByPrefix(ctx, store.PrefixRepoMemory)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
