// Package memory holds atomic findings as vector-searchable nodes.
// Nodes are created synchronously with deterministic ids; embedding happens
// in the background through a batched, throttled buffer so the embedding
// provider is never saturated. Per-repo persistence goes through the KV
// store as JSON envelopes.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mauro3422/gitteach/internal/embedding"
	"github.com/mauro3422/gitteach/internal/logging"
	"github.com/mauro3422/gitteach/internal/store"
	"github.com/mauro3422/gitteach/internal/types"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config configures the memory store's embedding buffer.
type Config struct {
	// BatchSize is how many pending nodes trigger an immediate flush.
	// Small for low-throughput/test contexts, larger for full runs.
	BatchSize int
	// FlushInterval flushes a partially filled buffer after this delay.
	FlushInterval time.Duration
	// ThrottleDelay is the minimum spacing between embedding flushes.
	ThrottleDelay time.Duration
	// SimilarityThreshold filters weak matches out of search results.
	SimilarityThreshold float64
	// LinkLimit is how many related-node links a node may gain per flush.
	LinkLimit int
}

// DefaultConfig returns defaults sized for a full analysis run.
func DefaultConfig() Config {
	return Config{
		BatchSize:           16,
		FlushInterval:       3 * time.Second,
		ThrottleDelay:       500 * time.Millisecond,
		SimilarityThreshold: 0.45,
		LinkLimit:           2,
	}
}

// LowThroughputConfig returns defaults for small corpora and tests.
func LowThroughputConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 4
	cfg.FlushInterval = 200 * time.Millisecond
	cfg.ThrottleDelay = 10 * time.Millisecond
	return cfg
}

// MemorySchemaVersion is bumped when the persisted envelope shape changes.
const MemorySchemaVersion = 1

// repoEnvelope is the persisted per-repo memory shape.
type repoEnvelope struct {
	Version int                `json:"version"`
	Repo    string             `json:"repo"`
	Nodes   []types.MemoryNode `json:"nodes"`
}

// =============================================================================
// STORE
// =============================================================================

// Store is a session-scoped memory of findings. Created and torn down by
// the orchestrator; never shared across sessions.
type Store struct {
	mu     sync.Mutex
	engine embedding.Engine
	kv     store.KV
	config Config

	nodes  map[string]*types.MemoryNode
	byRepo map[string][]string // node ids in insertion order

	pendingEmbed []string
	lastFlush    time.Time
	flushTimer   *time.Timer
	flushing     bool

	wg     sync.WaitGroup
	closed bool
}

// NewStore creates a memory store bound to an embedding engine and KV.
func NewStore(engine embedding.Engine, kv store.KV, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Store{
		engine: engine,
		kv:     kv,
		config: cfg,
		nodes:  make(map[string]*types.MemoryNode),
		byRepo: make(map[string][]string),
	}
}

// NodeID derives the deterministic identifier for a finding:
// sha256(repo | path | insight prefix), truncated.
func NodeID(repo, path, insight string) string {
	prefix := insight
	if len(prefix) > 64 {
		prefix = prefix[:64]
	}
	sum := sha256.Sum256([]byte(repo + "|" + path + "|" + prefix))
	return hex.EncodeToString(sum[:12])
}

// StoreFinding wraps a finding in a MemoryNode, indexes it by repository
// and queues it for embedding. Idempotent: re-storing an identical finding
// returns the existing node.
func (s *Store) StoreFinding(finding types.Finding) *types.MemoryNode {
	id := NodeID(finding.Repo, finding.Path, finding.Insight)

	s.mu.Lock()
	if existing, ok := s.nodes[id]; ok {
		s.mu.Unlock()
		return existing
	}

	node := &types.MemoryNode{
		ID:           id,
		Finding:      finding,
		VectorStatus: types.VectorPending,
		CreatedAt:    time.Now(),
	}
	s.nodes[id] = node
	s.byRepo[finding.Repo] = append(s.byRepo[finding.Repo], id)
	s.pendingEmbed = append(s.pendingEmbed, id)

	shouldFlush := len(s.pendingEmbed) >= s.config.BatchSize && !s.flushing
	if shouldFlush {
		s.flushing = true
	} else if s.flushTimer == nil && !s.flushing {
		s.flushTimer = time.AfterFunc(s.config.FlushInterval, s.timerFlush)
	}
	s.mu.Unlock()

	logging.MemoryDebug("stored node %s (%s:%s)", id, finding.Repo, finding.Path)

	if shouldFlush {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.flush(context.Background())
		}()
	}
	return node
}

func (s *Store) timerFlush() {
	s.mu.Lock()
	s.flushTimer = nil
	if s.closed || s.flushing || len(s.pendingEmbed) == 0 {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.flush(context.Background())
	}()
}

// flush embeds the pending buffer in one batch call. Vectors are assigned
// back by index; failures are marked explicitly, never dropped silently.
// Caller must have set s.flushing.
func (s *Store) flush(ctx context.Context) {
	// Throttle: keep a minimum delay between embedding calls.
	s.mu.Lock()
	wait := s.config.ThrottleDelay - time.Since(s.lastFlush)
	s.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}

	s.mu.Lock()
	batch := s.pendingEmbed
	s.pendingEmbed = nil
	s.lastFlush = time.Now()
	texts := make([]string, len(batch))
	for i, id := range batch {
		node := s.nodes[id]
		texts[i] = node.Finding.Insight + "\n" + node.Finding.EvidenceText
	}
	s.mu.Unlock()

	if len(batch) == 0 {
		s.mu.Lock()
		s.finishFlushLocked()
		s.mu.Unlock()
		return
	}

	timer := logging.StartTimer(logging.CategoryMemory, fmt.Sprintf("flush %d embeddings", len(batch)))
	vectors, err := s.embedBatchWithRetry(ctx, texts)
	timer.Stop()

	s.mu.Lock()
	if err != nil || len(vectors) != len(batch) {
		for _, id := range batch {
			s.nodes[id].VectorStatus = types.VectorFailed
		}
		s.finishFlushLocked()
		s.mu.Unlock()
		logging.Get(logging.CategoryMemory).Warn("embedding flush failed, %d nodes marked failed: %v", len(batch), err)
		return
	}
	for i, id := range batch {
		node := s.nodes[id]
		node.Vector = vectors[i]
		node.VectorStatus = types.VectorReady
	}
	for _, id := range batch {
		s.linkRelatedLocked(s.nodes[id])
	}
	s.finishFlushLocked()
	s.mu.Unlock()

	logging.Memory("Flushed %d embeddings", len(batch))
}

// finishFlushLocked clears the in-flight marker and re-schedules work for
// findings that arrived while the flush was running: a full batch flushes
// immediately, a partial one re-arms the interval timer. Caller holds s.mu.
func (s *Store) finishFlushLocked() {
	s.flushing = false
	if s.closed || len(s.pendingEmbed) == 0 {
		return
	}
	if len(s.pendingEmbed) >= s.config.BatchSize {
		s.flushing = true
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.flush(context.Background())
		}()
		return
	}
	if s.flushTimer == nil {
		s.flushTimer = time.AfterFunc(s.config.FlushInterval, s.timerFlush)
	}
}

// embedBatchWithRetry applies the batch-local retry policy: one retry for
// a failed batch call, independent of the completion provider's policy.
func (s *Store) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := s.engine.EmbedBatch(ctx, texts)
	if err == nil {
		return vectors, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Second):
	}
	return s.engine.EmbedBatch(ctx, texts)
}

// linkRelatedLocked attaches bidirectional links between a newly embedded
// node and its nearest ready neighbors in the same repository.
// Caller holds s.mu.
func (s *Store) linkRelatedLocked(node *types.MemoryNode) {
	if node.VectorStatus != types.VectorReady {
		return
	}
	type candidate struct {
		id  string
		sim float64
	}
	var best []candidate
	for _, otherID := range s.byRepo[node.Finding.Repo] {
		other := s.nodes[otherID]
		if other.ID == node.ID || other.VectorStatus != types.VectorReady {
			continue
		}
		sim, err := embedding.CosineSimilarity(node.Vector, other.Vector)
		if err != nil || sim < s.config.SimilarityThreshold {
			continue
		}
		best = append(best, candidate{id: other.ID, sim: sim})
	}
	if len(best) == 0 {
		return
	}
	for i := 0; i < len(best); i++ {
		for j := i + 1; j < len(best); j++ {
			if best[j].sim > best[i].sim {
				best[i], best[j] = best[j], best[i]
			}
		}
	}
	if len(best) > s.config.LinkLimit {
		best = best[:s.config.LinkLimit]
	}
	for _, c := range best {
		node.Links = appendUnique(node.Links, c.id)
		other := s.nodes[c.id]
		other.Links = appendUnique(other.Links, node.ID)
	}
}

func appendUnique(list []string, item string) []string {
	for _, v := range list {
		if v == item {
			return list
		}
	}
	return append(list, item)
}

// Flush forces a synchronous flush of the pending buffer. Used before
// persistence and at session end.
func (s *Store) Flush(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.flushTimer != nil {
			s.flushTimer.Stop()
			s.flushTimer = nil
		}
		if len(s.pendingEmbed) == 0 && !s.flushing {
			s.mu.Unlock()
			return
		}
		if s.flushing {
			s.mu.Unlock()
			// A background flush is running; wait for it to settle.
			time.Sleep(5 * time.Millisecond)
			continue
		}
		s.flushing = true
		s.mu.Unlock()
		s.flush(ctx)
	}
}

// =============================================================================
// ACCESSORS
// =============================================================================

// GetRepoMemory returns copies of a repository's nodes in insertion order.
func (s *Store) GetRepoMemory(repo string) []types.MemoryNode {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byRepo[repo]
	out := make([]types.MemoryNode, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.nodes[id])
	}
	return out
}

// GetAllNodes returns copies of every node.
func (s *Store) GetAllNodes() []types.MemoryNode {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.MemoryNode, 0, len(s.nodes))
	for _, repoIDs := range s.byRepo {
		for _, id := range repoIDs {
			out = append(out, *s.nodes[id])
		}
	}
	return out
}

// HasNode reports whether a node id exists in the store.
func (s *Store) HasNode(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[id]
	return ok
}

// Count returns the total node count.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// EmbeddingStats returns (ready, failed, pending) node counts.
func (s *Store) EmbeddingStats() (ready, failed, pending int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, node := range s.nodes {
		switch node.VectorStatus {
		case types.VectorReady:
			ready++
		case types.VectorFailed:
			failed++
		default:
			pending++
		}
	}
	return
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// PersistRepoMemory flushes pending embeddings, then writes the
// repository's nodes as one JSON envelope. Ready vectors are additionally
// registered with the KV's vector index so later sessions can search them.
func (s *Store) PersistRepoMemory(ctx context.Context, repo string) error {
	s.Flush(ctx)

	envelope := repoEnvelope{
		Version: MemorySchemaVersion,
		Repo:    repo,
		Nodes:   s.GetRepoMemory(repo),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal repo memory %s: %w", repo, err)
	}
	if err := s.kv.Put(ctx, store.RepoMemoryKey(repo), data); err != nil {
		return fmt.Errorf("failed to persist repo memory %s: %w", repo, err)
	}
	s.indexVectors(ctx, repo, envelope.Nodes)
	logging.Memory("Persisted %d nodes for %s", len(envelope.Nodes), repo)
	return nil
}

// indexVectors registers ready vectors with the KV's vector index. Indexing
// failures are logged, not returned: the JSON envelope is already durable
// and keyword retrieval still works without the index.
func (s *Store) indexVectors(ctx context.Context, repo string, nodes []types.MemoryNode) {
	vs, ok := s.kv.(store.VectorSearcher)
	if !ok {
		return
	}
	entries := make([]store.VectorEntry, 0, len(nodes))
	for _, node := range nodes {
		if node.VectorStatus != types.VectorReady {
			continue
		}
		entries = append(entries, store.VectorEntry{
			NodeID: node.ID,
			Repo:   repo,
			Vector: node.Vector,
		})
	}
	if len(entries) == 0 {
		return
	}
	if err := vs.IndexVectors(ctx, entries); err != nil {
		logging.Get(logging.CategoryMemory).Warn("failed to index %d vectors for %s: %v", len(entries), repo, err)
	}
}

// PersistAll persists every repository's memory.
func (s *Store) PersistAll(ctx context.Context) error {
	s.mu.Lock()
	repos := make([]string, 0, len(s.byRepo))
	for repo := range s.byRepo {
		repos = append(repos, repo)
	}
	s.mu.Unlock()

	for _, repo := range repos {
		if err := s.PersistRepoMemory(ctx, repo); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the flush timer and waits for in-flight background flushes.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}
