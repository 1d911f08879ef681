package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mauro3422/gitteach/internal/embedding"
	"github.com/mauro3422/gitteach/internal/logging"
	"github.com/mauro3422/gitteach/internal/store"
	"github.com/mauro3422/gitteach/internal/types"
)

// =============================================================================
// RETRIEVAL
// =============================================================================

// Retrieval sources.
const (
	SourceVector   = "vector"   // semantic search over in-session nodes
	SourceCurated  = "curated"  // persisted per-repo memory, grouped by domain
	SourceIdentity = "identity" // evidence behind the persisted identity profile
	SourceAll      = "all"      // union of the above
)

// RetrievalRequest describes a multi-source lookup.
type RetrievalRequest struct {
	SearchTerms []string
	Source      string // vector | curated | identity | all
	Limit       int
}

// RetrievalResult pairs a node with its relevance score and origin.
type RetrievalResult struct {
	Node   types.MemoryNode `json:"node"`
	Score  float64          `json:"score"`
	Origin string           `json:"origin"`
}

// Search runs a vector similarity search over ready nodes. Results below
// the similarity threshold are dropped; above it, confidence and complexity
// add a small boost so strong findings rank ahead of marginal ones at
// equal similarity. When the session holds no embedded nodes, the persisted
// vector index answers instead, so recall works across sessions.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]RetrievalResult, error) {
	if limit <= 0 {
		limit = 10
	}

	queryVec, err := s.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	s.mu.Lock()
	candidates := make([]*types.MemoryNode, 0, len(s.nodes))
	for _, node := range s.nodes {
		if node.VectorStatus == types.VectorReady {
			candidates = append(candidates, node)
		}
	}
	s.mu.Unlock()

	if len(candidates) == 0 {
		hits, perr := s.searchPersisted(ctx, queryVec, limit)
		if perr != nil {
			logging.Get(logging.CategoryMemory).Warn("persisted vector recall failed: %v", perr)
		} else if len(hits) > 0 {
			return hits, nil
		}
	}

	results := make([]RetrievalResult, 0, len(candidates))
	for _, node := range candidates {
		sim, err := embedding.CosineSimilarity(queryVec, node.Vector)
		if err != nil || sim < s.config.SimilarityThreshold {
			continue
		}
		score := sim +
			node.Finding.Confidence*0.05 +
			float64(node.Finding.ComplexityTier)*0.01
		results = append(results, RetrievalResult{
			Node:   *node,
			Score:  score,
			Origin: SourceVector,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}

	logging.MemoryDebug("search %q: %d/%d above threshold", query, len(results), len(candidates))
	return results, nil
}

// searchPersisted asks the KV's vector index for nearest neighbors and
// resolves the matched node ids against persisted envelopes. Returns nil
// when the KV has no vector index.
func (s *Store) searchPersisted(ctx context.Context, queryVec []float32, limit int) ([]RetrievalResult, error) {
	vs, ok := s.kv.(store.VectorSearcher)
	if !ok {
		return nil, nil
	}
	matches, err := vs.SearchVectors(ctx, queryVec, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search vector index: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	nodes, err := s.persistedNodes(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]RetrievalResult, 0, len(matches))
	for _, m := range matches {
		if m.Similarity < s.config.SimilarityThreshold {
			continue
		}
		node, ok := nodes[m.NodeID]
		if !ok {
			continue
		}
		score := m.Similarity +
			node.Finding.Confidence*0.05 +
			float64(node.Finding.ComplexityTier)*0.01
		results = append(results, RetrievalResult{
			Node:   node,
			Score:  score,
			Origin: SourceVector,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	logging.MemoryDebug("persisted recall: %d/%d matches above threshold", len(results), len(matches))
	return results, nil
}

// persistedNodes loads every persisted envelope, indexed by node id.
func (s *Store) persistedNodes(ctx context.Context) (map[string]types.MemoryNode, error) {
	entries, err := s.kv.ScanByPrefix(ctx, store.PrefixRepoMemory)
	if err != nil {
		return nil, fmt.Errorf("failed to scan persisted memory: %w", err)
	}
	nodes := make(map[string]types.MemoryNode, len(entries))
	for _, entry := range entries {
		var envelope repoEnvelope
		if err := json.Unmarshal(entry.Value, &envelope); err != nil {
			logging.Get(logging.CategoryMemory).Warn("skipping corrupt envelope %s: %v", entry.Key, err)
			continue
		}
		for _, node := range envelope.Nodes {
			nodes[node.ID] = node
		}
	}
	return nodes, nil
}

// RetrieveFromSource dispatches a lookup to one or all retrieval sources.
// Results are deduplicated by node id, keeping the best score.
func (s *Store) RetrieveFromSource(ctx context.Context, req RetrievalRequest) ([]RetrievalResult, error) {
	if req.Limit <= 0 {
		req.Limit = 10
	}
	if len(req.SearchTerms) == 0 {
		return nil, fmt.Errorf("at least one search term required")
	}

	var results []RetrievalResult
	var err error

	switch req.Source {
	case SourceVector, "":
		results, err = s.retrieveVector(ctx, req)
	case SourceCurated:
		results, err = s.retrieveCurated(ctx, req)
	case SourceIdentity:
		results, err = s.retrieveIdentity(ctx, req)
	case SourceAll:
		vector, verr := s.retrieveVector(ctx, req)
		curated, cerr := s.retrieveCurated(ctx, req)
		identity, _ := s.retrieveIdentity(ctx, req)
		if verr != nil && cerr != nil {
			return nil, fmt.Errorf("all retrieval sources failed: %v / %v", verr, cerr)
		}
		results = append(append(vector, curated...), identity...)
	default:
		return nil, fmt.Errorf("unknown retrieval source: %q", req.Source)
	}
	if err != nil {
		return nil, err
	}

	results = dedupeBest(results)
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// retrieveVector searches every term and merges the hits.
func (s *Store) retrieveVector(ctx context.Context, req RetrievalRequest) ([]RetrievalResult, error) {
	var merged []RetrievalResult
	for _, term := range req.SearchTerms {
		hits, err := s.Search(ctx, term, req.Limit)
		if err != nil {
			return nil, err
		}
		merged = append(merged, hits...)
	}
	return dedupeBest(merged), nil
}

// retrieveCurated scans persisted per-repo memory, groups nodes by domain
// label and keyword-matches the search terms. When nothing has been
// persisted yet, it falls back to vector search so callers always get an
// answer.
func (s *Store) retrieveCurated(ctx context.Context, req RetrievalRequest) ([]RetrievalResult, error) {
	entries, err := s.kv.ScanByPrefix(ctx, store.PrefixRepoMemory)
	if err != nil {
		return nil, fmt.Errorf("failed to scan curated memory: %w", err)
	}
	if len(entries) == 0 {
		logging.MemoryDebug("no curated memory, falling back to vector search")
		return s.retrieveVector(ctx, req)
	}

	byDomain := make(map[string][]types.MemoryNode)
	for _, entry := range entries {
		var envelope repoEnvelope
		if err := json.Unmarshal(entry.Value, &envelope); err != nil {
			logging.Get(logging.CategoryMemory).Warn("skipping corrupt envelope %s: %v", entry.Key, err)
			continue
		}
		for _, node := range envelope.Nodes {
			domain := node.Finding.DomainLabel
			if domain == "" {
				domain = "general"
			}
			byDomain[domain] = append(byDomain[domain], node)
		}
	}

	var results []RetrievalResult
	for _, nodes := range byDomain {
		for _, node := range nodes {
			score := keywordScore(node, req.SearchTerms)
			if score <= 0 {
				continue
			}
			results = append(results, RetrievalResult{
				Node:   node,
				Score:  score,
				Origin: SourceCurated,
			})
		}
	}
	return results, nil
}

// keywordScore is the fraction of search terms appearing in the node's
// insight, evidence or domain label.
func keywordScore(node types.MemoryNode, terms []string) float64 {
	haystack := strings.ToLower(
		node.Finding.Insight + " " + node.Finding.EvidenceText + " " + node.Finding.DomainLabel)
	matched := 0
	for _, term := range terms {
		if strings.Contains(haystack, strings.ToLower(term)) {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	return float64(matched) / float64(len(terms))
}

// retrieveIdentity resolves evidence nodes referenced by the persisted
// identity profile's traits, filtered to traits mentioning a search term.
func (s *Store) retrieveIdentity(ctx context.Context, req RetrievalRequest) ([]RetrievalResult, error) {
	data, err := s.kv.Get(ctx, store.KeyIdentityProfile)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load identity profile: %w", err)
	}

	var profile types.IdentityProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse identity profile: %w", err)
	}

	var results []RetrievalResult
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, trait := range profile.Traits {
		if !traitMatches(trait, req.SearchTerms) {
			continue
		}
		for _, id := range trait.EvidenceNodeIDs {
			node, ok := s.nodes[id]
			if !ok {
				continue
			}
			results = append(results, RetrievalResult{
				Node:   *node,
				Score:  float64(trait.Score) / 100.0,
				Origin: SourceIdentity,
			})
		}
	}
	return results, nil
}

func traitMatches(trait types.Trait, terms []string) bool {
	haystack := strings.ToLower(trait.Name + " " + trait.Details + " " + trait.Evidence)
	for _, term := range terms {
		if strings.Contains(haystack, strings.ToLower(term)) {
			return true
		}
	}
	return false
}

// dedupeBest keeps the highest-scoring result per node id, preserving the
// winner's origin.
func dedupeBest(results []RetrievalResult) []RetrievalResult {
	best := make(map[string]RetrievalResult, len(results))
	order := make([]string, 0, len(results))
	for _, r := range results {
		prev, seen := best[r.Node.ID]
		if !seen {
			order = append(order, r.Node.ID)
			best[r.Node.ID] = r
			continue
		}
		if r.Score > prev.Score {
			best[r.Node.ID] = r
		}
	}
	out := make([]RetrievalResult, 0, len(best))
	for _, id := range order {
		out = append(out, best[id])
	}
	return out
}
