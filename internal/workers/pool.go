// Package workers drains the inventory through a fixed pool of analysis
// workers. Each worker claims batches of pending files, fetches content,
// builds a context-aware prompt and turns the model response into a
// structured finding. Inference concurrency is bounded by the admission
// controller, not by pool size, so the pool can be generous.
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/mauro3422/gitteach/internal/content"
	"github.com/mauro3422/gitteach/internal/inference"
	"github.com/mauro3422/gitteach/internal/inventory"
	"github.com/mauro3422/gitteach/internal/logging"
	"github.com/mauro3422/gitteach/internal/types"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config configures the worker pool.
type Config struct {
	// NumWorkers is the number of concurrent analysis workers.
	NumWorkers int
	// ClaimSize is how many tasks a worker claims per inventory fetch.
	ClaimSize int
	// MaxContentBytes truncates file content in prompts.
	MaxContentBytes int
	// IgnorePriorityFloor also drains low-priority (vendored) files.
	IgnorePriorityFloor bool
	// ProgressInterval is how many terminal files trigger OnProgress.
	ProgressInterval int
}

// DefaultConfig returns defaults tuned for a local inference server.
func DefaultConfig() Config {
	return Config{
		NumWorkers:       4,
		ClaimSize:        8,
		MaxContentBytes:  16 * 1024,
		ProgressInterval: 5,
	}
}

// ContextSource supplies and receives per-repo rolling context.
type ContextSource interface {
	GetRepoContext(repo string) string
	AddToRepoContext(ctx context.Context, repo, path, summary string)
}

// FindingSink receives successfully parsed findings.
type FindingSink interface {
	StoreFinding(finding types.Finding) *types.MemoryNode
}

// Stats is a snapshot of pool progress.
type Stats struct {
	Queued    int     `json:"queued"`
	Processed int     `json:"processed"`
	Failed    int     `json:"failed"`
	Pending   int     `json:"pending"`
	Percent   float64 `json:"percent"`
}

func (s Stats) String() string {
	return fmt.Sprintf("processed=%d failed=%d pending=%d (%.1f%%)",
		s.Processed, s.Failed, s.Pending, s.Percent)
}

// =============================================================================
// POOL
// =============================================================================

// Pool drains the inventory. Create one per session.
type Pool struct {
	inv        *inventory.Inventory
	provider   content.Provider
	owner      string
	client     inference.Client
	context    ContextSource
	sink       FindingSink
	config     Config
	onProgress func(Stats)

	processed int64
	failed    int64
	queued    int64
}

// New creates a pool. The client should already be admission-wrapped;
// context source and sink may be nil for isolated tests.
func New(inv *inventory.Inventory, provider content.Provider, owner string,
	client inference.Client, contextSource ContextSource, sink FindingSink, cfg Config) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg = DefaultConfig()
	}
	return &Pool{
		inv:      inv,
		provider: provider,
		owner:    owner,
		client:   client,
		context:  contextSource,
		sink:     sink,
		config:   cfg,
	}
}

// OnProgress registers a callback fired every ProgressInterval terminal
// files. Must be set before Run.
func (p *Pool) OnProgress(fn func(Stats)) { p.onProgress = fn }

// Run drains every pending task and blocks until the inventory is empty or
// the context is cancelled. Individual file failures are recorded, not
// fatal; only context cancellation and provider rate limits abort the run.
func (p *Pool) Run(ctx context.Context) error {
	stats := p.inv.Stats()
	atomic.StoreInt64(&p.queued, int64(stats.Pending))
	logging.Workers("Starting %d workers over %d pending files", p.config.NumWorkers, stats.Pending)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.NumWorkers; i++ {
		worker := i
		g.Go(func() error {
			return p.workerLoop(gctx, worker)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker pool aborted: %w", err)
	}

	logging.Workers("Pool drained: %s", p.GetStats())
	return nil
}

func (p *Pool) workerLoop(ctx context.Context, worker int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := p.inv.GetNextBatch(p.config.ClaimSize, p.config.IgnorePriorityFloor)
		if len(batch) == 0 {
			logging.WorkersDebug("worker %d: inventory drained", worker)
			return nil
		}

		for _, task := range batch {
			if err := ctx.Err(); err != nil {
				// Return unprocessed claims as failures so the inventory
				// still reaches a terminal state for audit.
				_ = p.inv.MarkFailed(task.Repo, task.Path, "cancelled")
				continue
			}
			if err := p.processTask(ctx, task); err != nil {
				return err
			}
			p.bumpProgress()
		}
	}
}

// processTask analyzes one file. Returns a non-nil error only for
// conditions that must stop the whole pool.
func (p *Pool) processTask(ctx context.Context, task types.FileTask) error {
	blob, err := p.provider.GetFileContent(ctx, p.owner, task.Repo, task.Path)
	if err != nil {
		if content.IsRateLimited(err) {
			_ = p.inv.MarkFailed(task.Repo, task.Path, "rate limited")
			return err
		}
		atomic.AddInt64(&p.failed, 1)
		_ = p.inv.MarkFailed(task.Repo, task.Path, fmt.Sprintf("fetch failed: %v", err))
		return nil
	}

	if strings.TrimSpace(blob.Content) == "" {
		atomic.AddInt64(&p.processed, 1)
		_ = p.inv.MarkCompleted(task.Repo, task.Path, types.SkippedFile{
			Repo:   task.Repo,
			Path:   task.Path,
			Reason: "empty",
		})
		return nil
	}

	response, err := inference.CompleteWithRetry(ctx, p.client, p.buildRequest(task, blob.Content))
	if err != nil {
		if ctx.Err() != nil {
			_ = p.inv.MarkFailed(task.Repo, task.Path, "cancelled")
			return ctx.Err()
		}
		atomic.AddInt64(&p.failed, 1)
		_ = p.inv.MarkFailed(task.Repo, task.Path, fmt.Sprintf("inference failed: %v", err))
		logging.Get(logging.CategoryWorkers).Warn("analysis failed for %s:%s: %v", task.Repo, task.Path, err)
		return nil
	}

	result, finding, ok := parseAnalysis(task.Repo, task.Path, response)
	if !ok {
		atomic.AddInt64(&p.failed, 1)
		_ = p.inv.MarkFailed(task.Repo, task.Path, "unparseable response")
		return nil
	}

	atomic.AddInt64(&p.processed, 1)
	if err := p.inv.MarkCompleted(task.Repo, task.Path, result); err != nil {
		logging.Get(logging.CategoryWorkers).Warn("double completion for %s:%s: %v", task.Repo, task.Path, err)
		return nil
	}
	if p.sink != nil {
		p.sink.StoreFinding(finding)
	}
	if p.context != nil {
		p.context.AddToRepoContext(ctx, task.Repo, task.Path, finding.Insight)
	}
	return nil
}

func (p *Pool) bumpProgress() {
	if p.onProgress == nil || p.config.ProgressInterval <= 0 {
		return
	}
	total := atomic.LoadInt64(&p.processed) + atomic.LoadInt64(&p.failed)
	if total%int64(p.config.ProgressInterval) == 0 {
		p.onProgress(p.GetStats())
	}
}

// GetStats returns a progress snapshot.
func (p *Pool) GetStats() Stats {
	inv := p.inv.Stats()
	return Stats{
		Queued:    int(atomic.LoadInt64(&p.queued)),
		Processed: int(atomic.LoadInt64(&p.processed)),
		Failed:    int(atomic.LoadInt64(&p.failed)),
		Pending:   inv.Pending,
		Percent:   inv.Progress,
	}
}

// =============================================================================
// PROMPT CONSTRUCTION
// =============================================================================

func (p *Pool) buildRequest(task types.FileTask, body string) inference.Request {
	if len(body) > p.config.MaxContentBytes {
		body = body[:p.config.MaxContentBytes] + "\n... (truncated)"
	}

	var sb strings.Builder
	if p.context != nil {
		if repoCtx := p.context.GetRepoContext(task.Repo); repoCtx != "" {
			sb.WriteString("Repository context:\n")
			sb.WriteString(repoCtx)
			sb.WriteString("\n\n")
		}
	}
	fmt.Fprintf(&sb, "File: %s\n\n%s", task.Path, body)

	return inference.Request{
		System: "You are a senior engineer profiling a developer through their code. " +
			"Analyze the file and report one key insight about the author's technical " +
			"identity, with concrete evidence from the code. Score every dimension; " +
			"use 0 when a dimension does not apply.",
		User:        sb.String(),
		Temperature: 0.3,
		JSONMode:    true,
		Schema:      findingSchema,
	}
}

var findingSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"insight":         map[string]interface{}{"type": "string"},
		"evidence_text":   map[string]interface{}{"type": "string"},
		"domain_label":    map[string]interface{}{"type": "string"},
		"confidence":      map[string]interface{}{"type": "number"},
		"complexity_tier": map[string]interface{}{"type": "integer"},
		"metadata": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"structural": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"modularity":   map[string]interface{}{"type": "number"},
						"cohesion":     map[string]interface{}{"type": "number"},
						"naming_score": map[string]interface{}{"type": "number"},
					},
				},
				"documentation": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"comment_density": map[string]interface{}{"type": "number"},
						"has_doc_blocks":  map[string]interface{}{"type": "boolean"},
						"readme_quality":  map[string]interface{}{"type": "number"},
					},
				},
				"resilience": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"error_handling": map[string]interface{}{"type": "number"},
						"test_signals":   map[string]interface{}{"type": "number"},
						"logging":        map[string]interface{}{"type": "number"},
					},
				},
				"semantic": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"purpose":  map[string]interface{}{"type": "string"},
						"concepts": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
					},
				},
				"ecosystem": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"dependency_hygiene": map[string]interface{}{"type": "number"},
						"frameworks":         map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
						"conventions":        map[string]interface{}{"type": "number"},
					},
				},
			},
		},
	},
	"required": []string{"insight", "domain_label", "confidence"},
}

// =============================================================================
// RESPONSE PARSING
// =============================================================================

// analysisResponse mirrors findingSchema.
type analysisResponse struct {
	Insight        string                `json:"insight"`
	EvidenceText   string                `json:"evidence_text"`
	DomainLabel    string                `json:"domain_label"`
	Confidence     float64               `json:"confidence"`
	ComplexityTier int                   `json:"complexity_tier"`
	Metadata       types.FindingMetadata `json:"metadata"`
}

// parseAnalysis converts a model response into a discriminated result.
// Full parse yields a ParsedFinding; a response with a recoverable insight
// yields a FallbackFinding; anything else reports failure.
func parseAnalysis(repo, path, response string) (types.AnalysisResult, types.Finding, bool) {
	raw := extractObject(response)

	var parsed analysisResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil && strings.TrimSpace(parsed.Insight) != "" {
		finding := types.Finding{
			Repo:           repo,
			Path:           path,
			Insight:        parsed.Insight,
			EvidenceText:   parsed.EvidenceText,
			DomainLabel:    parsed.DomainLabel,
			Confidence:     clamp01(parsed.Confidence),
			ComplexityTier: clampTier(parsed.ComplexityTier),
			Metadata:       parsed.Metadata,
		}
		return types.ParsedFinding{Finding: finding}, finding, true
	}

	// Loose recovery: any JSON object with a usable insight string.
	var loose map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &loose); err == nil {
		if insight, ok := loose["insight"].(string); ok && strings.TrimSpace(insight) != "" {
			finding := types.Finding{
				Repo:        repo,
				Path:        path,
				Insight:     insight,
				DomainLabel: stringField(loose, "domain_label"),
				Confidence:  0.3,
			}
			return types.FallbackFinding{Finding: finding, Reason: "partial parse"}, finding, true
		}
	}

	// Last resort: treat a short plain-text response as the insight itself.
	text := strings.TrimSpace(response)
	if text != "" && !strings.Contains(text, "{") && len(text) < 500 {
		finding := types.Finding{
			Repo:       repo,
			Path:       path,
			Insight:    text,
			Confidence: 0.2,
		}
		return types.FallbackFinding{Finding: finding, Reason: "plain text response"}, finding, true
	}

	return nil, types.Finding{}, false
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampTier(t int) int {
	if t < 1 {
		return 1
	}
	if t > 5 {
		return 5
	}
	return t
}

// extractObject finds the outermost JSON object in a response.
func extractObject(response string) string {
	start := strings.Index(response, "{")
	if start == -1 {
		return response
	}
	depth := 0
	for i := start; i < len(response); i++ {
		switch response[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return response[start : i+1]
			}
		}
	}
	return response
}
