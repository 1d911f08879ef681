// Package compactor maintains a bounded "golden knowledge" summary per
// repository. Streaming findings accumulate in a small buffer; when the
// buffer fills, a secondary (cheaper) inference call merges buffer and
// summary into a new dense paragraph, keeping prompt context bounded no
// matter how many files a repository has.
package compactor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mauro3422/gitteach/internal/inference"
	"github.com/mauro3422/gitteach/internal/logging"
)

// Config configures compaction behavior.
type Config struct {
	// MergeThreshold is how many un-merged findings trigger a compaction.
	MergeThreshold int
	// MaxSummaryWords bounds the merged golden knowledge paragraph.
	MaxSummaryWords int
	// MaxLineLength truncates each one-line finding summary.
	MaxLineLength int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MergeThreshold:  10,
		MaxSummaryWords: 150,
		MaxLineLength:   160,
	}
}

// HealthSignals are structured signals extracted during compaction.
type HealthSignals struct {
	Coherence   float64 `json:"coherence"`
	ProjectType string  `json:"project_type"`
	HasTests    bool    `json:"has_tests"`
	HasDocs     bool    `json:"has_docs"`
	HasConfig   bool    `json:"has_config"`
}

type repoContext struct {
	goldenKnowledge string
	health          HealthSignals
	recent          []string
	inFlight        bool
}

// Compactor merges streaming findings into per-repo golden knowledge.
// Merges run asynchronously and never block worker progress; Wait()
// supervises them for session-end flush.
type Compactor struct {
	mu     sync.Mutex
	client inference.Client
	config Config
	repos  map[string]*repoContext
	wg     sync.WaitGroup
}

// New creates a compactor using the given (typically cheaper) client.
func New(client inference.Client, cfg Config) *Compactor {
	if cfg.MergeThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Compactor{
		client: client,
		config: cfg,
		repos:  make(map[string]*repoContext),
	}
}

// AddToRepoContext appends a truncated one-line summary for a file and
// triggers an asynchronous merge once the buffer reaches the threshold.
// Idempotent under concurrent triggers: an in-flight flag guarantees at
// most one merge per repo at a time.
func (c *Compactor) AddToRepoContext(ctx context.Context, repo, path, summary string) {
	line := fmt.Sprintf("%s: %s", path, strings.ReplaceAll(summary, "\n", " "))
	if len(line) > c.config.MaxLineLength {
		line = line[:c.config.MaxLineLength-3] + "..."
	}

	c.mu.Lock()
	rc, ok := c.repos[repo]
	if !ok {
		rc = &repoContext{}
		c.repos[repo] = rc
	}
	rc.recent = append(rc.recent, line)

	if len(rc.recent) < c.config.MergeThreshold || rc.inFlight {
		c.mu.Unlock()
		return
	}

	// Claim the batch under the lock; findings arriving during the merge
	// accumulate separately and trigger the next one.
	rc.inFlight = true
	golden := rc.goldenKnowledge
	batch := rc.recent
	rc.recent = nil
	c.mu.Unlock()

	c.wg.Add(1)
	go c.merge(ctx, repo, golden, batch)
}

// merge runs the secondary inference call and atomically installs the new
// golden knowledge.
func (c *Compactor) merge(ctx context.Context, repo, golden string, batch []string) {
	defer c.wg.Done()
	timer := logging.StartTimer(logging.CategoryCompactor, "merge "+repo)
	defer timer.Stop()

	merged, health, err := c.summarize(ctx, repo, golden, batch)

	c.mu.Lock()
	rc := c.repos[repo]
	rc.inFlight = false
	if err != nil {
		// Keep the old golden knowledge and put the batch back in front
		// so the findings are not lost from prompt context.
		rc.recent = append(batch, rc.recent...)
		c.mu.Unlock()
		logging.Get(logging.CategoryCompactor).Warn("merge failed for %s: %v", repo, err)
		return
	}
	rc.goldenKnowledge = merged
	rc.health = health
	c.mu.Unlock()

	logging.Compactor("Merged %d findings into golden knowledge for %s (%d chars)",
		len(batch), repo, len(merged))
}

type mergeResponse struct {
	Summary     string  `json:"summary"`
	Coherence   float64 `json:"coherence"`
	ProjectType string  `json:"project_type"`
	HasTests    bool    `json:"has_tests"`
	HasDocs     bool    `json:"has_docs"`
	HasConfig   bool    `json:"has_config"`
}

func (c *Compactor) summarize(ctx context.Context, repo, golden string, batch []string) (string, HealthSignals, error) {
	var sb strings.Builder
	if golden != "" {
		sb.WriteString("Current knowledge:\n")
		sb.WriteString(golden)
		sb.WriteString("\n\n")
	}
	sb.WriteString("New findings:\n")
	for _, line := range batch {
		sb.WriteString("- ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}

	system := fmt.Sprintf(
		"You maintain a rolling summary of the repository %q. Merge the current knowledge "+
			"and the new findings into one dense paragraph of at most %d words. Also report "+
			"health signals you can infer.", repo, c.config.MaxSummaryWords)

	response, err := inference.CompleteWithRetry(ctx, c.client, inference.Request{
		System:      system,
		User:        sb.String(),
		Temperature: 0.2,
		JSONMode:    true,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"summary":      map[string]interface{}{"type": "string"},
				"coherence":    map[string]interface{}{"type": "number"},
				"project_type": map[string]interface{}{"type": "string"},
				"has_tests":    map[string]interface{}{"type": "boolean"},
				"has_docs":     map[string]interface{}{"type": "boolean"},
				"has_config":   map[string]interface{}{"type": "boolean"},
			},
			"required": []string{"summary"},
		},
	})
	if err != nil {
		return "", HealthSignals{}, err
	}

	var parsed mergeResponse
	if err := json.Unmarshal([]byte(extractObject(response)), &parsed); err != nil {
		return "", HealthSignals{}, fmt.Errorf("merge response parse failed: %w", err)
	}
	if strings.TrimSpace(parsed.Summary) == "" {
		return "", HealthSignals{}, fmt.Errorf("merge response missing summary")
	}

	return clampWords(parsed.Summary, c.config.MaxSummaryWords), HealthSignals{
		Coherence:   parsed.Coherence,
		ProjectType: parsed.ProjectType,
		HasTests:    parsed.HasTests,
		HasDocs:     parsed.HasDocs,
		HasConfig:   parsed.HasConfig,
	}, nil
}

// GetRepoContext returns golden knowledge plus pending recent findings,
// for prompt construction.
func (c *Compactor) GetRepoContext(repo string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	rc, ok := c.repos[repo]
	if !ok {
		return ""
	}

	var sb strings.Builder
	if rc.goldenKnowledge != "" {
		sb.WriteString(rc.goldenKnowledge)
	}
	if len(rc.recent) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n\nRecent findings:\n")
		} else {
			sb.WriteString("Recent findings:\n")
		}
		for _, line := range rc.recent {
			sb.WriteString("- ")
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// GetHealthSignals returns the last health signals for a repository.
func (c *Compactor) GetHealthSignals(repo string) (HealthSignals, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rc, ok := c.repos[repo]
	if !ok {
		return HealthSignals{}, false
	}
	return rc.health, rc.health != (HealthSignals{})
}

// GoldenKnowledge returns only the merged summary for a repository.
func (c *Compactor) GoldenKnowledge(repo string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rc, ok := c.repos[repo]
	if !ok {
		return ""
	}
	return rc.goldenKnowledge
}

// Wait blocks until all in-flight merges finish. Called by the
// orchestrator at session end so no background work is abandoned.
func (c *Compactor) Wait() {
	c.wg.Wait()
}

// extractObject finds the outermost JSON object in a response (handles
// markdown wrappers).
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

func clampWords(s string, max int) string {
	words := strings.Fields(s)
	if len(words) <= max {
		return strings.TrimSpace(s)
	}
	return strings.Join(words[:max], " ")
}
