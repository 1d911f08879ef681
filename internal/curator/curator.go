// Package curator synthesizes an identity profile from analyzed findings
// using a map-reduce pipeline: three specialist lenses read a sampled view
// of the corpus in parallel, then a reduce call merges their reports into
// one profile. A run always produces a profile, even if only a statistical
// fallback.
package curator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mauro3422/gitteach/internal/inference"
	"github.com/mauro3422/gitteach/internal/logging"
	"github.com/mauro3422/gitteach/internal/types"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config configures curation.
type Config struct {
	// SampleLimit caps total summaries fed to the specialists.
	SampleLimit int
	// PerRepoLimit caps summaries per repository so one large repo cannot
	// dominate the sample.
	PerRepoLimit int
	// EvidenceLimit caps evidence node links per trait.
	EvidenceLimit int
}

// DefaultConfig returns defaults sized for typical prompt windows.
func DefaultConfig() Config {
	return Config{
		SampleLimit:   150,
		PerRepoLimit:  30,
		EvidenceLimit: 5,
	}
}

// Specialist lenses, in reduce order.
var lenses = []string{"architecture", "habits", "stack"}

var lensPrompts = map[string]string{
	"architecture": "You analyze how this developer structures systems: layering, " +
		"module boundaries, data flow, separation of concerns. Report the architectural " +
		"signature you see, with concrete examples.",
	"habits": "You analyze this developer's working habits: naming, documentation, " +
		"testing discipline, error handling, consistency across repositories. Report " +
		"the habits that define them, with concrete examples.",
	"stack": "You analyze this developer's technology choices: languages, frameworks, " +
		"tooling, and how mature their use of each is. Report their stack profile, " +
		"with concrete examples.",
}

// =============================================================================
// CURATOR
// =============================================================================

// Curator runs the synthesis pipeline. Create one per session; partial
// per-repo reports accumulate until the full reduce consumes them.
type Curator struct {
	client inference.Client
	config Config

	mu       sync.Mutex
	partials []types.ThematicReport
}

// New creates a curator on the given (standard-priority) client.
func New(client inference.Client, cfg Config) *Curator {
	if cfg.SampleLimit <= 0 {
		cfg = DefaultConfig()
	}
	return &Curator{client: client, config: cfg}
}

// Synthesize produces an identity profile from completed-file summaries.
// Specialist failures degrade the reduce input; total failure falls back to
// a deterministic statistical profile. Nodes are used only to link trait
// evidence back to memory.
func (c *Curator) Synthesize(ctx context.Context, summaries []types.FileSummary, nodes []types.MemoryNode) (*types.IdentityProfile, error) {
	if len(summaries) == 0 {
		return nil, fmt.Errorf("no completed findings to synthesize")
	}

	timer := logging.StartTimer(logging.CategoryCurator, "synthesize")
	defer timer.StopWithInfo()

	sample := c.sample(summaries)
	stats := aggregate(summaries)
	logging.Curator("Synthesizing from %d/%d summaries (%d repos, %d domains)",
		len(sample), len(summaries), stats.RepoCount, len(stats.DomainCounts))

	reports := append(c.mapPhase(ctx, sample), c.takePartials()...)
	profile := c.reducePhase(ctx, reports, stats)
	linkEvidence(profile, nodes, c.config.EvidenceLimit)

	profile.SchemaVersion = types.CurrentProfileSchemaVersion
	profile.GeneratedAt = time.Now()
	return profile, nil
}

// repoLensPrompt drives the per-repository partial synthesis that streams
// in as repositories finish analysis.
const repoLensPrompt = "You analyze the findings of a single repository. " +
	"Report what this repository reveals about its author: purpose, structure, " +
	"notable habits and technology choices, with concrete examples."

// SynthesizeRepo runs a partial synthesis over one finished repository's
// summaries. The report is retained and fed into the next full reduce, so
// per-repo insight reaches the profile even when a later sample would have
// crowded that repository out.
func (c *Curator) SynthesizeRepo(ctx context.Context, repo string, summaries []types.FileSummary) (*types.ThematicReport, error) {
	if len(summaries) == 0 {
		return nil, fmt.Errorf("no completed findings for %s", repo)
	}

	sample := c.sample(summaries)
	content, err := inference.CompleteWithRetry(ctx, c.client, inference.Request{
		System:      repoLensPrompt,
		User:        renderSample(sample),
		Temperature: 0.4,
	})
	if err != nil {
		return nil, fmt.Errorf("partial synthesis for %s failed: %w", repo, err)
	}

	report := types.ThematicReport{
		Lens:       "repo:" + repo,
		Content:    content,
		SampleSize: len(sample),
	}
	c.mu.Lock()
	c.partials = append(c.partials, report)
	c.mu.Unlock()

	logging.Curator("Partial synthesis ready for %s (%d files)", repo, len(sample))
	return &report, nil
}

func (c *Curator) takePartials() []types.ThematicReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.ThematicReport, len(c.partials))
	copy(out, c.partials)
	return out
}

// sample selects a deterministic, priority-weighted subset of summaries.
// Higher-priority files are always preferred; ties break on repo then path
// so the same corpus yields the same sample.
func (c *Curator) sample(summaries []types.FileSummary) []types.FileSummary {
	sorted := make([]types.FileSummary, len(summaries))
	copy(sorted, summaries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		if sorted[i].Repo != sorted[j].Repo {
			return sorted[i].Repo < sorted[j].Repo
		}
		return sorted[i].Path < sorted[j].Path
	})

	perRepo := make(map[string]int)
	out := make([]types.FileSummary, 0, c.config.SampleLimit)
	for _, s := range sorted {
		if len(out) >= c.config.SampleLimit {
			break
		}
		if perRepo[s.Repo] >= c.config.PerRepoLimit {
			continue
		}
		perRepo[s.Repo]++
		out = append(out, s)
	}
	return out
}

// mapPhase runs the three specialists in parallel. A failed specialist is
// logged and omitted; the reduce step works with whatever survived.
func (c *Curator) mapPhase(ctx context.Context, sample []types.FileSummary) []types.ThematicReport {
	corpus := renderSample(sample)

	results := make([]*types.ThematicReport, len(lenses))
	g, gctx := errgroup.WithContext(ctx)
	for i, lens := range lenses {
		i, lens := i, lens
		g.Go(func() error {
			content, err := inference.CompleteWithRetry(gctx, c.client, inference.Request{
				System:      lensPrompts[lens],
				User:        corpus,
				Temperature: 0.4,
			})
			if err != nil {
				logging.Get(logging.CategoryCurator).Warn("specialist %s failed: %v", lens, err)
				return nil // degrade, don't abort siblings
			}
			results[i] = &types.ThematicReport{
				Lens:       lens,
				Content:    content,
				SampleSize: len(sample),
			}
			return nil
		})
	}
	_ = g.Wait()

	reports := make([]types.ThematicReport, 0, len(lenses))
	for _, r := range results {
		if r != nil {
			reports = append(reports, *r)
		}
	}
	logging.Curator("Map phase: %d/%d specialists succeeded", len(reports), len(lenses))
	return reports
}

// reducePhase merges specialist reports into one profile. With no surviving
// reports, or an unrecoverable reduce response, the statistical fallback is
// used so the pipeline still completes.
func (c *Curator) reducePhase(ctx context.Context, reports []types.ThematicReport, stats Aggregates) *types.IdentityProfile {
	if len(reports) == 0 {
		logging.Get(logging.CategoryCurator).Warn("no specialist reports, using statistical fallback")
		profile := fallbackProfile(stats)
		return &profile
	}

	var sb strings.Builder
	for _, r := range reports {
		fmt.Fprintf(&sb, "## %s report (from %d files)\n%s\n\n", r.Lens, r.SampleSize, r.Content)
	}
	fmt.Fprintf(&sb, "## Corpus statistics\n%s\n", stats.Render())

	response, err := inference.CompleteWithRetry(ctx, c.client, inference.Request{
		System: "You are reducing specialist reports into one developer identity profile. " +
			"Write a third-person bio, score traits 0-100 with evidence, list distinctions, " +
			"signature files, code health, a one-line verdict, a tech radar and any anomalies. " +
			"Ground every claim in the reports.",
		User:        sb.String(),
		Temperature: 0.3,
		JSONMode:    true,
		Schema:      profileSchema,
	})
	if err != nil {
		logging.Get(logging.CategoryCurator).Warn("reduce call failed, using statistical fallback: %v", err)
		profile := fallbackProfile(stats)
		return &profile
	}

	profile := ParseProfile(response, stats)
	return &profile
}

func renderSample(sample []types.FileSummary) string {
	var sb strings.Builder
	sb.WriteString("Analyzed files (priority order):\n")
	for _, s := range sample {
		fmt.Fprintf(&sb, "- [%s] %s (domain=%s, confidence=%.2f, tier=%d): %s\n",
			s.Repo, s.Path, s.Domain, s.Confidence, s.Tier, s.Insight)
	}
	return sb.String()
}

// =============================================================================
// AGGREGATE STATISTICS
// =============================================================================

// Aggregates are deterministic corpus statistics, used both to enrich the
// reduce prompt and to build the fallback profile.
type Aggregates struct {
	FileCount     int
	RepoCount     int
	AvgConfidence float64
	DomainCounts  map[string]int
	TopDomains    []string
	// Versatility grows with distinct domains, saturating at 1.0.
	Versatility float64
	// Consistency is the share of findings at or above the mean confidence.
	Consistency float64
}

func aggregate(summaries []types.FileSummary) Aggregates {
	stats := Aggregates{DomainCounts: make(map[string]int)}
	repos := make(map[string]bool)
	var confSum float64
	for _, s := range summaries {
		stats.FileCount++
		repos[s.Repo] = true
		confSum += s.Confidence
		if s.Domain != "" {
			stats.DomainCounts[s.Domain]++
		}
	}
	stats.RepoCount = len(repos)
	if stats.FileCount > 0 {
		stats.AvgConfidence = confSum / float64(stats.FileCount)
	}

	above := 0
	for _, s := range summaries {
		if s.Confidence >= stats.AvgConfidence {
			above++
		}
	}
	if stats.FileCount > 0 {
		stats.Consistency = float64(above) / float64(stats.FileCount)
	}

	stats.Versatility = float64(len(stats.DomainCounts)) / 10.0
	if stats.Versatility > 1 {
		stats.Versatility = 1
	}

	type dc struct {
		domain string
		count  int
	}
	ranked := make([]dc, 0, len(stats.DomainCounts))
	for d, n := range stats.DomainCounts {
		ranked = append(ranked, dc{d, n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].domain < ranked[j].domain
	})
	for i, r := range ranked {
		if i >= 5 {
			break
		}
		stats.TopDomains = append(stats.TopDomains, r.domain)
	}
	return stats
}

// Render formats aggregates for the reduce prompt.
func (a Aggregates) Render() string {
	return fmt.Sprintf(
		"files=%d repos=%d avg_confidence=%.2f versatility_index=%.2f consistency_index=%.2f top_domains=%s",
		a.FileCount, a.RepoCount, a.AvgConfidence, a.Versatility, a.Consistency,
		strings.Join(a.TopDomains, ", "))
}

// =============================================================================
// EVIDENCE LINKING
// =============================================================================

// linkEvidence attaches memory node ids to traits whose evidence mentions
// an analyzed file, so the profile stays navigable back to raw findings.
func linkEvidence(profile *types.IdentityProfile, nodes []types.MemoryNode, limit int) {
	if len(nodes) == 0 {
		return
	}
	for i := range profile.Traits {
		trait := &profile.Traits[i]
		haystack := strings.ToLower(trait.Evidence + " " + trait.Details)
		for _, node := range nodes {
			if len(trait.EvidenceNodeIDs) >= limit {
				break
			}
			base := strings.ToLower(baseName(node.Finding.Path))
			if base == "" || !strings.Contains(haystack, base) {
				continue
			}
			trait.EvidenceNodeIDs = appendUnique(trait.EvidenceNodeIDs, node.ID)
		}
	}
}

func baseName(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func appendUnique(list []string, item string) []string {
	for _, v := range list {
		if v == item {
			return list
		}
	}
	return append(list, item)
}
