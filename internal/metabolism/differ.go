// Package metabolism digests a freshly synthesized identity profile against
// the persisted one: it diffs the two, decides whether the change is
// significant, and only then lets the new profile replace the old. The
// cognitive profile evolves alongside; established patterns are
// strengthened, not replaced.
package metabolism

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mauro3422/gitteach/internal/inference"
	"github.com/mauro3422/gitteach/internal/logging"
	"github.com/mauro3422/gitteach/internal/store"
	"github.com/mauro3422/gitteach/internal/types"
)

// SignificanceDelta is the minimum trait score movement worth reporting.
const SignificanceDelta = 10

// =============================================================================
// DIFFING
// =============================================================================

// Digest compares the previous profile with a new one. A nil old profile
// marks the initial synthesis milestone.
func Digest(old, new *types.IdentityProfile) types.ChangeReport {
	report := types.ChangeReport{}
	if new == nil {
		return report
	}
	if old == nil {
		report.Milestone = types.MilestoneInitialSynthesis
		for _, t := range new.Traits {
			report.NewSkills = append(report.NewSkills, t.Name)
		}
		return report
	}

	oldTraits := make(map[string]types.Trait, len(old.Traits))
	for _, t := range old.Traits {
		oldTraits[normalizeName(t.Name)] = t
	}

	for _, t := range new.Traits {
		prev, existed := oldTraits[normalizeName(t.Name)]
		if !existed {
			report.NewSkills = append(report.NewSkills, t.Name)
			continue
		}
		delta := t.Score - prev.Score
		if delta < 0 {
			delta = -delta
		}
		if delta >= SignificanceDelta {
			report.ScoreChanges = append(report.ScoreChanges, types.ScoreChange{
				Trait:    t.Name,
				OldScore: prev.Score,
				NewScore: t.Score,
			})
		}
	}

	oldAnomalies := make(map[string]bool, len(old.Anomalies))
	for _, a := range old.Anomalies {
		oldAnomalies[normalizeName(a)] = true
	}
	for _, a := range new.Anomalies {
		if !oldAnomalies[normalizeName(a)] {
			report.NewAnomalies = append(report.NewAnomalies, a)
		}
	}

	return report
}

// IsSignificant reports whether a change report warrants persisting the new
// profile. Identical profiles never count as significant.
func IsSignificant(report types.ChangeReport) bool {
	return report.Milestone != "" ||
		len(report.NewSkills) > 0 ||
		len(report.ScoreChanges) > 0 ||
		len(report.NewAnomalies) > 0
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// =============================================================================
// DIFFER
// =============================================================================

// Differ runs the full digestion cycle against the KV store.
type Differ struct {
	client inference.Client
	kv     store.KV
}

// New creates a differ. The client is used only for cognitive evolution.
func New(client inference.Client, kv store.KV) *Differ {
	return &Differ{client: client, kv: kv}
}

// Process digests a new profile: load the persisted one, diff, and when the
// change is significant persist the new profile and evolve the cognitive
// profile. Returns the report and whether persistence happened.
func (d *Differ) Process(ctx context.Context, newProfile *types.IdentityProfile) (types.ChangeReport, bool, error) {
	timer := logging.StartTimer(logging.CategoryMetabolism, "digest")
	defer timer.Stop()

	old, err := d.loadProfile(ctx)
	if err != nil {
		return types.ChangeReport{}, false, err
	}

	report := Digest(old, newProfile)
	if !IsSignificant(report) {
		logging.Metabolism("No significant change, keeping existing profile")
		return report, false, nil
	}

	cognitive, err := d.evolveCognitive(ctx, newProfile, report)
	if err != nil {
		// Evolution is best-effort; the identity profile still persists.
		logging.Get(logging.CategoryMetabolism).Warn("cognitive evolution failed: %v", err)
	} else {
		report.EvolutionSnapshot = cognitive.EvolutionSnapshot
	}

	if err := d.persist(ctx, newProfile, cognitive); err != nil {
		return report, false, err
	}

	logging.Metabolism("Profile persisted: %d new skills, %d score changes, %d anomalies (milestone=%s)",
		len(report.NewSkills), len(report.ScoreChanges), len(report.NewAnomalies), report.Milestone)
	return report, true, nil
}

func (d *Differ) loadProfile(ctx context.Context) (*types.IdentityProfile, error) {
	data, err := d.kv.Get(ctx, store.KeyIdentityProfile)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load identity profile: %w", err)
	}
	var profile types.IdentityProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse persisted profile: %w", err)
	}
	return &profile, nil
}

func (d *Differ) loadCognitive(ctx context.Context) *types.CognitiveProfile {
	data, err := d.kv.Get(ctx, store.KeyCognitiveProfile)
	if err != nil {
		return nil
	}
	var cognitive types.CognitiveProfile
	if err := json.Unmarshal(data, &cognitive); err != nil {
		return nil
	}
	return &cognitive
}

// persist writes identity and cognitive profiles atomically.
func (d *Differ) persist(ctx context.Context, profile *types.IdentityProfile, cognitive *types.CognitiveProfile) error {
	profileData, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	ops := []store.BatchOp{{Type: store.BatchPut, Key: store.KeyIdentityProfile, Value: profileData}}

	if cognitive != nil {
		cognitiveData, err := json.Marshal(cognitive)
		if err != nil {
			return fmt.Errorf("failed to marshal cognitive profile: %w", err)
		}
		ops = append(ops, store.BatchOp{Type: store.BatchPut, Key: store.KeyCognitiveProfile, Value: cognitiveData})
	}

	if err := d.kv.Batch(ctx, ops); err != nil {
		return fmt.Errorf("failed to persist profiles: %w", err)
	}
	return nil
}

// =============================================================================
// COGNITIVE EVOLUTION
// =============================================================================

type cognitiveResponse struct {
	Title             string   `json:"title"`
	CoreLanguages     []string `json:"core_languages"`
	Patterns          []string `json:"patterns"`
	EvolutionSnapshot string   `json:"evolution_snapshot"`
}

// evolveCognitive updates the compact narrative profile. Existing patterns
// must survive the update; the model may only add or strengthen them. On
// any failure a deterministic merge keeps the cycle moving.
func (d *Differ) evolveCognitive(ctx context.Context, profile *types.IdentityProfile, report types.ChangeReport) (*types.CognitiveProfile, error) {
	existing := d.loadCognitive(ctx)

	var sb strings.Builder
	if existing != nil {
		fmt.Fprintf(&sb, "Existing cognitive profile:\ntitle: %s\nlanguages: %s\npatterns:\n",
			existing.Title, strings.Join(existing.CoreLanguages, ", "))
		for _, p := range existing.Patterns {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "New identity profile bio:\n%s\n\nVerdict: %s\n", profile.Bio, profile.Verdict)
	if len(report.NewSkills) > 0 {
		fmt.Fprintf(&sb, "\nNew skills observed: %s\n", strings.Join(report.NewSkills, ", "))
	}
	for _, sc := range report.ScoreChanges {
		fmt.Fprintf(&sb, "Score change: %s %d -> %d\n", sc.Trait, sc.OldScore, sc.NewScore)
	}

	response, err := inference.CompleteWithRetry(ctx, d.client, inference.Request{
		System: "You maintain a developer's cognitive profile across analysis runs. " +
			"Update it from the new identity profile. Existing patterns must be kept " +
			"and strengthened where re-observed, never dropped or replaced. Also write " +
			"a one-sentence evolution snapshot describing what changed this run.",
		User:        sb.String(),
		Temperature: 0.3,
		JSONMode:    true,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"title":              map[string]interface{}{"type": "string"},
				"core_languages":     map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				"patterns":           map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				"evolution_snapshot": map[string]interface{}{"type": "string"},
			},
			"required": []string{"title", "patterns", "evolution_snapshot"},
		},
	})
	if err != nil {
		return mergeCognitive(existing, profile, report), err
	}

	var parsed cognitiveResponse
	if err := json.Unmarshal([]byte(extractObject(response)), &parsed); err != nil || parsed.Title == "" {
		return mergeCognitive(existing, profile, report), fmt.Errorf("cognitive response parse failed: %v", err)
	}

	cognitive := &types.CognitiveProfile{
		Title:             parsed.Title,
		CoreLanguages:     parsed.CoreLanguages,
		Patterns:          parsed.Patterns,
		EvolutionSnapshot: parsed.EvolutionSnapshot,
		UpdatedAt:         time.Now(),
	}
	if existing != nil {
		// Enforce the invariant even when the model dropped a pattern.
		cognitive.Patterns = unionPreserving(existing.Patterns, cognitive.Patterns)
	}
	return cognitive, nil
}

// mergeCognitive is the deterministic evolution fallback: keep everything
// existing, add new skills as patterns.
func mergeCognitive(existing *types.CognitiveProfile, profile *types.IdentityProfile, report types.ChangeReport) *types.CognitiveProfile {
	cognitive := &types.CognitiveProfile{UpdatedAt: time.Now()}
	if existing != nil {
		cognitive.Title = existing.Title
		cognitive.CoreLanguages = existing.CoreLanguages
		cognitive.Patterns = existing.Patterns
	}
	if cognitive.Title == "" {
		cognitive.Title = "Developer"
	}
	cognitive.Patterns = unionPreserving(cognitive.Patterns, report.NewSkills)
	cognitive.EvolutionSnapshot = fmt.Sprintf("Merged %d new skills without narrative evolution", len(report.NewSkills))
	return cognitive
}

// unionPreserving keeps base order and appends unseen items.
func unionPreserving(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	seen := make(map[string]bool, len(base)+len(extra))
	for _, v := range base {
		key := normalizeName(v)
		if !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	for _, v := range extra {
		key := normalizeName(v)
		if !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	return out
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
