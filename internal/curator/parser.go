package curator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mauro3422/gitteach/internal/logging"
	"github.com/mauro3422/gitteach/internal/types"
)

// profileSchema constrains the reduce response.
var profileSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"bio": map[string]interface{}{"type": "string"},
		"traits": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"name":     map[string]interface{}{"type": "string"},
					"score":    map[string]interface{}{"type": "integer"},
					"details":  map[string]interface{}{"type": "string"},
					"evidence": map[string]interface{}{"type": "string"},
				},
				"required": []string{"name", "score"},
			},
		},
		"distinctions":    map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		"signature_files": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		"code_health": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"score":          map[string]interface{}{"type": "integer"},
				"tests_presence": map[string]interface{}{"type": "boolean"},
				"docs_presence":  map[string]interface{}{"type": "boolean"},
				"notes":          map[string]interface{}{"type": "string"},
			},
		},
		"verdict": map[string]interface{}{"type": "string"},
		"tech_radar": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"adopt":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				"trial":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				"assess": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				"hold":   map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			},
		},
		"anomalies": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
	},
	"required": []string{"bio", "traits", "verdict"},
}

// profileResponse mirrors profileSchema.
type profileResponse struct {
	Bio            string           `json:"bio"`
	Traits         []types.Trait    `json:"traits"`
	Distinctions   []string         `json:"distinctions"`
	SignatureFiles []string         `json:"signature_files"`
	CodeHealth     types.CodeHealth `json:"code_health"`
	Verdict        string           `json:"verdict"`
	TechRadar      types.TechRadar  `json:"tech_radar"`
	Anomalies      []string         `json:"anomalies"`
}

// ParseProfile turns a reduce response into a profile through descending
// parser tiers:
//
//  1. full structured parse of the extracted JSON object
//  2. brace extraction over the raw response, then full parse
//  3. scavenging individual named sub-blocks out of broken JSON
//  4. deterministic statistical fallback
//
// The Source field records which tier produced the result.
func ParseProfile(response string, stats Aggregates) types.IdentityProfile {
	// Tier 1: the response is (or contains) a clean object.
	if profile, ok := parseFull(extractJSON(response)); ok {
		profile.Source = types.SourceSynthesis
		return profile
	}

	// Tier 2: strip everything outside the outermost braces and retry.
	// Catches markdown fences and chatty preambles with trailing junk.
	if stripped := strictBraces(response); stripped != "" {
		if profile, ok := parseFull(stripped); ok {
			profile.Source = types.SourceSynthesis
			return profile
		}
	}

	// Tier 3: the object as a whole is broken; recover named sub-blocks.
	if profile, ok := scavenge(response); ok {
		logging.Get(logging.CategoryCurator).Warn("profile scavenged from partial response")
		profile.Source = types.SourceScavenged
		return profile
	}

	// Tier 4: nothing usable; derive a profile from corpus statistics.
	logging.Get(logging.CategoryCurator).Warn("profile response unusable, statistical fallback engaged")
	return fallbackProfile(stats)
}

func parseFull(raw string) (types.IdentityProfile, bool) {
	var parsed profileResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return types.IdentityProfile{}, false
	}
	if strings.TrimSpace(parsed.Bio) == "" || len(parsed.Traits) == 0 {
		return types.IdentityProfile{}, false
	}
	for i := range parsed.Traits {
		parsed.Traits[i].Score = clampScore(parsed.Traits[i].Score)
	}
	return types.IdentityProfile{
		Bio:            parsed.Bio,
		Traits:         parsed.Traits,
		Distinctions:   parsed.Distinctions,
		SignatureFiles: parsed.SignatureFiles,
		CodeHealth:     parsed.CodeHealth,
		Verdict:        parsed.Verdict,
		TechRadar:      parsed.TechRadar,
		Anomalies:      parsed.Anomalies,
	}, true
}

// scavenge pulls whatever named sub-blocks survive in a broken response.
// A result needs at least a bio or one trait to count as recovered.
func scavenge(response string) (types.IdentityProfile, bool) {
	profile := types.IdentityProfile{}
	found := false

	if bio, ok := scavengeString(response, "bio"); ok {
		profile.Bio = bio
		found = true
	}
	if verdict, ok := scavengeString(response, "verdict"); ok {
		profile.Verdict = verdict
	}

	if block, ok := scavengeBlock(response, "traits", '[', ']'); ok {
		var traits []types.Trait
		if err := json.Unmarshal([]byte(block), &traits); err == nil && len(traits) > 0 {
			for i := range traits {
				traits[i].Score = clampScore(traits[i].Score)
			}
			profile.Traits = traits
			found = true
		}
	}
	if block, ok := scavengeBlock(response, "tech_radar", '{', '}'); ok {
		var radar types.TechRadar
		if err := json.Unmarshal([]byte(block), &radar); err == nil {
			profile.TechRadar = radar
		}
	}
	if block, ok := scavengeBlock(response, "code_health", '{', '}'); ok {
		var health types.CodeHealth
		if err := json.Unmarshal([]byte(block), &health); err == nil {
			profile.CodeHealth = health
		}
	}

	if !found {
		return types.IdentityProfile{}, false
	}
	if profile.Bio == "" {
		profile.Bio = "Profile partially recovered from an incomplete synthesis response."
	}
	return profile, true
}

// scavengeString extracts a `"key": "value"` string field, tolerating
// escaped quotes.
func scavengeString(response, key string) (string, bool) {
	marker := fmt.Sprintf("%q", key)
	idx := strings.Index(response, marker)
	if idx == -1 {
		return "", false
	}
	rest := response[idx+len(marker):]
	colon := strings.Index(rest, ":")
	if colon == -1 {
		return "", false
	}
	rest = strings.TrimLeft(rest[colon+1:], " \t\n\r")
	if len(rest) == 0 || rest[0] != '"' {
		return "", false
	}
	for i := 1; i < len(rest); i++ {
		if rest[i] == '"' && rest[i-1] != '\\' {
			value := rest[1:i]
			var out string
			if err := json.Unmarshal([]byte(`"`+value+`"`), &out); err != nil {
				return value, value != ""
			}
			return out, out != ""
		}
	}
	return "", false
}

// scavengeBlock extracts a balanced bracketed value following `"key":`.
func scavengeBlock(response, key string, open, close byte) (string, bool) {
	marker := fmt.Sprintf("%q", key)
	idx := strings.Index(response, marker)
	if idx == -1 {
		return "", false
	}
	rest := response[idx+len(marker):]
	start := strings.IndexByte(rest, open)
	if start == -1 {
		return "", false
	}
	depth := 0
	inString := false
	for i := start; i < len(rest); i++ {
		ch := rest[i]
		if inString {
			if ch == '\\' {
				i++
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return rest[start : i+1], true
			}
		}
	}
	return "", false
}

// fallbackProfile builds a deterministic profile from corpus statistics.
// No inference involved; the same corpus always yields the same profile.
func fallbackProfile(stats Aggregates) types.IdentityProfile {
	traits := []types.Trait{
		{
			Name:    "Versatility",
			Score:   clampScore(int(stats.Versatility * 100)),
			Details: fmt.Sprintf("Active across %d domains", len(stats.DomainCounts)),
		},
		{
			Name:    "Consistency",
			Score:   clampScore(int(stats.Consistency * 100)),
			Details: fmt.Sprintf("%.0f%% of findings at or above mean confidence", stats.Consistency*100),
		},
	}
	domains := strings.Join(stats.TopDomains, ", ")
	if domains == "" {
		domains = "general software development"
	}
	return types.IdentityProfile{
		Bio: fmt.Sprintf(
			"Developer with %d analyzed files across %d repositories, primarily working in %s.",
			stats.FileCount, stats.RepoCount, domains),
		Traits:  traits,
		Verdict: "Synthesized from corpus statistics only; rerun for a narrative profile.",
		CodeHealth: types.CodeHealth{
			Score: clampScore(int(stats.AvgConfidence * 100)),
			Notes: "Derived from mean finding confidence.",
		},
		TechRadar:     types.TechRadar{Adopt: stats.TopDomains},
		Source:        types.SourceFallback,
		SchemaVersion: types.CurrentProfileSchemaVersion,
		GeneratedAt:   time.Now(),
	}
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// extractJSON finds the outermost JSON object, tolerating markdown fences.
func extractJSON(response string) string {
	trimmed := strings.TrimSpace(response)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if end := strings.LastIndex(trimmed, "```"); end != -1 {
			trimmed = trimmed[:end]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	return trimmed
}

// strictBraces returns the substring between the first '{' and its matching
// brace, or empty when unbalanced.
func strictBraces(response string) string {
	start := strings.Index(response, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	for i := start; i < len(response); i++ {
		ch := response[i]
		if inString {
			if ch == '\\' {
				i++
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return response[start : i+1]
			}
		}
	}
	return ""
}
