package metabolism

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mauro3422/gitteach/internal/inference"
	"github.com/mauro3422/gitteach/internal/store"
	"github.com/mauro3422/gitteach/internal/types"
)

func profileWith(traits ...types.Trait) *types.IdentityProfile {
	return &types.IdentityProfile{
		SchemaVersion: types.CurrentProfileSchemaVersion,
		Bio:           "bio",
		Traits:        traits,
		Verdict:       "verdict",
		GeneratedAt:   time.Now(),
	}
}

func TestDigestInitialSynthesis(t *testing.T) {
	newProfile := profileWith(
		types.Trait{Name: "Testing", Score: 80},
		types.Trait{Name: "API design", Score: 70},
	)

	report := Digest(nil, newProfile)
	assert.Equal(t, types.MilestoneInitialSynthesis, report.Milestone)
	assert.Equal(t, []string{"Testing", "API design"}, report.NewSkills)
	assert.True(t, IsSignificant(report))
}

func TestDigestIdenticalProfilesNotSignificant(t *testing.T) {
	profile := profileWith(
		types.Trait{Name: "Testing", Score: 80},
		types.Trait{Name: "API design", Score: 70},
	)
	profile.Anomalies = []string{"no CI"}

	report := Digest(profile, profile)
	assert.Empty(t, report.NewSkills)
	assert.Empty(t, report.ScoreChanges)
	assert.Empty(t, report.NewAnomalies)
	assert.Empty(t, report.Milestone)
	assert.False(t, IsSignificant(report))
}

func TestDigestScoreDelta(t *testing.T) {
	old := profileWith(
		types.Trait{Name: "Testing", Score: 80},
		types.Trait{Name: "API design", Score: 70},
		types.Trait{Name: "Docs", Score: 50},
	)
	tests := []struct {
		name     string
		newScore int
		reported bool
	}{
		{"exactly at threshold", 90, true},
		{"above threshold downward", 60, true},
		{"below threshold", 85, false},
		{"unchanged", 80, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			newProfile := profileWith(
				types.Trait{Name: "Testing", Score: tt.newScore},
				types.Trait{Name: "API design", Score: 70},
				types.Trait{Name: "Docs", Score: 50},
			)
			report := Digest(old, newProfile)
			if tt.reported {
				require.Len(t, report.ScoreChanges, 1)
				assert.Equal(t, "Testing", report.ScoreChanges[0].Trait)
				assert.Equal(t, 80, report.ScoreChanges[0].OldScore)
				assert.Equal(t, tt.newScore, report.ScoreChanges[0].NewScore)
				assert.True(t, IsSignificant(report))
			} else {
				assert.Empty(t, report.ScoreChanges)
				assert.False(t, IsSignificant(report))
			}
		})
	}
}

func TestDigestNewSkillsAndAnomalies(t *testing.T) {
	old := profileWith(types.Trait{Name: "Testing", Score: 80})
	old.Anomalies = []string{"no CI"}

	newProfile := profileWith(
		types.Trait{Name: "testing", Score: 82}, // case-insensitive match
		types.Trait{Name: "Observability", Score: 65},
	)
	newProfile.Anomalies = []string{"no CI", "secrets in config"}

	report := Digest(old, newProfile)
	assert.Equal(t, []string{"Observability"}, report.NewSkills)
	assert.Equal(t, []string{"secrets in config"}, report.NewAnomalies)
}

// evolveClient replies to the cognitive evolution call.
type evolveClient struct {
	reply string
	err   error
}

func (c *evolveClient) Complete(ctx context.Context, req inference.Request) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return c.reply, nil
}

func (c *evolveClient) Model() string { return "evolve-fake" }

func cognitiveReply(title, snapshot string, patterns ...string) string {
	data, _ := json.Marshal(cognitiveResponse{
		Title:             title,
		CoreLanguages:     []string{"Go"},
		Patterns:          patterns,
		EvolutionSnapshot: snapshot,
	})
	return string(data)
}

func TestProcessFirstRunPersists(t *testing.T) {
	kv := store.NewMemKV()
	d := New(&evolveClient{reply: cognitiveReply("Systems Builder", "first synthesis", "table tests")}, kv)

	report, persisted, err := d.Process(context.Background(), profileWith(types.Trait{Name: "Testing", Score: 80}))
	require.NoError(t, err)
	assert.True(t, persisted)
	assert.Equal(t, types.MilestoneInitialSynthesis, report.Milestone)
	assert.Equal(t, "first synthesis", report.EvolutionSnapshot)

	data, err := kv.Get(context.Background(), store.KeyIdentityProfile)
	require.NoError(t, err)
	var stored types.IdentityProfile
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, "Testing", stored.Traits[0].Name)

	data, err = kv.Get(context.Background(), store.KeyCognitiveProfile)
	require.NoError(t, err)
	var cognitive types.CognitiveProfile
	require.NoError(t, json.Unmarshal(data, &cognitive))
	assert.Equal(t, "Systems Builder", cognitive.Title)
}

func TestProcessInsignificantRunKeepsOldProfile(t *testing.T) {
	kv := store.NewMemKV()
	d := New(&evolveClient{reply: cognitiveReply("x", "y")}, kv)
	ctx := context.Background()

	profile := profileWith(types.Trait{Name: "Testing", Score: 80})
	_, persisted, err := d.Process(ctx, profile)
	require.NoError(t, err)
	require.True(t, persisted)

	before, err := kv.Get(ctx, store.KeyIdentityProfile)
	require.NoError(t, err)

	// Second run with a near-identical profile: nothing to report.
	rerun := profileWith(types.Trait{Name: "Testing", Score: 83})
	rerun.Bio = "slightly different bio"
	_, persisted, err = d.Process(ctx, rerun)
	require.NoError(t, err)
	assert.False(t, persisted)

	after, err := kv.Get(ctx, store.KeyIdentityProfile)
	require.NoError(t, err)
	assert.Equal(t, before, after, "insignificant runs never touch the stored profile")
}

func TestProcessEvolutionFailureStillPersistsProfile(t *testing.T) {
	kv := store.NewMemKV()
	d := New(&evolveClient{err: &inference.APIError{StatusCode: 400, Message: "down"}}, kv)

	_, persisted, err := d.Process(context.Background(), profileWith(types.Trait{Name: "Testing", Score: 80}))
	require.NoError(t, err)
	assert.True(t, persisted)

	_, err = kv.Get(context.Background(), store.KeyIdentityProfile)
	assert.NoError(t, err)
}

func TestEvolvePatternsStrengthenedNotReplaced(t *testing.T) {
	kv := store.NewMemKV()
	existing := types.CognitiveProfile{
		Title:    "Systems Builder",
		Patterns: []string{"table tests", "explicit errors"},
	}
	data, err := json.Marshal(existing)
	require.NoError(t, err)
	require.NoError(t, kv.Put(context.Background(), store.KeyCognitiveProfile, data))

	// The model "forgets" an existing pattern; the differ restores it.
	d := New(&evolveClient{reply: cognitiveReply("Systems Builder", "added caching", "table tests", "cache layering")}, kv)
	cognitive, err := d.evolveCognitive(context.Background(),
		profileWith(types.Trait{Name: "Caching", Score: 70}),
		types.ChangeReport{NewSkills: []string{"Caching"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"table tests", "explicit errors", "cache layering"}, cognitive.Patterns)
}

func TestMergeCognitiveFallback(t *testing.T) {
	existing := &types.CognitiveProfile{Title: "Builder", Patterns: []string{"a"}}
	merged := mergeCognitive(existing, profileWith(), types.ChangeReport{NewSkills: []string{"b", "a"}})

	assert.Equal(t, "Builder", merged.Title)
	assert.Equal(t, []string{"a", "b"}, merged.Patterns)
	assert.NotEmpty(t, merged.EvolutionSnapshot)

	fresh := mergeCognitive(nil, profileWith(), types.ChangeReport{})
	assert.Equal(t, "Developer", fresh.Title)
}
