package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mauro3422/gitteach/internal/content"
	"github.com/mauro3422/gitteach/internal/inference"
	"github.com/mauro3422/gitteach/internal/inventory"
	"github.com/mauro3422/gitteach/internal/types"
)

// analysisClient replies with a valid finding for every file, or an error
// for paths listed in failPaths.
type analysisClient struct {
	mu        sync.Mutex
	calls     int
	failPaths map[string]error
	reply     func(req inference.Request) string
}

func (c *analysisClient) Complete(ctx context.Context, req inference.Request) (string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	for path, err := range c.failPaths {
		if strings.Contains(req.User, "File: "+path) {
			return "", err
		}
	}
	if c.reply != nil {
		return c.reply(req), nil
	}
	data, _ := json.Marshal(map[string]interface{}{
		"insight":         "favors small focused functions",
		"evidence_text":   "short handlers throughout",
		"domain_label":    "backend",
		"confidence":      0.85,
		"complexity_tier": 3,
	})
	return string(data), nil
}

func (c *analysisClient) Model() string { return "analysis-fake" }

// recordingSink captures stored findings.
type recordingSink struct {
	mu       sync.Mutex
	findings []types.Finding
}

func (s *recordingSink) StoreFinding(f types.Finding) *types.MemoryNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings = append(s.findings, f)
	return &types.MemoryNode{ID: "fake", Finding: f}
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.findings)
}

// recordingContext captures compactor feed calls.
type recordingContext struct {
	mu    sync.Mutex
	added []string
}

func (r *recordingContext) GetRepoContext(repo string) string { return "golden knowledge for " + repo }

func (r *recordingContext) AddToRepoContext(ctx context.Context, repo, path, summary string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, repo+":"+path)
}

func buildFixture(t *testing.T, files map[string]string) (*inventory.Inventory, *content.StaticProvider) {
	t.Helper()
	provider := content.NewStaticProvider()
	provider.AddRepo(content.RepoInfo{Name: "app"}, files)

	inv := inventory.New(inventory.Hooks{})
	repos, err := provider.ListRepositories(context.Background())
	require.NoError(t, err)
	inv.Init(repos)
	tree, err := provider.GetTree(context.Background(), "owner", "app")
	require.NoError(t, err)
	require.NoError(t, inv.RegisterRepoFiles("app", tree, tree.Hash, 0))
	return inv, provider
}

func TestRunDrainsInventory(t *testing.T) {
	files := map[string]string{}
	for i := 0; i < 12; i++ {
		files[fmt.Sprintf("src/file%02d.go", i)] = "package src"
	}
	inv, provider := buildFixture(t, files)
	sink := &recordingSink{}
	repoCtx := &recordingContext{}
	client := &analysisClient{}

	pool := New(inv, provider, "owner", client, repoCtx, sink, Config{
		NumWorkers:       3,
		ClaimSize:        4,
		MaxContentBytes:  1024,
		ProgressInterval: 5,
	})
	require.NoError(t, pool.Run(context.Background()))

	stats := pool.GetStats()
	assert.Equal(t, 12, stats.Processed)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, stats.Pending)
	assert.InDelta(t, 100.0, stats.Percent, 0.01)
	assert.Equal(t, 12, sink.count())
	assert.True(t, inv.IsRepoComplete("app"))
}

func TestRunRecordsFailuresWithoutAborting(t *testing.T) {
	inv, provider := buildFixture(t, map[string]string{
		"good.go": "package main",
		"bad.go":  "package main",
	})
	client := &analysisClient{failPaths: map[string]error{
		"bad.go": &inference.APIError{StatusCode: 400, Message: "rejected"},
	}}
	sink := &recordingSink{}

	pool := New(inv, provider, "owner", client, nil, sink, DefaultConfig())
	require.NoError(t, pool.Run(context.Background()))

	stats := pool.GetStats()
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.Failed)
	assert.True(t, inv.IsRepoComplete("app"), "failures still count toward repo completion")
	assert.Equal(t, 1, sink.count())
}

func TestEmptyFileSkippedWithoutInference(t *testing.T) {
	inv, provider := buildFixture(t, map[string]string{
		"empty.go": "   \n",
	})
	client := &analysisClient{}

	pool := New(inv, provider, "owner", client, nil, nil, DefaultConfig())
	require.NoError(t, pool.Run(context.Background()))

	assert.Zero(t, client.calls)
	result, ok := inv.Result("app", "empty.go")
	require.True(t, ok)
	skipped, ok := result.(types.SkippedFile)
	require.True(t, ok)
	assert.Equal(t, "empty", skipped.Reason)
}

func TestPromptIncludesRepoContext(t *testing.T) {
	inv, provider := buildFixture(t, map[string]string{"a.go": "package main"})
	var captured inference.Request
	var mu sync.Mutex
	client := &analysisClient{reply: func(req inference.Request) string {
		mu.Lock()
		captured = req
		mu.Unlock()
		return `{"insight": "x", "domain_label": "backend", "confidence": 0.5}`
	}}

	pool := New(inv, provider, "owner", client, &recordingContext{}, nil, DefaultConfig())
	require.NoError(t, pool.Run(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, captured.User, "golden knowledge for app")
	assert.Contains(t, captured.User, "File: a.go")
	assert.True(t, captured.JSONMode)
	assert.NotNil(t, captured.Schema)
}

func TestProgressCallbackCadence(t *testing.T) {
	files := map[string]string{}
	for i := 0; i < 10; i++ {
		files[fmt.Sprintf("f%02d.go", i)] = "package f"
	}
	inv, provider := buildFixture(t, files)

	var mu sync.Mutex
	events := 0
	pool := New(inv, provider, "owner", &analysisClient{}, nil, nil, Config{
		NumWorkers:       1,
		ClaimSize:        10,
		MaxContentBytes:  1024,
		ProgressInterval: 5,
	})
	pool.OnProgress(func(stats Stats) {
		mu.Lock()
		events++
		mu.Unlock()
	})
	require.NoError(t, pool.Run(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, events, "10 files at interval 5")
}

func TestParseAnalysis(t *testing.T) {
	tests := []struct {
		name         string
		response     string
		wantOK       bool
		wantFallback bool
	}{
		{
			name:     "full structured",
			response: `{"insight": "uses generics", "evidence_text": "constraints.go", "domain_label": "backend", "confidence": 0.9, "complexity_tier": 4}`,
			wantOK:   true,
		},
		{
			name:     "markdown wrapped",
			response: "```json\n{\"insight\": \"uses generics\", \"domain_label\": \"backend\", \"confidence\": 0.7}\n```",
			wantOK:   true,
		},
		{
			name:         "partial object",
			response:     `{"insight": "terse but real", "unexpected": {"nested": true}, "confidence": "not-a-number"}`,
			wantOK:       true,
			wantFallback: true,
		},
		{
			name:         "plain text",
			response:     "The file shows disciplined error wrapping.",
			wantOK:       true,
			wantFallback: true,
		},
		{
			name:     "empty",
			response: "",
			wantOK:   false,
		},
		{
			name:     "unrecoverable json",
			response: `{"no_insight_field": true}`,
			wantOK:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, finding, ok := parseAnalysis("app", "a.go", tt.response)
			assert.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			assert.Equal(t, "app", finding.Repo)
			assert.Equal(t, "a.go", finding.Path)
			assert.NotEmpty(t, finding.Insight)
			switch result.(type) {
			case types.ParsedFinding:
				assert.False(t, tt.wantFallback)
			case types.FallbackFinding:
				assert.True(t, tt.wantFallback)
			default:
				t.Fatalf("unexpected result type %T", result)
			}
		})
	}
}

func TestParseAnalysisClampsValues(t *testing.T) {
	response := `{"insight": "x", "domain_label": "backend", "confidence": 7.5, "complexity_tier": 99}`
	_, finding, ok := parseAnalysis("app", "a.go", response)
	require.True(t, ok)
	assert.Equal(t, 1.0, finding.Confidence)
	assert.Equal(t, 5, finding.ComplexityTier)
}

func TestContentTruncation(t *testing.T) {
	pool := New(nil, nil, "owner", nil, nil, nil, Config{
		NumWorkers:      1,
		ClaimSize:       1,
		MaxContentBytes: 10,
	})
	req := pool.buildRequest(types.FileTask{Repo: "app", Path: "big.go"}, strings.Repeat("x", 100))
	assert.Contains(t, req.User, "(truncated)")
	assert.Less(t, len(req.User), 200)
}
