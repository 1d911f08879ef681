package inventory

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mauro3422/gitteach/internal/content"
	"github.com/mauro3422/gitteach/internal/types"
)

func TestComputePriority(t *testing.T) {
	tests := []struct {
		path string
		want int
	}{
		{"package.json", PriorityManifest},
		{"go.mod", PriorityManifest},
		{"README.md", PriorityReadme},
		{"readme.txt", PriorityReadme},
		{"src/main.js", PriorityEntry},
		{"cmd/app/main.go", PriorityEntry},
		{"src/index.ts", PriorityEntry},
		{"src/server.go", PrioritySource},
		{"lib/parser.py", PrioritySource},
		{"docs/guide.md", PriorityDocs},
		{"config/app.yaml", PriorityConfig},
		{"LICENSE", PriorityOther},
		{"dist/bundle.js", PriorityVendored},
		{"node_modules/lodash/index.js", PriorityVendored},
		{"vendor/pkg/mod.go", PriorityVendored},
		{"package-lock.json", PriorityVendored},
		{"go.sum", PriorityVendored},
		{"app.min.js", PriorityVendored},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputePriority(tt.path))
		})
	}
}

func TestPriorityOrdering(t *testing.T) {
	// The canonical ordering the scheduler depends on.
	paths := []string{"package.json", "README.md", "src/main.js", "dist/bundle.js"}
	for i := 0; i < len(paths)-1; i++ {
		assert.Greater(t, ComputePriority(paths[i]), ComputePriority(paths[i+1]),
			"%s must outrank %s", paths[i], paths[i+1])
	}
}

func makeTree(paths ...string) *content.Tree {
	tree := &content.Tree{Hash: "tree-hash"}
	for _, p := range paths {
		tree.Entries = append(tree.Entries, content.TreeEntry{
			Path: p,
			Hash: "blob-" + p,
			Type: types.EntryBlob,
			Size: 100,
		})
	}
	return tree
}

func seedInventory(t *testing.T, hooks Hooks, repo string, paths ...string) *Inventory {
	t.Helper()
	inv := New(hooks)
	inv.Init([]content.RepoInfo{{Name: repo}})
	require.NoError(t, inv.RegisterRepoFiles(repo, makeTree(paths...), "tree-hash", 0))
	return inv
}

func TestRegisterRepoFilesIgnoresTrees(t *testing.T) {
	inv := New(Hooks{})
	inv.Init([]content.RepoInfo{{Name: "app"}})

	tree := makeTree("main.go")
	tree.Entries = append(tree.Entries, content.TreeEntry{Path: "src", Type: types.EntryTree})
	require.NoError(t, inv.RegisterRepoFiles("app", tree, "h", 0))

	assert.Equal(t, 1, inv.Stats().TotalFiles)
}

func TestRegisterRepoFilesCapRecordsSkipped(t *testing.T) {
	inv := New(Hooks{})
	inv.Init([]content.RepoInfo{{Name: "app"}})
	require.NoError(t, inv.RegisterRepoFiles("app",
		makeTree("package.json", "README.md", "a.go", "b.go"), "h", 2))

	assert.Equal(t, 2, inv.Stats().TotalFiles)
	skipped := inv.Skipped()
	require.Len(t, skipped, 2)
	for _, s := range skipped {
		assert.Equal(t, "capped", s.Reason)
	}
	// Highest-priority files survive the cap.
	batch := inv.GetNextBatch(10, false)
	require.Len(t, batch, 2)
	assert.Equal(t, "package.json", batch[0].Path)
	assert.Equal(t, "README.md", batch[1].Path)
}

func TestGetNextBatchPriorityOrderAndFloor(t *testing.T) {
	inv := seedInventory(t, Hooks{}, "app",
		"dist/bundle.js", "src/util.go", "README.md", "package.json")

	batch := inv.GetNextBatch(10, false)
	require.Len(t, batch, 3, "vendored file stays below the floor")
	assert.Equal(t, "package.json", batch[0].Path)
	assert.Equal(t, "README.md", batch[1].Path)
	assert.Equal(t, "src/util.go", batch[2].Path)

	floor := inv.GetNextBatch(10, true)
	require.Len(t, floor, 1)
	assert.Equal(t, "dist/bundle.js", floor[0].Path)
}

func TestGetNextBatchNeverReturnsTaskTwice(t *testing.T) {
	var paths []string
	for i := 0; i < 100; i++ {
		paths = append(paths, fmt.Sprintf("src/file%03d.go", i))
	}
	inv := seedInventory(t, Hooks{}, "app", paths...)

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch := inv.GetNextBatch(7, false)
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, task := range batch {
					seen[task.Path]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 100)
	for path, n := range seen {
		assert.Equal(t, 1, n, "task %s claimed %d times", path, n)
	}
}

func TestStatsInvariant(t *testing.T) {
	inv := seedInventory(t, Hooks{}, "app", "a.go", "b.go", "c.go", "d.go")
	batch := inv.GetNextBatch(4, false)
	require.Len(t, batch, 4)

	require.NoError(t, inv.MarkCompleted("app", "a.go", types.ParsedFinding{
		Finding: types.Finding{Repo: "app", Path: "a.go", Insight: "x"}}))
	require.NoError(t, inv.MarkFailed("app", "b.go", "boom"))

	stats := inv.Stats()
	completed, failed := inv.RepoCounts("app")
	assert.Equal(t, completed+failed, stats.Analyzed)
	assert.Equal(t, 2, stats.Analyzed)
	assert.Equal(t, 2, stats.Pending)
	assert.InDelta(t, 50.0, stats.Progress, 0.01)
}

func TestMarkTerminalRejectsDoubleCompletion(t *testing.T) {
	inv := seedInventory(t, Hooks{}, "app", "a.go")
	inv.GetNextBatch(1, false)

	require.NoError(t, inv.MarkCompleted("app", "a.go", types.SkippedFile{Repo: "app", Path: "a.go", Reason: "empty"}))
	assert.Error(t, inv.MarkCompleted("app", "a.go", nil))
	assert.Error(t, inv.MarkFailed("app", "a.go", "late failure"))

	stats := inv.Stats()
	assert.Equal(t, 1, stats.Analyzed)
}

func TestOnRepoCompleteFiresExactlyOnce(t *testing.T) {
	var mu sync.Mutex
	completions := 0
	inv := seedInventory(t, Hooks{
		OnRepoComplete: func(repo string) {
			mu.Lock()
			completions++
			mu.Unlock()
		},
	}, "app", "a.go", "b.go", "c.go")

	inv.GetNextBatch(3, false)
	require.NoError(t, inv.MarkCompleted("app", "a.go", nil))
	require.NoError(t, inv.MarkFailed("app", "b.go", "x"))
	assert.False(t, inv.IsRepoComplete("app"))
	require.NoError(t, inv.MarkCompleted("app", "c.go", nil))

	assert.True(t, inv.IsRepoComplete("app"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, completions)
}

func TestOnRepoBatchReadyCadence(t *testing.T) {
	var mu sync.Mutex
	fired := 0
	inv := seedInventory(t, Hooks{
		OnRepoBatchReady: func(repo string) {
			mu.Lock()
			fired++
			mu.Unlock()
		},
	}, "app", "a.go", "b.go", "c.go", "d.go", "e.go", "f.go", "g.go")

	inv.GetNextBatch(7, false)
	for _, p := range []string{"a.go", "b.go", "c.go", "d.go", "e.go", "f.go", "g.go"} {
		require.NoError(t, inv.MarkCompleted("app", p, nil))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 7/RepoBatchInterval, fired)
}

func TestZeroFileRepoCompletesImmediately(t *testing.T) {
	inv := New(Hooks{})
	inv.Init([]content.RepoInfo{{Name: "empty"}})
	require.NoError(t, inv.RegisterRepoFiles("empty", &content.Tree{Hash: "h"}, "h", 0))

	repos := inv.Repos()
	require.Contains(t, repos, "empty")
	assert.Empty(t, inv.GetNextBatch(10, true))
}

func TestSummariesFilter(t *testing.T) {
	inv := seedInventory(t, Hooks{}, "app", "package.json", "src/a.go", "dist/bundle.js")
	inv.GetNextBatch(10, true)

	for _, p := range []string{"package.json", "src/a.go", "dist/bundle.js"} {
		require.NoError(t, inv.MarkCompleted("app", p, types.ParsedFinding{
			Finding: types.Finding{Repo: "app", Path: p, Insight: "insight for " + p, DomainLabel: "backend", Confidence: 0.9},
		}))
	}

	all := inv.Summaries(SummaryFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, "package.json", all[0].Path, "summaries come back priority sorted")
	assert.Equal(t, "insight for package.json", all[0].Insight)

	high := inv.Summaries(SummaryFilter{MinPriority: DefaultPriorityFloor})
	assert.Len(t, high, 2)

	limited := inv.Summaries(SummaryFilter{LimitPerRepo: 1})
	assert.Len(t, limited, 1)
}
