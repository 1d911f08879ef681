// Package inventory tracks per-repository file state and schedules analysis
// work. It is the single writer for FileTask state: tasks move
// pending -> processing -> {completed | failed} and are never destroyed,
// so a finished run retains a full audit trail.
package inventory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mauro3422/gitteach/internal/content"
	"github.com/mauro3422/gitteach/internal/logging"
	"github.com/mauro3422/gitteach/internal/types"
)

// RepoBatchInterval is how many terminal files trigger OnRepoBatchReady.
const RepoBatchInterval = 3

// Hooks are invoked outside the inventory lock as files reach terminal
// states. Either hook may be nil.
type Hooks struct {
	// OnRepoBatchReady fires every RepoBatchInterval terminal files in a
	// repository, so downstream consumers can aggregate partial results
	// before the whole inventory drains.
	OnRepoBatchReady func(repo string)
	// OnRepoComplete fires exactly once when every blob task of a
	// repository is terminal.
	OnRepoComplete func(repo string)
}

type repoCounters struct {
	completed int
	failed    int
	sinceHook int
}

// Inventory is the coordinator's shared task ledger.
type Inventory struct {
	mu    sync.Mutex
	repos map[string]*types.RepoRecord
	order []string // registration order, for deterministic iteration

	// tasks indexes every FileTask by repo+"\x00"+path.
	tasks    map[string]*types.FileTask
	results  map[string]types.AnalysisResult
	skipped  []types.SkippedFile
	counters map[string]*repoCounters

	// completedRepos guards exactly-once OnRepoComplete delivery.
	completedRepos map[string]bool

	hooks Hooks
}

// New creates an empty inventory with the given hooks.
func New(hooks Hooks) *Inventory {
	return &Inventory{
		repos:          make(map[string]*types.RepoRecord),
		tasks:          make(map[string]*types.FileTask),
		results:        make(map[string]types.AnalysisResult),
		counters:       make(map[string]*repoCounters),
		completedRepos: make(map[string]bool),
		hooks:          hooks,
	}
}

func taskKey(repo, path string) string { return repo + "\x00" + path }

// Init seeds one RepoRecord per repository.
func (inv *Inventory) Init(repos []content.RepoInfo) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	for _, r := range repos {
		if _, exists := inv.repos[r.Name]; exists {
			continue
		}
		inv.repos[r.Name] = &types.RepoRecord{
			Name:   r.Name,
			Status: types.RepoPending,
		}
		inv.order = append(inv.order, r.Name)
		inv.counters[r.Name] = &repoCounters{}
	}
	logging.Inventory("Seeded inventory with %d repositories", len(repos))
}

// RegisterRepoFiles populates and priority-sorts a repository's FileTasks,
// truncating deterministically to maxFiles (highest priority kept, path as
// tiebreak). Tree entries are ignored; truncated blobs are recorded as
// skipped for audit. maxFiles <= 0 means unlimited.
func (inv *Inventory) RegisterRepoFiles(repoName string, tree *content.Tree, treeHash string, maxFiles int) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	record, ok := inv.repos[repoName]
	if !ok {
		return fmt.Errorf("repository %s not seeded", repoName)
	}

	blobs := make([]*types.FileTask, 0, len(tree.Entries))
	for _, entry := range tree.Entries {
		if entry.Type != types.EntryBlob {
			continue
		}
		blobs = append(blobs, &types.FileTask{
			Repo:        repoName,
			Path:        entry.Path,
			ContentHash: entry.Hash,
			Priority:    ComputePriority(entry.Path),
			Status:      types.TaskPending,
			Type:        types.EntryBlob,
			Size:        entry.Size,
		})
	}

	sort.Slice(blobs, func(i, j int) bool {
		if blobs[i].Priority != blobs[j].Priority {
			return blobs[i].Priority > blobs[j].Priority
		}
		return blobs[i].Path < blobs[j].Path
	})

	if maxFiles > 0 && len(blobs) > maxFiles {
		for _, capped := range blobs[maxFiles:] {
			inv.skipped = append(inv.skipped, types.SkippedFile{
				Repo:   repoName,
				Path:   capped.Path,
				Reason: "capped",
			})
		}
		logging.Inventory("Repo %s capped at %d files (%d skipped)", repoName, maxFiles, len(blobs)-maxFiles)
		blobs = blobs[:maxFiles]
	}

	record.TreeHash = treeHash
	record.Files = blobs
	record.Status = types.RepoAnalyzing
	for _, t := range blobs {
		inv.tasks[taskKey(repoName, t.Path)] = t
	}

	// A repo registered with zero analyzable files completes immediately.
	if len(blobs) == 0 {
		record.Status = types.RepoComplete
	}

	logging.Inventory("Registered %d files for repo %s (tree=%s)", len(blobs), repoName, treeHash)
	return nil
}

// GetNextBatch atomically claims up to size pending blob tasks across repos
// in priority order, marking them processing. A task is never returned
// twice. Tasks below the priority floor are claimed only when
// ignorePriorityFloor is set.
func (inv *Inventory) GetNextBatch(size int, ignorePriorityFloor bool) []types.FileTask {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if size <= 0 {
		return nil
	}

	candidates := make([]*types.FileTask, 0, size)
	for _, repoName := range inv.order {
		for _, t := range inv.repos[repoName].Files {
			if t.Status != types.TaskPending {
				continue
			}
			if !ignorePriorityFloor && t.Priority < DefaultPriorityFloor {
				continue
			}
			candidates = append(candidates, t)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		if candidates[i].Repo != candidates[j].Repo {
			return candidates[i].Repo < candidates[j].Repo
		}
		return candidates[i].Path < candidates[j].Path
	})

	if len(candidates) > size {
		candidates = candidates[:size]
	}

	claimed := make([]types.FileTask, 0, len(candidates))
	for _, t := range candidates {
		t.Status = types.TaskProcessing
		claimed = append(claimed, *t) // copy; callers never mutate inventory state
	}

	logging.InventoryDebug("Claimed batch of %d tasks", len(claimed))
	return claimed
}

// MarkCompleted transitions a task to completed and attaches its analysis
// result. Returns an error if the task is unknown or already terminal
// (retries must not double-count).
func (inv *Inventory) MarkCompleted(repo, path string, result types.AnalysisResult) error {
	return inv.markTerminal(repo, path, types.TaskCompleted, result)
}

// MarkFailed transitions a task to failed.
func (inv *Inventory) MarkFailed(repo, path string, reason string) error {
	return inv.markTerminal(repo, path, types.TaskFailed, types.SkippedFile{
		Repo:   repo,
		Path:   path,
		Reason: reason,
	})
}

func (inv *Inventory) markTerminal(repo, path string, status types.TaskStatus, result types.AnalysisResult) error {
	inv.mu.Lock()

	task, ok := inv.tasks[taskKey(repo, path)]
	if !ok {
		inv.mu.Unlock()
		return fmt.Errorf("unknown task %s:%s", repo, path)
	}
	if task.Status == types.TaskCompleted || task.Status == types.TaskFailed {
		inv.mu.Unlock()
		return fmt.Errorf("task %s:%s already terminal (%s)", repo, path, task.Status)
	}

	task.Status = status
	if result != nil {
		inv.results[taskKey(repo, path)] = result
	}

	ctr := inv.counters[repo]
	if status == types.TaskCompleted {
		ctr.completed++
	} else {
		ctr.failed++
	}
	ctr.sinceHook++

	fireBatch := false
	if ctr.sinceHook >= RepoBatchInterval {
		ctr.sinceHook = 0
		fireBatch = true
	}

	fireComplete := false
	if inv.repoTerminalLocked(repo) && !inv.completedRepos[repo] {
		inv.completedRepos[repo] = true
		inv.repos[repo].Status = types.RepoComplete
		fireComplete = true
	}

	hooks := inv.hooks
	inv.mu.Unlock()

	// Hooks run outside the lock so they may call back into the inventory.
	if fireBatch && hooks.OnRepoBatchReady != nil {
		hooks.OnRepoBatchReady(repo)
	}
	if fireComplete {
		logging.Inventory("Repo %s complete", repo)
		if hooks.OnRepoComplete != nil {
			hooks.OnRepoComplete(repo)
		}
	}
	return nil
}

func (inv *Inventory) repoTerminalLocked(repo string) bool {
	record, ok := inv.repos[repo]
	if !ok || record.Status == types.RepoPending {
		return false
	}
	for _, t := range record.Files {
		if t.Status != types.TaskCompleted && t.Status != types.TaskFailed {
			return false
		}
	}
	return true
}

// =============================================================================
// STATS AND SUMMARIES
// =============================================================================

// Stats returns global inventory progress. The invariant
// analyzed == completed + failed holds at all times.
func (inv *Inventory) Stats() types.InventoryStats {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	var stats types.InventoryStats
	for _, repoName := range inv.order {
		ctr := inv.counters[repoName]
		stats.TotalFiles += len(inv.repos[repoName].Files)
		stats.Analyzed += ctr.completed + ctr.failed
	}
	stats.Pending = stats.TotalFiles - stats.Analyzed
	if stats.TotalFiles > 0 {
		stats.Progress = float64(stats.Analyzed) / float64(stats.TotalFiles) * 100
	}
	return stats
}

// RepoCounts returns (completed, failed) for one repository.
func (inv *Inventory) RepoCounts(repo string) (int, int) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	ctr, ok := inv.counters[repo]
	if !ok {
		return 0, 0
	}
	return ctr.completed, ctr.failed
}

// IsRepoComplete reports whether every blob task of a repository is
// terminal.
func (inv *Inventory) IsRepoComplete(repo string) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.completedRepos[repo]
}

// Repos returns repository names in registration order.
func (inv *Inventory) Repos() []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]string, len(inv.order))
	copy(out, inv.order)
	return out
}

// Result returns the stored analysis result for one file.
func (inv *Inventory) Result(repo, path string) (types.AnalysisResult, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	r, ok := inv.results[taskKey(repo, path)]
	return r, ok
}

// Skipped returns files excluded by the maxFiles cap, for audit.
func (inv *Inventory) Skipped() []types.SkippedFile {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]types.SkippedFile, len(inv.skipped))
	copy(out, inv.skipped)
	return out
}

// SummaryFilter constrains Summaries output for lightweight consumers.
type SummaryFilter struct {
	LimitPerRepo int // 0 = unlimited
	MinPriority  int
	Repo         string // non-empty restricts to one repo
}

// Summaries returns completed-file summaries, priority-sorted within each
// repository. The zero filter returns everything (the curator's view).
func (inv *Inventory) Summaries(filter SummaryFilter) []types.FileSummary {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	var out []types.FileSummary
	for _, repoName := range inv.order {
		if filter.Repo != "" && repoName != filter.Repo {
			continue
		}
		count := 0
		for _, t := range inv.repos[repoName].Files {
			if t.Status != types.TaskCompleted {
				continue
			}
			if t.Priority < filter.MinPriority {
				continue
			}
			if filter.LimitPerRepo > 0 && count >= filter.LimitPerRepo {
				break
			}
			summary := types.FileSummary{
				Repo:     repoName,
				Path:     t.Path,
				Priority: t.Priority,
			}
			if result, ok := inv.results[taskKey(repoName, t.Path)]; ok {
				if finding, ok := types.FindingOf(result); ok {
					summary.Insight = finding.Insight
					summary.Domain = finding.DomainLabel
					summary.Confidence = finding.Confidence
					summary.Tier = finding.ComplexityTier
				}
			}
			out = append(out, summary)
			count++
		}
	}
	return out
}
