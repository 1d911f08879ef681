// Package session orchestrates one full analysis run: repository scan,
// inventory drain through the worker pool, memory accumulation, synthesis,
// metabolic digestion and persistence. A Session owns every collaborator it
// creates and tears them down at the end of Run.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mauro3422/gitteach/internal/admission"
	"github.com/mauro3422/gitteach/internal/compactor"
	"github.com/mauro3422/gitteach/internal/config"
	"github.com/mauro3422/gitteach/internal/content"
	"github.com/mauro3422/gitteach/internal/curator"
	"github.com/mauro3422/gitteach/internal/embedding"
	"github.com/mauro3422/gitteach/internal/inference"
	"github.com/mauro3422/gitteach/internal/inventory"
	"github.com/mauro3422/gitteach/internal/logging"
	"github.com/mauro3422/gitteach/internal/memory"
	"github.com/mauro3422/gitteach/internal/metabolism"
	"github.com/mauro3422/gitteach/internal/store"
	"github.com/mauro3422/gitteach/internal/types"
	"github.com/mauro3422/gitteach/internal/workers"
)

// MaxSubscribers bounds the progress sink list.
const MaxSubscribers = 8

// ReconciliationThreshold triggers finding reconstruction when memory holds
// less than this share of the inventory's completed files.
const ReconciliationThreshold = 0.8

// BlueprintSchemaVersion versions the persisted blueprint envelope.
const BlueprintSchemaVersion = 1

// blueprintEnvelope is the persisted per-repo golden knowledge shape.
type blueprintEnvelope struct {
	Version int                     `json:"version"`
	Repo    string                  `json:"repo"`
	Golden  string                  `json:"golden"`
	Health  compactor.HealthSignals `json:"health"`
}

// =============================================================================
// SESSION
// =============================================================================

// Session wires one analysis run. Create with New, run once, discard.
type Session struct {
	ID     string
	cfg    *config.Config
	client inference.Client

	provider content.Provider
	engine   embedding.Engine
	kv       store.KV

	inv       *inventory.Inventory
	admit     *admission.Controller
	pool      *workers.Pool
	compactor *compactor.Compactor
	memory    *memory.Store
	curator   *curator.Curator
	differ    *metabolism.Differ

	subMu sync.Mutex
	subs  []types.ProgressSink

	started time.Time
}

// New assembles a session from its external collaborators. The inference
// client is wrapped per consumer: workers run at background priority,
// compaction and synthesis at standard priority.
func New(cfg *config.Config, provider content.Provider, client inference.Client,
	engine embedding.Engine, kv store.KV) *Session {

	s := &Session{
		ID:       uuid.NewString(),
		cfg:      cfg,
		client:   client,
		provider: provider,
		engine:   engine,
		kv:       kv,
	}

	s.admit = admission.NewController(admission.Config{Capacity: cfg.Admission.Capacity})
	workerClient := admission.NewScheduledClient(s.admit, admission.PriorityBackground, client)
	synthClient := admission.NewScheduledClient(s.admit, admission.PriorityStandard, client)

	s.inv = inventory.New(inventory.Hooks{
		OnRepoBatchReady: s.onRepoBatchReady,
		OnRepoComplete:   s.onRepoComplete,
	})
	s.compactor = compactor.New(synthClient, compactor.DefaultConfig())
	s.memory = memory.NewStore(engine, kv, memory.DefaultConfig())
	s.curator = curator.New(synthClient, curator.DefaultConfig())
	s.differ = metabolism.New(synthClient, kv)

	poolCfg := workers.DefaultConfig()
	if cfg.Workers.NumWorkers > 0 {
		poolCfg.NumWorkers = cfg.Workers.NumWorkers
	}
	if cfg.Workers.ClaimSize > 0 {
		poolCfg.ClaimSize = cfg.Workers.ClaimSize
	}
	poolCfg.IgnorePriorityFloor = cfg.Workers.IgnorePriorityFloor
	s.pool = workers.New(s.inv, provider, cfg.Owner, workerClient, s.compactor, s.memory, poolCfg)
	s.pool.OnProgress(func(stats workers.Stats) {
		s.emit(types.ProgressEvent{
			Type:    types.EventProgress,
			Message: stats.String(),
			Percent: stats.Percent,
		})
	})

	return s
}

// Subscribe adds a progress sink. The list is bounded; past the cap new
// subscribers are rejected rather than growing without limit.
func (s *Session) Subscribe(sink types.ProgressSink) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if len(s.subs) >= MaxSubscribers {
		return fmt.Errorf("subscriber limit reached (%d)", MaxSubscribers)
	}
	s.subs = append(s.subs, sink)
	return nil
}

func (s *Session) emit(event types.ProgressEvent) {
	s.subMu.Lock()
	sinks := make([]types.ProgressSink, len(s.subs))
	copy(sinks, s.subs)
	s.subMu.Unlock()

	for _, sink := range sinks {
		sink(event)
	}
}

// =============================================================================
// PIPELINE
// =============================================================================

// Run executes the full pipeline and returns a report. Partial progress
// (repo memory, blueprints) persists even when later stages fail.
func (s *Session) Run(ctx context.Context) (*types.RunReport, error) {
	s.started = time.Now()
	logging.Session("=== Session %s started ===", s.ID)
	defer s.shutdown()

	repoCount, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.pool.Run(ctx); err != nil {
		return nil, err
	}

	// Session-end flush: no background work may outlive synthesis input.
	s.compactor.Wait()
	s.memory.Flush(ctx)

	summaries := s.inv.Summaries(inventory.SummaryFilter{})
	s.reconcile(summaries)

	profile, err := s.curator.Synthesize(ctx, summaries, s.memory.GetAllNodes())
	if err != nil {
		return nil, fmt.Errorf("synthesis failed: %w", err)
	}

	report, persisted, err := s.differ.Process(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("digestion failed: %w", err)
	}

	if err := s.persistArtifacts(ctx); err != nil {
		return nil, err
	}
	s.emit(types.ProgressEvent{Type: types.EventDeepMemoryReady, Message: "deep memory persisted"})

	runReport := s.buildReport(repoCount, report, persisted)
	logging.Session("=== Session %s finished in %v (significant=%v) ===",
		s.ID, runReport.Duration, runReport.Significant)
	return runReport, nil
}

// scan lists repositories and registers every tree with the inventory.
// A provider rate limit aborts the scan as a named condition.
func (s *Session) scan(ctx context.Context) (int, error) {
	timer := logging.StartTimer(logging.CategorySession, "scan")
	defer timer.StopWithInfo()

	repos, err := s.provider.ListRepositories(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list repositories: %w", err)
	}
	if len(repos) == 0 {
		return 0, fmt.Errorf("no repositories available for %s", s.cfg.Owner)
	}

	s.inv.Init(repos)
	for _, repo := range repos {
		tree, err := s.provider.GetTree(ctx, s.cfg.Owner, repo.Name)
		if err != nil {
			if content.IsRateLimited(err) {
				return 0, err
			}
			logging.Get(logging.CategorySession).Warn("skipping repo %s: %v", repo.Name, err)
			continue
		}
		if err := s.inv.RegisterRepoFiles(repo.Name, tree, tree.Hash, s.cfg.MaxFilesPerRepo); err != nil {
			return 0, err
		}
	}

	stats := s.inv.Stats()
	s.emit(types.ProgressEvent{
		Type:    types.EventProgress,
		Message: fmt.Sprintf("scanned %d repositories, %d files queued", len(repos), stats.TotalFiles),
	})
	return len(repos), nil
}

// onRepoBatchReady streams partial repo progress to subscribers.
func (s *Session) onRepoBatchReady(repo string) {
	completed, failed := s.inv.RepoCounts(repo)
	s.emit(types.ProgressEvent{
		Type:    types.EventProgress,
		Message: fmt.Sprintf("%s: %d analyzed, %d failed", repo, completed, failed),
	})
}

// onRepoComplete persists the finished repository's memory immediately so a
// later-stage failure cannot lose it, streams a partial synthesis of the
// repo into the curator, then announces the repo.
func (s *Session) onRepoComplete(repo string) {
	ctx := context.Background()
	if err := s.memory.PersistRepoMemory(ctx, repo); err != nil {
		logging.Get(logging.CategorySession).Warn("failed to persist memory for %s: %v", repo, err)
	}

	summaries := s.inv.Summaries(inventory.SummaryFilter{Repo: repo})
	if _, err := s.curator.SynthesizeRepo(ctx, repo, summaries); err != nil {
		logging.Get(logging.CategorySession).Warn("partial synthesis skipped: %v", err)
	}

	s.emit(types.ProgressEvent{
		Type:    types.EventRepoScanned,
		Message: repo,
	})
}

// reconcile rebuilds memory nodes from inventory summaries when too few
// findings reached the store (dropped by failures downstream of a
// successful analysis).
func (s *Session) reconcile(summaries []types.FileSummary) {
	completed := 0
	for _, sum := range summaries {
		if sum.Insight != "" {
			completed++
		}
	}
	if completed == 0 {
		return
	}
	if float64(s.memory.Count()) >= ReconciliationThreshold*float64(completed) {
		return
	}

	restored := 0
	for _, sum := range summaries {
		if sum.Insight == "" {
			continue
		}
		if s.memory.HasNode(memory.NodeID(sum.Repo, sum.Path, sum.Insight)) {
			continue
		}
		s.memory.StoreFinding(types.Finding{
			Repo:           sum.Repo,
			Path:           sum.Path,
			Insight:        sum.Insight,
			DomainLabel:    sum.Domain,
			Confidence:     sum.Confidence,
			ComplexityTier: sum.Tier,
		})
		restored++
	}
	logging.Session("Reconciliation restored %d findings from inventory summaries", restored)
	s.memory.Flush(context.Background())
}

// persistArtifacts writes per-repo memory and golden-knowledge blueprints.
func (s *Session) persistArtifacts(ctx context.Context) error {
	if err := s.memory.PersistAll(ctx); err != nil {
		return fmt.Errorf("failed to persist memory: %w", err)
	}

	var ops []store.BatchOp
	for _, repo := range s.inv.Repos() {
		golden := s.compactor.GoldenKnowledge(repo)
		if golden == "" {
			continue
		}
		health, _ := s.compactor.GetHealthSignals(repo)
		data, err := json.Marshal(blueprintEnvelope{
			Version: BlueprintSchemaVersion,
			Repo:    repo,
			Golden:  golden,
			Health:  health,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal blueprint for %s: %w", repo, err)
		}
		ops = append(ops, store.BatchOp{Type: store.BatchPut, Key: store.BlueprintKey(repo), Value: data})
	}
	if len(ops) == 0 {
		return nil
	}
	if err := s.kv.Batch(ctx, ops); err != nil {
		return fmt.Errorf("failed to persist blueprints: %w", err)
	}
	logging.Session("Persisted %d blueprints", len(ops))
	return nil
}

func (s *Session) buildReport(repoCount int, change types.ChangeReport, persisted bool) *types.RunReport {
	stats := s.pool.GetStats()
	ready, failed, _ := s.memory.EmbeddingStats()
	return &types.RunReport{
		SessionID:        s.ID,
		ReposScanned:     repoCount,
		FilesAnalyzed:    stats.Processed,
		FilesFailed:      stats.Failed,
		FindingsStored:   s.memory.Count(),
		EmbeddingsReady:  ready,
		EmbeddingsFailed: failed,
		Significant:      persisted,
		Milestone:        change.Milestone,
		Duration:         time.Since(s.started),
	}
}

// shutdown tears down session-scoped background work.
func (s *Session) shutdown() {
	s.compactor.Wait()
	s.memory.Close()
}

// Memory exposes the session memory store for retrieval commands.
func (s *Session) Memory() *memory.Store { return s.memory }

// AdmissionMetrics exposes controller metrics for reporting.
func (s *Session) AdmissionMetrics() admission.Metrics { return s.admit.GetMetrics() }
