// Package types defines the shared data model for the identity pipeline:
// file tasks, findings, memory nodes, identity profiles and change reports.
package types

import (
	"time"
)

// =============================================================================
// FILE TASKS AND REPOSITORY RECORDS
// =============================================================================

// TaskStatus is the lifecycle state of a FileTask.
// Transitions: pending -> processing -> {completed | failed}. Terminal states
// are never re-entered within a run.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// EntryType distinguishes blobs (analyzable files) from trees.
type EntryType string

const (
	EntryBlob EntryType = "blob"
	EntryTree EntryType = "tree"
)

// FileTask is one unit of analysis work. Mutated only by the Inventory;
// retained after completion for audit.
type FileTask struct {
	Repo        string     `json:"repo"`
	Path        string     `json:"path"`
	ContentHash string     `json:"content_hash"`
	Priority    int        `json:"priority"`
	Status      TaskStatus `json:"status"`
	Type        EntryType  `json:"type"`
	Size        int64      `json:"size"`
}

// RepoStatus is the lifecycle state of a RepoRecord.
type RepoStatus string

const (
	RepoPending   RepoStatus = "pending"
	RepoAnalyzing RepoStatus = "analyzing"
	RepoComplete  RepoStatus = "complete"
)

// RepoRecord tracks one repository's files and aggregate progress.
type RepoRecord struct {
	Name     string      `json:"name"`
	TreeHash string      `json:"tree_hash"`
	Files    []*FileTask `json:"files"`
	Status   RepoStatus  `json:"status"`
}

// InventoryStats summarizes global inventory progress.
type InventoryStats struct {
	TotalFiles int     `json:"total_files"`
	Analyzed   int     `json:"analyzed"`
	Pending    int     `json:"pending"`
	Progress   float64 `json:"progress"` // percent, 0-100
}

// FileSummary is a lightweight view of a completed file used for prompt
// construction and synthesis sampling.
type FileSummary struct {
	Repo       string  `json:"repo"`
	Path       string  `json:"path"`
	Priority   int     `json:"priority"`
	Insight    string  `json:"insight"`
	Domain     string  `json:"domain"`
	Confidence float64 `json:"confidence"`
	Tier       int     `json:"tier"`
}

// =============================================================================
// FINDINGS
// =============================================================================

// Finding is the structured result of analyzing one file.
type Finding struct {
	Repo           string          `json:"repo"`
	Path           string          `json:"path"`
	Insight        string          `json:"insight"`
	EvidenceText   string          `json:"evidence_text"`
	DomainLabel    string          `json:"domain_label"`
	Confidence     float64         `json:"confidence"`      // 0..1
	ComplexityTier int             `json:"complexity_tier"` // 1..5
	Metadata       FindingMetadata `json:"metadata"`
}

// FindingMetadata holds the scored dimensions of a finding. All dimensions
// are always present; absent values stay at their zero defaults.
type FindingMetadata struct {
	Structural    StructuralSignals `json:"structural"`
	Documentation DocSignals        `json:"documentation"`
	Resilience    ResilienceSignals `json:"resilience"`
	Semantic      SemanticContext   `json:"semantic"`
	Ecosystem     EcosystemSignals  `json:"ecosystem"`
}

// StructuralSignals scores code structure quality.
type StructuralSignals struct {
	Modularity  float64 `json:"modularity"`
	Cohesion    float64 `json:"cohesion"`
	NamingScore float64 `json:"naming_score"`
}

// DocSignals scores documentation quality.
type DocSignals struct {
	CommentDensity float64 `json:"comment_density"`
	HasDocBlocks   bool    `json:"has_doc_blocks"`
	ReadmeQuality  float64 `json:"readme_quality"`
}

// ResilienceSignals scores error handling and auditability.
type ResilienceSignals struct {
	ErrorHandling float64 `json:"error_handling"`
	TestSignals   float64 `json:"test_signals"`
	Logging       float64 `json:"logging"`
}

// SemanticContext carries free-form semantic labels.
type SemanticContext struct {
	Purpose  string   `json:"purpose"`
	Concepts []string `json:"concepts"`
}

// EcosystemSignals scores professional/ecosystem awareness.
type EcosystemSignals struct {
	DependencyHygiene float64  `json:"dependency_hygiene"`
	Frameworks        []string `json:"frameworks"`
	Conventions       float64  `json:"conventions"`
}

// =============================================================================
// ANALYSIS RESULTS (discriminated)
// =============================================================================

// AnalysisResult is the discriminated outcome of one file analysis.
// Exactly one of ParsedFinding, FallbackFinding or SkippedFile.
type AnalysisResult interface {
	// ResultRepo and ResultPath identify the analyzed file.
	ResultRepo() string
	ResultPath() string
	// sealed prevents external implementations so consumers can match
	// exhaustively on the three concrete types.
	sealed()
}

// ParsedFinding is a fully parsed, schema-conforming finding.
type ParsedFinding struct {
	Finding Finding `json:"finding"`
}

func (p ParsedFinding) ResultRepo() string { return p.Finding.Repo }
func (p ParsedFinding) ResultPath() string { return p.Finding.Path }
func (p ParsedFinding) sealed()            {}

// FallbackFinding carries a minimal finding reconstructed after the full
// structured parse failed. Only Insight, DomainLabel and Confidence are
// meaningful; metadata stays zeroed.
type FallbackFinding struct {
	Finding Finding `json:"finding"`
	Reason  string  `json:"reason"`
}

func (f FallbackFinding) ResultRepo() string { return f.Finding.Repo }
func (f FallbackFinding) ResultPath() string { return f.Finding.Path }
func (f FallbackFinding) sealed()            {}

// SkippedFile records a file that was never analyzed (capped inventory,
// non-blob entry, empty content).
type SkippedFile struct {
	Repo   string `json:"repo"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (s SkippedFile) ResultRepo() string { return s.Repo }
func (s SkippedFile) ResultPath() string { return s.Path }
func (s SkippedFile) sealed()            {}

// FindingOf extracts the finding from a result if it carries one.
func FindingOf(r AnalysisResult) (Finding, bool) {
	switch v := r.(type) {
	case ParsedFinding:
		return v.Finding, true
	case FallbackFinding:
		return v.Finding, true
	default:
		return Finding{}, false
	}
}

// =============================================================================
// MEMORY NODES
// =============================================================================

// VectorStatus is the embedding lifecycle of a MemoryNode.
type VectorStatus string

const (
	VectorPending VectorStatus = "pending"
	VectorReady   VectorStatus = "ready"
	VectorFailed  VectorStatus = "failed"
)

// MemoryNode is the durable wrapper of a Finding. The ID is deterministic,
// derived from (repo, path, insight prefix). Nodes are never deleted during
// a session.
type MemoryNode struct {
	ID           string       `json:"id"`
	Finding      Finding      `json:"finding"`
	Vector       []float32    `json:"vector,omitempty"`
	VectorStatus VectorStatus `json:"vector_status"`
	Links        []string     `json:"links,omitempty"` // bidirectional related-node ids
	CreatedAt    time.Time    `json:"created_at"`
}

// =============================================================================
// SYNTHESIS ARTIFACTS
// =============================================================================

// ThematicReport is the output of one specialist lens over sampled findings.
// Ephemeral: consumed immediately by the reduce step.
type ThematicReport struct {
	Lens       string `json:"lens"` // architecture | habits | stack
	Content    string `json:"content"`
	SampleSize int    `json:"sample_size"`
}

// Trait is one detected developer trait with its supporting evidence.
type Trait struct {
	Name            string   `json:"name"`
	Score           int      `json:"score"` // 0-100
	Details         string   `json:"details"`
	Evidence        string   `json:"evidence"`
	EvidenceNodeIDs []string `json:"evidence_node_ids,omitempty"`
}

// CodeHealth aggregates health scores across the analyzed corpus.
type CodeHealth struct {
	Score         int    `json:"score"` // 0-100
	TestsPresence bool   `json:"tests_presence"`
	DocsPresence  bool   `json:"docs_presence"`
	Notes         string `json:"notes"`
}

// TechRadar buckets detected technologies by adoption maturity.
type TechRadar struct {
	Adopt  []string `json:"adopt"`
	Trial  []string `json:"trial"`
	Assess []string `json:"assess"`
	Hold   []string `json:"hold"`
}

// ProfileSource records which parser tier produced the profile.
type ProfileSource string

const (
	SourceSynthesis ProfileSource = "synthesis" // full structured parse
	SourceScavenged ProfileSource = "scavenged" // partial sub-block recovery
	SourceFallback  ProfileSource = "fallback"  // deterministic statistics
)

// IdentityProfile ("DNA") is the reduced artifact of a curation run.
// Recreated on every successful run; persisted only after the metabolic
// differ approves; superseded, never mutated in place.
type IdentityProfile struct {
	SchemaVersion    int                    `json:"schema_version"`
	Bio              string                 `json:"bio"`
	Traits           []Trait                `json:"traits"`
	Distinctions     []string               `json:"distinctions"`
	SignatureFiles   []string               `json:"signature_files"`
	CodeHealth       CodeHealth             `json:"code_health"`
	Verdict          string                 `json:"verdict"`
	TechRadar        TechRadar              `json:"tech_radar"`
	Anomalies        []string               `json:"anomalies"`
	ExtendedMetadata map[string]interface{} `json:"extended_metadata,omitempty"`
	Source           ProfileSource          `json:"source"`
	GeneratedAt      time.Time              `json:"generated_at"`
}

// CurrentProfileSchemaVersion is bumped when the persisted shape changes.
const CurrentProfileSchemaVersion = 1

// CognitiveProfile is the compact narrative stabilization of an
// IdentityProfile, maintained across runs with "strengthened, not replaced"
// semantics for previously observed traits.
type CognitiveProfile struct {
	Title             string    `json:"title"`
	CoreLanguages     []string  `json:"core_languages"`
	Patterns          []string  `json:"patterns"`
	EvolutionSnapshot string    `json:"evolution_snapshot"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// =============================================================================
// CHANGE REPORTS
// =============================================================================

// MilestoneInitialSynthesis marks the first ever profile for a developer.
const MilestoneInitialSynthesis = "INITIAL_SYNTHESIS"

// ScoreChange records a trait whose score moved by at least the
// significance delta.
type ScoreChange struct {
	Trait    string `json:"trait"`
	OldScore int    `json:"old_score"`
	NewScore int    `json:"new_score"`
}

// ChangeReport is the metabolic differ's output. Ephemeral: used only to
// decide significance and to build a notification.
type ChangeReport struct {
	NewSkills         []string      `json:"new_skills"`
	ScoreChanges      []ScoreChange `json:"score_changes"`
	NewAnomalies      []string      `json:"new_anomalies"`
	Milestone         string        `json:"milestone,omitempty"`
	EvolutionSnapshot string        `json:"evolution_snapshot,omitempty"`
}

// =============================================================================
// PROGRESS EVENTS
// =============================================================================

// EventType identifies a progress event kind.
type EventType string

const (
	EventProgress        EventType = "Progress"
	EventRepoScanned     EventType = "RepoScanned"
	EventDeepMemoryReady EventType = "DeepMemoryReady"
)

// ProgressEvent is an observational event emitted by the orchestrator.
// Consumers must tolerate absence of any field beyond Type.
type ProgressEvent struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
	Percent float64   `json:"percent,omitempty"`
}

// ProgressSink receives progress events. Implementations must be cheap and
// non-blocking; the orchestrator drops no work waiting on sinks.
type ProgressSink func(ProgressEvent)

// =============================================================================
// RUN REPORTS
// =============================================================================

// RunReport summarizes one full analysis session for the CLI.
type RunReport struct {
	SessionID        string        `json:"session_id"`
	ReposScanned     int           `json:"repos_scanned"`
	FilesAnalyzed    int           `json:"files_analyzed"`
	FilesFailed      int           `json:"files_failed"`
	FindingsStored   int           `json:"findings_stored"`
	EmbeddingsReady  int           `json:"embeddings_ready"`
	EmbeddingsFailed int           `json:"embeddings_failed"`
	Significant      bool          `json:"significant"`
	Milestone        string        `json:"milestone,omitempty"`
	Duration         time.Duration `json:"duration"`
}
