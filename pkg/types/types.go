package types

import (
	"encoding/json"
	"time"
)

// Task represents a user-submitted unit of work that Loom decomposes
// into a DAG of subtasks and drives to completion.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Config      *TaskConfig `json:"config,omitempty"`
	State       TaskState  `json:"state"`
	Progress    int        `json:"progress"` // 0-100, derived from completed subtasks
	Version     uint64     `json:"version"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   time.Time  `json:"started_at,omitzero"`
	CompletedAt time.Time  `json:"completed_at,omitzero"`
}

// TaskConfig holds per-task configuration supplied at submission
type TaskConfig struct {
	CheckpointFrequency CheckpointFrequency `json:"checkpoint_frequency,omitempty"`
	Privacy             PrivacyLevel        `json:"privacy,omitempty"`
	PreferredTools      []string            `json:"preferred_tools,omitempty"`
	Requirements        []string            `json:"requirements,omitempty"`
}

// TaskState represents the lifecycle state of a task
type TaskState string

const (
	TaskStatePending           TaskState = "pending"
	TaskStateInitializing      TaskState = "initializing"
	TaskStateRunning           TaskState = "running"
	TaskStateCheckpointPending TaskState = "checkpoint_pending"
	TaskStateCompleted         TaskState = "completed"
	TaskStateFailed            TaskState = "failed"
	TaskStateCancelled         TaskState = "cancelled"
)

// Terminal reports whether the state is absorbing
func (s TaskState) Terminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateCancelled
}

// CheckpointFrequency controls how often human-review checkpoints trigger
type CheckpointFrequency string

const (
	CheckpointFrequencyLow    CheckpointFrequency = "low"
	CheckpointFrequencyMedium CheckpointFrequency = "medium"
	CheckpointFrequencyHigh   CheckpointFrequency = "high"
)

// PrivacyLevel restricts which workers may run a task's subtasks
type PrivacyLevel string

const (
	PrivacyNormal    PrivacyLevel = "normal"
	PrivacySensitive PrivacyLevel = "sensitive"
)

// Subtask is a single schedulable node in a task's DAG
type Subtask struct {
	ID              string         `json:"id"`
	TaskID          string         `json:"task_id"`
	Kind            SubtaskKind    `json:"kind"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	State           SubtaskState   `json:"state"`
	DependsOn       []string       `json:"depends_on,omitempty"` // subtask IDs within the same task
	RecommendedTool string         `json:"recommended_tool,omitempty"`
	AssignedWorker  string         `json:"assigned_worker,omitempty"`
	Complexity      int            `json:"complexity"` // 1-5
	Priority        int            `json:"priority"`
	Output          *SubtaskOutput `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	Fatal           bool           `json:"fatal,omitempty"`     // worker reported a non-recoverable error
	Score           *float64       `json:"score,omitempty"`     // latest evaluation overall score
	ReviewCycles    int            `json:"review_cycles,omitempty"`
	ReviewTarget    string         `json:"review_target,omitempty"` // original subtask ID for review/correction kinds
	Retries         int            `json:"retries,omitempty"`
	Attempt         int            `json:"attempt"` // increments on every dispatch, idempotency key component
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       time.Time      `json:"started_at,omitzero"`
	CompletedAt     time.Time      `json:"completed_at,omitzero"`
}

// SubtaskKind distinguishes ordinary work from review and correction passes
type SubtaskKind string

const (
	SubtaskKindWork       SubtaskKind = "work"
	SubtaskKindReview     SubtaskKind = "review"
	SubtaskKindCorrection SubtaskKind = "correction"
)

// SubtaskState represents the scheduling state of a subtask
type SubtaskState string

const (
	SubtaskStatePending    SubtaskState = "pending"
	SubtaskStateReady      SubtaskState = "ready"
	SubtaskStateAssigned   SubtaskState = "assigned"
	SubtaskStateRunning    SubtaskState = "running"
	SubtaskStateCompleted  SubtaskState = "completed"
	SubtaskStateFailed     SubtaskState = "failed"
	SubtaskStateCorrecting SubtaskState = "correcting"
)

// Terminal reports whether the subtask has finished
func (s SubtaskState) Terminal() bool {
	return s == SubtaskStateCompleted || s == SubtaskStateFailed
}

// Active reports whether the subtask currently occupies a worker slot
func (s SubtaskState) Active() bool {
	return s == SubtaskStateAssigned || s == SubtaskStateRunning
}

// SubtaskOutput is the opaque structured result a worker returns
type SubtaskOutput struct {
	Files []OutputFile    `json:"files,omitempty"`
	Text  string          `json:"text,omitempty"`
	Usage json.RawMessage `json:"usage,omitempty"`
}

// OutputFile is a single artifact produced by a subtask
type OutputFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Worker represents a remote process able to run AI tools on behalf of subtasks
type Worker struct {
	ID            string           `json:"id"`
	Hostname      string           `json:"hostname,omitempty"`
	Tools         []string         `json:"tools"` // tool identifiers, opaque to the core
	Resources     *WorkerResources `json:"resources,omitempty"`
	Residency     Residency        `json:"residency"`
	Load          int              `json:"load"` // assigned non-terminal subtasks
	State         WorkerState      `json:"state"`
	LastHeartbeat time.Time        `json:"last_heartbeat,omitzero"`
	RegisteredAt  time.Time        `json:"registered_at"`
	Deregistered  bool             `json:"deregistered,omitempty"`
}

// HasTool reports whether the worker offers the given tool
func (w *Worker) HasTool(tool string) bool {
	for _, t := range w.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// WorkerResources is the latest resource snapshot from a heartbeat
type WorkerResources struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
}

// Equal reports whether two snapshots are identical
func (r *WorkerResources) Equal(o *WorkerResources) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.CPUPercent == o.CPUPercent && r.MemPercent == o.MemPercent && r.DiskPercent == o.DiskPercent
}

// Max returns the highest utilization percentage across resources
func (r *WorkerResources) Max() float64 {
	if r == nil {
		return 0
	}
	m := r.CPUPercent
	if r.MemPercent > m {
		m = r.MemPercent
	}
	if r.DiskPercent > m {
		m = r.DiskPercent
	}
	return m
}

// Residency describes where a worker runs, used for privacy fit
type Residency string

const (
	ResidencyLocal  Residency = "local"
	ResidencyRemote Residency = "remote"
)

// WorkerState represents worker availability
type WorkerState string

const (
	WorkerStateOnline  WorkerState = "online"
	WorkerStateBusy    WorkerState = "busy"
	WorkerStateOffline WorkerState = "offline"
)

// Checkpoint is a paused state awaiting a human decision
type Checkpoint struct {
	ID        string              `json:"id"`
	TaskID    string              `json:"task_id"`
	Trigger   CheckpointTrigger   `json:"trigger"`
	Snapshot  *CheckpointSnapshot `json:"snapshot,omitempty"`
	Status    CheckpointStatus    `json:"status"`
	Notes     string              `json:"notes,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	DecidedAt time.Time           `json:"decided_at,omitzero"`
}

// CheckpointTrigger records why a checkpoint was raised
type CheckpointTrigger string

const (
	TriggerFrequency        CheckpointTrigger = "frequency"
	TriggerLowScore         CheckpointTrigger = "low_score"
	TriggerPeerReviewIssues CheckpointTrigger = "peer_review_issues"
	TriggerReviewEscalation CheckpointTrigger = "review_escalation"
)

// CheckpointStatus represents the decision state of a checkpoint
type CheckpointStatus string

const (
	CheckpointPendingReview CheckpointStatus = "pending_review"
	CheckpointApproved      CheckpointStatus = "approved"
	CheckpointCorrected     CheckpointStatus = "corrected"
	CheckpointRejected      CheckpointStatus = "rejected"
)

// CheckpointSnapshot captures the task state presented to the reviewer
type CheckpointSnapshot struct {
	CompletedSubtasks []string `json:"completed_subtasks"`
	AggregateScore    float64  `json:"aggregate_score"`
	NextSubtasks      []string `json:"next_subtasks"`
	Issues            []Issue  `json:"issues,omitempty"`
}

// Review records one peer-review pass over a subtask's output
type Review struct {
	ID             string         `json:"id"`
	SubtaskID      string         `json:"subtask_id"` // the reviewed (original) subtask
	ReviewSubtask  string         `json:"review_subtask"`
	ReviewerWorker string         `json:"reviewer_worker,omitempty"`
	OriginalWorker string         `json:"original_worker,omitempty"`
	Score          float64        `json:"score"`
	Issues         []Issue        `json:"issues,omitempty"`
	AutoFixable    bool           `json:"auto_fixable"`
	SuggestedFix   string         `json:"suggested_fix,omitempty"`
	Decision       ReviewDecision `json:"decision"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ReviewDecision is the outcome of interpreting a review verdict
type ReviewDecision string

const (
	ReviewApproved      ReviewDecision = "approved"
	ReviewNeedsRevision ReviewDecision = "needs_revision"
	ReviewEscalate      ReviewDecision = "escalate"
)

// Issue is a severity-classified finding from an evaluator or reviewer
type Issue struct {
	Severity    IssueSeverity `json:"severity"`
	Description string        `json:"description"`
}

// IssueSeverity classifies how serious a finding is
type IssueSeverity string

const (
	SeverityCritical IssueSeverity = "critical"
	SeverityHigh     IssueSeverity = "high"
	SeverityMedium   IssueSeverity = "medium"
	SeverityLow      IssueSeverity = "low"
)

// Evaluation is the aggregated score for one subtask's output
type Evaluation struct {
	ID          string             `json:"id"`
	SubtaskID   string             `json:"subtask_id"`
	Dimensions  map[string]float64 `json:"dimensions"` // dimension -> score in [0,10]
	Overall     float64            `json:"overall"`
	Issues      []Issue            `json:"issues,omitempty"`
	Suggestions []string           `json:"suggestions,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Correction records human or review-driven corrective guidance for a subtask
type Correction struct {
	ID           string             `json:"id"`
	CheckpointID string             `json:"checkpoint_id,omitempty"`
	SubtaskID    string             `json:"subtask_id"`
	Category     CorrectionCategory `json:"category"`
	Guidance     string             `json:"guidance"`
	Result       CorrectionResult   `json:"result"`
	Retry        int                `json:"retry,omitempty"`
	LearningMode bool               `json:"learning_mode,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// CorrectionCategory classifies what went wrong
type CorrectionCategory string

const (
	CorrectionWrongApproach  CorrectionCategory = "wrong_approach"
	CorrectionIncomplete     CorrectionCategory = "incomplete"
	CorrectionBug            CorrectionCategory = "bug"
	CorrectionStyle          CorrectionCategory = "style"
	CorrectionMissingFeature CorrectionCategory = "missing_feature"
	CorrectionOther          CorrectionCategory = "other"
)

// CorrectionResult tracks the outcome of applying a correction
type CorrectionResult string

const (
	CorrectionPending CorrectionResult = "pending"
	CorrectionSuccess CorrectionResult = "success"
	CorrectionFailed  CorrectionResult = "failed"
)
