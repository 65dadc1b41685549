// Package engine implements the Strategy Execution Engine's job lifecycle,
// orchestration loop, and the data model shared by every other component.
package engine

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state shared by Job and Step.
type Status string

const (
	StatusPending    Status = "pending"
	StatusValidating Status = "validating"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is one of the engine's terminal states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is a single execution of a strategy (spec.md §3 Job).
type Job struct {
	ID              string
	StrategyName    string
	StrategyDoc     *StrategyDoc
	Parameters      map[string]any
	Options         JobOptions
	Status          Status
	CurrentStep     int
	TotalSteps      int
	ProgressPercent float64
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	LastUpdated     time.Time
	ErrorMessage    string
	ErrorDetails    map[string]any
	FinalResults    map[string]any
	Owner           string
	SessionID       string
	Tags            []string
	Description     string
	ExecutionTimeMs int64
	MemoryMBPeak    float64
	RetryCount      int
}

// JobOptions configures one job's execution behavior.
type JobOptions struct {
	CheckpointPolicy CheckpointPolicy
	RetryPolicy      *RetryPolicy
	TimeoutSeconds   int
}

// NewJob constructs a Pending job snapshotting doc/params/options.
func NewJob(strategyName string, doc *StrategyDoc, params map[string]any, opts JobOptions, owner, sessionID string, tags []string, description string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:           uuid.NewString(),
		StrategyName: strategyName,
		StrategyDoc:  doc,
		Parameters:   params,
		Options:      opts,
		Status:       StatusPending,
		CurrentStep:  0,
		TotalSteps:   len(doc.Steps),
		CreatedAt:    now,
		LastUpdated:  now,
		Owner:        owner,
		SessionID:    sessionID,
		Tags:         tags,
		Description:  description,
	}
}

// Step is one action invocation within a job (spec.md §3 Step).
type Step struct {
	JobID            string
	StepIndex        int
	StepName         string
	ActionType       string
	InputParams      map[string]any
	Status           Status
	StartedAt        *time.Time
	CompletedAt      *time.Time
	DurationMs       int64
	OutputResults    map[string]any
	OutputRef        string // set instead of OutputResults when output was stored externally
	RetryCount       int
	CanRetry         bool
	ErrorMessage     string
	ErrorTraceback   string
	RecordsProcessed int
	RecordsMatched   int
	RecordsFailed    int
	ConfidenceScore  float64
	MemoryUsedMB     float64
}

// CheckpointType enumerates the reasons a checkpoint was written (spec.md §3).
type CheckpointType string

const (
	CheckpointAutomatic   CheckpointType = "automatic"
	CheckpointBeforeStep  CheckpointType = "before_step"
	CheckpointAfterStep   CheckpointType = "after_step"
	CheckpointManual      CheckpointType = "manual"
	CheckpointPreError    CheckpointType = "pre_error"
	CheckpointPausePoint  CheckpointType = "pause_point"
)

// Checkpoint is a resumable snapshot of the ExecutionContext (spec.md §3).
type Checkpoint struct {
	ID             string
	JobID          string
	StepIndex      int
	CheckpointType CheckpointType
	CreatedAt      time.Time
	ExpiresAt      time.Time
	ContextData    map[string]any // inline when small
	StoragePath    string         // set instead of ContextData when stored externally
	SizeBytes      int
	Compressed     bool
	IsResumable    bool
	Description    string
}

// ExecutionContext is the live, in-memory state threaded through a strategy
// (spec.md §3 ExecutionContext). Only documented scalar/collection types
// (see engine/serialize.go) may be placed in StepResults, Provenance, or
// CustomActionData — anything else collapses to a type tag on checkpoint.
type ExecutionContext struct {
	JobID              string
	StrategyName       string
	InitialIdentifier  string
	CurrentIdentifier  string
	IdentifierHistory  []string
	OntologyType       string
	StepResults        map[string]StepResultEntry
	Provenance         []ProvenanceEntry
	CustomActionData   map[string]any
	Config             ContextConfig
}

// NewExecutionContext seeds a fresh context for a job about to start at step 0.
func NewExecutionContext(jobID, strategyName string) *ExecutionContext {
	return &ExecutionContext{
		JobID:             jobID,
		StrategyName:      strategyName,
		IdentifierHistory: []string{},
		StepResults:       map[string]StepResultEntry{},
		Provenance:        []ProvenanceEntry{},
		CustomActionData:  map[string]any{},
	}
}

// StepResultEntry records the outcome of one named step in the context.
type StepResultEntry struct {
	Success   bool
	Data      map[string]any
	Error     string
	Timestamp time.Time
}

// ProvenanceEntry is one append-only provenance record.
type ProvenanceEntry struct {
	Source    string
	Action    string
	Timestamp time.Time
	Details   map[string]any
}

// ContextConfig carries cache/batch/timeout/retry knobs threaded through the context.
type ContextConfig struct {
	CacheEnabled    bool
	BatchSize       int
	TimeoutSeconds  int
	RetryAttempts   int
}

// MappingDirection is forward or reverse traversal of a mapping path.
type MappingDirection string

const (
	DirectionForward MappingDirection = "forward"
	DirectionReverse MappingDirection = "reverse"
)

// MappingSource identifies which kind of resource produced a mapping.
type MappingSource string

const (
	SourceAPI   MappingSource = "api"
	SourceSpoke MappingSource = "spoke"
	SourceRAG   MappingSource = "rag"
	SourceLLM   MappingSource = "llm"
	SourceRAMP  MappingSource = "ramp"
)

// EntityMapping is a cached mapping result (spec.md §3 EntityMapping).
type EntityMapping struct {
	ID                  string
	SourceID            string
	SourceType          string
	TargetID            string
	TargetType          string
	ConfidenceScore     float64
	MappingSource       MappingSource
	HopCount            int
	MappingDirection    MappingDirection
	MappingPathDetails  map[string]any
	LastUpdated         time.Time
	ExpiresAt           *time.Time
	UsageCount          int
}

// PathExecutionStatus enumerates outcomes of attempting a mapping path.
type PathExecutionStatus string

const (
	PathPending        PathExecutionStatus = "pending"
	PathSuccess        PathExecutionStatus = "success"
	PathFailure        PathExecutionStatus = "failure"
	PathPartial        PathExecutionStatus = "partial"
	PathNoMappingFound PathExecutionStatus = "no_mapping_found"
	PathNoPathFound    PathExecutionStatus = "no_path_found"
	PathTimedOut       PathExecutionStatus = "timed_out"
	PathError          PathExecutionStatus = "error"
	PathSkipped        PathExecutionStatus = "skipped"
	PathExecutionError PathExecutionStatus = "execution_error"
)

// PathExecutionLog records an attempt of a mapping path for a representative id.
type PathExecutionLog struct {
	ID                        string
	RelationshipMappingPathID string
	RepresentativeSourceID    string
	SourceEntityType          string
	StartTime                 time.Time
	EndTime                   *time.Time
	DurationMs                int64
	Status                    PathExecutionStatus
	LogMessages               []string
	ErrorMessage              string
}

// EventType enumerates the Event Bus's observable event kinds (spec.md §4.8).
type EventType string

const (
	EventJobCreated        EventType = "job_created"
	EventStatusChange      EventType = "status_change"
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventStepFailed        EventType = "step_failed"
	EventCheckpointCreated EventType = "checkpoint_created"
	EventProgress          EventType = "progress"
	EventLog               EventType = "log"
	EventError             EventType = "error"
	EventComplete          EventType = "complete"
)

// Severity mirrors common log levels for JobEvent/log entries.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// JobEvent is an observable event (spec.md §3 JobEvent).
type JobEvent struct {
	ID               string
	JobID            string
	EventType        EventType
	Timestamp        time.Time
	Severity         Severity
	StepName         string
	StepIndex        *int
	Data             map[string]any
	Message          string
	Delivered        bool
	DeliveryAttempts int
}

// LogEntry is one row of the durable per-job log (spec.md §4.2 log()/get_logs()).
type LogEntry struct {
	ID        string
	JobID     string
	Level     Severity
	Message   string
	StepIndex *int
	Details   map[string]any
	Category  string
	Component string
	Timestamp time.Time
}

// ResourceType enumerates ManagedResource kinds (spec.md §3 ManagedResource).
type ResourceType string

const (
	ResourceContainerWorkload ResourceType = "container_workload"
	ResourceVectorStore       ResourceType = "vector_store"
	ResourceExternalHTTPAPI   ResourceType = "external_http_api"
	ResourceDatabase          ResourceType = "database"
	ResourceFilesystem        ResourceType = "filesystem"
	ResourceCompute           ResourceType = "compute"
)

// ResourceStatus enumerates health states of a ManagedResource.
type ResourceStatus string

const (
	ResourceHealthy     ResourceStatus = "healthy"
	ResourceDegraded    ResourceStatus = "degraded"
	ResourceUnavailable ResourceStatus = "unavailable"
	ResourceStarting    ResourceStatus = "starting"
	ResourceStopping    ResourceStatus = "stopping"
	ResourceUnknown     ResourceStatus = "unknown"
)

// ManagedResource is an external dependency under the engine's care.
type ManagedResource struct {
	Name                string
	Type                ResourceType
	Config              map[string]any
	Required            bool
	AutoStart           bool
	HealthCheckInterval time.Duration
	MaxRetries          int
	Status              ResourceStatus
	LastCheck           time.Time
	ErrorMessage        string
	Metadata            map[string]any
}
