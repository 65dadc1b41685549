package engine

import (
	"context"
	"time"
)

// JobFilter narrows list_jobs (spec.md §4.2).
type JobFilter struct {
	Status       *Status
	StrategyName string
	Owner        string
	Limit        int
	Offset       int
}

// JobMetrics aggregates a job's step durations, record counts, and peak
// memory (spec.md §4.2 get_job_metrics).
type JobMetrics struct {
	JobID             string
	TotalDurationMs   int64
	StepDurationsMs   map[int]int64
	RecordsProcessed  int
	RecordsMatched    int
	RecordsFailed     int
	PeakMemoryMB      float64
	RetryCount        int
}

// StepCompletion carries the fields record_step_completion persists.
type StepCompletion struct {
	Output           map[string]any
	RecordsProcessed int
	RecordsMatched   int
	RecordsFailed    int
	ConfidenceScore  float64
	MemoryUsedMB     float64
	RetryCount       int
}

// Persistence is the Persistence Service contract (spec.md §4.2) the Engine
// depends on. A single backing store fulfills every method transactionally;
// implementations live in package store (memory, sqlite, mysql, postgres).
type Persistence interface {
	CreateJob(ctx context.Context, job *Job) error
	UpdateJobStatus(ctx context.Context, jobID string, newStatus Status, fields map[string]any) (*Job, error)
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)

	RecordStepStart(ctx context.Context, jobID string, stepIndex int, name, actionType string, params map[string]any) (*Step, error)
	RecordStepCompletion(ctx context.Context, jobID string, stepIndex int, completion StepCompletion) (*Step, error)
	RecordStepFailure(ctx context.Context, jobID string, stepIndex int, errMessage, errTraceback string, retryCount int, canRetry bool) (*Step, error)
	GetStep(ctx context.Context, jobID string, stepIndex int) (*Step, error)

	CreateCheckpoint(ctx context.Context, jobID string, stepIndex int, ec *ExecutionContext, t CheckpointType, description string) (*Checkpoint, error)
	RestoreCheckpoint(ctx context.Context, checkpointID string) (*ExecutionContext, int, string, error)
	ListCheckpoints(ctx context.Context, jobID string, limit int) ([]*Checkpoint, error)
	GetLatestCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error)

	StoreResult(ctx context.Context, jobID string, stepIndex int, key string, data []byte, contentType string, ttlDays int) (string, error)
	RetrieveResult(ctx context.Context, ref string) ([]byte, error)

	Log(ctx context.Context, entry LogEntry) error
	GetLogs(ctx context.Context, jobID string, level *Severity, stepIndex *int, limit int) ([]LogEntry, error)

	EmitEvent(ctx context.Context, event JobEvent) error
	GetEvents(ctx context.Context, jobID string, since *time.Time, eventType *EventType, limit int) ([]JobEvent, error)

	CleanupOldData(ctx context.Context, olderThan time.Duration) error
	GetJobMetrics(ctx context.Context, jobID string) (*JobMetrics, error)
}
