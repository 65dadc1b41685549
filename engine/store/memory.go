// Package store provides Persistence Service backends (spec.md §4.2):
// an in-memory reference implementation for tests, and SQL-backed
// implementations for SQLite, MySQL, and Postgres.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arpanauts/strategyengine/engine"
)

// MemoryStore is a single-process, mutex-guarded implementation of
// engine.Persistence. Grounded on the teacher's in-memory patterns (the
// sqlite store's single-writer discipline, generalized to a plain map here
// since no SQL engine is involved); used by engine package tests and as a
// reference for what the SQL-backed stores must reproduce.
type MemoryStore struct {
	mu sync.Mutex

	jobs        map[string]*engine.Job
	steps       map[string]map[int]*engine.Step // jobID -> stepIndex -> Step
	checkpoints map[string]*engine.Checkpoint    // checkpointID -> Checkpoint
	results     map[string][]byte                // ref -> data
	logs        map[string][]engine.LogEntry      // jobID -> logs
	events      map[string][]engine.JobEvent       // jobID -> events
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*engine.Job),
		steps:       make(map[string]map[int]*engine.Step),
		checkpoints: make(map[string]*engine.Checkpoint),
		results:     make(map[string][]byte),
		logs:        make(map[string][]engine.LogEntry),
		events:      make(map[string][]engine.JobEvent),
	}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *engine.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	s.steps[job.ID] = make(map[int]*engine.Step)
	return nil
}

func (s *MemoryStore) UpdateJobStatus(ctx context.Context, jobID string, newStatus engine.Status, fields map[string]any) (*engine.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, engine.ErrJobNotFound
	}
	job.Status = newStatus
	job.LastUpdated = time.Now().UTC()
	applyJobFields(job, fields)
	out := *job
	return &out, nil
}

func applyJobFields(job *engine.Job, fields map[string]any) {
	for k, v := range fields {
		switch k {
		case "started_at":
			if t, ok := v.(time.Time); ok {
				job.StartedAt = &t
			}
		case "completed_at":
			if t, ok := v.(time.Time); ok {
				job.CompletedAt = &t
			}
		case "error_message":
			if s, ok := v.(string); ok {
				job.ErrorMessage = s
			}
		case "final_results":
			if m, ok := v.(map[string]any); ok {
				job.FinalResults = m
			}
		case "execution_time_ms":
			if n, ok := v.(int64); ok {
				job.ExecutionTimeMs = n
			}
		case "current_step_index":
			if n, ok := v.(int); ok {
				job.CurrentStep = n
			}
		case "progress_percentage":
			if f, ok := v.(float64); ok {
				job.ProgressPercent = f
			}
		}
	}
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*engine.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, engine.ErrJobNotFound
	}
	out := *job
	return &out, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter engine.JobFilter) ([]*engine.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.Job
	for _, job := range s.jobs {
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		if filter.StrategyName != "" && job.StrategyName != filter.StrategyName {
			continue
		}
		if filter.Owner != "" && job.Owner != filter.Owner {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) RecordStepStart(ctx context.Context, jobID string, stepIndex int, name, actionType string, params map[string]any) (*engine.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, engine.ErrJobNotFound
	}
	now := time.Now().UTC()
	step := &engine.Step{
		JobID: jobID, StepIndex: stepIndex, StepName: name, ActionType: actionType,
		InputParams: params, Status: engine.StatusRunning, StartedAt: &now,
	}
	s.steps[jobID][stepIndex] = step
	job.CurrentStep = stepIndex
	if job.TotalSteps > 0 {
		job.ProgressPercent = 100 * float64(stepIndex) / float64(job.TotalSteps)
	}
	out := *step
	return &out, nil
}

func (s *MemoryStore) RecordStepCompletion(ctx context.Context, jobID string, stepIndex int, completion engine.StepCompletion) (*engine.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[jobID][stepIndex]
	if !ok {
		return nil, engine.ErrStepNotFound
	}
	now := time.Now().UTC()
	step.CompletedAt = &now
	if step.StartedAt != nil {
		step.DurationMs = now.Sub(*step.StartedAt).Milliseconds()
	}
	step.Status = engine.StatusCompleted
	step.OutputResults = completion.Output
	step.RecordsProcessed = completion.RecordsProcessed
	step.RecordsMatched = completion.RecordsMatched
	step.RecordsFailed = completion.RecordsFailed
	step.ConfidenceScore = completion.ConfidenceScore
	step.MemoryUsedMB = completion.MemoryUsedMB
	step.RetryCount = completion.RetryCount
	out := *step
	return &out, nil
}

func (s *MemoryStore) RecordStepFailure(ctx context.Context, jobID string, stepIndex int, errMessage, errTraceback string, retryCount int, canRetry bool) (*engine.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[jobID][stepIndex]
	if !ok {
		return nil, engine.ErrStepNotFound
	}
	now := time.Now().UTC()
	step.CompletedAt = &now
	step.Status = engine.StatusFailed
	step.ErrorMessage = errMessage
	step.ErrorTraceback = errTraceback
	step.RetryCount = retryCount
	step.CanRetry = canRetry
	out := *step
	return &out, nil
}

func (s *MemoryStore) GetStep(ctx context.Context, jobID string, stepIndex int) (*engine.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[jobID][stepIndex]
	if !ok {
		return nil, engine.ErrStepNotFound
	}
	out := *step
	return &out, nil
}

func (s *MemoryStore) CreateCheckpoint(ctx context.Context, jobID string, stepIndex int, ec *engine.ExecutionContext, t engine.CheckpointType, description string) (*engine.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := &engine.Checkpoint{
		ID: uuid.NewString(), JobID: jobID, StepIndex: stepIndex, CheckpointType: t,
		CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(7 * 24 * time.Hour),
		ContextData: cloneExecutionContext(ec), IsResumable: true, Description: description,
	}
	s.checkpoints[cp.ID] = cp
	out := *cp
	return &out, nil
}

func (s *MemoryStore) RestoreCheckpoint(ctx context.Context, checkpointID string) (*engine.ExecutionContext, int, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[checkpointID]
	if !ok {
		return nil, 0, "", engine.ErrCheckpointNotFound
	}
	if !cp.IsResumable {
		return nil, 0, "", engine.ErrNotResumable
	}
	ec := restoreExecutionContext(cp.ContextData)
	return ec, cp.StepIndex, cp.JobID, nil
}

func (s *MemoryStore) ListCheckpoints(ctx context.Context, jobID string, limit int) ([]*engine.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.Checkpoint
	for _, cp := range s.checkpoints {
		if cp.JobID != jobID {
			continue
		}
		copyCp := *cp
		out = append(out, &copyCp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetLatestCheckpoint(ctx context.Context, jobID string) (*engine.Checkpoint, error) {
	cps, err := s.ListCheckpoints(ctx, jobID, 1)
	if err != nil || len(cps) == 0 {
		return nil, err
	}
	return cps[0], nil
}

func (s *MemoryStore) StoreResult(ctx context.Context, jobID string, stepIndex int, key string, data []byte, contentType string, ttlDays int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := jobID + "/" + key
	s.results[ref] = data
	return ref, nil
}

func (s *MemoryStore) RetrieveResult(ctx context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.results[ref]
	if !ok {
		return nil, &engine.StorageError{Op: "retrieve_result", Err: engine.ErrJobNotFound}
	}
	return data, nil
}

func (s *MemoryStore) Log(ctx context.Context, entry engine.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	s.logs[entry.JobID] = append(s.logs[entry.JobID], entry)
	return nil
}

func (s *MemoryStore) GetLogs(ctx context.Context, jobID string, level *engine.Severity, stepIndex *int, limit int) ([]engine.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []engine.LogEntry
	for _, l := range s.logs[jobID] {
		if level != nil && l.Level != *level {
			continue
		}
		if stepIndex != nil && (l.StepIndex == nil || *l.StepIndex != *stepIndex) {
			continue
		}
		out = append(out, l)
	}
	if limit > 0 && limit < len(out) {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) EmitEvent(ctx context.Context, event engine.JobEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	s.events[event.JobID] = append(s.events[event.JobID], event)
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, jobID string, since *time.Time, eventType *engine.EventType, limit int) ([]engine.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []engine.JobEvent
	for _, ev := range s.events[jobID] {
		if since != nil && ev.Timestamp.Before(*since) {
			continue
		}
		if eventType != nil && ev.EventType != *eventType {
			continue
		}
		out = append(out, ev)
	}
	if limit > 0 && limit < len(out) {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) CleanupOldData(ctx context.Context, olderThan time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			delete(s.steps, id)
			delete(s.logs, id)
			delete(s.events, id)
		}
	}
	for id, cp := range s.checkpoints {
		if cp.ExpiresAt.Before(time.Now().UTC()) {
			delete(s.checkpoints, id)
		}
	}
	return nil
}

func (s *MemoryStore) GetJobMetrics(ctx context.Context, jobID string) (*engine.JobMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, engine.ErrJobNotFound
	}
	metrics := &engine.JobMetrics{JobID: jobID, StepDurationsMs: make(map[int]int64)}
	for idx, step := range s.steps[jobID] {
		metrics.StepDurationsMs[idx] = step.DurationMs
		metrics.TotalDurationMs += step.DurationMs
		metrics.RecordsProcessed += step.RecordsProcessed
		metrics.RecordsMatched += step.RecordsMatched
		metrics.RecordsFailed += step.RecordsFailed
		if step.MemoryUsedMB > metrics.PeakMemoryMB {
			metrics.PeakMemoryMB = step.MemoryUsedMB
		}
		metrics.RetryCount += step.RetryCount
	}
	return metrics, nil
}

// cloneExecutionContext stashes the pointer directly rather than round-tripping
// through engine.SerializeContext: an in-memory store crosses no real wire or
// disk boundary, so there is nothing for the documented-type contract to
// protect against here. The SQL-backed stores do the real round-trip.
func cloneExecutionContext(ec *engine.ExecutionContext) map[string]any {
	return map[string]any{"ec": ec}
}

func restoreExecutionContext(data map[string]any) *engine.ExecutionContext {
	if ec, ok := data["ec"].(*engine.ExecutionContext); ok {
		return ec
	}
	return engine.NewExecutionContext("", "")
}
