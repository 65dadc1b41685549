package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/arpanauts/strategyengine/engine/emit"
)

// legalTransitions is the state machine of spec.md §4.7.1.
var legalTransitions = map[Status]map[Status]bool{
	StatusPending:    {StatusValidating: true, StatusRunning: true, StatusCancelled: true, StatusFailed: true},
	StatusValidating: {StatusRunning: true, StatusFailed: true, StatusCancelled: true},
	StatusRunning:    {StatusPaused: true, StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusPaused:     {StatusRunning: true, StatusCancelled: true, StatusFailed: true},
}

func legalTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if from == to {
		// resume_job transitions Paused -> Running itself (spec.md §4.7);
		// the relaunched execute_strategy then re-stamps Running at step 2
		// of its own loop (§4.7.2) against a job that is already Running.
		return true
	}
	return legalTransitions[from][to]
}

// Engine is the Strategy Execution Engine orchestrator (spec.md §4.7). One
// instance serves many concurrent jobs; each job runs in its own cooperative
// task (goroutine) with its own cancellation token, grounded on the
// teacher's per-run execution model in graph/engine.go Run, de-genericized
// to this engine's concrete Job/Step/ExecutionContext types.
type Engine struct {
	persistence Persistence
	actions     *ActionRegistry
	resources   ResourceManager
	emitter     emit.Emitter
	recorder    *Recorder
	tracer      trace.Tracer

	retention time.Duration

	mu      sync.Mutex
	tasks   map[string]*jobTask // jobID -> running task control
}

type jobTask struct {
	cancel context.CancelFunc
	paused bool
}

// NewEngine wires the orchestrator's dependencies. emitter and recorder may
// be nil: a nil emitter is replaced by emit.NewNullEmitter(), and a nil
// recorder records nothing (Recorder methods are no-ops on a nil receiver).
func NewEngine(persistence Persistence, actions *ActionRegistry, resources ResourceManager, emitter emit.Emitter, recorder *Recorder) *Engine {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Engine{
		persistence: persistence,
		actions:     actions,
		resources:   resources,
		emitter:     emitter,
		recorder:    recorder,
		tracer:      otel.Tracer("strategyengine/engine"),
		retention:   7 * 24 * time.Hour,
		tasks:       make(map[string]*jobTask),
	}
}

// ExecutionResult is returned by ExecuteStrategy (spec.md §4.7 execute_strategy).
type ExecutionResult struct {
	Success bool
	Results map[string]any
	Err     error
	Context *ExecutionContext
}

// SubmitJob persists a newly constructed job and emits job_created
// (spec.md §4.2 create_job: "emits job_created"). Callers should use this
// instead of calling Persistence.CreateJob directly so the event stream
// stays complete.
func (e *Engine) SubmitJob(ctx context.Context, job *Job) error {
	if err := e.persistence.CreateJob(ctx, job); err != nil {
		return err
	}
	e.emit(job.ID, emit.JobCreated, SeverityInfo, "", nil, map[string]any{
		"strategy_name": job.StrategyName,
		"owner":         job.Owner,
	}, "")
	return nil
}

// ExecuteStrategy runs (or resumes) a job's strategy to completion, pause,
// cancellation, or failure (spec.md §4.7.2). It is safe to call
// concurrently for distinct jobIDs; calling it twice for the same job that
// is already running is a caller error and is not guarded against (the
// second call's registerTask replaces the first call's task entry).
func (e *Engine) ExecuteStrategy(ctx context.Context, jobID string, resumeFromStep *int, resumeFromCheckpointID *string) ExecutionResult {
	job, err := e.persistence.GetJob(ctx, jobID)
	if err != nil {
		return ExecutionResult{Err: err}
	}
	doc := job.StrategyDoc

	ec, startIndex, err := e.loadStartingContext(ctx, job, doc, resumeFromStep, resumeFromCheckpointID)
	if err != nil {
		return ExecutionResult{Err: err}
	}

	if err := e.gateResources(ctx, job, doc); err != nil {
		e.failJob(ctx, job, err)
		return ExecutionResult{Err: err, Context: ec}
	}

	runCtx, cancel := e.registerTask(jobID, job.Options.TimeoutSeconds)
	defer e.unregisterTask(jobID)
	defer cancel()

	if _, err := e.transition(ctx, job, StatusRunning, map[string]any{"started_at": time.Now().UTC()}); err != nil {
		return ExecutionResult{Err: err, Context: ec}
	}
	e.recorder.RecordJobStarted(job.StrategyName)
	jobStart := time.Now()

	result := e.runLoop(runCtx, job, doc, ec, startIndex)

	e.recorder.RecordJobTerminal(job.StrategyName, job.Status, time.Since(jobStart))
	return result
}

// loadStartingContext implements the three branches of spec.md §4.7.2 step 1.
func (e *Engine) loadStartingContext(ctx context.Context, job *Job, doc *StrategyDoc, resumeFromStep *int, resumeFromCheckpointID *string) (*ExecutionContext, int, error) {
	switch {
	case resumeFromCheckpointID != nil:
		ec, stepIndex, _, err := e.persistence.RestoreCheckpoint(ctx, *resumeFromCheckpointID)
		if err != nil {
			return nil, 0, &ResumeError{CheckpointID: *resumeFromCheckpointID, Err: err}
		}
		return ec, stepIndex + 1, nil
	case resumeFromStep != nil:
		cp, err := e.latestCheckpointBefore(ctx, job.ID, *resumeFromStep)
		if err != nil {
			return nil, 0, err
		}
		if cp == nil {
			return NewExecutionContext(job.ID, job.StrategyName), *resumeFromStep, nil
		}
		ec, _, _, err := e.persistence.RestoreCheckpoint(ctx, cp.ID)
		if err != nil {
			return nil, 0, &ResumeError{CheckpointID: cp.ID, Err: err}
		}
		return ec, *resumeFromStep, nil
	default:
		return NewExecutionContext(job.ID, job.StrategyName), 0, nil
	}
}

// latestCheckpointBefore implements spec.md §4.7.5: the resumable checkpoint
// with the largest step_index strictly less than target.
func (e *Engine) latestCheckpointBefore(ctx context.Context, jobID string, target int) (*Checkpoint, error) {
	checkpoints, err := e.persistence.ListCheckpoints(ctx, jobID, 0)
	if err != nil {
		return nil, &StorageError{Op: "list_checkpoints", Err: err}
	}
	var best *Checkpoint
	for _, cp := range checkpoints {
		if !cp.IsResumable || cp.StepIndex >= target {
			continue
		}
		if best == nil || cp.StepIndex > best.StepIndex {
			best = cp
		}
	}
	return best, nil
}

// gateResources implements spec.md §4.7.4.
func (e *Engine) gateResources(ctx context.Context, job *Job, doc *StrategyDoc) error {
	if e.resources == nil {
		return nil
	}
	required := e.resources.RequiredResourcesFor(doc)
	if len(required) == 0 {
		return nil
	}
	outcomes, err := e.resources.EnsureRequired(ctx, required)
	if err != nil {
		return &ResourceUnavailableError{Resource: "unknown", Reason: err.Error()}
	}
	for _, name := range required {
		status, err := e.resources.Check(ctx, name)
		if err != nil {
			return &ResourceUnavailableError{Resource: name, Reason: err.Error()}
		}
		switch status {
		case ResourceHealthy:
			continue
		case ResourceDegraded:
			e.log(ctx, job.ID, SeverityWarning, "resource degraded", nil, map[string]any{"resource": name})
		default:
			if ok := outcomes[name]; !ok {
				return &ResourceUnavailableError{Resource: name, Reason: fmt.Sprintf("status=%s", status)}
			}
		}
	}
	return nil
}

// runLoop implements spec.md §4.7.2 steps 3-5; the step 2 transition to
// Running is made by ExecuteStrategy before runLoop is called.
func (e *Engine) runLoop(ctx context.Context, job *Job, doc *StrategyDoc, ec *ExecutionContext, startIndex int) ExecutionResult {
	var lastStepName string
	for i := startIndex; i < len(doc.Steps); i++ {
		step := doc.Steps[i]

		current, err := e.persistence.GetJob(ctx, job.ID)
		if err != nil {
			return e.finishWithFailure(ctx, job, err)
		}
		if current.Status == StatusCancelled {
			return ExecutionResult{Success: false, Err: &CancelledError{JobID: job.ID}, Context: ec}
		}
		if current.Status == StatusPaused {
			e.writeCheckpoint(ctx, job.ID, i, ec, CheckpointPausePoint, "pause point")
			return ExecutionResult{Success: false, Context: ec}
		}

		ok, recognized := evaluateCondition(step.Condition, ec, lastStepName)
		if !recognized {
			e.log(ctx, job.ID, SeverityWarning, "unrecognized condition, treated as true",
				intPtr(i), map[string]any{"condition": step.Condition, "step": step.Name})
		}
		if !ok {
			lastStepName = step.Name
			continue
		}

		if doc.CheckpointPolicy.wantsBefore(step) {
			e.writeCheckpoint(ctx, job.ID, i, ec, CheckpointBeforeStep, "before "+step.Name)
		}

		out, stepErr := e.runStepWithRetry(ctx, job, doc, i, step, ec)
		if stepErr != nil {
			if step.Required() {
				e.writeCheckpoint(ctx, job.ID, i, ec, CheckpointPreError, "pre-error")
				return e.finishWithFailure(ctx, job, stepErr)
			}
			e.log(ctx, job.ID, SeverityError, "optional step failed, continuing",
				intPtr(i), map[string]any{"step": step.Name, "error": stepErr.Error()})
		} else {
			e.applyStepOutput(ec, i, step.Name, out)
		}

		if doc.CheckpointPolicy.wantsAfter(step) {
			e.writeCheckpoint(ctx, job.ID, i, ec, CheckpointAfterStep, "after "+step.Name)
		}

		e.updateProgress(ctx, job.ID, i+1, len(doc.Steps))
		lastStepName = step.Name
	}

	final, err := e.persistence.GetJob(ctx, job.ID)
	if err == nil && final.Status == StatusRunning {
		now := time.Now().UTC()
		fields := map[string]any{
			"completed_at":      now,
			"final_results":     stepResultsSummary(ec),
			"execution_time_ms": durationSinceMs(job.StartedAt, now),
		}
		e.transition(ctx, job, StatusCompleted, fields)
	}
	return ExecutionResult{Success: true, Results: stepResultsSummary(ec), Context: ec}
}

// runStepWithRetry implements spec.md §4.7.3.
func (e *Engine) runStepWithRetry(ctx context.Context, job *Job, doc *StrategyDoc, index int, step StepDef, ec *ExecutionContext) (StepOutput, error) {
	ctx, span := e.tracer.Start(ctx, "step."+step.Name)
	defer span.End()
	span.SetAttributes(
		attribute.String("strategyengine.job_id", job.ID),
		attribute.Int("strategyengine.step_index", index),
		attribute.String("strategyengine.action_type", step.Action.Type),
	)

	if _, err := e.persistence.RecordStepStart(ctx, job.ID, index, step.Name, step.Action.Type, step.Action.Params); err != nil {
		span.RecordError(err)
		return StepOutput{}, &StorageError{Op: "record_step_start", Err: err}
	}
	e.emit(job.ID, emit.StepStarted, SeverityInfo, step.Name, &index, nil, "")

	maxAttempts := 1
	if step.OnError != nil && step.OnError.Action == "retry" && step.OnError.MaxAttempts > 0 {
		maxAttempts = step.OnError.MaxAttempts
	}

	var lastErr error
	var out StepOutput
	var retriesUsed int
	started := time.Now()
attempts:
	for attempt := 0; attempt < maxAttempts; attempt++ {
		retriesUsed = attempt
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break attempts
		default:
			out, lastErr = e.actions.Dispatch(ctx, step.Action.Type, step.Action.Params, ec)
		}
		if lastErr == nil {
			break
		}
		if isPermanent(lastErr) {
			break
		}
		if attempt < maxAttempts-1 {
			e.recorder.RecordStepRetry(job.StrategyName, step.Action.Type)
			e.log(ctx, job.ID, SeverityWarning, "step failed, retrying", &index,
				map[string]any{"attempt": attempt, "error": lastErr.Error()})
			delay := stepRetryDelay(step.OnError, attempt, job.Options.RetryPolicy)
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break attempts
			case <-time.After(delay):
			}
		}
	}

	duration := time.Since(started)
	status := StatusCompleted
	if lastErr != nil {
		status = StatusFailed
		span.SetStatus(codes.Error, lastErr.Error())
		span.RecordError(lastErr)
	}
	e.recorder.RecordStepLatency(job.StrategyName, step.Action.Type, duration, status)

	if lastErr != nil {
		e.persistence.RecordStepFailure(ctx, job.ID, index, lastErr.Error(), "", maxAttempts-1, !isPermanent(lastErr))
		e.emit(job.ID, emit.StepFailed, SeverityError, step.Name, &index, map[string]any{"error": lastErr.Error()}, "")
		return StepOutput{}, &ActionError{ActionType: step.Action.Type, Err: lastErr}
	}

	e.persistence.RecordStepCompletion(ctx, job.ID, index, StepCompletion{
		Output:           out.Data,
		RecordsProcessed: out.RecordsProcessed,
		RecordsMatched:   out.RecordsMatched,
		RecordsFailed:    out.RecordsFailed,
		ConfidenceScore:  out.ConfidenceScore,
		RetryCount:       retriesUsed,
	})
	e.emit(job.ID, emit.StepCompleted, SeverityInfo, step.Name, &index, nil, "")
	return out, nil
}

// applyStepOutput attaches a step's output to the context at
// step_<i>_output. The output is always attached inline, whatever its size;
// oversize output is not moved to result storage or replaced by a reference.
func (e *Engine) applyStepOutput(ec *ExecutionContext, index int, stepName string, out StepOutput) {
	ec.StepResults[stepName] = StepResultEntry{
		Success:   out.Success,
		Data:      out.Data,
		Timestamp: time.Now().UTC(),
	}
	key := fmt.Sprintf("step_%d_output", index)
	ec.CustomActionData[key] = out.Data
	ec.Provenance = append(ec.Provenance, ProvenanceEntry{
		Source:    stepName,
		Action:    "step_completed",
		Timestamp: time.Now().UTC(),
	})
}

func isPermanent(err error) bool {
	switch err.(type) {
	case *ValidationError:
		return true
	case *UnknownActionError:
		return true
	}
	return false
}

// PauseJob transitions Running → Paused and cancels the current step's task
// (spec.md §4.7 pause_job).
func (e *Engine) PauseJob(ctx context.Context, jobID string) (bool, error) {
	job, err := e.persistence.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != StatusRunning {
		return false, ErrIllegalTransition
	}
	if _, err := e.transition(ctx, job, StatusPaused, nil); err != nil {
		return false, err
	}
	e.mu.Lock()
	if t, ok := e.tasks[jobID]; ok {
		t.paused = true
		t.cancel()
	}
	e.mu.Unlock()
	return true, nil
}

// ResumeJob transitions Paused → Running and relaunches execution from the
// latest checkpoint (spec.md §4.7 resume_job). Caller is expected to invoke
// ExecuteStrategy in a new goroutine/task with resumeFromCheckpointID set to
// the result of GetLatestCheckpoint; this method only performs the
// transition and lookup.
func (e *Engine) ResumeJob(ctx context.Context, jobID string) (resumeFromCheckpointID string, err error) {
	job, err := e.persistence.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status != StatusPaused {
		return "", ErrIllegalTransition
	}
	cp, err := e.persistence.GetLatestCheckpoint(ctx, jobID)
	if err != nil {
		return "", &StorageError{Op: "get_latest_checkpoint", Err: err}
	}
	if cp == nil {
		return "", ErrCheckpointNotFound
	}
	if _, err := e.transition(ctx, job, StatusRunning, nil); err != nil {
		return "", err
	}
	return cp.ID, nil
}

// CancelJob transitions Running or Paused → Cancelled and cancels the task
// (spec.md §4.7 cancel_job).
func (e *Engine) CancelJob(ctx context.Context, jobID string) (bool, error) {
	job, err := e.persistence.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != StatusRunning && job.Status != StatusPaused {
		return false, ErrIllegalTransition
	}
	if _, err := e.transition(ctx, job, StatusCancelled, nil); err != nil {
		return false, err
	}
	e.mu.Lock()
	if t, ok := e.tasks[jobID]; ok {
		t.cancel()
	}
	e.mu.Unlock()
	return true, nil
}

// StatusReport is returned by GetJobStatus (spec.md §4.7 get_job_status).
type StatusReport struct {
	Job          *Job
	Metrics      *JobMetrics
	RecentEvents []JobEvent
}

func (e *Engine) GetJobStatus(ctx context.Context, jobID string) (*StatusReport, error) {
	job, err := e.persistence.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	metrics, err := e.persistence.GetJobMetrics(ctx, jobID)
	if err != nil {
		return nil, err
	}
	events, err := e.persistence.GetEvents(ctx, jobID, nil, nil, 20)
	if err != nil {
		return nil, err
	}
	return &StatusReport{Job: job, Metrics: metrics, RecentEvents: events}, nil
}

// --- helpers ---

func (e *Engine) transition(ctx context.Context, job *Job, to Status, fields map[string]any) (*Job, error) {
	if !legalTransition(job.Status, to) {
		return nil, ErrIllegalTransition
	}
	updated, err := e.persistence.UpdateJobStatus(ctx, job.ID, to, fields)
	if err != nil {
		return nil, err
	}
	*job = *updated
	e.emit(job.ID, emit.StatusChange, SeverityInfo, "", nil, map[string]any{"status": string(to)}, "")
	if to.Terminal() {
		e.emit(job.ID, emit.Complete, SeverityInfo, "", nil, map[string]any{"status": string(to)}, "")
	}
	return updated, nil
}

func (e *Engine) failJob(ctx context.Context, job *Job, cause error) {
	e.transition(ctx, job, StatusFailed, map[string]any{
		"error_message": cause.Error(),
		"completed_at":  time.Now().UTC(),
	})
}

func (e *Engine) finishWithFailure(ctx context.Context, job *Job, cause error) ExecutionResult {
	e.failJob(ctx, job, cause)
	e.emit(job.ID, emit.Error, SeverityError, "", nil, map[string]any{"error": cause.Error()}, cause.Error())
	return ExecutionResult{Success: false, Err: cause}
}

func (e *Engine) writeCheckpoint(ctx context.Context, jobID string, stepIndex int, ec *ExecutionContext, t CheckpointType, description string) {
	if _, err := e.persistence.CreateCheckpoint(ctx, jobID, stepIndex, ec, t, description); err != nil {
		e.log(ctx, jobID, SeverityError, "checkpoint write failed", &stepIndex, map[string]any{"error": err.Error()})
		return
	}
	e.recorder.RecordCheckpoint(t)
	e.emit(jobID, emit.CheckpointCreated, SeverityInfo, "", &stepIndex, map[string]any{"type": string(t)}, "")
}

func (e *Engine) updateProgress(ctx context.Context, jobID string, completedSteps, totalSteps int) {
	pct := 100.0 * float64(completedSteps) / float64(totalSteps)
	// Keep the job's current status so a cancel or pause that arrived while
	// the step ran is not overwritten with Running.
	status := StatusRunning
	if current, err := e.persistence.GetJob(ctx, jobID); err == nil {
		status = current.Status
	}
	e.persistence.UpdateJobStatus(ctx, jobID, status, map[string]any{
		"current_step_index": completedSteps,
		"progress_percentage": pct,
	})
	e.emit(jobID, emit.Progress, SeverityInfo, "", nil, map[string]any{"progress_percentage": pct}, "")
}

func (e *Engine) log(ctx context.Context, jobID string, sev Severity, message string, stepIndex *int, details map[string]any) {
	e.persistence.Log(ctx, LogEntry{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Level:     sev,
		Message:   message,
		StepIndex: stepIndex,
		Details:   details,
		Timestamp: time.Now().UTC(),
	})
}

func (e *Engine) emit(jobID string, t emit.EventType, sev Severity, stepName string, stepIndex *int, data map[string]any, message string) {
	ev := emit.Event{
		JobID:     jobID,
		Type:      t,
		Timestamp: time.Now().UTC(),
		Severity:  emit.Severity(sev),
		StepName:  stepName,
		StepIndex: stepIndex,
		Data:      data,
		Message:   message,
	}
	e.emitter.Emit(ev)
	e.persistence.EmitEvent(context.Background(), JobEvent{
		ID:        uuid.NewString(),
		JobID:     jobID,
		EventType: EventType(t),
		Timestamp: ev.Timestamp,
		Severity:  sev,
		StepName:  stepName,
		StepIndex: stepIndex,
		Data:      data,
		Message:   message,
	})
}

func (e *Engine) registerTask(jobID string, timeoutSeconds int) (context.Context, context.CancelFunc) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if timeoutSeconds > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	e.mu.Lock()
	e.tasks[jobID] = &jobTask{cancel: cancel}
	e.mu.Unlock()
	return ctx, cancel
}

func (e *Engine) unregisterTask(jobID string) {
	e.mu.Lock()
	delete(e.tasks, jobID)
	e.mu.Unlock()
}

func intPtr(i int) *int { return &i }

func stepResultsSummary(ec *ExecutionContext) map[string]any {
	out := make(map[string]any, len(ec.StepResults))
	for k, v := range ec.StepResults {
		out[k] = v.Data
	}
	return out
}

func durationSinceMs(started *time.Time, now time.Time) int64 {
	if started == nil {
		return 0
	}
	return now.Sub(*started).Milliseconds()
}
