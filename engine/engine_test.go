package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/arpanauts/strategyengine/engine"
	"github.com/arpanauts/strategyengine/engine/store"
)

// countingAction returns a fixed output after n.Add(1), for asserting a
// step ran the expected number of times.
func countingAction(n *int64, out engine.StepOutput, err error) engine.ActionFunc {
	return func(ctx context.Context, params map[string]any, ec *engine.ExecutionContext) (engine.StepOutput, error) {
		atomic.AddInt64(n, 1)
		return out, err
	}
}

func newTestEngine(t *testing.T, registry *engine.ActionRegistry) (*engine.Engine, engine.Persistence) {
	t.Helper()
	registry.Finalize()
	persistence := store.NewMemoryStore()
	resources := fakeResources{}
	eng := engine.NewEngine(persistence, registry, resources, nil, nil)
	return eng, persistence
}

type fakeResources struct {
	unhealthy map[string]bool
}

func (r fakeResources) RequiredResourcesFor(doc *engine.StrategyDoc) []string { return nil }
func (r fakeResources) Check(ctx context.Context, name string) (engine.ResourceStatus, error) {
	if r.unhealthy[name] {
		return engine.ResourceUnavailable, nil
	}
	return engine.ResourceHealthy, nil
}
func (r fakeResources) EnsureRequired(ctx context.Context, names []string) (map[string]bool, error) {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = !r.unhealthy[n]
	}
	return out, nil
}

// TestExecuteStrategy_HappyPath covers a two-step strategy completing
// end-to-end with a checkpoint after its first step.
func TestExecuteStrategy_HappyPath(t *testing.T) {
	registry := engine.NewActionRegistry()
	var calls int64
	registry.Register(engine.ActionDescriptor{
		Type:           "lookup",
		Implementation: countingAction(&calls, engine.StepOutput{Success: true, Data: map[string]any{"found": true}}, nil),
	})
	registry.Register(engine.ActionDescriptor{
		Type:           "enrich",
		Implementation: countingAction(&calls, engine.StepOutput{Success: true, Data: map[string]any{"enriched": true}}, nil),
	})
	eng, persistence := newTestEngine(t, registry)

	doc := &engine.StrategyDoc{
		Name: "happy-path",
		Steps: []engine.StepDef{
			{Name: "lookup", Action: engine.ActionRef{Type: "lookup"}, CheckpointAfter: true},
			{Name: "enrich", Action: engine.ActionRef{Type: "enrich"}},
		},
	}
	job := engine.NewJob(doc.Name, doc, nil, engine.JobOptions{}, "tester", "", nil, "")
	if err := eng.SubmitJob(context.Background(), job); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	result := eng.ExecuteStrategy(context.Background(), job.ID, nil, nil)
	if !result.Success {
		t.Fatalf("expected success, got err=%v", result.Err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 action invocations, got %d", calls)
	}

	final, err := persistence.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != engine.StatusCompleted {
		t.Fatalf("expected Completed, got %s", final.Status)
	}

	checkpoints, err := persistence.ListCheckpoints(context.Background(), job.ID, 0)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(checkpoints) != 1 {
		t.Fatalf("expected 1 checkpoint (after lookup), got %d", len(checkpoints))
	}

	events, err := persistence.GetEvents(context.Background(), job.ID, nil, nil, 0)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	var sawCreated, sawComplete bool
	for _, ev := range events {
		switch ev.EventType {
		case engine.EventJobCreated:
			sawCreated = true
		case engine.EventComplete:
			sawComplete = true
		}
	}
	if !sawCreated {
		t.Error("expected a job_created event from SubmitJob")
	}
	if !sawComplete {
		t.Error("expected a complete event on the terminal transition")
	}
}

// TestExecuteStrategy_CancellationMidFlight covers cancelling a job after
// its first step completes but before the second begins, confirming the
// run loop's top-of-iteration status check stops the job with a
// CancelledError instead of starting the next step. The first step's
// action blocks until CancelJob has actually returned, so the cancellation
// is guaranteed to be persisted before the loop re-checks job status —
// without that rendezvous this would be a data race against the loop.
func TestExecuteStrategy_CancellationMidFlight(t *testing.T) {
	registry := engine.NewActionRegistry()
	var calls int64
	started := make(chan struct{})
	cancelled := make(chan struct{})
	registry.Register(engine.ActionDescriptor{
		Type: "first",
		Implementation: engine.ActionFunc(func(ctx context.Context, params map[string]any, ec *engine.ExecutionContext) (engine.StepOutput, error) {
			atomic.AddInt64(&calls, 1)
			close(started)
			<-cancelled
			return engine.StepOutput{Success: true}, nil
		}),
	})
	registry.Register(engine.ActionDescriptor{
		Type:           "never",
		Implementation: countingAction(&calls, engine.StepOutput{Success: true}, nil),
	})
	eng, persistence := newTestEngine(t, registry)

	doc := &engine.StrategyDoc{
		Name: "cancel-mid-flight",
		Steps: []engine.StepDef{
			{Name: "first", Action: engine.ActionRef{Type: "first"}},
			{Name: "never", Action: engine.ActionRef{Type: "never"}},
		},
	}
	job := engine.NewJob(doc.Name, doc, nil, engine.JobOptions{}, "tester", "", nil, "")
	persistence.CreateJob(context.Background(), job)

	go func() {
		<-started
		eng.CancelJob(context.Background(), job.ID)
		close(cancelled)
	}()

	result := eng.ExecuteStrategy(context.Background(), job.ID, nil, nil)

	if result.Success {
		t.Fatalf("expected cancellation to fail the run")
	}
	var cancelErr *engine.CancelledError
	if !errors.As(result.Err, &cancelErr) {
		t.Fatalf("expected *CancelledError, got %T: %v", result.Err, result.Err)
	}
	if calls != 1 {
		t.Fatalf("expected only the first step to run, got %d calls", calls)
	}

	final, err := persistence.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != engine.StatusCancelled {
		t.Fatalf("expected Cancelled, got %s", final.Status)
	}
}

// TestExecuteStrategy_OptionalStepFailureContinues covers a failing
// optional step not failing the job.
func TestExecuteStrategy_OptionalStepFailureContinues(t *testing.T) {
	registry := engine.NewActionRegistry()
	registry.Register(engine.ActionDescriptor{
		Type: "flaky",
		Implementation: engine.ActionFunc(func(ctx context.Context, params map[string]any, ec *engine.ExecutionContext) (engine.StepOutput, error) {
			return engine.StepOutput{}, errors.New("boom")
		}),
	})
	var calls int64
	registry.Register(engine.ActionDescriptor{
		Type:           "final",
		Implementation: countingAction(&calls, engine.StepOutput{Success: true}, nil),
	})
	eng, persistence := newTestEngine(t, registry)

	notRequired := false
	doc := &engine.StrategyDoc{
		Name: "optional-failure",
		Steps: []engine.StepDef{
			{Name: "flaky", Action: engine.ActionRef{Type: "flaky"}, IsRequired: &notRequired},
			{Name: "final", Action: engine.ActionRef{Type: "final"}},
		},
	}
	job := engine.NewJob(doc.Name, doc, nil, engine.JobOptions{}, "tester", "", nil, "")
	persistence.CreateJob(context.Background(), job)

	result := eng.ExecuteStrategy(context.Background(), job.ID, nil, nil)
	if !result.Success {
		t.Fatalf("expected overall success despite optional step failure, err=%v", result.Err)
	}
	if calls != 1 {
		t.Fatalf("expected the final step to still run, got %d calls", calls)
	}
}

// TestExecuteStrategy_RetryThenSucceed covers a step failing once and
// succeeding on its second attempt under an on_error retry policy.
func TestExecuteStrategy_RetryThenSucceed(t *testing.T) {
	registry := engine.NewActionRegistry()
	var attempts int64
	registry.Register(engine.ActionDescriptor{
		Type: "transient",
		Implementation: engine.ActionFunc(func(ctx context.Context, params map[string]any, ec *engine.ExecutionContext) (engine.StepOutput, error) {
			n := atomic.AddInt64(&attempts, 1)
			if n == 1 {
				return engine.StepOutput{}, errors.New("transient failure")
			}
			return engine.StepOutput{Success: true}, nil
		}),
	})
	eng, persistence := newTestEngine(t, registry)

	doc := &engine.StrategyDoc{
		Name: "retry-then-succeed",
		Steps: []engine.StepDef{
			{
				Name:   "transient",
				Action: engine.ActionRef{Type: "transient"},
				OnError: &engine.OnError{
					Action:       "retry",
					MaxAttempts:  2,
					DelaySeconds: 0.01,
				},
			},
		},
	}
	job := engine.NewJob(doc.Name, doc, nil, engine.JobOptions{}, "tester", "", nil, "")
	persistence.CreateJob(context.Background(), job)

	result := eng.ExecuteStrategy(context.Background(), job.ID, nil, nil)
	if !result.Success {
		t.Fatalf("expected success after retry, err=%v", result.Err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}

	metrics, err := persistence.GetJobMetrics(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJobMetrics: %v", err)
	}
	if metrics.RetryCount < 1 {
		t.Errorf("expected the completed step's retry count to be recorded, got %d", metrics.RetryCount)
	}
}

// TestExecuteStrategy_ResumeFromCheckpoint covers a job paused after its
// first step, with a checkpoint already on record, resuming via
// Engine.ResumeJob + a second ExecuteStrategy call that picks up at the
// next step instead of re-running the first.
func TestExecuteStrategy_ResumeFromCheckpoint(t *testing.T) {
	registry := engine.NewActionRegistry()
	var firstCalls, secondCalls, thirdCalls int64
	registry.Register(engine.ActionDescriptor{
		Type:           "first",
		Implementation: countingAction(&firstCalls, engine.StepOutput{Success: true}, nil),
	})
	registry.Register(engine.ActionDescriptor{
		Type:           "second",
		Implementation: countingAction(&secondCalls, engine.StepOutput{Success: true}, nil),
	})
	registry.Register(engine.ActionDescriptor{
		Type:           "third",
		Implementation: countingAction(&thirdCalls, engine.StepOutput{Success: true}, nil),
	})
	eng, persistence := newTestEngine(t, registry)
	ctx := context.Background()

	doc := &engine.StrategyDoc{
		Name: "resume-from-checkpoint",
		Steps: []engine.StepDef{
			{Name: "first", Action: engine.ActionRef{Type: "first"}, CheckpointAfter: true},
			{Name: "second", Action: engine.ActionRef{Type: "second"}},
			{Name: "third", Action: engine.ActionRef{Type: "third"}},
		},
	}
	job := engine.NewJob(doc.Name, doc, nil, engine.JobOptions{}, "tester", "", nil, "")
	if err := persistence.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// Simulate a prior run that executed "first", checkpointed, and was
	// then paused before "second" started.
	ec := engine.NewExecutionContext(job.ID, doc.Name)
	ec.StepResults["first"] = engine.StepResultEntry{Success: true}
	if _, err := persistence.CreateCheckpoint(ctx, job.ID, 0, ec, engine.CheckpointAfterStep, "after first"); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if _, err := persistence.UpdateJobStatus(ctx, job.ID, engine.StatusRunning, nil); err != nil {
		t.Fatalf("UpdateJobStatus to Running: %v", err)
	}
	if _, err := persistence.UpdateJobStatus(ctx, job.ID, engine.StatusPaused, nil); err != nil {
		t.Fatalf("UpdateJobStatus to Paused: %v", err)
	}

	checkpointID, err := eng.ResumeJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("ResumeJob: %v", err)
	}

	result := eng.ExecuteStrategy(ctx, job.ID, nil, &checkpointID)
	if !result.Success {
		t.Fatalf("expected resumed run to succeed, err=%v", result.Err)
	}
	if firstCalls != 0 {
		t.Fatalf("expected 'first' to not re-run on resume, got %d calls", firstCalls)
	}
	if secondCalls != 1 || thirdCalls != 1 {
		t.Fatalf("expected 'second' and 'third' to each run once, got second=%d third=%d", secondCalls, thirdCalls)
	}

	final, err := persistence.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != engine.StatusCompleted {
		t.Fatalf("expected Completed, got %s", final.Status)
	}
}

// TestExecuteStrategy_CacheHitSkipsStep covers a condition that short-circuits
// the mapping path step when the cache lookup action already populated the
// context, mirroring how a strategy document routes around a cache hit
// without the engine itself knowing anything about caching.
func TestExecuteStrategy_CacheHitSkipsStep(t *testing.T) {
	registry := engine.NewActionRegistry()
	registry.Register(engine.ActionDescriptor{
		Type: "cache_lookup",
		Implementation: engine.ActionFunc(func(ctx context.Context, params map[string]any, ec *engine.ExecutionContext) (engine.StepOutput, error) {
			// A real cache hit; nothing is left for the mapping step to do.
			return engine.StepOutput{Success: true, Data: map[string]any{"hit": true}}, nil
		}),
	})
	var mappingCalls int64
	registry.Register(engine.ActionDescriptor{
		Type:           "mapping_path",
		Implementation: countingAction(&mappingCalls, engine.StepOutput{Success: true}, nil),
	})
	eng, persistence := newTestEngine(t, registry)

	doc := &engine.StrategyDoc{
		Name: "cache-hit",
		Steps: []engine.StepDef{
			{Name: "cache_lookup", Action: engine.ActionRef{Type: "cache_lookup"}},
			// has_results is true only when the prior step (cache_lookup)
			// succeeded with non-empty data, i.e. a hit — so this condition
			// is backwards for "run on miss". Model the miss case with its
			// own marker key instead, checked via exists:.
			{Name: "mapping_path", Action: engine.ActionRef{Type: "mapping_path"}, Condition: "exists:cache_miss"},
		},
	}
	job := engine.NewJob(doc.Name, doc, nil, engine.JobOptions{}, "tester", "", nil, "")
	persistence.CreateJob(context.Background(), job)

	result := eng.ExecuteStrategy(context.Background(), job.ID, nil, nil)
	if !result.Success {
		t.Fatalf("expected success, err=%v", result.Err)
	}
	if mappingCalls != 0 {
		t.Fatalf("expected mapping_path to be skipped on a cache hit, ran %d times", mappingCalls)
	}
}

// TestExecuteStrategy_CacheMissRunsMappingPath is the complementary case:
// the cache lookup marks a miss directly in the context, and the mapping
// path step's exists: condition picks it up and runs.
func TestExecuteStrategy_CacheMissRunsMappingPath(t *testing.T) {
	registry := engine.NewActionRegistry()
	registry.Register(engine.ActionDescriptor{
		Type: "cache_lookup",
		Implementation: engine.ActionFunc(func(ctx context.Context, params map[string]any, ec *engine.ExecutionContext) (engine.StepOutput, error) {
			ec.CustomActionData["cache_miss"] = true
			return engine.StepOutput{Success: true}, nil
		}),
	})
	var mappingCalls int64
	registry.Register(engine.ActionDescriptor{
		Type:           "mapping_path",
		Implementation: countingAction(&mappingCalls, engine.StepOutput{Success: true}, nil),
	})
	eng, persistence := newTestEngine(t, registry)

	doc := &engine.StrategyDoc{
		Name: "cache-miss",
		Steps: []engine.StepDef{
			{Name: "cache_lookup", Action: engine.ActionRef{Type: "cache_lookup"}},
			{Name: "mapping_path", Action: engine.ActionRef{Type: "mapping_path"}, Condition: "exists:cache_miss"},
		},
	}
	job := engine.NewJob(doc.Name, doc, nil, engine.JobOptions{}, "tester", "", nil, "")
	persistence.CreateJob(context.Background(), job)

	result := eng.ExecuteStrategy(context.Background(), job.ID, nil, nil)
	if !result.Success {
		t.Fatalf("expected success, err=%v", result.Err)
	}
	if mappingCalls != 1 {
		t.Fatalf("expected mapping_path to run on a cache miss, ran %d times", mappingCalls)
	}
}

// TestExecuteStrategy_ResourceUnavailableFailsJob covers the pre-flight
// resource gate failing the job before any step runs.
func TestExecuteStrategy_ResourceUnavailableFailsJob(t *testing.T) {
	registry := engine.NewActionRegistry()
	var calls int64
	registry.Register(engine.ActionDescriptor{
		Type:           "noop",
		Implementation: countingAction(&calls, engine.StepOutput{Success: true}, nil),
	})
	registry.Finalize()
	persistence := store.NewMemoryStore()
	resources := fakeResources{unhealthy: map[string]bool{"vector-db": true}}
	eng := engine.NewEngine(persistence, registry, gatedResources{fakeResources: resources, required: []string{"vector-db"}}, nil, nil)

	doc := &engine.StrategyDoc{
		Name:  "gated",
		Steps: []engine.StepDef{{Name: "step1", Action: engine.ActionRef{Type: "noop"}}},
	}
	job := engine.NewJob(doc.Name, doc, nil, engine.JobOptions{}, "tester", "", nil, "")
	persistence.CreateJob(context.Background(), job)

	result := eng.ExecuteStrategy(context.Background(), job.ID, nil, nil)
	if result.Success {
		t.Fatalf("expected failure when a required resource is unavailable")
	}
	var resErr *engine.ResourceUnavailableError
	if !errors.As(result.Err, &resErr) {
		t.Fatalf("expected *ResourceUnavailableError, got %T: %v", result.Err, result.Err)
	}
	if calls != 0 {
		t.Fatalf("expected no steps to run, got %d calls", calls)
	}

	final, _ := persistence.GetJob(context.Background(), job.ID)
	if final.Status != engine.StatusFailed {
		t.Fatalf("expected Failed, got %s", final.Status)
	}
}

type gatedResources struct {
	fakeResources
	required []string
}

func (r gatedResources) RequiredResourcesFor(doc *engine.StrategyDoc) []string { return r.required }

// TestPauseJob_RejectsWhenNotRunning covers the legal-transition guard.
func TestPauseJob_RejectsWhenNotRunning(t *testing.T) {
	registry := engine.NewActionRegistry()
	eng, persistence := newTestEngine(t, registry)

	doc := &engine.StrategyDoc{Name: "idle", Steps: nil}
	job := engine.NewJob(doc.Name, doc, nil, engine.JobOptions{}, "tester", "", nil, "")
	persistence.CreateJob(context.Background(), job)

	_, err := eng.PauseJob(context.Background(), job.ID)
	if !errors.Is(err, engine.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}
