package store

import (
	"context"
	"testing"

	"github.com/arpanauts/strategyengine/engine"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_JobLifecycle(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	doc := &engine.StrategyDoc{Name: "test-strategy", Steps: []engine.StepDef{
		{Name: "lookup", Action: engine.ActionRef{Type: "lookup"}},
	}}
	job := engine.NewJob("test-strategy", doc, nil, engine.JobOptions{}, "owner-1", "session-1", []string{"smoke"}, "a test job")

	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.StrategyName != "test-strategy" || got.Status != engine.StatusPending {
		t.Errorf("got job = %+v, want StrategyName=test-strategy Status=Pending", got)
	}
	if got.Owner != "owner-1" || got.SessionID != "session-1" {
		t.Errorf("got job owner/session = %q/%q, want owner-1/session-1", got.Owner, got.SessionID)
	}

	updated, err := s.UpdateJobStatus(ctx, job.ID, engine.StatusRunning, map[string]any{"current_step_index": 1})
	if err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}
	if updated.Status != engine.StatusRunning {
		t.Errorf("status after update = %v, want Running", updated.Status)
	}
	if updated.CurrentStep != 1 {
		t.Errorf("current_step after update = %d, want 1", updated.CurrentStep)
	}
}

func TestSQLiteStore_CheckpointRoundTrip(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	doc := &engine.StrategyDoc{Name: "test-strategy", Steps: []engine.StepDef{{Name: "lookup"}}}
	job := engine.NewJob("test-strategy", doc, nil, engine.JobOptions{}, "", "", nil, "")
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	ec := engine.NewExecutionContext(job.ID, doc.Name)
	ec.StepResults["lookup"] = engine.StepResultEntry{Success: true, Data: map[string]any{"hits": 3}}

	cp, err := s.CreateCheckpoint(ctx, job.ID, 0, ec, engine.CheckpointAfterStep, "after lookup")
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	restored, stepIndex, restoredJobID, err := s.RestoreCheckpoint(ctx, cp.ID)
	if err != nil {
		t.Fatalf("RestoreCheckpoint: %v", err)
	}
	if stepIndex != 0 || restoredJobID != job.ID {
		t.Errorf("restored stepIndex/jobID = %d/%q, want 0/%q", stepIndex, restoredJobID, job.ID)
	}
	if restored.StepResults["lookup"].Data["hits"] != float64(3) && restored.StepResults["lookup"].Data["hits"] != 3 {
		t.Errorf("restored step data = %v, want hits=3", restored.StepResults["lookup"].Data)
	}

	latest, err := s.GetLatestCheckpoint(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetLatestCheckpoint: %v", err)
	}
	if latest.ID != cp.ID {
		t.Errorf("latest checkpoint id = %q, want %q", latest.ID, cp.ID)
	}
}

func TestSQLiteStore_GetJobMetrics(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	doc := &engine.StrategyDoc{Name: "test-strategy", Steps: []engine.StepDef{{Name: "lookup"}}}
	job := engine.NewJob("test-strategy", doc, nil, engine.JobOptions{}, "", "", nil, "")
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if _, err := s.RecordStepStart(ctx, job.ID, 0, "lookup", "lookup", nil); err != nil {
		t.Fatalf("RecordStepStart: %v", err)
	}
	if _, err := s.RecordStepCompletion(ctx, job.ID, 0, engine.StepCompletion{
		Output:           map[string]any{"hits": 3},
		RecordsProcessed: 5,
		MemoryUsedMB:     12.5,
	}); err != nil {
		t.Fatalf("RecordStepCompletion: %v", err)
	}

	metrics, err := s.GetJobMetrics(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJobMetrics: %v", err)
	}
	if metrics.JobID != job.ID {
		t.Errorf("metrics.JobID = %q, want %q", metrics.JobID, job.ID)
	}
	if len(metrics.StepDurationsMs) != 1 {
		t.Errorf("step durations = %v, want 1 entry", metrics.StepDurationsMs)
	}
}

func TestSQLiteStore_GetJob_NotFound(t *testing.T) {
	s := openTestSQLite(t)
	if _, err := s.GetJob(context.Background(), "does-not-exist"); err == nil {
		t.Error("expected an error for an unknown job id")
	}
}
