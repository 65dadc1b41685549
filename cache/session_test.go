package cache

import (
	"context"
	"testing"

	"github.com/arpanauts/strategyengine/mapping"
)

func TestSQLStore_SessionLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sessionID, err := store.CreateSession(ctx, SessionParams{
		SourceEndpoint: "uniprot",
		TargetEndpoint: "ensembl",
		InputCount:     3,
		UseCache:       true,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected non-empty session id")
	}

	if err := store.RecordMetrics(ctx, sessionID, "mapping_execution", map[string]any{
		"batch_size":           10,
		"total_execution_time": 1.5,
		"success_rate":         0.9,
		"label":                "ok",
	}); err != nil {
		t.Fatalf("RecordMetrics: %v", err)
	}

	if err := store.CompleteSession(ctx, sessionID, "success", 2, ""); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}

	sm, err := store.GetSessionMetrics(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSessionMetrics: %v", err)
	}
	if sm.Status != "success" || sm.ResultsCount != 2 {
		t.Errorf("session = %+v, want status=success results_count=2", sm)
	}
	if sm.BatchSize == nil || *sm.BatchSize != 10 {
		t.Errorf("batch_size = %v, want 10", sm.BatchSize)
	}
	if sm.SuccessRate == nil || *sm.SuccessRate != 0.9 {
		t.Errorf("success_rate = %v, want 0.9", sm.SuccessRate)
	}
	if len(sm.Metrics) != 4 {
		t.Fatalf("recorded metrics = %d, want 4 (batch_size, total_execution_time, success_rate, label)", len(sm.Metrics))
	}

	var gotLabel bool
	for _, m := range sm.Metrics {
		if m.MetricName == "label" {
			gotLabel = true
			if m.StringValue != "ok" {
				t.Errorf("label string_value = %q, want ok", m.StringValue)
			}
		}
	}
	if !gotLabel {
		t.Error("expected a string-valued \"label\" metric entry")
	}
}

func TestSQLStore_StoreMappingResults_RecordsSessionMetric(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sessionID, err := store.CreateSession(ctx, SessionParams{SourceEndpoint: "a", TargetEndpoint: "b"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	path := mapping.Path{ID: "path-1", Name: "gene-to-protein"}
	results := map[string]mapping.Result{
		"GENE1": {SourceIdentifier: "GENE1", TargetIdentifiers: []string{"PROT1", "PROT2"}, Status: mapping.StatusSuccess},
	}
	if _, err := store.StoreMappingResults(ctx, results, path, "gene", "protein", sessionID); err != nil {
		t.Fatalf("StoreMappingResults: %v", err)
	}

	sm, err := store.GetSessionMetrics(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSessionMetrics: %v", err)
	}
	found := false
	for _, m := range sm.Metrics {
		if m.MetricType == "mapping_storage" && m.MetricName == "results_stored" {
			found = true
			if m.MetricValue == nil || *m.MetricValue != 2 {
				t.Errorf("results_stored = %v, want 2", m.MetricValue)
			}
		}
	}
	if !found {
		t.Error("expected a mapping_storage/results_stored metric from StoreMappingResults")
	}
}

func TestSQLStore_MappingMetadata(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	path := mapping.Path{ID: "path-1", Name: "gene-to-protein"}
	results := map[string]mapping.Result{
		"GENE1": {SourceIdentifier: "GENE1", TargetIdentifiers: []string{"PROT1"}, Status: mapping.StatusSuccess},
	}
	if _, err := store.StoreMappingResults(ctx, results, path, "gene", "protein", ""); err != nil {
		t.Fatalf("StoreMappingResults: %v", err)
	}

	var mappingID string
	if err := store.db.QueryRowContext(ctx, "SELECT id FROM entity_mappings WHERE source_id = 'GENE1'").Scan(&mappingID); err != nil {
		t.Fatalf("query mapping id: %v", err)
	}

	if err := store.StoreMappingMetadata(ctx, mappingID, "notes", "reviewed by curator"); err != nil {
		t.Fatalf("StoreMappingMetadata: %v", err)
	}
	if err := store.StoreMappingMetadata(ctx, mappingID, "notes", "updated note"); err != nil {
		t.Fatalf("StoreMappingMetadata (overwrite): %v", err)
	}

	meta, err := store.GetMappingMetadata(ctx, mappingID)
	if err != nil {
		t.Fatalf("GetMappingMetadata: %v", err)
	}
	if meta["notes"] != "updated note" {
		t.Errorf("notes = %q, want \"updated note\"", meta["notes"])
	}
}
