package cache

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/arpanauts/strategyengine/mapping"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLStore(context.Background(), db, DialectSQLite)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	return store
}

func TestSQLStore_StoreThenCheckCache(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	path := mapping.Path{ID: "path-1", Name: "gene-to-protein", Steps: []mapping.PathStep{
		{ResourceID: "r1", ResourceName: "uniprot-api"},
	}}
	results := map[string]mapping.Result{
		"GENE1": {
			SourceIdentifier:  "GENE1",
			TargetIdentifiers: []string{"PROT1", "PROT2"},
			Status:            mapping.StatusSuccess,
			HopCount:          1,
		},
		"GENE2": {
			SourceIdentifier: "GENE2",
			Status:           mapping.StatusNoMappingFound,
		},
	}

	logID, err := store.StoreMappingResults(ctx, results, path, "gene", "protein", "")
	if err != nil {
		t.Fatalf("StoreMappingResults: %v", err)
	}
	if logID == "" {
		t.Fatal("expected non-empty path execution log id")
	}

	cached, uncached, err := store.CheckCache(ctx, CheckCacheQuery{
		IDs:        []string{"GENE1", "GENE2", "GENE3"},
		SourceType: "gene",
		TargetType: "protein",
	})
	if err != nil {
		t.Fatalf("CheckCache: %v", err)
	}

	hit, ok := cached["GENE1"]
	if !ok {
		t.Fatal("expected GENE1 to be cached")
	}
	if len(hit.TargetIdentifiers) != 2 {
		t.Errorf("cached targets = %v, want 2", hit.TargetIdentifiers)
	}
	if hit.ConfidenceScore != 0.95 {
		t.Errorf("cached confidence = %v, want derived 0.95 for hop_count 1", hit.ConfidenceScore)
	}

	wantUncached := map[string]bool{"GENE2": true, "GENE3": true}
	if len(uncached) != 2 {
		t.Fatalf("uncached = %v, want GENE2 and GENE3", uncached)
	}
	for _, id := range uncached {
		if !wantUncached[id] {
			t.Errorf("unexpected uncached id %q", id)
		}
	}
}

func TestSQLStore_StoreMappingResults_Idempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	path := mapping.Path{ID: "path-1", Name: "gene-to-protein"}
	results := map[string]mapping.Result{
		"GENE1": {SourceIdentifier: "GENE1", TargetIdentifiers: []string{"PROT1"}, Status: mapping.StatusSuccess},
	}

	if _, err := store.StoreMappingResults(ctx, results, path, "gene", "protein", ""); err != nil {
		t.Fatalf("first StoreMappingResults: %v", err)
	}
	if _, err := store.StoreMappingResults(ctx, results, path, "gene", "protein", ""); err != nil {
		t.Fatalf("second StoreMappingResults (duplicate write): %v", err)
	}

	var count int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entity_mappings WHERE source_id = 'GENE1'").Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 1 {
		t.Errorf("entity_mappings rows for GENE1 = %d, want 1 (upsert, not duplicate)", count)
	}
}
