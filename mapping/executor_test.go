package mapping

import (
	"context"
	"errors"
	"testing"
)

// fakeClient maps each input id through a static table.
type fakeClient struct {
	table map[string][]string
	err   error
}

func (f *fakeClient) MapIDs(ctx context.Context, ids []string) (map[string]StepOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]StepOutput)
	for _, id := range ids {
		if targets, ok := f.table[id]; ok {
			out[id] = StepOutput{MappedIDs: targets}
		}
	}
	return out, nil
}

type fakeResolver struct {
	clients map[string]ResourceClient
}

func (r *fakeResolver) Resolve(resourceID string) (ResourceClient, error) {
	c, ok := r.clients[resourceID]
	if !ok {
		return nil, errors.New("no such resource")
	}
	return c, nil
}

func TestExecutePath_SuccessAndNoMapping(t *testing.T) {
	path := Path{
		ID:   "p1",
		Name: "gene-to-protein",
		Steps: []PathStep{
			{ResourceID: "r1", ResourceName: "uniprot-api", InputOntology: "gene", OutputOntology: "protein"},
		},
	}
	resolver := &fakeResolver{clients: map[string]ResourceClient{
		"r1": &fakeClient{table: map[string][]string{"GENE1": {"PROT1", "PROT2"}}},
	}}

	results, metrics := ExecutePath(context.Background(), path, resolver, []string{"GENE1", "GENE2"}, Options{})

	r1 := results["GENE1"]
	if r1.Status != StatusSuccess {
		t.Fatalf("GENE1 status = %v, want Success", r1.Status)
	}
	if len(r1.TargetIdentifiers) != 2 {
		t.Errorf("GENE1 targets = %v, want 2", r1.TargetIdentifiers)
	}
	if r1.HopCount != 1 {
		t.Errorf("HopCount = %d, want 1", r1.HopCount)
	}
	if r1.ConfidenceScore != 0.95 {
		t.Errorf("ConfidenceScore = %v, want 0.95", r1.ConfidenceScore)
	}

	r2 := results["GENE2"]
	if r2.Status != StatusNoMappingFound {
		t.Fatalf("GENE2 status = %v, want NoMappingFound", r2.Status)
	}
	if r2.ConfidenceScore != 0.0 {
		t.Errorf("GENE2 confidence = %v, want 0.0", r2.ConfidenceScore)
	}

	if metrics.SuccessCount != 1 || metrics.MissingCount != 1 {
		t.Errorf("metrics = %+v, want 1 success / 1 missing", metrics)
	}
}

func TestExecutePath_MaxHopCountSkips(t *testing.T) {
	path := Path{
		ID:   "p2",
		Name: "two-hop",
		Steps: []PathStep{
			{ResourceID: "r1"},
			{ResourceID: "r2"},
		},
	}
	maxHops := 1
	results, _ := ExecutePath(context.Background(), path, &fakeResolver{}, []string{"X"}, Options{MaxHopCount: &maxHops})

	if results["X"].Status != StatusSkipped {
		t.Fatalf("status = %v, want Skipped", results["X"].Status)
	}
}

func TestExecutePath_StepErrorMarksExecutionError(t *testing.T) {
	path := Path{
		ID:   "p3",
		Name: "flaky",
		Steps: []PathStep{
			{ResourceID: "r1"},
		},
	}
	resolver := &fakeResolver{clients: map[string]ResourceClient{
		"r1": &fakeClient{err: errors.New("upstream unavailable")},
	}}

	results, metrics := ExecutePath(context.Background(), path, resolver, []string{"X"}, Options{})

	if results["X"].Status != StatusExecutionError {
		t.Fatalf("status = %v, want ExecutionError", results["X"].Status)
	}
	if metrics.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", metrics.ErrorCount)
	}
}

func TestExecutePath_MultiHopAttribution(t *testing.T) {
	path := Path{
		ID:   "p4",
		Name: "gene-protein-pathway",
		Steps: []PathStep{
			{ResourceID: "r1"},
			{ResourceID: "r2"},
		},
	}
	resolver := &fakeResolver{clients: map[string]ResourceClient{
		"r1": &fakeClient{table: map[string][]string{"GENE1": {"PROT1", "PROT2"}}},
		"r2": &fakeClient{table: map[string][]string{
			"PROT1": {"PATHWAY1"},
			"PROT2": {"PATHWAY2"},
		}},
	}}

	results, _ := ExecutePath(context.Background(), path, resolver, []string{"GENE1"}, Options{})

	r := results["GENE1"]
	if r.Status != StatusSuccess {
		t.Fatalf("status = %v, want Success", r.Status)
	}
	want := map[string]bool{"PATHWAY1": true, "PATHWAY2": true}
	if len(r.TargetIdentifiers) != 2 {
		t.Fatalf("targets = %v, want both pathways attributed to GENE1", r.TargetIdentifiers)
	}
	for _, id := range r.TargetIdentifiers {
		if !want[id] {
			t.Errorf("unexpected target %q", id)
		}
	}
	if len(r.Provenance) != 2 {
		t.Errorf("provenance entries = %d, want 2", len(r.Provenance))
	}
}

func TestDeriveConfidence_ReverseAndRAGPenalties(t *testing.T) {
	hop := 1
	path := Path{IsReverse: true, Steps: []PathStep{{ResourceName: "rag-enrichment"}}}
	got := DeriveConfidence(&hop, path)
	const want = 0.80
	if diff := got - want; diff > 0.001 || diff < -0.001 {
		t.Errorf("DeriveConfidence = %v, want %v", got, want)
	}
}

func TestDeriveMappingSource(t *testing.T) {
	path := Path{Steps: []PathStep{
		{ResourceName: "uniprot-api"},
		{ResourceName: "spoke-knowledge-graph"},
	}}
	if got := DeriveMappingSource(path); got != "spoke" {
		t.Errorf("DeriveMappingSource = %q, want spoke", got)
	}

	apiOnly := Path{Steps: []PathStep{{ResourceName: "uniprot-api"}}}
	if got := DeriveMappingSource(apiOnly); got != "api" {
		t.Errorf("DeriveMappingSource = %q, want api", got)
	}
}
