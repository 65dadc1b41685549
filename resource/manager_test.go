package resource

import (
	"context"
	"testing"

	"github.com/arpanauts/strategyengine/engine"
)

type fakeAdapter struct {
	status engine.ResourceStatus
	starts int
}

func (a *fakeAdapter) Probe(ctx context.Context, res engine.ManagedResource) (engine.ResourceStatus, string, error) {
	return a.status, "", nil
}

func (a *fakeAdapter) Start(ctx context.Context, res engine.ManagedResource) error {
	a.starts++
	a.status = engine.ResourceHealthy
	return nil
}

func (a *fakeAdapter) Stop(ctx context.Context, res engine.ManagedResource) error {
	a.status = engine.ResourceUnknown
	return nil
}

func TestManager_CheckAndEnsureRequired(t *testing.T) {
	adapter := &fakeAdapter{status: engine.ResourceUnavailable}
	m := NewManager(map[engine.ResourceType]Adapter{
		engine.ResourceContainerWorkload: adapter,
	}, ActionResourceDependency{
		"SEMANTIC_MATCH": {"vector-db"},
	}, nil)

	if err := m.Register(engine.ManagedResource{
		Name:       "vector-db",
		Type:       engine.ResourceContainerWorkload,
		AutoStart:  true,
		MaxRetries: 3,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	status, err := m.Check(context.Background(), "vector-db")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != engine.ResourceUnavailable {
		t.Fatalf("status = %v, want Unavailable", status)
	}

	outcomes, err := m.EnsureRequired(context.Background(), []string{"vector-db"})
	if err != nil {
		t.Fatalf("EnsureRequired: %v", err)
	}
	if !outcomes["vector-db"] {
		t.Errorf("outcomes = %+v, want vector-db started", outcomes)
	}
	if adapter.starts != 1 {
		t.Errorf("starts = %d, want 1", adapter.starts)
	}
}

func TestManager_RequiredResourcesFor(t *testing.T) {
	m := NewManager(map[engine.ResourceType]Adapter{}, ActionResourceDependency{
		"SEMANTIC_MATCH": {"vector-db"},
	}, nil)

	doc := &engine.StrategyDoc{Steps: []engine.StepDef{
		{Name: "s1", Action: engine.ActionRef{Type: "SEMANTIC_MATCH"}},
		{Name: "s2", Action: engine.ActionRef{Type: "PLAIN_LOOKUP"}},
	}}

	got := m.RequiredResourcesFor(doc)
	if len(got) != 1 || got[0] != "vector-db" {
		t.Errorf("RequiredResourcesFor = %v, want [vector-db]", got)
	}
}

func TestManager_CheckUnknownResource(t *testing.T) {
	m := NewManager(map[engine.ResourceType]Adapter{}, nil, nil)
	if _, err := m.Check(context.Background(), "nope"); err == nil {
		t.Fatal("expected UnknownResourceError")
	}
}
