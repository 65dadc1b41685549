// Package resource implements the Resource Manager (spec.md §4.3): a
// registry of ManagedResources backed by per-type adapters, with background
// health supervisors and auto-recovery.
package resource

import (
	"context"

	"github.com/arpanauts/strategyengine/engine"
)

// HealthProber is the per-type health probe an Adapter must implement
// (spec.md §4.3 "dispatches to a per-type health probe").
type HealthProber interface {
	Probe(ctx context.Context, res engine.ManagedResource) (engine.ResourceStatus, string, error)
}

// Starter is implemented by adapters whose resource type supports
// start/stop (ContainerWorkload, container-backed VectorStore).
type Starter interface {
	Start(ctx context.Context, res engine.ManagedResource) error
	Stop(ctx context.Context, res engine.ManagedResource) error
}

// Adapter is the full per-type capability set a resource type registers.
// Starter is optional — type-assert for it, as spec.md §4.3 describes
// start/stop as available only "for types whose adapter supports it".
type Adapter interface {
	HealthProber
}

// ActionResourceDependency maps an action type to the resource name(s) it
// requires, populated at startup from configuration (spec.md §4.3
// "required_resources_for ... a declared mapping from action type →
// resource dependency").
type ActionResourceDependency map[string][]string
