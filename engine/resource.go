package engine

import "context"

// ResourceManager is the subset of the Resource Manager contract (spec.md
// §4.3) the Execution Engine depends on for pre-flight gating (§4.7.4). The
// full contract (register/start/stop/background supervisors) lives in
// package resource; this interface keeps engine decoupled from that
// implementation.
type ResourceManager interface {
	RequiredResourcesFor(doc *StrategyDoc) []string
	Check(ctx context.Context, name string) (ResourceStatus, error)
	EnsureRequired(ctx context.Context, names []string) (map[string]bool, error)
}
