// Package mapping implements the Path Execution Service (spec.md §4.5): the
// component that walks one mapping path — an ordered chain of resource
// lookups — over a batch of input identifiers and attributes every final
// target back to the input id(s) that produced it.
package mapping

import "context"

// PathStep is one hop of a mapping path: a single resource invocation
// translating ids from InputOntology to OutputOntology.
type PathStep struct {
	ResourceID     string
	ResourceName   string
	InputOntology  string
	OutputOntology string
}

// Path is an ordered chain of steps, optionally walked in reverse.
type Path struct {
	ID        string
	Name      string
	Steps     []PathStep
	IsReverse bool
}

// orderedSteps returns Steps in execution order, honoring IsReverse
// (spec.md §4.5 "in reverse mode steps are iterated in reverse order").
func (p Path) orderedSteps() []PathStep {
	if !p.IsReverse {
		return p.Steps
	}
	reversed := make([]PathStep, len(p.Steps))
	for i, s := range p.Steps {
		reversed[len(p.Steps)-1-i] = s
	}
	return reversed
}

// StepOutput is one resource client's answer for a single input id: the ids
// it mapped to, and optionally which underlying data source produced them.
type StepOutput struct {
	MappedIDs          []string
	SourceComponent    string
	ResolvedHistorical bool
}

// ResourceClient performs one step's id-to-id translation for a working set
// of ids (spec.md §4.5 step 4a).
type ResourceClient interface {
	MapIDs(ctx context.Context, ids []string) (map[string]StepOutput, error)
}

// ResourceResolver looks up the ResourceClient backing a PathStep's
// ResourceID. Implementations typically wrap the Resource Manager
// (spec.md §4.3) or a static registry of mapping-capable clients.
type ResourceResolver interface {
	Resolve(resourceID string) (ResourceClient, error)
}
