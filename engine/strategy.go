package engine

// StrategyDoc is the parsed, already-validated strategy document the engine
// consumes (spec.md §6). Authoring/validation of the YAML/JSON syntax is out
// of scope for this module; callers hand the engine an already-parsed doc.
type StrategyDoc struct {
	Name             string
	Steps            []StepDef
	CheckpointPolicy CheckpointPolicy
}

// StepDef is one step of a StrategyDoc.
type StepDef struct {
	Name            string
	Action          ActionRef
	Condition       string // one of the closed condition dialect strings; "" == "true"
	CheckpointBefore bool
	CheckpointAfter  bool
	OnError         *OnError
	IsRequired      *bool // nil defaults to true
}

// Required reports whether this step's failure should fail the whole job.
func (s StepDef) Required() bool {
	if s.IsRequired == nil {
		return true
	}
	return *s.IsRequired
}

// ActionRef names an action type and its untyped parameters.
type ActionRef struct {
	Type   string
	Params map[string]any
}

// OnError declares a step's retry policy (spec.md §4.7.3).
type OnError struct {
	Action      string // "retry"
	MaxAttempts int
	DelaySeconds float64
}

// CheckpointPolicy controls when the engine writes checkpoints around steps
// (spec.md §6).
type CheckpointPolicy struct {
	BeforeEachStep bool
	AfterEachStep  bool
	BeforeActions  []string
	AfterActions   []string
}

func (p CheckpointPolicy) wantsBefore(step StepDef) bool {
	if p.BeforeEachStep || step.CheckpointBefore {
		return true
	}
	for _, t := range p.BeforeActions {
		if t == step.Action.Type {
			return true
		}
	}
	return false
}

func (p CheckpointPolicy) wantsAfter(step StepDef) bool {
	if p.AfterEachStep || step.CheckpointAfter {
		return true
	}
	for _, t := range p.AfterActions {
		if t == step.Action.Type {
			return true
		}
	}
	return false
}
