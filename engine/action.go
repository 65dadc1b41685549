package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// StepOutput is the structured result an Action returns (spec.md §4.6).
type StepOutput struct {
	Success          bool
	RecordsProcessed int
	RecordsMatched   int
	RecordsFailed    int
	ConfidenceScore  float64
	Data             map[string]any // free-form keys published into the context
}

// Action is the capability set an action implementation must satisfy
// (spec.md §4.6). Implementations are cooperative and must observe ctx
// cancellation promptly.
type Action interface {
	Execute(ctx context.Context, params map[string]any, ec *ExecutionContext) (StepOutput, error)
}

// ActionFunc adapts a plain function to the Action interface.
type ActionFunc func(ctx context.Context, params map[string]any, ec *ExecutionContext) (StepOutput, error)

func (f ActionFunc) Execute(ctx context.Context, params map[string]any, ec *ExecutionContext) (StepOutput, error) {
	return f(ctx, params, ec)
}

// ParamSchema validates untyped strategy-document parameters into a typed
// value before invocation (spec.md §9 "Dynamic parameter objects"). New
// returns a pointer to a fresh zero-valued struct carrying `validate` tags
// understood by github.com/go-playground/validator/v10; params are decoded
// into it via a JSON marshal/unmarshal round trip (the untyped map's values
// are already the documented scalar/collection universe of engine/serialize.go,
// so JSON is a safe, dependency-free transcoding step ahead of validation).
type ParamSchema struct {
	New    func() any
	Strict bool // when true, unknown fields in params are rejected
}

var paramValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate decodes params into a fresh instance of s.New() and validates it.
// Returns a *ValidationError on failure, never a bare validator error, so
// callers can treat it uniformly with the rest of the error taxonomy.
func (s ParamSchema) Validate(actionType string, params map[string]any) (any, error) {
	target := s.New()
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, &ValidationError{Subject: actionType, Reason: "params not encodable: " + err.Error()}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if s.Strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(target); err != nil {
		return nil, &ValidationError{Subject: actionType, Reason: "params do not match schema: " + err.Error()}
	}
	if err := paramValidator.Struct(target); err != nil {
		return nil, &ValidationError{Subject: actionType, Reason: err.Error()}
	}
	return target, nil
}

// ActionDescriptor is the Action Registry's entry for one action type
// (spec.md §4.6): the implementation, an optional parameter schema, declared
// context inputs/outputs for documentation, and whether the action supports
// checkpointing.
type ActionDescriptor struct {
	Type               string
	Implementation     Action
	Schema             *ParamSchema
	DeclaredInputs     []string
	DeclaredOutputs    []string
	SupportsCheckpoint bool
}

// ActionRegistry is a process-wide, immutable-after-boot map from action
// type name to descriptor (spec.md §4.6).
type ActionRegistry struct {
	mu        sync.RWMutex
	actions   map[string]ActionDescriptor
	finalized bool
}

// NewActionRegistry creates an empty registry. Call Register for each
// action type, then Finalize before handing it to an Engine.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]ActionDescriptor)}
}

// Register adds an action descriptor. Returns an error if the registry is
// already finalized or the type is already registered.
func (r *ActionRegistry) Register(desc ActionDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return fmt.Errorf("engine: action registry already finalized, cannot register %q", desc.Type)
	}
	if desc.Implementation == nil {
		return fmt.Errorf("engine: action %q has no implementation", desc.Type)
	}
	if _, exists := r.actions[desc.Type]; exists {
		return fmt.Errorf("engine: duplicate action type %q", desc.Type)
	}
	r.actions[desc.Type] = desc
	return nil
}

// Finalize marks the registry immutable. Subsequent Register calls fail.
func (r *ActionRegistry) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = true
}

// Lookup returns the descriptor for actionType, or (zero, false).
func (r *ActionRegistry) Lookup(actionType string) (ActionDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.actions[actionType]
	return d, ok
}

// Dispatch validates params (if a schema is declared) and invokes the
// action. A validation failure returns *ValidationError, which callers must
// treat as permanent (never retryable), per spec.md §4.6.
func (r *ActionRegistry) Dispatch(ctx context.Context, actionType string, params map[string]any, ec *ExecutionContext) (StepOutput, error) {
	desc, ok := r.Lookup(actionType)
	if !ok {
		return StepOutput{}, &UnknownActionError{ActionType: actionType}
	}
	effectiveParams := params
	if desc.Schema != nil {
		typed, err := desc.Schema.Validate(actionType, params)
		if err != nil {
			return StepOutput{}, err
		}
		// Re-flatten the validated+defaulted struct back into a map so
		// actions keep the simple map[string]any contract (spec.md §4.6).
		raw, err := json.Marshal(typed)
		if err == nil {
			var flattened map[string]any
			if json.Unmarshal(raw, &flattened) == nil {
				effectiveParams = flattened
			}
		}
	}
	out, err := desc.Implementation.Execute(ctx, effectiveParams, ec)
	if err != nil {
		return StepOutput{}, &ActionError{ActionType: actionType, Err: err}
	}
	return out, nil
}
