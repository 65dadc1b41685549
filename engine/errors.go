package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers commonly check with errors.Is.
var (
	ErrJobNotFound        = errors.New("engine: job not found")
	ErrStepNotFound       = errors.New("engine: step not found")
	ErrCheckpointNotFound = errors.New("engine: checkpoint not found")
	ErrNotResumable       = errors.New("engine: checkpoint is not resumable")
	ErrIllegalTransition  = errors.New("engine: illegal job status transition")
	ErrMaxAttemptsReached = errors.New("engine: retry attempts exhausted")
)

// ValidationError reports a strategy or action-parameter schema failure.
// Permanent: the job transitions to Failed while Validating (spec.md §7).
type ValidationError struct {
	Subject string // "strategy" or the action type
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("engine: validation failed for %s: %s", e.Subject, e.Reason)
}

// ResourceUnavailableError reports a required resource that could not be
// brought Healthy before entering the step loop (spec.md §4.7.4, §7).
type ResourceUnavailableError struct {
	Resource string
	Reason   string
}

func (e *ResourceUnavailableError) Error() string {
	return fmt.Sprintf("engine: resource %q unavailable: %s", e.Resource, e.Reason)
}

// ActionError wraps an error an action implementation returned. It may be
// retried per the step's on_error policy; otherwise it fails the step (and,
// if the step is required, the job).
type ActionError struct {
	ActionType string
	Err        error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("engine: action %q failed: %v", e.ActionType, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// CacheError is the umbrella for CacheRetrieval/CacheStorage/CacheTransaction
// failures (spec.md §7). Cache errors are always logged and swallowed by the
// caller; they never fail a job on their own.
type CacheError struct {
	Op  string // "retrieval", "storage", "transaction"
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("engine: cache %s error: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// StorageError reports a Storage Backend failure. On write it becomes a
// step-level error; on read during a restore it becomes a ResumeError.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("engine: storage %s error: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ResumeError reports a failed attempt to restore a checkpoint during resume.
type ResumeError struct {
	CheckpointID string
	Err          error
}

func (e *ResumeError) Error() string {
	return fmt.Sprintf("engine: resume from checkpoint %q failed: %v", e.CheckpointID, e.Err)
}

func (e *ResumeError) Unwrap() error { return e.Err }

// TimeoutError reports that a job's wall-clock budget was exceeded.
type TimeoutError struct {
	JobID          string
	TimeoutSeconds int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("engine: job %q exceeded timeout of %ds", e.JobID, e.TimeoutSeconds)
}

// CancelledError reports cooperative cancellation was observed.
type CancelledError struct {
	JobID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("engine: job %q cancelled", e.JobID)
}

// UnknownResourceError reports an operation against an unregistered resource name.
type UnknownResourceError struct {
	Name string
}

func (e *UnknownResourceError) Error() string {
	return fmt.Sprintf("engine: unknown resource %q", e.Name)
}

// UnknownActionError reports a step referencing an unregistered action type.
type UnknownActionError struct {
	ActionType string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("engine: unknown action type %q", e.ActionType)
}
