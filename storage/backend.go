// Package storage implements the Storage Backend (spec.md §4.1): an opaque
// blob store for checkpoint and result payloads too large to keep inline in
// the Persistence Service's own rows.
package storage

import "context"

// Backend is the Storage Backend contract. Operations take a job id, a step
// index, and (for results) a key, writing or reading opaque bytes and
// returning an opaque location string that the caller stores in a
// storage_path column. Delete reports false rather than erroring when the
// location is already gone.
type Backend interface {
	StoreCheckpoint(ctx context.Context, jobID string, stepIndex int, data []byte) (location string, err error)
	RetrieveCheckpoint(ctx context.Context, location string) ([]byte, error)
	StoreResult(ctx context.Context, jobID string, stepIndex int, key string, data []byte) (location string, err error)
	RetrieveResult(ctx context.Context, location string) ([]byte, error)
	Delete(ctx context.Context, location string) (existed bool, err error)
}

// IOError categorizes a Storage Backend failure (spec.md §4.1 "returns a
// categorized I/O error").
type IOError struct {
	Op       string
	Location string
	Err      error
}

func (e *IOError) Error() string {
	if e.Location != "" {
		return "storage: " + e.Op + " " + e.Location + ": " + e.Err.Error()
	}
	return "storage: " + e.Op + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error { return e.Err }
