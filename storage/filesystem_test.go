package storage

import (
	"context"
	"testing"
)

func TestFilesystemBackend_CheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFilesystemBackend(dir)
	if err != nil {
		t.Fatalf("NewFilesystemBackend: %v", err)
	}

	ctx := context.Background()
	loc, err := backend.StoreCheckpoint(ctx, "job-1", 2, []byte("checkpoint payload"))
	if err != nil {
		t.Fatalf("StoreCheckpoint: %v", err)
	}

	got, err := backend.RetrieveCheckpoint(ctx, loc)
	if err != nil {
		t.Fatalf("RetrieveCheckpoint: %v", err)
	}
	if string(got) != "checkpoint payload" {
		t.Errorf("got %q, want %q", got, "checkpoint payload")
	}
}

func TestFilesystemBackend_ResultRoundTrip(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFilesystemBackend(dir)
	if err != nil {
		t.Fatalf("NewFilesystemBackend: %v", err)
	}

	ctx := context.Background()
	loc, err := backend.StoreResult(ctx, "job-1", 0, "output", []byte("result payload"))
	if err != nil {
		t.Fatalf("StoreResult: %v", err)
	}

	got, err := backend.RetrieveResult(ctx, loc)
	if err != nil {
		t.Fatalf("RetrieveResult: %v", err)
	}
	if string(got) != "result payload" {
		t.Errorf("got %q, want %q", got, "result payload")
	}
}

func TestFilesystemBackend_Delete(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFilesystemBackend(dir)
	if err != nil {
		t.Fatalf("NewFilesystemBackend: %v", err)
	}

	ctx := context.Background()
	loc, err := backend.StoreCheckpoint(ctx, "job-1", 0, []byte("x"))
	if err != nil {
		t.Fatalf("StoreCheckpoint: %v", err)
	}

	existed, err := backend.Delete(ctx, loc)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !existed {
		t.Error("expected Delete to report existed=true for a present blob")
	}

	existed, err = backend.Delete(ctx, loc)
	if err != nil {
		t.Fatalf("Delete (second time): %v", err)
	}
	if existed {
		t.Error("expected Delete to report existed=false for an already-removed blob")
	}
}

func TestFilesystemBackend_RetrieveMissing(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFilesystemBackend(dir)
	if err != nil {
		t.Fatalf("NewFilesystemBackend: %v", err)
	}

	_, err = backend.RetrieveCheckpoint(context.Background(), dir+"/checkpoints/missing/0.ckpt")
	if err == nil {
		t.Fatal("expected error retrieving a checkpoint that was never stored")
	}
	var ioErr *IOError
	if !isIOError(err, &ioErr) {
		t.Errorf("expected *IOError, got %T", err)
	}
}

func isIOError(err error, target **IOError) bool {
	if e, ok := err.(*IOError); ok {
		*target = e
		return true
	}
	return false
}
