package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FilesystemBackend is the default Backend, rooted at a configured base
// directory with the layout spec.md §4.1/§6 specifies:
// <base>/checkpoints/<job>/<step>.ckpt and
// <base>/results/<job>/<step>_<key>.result. Writes go through a temp file
// plus rename for atomicity, grounded on alexisbeaulieu97-Streamy's
// StatusCache.Save.
type FilesystemBackend struct {
	baseDir string
}

// NewFilesystemBackend roots a backend at baseDir, creating it if needed.
func NewFilesystemBackend(baseDir string) (*FilesystemBackend, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, &IOError{Op: "mkdir", Location: baseDir, Err: err}
	}
	return &FilesystemBackend{baseDir: baseDir}, nil
}

func (f *FilesystemBackend) checkpointPath(jobID string, stepIndex int) string {
	return filepath.Join(f.baseDir, "checkpoints", jobID, fmt.Sprintf("%d.ckpt", stepIndex))
}

func (f *FilesystemBackend) resultPath(jobID string, stepIndex int, key string) string {
	return filepath.Join(f.baseDir, "results", jobID, fmt.Sprintf("%d_%s.result", stepIndex, key))
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (f *FilesystemBackend) StoreCheckpoint(ctx context.Context, jobID string, stepIndex int, data []byte) (string, error) {
	path := f.checkpointPath(jobID, stepIndex)
	if err := writeAtomic(path, data); err != nil {
		return "", &IOError{Op: "store_checkpoint", Location: path, Err: err}
	}
	return path, nil
}

func (f *FilesystemBackend) RetrieveCheckpoint(ctx context.Context, location string) ([]byte, error) {
	data, err := os.ReadFile(location)
	if err != nil {
		return nil, &IOError{Op: "retrieve_checkpoint", Location: location, Err: err}
	}
	return data, nil
}

func (f *FilesystemBackend) StoreResult(ctx context.Context, jobID string, stepIndex int, key string, data []byte) (string, error) {
	path := f.resultPath(jobID, stepIndex, key)
	if err := writeAtomic(path, data); err != nil {
		return "", &IOError{Op: "store_result", Location: path, Err: err}
	}
	return path, nil
}

func (f *FilesystemBackend) RetrieveResult(ctx context.Context, location string) ([]byte, error) {
	data, err := os.ReadFile(location)
	if err != nil {
		return nil, &IOError{Op: "retrieve_result", Location: location, Err: err}
	}
	return data, nil
}

func (f *FilesystemBackend) Delete(ctx context.Context, location string) (bool, error) {
	err := os.Remove(location)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, &IOError{Op: "delete", Location: location, Err: err}
}
