package resource

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/arpanauts/strategyengine/engine"
)

// DatabaseAdapter probes Database resources (spec.md §4.3: "probe
// configured connectivity; default to Healthy unless the adapter
// implements a probe"). Justified stdlib-only: a bare connectivity ping has
// no domain logic a library would add.
type DatabaseAdapter struct {
	// open opens a *sql.DB for a (driver, dsn) pair. Defaulted to sql.Open
	// so tests can substitute a fake without a real driver registered.
	open func(driver, dsn string) (*sql.DB, error)
}

func NewDatabaseAdapter() *DatabaseAdapter {
	return &DatabaseAdapter{open: sql.Open}
}

func (a *DatabaseAdapter) Probe(ctx context.Context, res engine.ManagedResource) (engine.ResourceStatus, string, error) {
	driver, _ := res.Config["driver"].(string)
	dsn, _ := res.Config["dsn"].(string)
	if driver == "" || dsn == "" {
		return engine.ResourceHealthy, "", nil
	}

	db, err := a.open(driver, dsn)
	if err != nil {
		return engine.ResourceUnavailable, err.Error(), nil
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return engine.ResourceUnavailable, err.Error(), nil
	}
	return engine.ResourceHealthy, "", nil
}

// FilesystemAdapter probes Filesystem resources: the configured root
// directory must exist and be a directory.
type FilesystemAdapter struct{}

func NewFilesystemAdapter() *FilesystemAdapter {
	return &FilesystemAdapter{}
}

func (a *FilesystemAdapter) Probe(ctx context.Context, res engine.ManagedResource) (engine.ResourceStatus, string, error) {
	root, _ := res.Config["root"].(string)
	if root == "" {
		return engine.ResourceHealthy, "", nil
	}

	info, err := os.Stat(root)
	if err != nil {
		return engine.ResourceUnavailable, err.Error(), nil
	}
	if !info.IsDir() {
		return engine.ResourceUnavailable, fmt.Sprintf("%s is not a directory", root), nil
	}
	return engine.ResourceHealthy, "", nil
}

// ComputeAdapter probes Compute resources: presence of the process's
// working directory stands in for "the compute environment is reachable",
// since no pack library targets arbitrary compute-cluster health checks.
type ComputeAdapter struct{}

func NewComputeAdapter() *ComputeAdapter {
	return &ComputeAdapter{}
}

func (a *ComputeAdapter) Probe(ctx context.Context, res engine.ManagedResource) (engine.ResourceStatus, string, error) {
	if _, err := os.Getwd(); err != nil {
		return engine.ResourceUnavailable, err.Error(), nil
	}
	return engine.ResourceHealthy, "", nil
}
