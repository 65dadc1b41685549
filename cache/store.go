// Package cache implements the Cache Manager (spec.md §4.4): an
// at-most-one-compute memoization layer over mapping.Result keyed on
// (source ids, source type, target type, optionally mapping path, optionally
// freshness), plus the Session/Metrics Recorder (§4.9) that rides the same
// backing store.
package cache

import (
	"context"
	"time"

	"github.com/arpanauts/strategyengine/mapping"
)

// CheckCacheQuery is the four-tuple (plus optional filters) check_cache
// matches against (spec.md §4.4).
type CheckCacheQuery struct {
	IDs        []string
	SourceType string
	TargetType string
	PathID     string
	ExpiryTime *time.Time
}

// Store is the Cache Manager's persistence contract. SQLStore is the
// relational implementation; Redis (see redis.go) wraps a Store to
// accelerate reads without changing the contract.
type Store interface {
	// CheckCache returns cached results for the ids that have one, and the
	// ids that still need a fresh mapping attempt.
	CheckCache(ctx context.Context, q CheckCacheQuery) (cached map[string]mapping.Result, uncached []string, err error)

	// StoreMappingResults persists the Path Execution Service's output,
	// deriving confidence/mapping_source where the result didn't already
	// carry them, and returns the PathExecutionLog id it wrote (if any
	// mapping was attempted).
	StoreMappingResults(ctx context.Context, results map[string]mapping.Result, path mapping.Path, sourceType, targetType string, sessionID string) (pathLogID string, err error)
}
