package mapping

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Options configures one ExecutePath call (spec.md §4.5 "Inputs").
type Options struct {
	SourceType           string
	TargetType           string
	BatchSize            int
	MaxHopCount          *int
	MinConfidence        float64
	MaxConcurrentBatches int
}

const (
	defaultBatchSize            = 250
	defaultMaxConcurrentBatches = 5
)

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.MaxConcurrentBatches <= 0 {
		o.MaxConcurrentBatches = defaultMaxConcurrentBatches
	}
	return o
}

// attribution tracks, for one original input id, the current frontier of
// ids it has mapped to so far and the per-step provenance accumulated along
// the way (spec.md §4.5 step 4b: "attribution is preserved").
type attribution struct {
	origin     string
	frontier   []string
	provenance []StepProvenance
}

// ExecutePath walks path over ids, batching and bounding concurrency the way
// spec.md §4.5 describes. It never returns an error from step execution —
// unrecoverable step failures are reported as ExecutionError results, the
// same contract the teacher's dshills-langgraph-go graph engine uses for
// action failures surfacing as step state rather than as panics/returns.
//
// The concurrency shape is deliberately simpler than the teacher's
// runConcurrent/Frontier scheduler in graph/engine.go, which orders and
// dispatches DAG nodes with dependency edges: a path is a flat, ordered step
// list applied uniformly to every batch, so a semaphore-bounded goroutine
// pool over batches gets the same "bounded concurrent work, atomic
// accounting" property without the heap/dependency machinery a DAG needs.
func ExecutePath(ctx context.Context, path Path, resolver ResourceResolver, ids []string, opts Options) (map[string]Result, *PathMetrics) {
	opts = opts.withDefaults()
	metrics := newPathMetrics()
	start := time.Now()
	defer func() { metrics.TotalDurationMs = durationMs(start) }()

	results := make(map[string]Result, len(ids))

	steps := path.orderedSteps()
	if opts.MaxHopCount != nil && len(steps) > *opts.MaxHopCount {
		for _, id := range dedupe(ids) {
			results[id] = Result{
				SourceIdentifier: id,
				Status:           StatusSkipped,
				Message:          fmt.Sprintf("path %q has %d steps, exceeding max_hop_count %d", path.Name, len(steps), *opts.MaxHopCount),
			}
		}
		return results, metrics
	}

	unique := dedupe(ids)
	batches := batchOf(unique, opts.BatchSize)
	metrics.BatchCount = len(batches)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, opts.MaxConcurrentBatches)
	)

	for _, batch := range batches {
		batch := batch
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			batchStart := time.Now()
			batchResults := executeBatch(ctx, path, steps, resolver, batch, opts)
			batchDur := durationMs(batchStart)

			mu.Lock()
			metrics.BatchDurationsMs = append(metrics.BatchDurationsMs, batchDur)
			for id, r := range batchResults {
				results[id] = r
				switch r.Status {
				case StatusSuccess:
					metrics.SuccessCount++
				case StatusExecutionError:
					metrics.ErrorCount++
				case StatusNoMappingFound:
					metrics.MissingCount++
				}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if opts.MinConfidence > 0 {
		for id, r := range results {
			if r.Status == StatusSuccess && r.ConfidenceScore < opts.MinConfidence {
				metrics.SuccessCount--
				metrics.FilteredCount++
				r.Status = StatusNoMappingFound
				r.Message = fmt.Sprintf("confidence %.2f below min_confidence %.2f", r.ConfidenceScore, opts.MinConfidence)
				results[id] = r
			}
		}
	}

	return results, metrics
}

// executeBatch runs the full step chain for one batch of origin ids,
// preserving attribution, and returns a Result per origin id.
func executeBatch(ctx context.Context, path Path, steps []PathStep, resolver ResourceResolver, originIDs []string, opts Options) map[string]Result {
	attrs := make(map[string]*attribution, len(originIDs))
	for _, id := range originIDs {
		attrs[id] = &attribution{origin: id, frontier: []string{id}}
	}

	for stepIdx, step := range steps {
		client, err := resolver.Resolve(step.ResourceID)
		if err != nil {
			return executionErrorResults(originIDs, path, fmt.Sprintf("resolving resource %q: %v", step.ResourceID, err))
		}

		working := workingSet(attrs)
		if len(working) == 0 {
			break
		}

		stepStart := time.Now()
		outputs, err := client.MapIDs(ctx, working)
		stepDur := durationMs(stepStart)
		if err != nil {
			return executionErrorResults(originIDs, path, fmt.Sprintf("step %d (%s): %v", stepIdx, step.ResourceName, err))
		}

		for _, a := range attrs {
			nextFrontier := make([]string, 0, len(a.frontier))
			var stepInputs, stepOutputs []string
			resolvedHistorical := false
			for _, id := range a.frontier {
				out, ok := outputs[id]
				if !ok || len(out.MappedIDs) == 0 {
					continue
				}
				stepInputs = append(stepInputs, id)
				stepOutputs = append(stepOutputs, out.MappedIDs...)
				nextFrontier = append(nextFrontier, out.MappedIDs...)
				if out.ResolvedHistorical {
					resolvedHistorical = true
				}
			}
			if len(stepInputs) > 0 {
				a.provenance = append(a.provenance, StepProvenance{
					StepIndex:          stepIdx,
					StepName:           step.ResourceName,
					ResourceID:         step.ResourceID,
					ResourceName:       step.ResourceName,
					InputIDs:           stepInputs,
					OutputIDs:          dedupe(stepOutputs),
					ResolvedHistorical: resolvedHistorical,
					DurationMs:         stepDur,
				})
			}
			a.frontier = dedupe(nextFrontier)
		}
	}

	out := make(map[string]Result, len(originIDs))
	hopCount := len(steps)
	direction := DirectionForward
	if path.IsReverse {
		direction = DirectionReverse
	}
	confidence := DeriveConfidence(&hopCount, path)
	source := DeriveMappingSource(path)
	details := pathDetails(path, hopCount, direction)

	for _, id := range originIDs {
		a := attrs[id]
		if len(a.frontier) == 0 {
			out[id] = Result{
				SourceIdentifier: id,
				Status:           StatusNoMappingFound,
				Message:          fmt.Sprintf("no mapping found along path %q", path.Name),
				ConfidenceScore:  0.0,
				HopCount:         hopCount,
				MappingDirection: direction,
			}
			continue
		}
		targets := dedupe(a.frontier)
		out[id] = Result{
			SourceIdentifier:   id,
			TargetIdentifiers:  targets,
			MappedValue:        targets[0],
			Status:             StatusSuccess,
			ConfidenceScore:    confidence,
			HopCount:           hopCount,
			MappingDirection:   direction,
			MappingPathDetails: details,
			MappingSource:      source,
			Provenance:         a.provenance,
		}
	}
	return out
}

func executionErrorResults(ids []string, path Path, message string) map[string]Result {
	out := make(map[string]Result, len(ids))
	for _, id := range ids {
		out[id] = Result{
			SourceIdentifier: id,
			Status:           StatusExecutionError,
			ErrorDetails:     message,
			Message:          fmt.Sprintf("path %q failed", path.Name),
		}
	}
	return out
}

func pathDetails(path Path, hopCount int, direction Direction) map[string]any {
	steps := make([]map[string]any, 0, len(path.Steps))
	for _, s := range path.Steps {
		steps = append(steps, map[string]any{
			"resource_id":     s.ResourceID,
			"resource_name":   s.ResourceName,
			"input_ontology":  s.InputOntology,
			"output_ontology": s.OutputOntology,
		})
	}
	return map[string]any{
		"path_id":   path.ID,
		"path_name": path.Name,
		"hop_count": hopCount,
		"direction": string(direction),
		"steps":     steps,
	}
}

func workingSet(attrs map[string]*attribution) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range attrs {
		for _, id := range a.frontier {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func batchOf(ids []string, size int) [][]string {
	var batches [][]string
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[i:end])
	}
	return batches
}
