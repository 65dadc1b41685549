package mapping

import "time"

// Status is the per-input outcome of executing a path (spec.md §4.5).
type Status string

const (
	StatusSuccess        Status = "success"
	StatusNoMappingFound Status = "no_mapping_found"
	StatusSkipped        Status = "skipped"
	StatusExecutionError Status = "execution_error"
)

// Direction mirrors a path's traversal direction in a result.
type Direction string

const (
	DirectionForward Direction = "forward"
	DirectionReverse Direction = "reverse"
)

// StepProvenance records one step's contribution to a result
// (spec.md §4.5 step 5 "provenance records for each step").
type StepProvenance struct {
	StepIndex          int
	StepName           string
	ResourceID         string
	ResourceName       string
	InputIDs           []string
	OutputIDs          []string
	ResolvedHistorical bool
	DurationMs         int64
}

// Result is one input id's outcome from executing a Path
// (spec.md §4.5 "Output" shape).
type Result struct {
	SourceIdentifier   string
	TargetIdentifiers  []string
	MappedValue        string
	Status             Status
	Message            string
	ConfidenceScore    float64
	HopCount           int
	MappingDirection   Direction
	MappingPathDetails map[string]any
	MappingSource      string
	ErrorDetails       string
	Provenance         []StepProvenance
}

// PathMetrics summarizes one ExecutePath call (spec.md §4.5 "per-path
// metrics").
type PathMetrics struct {
	TotalDurationMs  int64
	SuccessCount     int
	ErrorCount       int
	FilteredCount    int
	MissingCount     int
	BatchCount       int
	BatchDurationsMs []int64
}

func newPathMetrics() *PathMetrics {
	return &PathMetrics{}
}

func durationMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
