package mapping

import (
	"math"
	"strings"
)

// DeriveConfidence implements the hop-count-based confidence table
// (spec.md §4.4.1). hopCount is nil for "no hop count known" (base 0.70).
// Both the Path Execution Service (computing a fresh Result) and the Cache
// Manager (computing a confidence_score an action didn't supply) call this.
func DeriveConfidence(hopCount *int, path Path) float64 {
	base := baseConfidence(hopCount)
	if path.IsReverse {
		base -= 0.10
	}
	if anyStepMatches(path.Steps, "rag") {
		base -= 0.05
	}
	if anyStepMatches(path.Steps, "llm") {
		base -= 0.10
	}
	if base < 0 {
		base = 0
	}
	if base > 1 {
		base = 1
	}
	return math.Round(base*100) / 100
}

func baseConfidence(hopCount *int) float64 {
	if hopCount == nil {
		return 0.70
	}
	switch h := *hopCount; {
	case h == 1:
		return 0.95
	case h == 2:
		return 0.85
	case h == 3:
		return 0.75
	case h >= 4:
		v := 0.75 - 0.10*float64(h-3)
		if v < 0.15 {
			v = 0.15
		}
		return v
	default:
		return 0.70
	}
}

func anyStepMatches(steps []PathStep, needle string) bool {
	for _, s := range steps {
		if strings.Contains(strings.ToLower(s.ResourceName), needle) ||
			strings.Contains(strings.ToLower(s.ResourceID), needle) {
			return true
		}
	}
	return false
}
