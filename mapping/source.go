package mapping

import "strings"

// DeriveMappingSource implements spec.md §4.4.2: scan a path's steps in
// execution order and report the first one whose resource identifies a
// non-api backend. Paths with no such step are plain "api" lookups.
func DeriveMappingSource(path Path) string {
	for _, s := range path.orderedSteps() {
		name := strings.ToLower(s.ResourceName)
		id := strings.ToLower(s.ResourceID)
		for _, marker := range []string{"spoke", "rag", "llm", "ramp"} {
			if strings.Contains(name, marker) || strings.Contains(id, marker) {
				return marker
			}
		}
	}
	return "api"
}
