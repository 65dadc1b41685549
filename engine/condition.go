package engine

// evaluateCondition implements the closed condition dialect of spec.md §7.
// Supported predicates are exactly: "true", "has_results", and
// "exists:<key>". Anything else fails open (evaluates true) and the caller
// is expected to log a Warning — this is a deliberate design choice to avoid
// embedding an evaluator for arbitrary expressions (spec.md §9).
func evaluateCondition(condition string, ctx *ExecutionContext, lastStepName string) (result bool, recognized bool) {
	switch {
	case condition == "" || condition == "true":
		return true, true
	case condition == "has_results":
		entry, ok := ctx.StepResults[lastStepName]
		if !ok {
			return false, true
		}
		return entry.Success && len(entry.Data) > 0, true
	case len(condition) > len("exists:") && condition[:len("exists:")] == "exists:":
		key := condition[len("exists:"):]
		_, ok := ctx.CustomActionData[key]
		if ok {
			return true, true
		}
		_, ok = ctx.StepResults[key]
		return ok, true
	default:
		// Fail-open: unrecognized predicates always evaluate true.
		return true, false
	}
}
