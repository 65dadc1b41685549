package engine

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// MaxInlineBytes and CompressThreshold are the spec.md §6 storage-policy
// constants: below MaxInlineBytes a serialized blob stays in its owning row;
// above COMPRESS_THRESHOLD it is zstd-compressed before being written out
// (inline or external). Zstd resolves spec.md §9 Open Question #1 ("the
// exact compression codec is not pinned") — chosen over gzip/flate because
// it is already an indirect dependency of the pack (pulled in transitively)
// and gives materially better ratio/speed for the JSON-shaped checkpoint
// payloads this engine writes.
const (
	MaxInlineBytes    = 64 * 1024
	CompressThreshold = 100 * 1024
)

// documentedValue reports whether v belongs to the context serialization
// contract's type map (spec.md §4.2 "Serialization contract"): strings,
// integers, floats, booleans, nil, ordered sequences of these, and
// string-keyed mappings of these. Values outside the map are not rejected —
// callers collapse them to a type tag via typeTag below.
func documentedValue(v any) bool {
	switch t := v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64:
		return true
	case []any:
		for _, e := range t {
			if !documentedValue(e) {
				return false
			}
		}
		return true
	case map[string]any:
		for _, e := range t {
			if !documentedValue(e) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// typeTag collapses a non-documented value to a string tag carrying only
// its type, never its content (spec.md §4.2: "actions that need to persist
// complex state must convert it to documented types before writing into the
// context").
func typeTag(v any) string {
	return fmt.Sprintf("<undocumented:%T>", v)
}

// sanitizeForSerialization walks a value and replaces any non-documented
// leaf with its type tag, recursively, so the result always round-trips
// through encoding/json using only the documented type map.
func sanitizeForSerialization(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = sanitizeForSerialization(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitizeForSerialization(e)
		}
		return out
	default:
		if documentedValue(v) {
			return v
		}
		return typeTag(v)
	}
}

// serializeContext renders an ExecutionContext to its self-describing wire
// form (JSON over the documented type map) ahead of checkpointing.
func SerializeContext(ec *ExecutionContext) ([]byte, error) {
	sanitized := map[string]any{
		"job_id":             ec.JobID,
		"strategy_name":      ec.StrategyName,
		"initial_identifier": ec.InitialIdentifier,
		"current_identifier": ec.CurrentIdentifier,
		"identifier_history": ec.IdentifierHistory,
		"ontology_type":      ec.OntologyType,
		"step_results":       sanitizeForSerialization(stepResultsToMap(ec.StepResults)),
		"provenance":         sanitizeForSerialization(provenanceToSlice(ec.Provenance)),
		"custom_action_data": sanitizeForSerialization(ec.CustomActionData),
		"config": map[string]any{
			"cache_enabled":   ec.Config.CacheEnabled,
			"batch_size":      ec.Config.BatchSize,
			"timeout_seconds": ec.Config.TimeoutSeconds,
			"retry_attempts":  ec.Config.RetryAttempts,
		},
	}
	return json.Marshal(sanitized)
}

func stepResultsToMap(m map[string]StepResultEntry) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = map[string]any{
			"success":   v.Success,
			"data":      v.Data,
			"error":     v.Error,
			"timestamp": v.Timestamp,
		}
	}
	return out
}

func provenanceToSlice(p []ProvenanceEntry) []any {
	out := make([]any, len(p))
	for i, e := range p {
		out[i] = map[string]any{
			"source":    e.Source,
			"action":    e.Action,
			"timestamp": e.Timestamp,
			"details":   e.Details,
		}
	}
	return out
}

// deserializeContext is the inverse of serializeContext, used when restoring
// from a checkpoint (spec.md §4.7.5). It is intentionally loose: fields are
// read back as map[string]any/[]any since the documented type map has no
// richer structure to recover.
func DeserializeContext(data []byte) (*ExecutionContext, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ResumeError{Err: err}
	}
	ec := NewExecutionContext(stringField(raw, "job_id"), stringField(raw, "strategy_name"))
	ec.InitialIdentifier = stringField(raw, "initial_identifier")
	ec.CurrentIdentifier = stringField(raw, "current_identifier")
	ec.OntologyType = stringField(raw, "ontology_type")
	if hist, ok := raw["identifier_history"].([]any); ok {
		for _, h := range hist {
			if s, ok := h.(string); ok {
				ec.IdentifierHistory = append(ec.IdentifierHistory, s)
			}
		}
	}
	if sr, ok := raw["step_results"].(map[string]any); ok {
		for k, v := range sr {
			entry, ok := v.(map[string]any)
			if !ok {
				continue
			}
			ec.StepResults[k] = StepResultEntry{
				Success: boolField(entry, "success"),
				Data:    mapField(entry, "data"),
				Error:   stringField(entry, "error"),
			}
		}
	}
	if prov, ok := raw["provenance"].([]any); ok {
		for _, p := range prov {
			entry, ok := p.(map[string]any)
			if !ok {
				continue
			}
			ec.Provenance = append(ec.Provenance, ProvenanceEntry{
				Source:  stringField(entry, "source"),
				Action:  stringField(entry, "action"),
				Details: mapField(entry, "details"),
			})
		}
	}
	if cad, ok := raw["custom_action_data"].(map[string]any); ok {
		ec.CustomActionData = cad
	}
	if cfg, ok := raw["config"].(map[string]any); ok {
		ec.Config = ContextConfig{
			CacheEnabled:   boolField(cfg, "cache_enabled"),
			BatchSize:      intField(cfg, "batch_size"),
			TimeoutSeconds: intField(cfg, "timeout_seconds"),
			RetryAttempts:  intField(cfg, "retry_attempts"),
		}
	}
	return ec, nil
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func boolField(m map[string]any, key string) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return false
}

func mapField(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

// compressIfOversize zstd-compresses data when it crosses CompressThreshold,
// reporting whether compression was applied (spec.md §6 "compressed flag").
func CompressIfOversize(data []byte) (payload []byte, compressed bool) {
	if len(data) <= CompressThreshold {
		return data, false
	}
	return zstdEncoder.EncodeAll(data, nil), true
}

// decompressIfNeeded is the inverse of compressIfOversize.
func DecompressIfNeeded(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	return zstdDecoder.DecodeAll(data, nil)
}
