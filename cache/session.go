package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionParams seeds a mapping_sessions row, grounded directly on
// original_source/biomapper/core/services/session_metrics_service.py's
// create_mapping_session_log: most of its arguments (source/target property
// names, use_cache, try_reverse_mapping, input_count, max_cache_age_days)
// have no dedicated column on MappingSession and are folded into the
// `parameters` JSON blob exactly as the original does.
type SessionParams struct {
	SourceEndpoint    string
	TargetEndpoint    string
	SourceProperty    string
	TargetProperty    string
	UseCache          bool
	TryReverseMapping bool
	InputCount        int
	MaxCacheAgeDays   *int
}

// SessionMetrics is the per-session read model get_session_metrics exposes
// for later analysis (spec.md §4.9 "per-session recordings... for later
// analysis"): the session row plus every execution_metrics entry recorded
// against it.
type SessionMetrics struct {
	ID                   string
	StartTime            time.Time
	EndTime              *time.Time
	SourceEndpoint       string
	TargetEndpoint       string
	Status               string
	ResultsCount         int
	ErrorMessage         string
	BatchSize            *int
	MaxConcurrentBatches *int
	TotalExecutionTime   *float64
	SuccessRate          *float64
	Metrics              []MetricEntry
}

// MetricEntry is one execution_metrics row.
type MetricEntry struct {
	MetricType  string
	MetricName  string
	MetricValue *float64
	StringValue string
	Timestamp   time.Time
}

// CreateSession inserts a running mapping_sessions row and returns its id,
// the session-scoped identifier callers thread into engine.NewJob's
// sessionID and into StoreMappingResults.
func (s *SQLStore) CreateSession(ctx context.Context, p SessionParams) (string, error) {
	id := uuid.NewString()
	params := map[string]any{
		"source_property":     p.SourceProperty,
		"target_property":     p.TargetProperty,
		"use_cache":           p.UseCache,
		"try_reverse_mapping": p.TryReverseMapping,
		"input_count":         p.InputCount,
	}
	if p.MaxCacheAgeDays != nil {
		params["max_cache_age_days"] = *p.MaxCacheAgeDays
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("cache: marshal session parameters: %w", err)
	}

	stmt := fmt.Sprintf(
		`INSERT INTO mapping_sessions (id, start_time, source_endpoint, target_endpoint, parameters, status, results_count) VALUES (%s,%s,%s,%s,%s,'running',0)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	if _, err := s.db.ExecContext(ctx, stmt, id, time.Now().UTC(), p.SourceEndpoint, p.TargetEndpoint, paramsJSON); err != nil {
		return "", fmt.Errorf("cache: insert mapping_session: %w", err)
	}
	return id, nil
}

// CompleteSession implements update_mapping_session_log: stamps end_time and
// the final status/results_count/error_message for a session.
func (s *SQLStore) CompleteSession(ctx context.Context, sessionID, status string, resultsCount int, errMessage string) error {
	stmt := fmt.Sprintf(
		`UPDATE mapping_sessions SET end_time = %s, status = %s, results_count = %s, error_message = %s WHERE id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err := s.db.ExecContext(ctx, stmt, time.Now().UTC(), status, resultsCount, nullableText(errMessage), sessionID)
	if err != nil {
		return fmt.Errorf("cache: update mapping_session: %w", err)
	}
	return nil
}

// RecordMetrics implements save_metrics_to_database: a "mapping_execution"
// metricType additionally updates the session-level performance columns
// (batch_size, max_concurrent_batches, total_execution_time, success_rate)
// when present in metrics, matching the original's special-cased keys; every
// scalar entry also becomes its own execution_metrics row, routed to
// metric_value or string_value by type. Values of type map[string]any and
// []any are skipped, as the original does ("isinstance(value, (dict, list))... skip").
func (s *SQLStore) RecordMetrics(ctx context.Context, sessionID, metricType string, metrics map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache: begin tx: %w", err)
	}
	defer tx.Rollback()

	if metricType == "mapping_execution" {
		if err := s.updateSessionPerformanceFields(ctx, tx, sessionID, metrics); err != nil {
			return err
		}
	}

	for name, value := range metrics {
		switch v := value.(type) {
		case map[string]any, []any:
			continue
		case float64:
			if err := s.insertMetricTx(ctx, tx, sessionID, metricType, name, &v, ""); err != nil {
				return err
			}
		case int:
			f := float64(v)
			if err := s.insertMetricTx(ctx, tx, sessionID, metricType, name, &f, ""); err != nil {
				return err
			}
		case bool:
			f := 0.0
			if v {
				f = 1.0
			}
			if err := s.insertMetricTx(ctx, tx, sessionID, metricType, name, &f, ""); err != nil {
				return err
			}
		case string:
			if err := s.insertMetricTx(ctx, tx, sessionID, metricType, name, nil, v); err != nil {
				return err
			}
		default:
			if err := s.insertMetricTx(ctx, tx, sessionID, metricType, name, nil, fmt.Sprintf("%v", v)); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache: commit: %w", err)
	}
	return nil
}

// recordMetricTx records a single metric outside of RecordMetrics' bulk
// shape, used internally when a number is already on hand (e.g.
// StoreMappingResults' results_stored count) rather than a metrics map.
func (s *SQLStore) recordMetricTx(ctx context.Context, tx *sql.Tx, sessionID, metricType, metricName string, value float64, stringValue string) error {
	var v *float64
	if stringValue == "" {
		v = &value
	}
	return s.insertMetricTx(ctx, tx, sessionID, metricType, metricName, v, stringValue)
}

func (s *SQLStore) insertMetricTx(ctx context.Context, tx *sql.Tx, sessionID, metricType, metricName string, value *float64, stringValue string) error {
	stmt := fmt.Sprintf(
		`INSERT INTO execution_metrics (id, mapping_session_id, metric_type, metric_name, metric_value, string_value, timestamp) VALUES (%s,%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
	var valArg any
	if value != nil {
		valArg = *value
	}
	if _, err := tx.ExecContext(ctx, stmt, uuid.NewString(), sessionID, metricType, metricName, valArg, nullableText(stringValue), time.Now().UTC()); err != nil {
		return fmt.Errorf("cache: insert execution_metric: %w", err)
	}
	return nil
}

func (s *SQLStore) updateSessionPerformanceFields(ctx context.Context, tx *sql.Tx, sessionID string, metrics map[string]any) error {
	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)
	n := 1
	addFloat := func(column, key string) {
		v, ok := metrics[key]
		if !ok {
			return
		}
		f, ok := toFloat(v)
		if !ok {
			return
		}
		sets = append(sets, fmt.Sprintf("%s = %s", column, s.ph(n)))
		args = append(args, f)
		n++
	}
	addFloat("batch_size", "batch_size")
	addFloat("max_concurrent_batches", "max_concurrent_batches")
	addFloat("total_execution_time", "total_execution_time")
	addFloat("success_rate", "success_rate")
	if len(sets) == 0 {
		return nil
	}

	stmt := fmt.Sprintf("UPDATE mapping_sessions SET %s WHERE id = %s",
		joinComma(sets), s.ph(n))
	args = append(args, sessionID)
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("cache: update mapping_session performance fields: %w", err)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// GetSessionMetrics loads a session and every metric recorded against it.
func (s *SQLStore) GetSessionMetrics(ctx context.Context, sessionID string) (*SessionMetrics, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, start_time, end_time, source_endpoint, target_endpoint, status, results_count, error_message, batch_size, max_concurrent_batches, total_execution_time, success_rate FROM mapping_sessions WHERE id = %s`,
		s.ph(1)), sessionID)

	var sm SessionMetrics
	var endTime sql.NullTime
	var errMessage sql.NullString
	var batchSize, maxConcurrent sql.NullInt64
	var totalExecTime, successRate sql.NullFloat64
	if err := row.Scan(&sm.ID, &sm.StartTime, &endTime, &sm.SourceEndpoint, &sm.TargetEndpoint,
		&sm.Status, &sm.ResultsCount, &errMessage, &batchSize, &maxConcurrent, &totalExecTime, &successRate); err != nil {
		return nil, fmt.Errorf("cache: get mapping_session: %w", err)
	}
	if endTime.Valid {
		sm.EndTime = &endTime.Time
	}
	sm.ErrorMessage = errMessage.String
	if batchSize.Valid {
		v := int(batchSize.Int64)
		sm.BatchSize = &v
	}
	if maxConcurrent.Valid {
		v := int(maxConcurrent.Int64)
		sm.MaxConcurrentBatches = &v
	}
	if totalExecTime.Valid {
		sm.TotalExecutionTime = &totalExecTime.Float64
	}
	if successRate.Valid {
		sm.SuccessRate = &successRate.Float64
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT metric_type, metric_name, metric_value, string_value, timestamp FROM execution_metrics WHERE mapping_session_id = %s ORDER BY timestamp`,
		s.ph(1)), sessionID)
	if err != nil {
		return nil, fmt.Errorf("cache: list execution_metrics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m MetricEntry
		var val sql.NullFloat64
		var strVal sql.NullString
		if err := rows.Scan(&m.MetricType, &m.MetricName, &val, &strVal, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("cache: scan execution_metric: %w", err)
		}
		if val.Valid {
			m.MetricValue = &val.Float64
		}
		m.StringValue = strVal.String
		sm.Metrics = append(sm.Metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: rows: %w", err)
	}
	return &sm, nil
}

// StoreMappingMetadata implements the mapping_metadata table: free-form
// key/value annotations on an entity_mappings row (e.g. a resource-specific
// provenance detail that doesn't warrant its own column). Relies on the same
// database-level PRIMARY KEY (mapping_id, key) for upsert-by-replace that
// upsertEntityMapping relies on for entity_mappings itself.
func (s *SQLStore) StoreMappingMetadata(ctx context.Context, mappingID, key, value string) error {
	var stmt string
	switch s.dialect {
	case DialectMySQL:
		stmt = "INSERT INTO mapping_metadata (mapping_id, `key`, value) VALUES (?,?,?)" +
			" ON DUPLICATE KEY UPDATE value = VALUES(value)"
	case DialectPostgres:
		stmt = `INSERT INTO mapping_metadata (mapping_id, "key", value) VALUES ($1,$2,$3)
			ON CONFLICT (mapping_id, "key") DO UPDATE SET value = excluded.value`
	default:
		stmt = `INSERT INTO mapping_metadata (mapping_id, key, value) VALUES (?,?,?)
			ON CONFLICT (mapping_id, key) DO UPDATE SET value = excluded.value`
	}
	if _, err := s.db.ExecContext(ctx, stmt, mappingID, key, value); err != nil {
		return fmt.Errorf("cache: upsert mapping_metadata: %w", err)
	}
	return nil
}

// GetMappingMetadata returns every key/value annotation recorded against a
// mapping, matching EntityMapping.to_dict()'s
// `{item.key: item.value for item in self.metadata_items}` shape.
func (s *SQLStore) GetMappingMetadata(ctx context.Context, mappingID string) (map[string]string, error) {
	keyCol := "key"
	if s.dialect == DialectMySQL {
		keyCol = "`key`"
	} else if s.dialect == DialectPostgres {
		keyCol = `"key"`
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s, value FROM mapping_metadata WHERE mapping_id = %s`, keyCol, s.ph(1)), mappingID)
	if err != nil {
		return nil, fmt.Errorf("cache: list mapping_metadata: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("cache: scan mapping_metadata: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
