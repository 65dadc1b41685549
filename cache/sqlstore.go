package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/arpanauts/strategyengine/mapping"
	"github.com/google/uuid"
)

// Dialect names the SQL placeholder/upsert style of the backing *sql.DB, the
// same three the Persistence Service (engine/store) supports — the Cache
// Manager shares "a single backing store" with it (spec.md §4.2).
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

// SQLStore is the relational Store implementation backing entity_mappings
// and path_execution_logs (spec.md §6 "Persistent state layout").
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an already-open *sql.DB (typically the same connection
// the Persistence Service uses) and creates the cache tables if missing.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.createSchema(ctx); err != nil {
		return nil, fmt.Errorf("cache: create schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) ph(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) createSchema(ctx context.Context) error {
	var jsonType, textType, timestampType, keyCol string
	switch s.dialect {
	case DialectPostgres:
		jsonType, textType, timestampType, keyCol = "JSONB", "TEXT", "TIMESTAMPTZ", `"key"`
	case DialectMySQL:
		jsonType, textType, timestampType, keyCol = "JSON", "TEXT", "DATETIME(3)", "`key`"
	default:
		jsonType, textType, timestampType, keyCol = "TEXT", "TEXT", "DATETIME", "key"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS entity_mappings (
			id %s PRIMARY KEY,
			source_id %s NOT NULL,
			source_type %s NOT NULL,
			target_id %s NOT NULL,
			target_type %s NOT NULL,
			confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			mapping_source %s NOT NULL,
			hop_count INTEGER NOT NULL DEFAULT 0,
			mapping_direction %s NOT NULL,
			mapping_path_details %s,
			last_updated %s NOT NULL,
			expires_at %s,
			usage_count INTEGER NOT NULL DEFAULT 0,
			UNIQUE (source_id, source_type, target_id, target_type)
		)`, textType, textType, textType, textType, textType, textType, textType, jsonType, timestampType, timestampType),

		`CREATE INDEX IF NOT EXISTS idx_entity_mappings_source ON entity_mappings (source_id, source_type)`,
		`CREATE INDEX IF NOT EXISTS idx_entity_mappings_target ON entity_mappings (target_id, target_type)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS path_execution_logs (
			id %s PRIMARY KEY,
			relationship_mapping_path_id %s NOT NULL,
			representative_source_id %s NOT NULL,
			source_entity_type %s NOT NULL,
			start_time %s NOT NULL,
			end_time %s,
			duration_ms BIGINT,
			status %s NOT NULL,
			log_messages %s,
			error_message %s,
			session_id %s
		)`, textType, textType, textType, textType, timestampType, timestampType, textType, jsonType, textType, textType),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS mapping_metadata (
			mapping_id %s NOT NULL REFERENCES entity_mappings(id) ON DELETE CASCADE,
			%s %s NOT NULL,
			value %s,
			PRIMARY KEY (mapping_id, %s)
		)`, textType, keyCol, textType, textType, keyCol),

		// mapping_sessions/execution_metrics back the Session/Metrics Recorder's
		// persisted half (spec.md §4.9, §6): per-session recordings kept
		// alongside the cache's own tables in the same backing store, grounded
		// on original_source/biomapper/core/services/session_metrics_service.py's
		// SessionMetricsService and its MappingSession/ExecutionMetric models.
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS mapping_sessions (
			id %s PRIMARY KEY,
			start_time %s NOT NULL,
			end_time %s,
			source_endpoint %s NOT NULL,
			target_endpoint %s NOT NULL,
			parameters %s,
			status %s NOT NULL DEFAULT 'running',
			results_count INTEGER NOT NULL DEFAULT 0,
			error_message %s,
			batch_size INTEGER,
			max_concurrent_batches INTEGER,
			total_execution_time DOUBLE PRECISION,
			success_rate DOUBLE PRECISION
		)`, textType, timestampType, timestampType, textType, textType, jsonType, textType, textType),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS execution_metrics (
			id %s PRIMARY KEY,
			mapping_session_id %s NOT NULL REFERENCES mapping_sessions(id) ON DELETE CASCADE,
			metric_type %s NOT NULL,
			metric_name %s NOT NULL,
			metric_value DOUBLE PRECISION,
			string_value %s,
			timestamp %s NOT NULL
		)`, textType, textType, textType, textType, textType, timestampType),

		`CREATE INDEX IF NOT EXISTS idx_execution_metrics_session ON execution_metrics (mapping_session_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// CheckCache implements spec.md §4.4 check_cache.
func (s *SQLStore) CheckCache(ctx context.Context, q CheckCacheQuery) (map[string]mapping.Result, []string, error) {
	cached := make(map[string]mapping.Result)
	seen := make(map[string]struct{}, len(q.IDs))

	if len(q.IDs) == 0 {
		return cached, nil, nil
	}

	var sb strings.Builder
	args := []any{q.SourceType, q.TargetType}
	sb.WriteString(fmt.Sprintf(
		"SELECT source_id, target_id, confidence_score, mapping_source, hop_count, mapping_direction, mapping_path_details, last_updated FROM entity_mappings WHERE source_type = %s AND target_type = %s AND source_id IN (",
		s.ph(1), s.ph(2)))
	n := 3
	for i, id := range q.IDs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(s.ph(n))
		args = append(args, id)
		n++
	}
	sb.WriteString(")")
	if q.ExpiryTime != nil {
		sb.WriteString(fmt.Sprintf(" AND last_updated >= %s", s.ph(n)))
		args = append(args, *q.ExpiryTime)
		n++
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, nil, fmt.Errorf("cache: check_cache query: %w", err)
	}
	defer rows.Close()

	targetsBySource := make(map[string][]string)
	meta := make(map[string]mapping.Result)
	for rows.Next() {
		var sourceID, targetID, mappingSource, direction string
		var confidence float64
		var hopCount int
		var detailsRaw []byte
		var lastUpdated time.Time
		if err := rows.Scan(&sourceID, &targetID, &confidence, &mappingSource, &hopCount, &direction, &detailsRaw, &lastUpdated); err != nil {
			return nil, nil, fmt.Errorf("cache: scan entity_mapping: %w", err)
		}

		if q.PathID != "" {
			var details map[string]any
			if len(detailsRaw) > 0 {
				_ = json.Unmarshal(detailsRaw, &details)
			}
			if pid, _ := details["path_id"].(string); pid != q.PathID {
				continue
			}
		}

		for _, t := range decodeTargetIDs(targetID) {
			targetsBySource[sourceID] = append(targetsBySource[sourceID], t)
		}
		meta[sourceID] = mapping.Result{
			ConfidenceScore:  confidence,
			HopCount:         hopCount,
			MappingDirection: mapping.Direction(direction),
			MappingSource:    mappingSource,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("cache: rows: %w", err)
	}

	for sourceID, targets := range targetsBySource {
		m := meta[sourceID]
		cached[sourceID] = mapping.Result{
			SourceIdentifier:  sourceID,
			TargetIdentifiers: targets,
			MappedValue:       targets[0],
			Status:            mapping.StatusSuccess,
			ConfidenceScore:   m.ConfidenceScore,
			HopCount:          m.HopCount,
			MappingDirection:  m.MappingDirection,
			MappingSource:     m.MappingSource,
		}
		seen[sourceID] = struct{}{}
	}

	var uncached []string
	for _, id := range dedupeIDs(q.IDs) {
		if _, ok := seen[id]; !ok {
			uncached = append(uncached, id)
		}
	}
	return cached, uncached, nil
}

// decodeTargetIDs implements the "target_id is decoded: a JSON array yields
// multiple targets; any other string is a single target" rule (spec.md
// §4.4). Writers always store a single plain id (one row per target); this
// defends against a future writer or migration that stores a JSON array.
func decodeTargetIDs(raw string) []string {
	var arr []string
	if strings.HasPrefix(strings.TrimSpace(raw), "[") {
		if err := json.Unmarshal([]byte(raw), &arr); err == nil {
			return arr
		}
	}
	return []string{raw}
}

func dedupeIDs(ids []string) []string {
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

// StoreMappingResults implements spec.md §4.4 store_mapping_results.
func (s *SQLStore) StoreMappingResults(ctx context.Context, results map[string]mapping.Result, path mapping.Path, sourceType, targetType string, sessionID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("cache: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	direction := "forward"
	if path.IsReverse {
		direction = "reverse"
	}
	hopCount := len(path.Steps)

	anyMapped := false
	var representativeID string
	for sourceID, r := range results {
		if representativeID == "" {
			representativeID = sourceID
		}
		if r.Status != mapping.StatusSuccess || len(r.TargetIdentifiers) == 0 {
			continue
		}
		anyMapped = true

		confidence := r.ConfidenceScore
		if confidence == 0 {
			hc := r.HopCount
			confidence = mapping.DeriveConfidence(&hc, path)
		}
		mappingSource := r.MappingSource
		if mappingSource == "" {
			mappingSource = mapping.DeriveMappingSource(path)
		}
		details := r.MappingPathDetails
		if details == nil {
			details = map[string]any{
				"path_id":             path.ID,
				"path_name":           path.Name,
				"hop_count":           hopCount,
				"direction":           direction,
				"execution_timestamp": now,
			}
		}
		detailsJSON, err := json.Marshal(details)
		if err != nil {
			return "", fmt.Errorf("cache: marshal mapping_path_details: %w", err)
		}

		for _, targetID := range dedupeIDs(r.TargetIdentifiers) {
			if targetID == "" {
				continue
			}
			if err := s.upsertEntityMapping(ctx, tx, entityMappingRow{
				id:               uuid.NewString(),
				sourceID:         sourceID,
				sourceType:       sourceType,
				targetID:         targetID,
				targetType:       targetType,
				confidenceScore:  confidence,
				mappingSource:    mappingSource,
				hopCount:         hopCount,
				mappingDirection: direction,
				pathDetailsJSON:  detailsJSON,
				lastUpdated:      now,
			}); err != nil {
				return "", err
			}
		}
	}

	status := "no_mapping_found"
	if anyMapped {
		status = "success"
	}
	logID := uuid.NewString()
	logMessagesJSON, _ := json.Marshal([]string{})
	insertLog := fmt.Sprintf(
		`INSERT INTO path_execution_logs (id, relationship_mapping_path_id, representative_source_id, source_entity_type, start_time, end_time, duration_ms, status, log_messages, error_message, session_id) VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11))
	if _, err := tx.ExecContext(ctx, insertLog, logID, path.ID, representativeID, sourceType, now, now, 0, status, logMessagesJSON, "", nullableText(sessionID)); err != nil {
		return "", fmt.Errorf("cache: insert path_execution_log: %w", err)
	}

	if sessionID != "" {
		mappedCount := 0
		for _, r := range results {
			if r.Status == mapping.StatusSuccess {
				mappedCount += len(r.TargetIdentifiers)
			}
		}
		if err := s.recordMetricTx(ctx, tx, sessionID, "mapping_storage", "results_stored", float64(mappedCount), ""); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("cache: commit: %w", err)
	}
	return logID, nil
}

// nullableText turns an empty string into a SQL NULL so an absent session_id
// doesn't get stored as the literal empty string.
func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type entityMappingRow struct {
	id               string
	sourceID         string
	sourceType       string
	targetID         string
	targetType       string
	confidenceScore  float64
	mappingSource    string
	hopCount         int
	mappingDirection string
	pathDetailsJSON  []byte
	lastUpdated      time.Time
}

// upsertEntityMapping relies on the table's unique (source_id, source_type,
// target_id, target_type) constraint for de-duplication (spec.md §5 "The
// Cache Manager relies on database-level unique constraints"). A duplicate
// key from a concurrent writer is swallowed, not raised, matching spec.md
// §4.4's "Integrity failures (duplicate keys) are logged and swallowed".
func (s *SQLStore) upsertEntityMapping(ctx context.Context, tx *sql.Tx, row entityMappingRow) error {
	var stmt string
	switch s.dialect {
	case DialectMySQL:
		stmt = fmt.Sprintf(`INSERT INTO entity_mappings
			(id, source_id, source_type, target_id, target_type, confidence_score, mapping_source, hop_count, mapping_direction, mapping_path_details, last_updated, usage_count)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,0)
			ON DUPLICATE KEY UPDATE confidence_score = VALUES(confidence_score), mapping_source = VALUES(mapping_source),
			hop_count = VALUES(hop_count), mapping_direction = VALUES(mapping_direction), mapping_path_details = VALUES(mapping_path_details),
			last_updated = VALUES(last_updated)`)
	case DialectPostgres:
		stmt = fmt.Sprintf(`INSERT INTO entity_mappings
			(id, source_id, source_type, target_id, target_type, confidence_score, mapping_source, hop_count, mapping_direction, mapping_path_details, last_updated, usage_count)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,0)
			ON CONFLICT (source_id, source_type, target_id, target_type) DO UPDATE SET
			confidence_score = excluded.confidence_score, mapping_source = excluded.mapping_source,
			hop_count = excluded.hop_count, mapping_direction = excluded.mapping_direction,
			mapping_path_details = excluded.mapping_path_details, last_updated = excluded.last_updated`)
	default:
		stmt = `INSERT INTO entity_mappings
			(id, source_id, source_type, target_id, target_type, confidence_score, mapping_source, hop_count, mapping_direction, mapping_path_details, last_updated, usage_count)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,0)
			ON CONFLICT (source_id, source_type, target_id, target_type) DO UPDATE SET
			confidence_score = excluded.confidence_score, mapping_source = excluded.mapping_source,
			hop_count = excluded.hop_count, mapping_direction = excluded.mapping_direction,
			mapping_path_details = excluded.mapping_path_details, last_updated = excluded.last_updated`
	}

	_, err := tx.ExecContext(ctx, stmt,
		row.id, row.sourceID, row.sourceType, row.targetID, row.targetType,
		row.confidenceScore, row.mappingSource, row.hopCount, row.mappingDirection,
		row.pathDetailsJSON, row.lastUpdated)
	if err != nil {
		return fmt.Errorf("cache: upsert entity_mapping: %w", err)
	}
	return nil
}
