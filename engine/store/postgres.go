package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/arpanauts/strategyengine/engine"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// PostgresStore is a PostgreSQL-backed engine.Persistence. Grounded on
// bartekus-stagecraft's migration/raw.Engine (database/sql over
// github.com/jackc/pgx/v5/stdlib, transactional statement execution), with
// schema management handed to github.com/golang-migrate/migrate/v4 instead
// of the teacher's hand-rolled migrations table — grounded on
// r3e-network-service_layer's use of golang-migrate for its own Postgres
// schema. Intended for production deployments standardized on Postgres
// (spec.md §4.1).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection to dsn (a postgres:// URL) and applies
// pending migrations from the embedded migrations/postgres directory.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("strategyengine/store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("strategyengine/store: ping postgres: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("strategyengine/store: migration source: %w", err)
	}
	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("strategyengine/store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("strategyengine/store: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("strategyengine/store: migrate up: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// DB exposes the underlying connection so sibling stores sharing "a single
// backing store" with the Persistence Service (spec.md §4.2, §6) can reuse
// it rather than opening a second one.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) CreateJob(ctx context.Context, job *engine.Job) error {
	docJSON, _ := json.Marshal(job.StrategyDoc)
	paramsJSON, _ := json.Marshal(job.Parameters)
	tagsJSON, _ := json.Marshal(job.Tags)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, strategy_name, strategy_doc, parameters, status, total_steps,
			created_at, last_updated, owner, session_id, tags, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.StrategyName, docJSON, paramsJSON, string(job.Status), job.TotalSteps,
		job.CreatedAt, job.LastUpdated, job.Owner, job.SessionID, tagsJSON, job.Description)
	if err != nil {
		return &engine.StorageError{Op: "create_job", Err: err}
	}
	return nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, newStatus engine.Status, fields map[string]any) (*engine.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &engine.StorageError{Op: "update_job_status", Err: err}
	}
	defer tx.Rollback()

	setClauses := "status = $1, last_updated = $2"
	args := []any{string(newStatus), time.Now().UTC()}
	n := 3
	for k, v := range fields {
		switch k {
		case "started_at", "completed_at":
			if t, ok := v.(time.Time); ok {
				setClauses += fmt.Sprintf(", %s = $%d", k, n)
				args = append(args, t)
				n++
			}
		case "error_message":
			setClauses += fmt.Sprintf(", error_message = $%d", n)
			args = append(args, v)
			n++
		case "execution_time_ms":
			setClauses += fmt.Sprintf(", execution_time_ms = $%d", n)
			args = append(args, v)
			n++
		case "current_step_index":
			setClauses += fmt.Sprintf(", current_step_index = $%d", n)
			args = append(args, v)
			n++
		case "progress_percentage":
			setClauses += fmt.Sprintf(", progress_percentage = $%d", n)
			args = append(args, v)
			n++
		case "final_results":
			raw, _ := json.Marshal(v)
			setClauses += fmt.Sprintf(", final_results = $%d", n)
			args = append(args, raw)
			n++
		}
	}
	args = append(args, jobID)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE jobs SET %s WHERE id = $%d", setClauses, n), args...); err != nil {
		return nil, &engine.StorageError{Op: "update_job_status", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &engine.StorageError{Op: "update_job_status", Err: err}
	}
	return s.GetJob(ctx, jobID)
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*engine.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, strategy_name, strategy_doc, parameters, status, current_step_index, total_steps,
			progress_percentage, created_at, started_at, completed_at, last_updated, error_message,
			final_results, owner, session_id, tags, description, execution_time_ms, retry_count
		FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, engine.ErrJobNotFound
		}
		return nil, &engine.StorageError{Op: "get_job", Err: err}
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter engine.JobFilter) ([]*engine.Job, error) {
	query := `SELECT id, strategy_name, strategy_doc, parameters, status, current_step_index, total_steps,
		progress_percentage, created_at, started_at, completed_at, last_updated, error_message,
		final_results, owner, session_id, tags, description, execution_time_ms, retry_count FROM jobs WHERE TRUE`
	var args []any
	n := 1
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, string(*filter.Status))
		n++
	}
	if filter.StrategyName != "" {
		query += fmt.Sprintf(" AND strategy_name = $%d", n)
		args = append(args, filter.StrategyName)
		n++
	}
	if filter.Owner != "" {
		query += fmt.Sprintf(" AND owner = $%d", n)
		args = append(args, filter.Owner)
		n++
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", n, n+1)
		args = append(args, filter.Limit, filter.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &engine.StorageError{Op: "list_jobs", Err: err}
	}
	defer rows.Close()
	var out []*engine.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, &engine.StorageError{Op: "list_jobs", Err: err}
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordStepStart(ctx context.Context, jobID string, stepIndex int, name, actionType string, params map[string]any) (*engine.Step, error) {
	paramsJSON, _ := json.Marshal(params)
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_steps (job_id, step_index, step_name, action_type, input_params, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id, step_index) DO UPDATE SET step_name = excluded.step_name,
			action_type = excluded.action_type, input_params = excluded.input_params,
			status = excluded.status, started_at = excluded.started_at`,
		jobID, stepIndex, name, actionType, paramsJSON, string(engine.StatusRunning), now)
	if err != nil {
		return nil, &engine.StorageError{Op: "record_step_start", Err: err}
	}
	progress := 0.0
	if job, jerr := s.GetJob(ctx, jobID); jerr == nil && job.TotalSteps > 0 {
		progress = 100 * float64(stepIndex) / float64(job.TotalSteps)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET current_step_index = $1, progress_percentage = $2 WHERE id = $3`,
		stepIndex, progress, jobID); err != nil {
		return nil, &engine.StorageError{Op: "record_step_start", Err: err}
	}
	return &engine.Step{JobID: jobID, StepIndex: stepIndex, StepName: name, ActionType: actionType,
		InputParams: params, Status: engine.StatusRunning, StartedAt: &now}, nil
}

func (s *PostgresStore) RecordStepCompletion(ctx context.Context, jobID string, stepIndex int, completion engine.StepCompletion) (*engine.Step, error) {
	now := time.Now().UTC()
	outputJSON, _ := json.Marshal(completion.Output)
	var outputRef string
	outputInline := outputJSON
	if len(outputJSON) >= engine.MaxInlineBytes {
		ref, err := s.StoreResult(ctx, jobID, stepIndex, "output", outputJSON, "application/json", 0)
		if err != nil {
			return nil, err
		}
		outputRef = ref
		outputInline = nil
	}
	var durationMs int64
	if step, err := s.GetStep(ctx, jobID, stepIndex); err == nil && step.StartedAt != nil {
		durationMs = now.Sub(*step.StartedAt).Milliseconds()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE execution_steps SET status = $1, completed_at = $2, duration_ms = $3, output_results = $4,
			output_ref = $5, records_processed = $6, records_matched = $7, records_failed = $8,
			confidence_score = $9, memory_used_mb = $10, retry_count = $11
		WHERE job_id = $12 AND step_index = $13`,
		string(engine.StatusCompleted), now, durationMs, nullableJSON(outputInline), outputRef,
		completion.RecordsProcessed, completion.RecordsMatched, completion.RecordsFailed,
		completion.ConfidenceScore, completion.MemoryUsedMB, completion.RetryCount, jobID, stepIndex)
	if err != nil {
		return nil, &engine.StorageError{Op: "record_step_completion", Err: err}
	}
	return s.GetStep(ctx, jobID, stepIndex)
}

func (s *PostgresStore) RecordStepFailure(ctx context.Context, jobID string, stepIndex int, errMessage, errTraceback string, retryCount int, canRetry bool) (*engine.Step, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE execution_steps SET status = $1, completed_at = $2, error_message = $3, error_traceback = $4,
			retry_count = $5, can_retry = $6 WHERE job_id = $7 AND step_index = $8`,
		string(engine.StatusFailed), now, errMessage, errTraceback, retryCount, canRetry, jobID, stepIndex)
	if err != nil {
		return nil, &engine.StorageError{Op: "record_step_failure", Err: err}
	}
	return s.GetStep(ctx, jobID, stepIndex)
}

func (s *PostgresStore) GetStep(ctx context.Context, jobID string, stepIndex int) (*engine.Step, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, step_index, step_name, action_type, input_params, status, started_at, completed_at,
			duration_ms, output_results, output_ref, retry_count, can_retry, error_message, error_traceback,
			records_processed, records_matched, records_failed, confidence_score, memory_used_mb
		FROM execution_steps WHERE job_id = $1 AND step_index = $2`, jobID, stepIndex)
	var step engine.Step
	var inputJSON, outputJSON []byte
	var startedAt, completedAt sql.NullTime
	var status string
	var canRetry bool
	if err := row.Scan(&step.JobID, &step.StepIndex, &step.StepName, &step.ActionType, &inputJSON, &status,
		&startedAt, &completedAt, &step.DurationMs, &outputJSON, &step.OutputRef, &step.RetryCount, &canRetry,
		&step.ErrorMessage, &step.ErrorTraceback, &step.RecordsProcessed, &step.RecordsMatched,
		&step.RecordsFailed, &step.ConfidenceScore, &step.MemoryUsedMB); err != nil {
		if err == sql.ErrNoRows {
			return nil, engine.ErrStepNotFound
		}
		return nil, &engine.StorageError{Op: "get_step", Err: err}
	}
	step.Status = engine.Status(status)
	step.CanRetry = canRetry
	if startedAt.Valid {
		step.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		step.CompletedAt = &completedAt.Time
	}
	if len(inputJSON) > 0 {
		json.Unmarshal(inputJSON, &step.InputParams)
	}
	if len(outputJSON) > 0 {
		json.Unmarshal(outputJSON, &step.OutputResults)
	}
	return &step, nil
}

func (s *PostgresStore) CreateCheckpoint(ctx context.Context, jobID string, stepIndex int, ec *engine.ExecutionContext, t engine.CheckpointType, description string) (*engine.Checkpoint, error) {
	raw, err := engine.SerializeContext(ec)
	if err != nil {
		return nil, &engine.StorageError{Op: "create_checkpoint", Err: err}
	}
	payload, compressed := engine.CompressIfOversize(raw)

	cp := &engine.Checkpoint{
		ID: uuid.NewString(), JobID: jobID, StepIndex: stepIndex, CheckpointType: t,
		CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().AddDate(0, 0, 7),
		SizeBytes: len(payload), Compressed: compressed, IsResumable: true, Description: description,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_checkpoints (id, job_id, step_index, checkpoint_type, created_at, expires_at,
			context_data, size_bytes, compressed, is_resumable, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		cp.ID, cp.JobID, cp.StepIndex, string(cp.CheckpointType), cp.CreatedAt, cp.ExpiresAt,
		payload, cp.SizeBytes, cp.Compressed, true, cp.Description)
	if err != nil {
		return nil, &engine.StorageError{Op: "create_checkpoint", Err: err}
	}
	return cp, nil
}

func (s *PostgresStore) RestoreCheckpoint(ctx context.Context, checkpointID string) (*engine.ExecutionContext, int, string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, step_index, context_data, compressed, is_resumable
		FROM execution_checkpoints WHERE id = $1`, checkpointID)
	var jobID string
	var stepIndex int
	var data []byte
	var compressed, resumable bool
	if err := row.Scan(&jobID, &stepIndex, &data, &compressed, &resumable); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, "", engine.ErrCheckpointNotFound
		}
		return nil, 0, "", &engine.StorageError{Op: "restore_checkpoint", Err: err}
	}
	if !resumable {
		return nil, 0, "", engine.ErrNotResumable
	}
	raw, err := engine.DecompressIfNeeded(data, compressed)
	if err != nil {
		return nil, 0, "", &engine.ResumeError{CheckpointID: checkpointID, Err: err}
	}
	ec, err := engine.DeserializeContext(raw)
	if err != nil {
		return nil, 0, "", &engine.ResumeError{CheckpointID: checkpointID, Err: err}
	}
	return ec, stepIndex, jobID, nil
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context, jobID string, limit int) ([]*engine.Checkpoint, error) {
	query := `SELECT id, job_id, step_index, checkpoint_type, created_at, expires_at, size_bytes,
		compressed, is_resumable, description FROM execution_checkpoints WHERE job_id = $1 ORDER BY step_index DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, &engine.StorageError{Op: "list_checkpoints", Err: err}
	}
	defer rows.Close()
	var out []*engine.Checkpoint
	for rows.Next() {
		var cp engine.Checkpoint
		var ctype string
		if err := rows.Scan(&cp.ID, &cp.JobID, &cp.StepIndex, &ctype, &cp.CreatedAt, &cp.ExpiresAt,
			&cp.SizeBytes, &cp.Compressed, &cp.IsResumable, &cp.Description); err != nil {
			return nil, &engine.StorageError{Op: "list_checkpoints", Err: err}
		}
		cp.CheckpointType = engine.CheckpointType(ctype)
		out = append(out, &cp)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetLatestCheckpoint(ctx context.Context, jobID string) (*engine.Checkpoint, error) {
	cps, err := s.ListCheckpoints(ctx, jobID, 1)
	if err != nil || len(cps) == 0 {
		return nil, err
	}
	return cps[0], nil
}

func (s *PostgresStore) StoreResult(ctx context.Context, jobID string, stepIndex int, key string, data []byte, contentType string, ttlDays int) (string, error) {
	ref := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO result_storage (ref, job_id, step_index, key_name, content_type, data, ttl_days, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ref, jobID, stepIndex, key, contentType, data, ttlDaysOrNil(ttlDays), time.Now().UTC())
	if err != nil {
		return "", &engine.StorageError{Op: "store_result", Err: err}
	}
	return ref, nil
}

func ttlDaysOrNil(ttlDays int) any {
	if ttlDays <= 0 {
		return nil
	}
	return ttlDays
}

func (s *PostgresStore) RetrieveResult(ctx context.Context, ref string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM result_storage WHERE ref = $1`, ref).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &engine.StorageError{Op: "retrieve_result", Err: engine.ErrJobNotFound}
		}
		return nil, &engine.StorageError{Op: "retrieve_result", Err: err}
	}
	_, err = s.db.ExecContext(ctx, `UPDATE result_storage SET accessed_count = accessed_count + 1,
		last_accessed = $1 WHERE ref = $2`, time.Now().UTC(), ref)
	return data, err
}

func (s *PostgresStore) Log(ctx context.Context, entry engine.LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	detailsJSON, _ := json.Marshal(entry.Details)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (id, job_id, level, message, step_index, details, category, component, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.JobID, string(entry.Level), entry.Message, entry.StepIndex, detailsJSON,
		entry.Category, entry.Component, entry.Timestamp)
	if err != nil {
		return &engine.StorageError{Op: "log", Err: err}
	}
	return nil
}

func (s *PostgresStore) GetLogs(ctx context.Context, jobID string, level *engine.Severity, stepIndex *int, limit int) ([]engine.LogEntry, error) {
	query := `SELECT id, job_id, level, message, step_index, details, category, component, timestamp
		FROM execution_logs WHERE job_id = $1`
	args := []any{jobID}
	n := 2
	if level != nil {
		query += fmt.Sprintf(" AND level = $%d", n)
		args = append(args, string(*level))
		n++
	}
	if stepIndex != nil {
		query += fmt.Sprintf(" AND step_index = $%d", n)
		args = append(args, *stepIndex)
		n++
	}
	query += " ORDER BY timestamp"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &engine.StorageError{Op: "get_logs", Err: err}
	}
	defer rows.Close()
	var out []engine.LogEntry
	for rows.Next() {
		var entry engine.LogEntry
		var level string
		var stepIdx sql.NullInt64
		var detailsJSON []byte
		if err := rows.Scan(&entry.ID, &entry.JobID, &level, &entry.Message, &stepIdx, &detailsJSON,
			&entry.Category, &entry.Component, &entry.Timestamp); err != nil {
			return nil, &engine.StorageError{Op: "get_logs", Err: err}
		}
		entry.Level = engine.Severity(level)
		if stepIdx.Valid {
			v := int(stepIdx.Int64)
			entry.StepIndex = &v
		}
		if len(detailsJSON) > 0 {
			json.Unmarshal(detailsJSON, &entry.Details)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EmitEvent(ctx context.Context, event engine.JobEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	dataJSON, _ := json.Marshal(event.Data)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_events (id, job_id, event_type, timestamp, severity, step_name, step_index, data, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.JobID, string(event.EventType), event.Timestamp, string(event.Severity),
		event.StepName, event.StepIndex, dataJSON, event.Message)
	if err != nil {
		return &engine.StorageError{Op: "emit_event", Err: err}
	}
	return nil
}

func (s *PostgresStore) GetEvents(ctx context.Context, jobID string, since *time.Time, eventType *engine.EventType, limit int) ([]engine.JobEvent, error) {
	query := `SELECT id, job_id, event_type, timestamp, severity, step_name, step_index, data, message
		FROM job_events WHERE job_id = $1`
	args := []any{jobID}
	n := 2
	if since != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", n)
		args = append(args, *since)
		n++
	}
	if eventType != nil {
		query += fmt.Sprintf(" AND event_type = $%d", n)
		args = append(args, string(*eventType))
		n++
	}
	query += " ORDER BY timestamp"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &engine.StorageError{Op: "get_events", Err: err}
	}
	defer rows.Close()
	var out []engine.JobEvent
	for rows.Next() {
		var ev engine.JobEvent
		var etype, sev string
		var stepIdx sql.NullInt64
		var dataJSON []byte
		if err := rows.Scan(&ev.ID, &ev.JobID, &etype, &ev.Timestamp, &sev, &ev.StepName, &stepIdx,
			&dataJSON, &ev.Message); err != nil {
			return nil, &engine.StorageError{Op: "get_events", Err: err}
		}
		ev.EventType = engine.EventType(etype)
		ev.Severity = engine.Severity(sev)
		if stepIdx.Valid {
			v := int(stepIdx.Int64)
			ev.StepIndex = &v
		}
		if len(dataJSON) > 0 {
			json.Unmarshal(dataJSON, &ev.Data)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CleanupOldData(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().UTC().Add(-olderThan)
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE status IN ($1, $2, $3) AND completed_at < $4`,
		string(engine.StatusCompleted), string(engine.StatusFailed), string(engine.StatusCancelled), cutoff)
	if err != nil {
		return &engine.StorageError{Op: "cleanup_old_data", Err: err}
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM execution_checkpoints WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return &engine.StorageError{Op: "cleanup_old_data", Err: err}
	}
	return nil
}

func (s *PostgresStore) GetJobMetrics(ctx context.Context, jobID string) (*engine.JobMetrics, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	metrics := &engine.JobMetrics{JobID: jobID, StepDurationsMs: make(map[int]int64)}
	rows, err := s.db.QueryContext(ctx, `SELECT step_index, duration_ms, records_processed, records_matched,
		records_failed, memory_used_mb, retry_count FROM execution_steps WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, &engine.StorageError{Op: "get_job_metrics", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var idx int
		var duration, processed, matched, failed, retry int64
		var peakMem float64
		if err := rows.Scan(&idx, &duration, &processed, &matched, &failed, &peakMem, &retry); err != nil {
			return nil, &engine.StorageError{Op: "get_job_metrics", Err: err}
		}
		metrics.StepDurationsMs[idx] = duration
		metrics.TotalDurationMs += duration
		metrics.RecordsProcessed += int(processed)
		metrics.RecordsMatched += int(matched)
		metrics.RecordsFailed += int(failed)
		metrics.RetryCount += int(retry)
		if peakMem > metrics.PeakMemoryMB {
			metrics.PeakMemoryMB = peakMem
		}
	}
	return metrics, rows.Err()
}
