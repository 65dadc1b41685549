package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/arpanauts/strategyengine/engine"
)

// SQLiteStore is a SQLite-backed engine.Persistence, grounded directly on
// the teacher's graph/store.SQLiteStore: single-writer connection pool, WAL
// mode, foreign keys on, busy_timeout set, schema created on open. Intended
// for development, tests, and single-node deployments (spec.md §4.1/§4.2
// "a relational database suffices").
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path and
// runs schema creation. Pass ":memory:" for an ephemeral test database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("strategyengine/store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("strategyengine/store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the underlying connection so sibling stores that share "a
// single backing store" with the Persistence Service (spec.md §4.2, §6) —
// the Cache Manager's SQLStore in particular — can be opened against the
// same database file instead of a second one.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			strategy_name TEXT NOT NULL,
			strategy_doc TEXT,
			parameters TEXT,
			status TEXT NOT NULL,
			current_step_index INTEGER NOT NULL DEFAULT 0,
			total_steps INTEGER NOT NULL DEFAULT 0,
			progress_percentage REAL NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			last_updated TIMESTAMP NOT NULL,
			error_message TEXT,
			final_results TEXT,
			owner TEXT,
			session_id TEXT,
			tags TEXT,
			description TEXT,
			execution_time_ms INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS execution_steps (
			job_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			step_name TEXT NOT NULL,
			action_type TEXT NOT NULL,
			input_params TEXT,
			status TEXT NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			output_results TEXT,
			output_ref TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			can_retry INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			error_traceback TEXT,
			records_processed INTEGER NOT NULL DEFAULT 0,
			records_matched INTEGER NOT NULL DEFAULT 0,
			records_failed INTEGER NOT NULL DEFAULT 0,
			confidence_score REAL NOT NULL DEFAULT 0,
			memory_used_mb REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (job_id, step_index),
			FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS execution_checkpoints (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			checkpoint_type TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			context_data BLOB,
			storage_path TEXT,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			compressed INTEGER NOT NULL DEFAULT 0,
			is_resumable INTEGER NOT NULL DEFAULT 1,
			description TEXT,
			FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_job ON execution_checkpoints(job_id, step_index DESC)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			step_index INTEGER,
			details TEXT,
			category TEXT,
			component TEXT,
			timestamp TIMESTAMP NOT NULL,
			FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_job ON execution_logs(job_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS job_events (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			severity TEXT NOT NULL,
			step_name TEXT,
			step_index INTEGER,
			data TEXT,
			message TEXT,
			delivered INTEGER NOT NULL DEFAULT 0,
			delivery_attempts INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_job ON job_events(job_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS result_storage (
			ref TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			key TEXT NOT NULL,
			content_type TEXT,
			data BLOB,
			ttl_days INTEGER,
			accessed_count INTEGER NOT NULL DEFAULT 0,
			last_accessed TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("strategyengine/store: schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *engine.Job) error {
	docJSON, _ := json.Marshal(job.StrategyDoc)
	paramsJSON, _ := json.Marshal(job.Parameters)
	tagsJSON, _ := json.Marshal(job.Tags)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, strategy_name, strategy_doc, parameters, status, total_steps,
			created_at, last_updated, owner, session_id, tags, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.StrategyName, string(docJSON), string(paramsJSON), string(job.Status), job.TotalSteps,
		job.CreatedAt, job.LastUpdated, job.Owner, job.SessionID, string(tagsJSON), job.Description)
	if err != nil {
		return &engine.StorageError{Op: "create_job", Err: err}
	}
	return nil
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, jobID string, newStatus engine.Status, fields map[string]any) (*engine.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &engine.StorageError{Op: "update_job_status", Err: err}
	}
	defer tx.Rollback()

	setClauses := "status = ?, last_updated = ?"
	args := []any{string(newStatus), time.Now().UTC()}
	for k, v := range fields {
		switch k {
		case "started_at", "completed_at":
			if t, ok := v.(time.Time); ok {
				setClauses += fmt.Sprintf(", %s = ?", k)
				args = append(args, t)
			}
		case "error_message":
			setClauses += ", error_message = ?"
			args = append(args, v)
		case "execution_time_ms":
			setClauses += ", execution_time_ms = ?"
			args = append(args, v)
		case "current_step_index":
			setClauses += ", current_step_index = ?"
			args = append(args, v)
		case "progress_percentage":
			setClauses += ", progress_percentage = ?"
			args = append(args, v)
		case "final_results":
			raw, _ := json.Marshal(v)
			setClauses += ", final_results = ?"
			args = append(args, string(raw))
		}
	}
	args = append(args, jobID)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE jobs SET %s WHERE id = ?", setClauses), args...); err != nil {
		return nil, &engine.StorageError{Op: "update_job_status", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &engine.StorageError{Op: "update_job_status", Err: err}
	}
	return s.GetJob(ctx, jobID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*engine.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, strategy_name, strategy_doc, parameters, status, current_step_index, total_steps,
			progress_percentage, created_at, started_at, completed_at, last_updated, error_message,
			final_results, owner, session_id, tags, description, execution_time_ms, retry_count
		FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, engine.ErrJobNotFound
		}
		return nil, &engine.StorageError{Op: "get_job", Err: err}
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*engine.Job, error) {
	var job engine.Job
	var docJSON, paramsJSON, tagsJSON, finalResultsJSON, errorMessage sql.NullString
	var startedAt, completedAt sql.NullTime
	var status string
	if err := row.Scan(&job.ID, &job.StrategyName, &docJSON, &paramsJSON, &status, &job.CurrentStep,
		&job.TotalSteps, &job.ProgressPercent, &job.CreatedAt, &startedAt, &completedAt, &job.LastUpdated,
		&errorMessage, &finalResultsJSON, &job.Owner, &job.SessionID, &tagsJSON, &job.Description,
		&job.ExecutionTimeMs, &job.RetryCount); err != nil {
		return nil, err
	}
	job.Status = engine.Status(status)
	job.ErrorMessage = errorMessage.String
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if docJSON.Valid {
		var doc engine.StrategyDoc
		json.Unmarshal([]byte(docJSON.String), &doc)
		job.StrategyDoc = &doc
	}
	if paramsJSON.Valid {
		json.Unmarshal([]byte(paramsJSON.String), &job.Parameters)
	}
	if tagsJSON.Valid {
		json.Unmarshal([]byte(tagsJSON.String), &job.Tags)
	}
	if finalResultsJSON.Valid {
		json.Unmarshal([]byte(finalResultsJSON.String), &job.FinalResults)
	}
	return &job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter engine.JobFilter) ([]*engine.Job, error) {
	query := `SELECT id, strategy_name, strategy_doc, parameters, status, current_step_index, total_steps,
		progress_percentage, created_at, started_at, completed_at, last_updated, error_message,
		final_results, owner, session_id, tags, description, execution_time_ms, retry_count FROM jobs WHERE 1=1`
	var args []any
	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.StrategyName != "" {
		query += " AND strategy_name = ?"
		args = append(args, filter.StrategyName)
	}
	if filter.Owner != "" {
		query += " AND owner = ?"
		args = append(args, filter.Owner)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
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

func (s *SQLiteStore) RecordStepStart(ctx context.Context, jobID string, stepIndex int, name, actionType string, params map[string]any) (*engine.Step, error) {
	paramsJSON, _ := json.Marshal(params)
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_steps (job_id, step_index, step_name, action_type, input_params, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, step_index) DO UPDATE SET step_name=excluded.step_name, action_type=excluded.action_type,
			input_params=excluded.input_params, status=excluded.status, started_at=excluded.started_at`,
		jobID, stepIndex, name, actionType, string(paramsJSON), string(engine.StatusRunning), now)
	if err != nil {
		return nil, &engine.StorageError{Op: "record_step_start", Err: err}
	}
	progress := 0.0
	if job, jerr := s.GetJob(ctx, jobID); jerr == nil && job.TotalSteps > 0 {
		progress = 100 * float64(stepIndex) / float64(job.TotalSteps)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET current_step_index = ?, progress_percentage = ? WHERE id = ?`,
		stepIndex, progress, jobID); err != nil {
		return nil, &engine.StorageError{Op: "record_step_start", Err: err}
	}
	return &engine.Step{JobID: jobID, StepIndex: stepIndex, StepName: name, ActionType: actionType,
		InputParams: params, Status: engine.StatusRunning, StartedAt: &now}, nil
}

func (s *SQLiteStore) RecordStepCompletion(ctx context.Context, jobID string, stepIndex int, completion engine.StepCompletion) (*engine.Step, error) {
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
		UPDATE execution_steps SET status = ?, completed_at = ?, duration_ms = ?,
			output_results = ?, output_ref = ?, records_processed = ?, records_matched = ?,
			records_failed = ?, confidence_score = ?, memory_used_mb = ?, retry_count = ?
		WHERE job_id = ? AND step_index = ?`,
		string(engine.StatusCompleted), now, durationMs, nullableString(outputInline), outputRef,
		completion.RecordsProcessed, completion.RecordsMatched, completion.RecordsFailed,
		completion.ConfidenceScore, completion.MemoryUsedMB, completion.RetryCount, jobID, stepIndex)
	if err != nil {
		return nil, &engine.StorageError{Op: "record_step_completion", Err: err}
	}
	return s.GetStep(ctx, jobID, stepIndex)
}

func nullableString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func (s *SQLiteStore) RecordStepFailure(ctx context.Context, jobID string, stepIndex int, errMessage, errTraceback string, retryCount int, canRetry bool) (*engine.Step, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE execution_steps SET status = ?, completed_at = ?, error_message = ?, error_traceback = ?,
			retry_count = ?, can_retry = ? WHERE job_id = ? AND step_index = ?`,
		string(engine.StatusFailed), now, errMessage, errTraceback, retryCount, boolToInt(canRetry), jobID, stepIndex)
	if err != nil {
		return nil, &engine.StorageError{Op: "record_step_failure", Err: err}
	}
	return s.GetStep(ctx, jobID, stepIndex)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) GetStep(ctx context.Context, jobID string, stepIndex int) (*engine.Step, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, step_index, step_name, action_type, input_params, status, started_at, completed_at,
			duration_ms, output_results, output_ref, retry_count, can_retry, error_message, error_traceback,
			records_processed, records_matched, records_failed, confidence_score, memory_used_mb
		FROM execution_steps WHERE job_id = ? AND step_index = ?`, jobID, stepIndex)
	var step engine.Step
	var inputJSON, outputJSON, outputRef, errMessage, errTraceback sql.NullString
	var startedAt, completedAt sql.NullTime
	var status string
	var canRetry int
	if err := row.Scan(&step.JobID, &step.StepIndex, &step.StepName, &step.ActionType, &inputJSON, &status,
		&startedAt, &completedAt, &step.DurationMs, &outputJSON, &outputRef, &step.RetryCount, &canRetry,
		&errMessage, &errTraceback, &step.RecordsProcessed, &step.RecordsMatched,
		&step.RecordsFailed, &step.ConfidenceScore, &step.MemoryUsedMB); err != nil {
		if err == sql.ErrNoRows {
			return nil, engine.ErrStepNotFound
		}
		return nil, &engine.StorageError{Op: "get_step", Err: err}
	}
	step.Status = engine.Status(status)
	step.OutputRef = outputRef.String
	step.ErrorMessage = errMessage.String
	step.ErrorTraceback = errTraceback.String
	step.CanRetry = canRetry != 0
	if startedAt.Valid {
		step.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		step.CompletedAt = &completedAt.Time
	}
	if inputJSON.Valid {
		json.Unmarshal([]byte(inputJSON.String), &step.InputParams)
	}
	if outputJSON.Valid {
		json.Unmarshal([]byte(outputJSON.String), &step.OutputResults)
	}
	return &step, nil
}

func (s *SQLiteStore) CreateCheckpoint(ctx context.Context, jobID string, stepIndex int, ec *engine.ExecutionContext, t engine.CheckpointType, description string) (*engine.Checkpoint, error) {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.JobID, cp.StepIndex, string(cp.CheckpointType), cp.CreatedAt, cp.ExpiresAt,
		payload, cp.SizeBytes, boolToInt(cp.Compressed), 1, cp.Description)
	if err != nil {
		return nil, &engine.StorageError{Op: "create_checkpoint", Err: err}
	}
	return cp, nil
}

func (s *SQLiteStore) RestoreCheckpoint(ctx context.Context, checkpointID string) (*engine.ExecutionContext, int, string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, step_index, context_data, compressed, is_resumable
		FROM execution_checkpoints WHERE id = ?`, checkpointID)
	var jobID string
	var stepIndex int
	var data []byte
	var compressed, resumable int
	if err := row.Scan(&jobID, &stepIndex, &data, &compressed, &resumable); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, "", engine.ErrCheckpointNotFound
		}
		return nil, 0, "", &engine.StorageError{Op: "restore_checkpoint", Err: err}
	}
	if resumable == 0 {
		return nil, 0, "", engine.ErrNotResumable
	}
	raw, err := engine.DecompressIfNeeded(data, compressed != 0)
	if err != nil {
		return nil, 0, "", &engine.ResumeError{CheckpointID: checkpointID, Err: err}
	}
	ec, err := engine.DeserializeContext(raw)
	if err != nil {
		return nil, 0, "", &engine.ResumeError{CheckpointID: checkpointID, Err: err}
	}
	return ec, stepIndex, jobID, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, jobID string, limit int) ([]*engine.Checkpoint, error) {
	query := `SELECT id, job_id, step_index, checkpoint_type, created_at, expires_at, size_bytes,
		compressed, is_resumable, description FROM execution_checkpoints WHERE job_id = ? ORDER BY step_index DESC`
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
		var compressed, resumable int
		if err := rows.Scan(&cp.ID, &cp.JobID, &cp.StepIndex, &ctype, &cp.CreatedAt, &cp.ExpiresAt,
			&cp.SizeBytes, &compressed, &resumable, &cp.Description); err != nil {
			return nil, &engine.StorageError{Op: "list_checkpoints", Err: err}
		}
		cp.CheckpointType = engine.CheckpointType(ctype)
		cp.Compressed = compressed != 0
		cp.IsResumable = resumable != 0
		out = append(out, &cp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetLatestCheckpoint(ctx context.Context, jobID string) (*engine.Checkpoint, error) {
	cps, err := s.ListCheckpoints(ctx, jobID, 1)
	if err != nil || len(cps) == 0 {
		return nil, err
	}
	return cps[0], nil
}

func (s *SQLiteStore) StoreResult(ctx context.Context, jobID string, stepIndex int, key string, data []byte, contentType string, ttlDays int) (string, error) {
	ref := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO result_storage (ref, job_id, step_index, key, content_type, data, ttl_days, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ref, jobID, stepIndex, key, contentType, data, ttlDays, time.Now().UTC())
	if err != nil {
		return "", &engine.StorageError{Op: "store_result", Err: err}
	}
	return ref, nil
}

func (s *SQLiteStore) RetrieveResult(ctx context.Context, ref string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM result_storage WHERE ref = ?`, ref).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &engine.StorageError{Op: "retrieve_result", Err: engine.ErrJobNotFound}
		}
		return nil, &engine.StorageError{Op: "retrieve_result", Err: err}
	}
	_, err = s.db.ExecContext(ctx, `UPDATE result_storage SET accessed_count = accessed_count + 1,
		last_accessed = ? WHERE ref = ?`, time.Now().UTC(), ref)
	return data, err
}

func (s *SQLiteStore) Log(ctx context.Context, entry engine.LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	detailsJSON, _ := json.Marshal(entry.Details)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (id, job_id, level, message, step_index, details, category, component, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.JobID, string(entry.Level), entry.Message, entry.StepIndex, string(detailsJSON),
		entry.Category, entry.Component, entry.Timestamp)
	if err != nil {
		return &engine.StorageError{Op: "log", Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetLogs(ctx context.Context, jobID string, level *engine.Severity, stepIndex *int, limit int) ([]engine.LogEntry, error) {
	query := `SELECT id, job_id, level, message, step_index, details, category, component, timestamp
		FROM execution_logs WHERE job_id = ?`
	args := []any{jobID}
	if level != nil {
		query += " AND level = ?"
		args = append(args, string(*level))
	}
	if stepIndex != nil {
		query += " AND step_index = ?"
		args = append(args, *stepIndex)
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
		var detailsJSON sql.NullString
		if err := rows.Scan(&entry.ID, &entry.JobID, &level, &entry.Message, &stepIdx, &detailsJSON,
			&entry.Category, &entry.Component, &entry.Timestamp); err != nil {
			return nil, &engine.StorageError{Op: "get_logs", Err: err}
		}
		entry.Level = engine.Severity(level)
		if stepIdx.Valid {
			v := int(stepIdx.Int64)
			entry.StepIndex = &v
		}
		if detailsJSON.Valid {
			json.Unmarshal([]byte(detailsJSON.String), &entry.Details)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) EmitEvent(ctx context.Context, event engine.JobEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	dataJSON, _ := json.Marshal(event.Data)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_events (id, job_id, event_type, timestamp, severity, step_name, step_index, data, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.JobID, string(event.EventType), event.Timestamp, string(event.Severity),
		event.StepName, event.StepIndex, string(dataJSON), event.Message)
	if err != nil {
		return &engine.StorageError{Op: "emit_event", Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetEvents(ctx context.Context, jobID string, since *time.Time, eventType *engine.EventType, limit int) ([]engine.JobEvent, error) {
	query := `SELECT id, job_id, event_type, timestamp, severity, step_name, step_index, data, message
		FROM job_events WHERE job_id = ?`
	args := []any{jobID}
	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *since)
	}
	if eventType != nil {
		query += " AND event_type = ?"
		args = append(args, string(*eventType))
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
		var dataJSON sql.NullString
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
		if dataJSON.Valid {
			json.Unmarshal([]byte(dataJSON.String), &ev.Data)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CleanupOldData(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().UTC().Add(-olderThan)
	terminalStatuses := []string{string(engine.StatusCompleted), string(engine.StatusFailed), string(engine.StatusCancelled)}
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE status IN (?, ?, ?) AND completed_at < ?`,
		terminalStatuses[0], terminalStatuses[1], terminalStatuses[2], cutoff)
	if err != nil {
		return &engine.StorageError{Op: "cleanup_old_data", Err: err}
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM execution_checkpoints WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return &engine.StorageError{Op: "cleanup_old_data", Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetJobMetrics(ctx context.Context, jobID string) (*engine.JobMetrics, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	metrics := &engine.JobMetrics{JobID: jobID, StepDurationsMs: make(map[int]int64)}
	rows, err := s.db.QueryContext(ctx, `SELECT step_index, duration_ms, records_processed, records_matched,
		records_failed, memory_used_mb, retry_count FROM execution_steps WHERE job_id = ?`, jobID)
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
