package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/prism-engine/prism/internal/types"
)

// SQLiteStore implements the storage.Store interface using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite store at path. Pass ":memory:" for an in-memory
// database (used by tests).
func New(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Single connection avoids "database is locked" under concurrent
	// claim attempts; the conditional update still does the real fencing.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const jobColumns = `id, conversation_id, job_type, status, priority, created_at, updated_at,
	started_at, completed_at, worker_id, retry_count, max_retries, timeout_seconds,
	version, config, result, dependency_job_id, log_tail`

// CreateJob inserts a new pending job, assigning an ID and defaults where
// missing, and records the creation event.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *types.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = types.JobPending
	}
	if job.TimeoutSeconds == 0 {
		job.TimeoutSeconds = 300
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Version = 1

	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal job config: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (
			id, conversation_id, job_type, status, priority, created_at, updated_at,
			worker_id, retry_count, max_retries, timeout_seconds, version, config,
			result, dependency_job_id, log_tail
		) VALUES (?, ?, ?, ?, ?, ?, ?, '', 0, ?, ?, 1, ?, '', ?, '')
	`, job.ID, job.ConversationID, job.Type, job.Status, job.Priority,
		job.CreatedAt, job.UpdatedAt, job.MaxRetries, job.TimeoutSeconds,
		string(configJSON), nullableString(job.DependencyJobID))
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_events (job_id, event_type, actor, new_value)
		VALUES (?, ?, 'submitter', ?)
	`, job.ID, types.EventJobCreated, string(job.Type))
	if err != nil {
		return fmt.Errorf("failed to record creation event: %w", err)
	}

	return tx.Commit()
}

// GetJob retrieves a job by ID. Returns types.ErrNotFound for unknown IDs.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListClaimable returns pending jobs whose dependency (if any) has
// completed, ordered by priority descending then creation time ascending.
func (s *SQLiteStore) ListClaimable(ctx context.Context, jobType *types.JobType, limit int) ([]*types.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT ` + jobColumns + ` FROM jobs j
		WHERE j.status = 'pending'
		  AND (j.dependency_job_id IS NULL OR EXISTS (
			SELECT 1 FROM jobs d WHERE d.id = j.dependency_job_id AND d.status = 'completed'))`
	args := []interface{}{}
	if jobType != nil {
		query += ` AND j.job_type = ?`
		args = append(args, *jobType)
	}
	query += ` ORDER BY j.priority DESC, j.created_at ASC LIMIT ?`
	args = append(args, limit)

	return s.queryJobs(ctx, query, args...)
}

// ListDependencyBlocked returns pending jobs whose dependency reached a
// terminal state other than completed. ListClaimable will never surface
// them, so the retry manager cancels them instead.
func (s *SQLiteStore) ListDependencyBlocked(ctx context.Context) ([]*types.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs j
		WHERE j.status = 'pending'
		  AND j.dependency_job_id IS NOT NULL
		  AND EXISTS (
			SELECT 1 FROM jobs d WHERE d.id = j.dependency_job_id
			  AND d.status IN ('failed', 'cancelled'))
		ORDER BY j.created_at ASC`)
}

// ListJobs returns jobs matching the filter, newest first
func (s *SQLiteStore) ListJobs(ctx context.Context, filter types.JobFilter) ([]*types.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, *filter.Status)
	}
	if filter.Type != nil {
		query += ` AND job_type = ?`
		args = append(args, *filter.Type)
	}
	if filter.ConversationID != nil {
		query += ` AND conversation_id = ?`
		args = append(args, *filter.ConversationID)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryJobs(ctx, query, args...)
}

// ListProcessing returns all jobs currently in the processing state,
// oldest claim first. The retry manager scans this for timed-out work.
func (s *SQLiteStore) ListProcessing(ctx context.Context) ([]*types.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'processing'
		ORDER BY started_at ASC`)
}

// conditionalUpdateFields is the whitelist of mutable job columns
var conditionalUpdateFields = map[string]bool{
	"status":       true,
	"worker_id":    true,
	"started_at":   true,
	"completed_at": true,
	"retry_count":  true,
	"result":       true,
	"log_tail":     true,
}

// ConditionalUpdate applies updates only if status and version still match,
// incrementing version. This is the sole mutation primitive for jobs: claims,
// completions, failures, requeues and cancellations all go through it.
func (s *SQLiteStore) ConditionalUpdate(ctx context.Context, id string, expectedStatus types.JobStatus, expectedVersion int64, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return fmt.Errorf("no updates provided")
	}

	var newStatus *types.JobStatus
	setClauses := make([]string, 0, len(updates)+2)
	args := make([]interface{}, 0, len(updates)+5)
	for field, value := range updates {
		if !conditionalUpdateFields[field] {
			return fmt.Errorf("field %q cannot be updated", field)
		}
		if field == "status" {
			st, ok := toJobStatus(value)
			if !ok {
				return fmt.Errorf("invalid status value %v", value)
			}
			newStatus = &st
			value = st
		}
		setClauses = append(setClauses, field+" = ?")
		args = append(args, value)
	}

	// Validate the transition before touching the row. An invalid
	// transition is a caller bug, never a race.
	if newStatus != nil && !expectedStatus.CanTransitionTo(*newStatus) {
		return &types.StateViolationError{JobID: id, From: expectedStatus, To: *newStatus}
	}

	setClauses = append(setClauses, "version = version + 1", "updated_at = ?")
	args = append(args, time.Now().UTC(), id, expectedStatus, expectedVersion)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET `+strings.Join(setClauses, ", ")+`
		WHERE id = ? AND status = ? AND version = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&exists)
		if err == sql.ErrNoRows {
			return types.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check job existence: %w", err)
		}
		return types.ErrConflict
	}

	if newStatus != nil {
		actor := "system"
		if w, ok := updates["worker_id"].(string); ok && w != "" {
			actor = w
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO job_events (job_id, event_type, actor, old_value, new_value)
			VALUES (?, ?, ?, ?, ?)
		`, id, eventTypeFor(*newStatus), actor, string(expectedStatus), string(*newStatus))
		if err != nil {
			return fmt.Errorf("failed to record status event: %w", err)
		}
	}

	return tx.Commit()
}

// GetJobEvents returns the audit trail for a job, newest first
func (s *SQLiteStore) GetJobEvents(ctx context.Context, jobID string, limit int) ([]*types.JobEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, event_type, actor, old_value, new_value, comment, created_at
		FROM job_events WHERE job_id = ?
		ORDER BY id DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job events: %w", err)
	}
	defer rows.Close()

	var events []*types.JobEvent
	for rows.Next() {
		var e types.JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.EventType, &e.Actor, &e.OldValue, &e.NewValue, &e.Comment, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*types.Job, error) {
	var job types.Job
	var startedAt, completedAt sql.NullTime
	var dependency sql.NullString
	var configJSON string

	err := row.Scan(
		&job.ID, &job.ConversationID, &job.Type, &job.Status, &job.Priority,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &completedAt, &job.WorkerID,
		&job.RetryCount, &job.MaxRetries, &job.TimeoutSeconds, &job.Version,
		&configJSON, &job.Result, &dependency, &job.LogTail,
	)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if dependency.Valid {
		job.DependencyJobID = dependency.String
	}
	if err := json.Unmarshal([]byte(configJSON), &job.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job config: %w", err)
	}
	return &job, nil
}

func toJobStatus(v interface{}) (types.JobStatus, bool) {
	switch s := v.(type) {
	case types.JobStatus:
		return s, s.IsValid()
	case string:
		st := types.JobStatus(s)
		return st, st.IsValid()
	}
	return "", false
}

func eventTypeFor(status types.JobStatus) string {
	switch status {
	case types.JobProcessing:
		return types.EventJobClaimed
	case types.JobCompleted:
		return types.EventJobCompleted
	case types.JobFailed:
		return types.EventJobFailed
	case types.JobCancelled:
		return types.EventJobCancelled
	case types.JobPending:
		return types.EventJobRequeued
	}
	return "status_changed"
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
