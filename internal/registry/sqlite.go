package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ahodges/stagehand/internal/model"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    user           TEXT NOT NULL,
    provider       TEXT NOT NULL,
    image          TEXT NOT NULL,
    script_name    TEXT NOT NULL,
    script_content TEXT NOT NULL,
    cpus           INTEGER,
    ram_gb         INTEGER,
    boot_disk_gb   INTEGER,
    timeout_ns     INTEGER,
    logging_dir    TEXT,
    created_at     DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
    id         TEXT PRIMARY KEY,
    job_id     TEXT NOT NULL REFERENCES jobs(id),
    idx        TEXT NOT NULL,
    inputs     TEXT NOT NULL,
    outputs    TEXT NOT NULL,
    env        TEXT NOT NULL,
    status     TEXT NOT NULL,
    reason     TEXT,
    exit_code  INTEGER,
    attempt    INTEGER NOT NULL,
    operation  TEXT,
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_job_id ON tasks(job_id);
CREATE TABLE IF NOT EXISTS events (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id   TEXT NOT NULL REFERENCES tasks(id),
    name      TEXT NOT NULL,
    timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS events_task_id ON events(task_id);
`

// ErrNotFound is returned when a job or task is not found.
var ErrNotFound = errors.New("not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every pooled connection to :memory: would be a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a job and all of its tasks in one transaction.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (
			id, name, user, provider, image, script_name, script_content,
			cpus, ram_gb, boot_disk_gb, timeout_ns, logging_dir, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, j.User, j.Provider, j.Image, j.Script.Name, j.Script.Content,
		j.Resources.CPUs, j.Resources.RAMGB, j.Resources.BootDiskGB,
		int64(j.Resources.Timeout), j.LoggingDir, j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	for _, t := range j.Tasks {
		inputs, err := json.Marshal(t.Inputs)
		if err != nil {
			return fmt.Errorf("marshal inputs: %w", err)
		}
		outputs, err := json.Marshal(t.Outputs)
		if err != nil {
			return fmt.Errorf("marshal outputs: %w", err)
		}
		env, err := json.Marshal(t.Env)
		if err != nil {
			return fmt.Errorf("marshal env: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tasks (
				id, job_id, idx, inputs, outputs, env, status, reason,
				exit_code, attempt, operation, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.JobID, t.Index, string(inputs), string(outputs), string(env),
			t.Status, t.Reason, t.ExitCode, t.Attempt, t.Operation, t.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID, including its tasks and their event logs.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j := &model.Job{}
	var timeoutNS int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, user, provider, image, script_name, script_content,
			cpus, ram_gb, boot_disk_gb, timeout_ns, logging_dir, created_at
		FROM jobs WHERE id = ?`, id,
	).Scan(
		&j.ID, &j.Name, &j.User, &j.Provider, &j.Image, &j.Script.Name, &j.Script.Content,
		&j.Resources.CPUs, &j.Resources.RAMGB, &j.Resources.BootDiskGB,
		&timeoutNS, &j.LoggingDir, &j.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	j.Resources.Timeout = time.Duration(timeoutNS)

	tasks, err := s.ListTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	j.Tasks = tasks
	for _, t := range j.Tasks {
		if t.Events, err = s.GetEvents(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	return j, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC, along
// with the total job count. Tasks and events are not loaded.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, name, user, provider, image, script_name, script_content,
			cpus, ram_gb, boot_disk_gb, timeout_ns, logging_dir, created_at
		FROM jobs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j := &model.Job{}
		var timeoutNS int64
		if err := rows.Scan(
			&j.ID, &j.Name, &j.User, &j.Provider, &j.Image, &j.Script.Name, &j.Script.Content,
			&j.Resources.CPUs, &j.Resources.RAMGB, &j.Resources.BootDiskGB,
			&timeoutNS, &j.LoggingDir, &j.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		j.Resources.Timeout = time.Duration(timeoutNS)
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

func scanTask(scan func(dest ...any) error) (*model.Task, error) {
	t := &model.Task{}
	var inputs, outputs, env string
	if err := scan(
		&t.ID, &t.JobID, &t.Index, &inputs, &outputs, &env,
		&t.Status, &t.Reason, &t.ExitCode, &t.Attempt, &t.Operation, &t.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(inputs), &t.Inputs); err != nil {
		return nil, fmt.Errorf("unmarshal inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(outputs), &t.Outputs); err != nil {
		return nil, fmt.Errorf("unmarshal outputs: %w", err)
	}
	if err := json.Unmarshal([]byte(env), &t.Env); err != nil {
		return nil, fmt.Errorf("unmarshal env: %w", err)
	}
	return t, nil
}

const taskColumns = `id, job_id, idx, inputs, outputs, env, status, reason,
	exit_code, attempt, operation, created_at`

// GetTask retrieves a task by ID, including its event log.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if t.Events, err = s.GetEvents(ctx, id); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks returns all tasks of a job ordered by index. Event logs are not loaded.
func (s *SQLiteStore) ListTasks(ctx context.Context, jobID string) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE job_id = ? ORDER BY idx`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTaskStatus applies a status transition inside a transaction,
// rejecting transitions the closed table does not allow. This is what makes
// terminal statuses sticky: a provider racing a cancellation gets
// ErrInvalidTransition instead of overwriting CANCELED.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id, status, reason string, exitCode *int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read task status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE tasks SET status = ?, reason = ?, exit_code = ? WHERE id = ?",
		status, reason, exitCode, id,
	); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SetTaskOperation records the remote operation handle for a task.
func (s *SQLiteStore) SetTaskOperation(ctx context.Context, id, operation string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET operation = ? WHERE id = ?", operation, id)
	if err != nil {
		return fmt.Errorf("set task operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementTaskAttempt bumps the attempt counter and returns the new value.
func (s *SQLiteStore) IncrementTaskAttempt(ctx context.Context, id string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var attempt int
	err = tx.QueryRowContext(ctx, "SELECT attempt FROM tasks WHERE id = ?", id).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read attempt: %w", err)
	}

	attempt++
	if _, err := tx.ExecContext(ctx, "UPDATE tasks SET attempt = ? WHERE id = ?", attempt, id); err != nil {
		return 0, fmt.Errorf("update attempt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return attempt, nil
}

// AppendEvent appends one event to the task's log, clamping the timestamp so
// the log stays non-decreasing even if the caller's clock stepped backwards.
func (s *SQLiteStore) AppendEvent(ctx context.Context, taskID, name string, ts time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// MAX(timestamp) would lose the column's DATETIME affinity and come back
	// as a string, so read the newest row directly.
	var last time.Time
	err = tx.QueryRowContext(ctx,
		"SELECT timestamp FROM events WHERE task_id = ? ORDER BY id DESC LIMIT 1",
		taskID).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read last event: %w", err)
	}
	if err == nil && ts.Before(last) {
		ts = last
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO events (task_id, name, timestamp) VALUES (?, ?, ?)",
		taskID, name, ts.UTC(),
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetEvents returns a task's events in append order.
func (s *SQLiteStore) GetEvents(ctx context.Context, taskID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, timestamp FROM events WHERE task_id = ? ORDER BY id", taskID)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.Name, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// GetTaskStats returns aggregate counts across all jobs and tasks.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &TaskStats{CountByStatus: make(map[string]int)}

	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&stats.TotalJobs); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(attempt), 0) FROM tasks").Scan(&stats.TotalTasks, &stats.TotalAttempts); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	return stats, nil
}
