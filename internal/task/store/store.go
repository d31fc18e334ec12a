// Package store persists the task queue in SQLite and exposes the queue
// operations used by the scheduler, the executor, and ingress adapters.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/common/pathguard"
	"github.com/taskloop/taskloop/internal/common/tracing"
	"github.com/taskloop/taskloop/internal/db"
	"github.com/taskloop/taskloop/internal/task/models"
)

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = errors.New("task not found")

// Store provides durable task queue operations backed by SQLite.
// Writes go through a single-connection writer; reads use a read-only pool.
type Store struct {
	db     *sqlx.DB
	reader *sqlx.DB
	logger *logger.Logger
}

// New opens (or creates) the task database at dbPath and prepares the schema.
func New(dbPath string, log *logger.Logger) (*Store, error) {
	writer, err := db.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}

	s := &Store{
		db:     sqlx.NewDb(writer, "sqlite3"),
		reader: sqlx.NewDb(reader, "sqlite3"),
		logger: log,
	}

	if err := s.initSchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	s.runMigrations()

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		prompt TEXT NOT NULL,
		project_path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		priority TEXT NOT NULL DEFAULT 'medium',
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		error_type TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		iteration INTEGER NOT NULL DEFAULT 0,
		max_iterations INTEGER NOT NULL DEFAULT 10,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		retry_after DATETIME,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		created_by TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		depends_on INTEGER REFERENCES tasks(id),
		progress_tool_calls INTEGER NOT NULL DEFAULT 0,
		progress_last_tool TEXT NOT NULL DEFAULT '',
		progress_last_message TEXT NOT NULL DEFAULT '',
		progress_updated_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority);
	CREATE INDEX IF NOT EXISTS idx_tasks_retry_after ON tasks(retry_after);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies forward-only column additions for databases created
// by earlier versions. Errors are ignored: the columns usually already exist.
func (s *Store) runMigrations() {
	_, _ = s.db.Exec(`ALTER TABLE tasks ADD COLUMN depends_on INTEGER REFERENCES tasks(id)`)
	_, _ = s.db.Exec(`ALTER TABLE tasks ADD COLUMN progress_tool_calls INTEGER NOT NULL DEFAULT 0`)
	_, _ = s.db.Exec(`ALTER TABLE tasks ADD COLUMN progress_last_tool TEXT NOT NULL DEFAULT ''`)
	_, _ = s.db.Exec(`ALTER TABLE tasks ADD COLUMN progress_last_message TEXT NOT NULL DEFAULT ''`)
	_, _ = s.db.Exec(`ALTER TABLE tasks ADD COLUMN progress_updated_at DATETIME`)
}

// Close runs PRAGMA optimize and closes both connection pools.
func (s *Store) Close() {
	if _, err := s.db.Exec("PRAGMA optimize"); err != nil {
		s.logger.Warn("Failed to optimize database on close", zap.Error(err))
	}
	if err := s.reader.Close(); err != nil {
		s.logger.Warn("Failed to close reader pool", zap.Error(err))
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn("Failed to close database", zap.Error(err))
	}
}

// CreateTaskRequest carries the caller-supplied fields for a new task.
type CreateTaskRequest struct {
	Prompt        string
	ProjectPath   string
	Priority      models.Priority
	MaxIterations int
	MaxRetries    int
	CreatedBy     string
	Source        string
	DependsOn     *int64
}

// Create validates and inserts a new task, returning the stored row.
func (s *Store) Create(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	ctx, span := tracing.Tracer("store").Start(ctx, "store.create")
	defer span.End()

	if err := models.ValidatePrompt(req.Prompt); err != nil {
		return nil, err
	}
	if err := pathguard.Validate(req.ProjectPath); err != nil {
		return nil, err
	}

	priority := req.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("invalid priority: %s", priority)
	}

	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = models.DefaultMaxIterations
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = models.DefaultMaxRetries
	}

	if req.DependsOn != nil {
		if _, err := s.Get(ctx, *req.DependsOn); err != nil {
			return nil, fmt.Errorf("depends_on references unknown task %d: %w", *req.DependsOn, err)
		}
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tasks (prompt, project_path, status, priority, max_iterations, max_retries,
			created_at, created_by, source, depends_on)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		req.Prompt, req.ProjectPath, models.StatusPending, priority,
		maxIterations, maxRetries, now, req.CreatedBy, req.Source, req.DependsOn)
	if err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read inserted task id: %w", err)
	}

	task, err := s.getFromWriter(ctx, id)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Task created",
		zap.Int64("task_id", id),
		zap.String("priority", string(priority)),
		zap.String("source", req.Source))

	return task, nil
}

// Get returns the task with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*models.Task, error) {
	var task models.Task
	err := s.reader.GetContext(ctx, &task, s.reader.Rebind(`SELECT * FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %d: %w", id, err)
	}
	return &task, nil
}

// getFromWriter reads through the writer connection so rows inserted in the
// same call are visible regardless of WAL checkpointing.
func (s *Store) getFromWriter(ctx context.Context, id int64) (*models.Task, error) {
	var task models.Task
	err := s.db.GetContext(ctx, &task, s.db.Rebind(`SELECT * FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %d: %w", id, err)
	}
	return &task, nil
}

// priorityRankSQL orders urgent before high before medium before low.
const priorityRankSQL = `CASE priority
	WHEN 'urgent' THEN 0
	WHEN 'high' THEN 1
	WHEN 'medium' THEN 2
	ELSE 3
END`

// GetNextRetryable returns the eligible pending task with the best
// (priority rank, created_at) key, or nil when the queue is empty.
// A task is eligible when its retry_after has elapsed and its dependency,
// if any, is done.
func (s *Store) GetNextRetryable(ctx context.Context) (*models.Task, error) {
	ctx, span := tracing.Tracer("store").Start(ctx, "store.get_next_retryable")
	defer span.End()

	var task models.Task
	query := `
		SELECT * FROM tasks t
		WHERE t.status = 'pending'
		  AND (t.retry_after IS NULL OR t.retry_after <= ?)
		  AND (t.depends_on IS NULL OR EXISTS (
			SELECT 1 FROM tasks p WHERE p.id = t.depends_on AND p.status = 'done'
		  ))
		ORDER BY ` + priorityRankSQL + `, t.created_at ASC, t.id ASC
		LIMIT 1`
	err := s.db.GetContext(ctx, &task, s.db.Rebind(query), time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get next task: %w", err)
	}
	return &task, nil
}

// GetRunning returns the currently running task, or nil. At most one exists.
func (s *Store) GetRunning(ctx context.Context) (*models.Task, error) {
	var task models.Task
	err := s.db.GetContext(ctx, &task, `SELECT * FROM tasks WHERE status = 'running' LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get running task: %w", err)
	}
	return &task, nil
}

// SetRunning transitions a pending task to running and records the session id.
func (s *Store) SetRunning(ctx context.Context, id int64, sessionID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = 'running', session_id = ?, started_at = ?
		WHERE id = ? AND status = 'pending'`),
		sessionID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set task %d running: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d is not pending", id)
	}
	return nil
}

// SetDone transitions a running task to done with its result.
// A task already in a terminal state is left untouched.
func (s *Store) SetDone(ctx context.Context, id int64, result string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = 'done', result = ?, completed_at = ?
		WHERE id = ? AND status = 'running'`),
		result, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set task %d done: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Warn("SetDone skipped: task not running", zap.Int64("task_id", id))
	}
	return nil
}

// SetFailed transitions a running task to failed with diagnostics.
// A task already in a terminal state is left untouched.
func (s *Store) SetFailed(ctx context.Context, id int64, errMsg string, errType models.ErrorType) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = 'failed', error = ?, error_type = ?, completed_at = ?
		WHERE id = ? AND status = 'running'`),
		errMsg, errType, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set task %d failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Warn("SetFailed skipped: task not running", zap.Int64("task_id", id))
	}
	return nil
}

// Cancel cancels a pending task. Returns true iff the row was pending.
func (s *Store) Cancel(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = 'cancelled', completed_at = ?
		WHERE id = ? AND status = 'pending'`),
		time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel task %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ResetToPending returns an orphaned running task to the queue, clearing
// its session, start time, and iteration counter.
func (s *Store) ResetToPending(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = 'pending', session_id = '', started_at = NULL, iteration = 0
		WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to reset task %d: %w", id, err)
	}
	return nil
}

// ScheduleRetry returns a failed-in-flight task to the queue with a delay.
// Returns false without modifying the row when retries are exhausted.
func (s *Store) ScheduleRetry(ctx context.Context, id int64, delay time.Duration) (bool, error) {
	retryAfter := time.Now().UTC().Add(delay)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = 'pending', retry_count = retry_count + 1, retry_after = ?,
			iteration = 0, session_id = '', started_at = NULL, error = ''
		WHERE id = ? AND retry_count < max_retries`),
		retryAfter, id)
	if err != nil {
		return false, fmt.Errorf("failed to schedule retry for task %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		s.logger.Info("Task scheduled for retry",
			zap.Int64("task_id", id),
			zap.Duration("delay", delay))
	}
	return n == 1, nil
}

// IncrementIteration bumps the iteration counter and returns the new value.
func (s *Store) IncrementIteration(ctx context.Context, id int64) (int, error) {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET iteration = iteration + 1 WHERE id = ?`), id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment iteration for task %d: %w", id, err)
	}
	var iteration int
	if err := s.db.GetContext(ctx, &iteration, s.db.Rebind(`SELECT iteration FROM tasks WHERE id = ?`), id); err != nil {
		return 0, fmt.Errorf("failed to read iteration for task %d: %w", id, err)
	}
	return iteration, nil
}

// UpdateSessionID persists the runner session handle for a task.
func (s *Store) UpdateSessionID(ctx context.Context, id int64, sessionID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET session_id = ? WHERE id = ?`), sessionID, id)
	if err != nil {
		return fmt.Errorf("failed to update session for task %d: %w", id, err)
	}
	return nil
}

// ProgressUpdate carries observational progress captured while the agent works.
type ProgressUpdate struct {
	ToolCalls   int
	LastTool    string
	LastMessage string
}

// UpdateProgress persists progress counters. The last message is truncated
// to MaxProgressMessageLength.
func (s *Store) UpdateProgress(ctx context.Context, id int64, p ProgressUpdate) error {
	msg := p.LastMessage
	if len(msg) > models.MaxProgressMessageLength {
		cut := models.MaxProgressMessageLength
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET progress_tool_calls = ?, progress_last_tool = ?,
			progress_last_message = ?, progress_updated_at = ?
		WHERE id = ?`),
		p.ToolCalls, p.LastTool, msg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update progress for task %d: %w", id, err)
	}
	return nil
}

// GetDependentTasks returns the pending children of a parent task.
func (s *Store) GetDependentTasks(ctx context.Context, parentID int64) ([]*models.Task, error) {
	var tasks []*models.Task
	err := s.db.SelectContext(ctx, &tasks, s.db.Rebind(`
		SELECT * FROM tasks WHERE depends_on = ? AND status = 'pending' ORDER BY id ASC`), parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get dependents of task %d: %w", parentID, err)
	}
	return tasks, nil
}

// FailDependentTasks fails all pending children of a failed parent in one
// atomic update, stamping them with error_type=dependency_failed.
// Returns the number of tasks failed.
func (s *Store) FailDependentTasks(ctx context.Context, parentID int64, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = 'failed', error = ?, error_type = ?, completed_at = ?
		WHERE depends_on = ? AND status = 'pending'`),
		reason, models.ErrorTypeDependencyFailed, time.Now().UTC(), parentID)
	if err != nil {
		return 0, fmt.Errorf("failed to cascade failure of task %d: %w", parentID, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Failed dependent tasks",
			zap.Int64("parent_id", parentID),
			zap.Int64("count", n))
	}
	return n, nil
}

// List returns tasks, newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status models.Status, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	var tasks []*models.Task
	var err error
	if status == "" {
		err = s.reader.SelectContext(ctx, &tasks,
			s.reader.Rebind(`SELECT * FROM tasks ORDER BY id DESC LIMIT ?`), limit)
	} else {
		err = s.reader.SelectContext(ctx, &tasks,
			s.reader.Rebind(`SELECT * FROM tasks WHERE status = ? ORDER BY id DESC LIMIT ?`), status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// QueueStats summarizes the queue for the status API.
type QueueStats struct {
	ByStatus         map[string]int `json:"by_status"`
	ByPriority       map[string]int `json:"by_priority"`
	OldestPendingAge string         `json:"oldest_pending_age,omitempty"`
}

// Stats returns per-status and per-priority counts plus the age of the
// oldest pending task.
func (s *Store) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{
		ByStatus:   make(map[string]int),
		ByPriority: make(map[string]int),
	}

	rows, err := s.reader.QueryxContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prows, err := s.reader.QueryxContext(ctx,
		`SELECT priority, COUNT(*) FROM tasks WHERE status = 'pending' GROUP BY priority`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by priority: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var priority string
		var count int
		if err := prows.Scan(&priority, &count); err != nil {
			return nil, err
		}
		stats.ByPriority[priority] = count
	}
	if err := prows.Err(); err != nil {
		return nil, err
	}

	// MIN() strips the column's declared type, so the driver would hand back
	// a string; select the raw column instead.
	var oldest time.Time
	err = s.reader.GetContext(ctx, &oldest,
		`SELECT created_at FROM tasks WHERE status = 'pending' ORDER BY created_at LIMIT 1`)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read oldest pending task: %w", err)
	}
	if err == nil {
		stats.OldestPendingAge = time.Since(oldest).Round(time.Second).String()
	}

	return stats, nil
}
