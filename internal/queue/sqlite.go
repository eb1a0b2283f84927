package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
	"agentflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  description TEXT NOT NULL,
  agent_type TEXT NOT NULL DEFAULT '*',
  priority INTEGER NOT NULL DEFAULT 2,
  status TEXT NOT NULL CHECK(status IN ('pending','assigned','running','completed','failed','timed_out')) DEFAULT 'pending',
  created_at INTEGER NOT NULL,
  assigned_at INTEGER,
  completed_at INTEGER,
  assigned_to TEXT,
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 2,
  timeout_ms INTEGER NOT NULL DEFAULT 0,
  context_refs TEXT NOT NULL DEFAULT '[]',
  output_ref TEXT,
  error TEXT,
  CHECK ((assigned_to IS NOT NULL) = (status IN ('assigned','running')))
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, priority DESC, created_at);
CREATE TABLE IF NOT EXISTS task_deps (
  task_id TEXT NOT NULL,
  depends_on TEXT NOT NULL,
  PRIMARY KEY (task_id, depends_on)
);
CREATE INDEX IF NOT EXISTS idx_task_deps_on ON task_deps(depends_on);
CREATE TABLE IF NOT EXISTS task_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  slot_id TEXT,
  started_at INTEGER,
  finished_at INTEGER NOT NULL,
  outcome TEXT NOT NULL,
  error TEXT
);
CREATE INDEX IF NOT EXISTS idx_task_attempts_task ON task_attempts(task_id);
`
	_, err := db.Exec(schema)
	return err
}

const sqliteDeps = `(SELECT group_concat(depends_on, ',') FROM task_deps WHERE task_id = tasks.id)`

func taskColumns(deps string) string {
	return `id, description, agent_type, priority, status, created_at, assigned_at, completed_at, assigned_to,
retry_count, max_retries, timeout_ms, context_refs, output_ref, error, ` + deps
}

type SQLiteRepo struct {
	db   *sql.DB
	opts Options
}

// OpenSQLite opens (or creates) the database file and applies the schema.
func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLiteRepo, error) {
	if path == "" {
		path = "agentflow.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?mode=rwc&_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return NewSQLiteRepo(db, opts), nil
}

func NewSQLiteRepo(db *sql.DB, opts Options) *SQLiteRepo {
	return &SQLiteRepo{db: db, opts: opts.withDefaults()}
}

// DB returns the underlying database connection.
func (r *SQLiteRepo) DB() *sql.DB { return r.db }

func (r *SQLiteRepo) Close() error { return r.db.Close() }

func (r *SQLiteRepo) now() int64 { return r.opts.Now().UnixNano() }

func (r *SQLiteRepo) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (r *SQLiteRepo) Enqueue(ctx context.Context, t domain.NewTask) (string, error) {
	t, maxRetries, err := prepareNewTask(t, r.opts)
	if err != nil {
		return "", err
	}
	refs, err := encodeRefs(t.ContextRefs)
	if err != nil {
		return "", err
	}
	id := newTaskID()
	err = r.inTx(ctx, func(tx *sql.Tx) error {
		deps, err := checkDependencies(t.DependsOn, func(dep string) (string, error) {
			var status string
			err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, dep).Scan(&status)
			return status, err
		})
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO tasks (id, description, agent_type, priority, status, created_at, retry_count, max_retries, timeout_ms, context_refs)
VALUES (?, ?, ?, ?, 'pending', ?, 0, ?, ?, ?)`,
			id, t.Description, t.AgentType, int(t.Priority), r.now(), maxRetries, t.Timeout.Milliseconds(), refs); err != nil {
			return err
		}
		for _, dep := range deps {
			if _, err := tx.ExecContext(ctx, `INSERT INTO task_deps (task_id, depends_on) VALUES (?, ?)`, id, dep); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// checkDependencies dedupes dependency ids and rejects unknown or already failed ones.
func checkDependencies(deps []string, lookup func(id string) (string, error)) ([]string, error) {
	seen := make(map[string]struct{}, len(deps))
	out := make([]string, 0, len(deps))
	for _, dep := range deps {
		dep = strings.TrimSpace(dep)
		if dep == "" {
			continue
		}
		if _, ok := seen[dep]; ok {
			continue
		}
		seen[dep] = struct{}{}
		status, err := lookup(dep)
		if errors.Is(err, sql.ErrNoRows) || isNoRows(err) {
			return nil, fmt.Errorf("%w: unknown task %s", ErrInvalidDependency, dep)
		}
		if err != nil {
			return nil, err
		}
		if s := domain.Status(status); s == domain.StatusFailed || s == domain.StatusTimedOut {
			return nil, fmt.Errorf("%w: task %s already %s", ErrInvalidDependency, dep, s)
		}
		out = append(out, dep)
	}
	return out, nil
}

// ClaimNext atomically moves the best eligible pending task to assigned.
func (r *SQLiteRepo) ClaimNext(ctx context.Context, slotID string, capabilities []string) (domain.Task, error) {
	now := r.now()
	filter := ""
	var capArgs []any
	if !matchesAll(capabilities) {
		marks := make([]string, len(capabilities))
		for i, c := range capabilities {
			marks[i] = "?"
			capArgs = append(capArgs, c)
		}
		if len(capabilities) == 0 {
			filter = ` AND t.agent_type = '*'`
		} else {
			filter = fmt.Sprintf(` AND (t.agent_type = '*' OR t.agent_type IN (%s))`, strings.Join(marks, ","))
		}
	}
	query := fmt.Sprintf(`
UPDATE tasks
SET status = 'assigned', assigned_to = ?, assigned_at = MAX(?, created_at)
WHERE seq = (
  SELECT t.seq FROM tasks t
  WHERE t.status = 'pending'%s
    AND NOT EXISTS (
      SELECT 1 FROM task_deps d JOIN tasks p ON p.id = d.depends_on
      WHERE d.task_id = t.id AND p.status <> 'completed')
  ORDER BY MIN(3, t.priority + MAX(0, (? - t.created_at) / ?)) DESC, t.created_at ASC, t.seq ASC
  LIMIT 1
) AND status = 'pending'
RETURNING %s`, filter, taskColumns("NULL"))
	args := []any{slotID, now}
	args = append(args, capArgs...)
	args = append(args, now, r.opts.agingStep())

	var task domain.Task
	err := retryOnBusy(ctx, 5, func() error {
		var err error
		task, err = scanTask(r.db.QueryRowContext(ctx, query, args...).Scan)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrEmpty
	}
	if err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

func (r *SQLiteRepo) MarkRunning(ctx context.Context, id string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = 'running' WHERE id = ? AND status = 'assigned'`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		_, err = loadSQLiteState(ctx, tx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is not assigned", ErrInvalidTransition, id)
	})
}

type taskState struct {
	status     domain.Status
	slot       sql.NullString
	assignedAt sql.NullInt64
	createdAt  int64
	retryCount int
	maxRetries int
}

func (s taskState) finishedAt(now int64) int64 {
	floor := s.createdAt
	if s.assignedAt.Valid && s.assignedAt.Int64 > floor {
		floor = s.assignedAt.Int64
	}
	if now < floor {
		return floor
	}
	return now
}

func loadSQLiteState(ctx context.Context, tx *sql.Tx, id string) (taskState, error) {
	var s taskState
	var status string
	err := tx.QueryRowContext(ctx, `
SELECT status, assigned_to, assigned_at, created_at, retry_count, max_retries FROM tasks WHERE id = ?`, id).
		Scan(&status, &s.slot, &s.assignedAt, &s.createdAt, &s.retryCount, &s.maxRetries)
	if errors.Is(err, sql.ErrNoRows) {
		return s, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.status = domain.Status(status)
	return s, err
}

func (r *SQLiteRepo) loadInFlight(ctx context.Context, tx *sql.Tx, id string) (taskState, error) {
	s, err := loadSQLiteState(ctx, tx, id)
	if err != nil {
		return s, err
	}
	if !s.status.InFlight() {
		return s, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, s.status)
	}
	return s, nil
}

func recordSQLiteAttempt(ctx context.Context, tx *sql.Tx, id string, s taskState, finished int64, outcome, errMsg string) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO task_attempts (task_id, slot_id, started_at, finished_at, outcome, error) VALUES (?, ?, ?, ?, ?, ?)`,
		id, s.slot, s.assignedAt, finished, outcome, errMsg)
	return err
}

func (r *SQLiteRepo) Complete(ctx context.Context, id, outputRef string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		s, err := r.loadInFlight(ctx, tx, id)
		if err != nil {
			return err
		}
		done := s.finishedAt(r.now())
		if _, err := tx.ExecContext(ctx, `
UPDATE tasks SET status = 'completed', assigned_to = NULL, completed_at = ?, output_ref = ?, error = NULL
WHERE id = ? AND status IN ('assigned','running')`, done, outputRef, id); err != nil {
			return err
		}
		return recordSQLiteAttempt(ctx, tx, id, s, done, string(domain.StatusCompleted), "")
	})
}

func (r *SQLiteRepo) Fail(ctx context.Context, id string, f domain.Failure) (domain.Status, error) {
	var result domain.Status
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		s, err := r.loadInFlight(ctx, tx, id)
		if err != nil {
			return err
		}
		done := s.finishedAt(r.now())
		outcome := string(terminalFor(f))
		if f.Retryable && s.retryCount < s.maxRetries {
			result = domain.StatusPending
			if _, err := tx.ExecContext(ctx, `
UPDATE tasks SET status = 'pending', assigned_to = NULL, retry_count = retry_count + 1, error = ?
WHERE id = ? AND status IN ('assigned','running')`, f.Error, id); err != nil {
				return err
			}
		} else {
			result = terminalFor(f)
			if err := r.finishSQLite(ctx, tx, id, result, f.Error, done); err != nil {
				return err
			}
		}
		return recordSQLiteAttempt(ctx, tx, id, s, done, outcome, f.Error)
	})
	return result, err
}

// Release hands an interrupted task back to the queue without consuming a retry.
func (r *SQLiteRepo) Release(ctx context.Context, id, reason string) (domain.Status, error) {
	var result domain.Status
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		s, err := r.loadInFlight(ctx, tx, id)
		if err != nil {
			return err
		}
		done := s.finishedAt(r.now())
		if s.retryCount < s.maxRetries {
			result = domain.StatusPending
			if _, err := tx.ExecContext(ctx, `
UPDATE tasks SET status = 'pending', assigned_to = NULL, error = ?
WHERE id = ? AND status IN ('assigned','running')`, reason, id); err != nil {
				return err
			}
		} else {
			result = domain.StatusFailed
			if err := r.finishSQLite(ctx, tx, id, result, reason, done); err != nil {
				return err
			}
		}
		return recordSQLiteAttempt(ctx, tx, id, s, done, "released", reason)
	})
	return result, err
}

// Cancel fails a task that has not been claimed yet.
func (r *SQLiteRepo) Cancel(ctx context.Context, id, reason string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		s, err := loadSQLiteState(ctx, tx, id)
		if err != nil {
			return err
		}
		if s.status != domain.StatusPending {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, s.status)
		}
		return r.finishSQLite(ctx, tx, id, domain.StatusFailed, reason, s.finishedAt(r.now()))
	})
}

// finishSQLite writes a terminal failure and fails pending dependents transitively.
func (r *SQLiteRepo) finishSQLite(ctx context.Context, tx *sql.Tx, id string, status domain.Status, errMsg string, done int64) error {
	if _, err := tx.ExecContext(ctx, `
UPDATE tasks SET status = ?, assigned_to = NULL, completed_at = ?, error = ? WHERE id = ?`,
		string(status), done, errMsg, id); err != nil {
		return err
	}
	queue := []string{id}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		rows, err := tx.QueryContext(ctx, `
UPDATE tasks SET status = 'failed', completed_at = MAX(?, created_at), error = ?
WHERE status = 'pending' AND id IN (SELECT task_id FROM task_deps WHERE depends_on = ?)
RETURNING id`, done, dependencyError(parent), parent)
		if err != nil {
			return err
		}
		for rows.Next() {
			var child string
			if err := rows.Scan(&child); err != nil {
				rows.Close()
				return err
			}
			queue = append(queue, child)
		}
		if err := rows.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (r *SQLiteRepo) ReapOrphaned(ctx context.Context, active []string) (ReapResult, error) {
	live := make(map[string]struct{}, len(active))
	for _, id := range active {
		live[id] = struct{}{}
	}
	var res ReapResult
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res = ReapResult{}
		rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE status IN ('assigned','running') ORDER BY seq`)
		if err != nil {
			return err
		}
		var orphans []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			if _, ok := live[id]; !ok {
				orphans = append(orphans, id)
			}
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for _, id := range orphans {
			s, err := loadSQLiteState(ctx, tx, id)
			if err != nil {
				return err
			}
			done := s.finishedAt(r.now())
			if s.retryCount < s.maxRetries {
				if _, err := tx.ExecContext(ctx, `
UPDATE tasks SET status = 'pending', assigned_to = NULL, retry_count = retry_count + 1, error = ?
WHERE id = ?`, orphanedError, id); err != nil {
					return err
				}
				res.Requeued = append(res.Requeued, id)
			} else {
				if err := r.finishSQLite(ctx, tx, id, domain.StatusFailed, orphanedError, done); err != nil {
					return err
				}
				res.Failed = append(res.Failed, id)
			}
			if err := recordSQLiteAttempt(ctx, tx, id, s, done, orphanedError, orphanedError); err != nil {
				return err
			}
		}
		return nil
	})
	return res, err
}

func (r *SQLiteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns(sqliteDeps)+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

func (r *SQLiteRepo) List(ctx context.Context, f Filter) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns(sqliteDeps) + ` FROM tasks`
	var args []any
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ",") + `)`
	}
	query += ` ORDER BY created_at ASC, seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *SQLiteRepo) Attempts(ctx context.Context, id string) ([]domain.Attempt, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT task_id, slot_id, started_at, finished_at, outcome, error FROM task_attempts WHERE task_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAttempt(scan func(dest ...any) error) (domain.Attempt, error) {
	var a domain.Attempt
	var slot, errMsg sql.NullString
	var started sql.NullInt64
	var finished int64
	if err := scan(&a.TaskID, &slot, &started, &finished, &a.Outcome, &errMsg); err != nil {
		return a, err
	}
	a.SlotID = slot.String
	a.StartedAt = nanosPtr(started)
	a.FinishedAt = time.Unix(0, finished).UTC()
	a.Error = errMsg.String
	return a, nil
}

func (r *SQLiteRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		ids = nil
		rows, err := tx.QueryContext(ctx, `
DELETE FROM tasks WHERE status IN ('completed','failed','timed_out') AND completed_at < ? RETURNING id`, cutoff.UnixNano())
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE task_id NOT IN (SELECT id FROM tasks)`); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM task_attempts WHERE task_id NOT IN (SELECT id FROM tasks)`)
		return err
	})
	return ids, err
}
