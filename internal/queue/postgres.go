package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"agentflow/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tasks (
  seq BIGSERIAL PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  description TEXT NOT NULL,
  agent_type TEXT NOT NULL DEFAULT '*',
  priority INTEGER NOT NULL DEFAULT 2,
  status TEXT NOT NULL DEFAULT 'pending'
    CHECK (status IN ('pending','assigned','running','completed','failed','timed_out')),
  created_at BIGINT NOT NULL,
  assigned_at BIGINT,
  completed_at BIGINT,
  assigned_to TEXT,
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 2,
  timeout_ms BIGINT NOT NULL DEFAULT 0,
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
  id BIGSERIAL PRIMARY KEY,
  task_id TEXT NOT NULL,
  slot_id TEXT,
  started_at BIGINT,
  finished_at BIGINT NOT NULL,
  outcome TEXT NOT NULL,
  error TEXT
);
CREATE INDEX IF NOT EXISTS idx_task_attempts_task ON task_attempts(task_id);
`

const postgresDeps = `(SELECT string_agg(depends_on, ',') FROM task_deps WHERE task_id = tasks.id)`

// PostgresRepo lets several orchestrators share one queue; claims skip rows locked by peers.
type PostgresRepo struct {
	pool *pgxpool.Pool
	opts Options
}

func OpenPostgres(ctx context.Context, dsn string, opts Options) (*PostgresRepo, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("error parsing database config: %w", err)
	}
	config.HealthCheckPeriod = 1 * time.Minute
	if opts.MaxConns > 0 {
		config.MaxConns = int32(opts.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}
	repo, err := NewPostgresRepo(ctx, pool, opts)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// NewPostgresRepo applies the schema on an existing pool.
func NewPostgresRepo(ctx context.Context, pool *pgxpool.Pool, opts Options) (*PostgresRepo, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresRepo{pool: pool, opts: opts.withDefaults()}, nil
}

func (r *PostgresRepo) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepo) now() int64 { return r.opts.Now().UnixNano() }

func isNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }

func (r *PostgresRepo) Enqueue(ctx context.Context, t domain.NewTask) (string, error) {
	t, maxRetries, err := prepareNewTask(t, r.opts)
	if err != nil {
		return "", err
	}
	refs, err := encodeRefs(t.ContextRefs)
	if err != nil {
		return "", err
	}
	id := newTaskID()
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		deps, err := checkDependencies(t.DependsOn, func(dep string) (string, error) {
			var status string
			err := tx.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1 FOR SHARE`, dep).Scan(&status)
			return status, err
		})
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO tasks (id, description, agent_type, priority, status, created_at, retry_count, max_retries, timeout_ms, context_refs)
VALUES ($1, $2, $3, $4, 'pending', $5, 0, $6, $7, $8)`,
			id, t.Description, t.AgentType, int(t.Priority), r.now(), maxRetries, t.Timeout.Milliseconds(), refs); err != nil {
			return err
		}
		for _, dep := range deps {
			if _, err := tx.Exec(ctx, `INSERT INTO task_deps (task_id, depends_on) VALUES ($1, $2)`, id, dep); err != nil {
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

func (r *PostgresRepo) ClaimNext(ctx context.Context, slotID string, capabilities []string) (domain.Task, error) {
	caps := capabilities
	if caps == nil {
		caps = []string{}
	}
	query := `
UPDATE tasks
SET status = 'assigned', assigned_to = $1, assigned_at = GREATEST($2::bigint, created_at)
WHERE seq = (
  SELECT t.seq FROM tasks t
  WHERE t.status = 'pending'
    AND ($3::boolean OR t.agent_type = '*' OR t.agent_type = ANY($4::text[]))
    AND NOT EXISTS (
      SELECT 1 FROM task_deps d JOIN tasks p ON p.id = d.depends_on
      WHERE d.task_id = t.id AND p.status <> 'completed')
  ORDER BY LEAST(3, t.priority + GREATEST(0, ($2::bigint - t.created_at) / $5::bigint)) DESC, t.created_at ASC, t.seq ASC
  LIMIT 1
  FOR UPDATE SKIP LOCKED
) AND status = 'pending'
RETURNING ` + taskColumns("NULL")
	row := r.pool.QueryRow(ctx, query, slotID, r.now(), matchesAll(capabilities), caps, r.opts.agingStep())
	task, err := scanTask(row.Scan)
	if isNoRows(err) {
		return domain.Task{}, ErrEmpty
	}
	if err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

func (r *PostgresRepo) MarkRunning(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE tasks SET status = 'running' WHERE id = $1 AND status = 'assigned'`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		if _, err := loadPostgresState(ctx, tx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is not assigned", ErrInvalidTransition, id)
	})
}

func loadPostgresState(ctx context.Context, tx pgx.Tx, id string) (taskState, error) {
	var s taskState
	var status string
	err := tx.QueryRow(ctx, `
SELECT status, assigned_to, assigned_at, created_at, retry_count, max_retries FROM tasks WHERE id = $1 FOR UPDATE`, id).
		Scan(&status, &s.slot, &s.assignedAt, &s.createdAt, &s.retryCount, &s.maxRetries)
	if isNoRows(err) {
		return s, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.status = domain.Status(status)
	return s, err
}

func loadPostgresInFlight(ctx context.Context, tx pgx.Tx, id string) (taskState, error) {
	s, err := loadPostgresState(ctx, tx, id)
	if err != nil {
		return s, err
	}
	if !s.status.InFlight() {
		return s, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, s.status)
	}
	return s, nil
}

func recordPostgresAttempt(ctx context.Context, tx pgx.Tx, id string, s taskState, finished int64, outcome, errMsg string) error {
	_, err := tx.Exec(ctx, `
INSERT INTO task_attempts (task_id, slot_id, started_at, finished_at, outcome, error) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, s.slot, s.assignedAt, finished, outcome, errMsg)
	return err
}

func (r *PostgresRepo) Complete(ctx context.Context, id, outputRef string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		s, err := loadPostgresInFlight(ctx, tx, id)
		if err != nil {
			return err
		}
		done := s.finishedAt(r.now())
		if _, err := tx.Exec(ctx, `
UPDATE tasks SET status = 'completed', assigned_to = NULL, completed_at = $1, output_ref = $2, error = NULL
WHERE id = $3`, done, outputRef, id); err != nil {
			return err
		}
		return recordPostgresAttempt(ctx, tx, id, s, done, string(domain.StatusCompleted), "")
	})
}

func (r *PostgresRepo) Fail(ctx context.Context, id string, f domain.Failure) (domain.Status, error) {
	var result domain.Status
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		s, err := loadPostgresInFlight(ctx, tx, id)
		if err != nil {
			return err
		}
		done := s.finishedAt(r.now())
		if f.Retryable && s.retryCount < s.maxRetries {
			result = domain.StatusPending
			if _, err := tx.Exec(ctx, `
UPDATE tasks SET status = 'pending', assigned_to = NULL, retry_count = retry_count + 1, error = $1
WHERE id = $2`, f.Error, id); err != nil {
				return err
			}
		} else {
			result = terminalFor(f)
			if err := finishPostgres(ctx, tx, id, result, f.Error, done); err != nil {
				return err
			}
		}
		return recordPostgresAttempt(ctx, tx, id, s, done, string(terminalFor(f)), f.Error)
	})
	return result, err
}

func (r *PostgresRepo) Release(ctx context.Context, id, reason string) (domain.Status, error) {
	var result domain.Status
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		s, err := loadPostgresInFlight(ctx, tx, id)
		if err != nil {
			return err
		}
		done := s.finishedAt(r.now())
		if s.retryCount < s.maxRetries {
			result = domain.StatusPending
			if _, err := tx.Exec(ctx, `
UPDATE tasks SET status = 'pending', assigned_to = NULL, error = $1 WHERE id = $2`, reason, id); err != nil {
				return err
			}
		} else {
			result = domain.StatusFailed
			if err := finishPostgres(ctx, tx, id, result, reason, done); err != nil {
				return err
			}
		}
		return recordPostgresAttempt(ctx, tx, id, s, done, "released", reason)
	})
	return result, err
}

func (r *PostgresRepo) Cancel(ctx context.Context, id, reason string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		s, err := loadPostgresState(ctx, tx, id)
		if err != nil {
			return err
		}
		if s.status != domain.StatusPending {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, s.status)
		}
		return finishPostgres(ctx, tx, id, domain.StatusFailed, reason, s.finishedAt(r.now()))
	})
}

func finishPostgres(ctx context.Context, tx pgx.Tx, id string, status domain.Status, errMsg string, done int64) error {
	if _, err := tx.Exec(ctx, `
UPDATE tasks SET status = $1, assigned_to = NULL, completed_at = $2, error = $3 WHERE id = $4`,
		string(status), done, errMsg, id); err != nil {
		return err
	}
	queue := []string{id}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		rows, err := tx.Query(ctx, `
UPDATE tasks SET status = 'failed', completed_at = GREATEST($1::bigint, created_at), error = $2
WHERE status = 'pending' AND id IN (SELECT task_id FROM task_deps WHERE depends_on = $3)
RETURNING id`, done, dependencyError(parent), parent)
		if err != nil {
			return err
		}
		children, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		queue = append(queue, children...)
	}
	return nil
}

func (r *PostgresRepo) ReapOrphaned(ctx context.Context, active []string) (ReapResult, error) {
	live := make(map[string]struct{}, len(active))
	for _, id := range active {
		live[id] = struct{}{}
	}
	var res ReapResult
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		res = ReapResult{}
		rows, err := tx.Query(ctx, `SELECT id FROM tasks WHERE status IN ('assigned','running') ORDER BY seq FOR UPDATE`)
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := live[id]; ok {
				continue
			}
			s, err := loadPostgresState(ctx, tx, id)
			if err != nil {
				return err
			}
			done := s.finishedAt(r.now())
			if s.retryCount < s.maxRetries {
				if _, err := tx.Exec(ctx, `
UPDATE tasks SET status = 'pending', assigned_to = NULL, retry_count = retry_count + 1, error = $1 WHERE id = $2`,
					orphanedError, id); err != nil {
					return err
				}
				res.Requeued = append(res.Requeued, id)
			} else {
				if err := finishPostgres(ctx, tx, id, domain.StatusFailed, orphanedError, done); err != nil {
					return err
				}
				res.Failed = append(res.Failed, id)
			}
			if err := recordPostgresAttempt(ctx, tx, id, s, done, orphanedError, orphanedError); err != nil {
				return err
			}
		}
		return nil
	})
	return res, err
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns(postgresDeps)+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row.Scan)
	if isNoRows(err) {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

func (r *PostgresRepo) List(ctx context.Context, f Filter) ([]domain.Task, error) {
	statuses := make([]string, 0, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses = append(statuses, string(s))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.pool.Query(ctx, `SELECT `+taskColumns(postgresDeps)+` FROM tasks
WHERE (cardinality($1::text[]) = 0 OR status = ANY($1::text[]))
ORDER BY created_at ASC, seq ASC
LIMIT CASE WHEN $2::int < 0 THEN NULL ELSE $2::int END`, statuses, limit)
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

func (r *PostgresRepo) Attempts(ctx context.Context, id string) ([]domain.Attempt, error) {
	rows, err := r.pool.Query(ctx, `
SELECT task_id, slot_id, started_at, finished_at, outcome, error FROM task_attempts WHERE task_id = $1 ORDER BY id`, id)
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

func (r *PostgresRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
DELETE FROM tasks WHERE status IN ('completed','failed','timed_out') AND completed_at < $1 RETURNING id`, cutoff.UnixNano())
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM task_deps WHERE task_id = ANY($1::text[])`, ids); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM task_attempts WHERE task_id = ANY($1::text[])`, ids)
		return err
	})
	return ids, err
}

var _ Repository = (*PostgresRepo)(nil)
var _ Repository = (*SQLiteRepo)(nil)
