package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"agentflow/internal/domain"
)

var (
	ErrEmpty             = errors.New("no tasks ready")
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrInvalidDependency = errors.New("invalid task dependency")
)

// Repository is the durable task table. ClaimNext is the only cross-slot point of
// mutual exclusion and every implementation must execute it as one conditional update.
type Repository interface {
	Enqueue(ctx context.Context, t domain.NewTask) (string, error)
	ClaimNext(ctx context.Context, slotID string, capabilities []string) (domain.Task, error)
	MarkRunning(ctx context.Context, id string) error
	Complete(ctx context.Context, id, outputRef string) error
	Fail(ctx context.Context, id string, f domain.Failure) (domain.Status, error)
	Release(ctx context.Context, id, reason string) (domain.Status, error)
	Cancel(ctx context.Context, id, reason string) error
	ReapOrphaned(ctx context.Context, active []string) (ReapResult, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, f Filter) ([]domain.Task, error)
	Attempts(ctx context.Context, id string) ([]domain.Attempt, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	Close() error
}

type Filter struct {
	Statuses []domain.Status
	Limit    int
}

type ReapResult struct {
	Requeued []string
	Failed   []string
}

type Options struct {
	// DefaultMaxRetries applies when a task does not set its own.
	DefaultMaxRetries int
	// StarvationThreshold promotes a waiting task one tier per elapsed threshold. Zero disables aging.
	StarvationThreshold time.Duration
	// MaxConns caps the PostgreSQL pool; SQLite always uses a single connection.
	MaxConns int
	Now      func() time.Time
}

func (o Options) withDefaults() Options {
	if o.DefaultMaxRetries < 0 {
		o.DefaultMaxRetries = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func (o Options) agingStep() int64 {
	if o.StarvationThreshold <= 0 {
		return math.MaxInt64
	}
	return int64(o.StarvationThreshold)
}

const orphanedError = "orphaned"

// Open picks the backend by driver name.
func Open(ctx context.Context, driver, dsn string, opts Options) (Repository, error) {
	switch driver {
	case "", "sqlite":
		return OpenSQLite(ctx, dsn, opts)
	case "postgres", "pgx":
		return OpenPostgres(ctx, dsn, opts)
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}

func newTaskID() string { return "tsk_" + uuid.NewString() }

func prepareNewTask(t domain.NewTask, opts Options) (domain.NewTask, int, error) {
	if err := t.Validate(); err != nil {
		return t, 0, err
	}
	if strings.TrimSpace(t.AgentType) == "" {
		t.AgentType = domain.AnyAgent
	}
	if t.Priority == 0 {
		t.Priority = domain.PriorityNormal
	}
	if t.Priority < domain.PriorityLow || t.Priority > domain.PriorityHigh {
		return t, 0, fmt.Errorf("%w: priority %d out of range", domain.ErrInvalid, t.Priority)
	}
	maxRetries := opts.DefaultMaxRetries
	if t.MaxRetries != nil {
		if *t.MaxRetries < 0 {
			return t, 0, fmt.Errorf("%w: max_retries must be >= 0", domain.ErrInvalid)
		}
		maxRetries = *t.MaxRetries
	}
	// Timeouts are stored in whole milliseconds; round up so a tiny timeout
	// never reads back as "use the default".
	t.Timeout = (t.Timeout + time.Millisecond - 1).Truncate(time.Millisecond)
	return t, maxRetries, nil
}

// matchesAll reports whether a capability set accepts every agent type.
func matchesAll(capabilities []string) bool {
	for _, c := range capabilities {
		if c == domain.AnyAgent {
			return true
		}
	}
	return false
}

func terminalFor(f domain.Failure) domain.Status {
	if f.TimedOut {
		return domain.StatusTimedOut
	}
	return domain.StatusFailed
}

func dependencyError(id string) string {
	return fmt.Sprintf("dependency %s did not complete", id)
}

// taskRow mirrors the column list shared by both backends.
type taskRow struct {
	id, description, agentType string
	priority                   int
	status                     string
	createdAt                  int64
	assignedAt, completedAt    sql.NullInt64
	assignedTo                 sql.NullString
	retryCount, maxRetries     int
	timeoutMs                  int64
	contextRefs                string
	outputRef, errMsg, deps    sql.NullString
}

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var r taskRow
	if err := scan(&r.id, &r.description, &r.agentType, &r.priority, &r.status, &r.createdAt,
		&r.assignedAt, &r.completedAt, &r.assignedTo, &r.retryCount, &r.maxRetries, &r.timeoutMs,
		&r.contextRefs, &r.outputRef, &r.errMsg, &r.deps); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:          r.id,
		Description: r.description,
		AgentType:   r.agentType,
		Priority:    domain.Priority(r.priority),
		Status:      domain.Status(r.status),
		CreatedAt:   time.Unix(0, r.createdAt).UTC(),
		AssignedAt:  nanosPtr(r.assignedAt),
		CompletedAt: nanosPtr(r.completedAt),
		AssignedTo:  r.assignedTo.String,
		RetryCount:  r.retryCount,
		MaxRetries:  r.maxRetries,
		Timeout:     time.Duration(r.timeoutMs) * time.Millisecond,
		OutputRef:   r.outputRef.String,
		Error:       r.errMsg.String,
	}
	if r.contextRefs != "" && r.contextRefs != "null" {
		if err := json.Unmarshal([]byte(r.contextRefs), &t.ContextRefs); err != nil {
			return domain.Task{}, fmt.Errorf("decode context refs for %s: %w", r.id, err)
		}
	}
	if r.deps.Valid && r.deps.String != "" {
		t.DependsOn = strings.Split(r.deps.String, ",")
	}
	return t, nil
}

func nanosPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func encodeRefs(refs []domain.ContextRef) (string, error) {
	if len(refs) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("encode context refs: %w", err)
	}
	return string(b), nil
}

// retryOnBusy retries f while SQLite reports BUSY or LOCKED, with exponential backoff and jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 20 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Int64N(int64(delay / 2)))
		delay = delay - delay/4 + jitter
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
