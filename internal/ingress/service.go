// Package ingress is the operation surface used by the HTTP API, the CLI and
// the cron scheduler.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"agentflow/internal/contextstore"
	"agentflow/internal/domain"
	"agentflow/internal/queue"
)

var (
	ErrNotRunning = errors.New("task is not running")
	ErrNotFound   = errors.New("no such task or slot")
)

const (
	killedByOperator  = "killed by operator"
	claimHandoff      = 500 * time.Millisecond
	claimPollInterval = 10 * time.Millisecond
)

// Runtime is the live part of the orchestrator. It is nil when the service
// only has access to the store, as in one-shot CLI commands.
type Runtime interface {
	Kill(id string) (string, bool)
	ActiveSlots() []domain.SlotSummary
	Wake()
	Notify(ctx context.Context, t domain.Task)
}

type Service struct {
	repo    queue.Repository
	store   *contextstore.Store
	runtime Runtime
}

func New(repo queue.Repository, store *contextstore.Store, runtime Runtime) *Service {
	return &Service{repo: repo, store: store, runtime: runtime}
}

func (s *Service) AddTask(ctx context.Context, nt domain.NewTask) (string, error) {
	id, err := s.repo.Enqueue(ctx, nt)
	if err != nil {
		return "", err
	}
	log.Info().Str("component", "ingress").Str("task_id", id).Str("priority", nt.Priority.String()).Msg("task added")
	if s.runtime != nil {
		s.runtime.Wake()
	}
	return id, nil
}

// BatchError reports a decomposition that stopped partway. IDs holds the tasks
// that were enqueued before the failing one and remain queued.
type BatchError struct {
	Index int
	IDs   []string
	Err   error
}

func (e *BatchError) Error() string { return fmt.Sprintf("task %d: %v", e.Index, e.Err) }

func (e *BatchError) Unwrap() error { return e.Err }

// AddTasks enqueues a decomposition in order. Every record is validated before
// any is enqueued; a store error partway returns a *BatchError.
func (s *Service) AddTasks(ctx context.Context, tasks []domain.NewTask) ([]string, error) {
	for i, nt := range tasks {
		if err := nt.Validate(); err != nil {
			return nil, &BatchError{Index: i, Err: err}
		}
	}
	ids := make([]string, 0, len(tasks))
	for i, nt := range tasks {
		id, err := s.AddTask(ctx, nt)
		if err != nil {
			if len(ids) > 0 {
				log.Warn().Str("component", "ingress").Int("index", i).Strs("enqueued", ids).Msg("decomposition stopped partway")
			}
			return ids, &BatchError{Index: i, IDs: ids, Err: err}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Service) ListTasks(ctx context.Context, statuses ...domain.Status) ([]domain.Task, error) {
	return s.repo.List(ctx, queue.Filter{Statuses: statuses})
}

func (s *Service) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) TaskAttempts(ctx context.Context, id string) ([]domain.Attempt, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Attempts(ctx, id)
}

func (s *Service) ListActiveSlots() []domain.SlotSummary {
	if s.runtime == nil {
		return nil
	}
	return s.runtime.ActiveSlots()
}

// Kill stops the process running a task (by task or slot id), or cancels a
// task that has not been picked up yet. It returns the affected task id.
func (s *Service) Kill(ctx context.Context, id string) (string, error) {
	if s.runtime != nil {
		if taskID, ok := s.runtime.Kill(id); ok {
			return taskID, nil
		}
	}
	t, err := s.repo.Get(ctx, id)
	if errors.Is(err, queue.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", err
	}
	switch t.Status {
	case domain.StatusPending:
	case domain.StatusAssigned, domain.StatusRunning:
		return s.killClaimed(ctx, id, t.Status)
	default:
		return "", fmt.Errorf("%w: %s is %s", ErrNotRunning, id, t.Status)
	}
	if err := s.repo.Cancel(ctx, id, killedByOperator); err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) {
			return s.killClaimed(ctx, id, domain.StatusAssigned)
		}
		return "", err
	}
	log.Info().Str("component", "ingress").Str("task_id", id).Msg("pending task killed")
	if s.runtime != nil {
		if t, err := s.repo.Get(ctx, id); err == nil {
			s.runtime.Notify(ctx, t)
		}
	}
	return id, nil
}

// killClaimed retries the runtime kill while a freshly claimed task is handed
// to its slot. The store marks a task assigned before the slot records it.
func (s *Service) killClaimed(ctx context.Context, id string, status domain.Status) (string, error) {
	if s.runtime == nil {
		return "", fmt.Errorf("%w: %s is %s", ErrNotRunning, id, status)
	}
	deadline := time.Now().Add(claimHandoff)
	ticker := time.NewTicker(claimPollInterval)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		if taskID, ok := s.runtime.Kill(id); ok {
			return taskID, nil
		}
	}
	return "", fmt.Errorf("%w: %s is %s but no local slot holds it", ErrNotRunning, id, status)
}

type CleanupResult struct {
	Tasks      []string `json:"tasks"`
	Broadcasts int      `json:"broadcasts"`
}

// Cleanup removes terminal tasks finished before now-olderThan together with
// their artifacts and logs, and broadcast notes of the same age.
func (s *Service) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupResult, error) {
	if olderThan < 0 {
		return CleanupResult{}, fmt.Errorf("older_than must not be negative")
	}
	cutoff := time.Now().Add(-olderThan)
	ids, err := s.repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return CleanupResult{}, err
	}
	res := CleanupResult{Tasks: ids}
	if res.Tasks == nil {
		res.Tasks = []string{}
	}
	var errs []error
	for _, id := range ids {
		if err := s.store.RemoveTask(id); err != nil {
			errs = append(errs, err)
		}
	}
	n, err := s.store.RemoveBroadcastsBefore(cutoff)
	if err != nil {
		errs = append(errs, err)
	}
	res.Broadcasts = n
	log.Info().Str("component", "ingress").Int("tasks", len(ids)).Int("broadcasts", n).Dur("older_than", olderThan).Msg("cleanup finished")
	return res, errors.Join(errs...)
}

func (s *Service) Broadcast(from, text string) (string, error) {
	return s.store.Broadcast(from, text)
}

func (s *Service) ReadDocument(key string) (contextstore.Document, error) {
	return s.store.ReadSharedDocument(key)
}

func (s *Service) UpdateDocument(ctx context.Context, key string, merge contextstore.MergeFunc) (int, error) {
	return s.store.UpdateSharedDocument(ctx, key, merge)
}

func (s *Service) ReadArtifact(taskID string) (contextstore.Document, error) {
	return s.store.ReadArtifact(taskID)
}
