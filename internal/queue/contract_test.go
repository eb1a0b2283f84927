package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type repoFactory func(t *testing.T, opts Options) Repository

func enqueue(t *testing.T, r Repository, desc string, p domain.Priority, mods ...func(*domain.NewTask)) string {
	t.Helper()
	nt := domain.NewTask{Description: desc, Priority: p}
	for _, m := range mods {
		m(&nt)
	}
	id, err := r.Enqueue(context.Background(), nt)
	require.NoError(t, err)
	return id
}

func withAgent(a string) func(*domain.NewTask) {
	return func(nt *domain.NewTask) { nt.AgentType = a }
}

func withDeps(ids ...string) func(*domain.NewTask) {
	return func(nt *domain.NewTask) { nt.DependsOn = ids }
}

func withMaxRetries(n int) func(*domain.NewTask) {
	return func(nt *domain.NewTask) { nt.MaxRetries = &n }
}

var anyCaps = []string{domain.AnyAgent}

func runRepositoryContract(t *testing.T, newRepo repoFactory) {
	ctx := context.Background()

	t.Run("priority then fifo ordering", func(t *testing.T) {
		clock := newFakeClock()
		r := newRepo(t, Options{DefaultMaxRetries: 2, Now: clock.Now})
		a := enqueue(t, r, "A", domain.PriorityLow)
		clock.Advance(time.Second)
		b := enqueue(t, r, "B", domain.PriorityHigh)
		clock.Advance(time.Second)
		c := enqueue(t, r, "C", domain.PriorityHigh)

		var order []string
		for {
			task, err := r.ClaimNext(ctx, "slot-1", anyCaps)
			if err == ErrEmpty {
				break
			}
			require.NoError(t, err)
			assert.Equal(t, domain.StatusAssigned, task.Status)
			assert.Equal(t, "slot-1", task.AssignedTo)
			order = append(order, task.ID)
		}
		assert.Equal(t, []string{b, c, a}, order)
	})

	t.Run("concurrent claimers never share a task", func(t *testing.T) {
		r := newRepo(t, Options{DefaultMaxRetries: 2})
		const total = 30
		for i := 0; i < total; i++ {
			enqueue(t, r, "work", domain.Priority(i%3+1))
		}

		var mu sync.Mutex
		seen := map[string]string{}
		var wg sync.WaitGroup
		for w := 0; w < 6; w++ {
			slot := "slot-" + string(rune('a'+w))
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					task, err := r.ClaimNext(ctx, slot, anyCaps)
					if err == ErrEmpty {
						return
					}
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					prev, dup := seen[task.ID]
					seen[task.ID] = slot
					mu.Unlock()
					assert.False(t, dup, "task %s claimed by %s and %s", task.ID, prev, slot)
				}
			}()
		}
		wg.Wait()
		assert.Len(t, seen, total)
	})

	t.Run("aged low task overtakes newer high task", func(t *testing.T) {
		clock := newFakeClock()
		r := newRepo(t, Options{StarvationThreshold: time.Minute, Now: clock.Now})
		low := enqueue(t, r, "old low", domain.PriorityLow)
		clock.Advance(2*time.Minute + time.Second)
		enqueue(t, r, "fresh high", domain.PriorityHigh)

		task, err := r.ClaimNext(ctx, "slot-1", anyCaps)
		require.NoError(t, err)
		assert.Equal(t, low, task.ID)
	})

	t.Run("aging disabled keeps strict tiers", func(t *testing.T) {
		clock := newFakeClock()
		r := newRepo(t, Options{Now: clock.Now})
		enqueue(t, r, "old low", domain.PriorityLow)
		clock.Advance(24 * time.Hour)
		high := enqueue(t, r, "fresh high", domain.PriorityHigh)

		task, err := r.ClaimNext(ctx, "slot-1", anyCaps)
		require.NoError(t, err)
		assert.Equal(t, high, task.ID)
	})

	t.Run("unset priority is normal", func(t *testing.T) {
		r := newRepo(t, Options{})
		id, err := r.Enqueue(ctx, domain.NewTask{Description: "plain"})
		require.NoError(t, err)
		got, err := r.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.PriorityNormal, got.Priority)
	})

	t.Run("sub-millisecond timeout rounds up", func(t *testing.T) {
		r := newRepo(t, Options{})
		id, err := r.Enqueue(ctx, domain.NewTask{Description: "quick", Timeout: 300 * time.Microsecond})
		require.NoError(t, err)
		got, err := r.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, time.Millisecond, got.Timeout)

		id, err = r.Enqueue(ctx, domain.NewTask{Description: "exact", Timeout: 1500 * time.Millisecond})
		require.NoError(t, err)
		got, err = r.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1500*time.Millisecond, got.Timeout)

		_, err = r.Enqueue(ctx, domain.NewTask{Description: "negative", Timeout: -time.Second})
		assert.ErrorIs(t, err, domain.ErrInvalid)
	})

	t.Run("capability filter", func(t *testing.T) {
		r := newRepo(t, Options{})
		codex := enqueue(t, r, "codex only", domain.PriorityHigh, withAgent("codex"))
		wild := enqueue(t, r, "anyone", domain.PriorityLow)

		task, err := r.ClaimNext(ctx, "claude-slot", []string{"claude"})
		require.NoError(t, err)
		assert.Equal(t, wild, task.ID)

		_, err = r.ClaimNext(ctx, "claude-slot", []string{"claude"})
		assert.ErrorIs(t, err, ErrEmpty)
		_, err = r.ClaimNext(ctx, "bare-slot", nil)
		assert.ErrorIs(t, err, ErrEmpty)

		task, err = r.ClaimNext(ctx, "codex-slot", []string{"codex"})
		require.NoError(t, err)
		assert.Equal(t, codex, task.ID)
		assert.Equal(t, "codex", task.AgentType)
	})

	t.Run("retry bound", func(t *testing.T) {
		r := newRepo(t, Options{DefaultMaxRetries: 2})
		id := enqueue(t, r, "flaky", domain.PriorityNormal)

		for i := 0; i < 2; i++ {
			_, err := r.ClaimNext(ctx, "slot-1", anyCaps)
			require.NoError(t, err)
			require.NoError(t, r.MarkRunning(ctx, id))
			st, err := r.Fail(ctx, id, domain.Failure{Error: "exit status 1", Retryable: true})
			require.NoError(t, err)
			assert.Equal(t, domain.StatusPending, st)
		}
		_, err := r.ClaimNext(ctx, "slot-1", anyCaps)
		require.NoError(t, err)
		st, err := r.Fail(ctx, id, domain.Failure{Error: "exit status 1", Retryable: true})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, st)

		task, err := r.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, task.Status)
		assert.Equal(t, 2, task.RetryCount)
		assert.Empty(t, task.AssignedTo)
		assert.NotNil(t, task.CompletedAt)

		_, err = r.ClaimNext(ctx, "slot-1", anyCaps)
		assert.ErrorIs(t, err, ErrEmpty)

		attempts, err := r.Attempts(ctx, id)
		require.NoError(t, err)
		assert.Len(t, attempts, 3)
	})

	t.Run("timeout ends as timed out", func(t *testing.T) {
		r := newRepo(t, Options{})
		id := enqueue(t, r, "slow", domain.PriorityNormal, withMaxRetries(0))
		_, err := r.ClaimNext(ctx, "slot-1", anyCaps)
		require.NoError(t, err)
		st, err := r.Fail(ctx, id, domain.Failure{Error: "timeout", Retryable: true, TimedOut: true})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusTimedOut, st)
	})

	t.Run("non retryable failure is terminal", func(t *testing.T) {
		r := newRepo(t, Options{DefaultMaxRetries: 5})
		id := enqueue(t, r, "broken", domain.PriorityNormal)
		_, err := r.ClaimNext(ctx, "slot-1", anyCaps)
		require.NoError(t, err)
		st, err := r.Fail(ctx, id, domain.Failure{Error: "spawn failed"})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, st)
	})

	t.Run("complete records output", func(t *testing.T) {
		r := newRepo(t, Options{})
		id := enqueue(t, r, "ok", domain.PriorityNormal)
		_, err := r.ClaimNext(ctx, "slot-1", anyCaps)
		require.NoError(t, err)
		require.NoError(t, r.MarkRunning(ctx, id))
		require.NoError(t, r.Complete(ctx, id, "tasks/"+id+".md"))

		task, err := r.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, task.Status)
		assert.Equal(t, "tasks/"+id+".md", task.OutputRef)
		require.NotNil(t, task.AssignedAt)
		require.NotNil(t, task.CompletedAt)
		assert.False(t, task.CompletedAt.Before(*task.AssignedAt))
		assert.False(t, task.AssignedAt.Before(task.CreatedAt))

		err = r.Complete(ctx, id, "again")
		assert.ErrorIs(t, err, ErrInvalidTransition)
		err = r.MarkRunning(ctx, id)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("reap orphaned is idempotent", func(t *testing.T) {
		r := newRepo(t, Options{DefaultMaxRetries: 2})
		a := enqueue(t, r, "a", domain.PriorityNormal)
		b := enqueue(t, r, "b", domain.PriorityNormal)
		live := enqueue(t, r, "live", domain.PriorityLow)
		for i := 0; i < 3; i++ {
			_, err := r.ClaimNext(ctx, "slot-1", anyCaps)
			require.NoError(t, err)
		}
		require.NoError(t, r.MarkRunning(ctx, a))

		res, err := r.ReapOrphaned(ctx, []string{live})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{a, b}, res.Requeued)
		assert.Empty(t, res.Failed)

		res, err = r.ReapOrphaned(ctx, []string{live})
		require.NoError(t, err)
		assert.Empty(t, res.Requeued)

		for _, id := range []string{a, b} {
			task, err := r.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusPending, task.Status)
			assert.Equal(t, 1, task.RetryCount)
			assert.Empty(t, task.AssignedTo)
		}
		task, err := r.Get(ctx, live)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusAssigned, task.Status)
	})

	t.Run("reap with exhausted retries fails", func(t *testing.T) {
		r := newRepo(t, Options{})
		id := enqueue(t, r, "doomed", domain.PriorityNormal, withMaxRetries(0))
		_, err := r.ClaimNext(ctx, "slot-1", anyCaps)
		require.NoError(t, err)

		res, err := r.ReapOrphaned(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{id}, res.Failed)

		task, err := r.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, task.Status)
		assert.Equal(t, "orphaned", task.Error)
	})

	t.Run("release does not consume a retry", func(t *testing.T) {
		r := newRepo(t, Options{DefaultMaxRetries: 1})
		id := enqueue(t, r, "interrupted", domain.PriorityNormal)
		_, err := r.ClaimNext(ctx, "slot-1", anyCaps)
		require.NoError(t, err)
		st, err := r.Release(ctx, id, "shutdown")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, st)

		task, err := r.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 0, task.RetryCount)
	})

	t.Run("cancel only pending", func(t *testing.T) {
		r := newRepo(t, Options{})
		pending := enqueue(t, r, "waiting", domain.PriorityLow)
		running := enqueue(t, r, "busy", domain.PriorityHigh)
		_, err := r.ClaimNext(ctx, "slot-1", anyCaps)
		require.NoError(t, err)

		require.NoError(t, r.Cancel(ctx, pending, "killed by operator"))
		task, err := r.Get(ctx, pending)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, task.Status)
		assert.Equal(t, "killed by operator", task.Error)

		assert.ErrorIs(t, r.Cancel(ctx, running, "nope"), ErrInvalidTransition)
		assert.ErrorIs(t, r.Cancel(ctx, "tsk_missing", "nope"), ErrNotFound)
	})

	t.Run("dependencies gate claims", func(t *testing.T) {
		r := newRepo(t, Options{})
		first := enqueue(t, r, "first", domain.PriorityLow)
		second := enqueue(t, r, "second", domain.PriorityHigh, withDeps(first))

		task, err := r.ClaimNext(ctx, "slot-1", anyCaps)
		require.NoError(t, err)
		assert.Equal(t, first, task.ID)
		_, err = r.ClaimNext(ctx, "slot-2", anyCaps)
		assert.ErrorIs(t, err, ErrEmpty)

		require.NoError(t, r.Complete(ctx, first, "out"))
		task, err = r.ClaimNext(ctx, "slot-2", anyCaps)
		require.NoError(t, err)
		assert.Equal(t, second, task.ID)

		got, err := r.Get(ctx, second)
		require.NoError(t, err)
		assert.Equal(t, []string{first}, got.DependsOn)
	})

	t.Run("terminal failure cascades to dependents", func(t *testing.T) {
		r := newRepo(t, Options{})
		root := enqueue(t, r, "root", domain.PriorityNormal, withMaxRetries(0))
		mid := enqueue(t, r, "mid", domain.PriorityNormal, withDeps(root))
		leaf := enqueue(t, r, "leaf", domain.PriorityNormal, withDeps(mid))

		_, err := r.ClaimNext(ctx, "slot-1", anyCaps)
		require.NoError(t, err)
		_, err = r.Fail(ctx, root, domain.Failure{Error: "boom", Retryable: true})
		require.NoError(t, err)

		m, err := r.Get(ctx, mid)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, m.Status)
		assert.Contains(t, m.Error, root)
		l, err := r.Get(ctx, leaf)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, l.Status)
		assert.Contains(t, l.Error, mid)
	})

	t.Run("invalid dependencies rejected", func(t *testing.T) {
		r := newRepo(t, Options{})
		_, err := r.Enqueue(ctx, domain.NewTask{Description: "x", DependsOn: []string{"tsk_nope"}})
		assert.ErrorIs(t, err, ErrInvalidDependency)

		dead := enqueue(t, r, "dead", domain.PriorityNormal)
		require.NoError(t, r.Cancel(ctx, dead, "gone"))
		_, err = r.Enqueue(ctx, domain.NewTask{Description: "x", DependsOn: []string{dead}})
		assert.ErrorIs(t, err, ErrInvalidDependency)
	})

	t.Run("enqueue validation", func(t *testing.T) {
		r := newRepo(t, Options{})
		_, err := r.Enqueue(ctx, domain.NewTask{Description: "  "})
		assert.Error(t, err)
		_, err = r.Enqueue(ctx, domain.NewTask{Description: "x", ContextRefs: []domain.ContextRef{{Kind: "mystery"}}})
		assert.Error(t, err)

		id, err := r.Enqueue(ctx, domain.NewTask{
			Description: "with refs",
			ContextRefs: []domain.ContextRef{{Kind: domain.ContextSharedDocument, Key: "plan"}},
			Timeout:     90 * time.Second,
		})
		require.NoError(t, err)
		task, err := r.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.AnyAgent, task.AgentType)
		assert.Equal(t, 90*time.Second, task.Timeout)
		assert.Equal(t, []domain.ContextRef{{Kind: domain.ContextSharedDocument, Key: "plan"}}, task.ContextRefs)
	})

	t.Run("get unknown", func(t *testing.T) {
		r := newRepo(t, Options{})
		_, err := r.Get(ctx, "tsk_missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list filters by status", func(t *testing.T) {
		r := newRepo(t, Options{})
		a := enqueue(t, r, "a", domain.PriorityHigh)
		b := enqueue(t, r, "b", domain.PriorityLow)
		_, err := r.ClaimNext(ctx, "slot-1", anyCaps)
		require.NoError(t, err)

		all, err := r.List(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, a, all[0].ID)

		pending, err := r.List(ctx, Filter{Statuses: []domain.Status{domain.StatusPending}})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, b, pending[0].ID)

		limited, err := r.List(ctx, Filter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("delete terminal before cutoff", func(t *testing.T) {
		clock := newFakeClock()
		r := newRepo(t, Options{Now: clock.Now})
		old := enqueue(t, r, "old", domain.PriorityHigh)
		keep := enqueue(t, r, "pending", domain.PriorityLow)
		_, err := r.ClaimNext(ctx, "slot-1", anyCaps)
		require.NoError(t, err)
		require.NoError(t, r.Complete(ctx, old, "out"))
		clock.Advance(48 * time.Hour)

		ids, err := r.DeleteTerminalBefore(ctx, clock.Now().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []string{old}, ids)

		_, err = r.Get(ctx, old)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = r.Get(ctx, keep)
		assert.NoError(t, err)
		attempts, err := r.Attempts(ctx, old)
		require.NoError(t, err)
		assert.Empty(t, attempts)
	})
}
