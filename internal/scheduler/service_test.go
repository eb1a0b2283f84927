package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/internal/domain"
	"agentflow/internal/ingress"
)

type recorder struct {
	mu       sync.Mutex
	added    []domain.NewTask
	cleanups []time.Duration
	fail     bool
}

func (r *recorder) AddTask(_ context.Context, nt domain.NewTask) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return "", errors.New("store unavailable")
	}
	r.added = append(r.added, nt)
	return "tsk_test", nil
}

func (r *recorder) Cleanup(_ context.Context, olderThan time.Duration) (ingress.CleanupResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanups = append(r.cleanups, olderThan)
	return ingress.CleanupResult{Tasks: []string{}}, nil
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.added), len(r.cleanups)
}

func TestValidateCronExpression(t *testing.T) {
	assert.NoError(t, ValidateCronExpression("*/5 * * * *"))
	assert.NoError(t, ValidateCronExpression("@every 1m"))
	assert.Error(t, ValidateCronExpression("every minute"))
	assert.Error(t, ValidateCronExpression("* * * * * *"))
}

func TestNextRunTime(t *testing.T) {
	from := time.Date(2024, 3, 1, 10, 7, 0, 0, time.UTC)
	next, err := NextRunTime("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), next)

	_, err = NextRunTime("nope", from)
	assert.Error(t, err)
}

func TestScheduleValidate(t *testing.T) {
	ok := Schedule{Name: "nightly", Cron: "0 3 * * *", Description: "summarize"}
	assert.NoError(t, ok.Validate())

	noName := ok
	noName.Name = ""
	assert.Error(t, noName.Validate())

	noDesc := ok
	noDesc.Description = " "
	assert.Error(t, noDesc.Validate())

	badCron := ok
	badCron.Cron = "sometimes"
	assert.ErrorContains(t, badCron.Validate(), "nightly")
}

func TestRegisterRejectsInvalid(t *testing.T) {
	s := NewService(&recorder{})
	assert.Error(t, s.AddSchedule(Schedule{Name: "x", Cron: "bad", Description: "d"}))
	assert.Error(t, s.AddCleanup("bad", time.Hour))
	assert.Error(t, s.AddCleanup("@daily", -time.Hour))
	assert.Empty(t, s.Next())

	require.NoError(t, s.AddSchedule(Schedule{Name: "x", Cron: "@hourly", Description: "d"}))
	require.NoError(t, s.AddCleanup("@daily", 24*time.Hour))
	assert.Len(t, s.Next(), 2)
}

func TestRunScheduleEnqueues(t *testing.T) {
	rec := &recorder{}
	s := NewService(rec)
	sc := Schedule{Name: "report", Cron: "@hourly", Description: "write report", Priority: domain.PriorityHigh, AgentType: "claude"}

	s.runSchedule(context.Background(), sc)
	require.Len(t, rec.added, 1)
	assert.Equal(t, domain.NewTask{Description: "write report", AgentType: "claude", Priority: domain.PriorityHigh}, rec.added[0])

	rec.fail = true
	s.runSchedule(context.Background(), sc)
	assert.Len(t, rec.added, 1)

	s.runCleanup(context.Background(), 48*time.Hour)
	assert.Equal(t, []time.Duration{48 * time.Hour}, rec.cleanups)
}

func TestStartFiresJobs(t *testing.T) {
	rec := &recorder{}
	s := NewService(rec)
	require.NoError(t, s.AddSchedule(Schedule{Name: "tick", Cron: "@every 1s", Description: "tick"}))
	require.NoError(t, s.AddCleanup("@every 1s", time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	require.Eventually(t, func() bool {
		added, cleaned := rec.counts()
		return added >= 1 && cleaned >= 1
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	s.Stop()
	added, _ := rec.counts()
	time.Sleep(1200 * time.Millisecond)
	after, _ := rec.counts()
	assert.Equal(t, added, after)
}
