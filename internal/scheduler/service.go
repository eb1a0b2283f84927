package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"agentflow/internal/domain"
	"agentflow/internal/ingress"
)

// Ingress is the subset of the ingress service the cron jobs drive.
type Ingress interface {
	AddTask(ctx context.Context, nt domain.NewTask) (string, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (ingress.CleanupResult, error)
}

// Schedule enqueues a fresh task every time its cron expression fires.
type Schedule struct {
	Name        string          `mapstructure:"name" yaml:"name"`
	Cron        string          `mapstructure:"cron" yaml:"cron"`
	Description string          `mapstructure:"description" yaml:"description"`
	Priority    domain.Priority `mapstructure:"priority" yaml:"priority"`
	AgentType   string          `mapstructure:"agent_type" yaml:"agent_type"`
}

func (s Schedule) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("schedule name is required")
	}
	if strings.TrimSpace(s.Description) == "" {
		return fmt.Errorf("schedule %s: description is required", s.Name)
	}
	if err := ValidateCronExpression(s.Cron); err != nil {
		return fmt.Errorf("schedule %s: %w", s.Name, err)
	}
	return nil
}

type Service struct {
	in   Ingress
	cron *cron.Cron

	mu  sync.Mutex
	ctx context.Context
}

func NewService(in Ingress) *Service {
	return &Service{
		in: in,
		cron: cron.New(
			cron.WithLogger(cronLogger{}),
			cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
		),
		ctx: context.Background(),
	}
}

func (s *Service) AddSchedule(sc Schedule) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	_, err := s.cron.AddFunc(sc.Cron, func() { s.runSchedule(s.jobContext(), sc) })
	if err != nil {
		return err
	}
	log.Info().Str("component", "scheduler").Str("schedule", sc.Name).Str("cron", sc.Cron).Msg("schedule registered")
	return nil
}

// AddCleanup registers the retention job that purges terminal tasks older than retention.
func (s *Service) AddCleanup(expr string, retention time.Duration) error {
	if retention < 0 {
		return fmt.Errorf("cleanup retention must not be negative")
	}
	if err := ValidateCronExpression(expr); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	_, err := s.cron.AddFunc(expr, func() { s.runCleanup(s.jobContext(), retention) })
	if err != nil {
		return err
	}
	log.Info().Str("component", "scheduler").Str("cron", expr).Dur("retention", retention).Msg("cleanup job registered")
	return nil
}

// Start runs the registered jobs until ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	log.Info().Str("component", "scheduler").Int("jobs", len(s.cron.Entries())).Msg("schedule service started")
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts the cron loop and waits for running jobs to return.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// Next reports the next fire time of every registered job.
func (s *Service) Next() []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Next)
	}
	return out
}

func (s *Service) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Service) runSchedule(ctx context.Context, sc Schedule) {
	taskID, err := s.in.AddTask(ctx, domain.NewTask{
		Description: sc.Description,
		AgentType:   sc.AgentType,
		Priority:    sc.Priority,
	})
	if err != nil {
		log.Error().Err(err).Str("component", "scheduler").Str("schedule", sc.Name).Msg("failed to enqueue scheduled task")
		return
	}
	log.Info().
		Str("component", "scheduler").
		Str("schedule", sc.Name).
		Str("task_id", taskID).
		Msg("scheduled task enqueued")
}

func (s *Service) runCleanup(ctx context.Context, retention time.Duration) {
	res, err := s.in.Cleanup(ctx, retention)
	if err != nil {
		log.Error().Err(err).Str("component", "scheduler").Msg("cleanup failed")
		return
	}
	log.Debug().Str("component", "scheduler").Int("tasks", len(res.Tasks)).Int("broadcasts", res.Broadcasts).Msg("cleanup job finished")
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}

// cronLogger routes cron's own logging into zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Str("component", "cron").Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Str("component", "cron").Fields(keysAndValues).Msg(msg)
}
