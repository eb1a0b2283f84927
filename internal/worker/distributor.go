// Package worker maps ready tasks onto a fixed set of worker slots, each
// running at most one external agent process at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"agentflow/internal/contextstore"
	"agentflow/internal/domain"
	"agentflow/internal/queue"
	"agentflow/internal/supervisor"
)

const (
	killedByOperator    = "killed by operator"
	interruptedShutdown = "interrupted by shutdown"
	stderrTail          = 2000
)

// Notifier is told about every task that reached a terminal state.
type Notifier interface {
	Notify(ctx context.Context, t domain.Task) error
}

type SlotConfig struct {
	Capabilities []string `mapstructure:"capabilities" yaml:"capabilities" json:"capabilities"`
}

type Config struct {
	// Slots fixes the capability set of each slot. When empty, MaxAgents
	// wildcard slots are created.
	Slots           []SlotConfig
	MaxAgents       int
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	TaskTimeout     time.Duration
	// TimeoutGrowth multiplies the timeout on each retry; values <= 1 keep it fixed.
	TimeoutGrowth float64
	GracePeriod   time.Duration
	// DrainTimeout is how long running processes may finish after shutdown begins.
	DrainTimeout time.Duration
	OutputLimit  int
	// DefaultAgent runs wildcard tasks on slots that do not pin a single type.
	DefaultAgent string
}

func (c Config) withDefaults() Config {
	if c.MaxAgents <= 0 {
		c.MaxAgents = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = 8 * c.PollInterval
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Minute
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = supervisor.DefaultGracePeriod
	}
	if c.DrainTimeout < 0 {
		c.DrainTimeout = 0
	}
	return c
}

type Distributor struct {
	repo     queue.Repository
	store    *contextstore.Store
	agents   map[string]Agent
	cfg      Config
	notifier Notifier
	tracer   trace.Tracer
	slots    []*slot
	wake     chan struct{}
	notifies sync.WaitGroup
}

type Option func(*Distributor)

func WithNotifier(n Notifier) Option {
	return func(d *Distributor) { d.notifier = n }
}

func NewDistributor(repo queue.Repository, store *contextstore.Store, agents map[string]Agent, cfg Config, opts ...Option) (*Distributor, error) {
	cfg = cfg.withDefaults()
	for name, a := range agents {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
	}
	if cfg.DefaultAgent != "" {
		if _, ok := agents[cfg.DefaultAgent]; !ok {
			return nil, fmt.Errorf("default agent %q is not configured", cfg.DefaultAgent)
		}
	}
	slotCfgs := cfg.Slots
	if len(slotCfgs) == 0 {
		slotCfgs = make([]SlotConfig, cfg.MaxAgents)
		for i := range slotCfgs {
			slotCfgs[i].Capabilities = []string{domain.AnyAgent}
		}
	}
	d := &Distributor{
		repo:   repo,
		store:  store,
		agents: agents,
		cfg:    cfg,
		tracer: otel.Tracer("agentflow/worker"),
		wake:   make(chan struct{}, 1),
	}
	for i, sc := range slotCfgs {
		d.slots = append(d.slots, &slot{
			id:    fmt.Sprintf("slot-%d", i+1),
			caps:  append([]string(nil), sc.Capabilities...),
			state: SlotIdle,
		})
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Wake cuts short the idle backoff of waiting slots.
func (d *Distributor) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drives every slot until ctx is cancelled. It then stops claiming, lets
// running processes finish for up to DrainTimeout, terminates the rest and
// returns once every slot is idle.
func (d *Distributor) Run(ctx context.Context) error {
	procCtx, stopProcs := context.WithCancel(context.WithoutCancel(ctx))
	defer stopProcs()

	log.Info().Str("component", "distributor").Int("slots", len(d.slots)).Msg("distributor started")

	var g errgroup.Group
	for _, s := range d.slots {
		g.Go(func() error {
			d.runSlot(ctx, procCtx, s)
			return nil
		})
	}

	drained := make(chan struct{})
	go func() {
		select {
		case <-drained:
			return
		case <-ctx.Done():
		}
		log.Info().Str("component", "distributor").Dur("drain_timeout", d.cfg.DrainTimeout).Msg("draining slots")
		t := time.NewTimer(d.cfg.DrainTimeout)
		defer t.Stop()
		select {
		case <-drained:
		case <-t.C:
			log.Warn().Str("component", "distributor").Msg("drain timeout elapsed, terminating processes")
			stopProcs()
		}
	}()

	err := g.Wait()
	close(drained)
	d.notifies.Wait()
	log.Info().Str("component", "distributor").Msg("distributor stopped")
	return err
}

func (d *Distributor) runSlot(ctx, procCtx context.Context, s *slot) {
	backoff := d.cfg.PollInterval
	for ctx.Err() == nil {
		s.setState(SlotClaiming)
		task, err := d.repo.ClaimNext(ctx, s.id, s.caps)
		if err != nil {
			s.setState(SlotIdle)
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				log.Error().Err(err).Str("component", "distributor").Str("slot_id", s.id).Msg("claim failed")
			}
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
			case <-d.wake:
				backoff = d.cfg.PollInterval
			case <-t.C:
				backoff = min(backoff*2, d.cfg.MaxPollInterval)
			}
			t.Stop()
			continue
		}
		backoff = d.cfg.PollInterval
		d.executeRecovered(procCtx, s, task)
		s.reset()
	}
	s.setState(SlotIdle)
}

// executeRecovered keeps a panic in one task from taking down the slot loop.
func (d *Distributor) executeRecovered(procCtx context.Context, s *slot, task domain.Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("component", "distributor").Str("slot_id", s.id).Str("task_id", task.ID).
				Interface("panic", r).Msg("task execution panicked")
			if _, err := d.repo.Fail(context.WithoutCancel(procCtx), task.ID, domain.Failure{Error: fmt.Sprintf("internal error: %v", r)}); err != nil {
				log.Error().Err(err).Str("component", "distributor").Str("task_id", task.ID).Msg("fail after panic")
			}
		}
	}()
	d.execute(procCtx, s, task)
}

// execute runs one claimed task to a recorded outcome. Store writes use a
// context that survives shutdown so the outcome is never lost.
func (d *Distributor) execute(procCtx context.Context, s *slot, task domain.Task) {
	ctx, span := d.tracer.Start(context.WithoutCancel(procCtx), "task.execute", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.agent_type", task.AgentType),
		attribute.String("slot.id", s.id),
		attribute.Int("task.retry_count", task.RetryCount),
	))
	defer span.End()

	logger := log.With().Str("component", "distributor").Str("slot_id", s.id).
		Str("task_id", task.ID).Str("agent_type", task.AgentType).Logger()
	s.assign(task.ID)
	tasksClaimed.WithLabelValues(task.AgentType).Inc()
	logger.Info().Str("priority", task.Priority.String()).Int("retry_count", task.RetryCount).Msg("task claimed")

	agentType, agent, err := d.resolveAgent(task.AgentType, s.caps)
	if err != nil {
		d.fail(ctx, logger, s, task, agentType, domain.Failure{Error: err.Error()}, "")
		span.SetStatus(codes.Error, err.Error())
		return
	}

	docs, err := d.store.Resolve(task.ContextRefs)
	if err != nil {
		d.fail(ctx, logger, s, task, agentType, domain.Failure{Error: "resolve context: " + err.Error(), Retryable: true}, "context")
		span.SetStatus(codes.Error, err.Error())
		return
	}
	input := contextstore.BuildInput(task.Description, docs)

	if s.operatorKilled() {
		d.fail(ctx, logger, s, task, agentType, domain.Failure{Error: killedByOperator}, "")
		return
	}
	if err := d.repo.MarkRunning(ctx, task.ID); err != nil {
		logger.Error().Err(err).Msg("mark running failed")
		d.fail(ctx, logger, s, task, agentType, domain.Failure{Error: "mark running: " + err.Error(), Retryable: true}, "store")
		span.SetStatus(codes.Error, err.Error())
		return
	}
	s.setState(SlotRunning)

	timeout := d.timeoutFor(task)
	spec := agent.spec(input)
	spec.Timeout = timeout
	spec.GracePeriod = d.cfg.GracePeriod
	spec.OutputLimit = d.cfg.OutputLimit
	logFile, err := d.store.OpenLog(task.ID, task.RetryCount+1)
	if err != nil {
		logger.Warn().Err(err).Msg("process log unavailable")
	} else {
		spec.Log = logFile
		defer logFile.Close()
	}

	slotsBusy.Inc()
	proc := supervisor.Start(procCtx, spec)
	s.attach(proc)
	out := d.await(s, proc)
	slotsBusy.Dec()

	taskDuration.WithLabelValues(agentType).Observe(out.Duration.Seconds())
	span.SetAttributes(
		attribute.String("process.reason", string(out.Reason)),
		attribute.Int("process.exit_code", out.ExitCode),
	)
	logger.Debug().Str("reason", string(out.Reason)).Int("exit_code", out.ExitCode).Dur("duration", out.Duration).Msg("process finished")

	switch {
	case out.Reason == supervisor.ReasonSpawnFailed:
		s.setState(SlotFailing)
		d.fail(ctx, logger, s, task, agentType, domain.Failure{Error: out.Err.Error()}, "")
		span.SetStatus(codes.Error, "spawn failed")
	case s.operatorKilled() && (out.Reason == supervisor.ReasonKilled || out.Reason == supervisor.ReasonTimeout):
		// The supervisor keeps the first reason, so a kill inside the timeout
		// grace period still reports timeout.
		s.setState(SlotFailing)
		d.fail(ctx, logger, s, task, agentType, domain.Failure{Error: killedByOperator}, "")
		span.SetStatus(codes.Error, "killed")
	case out.Reason == supervisor.ReasonTimeout:
		s.setState(SlotTimingOut)
		d.fail(ctx, logger, s, task, agentType, domain.Failure{
			Error:     fmt.Sprintf("timed out after %s", timeout),
			Retryable: true,
			TimedOut:  true,
		}, "timeout")
		span.SetStatus(codes.Error, "timeout")
	case out.Reason == supervisor.ReasonKilled:
		s.setState(SlotFailing)
		d.release(ctx, logger, task, agentType)
		span.SetStatus(codes.Error, "killed")
	default:
		if !out.Success() {
			s.setState(SlotFailing)
			d.fail(ctx, logger, s, task, agentType, domain.Failure{Error: exitError(out), Retryable: true}, "exit_code")
			span.SetStatus(codes.Error, "non-zero exit")
			return
		}
		s.setState(SlotCompleting)
		if out.StdoutTruncated {
			logger.Warn().Msg("output over limit, publishing its tail; full stream kept in the task log")
		}
		d.complete(ctx, logger, s, task, agentType, out.Stdout)
	}
}

// await blocks until the process ends, refreshing the slot heartbeat.
func (d *Distributor) await(s *slot, proc *supervisor.Process) supervisor.Outcome {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-proc.Done():
			return proc.Wait()
		case <-ticker.C:
			s.beat()
		}
	}
}

func (d *Distributor) complete(ctx context.Context, logger zerolog.Logger, s *slot, task domain.Task, agentType, output string) {
	ref, err := d.store.PublishArtifact(task.ID, []byte(output))
	if errors.Is(err, contextstore.ErrArtifactExists) {
		// An earlier attempt published before the orchestrator lost track of it; artifacts are immutable.
		logger.Warn().Msg("output already published, keeping first artifact")
		ref, err = contextstore.TaskOutputRef(task.ID), nil
	}
	if err != nil {
		d.fail(ctx, logger, s, task, agentType, domain.Failure{Error: "publish output: " + err.Error()}, "")
		return
	}
	if err := d.repo.Complete(ctx, task.ID, ref); err != nil {
		logger.Error().Err(err).Msg("complete failed")
		return
	}
	taskOutcomes.WithLabelValues(agentType, string(domain.StatusCompleted)).Inc()
	logger.Info().Str("output_ref", ref).Msg("task completed")
	d.notify(ctx, task.ID)
}

func (d *Distributor) fail(ctx context.Context, logger zerolog.Logger, s *slot, task domain.Task, agentType string, f domain.Failure, retryReason string) {
	st, err := d.repo.Fail(ctx, task.ID, f)
	if err != nil {
		logger.Error().Err(err).Str("error_text", f.Error).Msg("fail transition failed")
		return
	}
	taskOutcomes.WithLabelValues(agentType, string(st)).Inc()
	if st == domain.StatusPending {
		taskRetries.WithLabelValues(retryReason).Inc()
		logger.Warn().Str("error_text", f.Error).Int("retry", task.RetryCount+1).Msg("task requeued")
		d.Wake()
		return
	}
	logger.Error().Str("status", string(st)).Str("error_text", f.Error).Msg("task failed")
	d.notify(ctx, task.ID)
}

func (d *Distributor) release(ctx context.Context, logger zerolog.Logger, task domain.Task, agentType string) {
	st, err := d.repo.Release(ctx, task.ID, interruptedShutdown)
	if err != nil {
		logger.Error().Err(err).Msg("release failed")
		return
	}
	taskOutcomes.WithLabelValues(agentType, string(st)).Inc()
	if st == domain.StatusPending {
		taskRetries.WithLabelValues("shutdown").Inc()
		logger.Info().Msg("task released for a later run")
		return
	}
	logger.Warn().Msg("task interrupted with no retries left")
	d.notify(ctx, task.ID)
}

func (d *Distributor) notify(ctx context.Context, id string) {
	if d.notifier == nil {
		return
	}
	t, err := d.repo.Get(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("component", "distributor").Str("task_id", id).Msg("load task for notification")
		return
	}
	d.Notify(ctx, t)
}

// Notify hands a terminal task to the notifier without blocking the caller.
func (d *Distributor) Notify(ctx context.Context, t domain.Task) {
	if d.notifier == nil {
		return
	}
	d.notifies.Add(1)
	go func() {
		defer d.notifies.Done()
		if err := d.notifier.Notify(context.WithoutCancel(ctx), t); err != nil {
			log.Warn().Err(err).Str("component", "distributor").Str("task_id", t.ID).Msg("notification failed")
		}
	}()
}

// resolveAgent picks the launch spec for a task on a slot.
func (d *Distributor) resolveAgent(hint string, caps []string) (string, Agent, error) {
	if hint != domain.AnyAgent {
		a, ok := d.agents[hint]
		if !ok {
			return hint, Agent{}, fmt.Errorf("no agent configured for type %q", hint)
		}
		return hint, a, nil
	}
	var pinned []string
	for _, c := range caps {
		if c != domain.AnyAgent {
			if _, ok := d.agents[c]; ok {
				pinned = append(pinned, c)
			}
		}
	}
	switch {
	case len(pinned) == 1:
		return pinned[0], d.agents[pinned[0]], nil
	case d.cfg.DefaultAgent != "":
		return d.cfg.DefaultAgent, d.agents[d.cfg.DefaultAgent], nil
	case len(d.agents) == 1:
		for name, a := range d.agents {
			return name, a, nil
		}
	}
	return hint, Agent{}, fmt.Errorf("no default agent for wildcard task")
}

func (d *Distributor) timeoutFor(task domain.Task) time.Duration {
	base := task.Timeout
	if base <= 0 {
		base = d.cfg.TaskTimeout
	}
	if d.cfg.TimeoutGrowth <= 1 || task.RetryCount == 0 {
		return base
	}
	return time.Duration(float64(base) * math.Pow(d.cfg.TimeoutGrowth, float64(task.RetryCount)))
}

func exitError(out supervisor.Outcome) string {
	msg := fmt.Sprintf("exit status %d", out.ExitCode)
	tail := strings.TrimSpace(out.Stderr)
	if len(tail) > stderrTail {
		tail = tail[len(tail)-stderrTail:]
	}
	if tail != "" {
		msg += ": " + tail
	}
	return msg
}

// Kill terminates the process running the given task or in the given slot.
// It reports the affected task id and false when nothing matching is running here.
func (d *Distributor) Kill(id string) (string, bool) {
	for _, s := range d.slots {
		if taskID, ok := s.kill(id); ok {
			log.Info().Str("component", "distributor").Str("slot_id", s.id).Str("task_id", taskID).Msg("operator kill")
			return taskID, true
		}
	}
	return "", false
}

// ActiveSlots returns a snapshot of every slot.
func (d *Distributor) ActiveSlots() []domain.SlotSummary {
	out := make([]domain.SlotSummary, 0, len(d.slots))
	for _, s := range d.slots {
		out = append(out, s.summary())
	}
	return out
}
