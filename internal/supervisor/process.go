// Package supervisor runs one external worker command and turns every way it
// can end into an Outcome.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Reason string

const (
	ReasonCompleted   Reason = "completed"
	ReasonTimeout     Reason = "timeout"
	ReasonKilled      Reason = "killed"
	ReasonSpawnFailed Reason = "spawn_failed"
)

const (
	DefaultGracePeriod = 5 * time.Second
	DefaultOutputLimit = 1 << 20
)

// Spec describes a single process launch.
type Spec struct {
	Command string
	Args    []string
	// Env entries are appended to the orchestrator's environment.
	Env   []string
	Dir   string
	Stdin string
	// Timeout of zero means no limit.
	Timeout     time.Duration
	GracePeriod time.Duration
	// OutputLimit caps the bytes retained per stream; older bytes are dropped first.
	OutputLimit int
	// Log receives a copy of both streams as they arrive. Write errors are ignored.
	Log io.Writer
}

type Outcome struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Reason   Reason
	// StdoutTruncated is set when Stdout lost its oldest bytes to OutputLimit.
	StdoutTruncated bool
	// Err is set for spawn failures and non-zero exits.
	Err error
}

// Success reports a clean exit with status 0.
func (o Outcome) Success() bool {
	return o.Reason == ReasonCompleted && o.ExitCode == 0 && o.Err == nil
}

// Process is a handle on a launched command.
type Process struct {
	cmd     *exec.Cmd
	pid     int
	started time.Time

	kill     chan struct{}
	killOnce sync.Once

	done    chan struct{}
	outcome Outcome
}

// Run launches spec and blocks until the process has ended.
func Run(ctx context.Context, spec Spec) Outcome {
	return Start(ctx, spec).Wait()
}

// Start launches spec and returns immediately. A spawn failure yields a handle
// that is already done with ReasonSpawnFailed. Cancelling ctx stops the process
// gracefully and reports ReasonKilled.
func Start(ctx context.Context, spec Spec) *Process {
	if spec.GracePeriod <= 0 {
		spec.GracePeriod = DefaultGracePeriod
	}
	if spec.OutputLimit <= 0 {
		spec.OutputLimit = DefaultOutputLimit
	}
	p := &Process{
		kill:    make(chan struct{}),
		done:    make(chan struct{}),
		started: time.Now(),
	}
	if strings.TrimSpace(spec.Command) == "" {
		p.spawnFailed(errors.New("empty command"))
		return p
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), spec.Env...)
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	var tee io.Writer
	if spec.Log != nil {
		tee = &lockedWriter{w: spec.Log}
	}
	stdout := newTailBuffer(spec.OutputLimit, tee)
	stderr := newTailBuffer(spec.OutputLimit, tee)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Descendants holding the pipes open must not stall Wait past the grace period.
	cmd.WaitDelay = spec.GracePeriod
	configure(cmd)

	if err := cmd.Start(); err != nil {
		p.spawnFailed(err)
		return p
	}
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	log.Debug().Str("component", "supervisor").Str("command", spec.Command).Int("pid", p.pid).Msg("process started")

	go p.supervise(ctx, spec, stdout, stderr)
	return p
}

func (p *Process) spawnFailed(err error) {
	p.outcome = Outcome{
		ExitCode: -1,
		Reason:   ReasonSpawnFailed,
		Err:      fmt.Errorf("spawn: %w", err),
	}
	close(p.done)
}

func (p *Process) supervise(ctx context.Context, spec Spec, stdout, stderr *tailBuffer) {
	waitErr := make(chan error, 1)
	go func() { waitErr <- p.cmd.Wait() }()

	var deadline <-chan time.Time
	if spec.Timeout > 0 {
		t := time.NewTimer(spec.Timeout)
		defer t.Stop()
		deadline = t.C
	}
	var grace <-chan time.Time
	cancelled := ctx.Done()
	kill := p.kill
	var reason Reason

	stop := func(r Reason) {
		if reason == "" {
			reason = r
		}
		if grace == nil {
			_ = terminateGroup(p.cmd.Process)
			grace = time.After(spec.GracePeriod)
		}
	}

	for {
		select {
		case err := <-waitErr:
			// Reap stragglers left in the process group.
			_ = killGroup(p.cmd.Process)
			p.finish(err, reason, stdout, stderr)
			return
		case <-deadline:
			deadline = nil
			log.Warn().Str("component", "supervisor").Int("pid", p.pid).Dur("timeout", spec.Timeout).Msg("timeout, terminating")
			stop(ReasonTimeout)
		case <-cancelled:
			cancelled = nil
			stop(ReasonKilled)
		case <-kill:
			kill = nil
			if reason == "" {
				reason = ReasonKilled
			}
			_ = killGroup(p.cmd.Process)
		case <-grace:
			log.Warn().Str("component", "supervisor").Int("pid", p.pid).Msg("grace period elapsed, killing")
			_ = killGroup(p.cmd.Process)
		}
	}
}

func (p *Process) finish(waitErr error, reason Reason, stdout, stderr *tailBuffer) {
	out := Outcome{
		ExitCode: p.cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(p.started),
		Reason:   reason,

		StdoutTruncated: stdout.wasTruncated(),
	}
	if out.Reason == "" {
		out.Reason = ReasonCompleted
	}
	if out.Reason == ReasonCompleted && out.ExitCode != 0 {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			out.Err = exitErr
		} else {
			out.Err = fmt.Errorf("exit status %d", out.ExitCode)
		}
	}
	p.outcome = out
	log.Debug().Str("component", "supervisor").Int("pid", p.pid).Str("reason", string(out.Reason)).
		Int("exit_code", out.ExitCode).Dur("duration", out.Duration).Msg("process ended")
	close(p.done)
}

// PID is zero when the process never started.
func (p *Process) PID() int { return p.pid }

func (p *Process) StartedAt() time.Time { return p.started }

// Done is closed once the outcome is available.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Wait() Outcome {
	<-p.done
	return p.outcome
}

// Terminate force-stops the process and its descendants. Safe to call any
// number of times, including after exit.
func (p *Process) Terminate() {
	p.killOnce.Do(func() { close(p.kill) })
}

// tailBuffer keeps the most recent bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
	tee       io.Writer
}

func newTailBuffer(limit int, tee io.Writer) *tailBuffer {
	return &tailBuffer{limit: limit, tee: tee}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tee != nil {
		_, _ = b.tee.Write(p)
	}
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return "[truncated]\n" + string(b.buf)
	}
	return string(b.buf)
}

func (b *tailBuffer) wasTruncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
