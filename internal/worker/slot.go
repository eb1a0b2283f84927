package worker

import (
	"sync"
	"time"

	"agentflow/internal/domain"
	"agentflow/internal/supervisor"
)

type SlotState string

const (
	SlotIdle       SlotState = "idle"
	SlotClaiming   SlotState = "claiming"
	SlotRunning    SlotState = "running"
	SlotCompleting SlotState = "completing"
	SlotFailing    SlotState = "failing"
	SlotTimingOut  SlotState = "timing_out"
)

type slot struct {
	id   string
	caps []string

	mu        sync.Mutex
	state     SlotState
	taskID    string
	proc      *supervisor.Process
	startedAt time.Time
	heartbeat time.Time
	killed    bool
}

func (s *slot) setState(st SlotState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *slot) assign(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskID = taskID
	s.killed = false
}

// attach records the process; a kill requested before the process existed is applied now.
func (s *slot) attach(p *supervisor.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proc = p
	s.startedAt = p.StartedAt()
	s.heartbeat = s.startedAt
	if s.killed {
		p.Terminate()
	}
}

func (s *slot) beat() {
	s.mu.Lock()
	s.heartbeat = time.Now()
	s.mu.Unlock()
}

func (s *slot) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SlotIdle
	s.taskID = ""
	s.proc = nil
	s.killed = false
	s.startedAt = time.Time{}
	s.heartbeat = time.Time{}
}

func (s *slot) operatorKilled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}

// kill matches id against the slot id or its current task.
func (s *slot) kill(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taskID == "" || (id != s.id && id != s.taskID) {
		return "", false
	}
	s.killed = true
	if s.proc != nil {
		s.proc.Terminate()
	}
	return s.taskID, true
}

func (s *slot) summary() domain.SlotSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := domain.SlotSummary{
		ID:           s.id,
		Capabilities: append([]string(nil), s.caps...),
		State:        string(s.state),
		TaskID:       s.taskID,
	}
	if s.proc != nil {
		sum.PID = s.proc.PID()
	}
	if !s.startedAt.IsZero() {
		started, beat := s.startedAt, s.heartbeat
		sum.StartedAt = &started
		sum.LastHeartbeat = &beat
	}
	return sum
}
