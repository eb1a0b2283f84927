package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalid marks input that can never be accepted as given.
var ErrInvalid = errors.New("invalid input")

type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// InFlight reports whether the task is held by a worker slot.
func (s Status) InFlight() bool {
	return s == StatusAssigned || s == StatusRunning
}

func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	switch s {
	case StatusPending, StatusAssigned, StatusRunning, StatusCompleted, StatusFailed, StatusTimedOut:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalid, v)
}

// Priority is stored as an integer tier so the queue can order by it directly.
// The zero value means unset and is stored as PriorityNormal.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

func ParsePriority(v string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("%w: unknown priority %q", ErrInvalid, v)
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// AnyAgent is the agent type hint that any slot may claim.
const AnyAgent = "*"

type ContextKind string

const (
	// ContextTaskOutput references the published output artifact of another task.
	ContextTaskOutput ContextKind = "task_output"
	// ContextSharedDocument references a named mutable shared document.
	ContextSharedDocument ContextKind = "shared_document"
	// ContextBroadcast pulls every broadcast note into the input.
	ContextBroadcast ContextKind = "broadcast"
)

type ContextRef struct {
	Kind ContextKind `json:"kind" yaml:"kind"`
	Key  string      `json:"key,omitempty" yaml:"key,omitempty"`
}

func (r ContextRef) Validate() error {
	switch r.Kind {
	case ContextTaskOutput, ContextSharedDocument:
		if strings.TrimSpace(r.Key) == "" {
			return fmt.Errorf("%w: context ref %s requires a key", ErrInvalid, r.Kind)
		}
		return nil
	case ContextBroadcast:
		return nil
	}
	return fmt.Errorf("%w: unknown context ref kind %q", ErrInvalid, r.Kind)
}

type Task struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	AgentType   string        `json:"agent_type_hint"`
	Priority    Priority      `json:"priority"`
	Status      Status        `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	AssignedAt  *time.Time    `json:"assigned_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	AssignedTo  string        `json:"assigned_to,omitempty"`
	RetryCount  int           `json:"retry_count"`
	MaxRetries  int           `json:"max_retries"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	ContextRefs []ContextRef  `json:"context_refs,omitempty"`
	DependsOn   []string      `json:"depends_on,omitempty"`
	OutputRef   string        `json:"output_ref,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// NewTask is the input accepted by the task store.
type NewTask struct {
	Description string       `json:"description" yaml:"description"`
	AgentType   string       `json:"agent_type_hint" yaml:"agent_type_hint"`
	Priority    Priority     `json:"priority" yaml:"priority"`
	ContextRefs []ContextRef `json:"context_refs,omitempty" yaml:"context_refs,omitempty"`
	DependsOn   []string     `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// MaxRetries nil means "use the store default".
	MaxRetries *int          `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

func (n NewTask) Validate() error {
	if strings.TrimSpace(n.Description) == "" {
		return fmt.Errorf("%w: description is required", ErrInvalid)
	}
	if n.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalid)
	}
	for _, ref := range n.ContextRefs {
		if err := ref.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalJSON reads "timeout" as a duration string such as "5m" or as a
// number of nanoseconds, the encoding used for Task.
func (n *NewTask) UnmarshalJSON(data []byte) error {
	type plain NewTask
	aux := struct {
		*plain
		Timeout json.RawMessage `json:"timeout,omitempty"`
	}{plain: (*plain)(n)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Timeout) == 0 || string(aux.Timeout) == "null" {
		return nil
	}
	d, err := parseJSONDuration(aux.Timeout)
	if err != nil {
		return err
	}
	n.Timeout = d
	return nil
}

func parseJSONDuration(raw json.RawMessage) (time.Duration, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return 0, fmt.Errorf("%w: timeout %q: %v", ErrInvalid, s, err)
		}
		return d, nil
	}
	var ns int64
	if err := json.Unmarshal(raw, &ns); err != nil {
		return 0, fmt.Errorf("%w: timeout must be a duration string or integer nanoseconds", ErrInvalid)
	}
	return time.Duration(ns), nil
}

// Failure describes how a running task ended unsuccessfully.
type Failure struct {
	Error     string
	Retryable bool
	TimedOut  bool
}

// SlotSummary is the read-only view of a worker slot.
type SlotSummary struct {
	ID            string     `json:"slot_id"`
	Capabilities  []string   `json:"capabilities"`
	State         string     `json:"state"`
	TaskID        string     `json:"current_task_id,omitempty"`
	PID           int        `json:"pid,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// Attempt records one execution of a task by a slot.
type Attempt struct {
	TaskID     string     `json:"task_id"`
	SlotID     string     `json:"slot_id,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at"`
	Outcome    string     `json:"outcome"`
	Error      string     `json:"error,omitempty"`
}
