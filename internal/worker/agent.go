package worker

import (
	"fmt"
	"strings"

	"agentflow/internal/supervisor"
)

type InputMode string

const (
	InputStdin InputMode = "stdin"
	InputArg   InputMode = "arg"
)

// InputPlaceholder in an agent's args is replaced by the task input when Input is "arg".
const InputPlaceholder = "{input}"

// Agent describes how to launch one worker type.
type Agent struct {
	Command string   `mapstructure:"command" yaml:"command" json:"command"`
	Args    []string `mapstructure:"args" yaml:"args" json:"args,omitempty"`
	// Env entries are KEY=VALUE and are added to the orchestrator's environment.
	Env   []string  `mapstructure:"env" yaml:"env" json:"env,omitempty"`
	Dir   string    `mapstructure:"dir" yaml:"dir" json:"dir,omitempty"`
	Input InputMode `mapstructure:"input" yaml:"input" json:"input,omitempty"`
}

func (a Agent) Validate() error {
	if strings.TrimSpace(a.Command) == "" {
		return fmt.Errorf("command is required")
	}
	for _, kv := range a.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			return fmt.Errorf("env entry %q must be KEY=VALUE", kv)
		}
	}
	switch a.Input {
	case "", InputStdin, InputArg:
		return nil
	}
	return fmt.Errorf("input must be %q or %q, got %q", InputStdin, InputArg, a.Input)
}

// spec builds the supervisor launch for one task input.
func (a Agent) spec(input string) supervisor.Spec {
	s := supervisor.Spec{Command: a.Command, Dir: a.Dir}
	if a.Input == InputArg {
		replaced := false
		for _, arg := range a.Args {
			if strings.Contains(arg, InputPlaceholder) {
				arg = strings.ReplaceAll(arg, InputPlaceholder, input)
				replaced = true
			}
			s.Args = append(s.Args, arg)
		}
		if !replaced {
			s.Args = append(s.Args, input)
		}
	} else {
		s.Args = append([]string(nil), a.Args...)
		s.Stdin = input
	}
	s.Env = append([]string(nil), a.Env...)
	return s
}
