//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
)

func configure(cmd *exec.Cmd) {}

func terminateGroup(p *os.Process) error {
	if err := p.Signal(os.Interrupt); err != nil {
		return p.Kill()
	}
	return nil
}

func killGroup(p *os.Process) error {
	return p.Kill()
}
