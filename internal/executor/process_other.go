//go:build !unix

package executor

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// there is no termination signal to send, so terminating is killing
func terminate(p *os.Process) error {
	return forceKill(p)
}

func forceKill(p *os.Process) error {
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
