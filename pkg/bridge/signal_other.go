//go:build !unix

package bridge

import (
	"os"
	"os/exec"
)

func configureCommand(*exec.Cmd) {}

func terminate(proc *os.Process) error {
	if err := proc.Signal(os.Interrupt); err != nil {
		return proc.Kill()
	}
	return nil
}

func kill(proc *os.Process) error {
	return proc.Kill()
}
