//go:build unix

package bridge

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureCommand puts the bridge in its own process group so signals
// reach the runtime and anything it spawns.
func configureCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(proc *os.Process) error {
	return signalGroup(proc, unix.SIGTERM)
}

func kill(proc *os.Process) error {
	return signalGroup(proc, unix.SIGKILL)
}

func signalGroup(proc *os.Process, sig unix.Signal) error {
	if err := unix.Kill(-proc.Pid, sig); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		return proc.Signal(sig)
	}
	return nil
}
