//go:build linux || darwin || freebsd || netbsd || openbsd

package local

import (
	"os"
	"os/exec"
	"syscall"
)

var killSignal os.Signal = syscall.SIGKILL

// setProcessGroup detaches the child from the agent's process group so that
// terminal signals aimed at the agent do not reach it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(p *os.Process, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return p.Signal(sig)
	}
	if err := syscall.Kill(-p.Pid, s); err != nil {
		return p.Signal(sig)
	}
	return nil
}
