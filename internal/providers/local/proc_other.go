//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package local

import (
	"os"
	"os/exec"
)

var killSignal os.Signal = os.Kill

func setProcessGroup(cmd *exec.Cmd) {}

func signalGroup(p *os.Process, sig os.Signal) error {
	if sig == os.Interrupt {
		// interrupt is not deliverable to a child on every platform
		return p.Kill()
	}
	return p.Signal(sig)
}
