// Package local spawns catalog targets as child processes of the agent.
package local

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/launchpad/internal/providers"
)

type Provider struct {
	logDir string
}

func New(cfg providers.Config) *Provider { return &Provider{logDir: cfg.Agent.LogDir} }

func (p *Provider) Name() string { return "local" }

func (p *Provider) ProbeAddr(t providers.Target) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(t.Port))
}

// Spawn starts the target and returns as soon as the OS accepted the process.
// If ctx ends first the spawn is reported as failed and a late child is killed.
func (p *Provider) Spawn(ctx context.Context, t providers.Target) (providers.Process, error) {
	if len(t.Command) == 0 {
		return nil, fmt.Errorf("target %s: empty command", t.Name)
	}
	cmd := exec.Command(t.Command[0], t.Command[1:]...)
	cmd.Dir = t.Dir
	if len(t.Env) > 0 {
		cmd.Env = append(os.Environ(), t.Env...)
	}
	setProcessGroup(cmd)

	out, err := p.openLog(t.Name)
	if err != nil {
		return nil, err
	}
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}

	started := make(chan error, 1)
	go func() { started <- cmd.Start() }()

	select {
	case err := <-started:
		if err != nil {
			closeLog(out)
			return nil, err
		}
		log.Debug().Str("target", t.Name).Int("pid", cmd.Process.Pid).Msg("process started")
		return &process{cmd: cmd, out: out}, nil
	case <-ctx.Done():
		go func() {
			if err := <-started; err == nil {
				_ = signalGroup(cmd.Process, killSignal)
				_ = cmd.Wait()
			}
			closeLog(out)
		}()
		return nil, fmt.Errorf("start %s: %w", t.Name, ctx.Err())
	}
}

func (p *Provider) openLog(target string) (*os.File, error) {
	if p.logDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(p.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(p.logDir, target+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open target log: %w", err)
	}
	return f, nil
}

func closeLog(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}

type process struct {
	cmd  *exec.Cmd
	out  *os.File
	once sync.Once
}

func (p *process) Pid() int { return p.cmd.Process.Pid }

func (p *process) Wait() error {
	err := p.cmd.Wait()
	p.once.Do(func() { closeLog(p.out) })
	return err
}

func (p *process) Signal(sig os.Signal) error { return signalGroup(p.cmd.Process, sig) }

func (p *process) Kill() error { return signalGroup(p.cmd.Process, killSignal) }

// Release leaves the child running in its own process group.
func (p *process) Release() error { return nil }
