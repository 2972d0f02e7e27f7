// Package remote spawns catalog targets on configured hosts over SSH.
package remote

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/launchpad/internal/providers"
	gssh "github.com/3cpo-dev/launchpad/internal/ssh"
)

type Provider struct {
	cfg providers.Config
}

func New(cfg providers.Config) *Provider { return &Provider{cfg: cfg} }

func (p *Provider) Name() string { return "remote" }

func (p *Provider) ProbeAddr(t providers.Target) string {
	h, _ := p.cfg.Host(t.Host)
	return net.JoinHostPort(h.IP, strconv.Itoa(t.Port))
}

// Spawn connects to the target's host, pushes its uploads and starts the
// command in a session. The returned process lives as long as the session.
func (p *Provider) Spawn(ctx context.Context, t providers.Target) (providers.Process, error) {
	h, ok := p.cfg.Host(t.Host)
	if !ok {
		return nil, fmt.Errorf("host not configured: %s", t.Host)
	}
	c, err := p.client(h)
	if err != nil {
		return nil, err
	}
	cli, err := gssh.Dial(ctx, c)
	if err != nil {
		return nil, err
	}

	for _, pair := range t.Uploads {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			cli.Close()
			return nil, fmt.Errorf("invalid upload %q, want local:remote", pair)
		}
		if err := gssh.PushFile(ctx, cli, parts[0], parts[1]); err != nil {
			cli.Close()
			return nil, fmt.Errorf("upload %s: %w", parts[0], err)
		}
		log.Debug().Str("target", t.Name).Str("host", h.Name).Str("file", parts[1]).Msg("uploaded")
	}

	session, err := cli.NewSession()
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("new session: %w", err)
	}
	if err := session.Start(commandLine(t)); err != nil {
		session.Close()
		cli.Close()
		return nil, fmt.Errorf("start remote command: %w", err)
	}
	if err := ctx.Err(); err != nil {
		session.Close()
		cli.Close()
		return nil, fmt.Errorf("start remote command: %w", err)
	}
	return &process{cli: cli, session: session}, nil
}

func (p *Provider) client(h providers.Host) (*gssh.Client, error) {
	keyPath := h.KeyPath
	if keyPath == "" {
		keyPath = filepath.Join(p.cfg.SSH.KeyDir, "id_ed25519")
	}
	signer, err := gssh.LoadPrivateKeySigner(keyPath)
	if err != nil {
		return nil, err
	}
	kh, err := gssh.LoadKnownHostsCallback(p.cfg.SSH.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	user := h.User
	if user == "" {
		user = p.cfg.Defaults.User
	}
	port := h.Port
	if port == 0 {
		port = p.cfg.Defaults.SSHPort
	}
	timeout := time.Duration(p.cfg.Defaults.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &gssh.Client{
		Addr:       net.JoinHostPort(h.IP, strconv.Itoa(port)),
		User:       user,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    timeout,
		Retries:    p.cfg.Defaults.Retries,
		Backoff:    500 * time.Millisecond,
	}, nil
}

// commandLine builds the remote shell line: optional cd, env assignments,
// then the quoted argv. exec keeps the tool as the session's process.
func commandLine(t providers.Target) string {
	var b strings.Builder
	if t.Dir != "" {
		b.WriteString("cd " + gssh.ShellQuote([]string{t.Dir}) + " && ")
	}
	b.WriteString("exec ")
	if len(t.Env) > 0 {
		b.WriteString("env " + gssh.ShellQuote(t.Env) + " ")
	}
	b.WriteString(gssh.ShellQuote(t.Command))
	return b.String()
}

type process struct {
	cli     *xssh.Client
	session *xssh.Session
	once    sync.Once
}

// Pid is unknown for remote processes.
func (p *process) Pid() int { return 0 }

func (p *process) Wait() error {
	err := p.session.Wait()
	p.close()
	return err
}

func (p *process) Signal(sig os.Signal) error {
	name := xssh.SIGTERM
	if sig == os.Interrupt {
		name = xssh.SIGINT
	}
	if err := p.session.Signal(name); err != nil {
		// many servers ignore signal requests; hanging up ends the command
		p.close()
	}
	return nil
}

func (p *process) Kill() error {
	_ = p.session.Signal(xssh.SIGKILL)
	p.close()
	return nil
}

// Release closes the connection; remote commands do not outlive the session.
func (p *process) Release() error {
	p.close()
	return nil
}

func (p *process) close() {
	p.once.Do(func() {
		_ = p.session.Close()
		_ = p.cli.Close()
	})
}
