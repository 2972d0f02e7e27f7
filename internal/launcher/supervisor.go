// Package launcher owns the processes started for catalog targets: it spawns
// them through a provider, tracks one live instance per target, probes
// readiness and stops them again.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/launchpad/internal/core"
	"github.com/3cpo-dev/launchpad/internal/events"
	"github.com/3cpo-dev/launchpad/internal/providers"
	"github.com/3cpo-dev/launchpad/internal/telemetry"
	"github.com/3cpo-dev/launchpad/pkg/api"
)

var (
	ErrUnknownTarget = errors.New("unknown target")
	ErrSpawn         = errors.New("spawn failed")
	ErrShuttingDown  = errors.New("launcher is shutting down")
	ErrStopped       = errors.New("stopped while starting")
)

// Recorder keeps launch history.
type Recorder interface {
	RecordLaunch(ctx context.Context, r core.LaunchRecord) error
}

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Options struct {
	SpawnTimeout  time.Duration
	ProbeInterval time.Duration
	StopGrace     time.Duration
	Recorder      Recorder
	Publisher     events.Publisher
	Dial          DialFunc
}

func (o *Options) setDefaults() {
	if o.SpawnTimeout <= 0 {
		o.SpawnTimeout = 10 * time.Second
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 500 * time.Millisecond
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 5 * time.Second
	}
	if o.Publisher == nil {
		o.Publisher = events.Nop{}
	}
	if o.Dial == nil {
		d := &net.Dialer{Timeout: time.Second}
		o.Dial = d.DialContext
	}
}

type instance struct {
	target    providers.Target
	status    api.Status
	proc      providers.Process
	pid       int
	startedAt time.Time
	readyAt   time.Time
	err       string
	launches  int
	stopping  bool
	changed   chan struct{}
	exited    chan struct{}
}

type Supervisor struct {
	reg              *providers.Registry
	order            []string
	opts             Options
	mu               sync.Mutex
	instances        map[string]*instance
	closed           bool
	terminateOnClose bool
	watchers         sync.WaitGroup
	eventsCh         chan events.Event
	done             chan struct{}
	pubDone          chan struct{}
}

// New builds a supervisor over a closed catalog of targets.
func New(reg *providers.Registry, targets []providers.Target, opts Options) *Supervisor {
	opts.setDefaults()
	s := &Supervisor{
		reg:       reg,
		opts:      opts,
		instances: make(map[string]*instance, len(targets)),
		eventsCh:  make(chan events.Event, 64),
		done:      make(chan struct{}),
		pubDone:   make(chan struct{}),
	}
	for _, t := range targets {
		s.order = append(s.order, t.Name)
		s.instances[t.Name] = &instance{target: t, status: api.StatusIdle, changed: make(chan struct{})}
	}
	go s.publishLoop()
	return s
}

// Start spawns target unless it already has a live instance. It returns once
// the provider accepted (or refused) the process; readiness is tracked in the
// background. The response is filled in for every outcome.
func (s *Supervisor) Start(ctx context.Context, name string) (api.LaunchResponse, error) {
	resp := api.LaunchResponse{LaunchID: uuid.NewString(), Target: name}
	inst, ok := s.instances[name]
	if !ok {
		resp.Outcome = api.OutcomeFailed
		resp.Message = fmt.Sprintf("unknown target: %s", name)
		return resp, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	t := inst.target
	p, err := s.reg.ForTarget(t)
	if err != nil {
		resp.Outcome = api.OutcomeFailed
		resp.Status = api.StatusIdle
		resp.Message = err.Error()
		s.finishLaunch(resp, t)
		return resp, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	s.mu.Lock()
	// a failed instance may still be tearing down its process
	for inst.proc != nil && !inst.status.Live() {
		exited := inst.exited
		s.mu.Unlock()
		select {
		case <-exited:
		case <-ctx.Done():
			resp.Outcome = api.OutcomeFailed
			resp.Message = ctx.Err().Error()
			return resp, fmt.Errorf("%w: %w", ErrSpawn, ctx.Err())
		}
		s.mu.Lock()
	}
	if s.closed {
		s.mu.Unlock()
		resp.Outcome = api.OutcomeFailed
		resp.Message = ErrShuttingDown.Error()
		return resp, ErrShuttingDown
	}
	if inst.status.Live() {
		resp.Outcome = api.OutcomeAlreadyRunning
		resp.Status = inst.status
		resp.PID = inst.pid
		resp.Message = fmt.Sprintf("%s is already %s", name, inst.status)
		s.mu.Unlock()
		s.finishLaunch(resp, t)
		return resp, nil
	}
	inst.status = api.StatusStarting
	inst.stopping = false
	inst.err = ""
	inst.pid = 0
	inst.launches++
	inst.startedAt = time.Now()
	inst.readyAt = time.Time{}
	s.notifyLocked(inst)
	s.mu.Unlock()

	log.Info().Str("target", name).Str("provider", p.Name()).Str("launch_id", resp.LaunchID).Msg("spawning target")
	spawnStart := time.Now()
	spawnCtx, cancel := context.WithTimeout(ctx, s.opts.SpawnTimeout)
	proc, err := p.Spawn(spawnCtx, t)
	if err != nil && errors.Is(spawnCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("spawn timed out after %s: %w", s.opts.SpawnTimeout, err)
	}
	cancel()
	telemetry.TimerGlobal("launchpad_spawn_duration", time.Since(spawnStart), map[string]string{"target": name})

	if err != nil {
		s.mu.Lock()
		inst.status = api.StatusFailed
		inst.stopping = false
		inst.err = err.Error()
		s.notifyLocked(inst)
		s.mu.Unlock()

		resp.Outcome = api.OutcomeFailed
		resp.Status = api.StatusFailed
		resp.Message = err.Error()
		log.Error().Err(err).Str("target", name).Str("launch_id", resp.LaunchID).Msg("spawn failed")
		s.finishLaunch(resp, t)
		return resp, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	s.mu.Lock()
	if inst.stopping || (s.closed && s.terminateOnClose) {
		// stopped or shut down while spawning: the child never gets supervised
		stopErr := ErrStopped
		if !inst.stopping {
			stopErr = ErrShuttingDown
		}
		inst.stopping = false
		inst.status = api.StatusStopped
		inst.pid = 0
		s.notifyLocked(inst)
		s.mu.Unlock()
		_ = proc.Kill()
		go proc.Wait()

		resp.Outcome = api.OutcomeFailed
		resp.Status = api.StatusStopped
		resp.Message = fmt.Sprintf("%s: %s", name, stopErr)
		log.Info().Str("target", name).Str("launch_id", resp.LaunchID).Msg("target stopped before it was supervised")
		s.finishLaunch(resp, t)
		return resp, stopErr
	}
	if s.closed {
		// releasing shutdown: the child keeps running like every other one
		inst.status = api.StatusRunning
		inst.pid = proc.Pid()
		inst.readyAt = time.Now()
		s.notifyLocked(inst)
		s.mu.Unlock()
		_ = proc.Release()

		resp.Outcome = api.OutcomeSucceeded
		resp.Status = api.StatusRunning
		resp.PID = inst.pid
		resp.Message = fmt.Sprintf("%s started and left running during shutdown", name)
		log.Info().Str("target", name).Int("pid", resp.PID).Msg("leaving target running")
		s.finishLaunch(resp, t)
		return resp, nil
	}
	exited := make(chan struct{})
	inst.proc = proc
	inst.pid = proc.Pid()
	inst.exited = exited
	if t.Port == 0 {
		inst.status = api.StatusRunning
		inst.readyAt = time.Now()
	}
	s.notifyLocked(inst)
	resp.Outcome = api.OutcomeSucceeded
	resp.Status = inst.status
	resp.PID = inst.pid
	resp.Message = fmt.Sprintf("%s started", name)
	s.watchers.Add(1)
	s.mu.Unlock()

	go s.watch(inst, proc, exited)
	if t.Port > 0 {
		go s.probe(inst, proc, p.ProbeAddr(t), t.ReadyTimeout(), exited)
	}
	log.Info().Str("target", name).Int("pid", resp.PID).Str("launch_id", resp.LaunchID).Msg("target spawned")
	s.finishLaunch(resp, t)
	return resp, nil
}

// WaitReady blocks while target is starting. It returns the first settled status.
func (s *Supervisor) WaitReady(ctx context.Context, name string) (api.TargetStatus, error) {
	inst, ok := s.instances[name]
	if !ok {
		return api.TargetStatus{}, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	for {
		s.mu.Lock()
		if inst.status != api.StatusStarting {
			st := inst.snapshot()
			s.mu.Unlock()
			return st, nil
		}
		ch := inst.changed
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return s.Status(name)
		}
	}
}

// Stop terminates the target's process: SIGTERM to its group, SIGKILL after
// the grace period. Stopping a target without a process is a no-op; a launch
// still spawning is stopped as soon as the provider hands back its child.
func (s *Supervisor) Stop(ctx context.Context, name string) (api.TargetStatus, error) {
	inst, ok := s.instances[name]
	if !ok {
		return api.TargetStatus{}, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	s.mu.Lock()
	if inst.proc == nil && inst.status == api.StatusStarting {
		// spawn in flight; Start kills the child as soon as the provider returns it
		inst.stopping = true
		for inst.proc == nil && inst.status == api.StatusStarting {
			ch := inst.changed
			s.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return s.mustStatus(name), ctx.Err()
			}
			s.mu.Lock()
		}
	}
	proc, exited := inst.proc, inst.exited
	if proc == nil {
		st := inst.snapshot()
		s.mu.Unlock()
		return st, nil
	}
	inst.stopping = true
	s.mu.Unlock()

	log.Info().Str("target", name).Int("pid", proc.Pid()).Msg("stopping target")
	if err := s.terminate(ctx, proc, exited); err != nil {
		return s.mustStatus(name), err
	}
	return s.mustStatus(name), nil
}

func (s *Supervisor) terminate(ctx context.Context, proc providers.Process, exited <-chan struct{}) error {
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		log.Debug().Err(err).Msg("signal failed, killing")
		_ = proc.Kill()
	}
	grace := time.NewTimer(s.opts.StopGrace)
	defer grace.Stop()
	select {
	case <-exited:
		return nil
	case <-grace.C:
		_ = proc.Kill()
	case <-ctx.Done():
		_ = proc.Kill()
	}
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports one target.
func (s *Supervisor) Status(name string) (api.TargetStatus, error) {
	inst, ok := s.instances[name]
	if !ok {
		return api.TargetStatus{}, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return inst.snapshot(), nil
}

func (s *Supervisor) mustStatus(name string) api.TargetStatus {
	st, _ := s.Status(name)
	return st
}

// StatusAll reports every target in catalog order.
func (s *Supervisor) StatusAll() []api.TargetStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.TargetStatus, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.instances[name].snapshot())
	}
	return out
}

// Targets lists the catalog in order.
func (s *Supervisor) Targets() []providers.Target {
	out := make([]providers.Target, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.instances[name].target)
	}
	return out
}

// Shutdown refuses new launches. With terminate, every live process is stopped;
// otherwise handles are released and processes keep running.
func (s *Supervisor) Shutdown(ctx context.Context, terminate bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.terminateOnClose = terminate
	type live struct {
		name   string
		proc   providers.Process
		exited chan struct{}
	}
	var procs []live
	for _, name := range s.order {
		inst := s.instances[name]
		if inst.proc == nil {
			continue
		}
		procs = append(procs, live{name, inst.proc, inst.exited})
		if terminate {
			inst.stopping = true
		}
	}
	s.mu.Unlock()

	var errs []error
	if terminate {
		var wg sync.WaitGroup
		var emu sync.Mutex
		for _, l := range procs {
			wg.Add(1)
			go func(l live) {
				defer wg.Done()
				if err := s.terminate(ctx, l.proc, l.exited); err != nil {
					emu.Lock()
					errs = append(errs, fmt.Errorf("stop %s: %w", l.name, err))
					emu.Unlock()
				}
			}(l)
		}
		wg.Wait()
		waitDone := make(chan struct{})
		go func() { s.watchers.Wait(); close(waitDone) }()
		select {
		case <-waitDone:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	} else {
		for _, l := range procs {
			log.Info().Str("target", l.name).Int("pid", l.proc.Pid()).Msg("leaving target running")
			if err := l.proc.Release(); err != nil {
				errs = append(errs, fmt.Errorf("release %s: %w", l.name, err))
			}
		}
	}

	close(s.done)
	select {
	case <-s.pubDone:
	case <-ctx.Done():
	}
	return errors.Join(errs...)
}

func (s *Supervisor) watch(inst *instance, proc providers.Process, exited chan struct{}) {
	defer s.watchers.Done()
	err := proc.Wait()
	close(exited)

	s.mu.Lock()
	defer s.mu.Unlock()
	if inst.proc != proc {
		return
	}
	inst.proc = nil
	switch {
	case inst.stopping:
		inst.stopping = false
		if inst.status != api.StatusFailed {
			inst.status = api.StatusStopped
			inst.err = ""
		}
	case inst.status == api.StatusFailed:
		// readiness already failed the instance
	default:
		inst.status = api.StatusFailed
		inst.err = exitMessage(err)
	}
	log.Info().Str("target", inst.target.Name).Str("status", string(inst.status)).Str("error", inst.err).Msg("target exited")
	s.notifyLocked(inst)
}

// probe dials addr until it accepts a connection, the process exits, or timeout
// passes. A target that never becomes ready is failed and stopped.
func (s *Supervisor) probe(inst *instance, proc providers.Process, addr string, timeout time.Duration, exited chan struct{}) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.opts.ProbeInterval)
	defer ticker.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-exited:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		dctx, dcancel := context.WithTimeout(ctx, s.opts.ProbeInterval)
		conn, err := s.opts.Dial(dctx, "tcp", addr)
		dcancel()
		if err == nil {
			conn.Close()
			s.mu.Lock()
			if inst.proc == proc && inst.status == api.StatusStarting {
				inst.status = api.StatusRunning
				inst.readyAt = time.Now()
				log.Info().Str("target", inst.target.Name).Str("addr", addr).Dur("after", time.Since(inst.startedAt)).Msg("target ready")
				s.notifyLocked(inst)
			}
			s.mu.Unlock()
			return
		}
		select {
		case <-exited:
			return
		case <-deadline.C:
			s.mu.Lock()
			if inst.proc != proc || inst.status != api.StatusStarting {
				s.mu.Unlock()
				return
			}
			inst.status = api.StatusFailed
			inst.err = fmt.Sprintf("not ready after %s: %s unreachable", timeout, addr)
			log.Warn().Str("target", inst.target.Name).Str("addr", addr).Msg("target never became ready")
			s.notifyLocked(inst)
			s.mu.Unlock()
			_ = s.terminate(context.Background(), proc, exited)
			return
		case <-ticker.C:
		}
	}
}

// notifyLocked wakes WaitReady callers and queues an event. s.mu must be held.
func (s *Supervisor) notifyLocked(inst *instance) {
	close(inst.changed)
	inst.changed = make(chan struct{})

	live := 0
	for _, i := range s.instances {
		if i.status.Live() {
			live++
		}
	}
	telemetry.GaugeGlobal("launchpad_targets_live", float64(live), nil)

	e := events.Event{Target: inst.target.Name, Status: inst.status, PID: inst.pid, Error: inst.err, Time: time.Now()}
	select {
	case s.eventsCh <- e:
	default:
		log.Warn().Str("target", e.Target).Msg("event queue full, dropping event")
	}
}

func (s *Supervisor) publishLoop() {
	defer close(s.pubDone)
	for {
		select {
		case e := <-s.eventsCh:
			s.publish(e)
		case <-s.done:
			for {
				select {
				case e := <-s.eventsCh:
					s.publish(e)
				default:
					return
				}
			}
		}
	}
}

func (s *Supervisor) publish(e events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.opts.Publisher.Publish(ctx, e); err != nil {
		log.Warn().Err(err).Str("target", e.Target).Msg("publish event failed")
	}
}

func (s *Supervisor) finishLaunch(resp api.LaunchResponse, t providers.Target) {
	telemetry.CounterGlobal("launchpad_launches", 1, map[string]string{"target": t.Name, "outcome": string(resp.Outcome)})
	if s.opts.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.opts.Recorder.RecordLaunch(ctx, core.LaunchRecord{
		ID:      resp.LaunchID,
		Target:  t.Name,
		Outcome: string(resp.Outcome),
		Message: resp.Message,
		PID:     resp.PID,
		Host:    t.Host,
	})
	if err != nil {
		log.Warn().Err(err).Str("launch_id", resp.LaunchID).Msg("record launch failed")
	}
}

func (i *instance) snapshot() api.TargetStatus {
	st := api.TargetStatus{
		Name:     i.target.Name,
		Host:     i.target.Host,
		Status:   i.status,
		PID:      i.pid,
		Error:    i.err,
		Launches: i.launches,
	}
	if !i.startedAt.IsZero() {
		t := i.startedAt
		st.StartedAt = &t
	}
	if !i.readyAt.IsZero() {
		t := i.readyAt
		st.ReadyAt = &t
	}
	return st
}

func exitMessage(err error) string {
	if err == nil {
		return "exited"
	}
	return "exited: " + err.Error()
}
