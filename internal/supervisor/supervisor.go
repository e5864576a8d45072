// Package supervisor drives one child process through its lifecycle:
//
//	NotStarted -> Starting -> (Ready | Failed) -> Stopping -> Stopped
//
// A Stop that arrives before the child exists moves Starting straight to
// Stopped. Stopped is terminal; a retry builds a new Supervisor.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/stackup/internal/backoff"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/events"
	"github.com/loykin/stackup/internal/metrics"
	"github.com/loykin/stackup/internal/probe"
	"github.com/loykin/stackup/internal/process"
)

// ErrStopped is returned by WaitUntilReady when Stop interrupted it.
var ErrStopped = errors.New("supervisor stopped")

// DefaultStopGrace is how long a cooperative stop may take before SIGKILL.
const DefaultStopGrace = 10 * time.Second

const killWait = 2 * time.Second

type State int32

const (
	NotStarted State = iota
	Starting
	Ready
	Failed
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	NotStarted: {Starting, Stopped},
	Starting:   {Ready, Failed, Stopping, Stopped},
	Ready:      {Failed, Stopping},
	Failed:     {Stopping, Stopped},
	Stopping:   {Stopped},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StopFunc asks the service to shut down cooperatively, e.g. pg_ctl stop.
type StopFunc func(ctx context.Context) error

// Config describes one supervised service instance.
type Config struct {
	Spec      process.Spec
	Port      int
	Poll      backoff.Policy // interval between readiness probes
	StopFunc  StopFunc       // nil sends SIGTERM to the process group
	StopGrace time.Duration  // default DefaultStopGrace
	Publisher events.Publisher
	Logger    *slog.Logger
}

// Supervisor owns at most one process.Handle.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	mu            sync.Mutex
	state         State
	handle        *process.Handle
	terminated    bool
	stopRequested bool
	lastErr       error
	stopDone      chan struct{}
	stopOnce      sync.Once
}

func New(cfg Config) *Supervisor {
	if cfg.Publisher == nil {
		cfg.Publisher = events.Discard
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.Poll.MaxDelay == 0 {
		cfg.Poll = backoff.DefaultPollPolicy
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:      cfg,
		log:      log.With("service", cfg.Spec.Name, "port", cfg.Port),
		stopDone: make(chan struct{}),
	}
}

func (s *Supervisor) Name() string { return s.cfg.Spec.Name }
func (s *Supervisor) Port() int    { return s.cfg.Port }

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID of the child, 0 before spawn or after a failed spawn.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return 0
	}
	return s.handle.PID()
}

// Err is the last failure recorded by Spawn or WaitUntilReady.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// IsAlive reports whether the child process is still running. Non-blocking.
func (s *Supervisor) IsAlive() bool {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	return h != nil && h.Alive()
}

// setStateLocked must be called with mu held. Returns false for an illegal move.
func (s *Supervisor) setStateLocked(to State) bool {
	from := s.state
	if !canTransition(from, to) {
		return false
	}
	s.state = to
	name := s.cfg.Spec.Name
	metrics.RecordStateTransition(name, from.String(), to.String())
	metrics.SetCurrentState(name, from.String(), false)
	metrics.SetCurrentState(name, to.String(), true)
	return true
}

func (s *Supervisor) fail(err error) error {
	s.mu.Lock()
	s.setStateLocked(Failed)
	s.lastErr = err
	s.mu.Unlock()
	return err
}

func (s *Supervisor) publish(e events.Event) {
	if err := s.cfg.Publisher.Publish(e); err != nil {
		s.log.Warn("publish event failed", "type", e.Type, "err", err)
	}
}

// Spawn starts the child. A missing executable yields errs.ErrBinaryNotFound;
// any failure leaves no process behind.
func (s *Supervisor) Spawn(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.setStateLocked(Starting) {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("spawn %s: invalid state %s", s.cfg.Spec.Name, st)
	}
	s.mu.Unlock()

	metrics.IncStart(s.cfg.Spec.Name)
	h, err := process.Start(s.cfg.Spec, process.Options{
		Logger:      s.log,
		OnStdoutEOF: s.childTerminated,
	})
	if err != nil {
		return s.fail(errs.Wrap(s.cfg.Spec.Name, "spawn", err))
	}
	return s.adopt(h)
}

// adopt takes ownership of a freshly started child. A Stop that arrived while
// the child was being started found no handle to stop, so the child is killed
// here instead.
func (s *Supervisor) adopt(h *process.Handle) error {
	s.mu.Lock()
	s.handle = h
	stopped := s.stopRequested
	s.mu.Unlock()
	if !stopped {
		s.log.Info("spawned", "pid", h.PID())
		return nil
	}
	h.MarkStopping()
	if err := h.Kill(); err != nil {
		s.log.Warn("kill after stop failed", "pid", h.PID(), "err", err)
	}
	if !h.Wait(killWait) {
		s.log.Warn("child still running after stop", "pid", h.PID())
	}
	return errs.Wrap(s.cfg.Spec.Name, "spawn", ErrStopped)
}

func (s *Supervisor) closeStopDone() {
	s.stopOnce.Do(func() { close(s.stopDone) })
}

func (s *Supervisor) childTerminated() {
	s.mu.Lock()
	if s.state == Stopping || s.state == Stopped {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.setStateLocked(Failed)
	s.lastErr = errs.Wrap(s.cfg.Spec.Name, "run", errs.ErrChildTerminated)
	pid := 0
	if s.handle != nil {
		pid = s.handle.PID()
	}
	s.mu.Unlock()

	s.log.Warn("child terminated unexpectedly", "pid", pid)
	metrics.IncUnexpectedExit(s.cfg.Spec.Name)
	s.publish(events.Terminated(s.cfg.Spec.Name, pid))
}

// WaitUntilReady polls p until it succeeds, sleeping by the poll policy in
// between. Once the poll policy runs out of attempts it keeps probing every
// MaxDelay. It fails with errs.ErrReadinessTimeout once timeout has elapsed,
// and with errs.ErrChildTerminated as soon as the child is gone. On failure the child is left running for the caller to stop.
func (s *Supervisor) WaitUntilReady(ctx context.Context, p probe.Probe, timeout time.Duration) error {
	s.mu.Lock()
	st, h := s.state, s.handle
	s.mu.Unlock()
	switch {
	case st == Ready:
		return nil
	case st != Starting || h == nil:
		return fmt.Errorf("wait ready %s: invalid state %s", s.cfg.Spec.Name, st)
	}

	start := time.Now()
	bo := backoff.NewState(s.cfg.Poll)
	var lastErr error
	probes := 0
	for {
		if err := s.checkRunning(); err != nil {
			return err
		}
		probes++
		if lastErr = p.Ready(ctx); lastErr == nil {
			s.mu.Lock()
			ok := s.setStateLocked(Ready)
			s.mu.Unlock()
			if !ok {
				return s.checkRunning()
			}
			s.log.Info("ready", "probe", p.Describe(), "took", time.Since(start))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.checkRunning(); err != nil {
			return err
		}
		elapsed := time.Since(start)
		if elapsed > timeout {
			err := fmt.Errorf("%w after %s (%d probes): %v", errs.ErrReadinessTimeout, elapsed.Round(time.Millisecond), probes, lastErr)
			return s.fail(errs.Wrap(s.cfg.Spec.Name, "wait ready", err))
		}
		d, more := bo.NextDelay()
		if !more {
			d = s.cfg.Poll.MaxDelay
		}
		if left := timeout - elapsed; d > left {
			d = left + time.Millisecond
		}
		s.log.Debug("not ready", "probe", p.Describe(), "err", lastErr, "next", d)

		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-h.Done():
			t.Stop()
		case <-t.C:
		}
	}
}

// checkRunning reports why polling must stop, if it must.
func (s *Supervisor) checkRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == Stopping || s.state == Stopped:
		return ErrStopped
	case s.terminated:
		return s.lastErr
	case s.handle != nil && !s.handle.Wait(0):
		return nil
	}
	// reaped before stdout EOF was observed
	s.terminated = true
	s.setStateLocked(Failed)
	s.lastErr = errs.Wrap(s.cfg.Spec.Name, "run", errs.ErrChildTerminated)
	return s.lastErr
}

// Stop shuts the child down: the cooperative StopFunc (or SIGTERM to the
// group) first, then SIGKILL after StopGrace. Idempotent; concurrent callers
// wait for the first one to finish.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopRequested = true
	switch s.state {
	case Stopping:
		s.mu.Unlock()
		select {
		case <-s.stopDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case Stopped:
		s.mu.Unlock()
		return nil
	}
	h := s.handle
	if h == nil {
		// nothing spawned yet, or Spawn is still starting the child
		s.setStateLocked(Stopped)
		s.mu.Unlock()
		s.closeStopDone()
		return nil
	}
	s.setStateLocked(Stopping)
	s.mu.Unlock()

	h.MarkStopping()
	forced, err := s.stopHandle(ctx, h)

	s.mu.Lock()
	s.setStateLocked(Stopped)
	s.mu.Unlock()
	s.closeStopDone()

	metrics.IncStop(s.cfg.Spec.Name, forced)
	s.log.Info("stopped", "forced", forced)
	s.publish(events.Stopped(s.cfg.Spec.Name))
	return err
}

func (s *Supervisor) stopHandle(ctx context.Context, h *process.Handle) (bool, error) {
	if h.Wait(0) {
		return false, nil
	}
	if s.cfg.StopFunc != nil {
		stopCtx, cancel := context.WithTimeout(ctx, s.cfg.StopGrace)
		if err := s.cfg.StopFunc(stopCtx); err != nil {
			s.log.Warn("cooperative stop failed", "err", err)
		}
		cancel()
	} else if err := h.Terminate(); err != nil {
		s.log.Warn("terminate failed", "err", err)
	}
	if h.Wait(s.cfg.StopGrace) {
		return false, nil
	}
	s.log.Warn("stop grace elapsed, killing", "grace", s.cfg.StopGrace)
	if err := h.Kill(); err != nil {
		return true, errs.Wrap(s.cfg.Spec.Name, "kill", err)
	}
	if !h.Wait(killWait) {
		return true, errs.Wrap(s.cfg.Spec.Name, "kill", fmt.Errorf("pid %d still running", h.PID()))
	}
	return true, nil
}

// Done is closed once the child has been reaped; nil before spawn.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	return s.handle.Done()
}
