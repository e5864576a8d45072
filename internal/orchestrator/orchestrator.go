// Package orchestrator brings dependent services up in order, each on a free
// port, retrying failed starts by the spawn policy, and tears them down again.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/stackup/internal/backoff"
	"github.com/loykin/stackup/internal/cache"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/events"
	"github.com/loykin/stackup/internal/metrics"
	"github.com/loykin/stackup/internal/ports"
	"github.com/loykin/stackup/internal/probe"
	"github.com/loykin/stackup/internal/process"
	"github.com/loykin/stackup/internal/supervisor"
)

// ErrShutdown is returned by operations attempted after ShutdownAll.
var ErrShutdown = errors.New("orchestrator shut down")

// ErrUnknownService is returned for names not in Options.Services.
var ErrUnknownService = errors.New("unknown service")

const defaultReadyTimeout = 30 * time.Second

// DefaultSearchSpan is used when Options.SearchSpan is zero.
const DefaultSearchSpan = ports.DefaultSearchSpan

// Role ties a service to its field in the persisted service config.
type Role int

const (
	RoleOther Role = iota
	RoleDatabase
	RoleBackend
)

// Launch is everything one start attempt needs.
type Launch struct {
	Spec         process.Spec
	Probe        probe.Probe // nil dials 127.0.0.1:port
	StopFunc     supervisor.StopFunc
	ReadyTimeout time.Duration
	StopGrace    time.Duration
}

// ServiceDef describes one service in the dependency chain.
type ServiceDef struct {
	Name  string
	Label string // human name used in status summaries
	Role  Role
	Port  int // desired port
	// Prepare runs once per start sequence after the port is chosen.
	Prepare func(ctx context.Context, port int) error
	// Build is called for every attempt. upstream maps the names of the
	// services started before this one to their ports.
	Build func(port int, upstream map[string]int) (Launch, error)
	// AfterReady runs once the probe passed; an error fails the attempt.
	AfterReady func(ctx context.Context, port int) error
	// URL renders the address clients use to reach the service.
	URL func(port int) string
}

func (d ServiceDef) label() string {
	if d.Label != "" {
		return d.Label
	}
	return d.Name
}

type Options struct {
	Services    []ServiceDef // dependency order
	SpawnPolicy backoff.Policy
	PollPolicy  backoff.Policy
	// SearchSpan is how many ports above a taken one are tried.
	SearchSpan int
	Publisher  events.Publisher
	// CacheDir holds the last-known-good port assignment; empty disables it.
	CacheDir  string
	Logger    *slog.Logger
	Allocator ports.Allocator
	// Sleep waits between attempts; nil uses a timer that honors ctx.
	Sleep func(ctx context.Context, d time.Duration) error
	// Sweep force-kills whatever still listens on port during shutdown;
	// nil uses ports.KillOccupants.
	Sweep func(ctx context.Context, port int) []int
}

type entry struct {
	def   ServiceDef
	port  int
	sup   *supervisor.Supervisor
	ready bool
	err   error
}

type Orchestrator struct {
	opts Options
	log  *slog.Logger

	// startMu serializes start, restart and shutdown sequences.
	startMu sync.Mutex

	mu          sync.Mutex
	entries     []*entry
	phase       Phase
	current     int // index of the service being started
	lastErr     error
	last        *StartupMetrics
	cancelStart context.CancelFunc
	closed      bool

	shutdownOnce sync.Once
	shutdownErr  error
}

func New(opts Options) (*Orchestrator, error) {
	if len(opts.Services) == 0 {
		return nil, errors.New("no services configured")
	}
	seen := make(map[string]bool, len(opts.Services))
	for _, d := range opts.Services {
		if d.Name == "" || d.Build == nil {
			return nil, fmt.Errorf("service %q: name and build are required", d.Name)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate service %q", d.Name)
		}
		seen[d.Name] = true
	}
	if opts.SpawnPolicy.MaxDelay == 0 {
		opts.SpawnPolicy = backoff.DefaultSpawnPolicy
	}
	if opts.PollPolicy.MaxDelay == 0 {
		opts.PollPolicy = backoff.DefaultPollPolicy
	}
	if err := opts.SpawnPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("spawn policy: %w", err)
	}
	if err := opts.PollPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("poll policy: %w", err)
	}
	if opts.SearchSpan <= 0 {
		opts.SearchSpan = DefaultSearchSpan
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Discard
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Sweep == nil {
		opts.Sweep = ports.KillOccupants
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{opts: opts, log: log, current: -1}
	for _, d := range opts.Services {
		o.entries = append(o.entries, &entry{def: d})
	}
	return o, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o *Orchestrator) publish(e events.Event) {
	if err := o.opts.Publisher.Publish(e); err != nil {
		o.log.Warn("publish event failed", "type", e.Type, "err", err)
	}
}

// begin registers a cancellable context for a start sequence so ShutdownAll
// can interrupt it.
func (o *Orchestrator) begin(ctx context.Context) (context.Context, func(), error) {
	o.startMu.Lock()
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.startMu.Unlock()
		return nil, nil, ErrShutdown
	}
	ctx, cancel := context.WithCancel(ctx)
	o.cancelStart = cancel
	o.mu.Unlock()
	return ctx, func() {
		o.mu.Lock()
		o.cancelStart = nil
		o.mu.Unlock()
		cancel()
		o.startMu.Unlock()
	}, nil
}

// StartServices starts every service in order and returns the run's metrics.
// Services that became ready before a failure are left running.
func (o *Orchestrator) StartServices(ctx context.Context) (StartupMetrics, error) {
	ctx, done, err := o.begin(ctx)
	if err != nil {
		return StartupMetrics{Error: err.Error()}, err
	}
	defer done()

	begin := time.Now()
	o.log.Info("starting services", "count", len(o.entries))
	desired := o.desiredPorts()
	m := StartupMetrics{}
	upstream := make(map[string]int, len(o.entries))

	for i, e := range o.entries {
		sm, err := o.startService(ctx, i, desired[i], upstream)
		m.Services = append(m.Services, sm)
		if err != nil {
			m.Total = time.Since(begin)
			m.Error = err.Error()
			o.abort(err, &m)
			return m, err
		}
		upstream[e.def.Name] = sm.Port
	}

	m.Total = time.Since(begin)
	m.Success = true
	o.mu.Lock()
	o.phase = PhaseReady
	o.current = -1
	o.lastErr = nil
	o.last = &m
	o.mu.Unlock()

	metrics.ObserveStartup(m.Total.Seconds(), true)
	o.publish(events.AllServicesReady(m.Total))
	o.log.Info("all services ready", "took", m.Total.Round(time.Millisecond))
	o.saveCache(upstream)
	return m, nil
}

func (o *Orchestrator) abort(err error, m *StartupMetrics) {
	o.mu.Lock()
	o.phase = PhaseFailed
	o.lastErr = err
	o.last = m
	o.mu.Unlock()
	metrics.ObserveStartup(m.Total.Seconds(), false)
	o.publish(events.Aborted(err))
	o.log.Error("startup failed", "err", err)
}

// desiredPorts prefers the ports of the last fully successful run.
func (o *Orchestrator) desiredPorts() []int {
	out := make([]int, len(o.entries))
	for i, e := range o.entries {
		out[i] = e.def.Port
	}
	if o.opts.CacheDir == "" {
		return out
	}
	c := cache.Load(o.opts.CacheDir)
	if _, ok := c.LastStartup(); !ok {
		return out
	}
	for i, e := range o.entries {
		switch e.def.Role {
		case RoleDatabase:
			out[i] = c.DatabasePort
		case RoleBackend:
			out[i] = c.BackendPort
		}
	}
	return out
}

func (o *Orchestrator) saveCache(assigned map[string]int) {
	if o.opts.CacheDir == "" {
		return
	}
	c := cache.Load(o.opts.CacheDir)
	db, backend := c.DatabasePort, c.BackendPort
	for _, e := range o.entries {
		switch e.def.Role {
		case RoleDatabase:
			db = assigned[e.def.Name]
		case RoleBackend:
			backend = assigned[e.def.Name]
		}
	}
	c.MarkSuccessfulStartup(db, backend, time.Now())
	if err := cache.Save(o.opts.CacheDir, c); err != nil {
		o.log.Warn("save service config failed", "err", err)
	}
}

// startService runs the spawn/probe loop for entry i until it is ready, the
// spawn policy is exhausted, or a structural error occurs.
func (o *Orchestrator) startService(ctx context.Context, i int, desired int, upstream map[string]int) (ServiceMetrics, error) {
	e := o.entries[i]
	name := e.def.Name
	sm := ServiceMetrics{Name: name}
	begin := time.Now()

	o.mu.Lock()
	o.phase = PhaseStarting
	o.current = i
	e.ready = false
	e.err = nil
	o.mu.Unlock()

	port, err := o.resolvePort(name, desired)
	if err != nil {
		return sm, o.serviceFailed(e, desired, err)
	}
	sm.Port = port
	o.setPort(e, port)
	o.publish(events.Starting(name, port))
	o.log.Info("starting service", "service", name, "port", port)

	if e.def.Prepare != nil {
		if err := e.def.Prepare(ctx, port); err != nil {
			return sm, o.serviceFailed(e, port, errs.Wrap(name, "prepare", err))
		}
	}

	policy := o.opts.SpawnPolicy
	bo := backoff.NewState(policy)
	for {
		err := o.attempt(ctx, e, port, upstream)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return sm, o.serviceFailed(e, port, errs.Wrap(name, "start", ctx.Err()))
		}
		if errs.Structural(err) {
			return sm, o.serviceFailed(e, port, err)
		}
		d, more := bo.NextDelay()
		if !more || policy.Expired(time.Since(begin)) {
			err = errs.Wrap(name, "start", fmt.Errorf("gave up after %d attempts: %w", bo.Attempts()+1, err))
			return sm, o.serviceFailed(e, port, err)
		}
		sm.Retries++
		metrics.IncRetry(name)
		o.publish(events.Retry(name, bo.Attempts(), policy.MaxAttempts, d))
		o.log.Warn("start attempt failed, retrying", "service", name, "attempt", bo.Attempts(), "delay", d, "err", err)
		if err := o.opts.Sleep(ctx, d); err != nil {
			return sm, o.serviceFailed(e, port, errs.Wrap(name, "start", err))
		}
		if !o.opts.Allocator.Classify(port).Usable() {
			// lost the port while backing off; a failed search is left to the next attempt
			if np, err := o.resolvePort(name, desired); err == nil {
				port = np
				sm.Port = np
				o.setPort(e, np)
			}
		}
	}

	sm.Duration = time.Since(begin)
	sm.Ready = true
	o.mu.Lock()
	e.ready = true
	o.mu.Unlock()
	metrics.ObserveReadyDuration(name, sm.Duration.Seconds())
	o.publish(events.Ready(name, port, sm.Duration))
	o.log.Info("service ready", "service", name, "port", port, "took", sm.Duration.Round(time.Millisecond), "retries", sm.Retries)
	return sm, nil
}

func (o *Orchestrator) setPort(e *entry, port int) {
	o.mu.Lock()
	e.port = port
	o.mu.Unlock()
}

func (o *Orchestrator) serviceFailed(e *entry, port int, err error) error {
	o.mu.Lock()
	e.err = err
	o.mu.Unlock()
	o.publish(events.Failed(e.def.Name, port, err))
	return err
}

// resolvePort returns desired when it is free, otherwise the first free port
// above it within SearchSpan.
func (o *Orchestrator) resolvePort(name string, desired int) (int, error) {
	st := o.opts.Allocator.Classify(desired)
	if st.Usable() {
		return desired, nil
	}
	o.log.Warn("desired port unavailable", "service", name, "port", desired, "status", st.String())
	port, ok := o.opts.Allocator.FindAvailable(desired+1, o.opts.SearchSpan)
	if !ok {
		return 0, errs.Wrap(name, "resolve port", fmt.Errorf("%w: port %d is %s and none of the next %d is free",
			errs.ErrPortConflict, desired, st, o.opts.SearchSpan))
	}
	metrics.IncPortConflict(name)
	o.publish(events.Conflict(name, desired, port))
	return port, nil
}

// attempt runs one spawn and readiness wait. On failure the child is stopped.
func (o *Orchestrator) attempt(ctx context.Context, e *entry, port int, upstream map[string]int) error {
	name := e.def.Name
	l, err := e.def.Build(port, copyPorts(upstream))
	if err != nil {
		return errs.Wrap(name, "build", err)
	}
	if l.Spec.Name == "" {
		l.Spec.Name = name
	}
	if l.Probe == nil {
		l.Probe = probe.Local(port)
	}
	if l.ReadyTimeout <= 0 {
		l.ReadyTimeout = defaultReadyTimeout
	}
	sup := supervisor.New(supervisor.Config{
		Spec:      l.Spec,
		Port:      port,
		Poll:      o.opts.PollPolicy,
		StopFunc:  l.StopFunc,
		StopGrace: l.StopGrace,
		Publisher: o.opts.Publisher,
		Logger:    o.log,
	})
	o.mu.Lock()
	e.sup = sup
	o.mu.Unlock()

	if err := sup.Spawn(ctx); err != nil {
		return err
	}
	err = sup.WaitUntilReady(ctx, l.Probe, l.ReadyTimeout)
	if err == nil && e.def.AfterReady != nil {
		if err = e.def.AfterReady(ctx, port); err != nil {
			err = errs.Wrap(name, "after ready", err)
		}
	}
	if err != nil {
		if serr := sup.Stop(context.WithoutCancel(ctx)); serr != nil {
			o.log.Warn("stop after failed attempt", "service", name, "err", serr)
		}
		return err
	}
	return nil
}

func copyPorts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
