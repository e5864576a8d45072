package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/metrics"
	"github.com/loykin/stackup/internal/supervisor"
)

// Phase is the orchestrator's overall progress.
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseStarting
	PhaseReady
	PhaseFailed
	PhaseShuttingDown
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseStarting:
		return "starting"
	case PhaseReady:
		return "ready"
	case PhaseFailed:
		return "failed"
	case PhaseShuttingDown:
		return "shutting_down"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ServiceMetrics records how one service came up.
type ServiceMetrics struct {
	Name     string        `json:"name"`
	Port     int           `json:"port"`
	Duration time.Duration `json:"duration"`
	Retries  int           `json:"retries"`
	Ready    bool          `json:"ready"`
}

// StartupMetrics is the outcome of one StartServices run.
type StartupMetrics struct {
	Services []ServiceMetrics `json:"services"`
	Total    time.Duration    `json:"total"`
	Success  bool             `json:"success"`
	Error    string           `json:"error,omitempty"`
}

// Service looks up the metrics of one service.
func (m StartupMetrics) Service(name string) (ServiceMetrics, bool) {
	for _, s := range m.Services {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceMetrics{}, false
}

type ServiceStatus struct {
	Name      string                 `json:"name"`
	Label     string                 `json:"label"`
	State     string                 `json:"state"`
	Port      int                    `json:"port,omitempty"`
	PID       int                    `json:"pid,omitempty"`
	Ready     bool                   `json:"ready"`
	URL       string                 `json:"url,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Resources *metrics.ResourceUsage `json:"resources,omitempty"`
}

type Status struct {
	Phase    string          `json:"phase"`
	Summary  string          `json:"summary"`
	Error    string          `json:"error,omitempty"`
	Services []ServiceStatus `json:"services"`
	Startup  *StartupMetrics `json:"startup,omitempty"`
}

// Status snapshots every service. Resource usage of running children is
// sampled best effort and also exported as metrics.
func (o *Orchestrator) Status(ctx context.Context) Status {
	o.mu.Lock()
	st := Status{Phase: o.phase.String(), Summary: o.summaryLocked()}
	if o.lastErr != nil {
		st.Error = o.lastErr.Error()
	}
	if o.last != nil {
		m := *o.last
		st.Startup = &m
	}
	type running struct {
		i   int
		sup *supervisor.Supervisor
	}
	var sample []running
	for i, e := range o.entries {
		ss := ServiceStatus{
			Name:  e.def.Name,
			Label: e.def.label(),
			State: supervisor.NotStarted.String(),
			Port:  e.port,
			Ready: e.ready,
		}
		if e.sup != nil {
			ss.State = e.sup.State().String()
			ss.PID = e.sup.PID()
			ss.Ready = e.ready && e.sup.State() == supervisor.Ready
			sample = append(sample, running{i, e.sup})
		}
		if e.err != nil {
			ss.Error = e.err.Error()
		}
		if ss.Ready && e.def.URL != nil {
			ss.URL = e.def.URL(e.port)
		}
		st.Services = append(st.Services, ss)
	}
	o.mu.Unlock()

	for _, r := range sample {
		if !r.sup.IsAlive() {
			continue
		}
		u, err := metrics.SampleProcess(ctx, r.sup.PID())
		if err != nil {
			continue
		}
		metrics.SetResourceUsage(st.Services[r.i].Name, u)
		st.Services[r.i].Resources = &u
	}
	return st
}

func (o *Orchestrator) summaryLocked() string {
	switch o.phase {
	case PhaseNotStarted:
		return "Not started"
	case PhaseStarting:
		if o.current >= 0 && o.current < len(o.entries) {
			return fmt.Sprintf("Starting %s...", o.entries[o.current].def.label())
		}
		return "Starting..."
	case PhaseReady:
		return "Ready"
	case PhaseFailed:
		if o.lastErr != nil {
			return "Failed: " + o.lastErr.Error()
		}
		return "Failed"
	case PhaseShuttingDown:
		return "Shutting down..."
	default:
		return "Stopped"
	}
}

// Phase reports overall progress.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// ServiceURL returns the client address of a ready service.
func (o *Orchestrator) ServiceURL(name string) (string, error) {
	idx := o.index(name)
	if idx < 0 {
		return "", fmt.Errorf("%w %q", ErrUnknownService, name)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	e := o.entries[idx]
	if e.def.URL == nil {
		return "", fmt.Errorf("service %q has no url", name)
	}
	if !e.ready || e.sup == nil || e.sup.State() != supervisor.Ready {
		return "", errs.Wrap(name, "url", errs.ErrNotInitialized)
	}
	return e.def.URL(e.port), nil
}

// Ports returns the last chosen port per service; zero when never resolved.
func (o *Orchestrator) Ports() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]int, len(o.entries))
	for _, e := range o.entries {
		out[e.def.Name] = e.port
	}
	return out
}

// LastStartup returns the metrics of the most recent completed start run.
func (o *Orchestrator) LastStartup() (StartupMetrics, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return StartupMetrics{}, false
	}
	return *o.last, true
}
