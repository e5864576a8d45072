package orchestrator

import (
	"context"
	"errors"
	"fmt"
)

// RestartService stops name and every service after it, then starts them
// again in order. Services before name keep running.
func (o *Orchestrator) RestartService(ctx context.Context, name string) error {
	idx := o.index(name)
	if idx < 0 {
		return fmt.Errorf("%w %q", ErrUnknownService, name)
	}
	ctx, done, err := o.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	o.log.Info("restarting service", "service", name, "dependents", len(o.entries)-idx-1)
	if err := o.stopFrom(ctx, idx); err != nil {
		o.log.Warn("stop before restart", "service", name, "err", err)
	}

	upstream := make(map[string]int, idx)
	o.mu.Lock()
	for _, e := range o.entries[:idx] {
		upstream[e.def.Name] = e.port
	}
	o.mu.Unlock()

	for i := idx; i < len(o.entries); i++ {
		e := o.entries[i]
		o.mu.Lock()
		desired := e.port
		o.mu.Unlock()
		if desired == 0 {
			desired = e.def.Port
		}
		sm, err := o.startService(ctx, i, desired, upstream)
		if err != nil {
			o.mu.Lock()
			o.phase = PhaseFailed
			o.lastErr = err
			o.mu.Unlock()
			return err
		}
		upstream[e.def.Name] = sm.Port
	}

	o.mu.Lock()
	o.phase = PhaseReady
	o.current = -1
	o.lastErr = nil
	o.mu.Unlock()
	o.saveCache(upstream)
	return nil
}

func (o *Orchestrator) index(name string) int {
	for i, e := range o.entries {
		if e.def.Name == name {
			return i
		}
	}
	return -1
}

// stopFrom stops entries len-1 down to idx.
func (o *Orchestrator) stopFrom(ctx context.Context, idx int) error {
	var errList []error
	for i := len(o.entries) - 1; i >= idx; i-- {
		e := o.entries[i]
		o.mu.Lock()
		sup := e.sup
		e.ready = false
		o.mu.Unlock()
		if sup == nil {
			continue
		}
		if err := sup.Stop(ctx); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// ShutdownAll stops every service in reverse order, then force-kills anything
// still bound to their last ports. Only the first call does work; later calls
// return the first call's result. An in-flight start sequence is cancelled.
func (o *Orchestrator) ShutdownAll(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.phase = PhaseShuttingDown
		if o.cancelStart != nil {
			o.cancelStart()
		}
		o.mu.Unlock()

		o.startMu.Lock()
		defer o.startMu.Unlock()

		o.log.Info("shutting down services")
		err := o.stopFrom(ctx, 0)

		for i := len(o.entries) - 1; i >= 0; i-- {
			o.mu.Lock()
			port := o.entries[i].port
			o.mu.Unlock()
			if port <= 0 {
				continue
			}
			if killed := o.opts.Sweep(ctx, port); len(killed) > 0 {
				o.log.Warn("killed leftover port occupants", "service", o.entries[i].def.Name, "port", port, "pids", killed)
			}
		}

		o.mu.Lock()
		o.phase = PhaseStopped
		o.mu.Unlock()
		o.shutdownErr = err
		o.log.Info("shutdown complete")
	})
	return o.shutdownErr
}
