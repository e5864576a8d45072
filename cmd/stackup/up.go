package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/stackup"
	"github.com/loykin/stackup/internal/events"
)

func runUp(ctx context.Context, out io.Writer, f UpFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := stackup.LoadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.Listen != "" {
		cfg.Server.Enabled = true
		cfg.Server.Listen = f.Listen
	}
	if f.NoBackend {
		cfg.Backend.Enabled = false
	}
	if f.NoDatabase {
		cfg.Database.Enabled = false
	}
	if f.StopTimeout <= 0 {
		f.StopTimeout = 30 * time.Second
	}

	s, err := stackup.New(cfg, stackup.Options{Console: os.Stderr})
	if err != nil {
		return err
	}
	unsubscribe := s.Subscribe(func(e stackup.Event) { printEvent(out, e) })
	defer unsubscribe()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := func() error {
		sctx, cancel := context.WithTimeout(context.Background(), f.StopTimeout)
		defer cancel()
		_, _ = fmt.Fprintln(out, "Shutting down...")
		return s.Shutdown(sctx)
	}

	if _, err := s.Start(ctx); err != nil {
		serr := shutdown()
		if errors.Is(err, context.Canceled) {
			return serr
		}
		return errors.Join(err, serr)
	}

	st := s.Status(ctx)
	for _, svc := range st.Services {
		if svc.URL != "" {
			_, _ = fmt.Fprintf(out, "  %-12s %s\n", svc.Label, svc.URL)
		}
	}
	if cfg.Server.Enabled {
		_, _ = fmt.Fprintf(out, "  %-12s %s\n", "Status API", s.APIURL())
	}
	_, _ = fmt.Fprintln(out, "Press Ctrl-C to stop.")

	<-ctx.Done()
	return shutdown()
}

// printEvent renders one progress line.
func printEvent(out io.Writer, e stackup.Event) {
	d := e.Data
	var line string
	switch e.Type {
	case events.ServiceStarting:
		line = fmt.Sprintf("starting %s on port %d", d.Service, d.Port)
	case events.ServiceReady:
		line = fmt.Sprintf("%s ready on port %d (%s)", d.Service, d.Port, ms(d.DurationMS))
	case events.ServiceFailed:
		line = fmt.Sprintf("%s failed: %s", d.Service, d.Error)
	case events.PortConflict:
		line = fmt.Sprintf("%s: port %d is busy, using %d", d.Service, d.DesiredPort, d.Port)
	case events.Retrying:
		line = fmt.Sprintf("%s: retry %d/%d in %s", d.Service, d.Attempt, d.MaxAttempts, ms(d.DelayMS))
	case events.AllReady:
		line = fmt.Sprintf("all services ready (%s)", ms(d.TotalDurationMS))
	case events.StartupFailed:
		line = "startup failed: " + d.Error
	case events.ServiceStopped:
		line = d.Service + " stopped"
	case events.ChildTerminated:
		line = fmt.Sprintf("%s (pid %d) exited unexpectedly", d.Service, d.PID)
	default:
		line = string(e.Type)
	}
	_, _ = fmt.Fprintln(out, line)
}

func ms(v int64) time.Duration {
	return (time.Duration(v) * time.Millisecond).Round(10 * time.Millisecond)
}
