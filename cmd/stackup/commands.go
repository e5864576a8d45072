package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/loykin/stackup"
	"github.com/loykin/stackup/internal/auth"
	"github.com/loykin/stackup/internal/ports"
	"github.com/loykin/stackup/pkg/client"
)

func newAPIClient(ctx context.Context, f APIFlags) (*client.Client, error) {
	cfg := client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout, Insecure: f.Insecure, Token: f.Token}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: f.CACert}
	}
	c := client.New(cfg)
	if !c.IsReachable(ctx) {
		return nil, fmt.Errorf("status API not reachable at %s - start it with 'stackup up --listen' or [server] enabled = true", f.APIUrl)
	}
	return c, nil
}

func cmdStatus(ctx context.Context, out io.Writer, f StatusFlags) error {
	c, err := newAPIClient(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(out, st)
		return nil
	}

	_, _ = fmt.Fprintf(out, "%s\n\n", st.Summary)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SERVICE\tSTATE\tPORT\tPID\tCPU%\tMEM(MB)\tURL")
	for _, s := range st.Services {
		cpu, mem := "-", "-"
		if s.Resources != nil {
			cpu = fmt.Sprintf("%.1f", s.Resources.CPUPercent)
			mem = fmt.Sprintf("%.1f", s.Resources.MemoryMB)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Name, s.State, dash(s.Port), dash(s.PID), cpu, mem, orDash(s.URL))
	}
	_ = tw.Flush()
	if st.Startup != nil {
		_, _ = fmt.Fprintf(out, "\nlast startup: %s in %s\n", okFailed(st.Startup.Success), st.Startup.Total.Round(time.Millisecond))
	}
	return nil
}

func cmdRestart(ctx context.Context, out io.Writer, f RestartFlags) error {
	c, err := newAPIClient(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	if err := c.Restart(ctx, f.Service); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "%s restarted\n", f.Service)
	return nil
}

func cmdHistory(ctx context.Context, out io.Writer, f HistoryFlags) error {
	c, err := newAPIClient(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	recs, err := c.History(ctx, f.Limit)
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(out, recs)
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tTYPE\tSERVICE\tPORT\tDETAIL")
	for _, r := range recs {
		detail := r.Error
		if detail == "" && r.DurationMS > 0 {
			detail = ms(r.DurationMS).String()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.OccurredAt.Local().Format(time.DateTime), r.Type, orDash(r.Service), dash(r.Port), orDash(detail))
	}
	return tw.Flush()
}

type portReport struct {
	Port     int    `json:"port"`
	Status   string `json:"status"`
	Occupant string `json:"occupant,omitempty"`
}

func cmdPortsCheck(ctx context.Context, out io.Writer, f PortsCheckFlags) error {
	reports := make([]portReport, 0, len(f.Ports))
	for _, p := range f.Ports {
		st := stackup.CheckPort(p)
		r := portReport{Port: p, Status: st.Kind.String()}
		if st.Kind == ports.InUse {
			info := st.Occupant
			if info == nil {
				info = stackup.PortOccupant(ctx, p)
			}
			if info != nil {
				r.Occupant = info.String()
			}
		}
		reports = append(reports, r)
	}
	if f.JSON {
		printJSON(out, reports)
		return nil
	}
	for _, r := range reports {
		if r.Occupant != "" {
			_, _ = fmt.Fprintf(out, "%d\t%s\t%s\n", r.Port, r.Status, r.Occupant)
			continue
		}
		_, _ = fmt.Fprintf(out, "%d\t%s\n", r.Port, r.Status)
	}
	return nil
}

func cmdPortsFind(out io.Writer, f PortsFindFlags) error {
	if f.Range != "" {
		r, err := ports.ParseRange(f.Range)
		if err != nil {
			return err
		}
		p, ok := stackup.FindPortInRange(r)
		if !ok {
			return fmt.Errorf("no free port in range %s", r)
		}
		_, _ = fmt.Fprintln(out, p)
		return nil
	}
	p, ok := stackup.FindAvailablePort(f.Start, f.Span)
	if !ok {
		return fmt.Errorf("no free port in %d ports from %d", f.Span, f.Start)
	}
	_, _ = fmt.Fprintln(out, p)
	return nil
}

func cmdConfigShow(out io.Writer, f ConfigShowFlags) error {
	cfg, err := stackup.LoadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	settings := cfg.Settings()
	dbPort, backendPort, cached := stackup.CachedPorts(cfg.DataDir)
	if f.JSON {
		v := map[string]any{"settings": settings}
		if cached {
			v["cached_ports"] = map[string]int{stackup.DatabaseService: dbPort, stackup.BackendService: backendPort}
		}
		printJSON(out, v)
		return nil
	}
	for _, s := range settings {
		_, _ = fmt.Fprintf(out, "%s = %s\n", s.Key, s.Value)
	}
	if cached {
		_, _ = fmt.Fprintf(out, "\n# cached from last successful startup\n%s port = %d\n%s port = %d\n",
			stackup.DatabaseService, dbPort, stackup.BackendService, backendPort)
	}
	return nil
}

func cmdConfigValidate(out io.Writer, f ConfigValidateFlags) error {
	cfg, err := stackup.LoadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, "config ok")
	cached, present, err := stackup.ValidateCache(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("service config cache in %s: %w", cfg.DataDir, err)
	}
	if !present {
		_, _ = fmt.Fprintln(out, "no service config cache yet")
		return nil
	}
	_, _ = fmt.Fprintf(out, "service config cache ok: %s port %d, %s port %d\n",
		stackup.DatabaseService, cached.DatabasePort, stackup.BackendService, cached.BackendPort)
	return nil
}

func cmdToken(out io.Writer, f TokenFlags) error {
	token := f.From
	if token == "" {
		var err error
		if token, err = auth.GenerateToken(); err != nil {
			return err
		}
	}
	hash, err := auth.HashToken(token)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "token:      %s\n", token)
	_, _ = fmt.Fprintf(out, "token_hash: %s\n\n", hash)
	_, _ = fmt.Fprintln(out, "[server.auth]")
	_, _ = fmt.Fprintln(out, "enabled = true")
	_, _ = fmt.Fprintf(out, "token_hash = %q\n", hash)
	return nil
}
