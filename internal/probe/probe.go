// Package probe holds readiness checks. A Probe answers one question per call:
// is the service accepting work right now. Nil error means ready.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Probe is a readiness check. Implementations must be safe for concurrent use
// and must honor ctx.
type Probe interface {
	Ready(ctx context.Context) error
	// Describe returns a human-readable description of the check.
	Describe() string
}

// Func adapts a function to Probe.
type Func func(ctx context.Context) error

func (f Func) Ready(ctx context.Context) error { return f(ctx) }
func (f Func) Describe() string                { return "func" }

// TCP is ready once a connection to Addr succeeds.
type TCP struct {
	Addr    string
	Timeout time.Duration // per dial, default 1s
}

// Local returns a TCP probe for 127.0.0.1:port.
func Local(port int) TCP {
	return TCP{Addr: net.JoinHostPort("127.0.0.1", strconv.Itoa(port))}
}

func (p TCP) Ready(ctx context.Context) error {
	d := net.Dialer{Timeout: orDefault(p.Timeout, time.Second)}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (p TCP) Describe() string { return "tcp:" + p.Addr }

// HTTP is ready when GET URL answers 2xx.
type HTTP struct {
	URL    string
	Client *http.Client // default has a 2s timeout
}

func (p HTTP) Ready(ctx context.Context) error {
	c := p.Client
	if c == nil {
		c = &http.Client{Timeout: 2 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check %s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}

func (p HTTP) Describe() string { return "http:" + p.URL }

// Command is ready when the command exits 0.
type Command struct{ Command string }

// buildShellAwareCommand avoids invoking a shell unless obvious shell
// metacharacters are present (G204 mitigation).
func buildShellAwareCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

func (p Command) Ready(ctx context.Context) error {
	if strings.TrimSpace(p.Command) == "" {
		return errors.New("empty probe command")
	}
	cmd := buildShellAwareCommand(ctx, p.Command)
	err := cmd.Run()
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return fmt.Errorf("probe command exited %d", ee.ExitCode())
	}
	return err
}

func (p Command) Describe() string { return "cmd:" + p.Command }

// All is ready when every member is ready, checked in order.
type All []Probe

func (a All) Ready(ctx context.Context) error {
	for _, p := range a {
		if err := p.Ready(ctx); err != nil {
			return fmt.Errorf("%s: %w", p.Describe(), err)
		}
	}
	return nil
}

func (a All) Describe() string {
	parts := make([]string, len(a))
	for i, p := range a {
		parts[i] = p.Describe()
	}
	return strings.Join(parts, "+")
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
