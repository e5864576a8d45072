// Package services defines the two collaborators stackup supervises: a private
// PostgreSQL cluster and the backend API that depends on it.
package services

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/stackup/internal/env"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/logger"
	"github.com/loykin/stackup/internal/orchestrator"
	"github.com/loykin/stackup/internal/probe"
	"github.com/loykin/stackup/internal/process"
)

const (
	BackendName  = "backend"
	BackendLabel = "Backend"

	DefaultHealthPath = "/api/health"
)

// Environment handed to the backend. User-supplied Env entries win.
const (
	EnvDatabaseURL = "DATABASE_URL"
	EnvListenURL   = "LISTEN_URL"
	EnvPort        = "PORT"
)

type BackendOptions struct {
	// Executable is a path or a bare name. Bare names are tried in each
	// SearchPaths entry, then in the directory of the running binary, then PATH.
	Executable   string
	SearchPaths  []string
	Args         []string
	Env          map[string]string
	WorkDir      string // empty runs in the executable's directory
	HealthPath   string
	ReadyTimeout time.Duration
	StopGrace    time.Duration
	Log          logger.Config
	// Database is the upstream service whose connection string goes into
	// DATABASE_URL; nil starts the backend without one.
	Database *Postgres
}

type Backend struct {
	opts BackendOptions
}

func NewBackend(opts BackendOptions) *Backend {
	if opts.HealthPath == "" {
		opts.HealthPath = DefaultHealthPath
	}
	return &Backend{opts: opts}
}

// Candidates lists the paths Locate tries, in order.
func (b *Backend) Candidates() []string {
	exe := b.opts.Executable
	if !isBare(exe) {
		return []string{exe}
	}
	var out []string
	for _, dir := range b.opts.SearchPaths {
		out = append(out, filepath.Join(dir, exe))
	}
	if self, err := os.Executable(); err == nil {
		dir := filepath.Dir(self)
		out = append(out, filepath.Join(dir, exe), filepath.Join(dir, "backend", exe))
	}
	return out
}

// Locate returns the first existing candidate, falling back to PATH for bare
// names. The error lists every path tried.
func (b *Backend) Locate() (string, error) {
	cands := b.Candidates()
	for _, c := range cands {
		if isExecutable(c) {
			return filepath.Abs(c)
		}
	}
	if isBare(b.opts.Executable) {
		spec := process.Spec{Name: BackendName, Executable: b.opts.Executable}
		if p, err := spec.ResolveExecutable(); err == nil {
			return p, nil
		}
		cands = append(cands, "$PATH/"+b.opts.Executable)
	}
	return "", errs.Wrap(BackendName, "locate", fmt.Errorf("%w: tried %s", errs.ErrBinaryNotFound, strings.Join(cands, ", ")))
}

func isBare(exe string) bool {
	return !filepath.IsAbs(exe) && !strings.ContainsAny(exe, `/\`)
}

// URL is the base address of the backend on port.
func (b *Backend) URL(port int) string {
	return "http://127.0.0.1:" + strconv.Itoa(port)
}

// HealthURL is polled until it answers 2xx.
func (b *Backend) HealthURL(port int) string {
	return b.URL(port) + b.opts.HealthPath
}

// Env assembles the child environment for port. dbPort is zero when there is
// no database. User values may reference the generated ones, e.g.
// MY_DB=${DATABASE_URL}.
func (b *Backend) Env(port, dbPort int) map[string]string {
	gen := env.Var{
		EnvListenURL: b.URL(port),
		EnvPort:      strconv.Itoa(port),
	}
	if b.opts.Database != nil && dbPort > 0 {
		gen[EnvDatabaseURL] = b.opts.Database.ConnString(dbPort)
	}
	return gen.Merge(b.opts.Env).Expand(os.LookupEnv)
}

// Spec builds the process spec for port.
func (b *Backend) Spec(port int, upstream map[string]int) (process.Spec, error) {
	exe, err := b.Locate()
	if err != nil {
		return process.Spec{}, err
	}
	dbPort := 0
	if b.opts.Database != nil {
		p, ok := upstream[DatabaseName]
		if !ok {
			return process.Spec{}, errs.Wrap(BackendName, "spec", fmt.Errorf("%w: database port unknown", errs.ErrNotInitialized))
		}
		dbPort = p
	}
	wd := b.opts.WorkDir
	if wd == "" {
		wd = filepath.Dir(exe)
	}
	return process.Spec{
		Name:       BackendName,
		Executable: exe,
		Args:       b.opts.Args,
		Env:        b.Env(port, dbPort),
		WorkDir:    wd,
		Log:        b.opts.Log,
	}, nil
}

// Def wires the backend into an orchestrator service definition.
func (b *Backend) Def(port int) orchestrator.ServiceDef {
	return orchestrator.ServiceDef{
		Name:  BackendName,
		Label: BackendLabel,
		Role:  orchestrator.RoleBackend,
		Port:  port,
		Build: func(port int, upstream map[string]int) (orchestrator.Launch, error) {
			spec, err := b.Spec(port, upstream)
			if err != nil {
				return orchestrator.Launch{}, err
			}
			return orchestrator.Launch{
				Spec:         spec,
				Probe:        probe.HTTP{URL: b.HealthURL(port), Client: &http.Client{Timeout: 2 * time.Second}},
				ReadyTimeout: b.opts.ReadyTimeout,
				StopGrace:    b.opts.StopGrace,
			}, nil
		},
		URL: b.URL,
	}
}
