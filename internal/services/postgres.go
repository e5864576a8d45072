package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loykin/stackup/internal/detector"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/logger"
	"github.com/loykin/stackup/internal/orchestrator"
	"github.com/loykin/stackup/internal/probe"
	"github.com/loykin/stackup/internal/process"
)

const (
	DatabaseName  = "postgres"
	DatabaseLabel = "PostgreSQL"
)

// DefaultPostgresBinDirs are searched in order when no bin dir is configured.
// Debian style /usr/lib/postgresql/<version>/bin directories are added newest
// first at lookup time.
var DefaultPostgresBinDirs = []string{
	"/opt/homebrew/opt/postgresql@18/bin",
	"/usr/local/opt/postgresql@18/bin",
	"/opt/homebrew/opt/postgresql/bin",
	"/usr/local/pgsql/bin",
	"/usr/pgsql-18/bin",
}

// PostgresOptions configures the embedded cluster.
type PostgresOptions struct {
	BinDir       string // empty searches DefaultPostgresBinDirs and PATH
	DataDir      string // cluster directory, created by initdb
	User         string
	Database     string
	Extensions   []string // created after the first successful start; failures are logged
	ReadyTimeout time.Duration
	StopGrace    time.Duration
	// ReadyCommand, e.g. "pg_isready -h 127.0.0.1 -p {port}", must also exit 0
	// before the cluster counts as ready. {port} and {user} are substituted.
	ReadyCommand string
	Log          logger.Config
	Logger       *slog.Logger
}

// Postgres runs a private PostgreSQL cluster: initdb on first use, a
// localhost-only configuration rewritten for the chosen port on each start,
// and pg_ctl for a fast cooperative stop.
type Postgres struct {
	opts        PostgresOptions
	binDir      string
	tried       []string
	initialized atomic.Bool
	log         *slog.Logger
}

func NewPostgres(opts PostgresOptions) *Postgres {
	if opts.User == "" {
		opts.User = "stackup"
	}
	if opts.Database == "" {
		opts.Database = opts.User
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &Postgres{opts: opts, log: log.With("service", DatabaseName)}
	candidates := PostgresBinCandidates(opts.BinDir)
	p.binDir, p.tried = findBinDir(candidates, "initdb", "postgres")
	if p.binDir == "" {
		p.log.Warn("postgres binaries not found", "tried", p.tried)
	} else {
		p.log.Info("using postgres binaries", "dir", p.binDir)
	}
	return p
}

// PostgresBinCandidates lists the directories to search. An explicit dir is
// the only candidate.
func PostgresBinCandidates(explicit string) []string {
	if explicit != "" {
		return []string{explicit}
	}
	out := append([]string(nil), DefaultPostgresBinDirs...)
	versioned, _ := filepath.Glob("/usr/lib/postgresql/*/bin")
	sort.Slice(versioned, func(i, j int) bool { return pgVersion(versioned[i]) > pgVersion(versioned[j]) })
	out = append(out, versioned...)
	if p, err := exec.LookPath("postgres"); err == nil {
		out = append(out, filepath.Dir(p))
	}
	return out
}

func pgVersion(binDir string) int {
	n, _ := strconv.Atoi(filepath.Base(filepath.Dir(binDir)))
	return n
}

// findBinDir returns the first dir holding every tool.
func findBinDir(candidates []string, tools ...string) (string, []string) {
	var tried []string
	for _, dir := range candidates {
		tried = append(tried, dir)
		ok := true
		for _, t := range tools {
			if !isExecutable(filepath.Join(dir, exeName(t))) {
				ok = false
				break
			}
		}
		if ok {
			return dir, tried
		}
	}
	return "", tried
}

func exeName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

func (p *Postgres) BinDir() string  { return p.binDir }
func (p *Postgres) DataDir() string { return p.opts.DataDir }

func (p *Postgres) tool(name string) (string, error) {
	if p.binDir == "" {
		return "", fmt.Errorf("%w: %s (searched %s)", errs.ErrBinaryNotFound, name, strings.Join(p.tried, ", "))
	}
	path := filepath.Join(p.binDir, exeName(name))
	if !isExecutable(path) {
		return "", fmt.Errorf("%w: %s", errs.ErrBinaryNotFound, path)
	}
	return path, nil
}

// Initialized reports whether the data directory holds a cluster.
func (p *Postgres) Initialized() bool {
	if p.initialized.Load() {
		return true
	}
	_, err := os.Stat(filepath.Join(p.opts.DataDir, "PG_VERSION"))
	return err == nil
}

// Init creates the cluster if needed and writes the configuration for port.
func (p *Postgres) Init(ctx context.Context, port int) error {
	if !p.Initialized() {
		if err := p.initdb(ctx); err != nil {
			return err
		}
	}
	if err := p.clearStalePID(); err != nil {
		return err
	}
	if err := p.writeConfig(port); err != nil {
		return err
	}
	p.initialized.Store(true)
	return nil
}

// clearStalePID removes a postmaster.pid left by a server that was killed
// without a clean shutdown. A live owner is an error: two postmasters cannot
// share a cluster.
func (p *Postgres) clearStalePID() error {
	f, removed, err := detector.RemoveStale(filepath.Join(p.opts.DataDir, "postmaster.pid"))
	if err != nil {
		return fmt.Errorf("postmaster.pid: %w", err)
	}
	if removed {
		p.log.Warn("removed stale postmaster.pid", "pid", f.PID)
		return nil
	}
	if f.PID > 0 {
		return errs.Wrap(DatabaseName, "init", fmt.Errorf("%w: %s by pid %d (port %d)", errs.ErrDataDirInUse, p.opts.DataDir, f.PID, f.Port))
	}
	return nil
}

func (p *Postgres) initdb(ctx context.Context) error {
	initdb, err := p.tool("initdb")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p.opts.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	p.log.Info("initializing database cluster", "dir", p.opts.DataDir)
	// #nosec G204 initdb path comes from bin dir discovery
	cmd := exec.CommandContext(ctx, initdb,
		"-D", p.opts.DataDir,
		"-U", p.opts.User,
		"--encoding=UTF8",
		"--locale=C",
		"--lc-ctype=C.UTF-8",
		"--auth=trust",
	)
	cmd.Env = process.MergeEnv(os.Environ(), map[string]string{"LC_ALL": "C", "LANG": "C"})
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("initdb: %w\n%s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (p *Postgres) writeConfig(port int) error {
	conf := fmt.Sprintf(postgresConf, port)
	if err := os.WriteFile(filepath.Join(p.opts.DataDir, "postgresql.conf"), []byte(conf), 0o600); err != nil {
		return fmt.Errorf("write postgresql.conf: %w", err)
	}
	if err := os.WriteFile(filepath.Join(p.opts.DataDir, "pg_hba.conf"), []byte(pgHBAConf), 0o600); err != nil {
		return fmt.Errorf("write pg_hba.conf: %w", err)
	}
	return nil
}

const postgresConf = `# generated by stackup; rewritten on every start
listen_addresses = 'localhost'
port = %d
max_connections = 20
shared_buffers = 128MB
work_mem = 4MB
maintenance_work_mem = 64MB
effective_cache_size = 256MB
log_destination = 'stderr'
logging_collector = off
log_line_prefix = '%%t [%%p] '
log_timezone = 'UTC'
datestyle = 'iso, mdy'
timezone = 'UTC'
lc_messages = 'C'
lc_monetary = 'C'
lc_numeric = 'C'
lc_time = 'C'
client_encoding = 'UTF8'
default_text_search_config = 'pg_catalog.english'
`

const pgHBAConf = `# generated by stackup
# TYPE  DATABASE        USER            ADDRESS                 METHOD
local   all             all                                     trust
host    all             all             127.0.0.1/32            trust
host    all             all             ::1/128                 trust
`

// Spec is the server process for port. The socket directory is the data
// directory so nothing is written to /tmp.
func (p *Postgres) Spec(port int) (process.Spec, error) {
	if !p.Initialized() {
		return process.Spec{}, errs.Wrap(DatabaseName, "spec", errs.ErrNotInitialized)
	}
	bin, err := p.tool("postgres")
	if err != nil {
		return process.Spec{}, err
	}
	return process.Spec{
		Name:       DatabaseName,
		Executable: bin,
		Args:       []string{"-D", p.opts.DataDir, "-p", strconv.Itoa(port), "-k", p.opts.DataDir},
		// the postmaster refuses to start multithreaded under some locales on macOS
		Env: map[string]string{"LC_ALL": "C", "LANG": "C"},
		Log: p.opts.Log,
	}, nil
}

// Stop asks the server for a fast shutdown and waits for it.
func (p *Postgres) Stop(ctx context.Context) error {
	pgctl, err := p.tool("pg_ctl")
	if err != nil {
		return err
	}
	// #nosec G204 pg_ctl path comes from bin dir discovery
	cmd := exec.CommandContext(ctx, pgctl, "stop", "-D", p.opts.DataDir, "-m", "fast", "-w")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("pg_ctl stop: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ConnString is a postgres:// URL for the application database on port.
func (p *Postgres) ConnString(port int) string {
	return p.connString(port, p.opts.Database)
}

func (p *Postgres) connString(port int, database string) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.User(p.opts.User),
		Host:     "127.0.0.1:" + strconv.Itoa(port),
		Path:     "/" + database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// EnsureDatabase creates the application database and extensions if missing.
func (p *Postgres) EnsureDatabase(ctx context.Context, port int) error {
	conn, err := pgx.Connect(ctx, p.connString(port, "postgres"))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	var exists bool
	err = conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", p.opts.Database).Scan(&exists)
	if err == nil && !exists {
		p.log.Info("creating database", "database", p.opts.Database)
		_, err = conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{p.opts.Database}.Sanitize())
	}
	_ = conn.Close(ctx)
	if err != nil {
		return fmt.Errorf("ensure database %s: %w", p.opts.Database, err)
	}
	if len(p.opts.Extensions) == 0 {
		return nil
	}

	app, err := pgx.Connect(ctx, p.ConnString(port))
	if err != nil {
		return fmt.Errorf("connect %s: %w", p.opts.Database, err)
	}
	defer func() { _ = app.Close(ctx) }()
	for _, ext := range p.opts.Extensions {
		if _, err := app.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS "+pgx.Identifier{ext}.Sanitize()); err != nil {
			p.log.Warn("extension unavailable", "extension", ext, "err", err)
		}
	}
	return nil
}

func (p *Postgres) readyProbe(port int) probe.Probe {
	local := probe.PostgresLocal(port, p.opts.User)
	if strings.TrimSpace(p.opts.ReadyCommand) == "" {
		return local
	}
	cmd := strings.NewReplacer("{port}", strconv.Itoa(port), "{user}", p.opts.User).Replace(p.opts.ReadyCommand)
	return probe.All{local, probe.Command{Command: cmd}}
}

// Def wires the cluster into an orchestrator service definition.
func (p *Postgres) Def(port int) orchestrator.ServiceDef {
	return orchestrator.ServiceDef{
		Name:    DatabaseName,
		Label:   DatabaseLabel,
		Role:    orchestrator.RoleDatabase,
		Port:    port,
		Prepare: p.Init,
		Build: func(port int, _ map[string]int) (orchestrator.Launch, error) {
			spec, err := p.Spec(port)
			if err != nil {
				return orchestrator.Launch{}, err
			}
			return orchestrator.Launch{
				Spec:         spec,
				Probe:        p.readyProbe(port),
				StopFunc:     p.Stop,
				ReadyTimeout: p.opts.ReadyTimeout,
				StopGrace:    p.opts.StopGrace,
			}, nil
		},
		AfterReady: p.EnsureDatabase,
		URL:        p.ConnString,
	}
}
