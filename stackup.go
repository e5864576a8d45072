// Package stackup starts a local PostgreSQL and an application backend in
// dependency order, keeps their ports stable across runs and tears both down
// together. It is the embedding API behind the stackup command.
package stackup

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/stackup/internal/auth"
	"github.com/loykin/stackup/internal/cache"
	"github.com/loykin/stackup/internal/config"
	"github.com/loykin/stackup/internal/events"
	"github.com/loykin/stackup/internal/history"
	"github.com/loykin/stackup/internal/history/factory"
	"github.com/loykin/stackup/internal/logger"
	"github.com/loykin/stackup/internal/metrics"
	"github.com/loykin/stackup/internal/orchestrator"
	"github.com/loykin/stackup/internal/ports"
	"github.com/loykin/stackup/internal/server"
	"github.com/loykin/stackup/internal/services"
	stls "github.com/loykin/stackup/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Status = orchestrator.Status

type ServiceStatus = orchestrator.ServiceStatus

type StartupMetrics = orchestrator.StartupMetrics

type Phase = orchestrator.Phase

type Event = events.Event

type EventType = events.Type

type HistoryRecord = history.Record

type PortStatus = ports.Status

type ProcessInfo = ports.ProcessInfo

type PortRange = ports.Range

// CachedServiceConfig is the ports file written after a successful startup.
type CachedServiceConfig = cache.ServiceConfig

const (
	DatabaseService = services.DatabaseName
	BackendService  = services.BackendName
)

var (
	ErrShutdown       = orchestrator.ErrShutdown
	ErrUnknownService = orchestrator.ErrUnknownService
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a TOML file; an empty path yields defaults plus STACKUP_ overrides.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Options tune New beyond the configuration file.
type Options struct {
	// Logger overrides the logger built from cfg.Log.
	Logger *slog.Logger
	// Console receives log output when Logger is nil. Defaults to stderr.
	Console io.Writer
	// Registerer receives the metrics when cfg.Metrics is enabled.
	// Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Gatherer serves /metrics on the API server. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Stack is one configured set of services plus its event bus, history and
// optional HTTP API.
type Stack struct {
	cfg     Config
	log     *slog.Logger
	bus     *events.Bus
	orch    *orchestrator.Orchestrator
	db      *services.Postgres
	backend *services.Backend
	hist    *history.Writer
	reader  history.Reader
	runID   string
	router  *server.Router
	srv     *http.Server
	tlsConf *tls.Config

	gatherer prometheus.Gatherer
	closers  []io.Closer
}

// New validates cfg and assembles the stack without starting anything.
func New(cfg Config, opts Options) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", errConfig, err)
	}
	s := &Stack{cfg: cfg, runID: history.NewRunID()}

	if opts.Logger != nil {
		s.log = opts.Logger
	} else {
		logCfg := cfg.Log
		if logCfg.File.Dir == "" {
			logCfg.File.Dir = cfg.LogDir()
		}
		l, closer := logger.New(logCfg, opts.Console)
		s.log = l
		s.closers = append(s.closers, closer)
	}

	if cfg.Metrics.Enabled {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(reg); err != nil {
			s.log.Warn("metrics registration failed", "err", err)
		}
		s.gatherer = opts.Gatherer
		if s.gatherer == nil {
			s.gatherer = prometheus.DefaultGatherer
		}
	}

	s.bus = events.NewBus(s.log)

	if cfg.History.Enabled {
		if err := s.openHistory(); err != nil {
			s.closeAll()
			return nil, err
		}
	}

	defs, err := s.buildServices()
	if err != nil {
		s.closeAll()
		return nil, err
	}
	s.orch, err = orchestrator.New(orchestrator.Options{
		Services:    defs,
		SpawnPolicy: cfg.SpawnPolicy,
		PollPolicy:  cfg.PollPolicy,
		SearchSpan:  cfg.Ports.SearchSpan,
		Publisher:   s.bus,
		CacheDir:    cfg.DataDir,
		Logger:      s.log,
	})
	if err != nil {
		s.closeAll()
		return nil, err
	}
	if cfg.Server.Enabled {
		s.tlsConf, err = stls.Setup(cfg.ServerTLS())
		if err != nil {
			s.closeAll()
			return nil, fmt.Errorf("server tls: %w", err)
		}
	}
	var guard *auth.Middleware
	if cfg.Server.Auth.Enabled {
		if guard, err = auth.NewMiddleware(cfg.Server.Auth); err != nil {
			s.closeAll()
			return nil, fmt.Errorf("%w: %w", errConfig, err)
		}
	}
	s.router = server.NewRouter(s.orch, server.Options{
		BasePath: cfg.Server.BasePath,
		Bus:      s.bus,
		History:  s.reader,
		Gatherer: s.gatherer,
		Auth:     guard,
		Logger:   s.log.With("component", "api"),
	})
	return s, nil
}

var errConfig = errors.New("invalid configuration")

func (s *Stack) openHistory() error {
	dsns := s.cfg.History.DSNs
	if len(dsns) == 0 {
		if err := os.MkdirAll(s.cfg.DataDir, 0o750); err != nil {
			return fmt.Errorf("history: %w", err)
		}
		dsns = []string{filepath.Join(s.cfg.DataDir, "history.db")}
	}
	var sinks []history.Sink
	for _, dsn := range dsns {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			for _, prev := range sinks {
				if c, ok := prev.(io.Closer); ok {
					_ = c.Close()
				}
			}
			return fmt.Errorf("history sink %q: %w", dsn, err)
		}
		if r, ok := sink.(history.Reader); ok && s.reader == nil {
			s.reader = r
		}
		sinks = append(sinks, sink)
	}
	s.hist = history.NewWriter(s.runID, s.log, sinks...)
	s.hist.Attach(s.bus)
	return nil
}

func (s *Stack) buildServices() ([]orchestrator.ServiceDef, error) {
	childLog := s.cfg.Log
	if childLog.File.Dir == "" {
		childLog.File.Dir = s.cfg.LogDir()
	}

	var defs []orchestrator.ServiceDef
	if s.cfg.Database.Enabled {
		d := s.cfg.Database
		s.db = services.NewPostgres(services.PostgresOptions{
			BinDir:       d.BinDir,
			DataDir:      filepath.Join(s.cfg.DataDir, "postgres"),
			User:         d.User,
			Database:     d.Database,
			Extensions:   d.Extensions,
			ReadyTimeout: d.ReadyTimeout,
			StopGrace:    d.StopGrace,
			ReadyCommand: d.ReadyCommand,
			Log:          childLog,
			Logger:       s.log.With("service", services.DatabaseName),
		})
		defs = append(defs, s.db.Def(d.Port))
	}
	if s.cfg.Backend.Enabled {
		b := s.cfg.Backend
		env, err := s.cfg.BackendEnv()
		if err != nil {
			return nil, fmt.Errorf("%w: backend env: %w", errConfig, err)
		}
		s.backend = services.NewBackend(services.BackendOptions{
			Executable:   b.Executable,
			SearchPaths:  b.SearchPaths,
			Args:         b.Args,
			Env:          env,
			WorkDir:      b.WorkDir,
			HealthPath:   b.HealthPath,
			ReadyTimeout: b.ReadyTimeout,
			StopGrace:    b.StopGrace,
			Log:          childLog,
			Database:     s.db,
		})
		defs = append(defs, s.backend.Def(b.Port))
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: no services enabled", errConfig)
	}
	return defs, nil
}

// Start starts the API server when enabled, then every service in order.
// On failure, services that did come up keep running until Shutdown.
func (s *Stack) Start(ctx context.Context) (StartupMetrics, error) {
	if s.cfg.Server.Enabled && s.srv == nil {
		srv, err := server.NewServer(s.cfg.Server.Listen, s.router, s.tlsConf)
		if err != nil {
			return StartupMetrics{}, fmt.Errorf("status API: %w", err)
		}
		s.srv = srv
		s.log.Info("status API listening", "url", s.APIURL())
	}
	s.log.Info("starting services", "run_id", s.runID, "data_dir", s.cfg.DataDir)
	return s.orch.StartServices(ctx)
}

// Shutdown stops every service, the API server and the history writer.
// Safe to call more than once.
func (s *Stack) Shutdown(ctx context.Context) error {
	err := s.orch.ShutdownAll(ctx)
	if s.srv != nil {
		if serr := s.srv.Shutdown(ctx); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			s.log.Warn("status API shutdown", "err", serr)
			_ = s.srv.Close()
		}
	}
	s.closeAll()
	return err
}

func (s *Stack) closeAll() {
	if s.bus != nil {
		s.bus.Close()
	}
	if s.hist != nil {
		if err := s.hist.Close(); err != nil && s.log != nil {
			s.log.Warn("history close", "err", err)
		}
		s.hist = nil
	}
	for _, c := range s.closers {
		_ = c.Close()
	}
	s.closers = nil
}

// Subscribe calls fn for every event until the returned cancel is called.
func (s *Stack) Subscribe(fn func(Event)) (cancel func()) {
	sub := s.bus.Subscribe(nil, fn)
	return func() { s.bus.Unsubscribe(sub) }
}

func (s *Stack) Status(ctx context.Context) Status      { return s.orch.Status(ctx) }
func (s *Stack) Phase() Phase                           { return s.orch.Phase() }
func (s *Stack) ServiceURL(name string) (string, error) { return s.orch.ServiceURL(name) }
func (s *Stack) Ports() map[string]int                  { return s.orch.Ports() }
func (s *Stack) RestartService(ctx context.Context, n string) error {
	return s.orch.RestartService(ctx, n)
}

// RestartBackend restarts only the backend; the database keeps running.
func (s *Stack) RestartBackend(ctx context.Context) error {
	return s.orch.RestartService(ctx, services.BackendName)
}

// RestartAll restarts the first service and therefore everything after it.
func (s *Stack) RestartAll(ctx context.Context) error {
	if s.db != nil {
		return s.orch.RestartService(ctx, services.DatabaseName)
	}
	return s.orch.RestartService(ctx, services.BackendName)
}

// DatabaseURL is the connection string of the running database.
func (s *Stack) DatabaseURL() (string, error) { return s.orch.ServiceURL(services.DatabaseName) }

// BackendURL is the listen URL of the running backend.
func (s *Stack) BackendURL() (string, error) { return s.orch.ServiceURL(services.BackendName) }

// Handler serves the status/control API for mounting in another server.
func (s *Stack) Handler() http.Handler { return s.router.Handler() }

// History returns up to limit stored events, newest first.
func (s *Stack) History(ctx context.Context, limit int) ([]HistoryRecord, error) {
	if s.reader == nil {
		return nil, errors.New("history is disabled or its sinks cannot be read")
	}
	return s.reader.Recent(ctx, limit)
}

// APIURL is the base URL of the status API as configured.
func (s *Stack) APIURL() string {
	scheme := "http"
	if s.tlsConf != nil {
		scheme = "https"
	}
	return scheme + "://" + s.cfg.Server.Listen + s.router.BasePath()
}

// RunID identifies this process's events in history.
func (s *Stack) RunID() string { return s.runID }

// Logger is the logger the stack writes to.
func (s *Stack) Logger() *slog.Logger { return s.log }

// CachedPorts reads the ports remembered from the last successful startup.
func CachedPorts(dataDir string) (database, backend int, ok bool) {
	c := cache.Load(dataDir)
	if _, ok := c.LastStartup(); !ok {
		return 0, 0, false
	}
	return c.DatabasePort, c.BackendPort, true
}

// CheckPort reports whether port can be bound on localhost.
func CheckPort(port int) PortStatus { return ports.Classify(port) }

// FindAvailablePort scans upward from start, trying at most span ports.
func FindAvailablePort(start, span int) (int, bool) {
	return ports.Range{Start: start, End: start + span - 1}.Find()
}

// FindPortInRange returns the first free port of r.
func FindPortInRange(r PortRange) (int, bool) { return r.Find() }

// ValidateCache strictly checks the service config cache under dataDir.
// A missing file is not an error; present reports whether one exists.
func ValidateCache(dataDir string) (cfg CachedServiceConfig, present bool, err error) {
	path := cache.Path(dataDir)
	if _, serr := os.Stat(path); errors.Is(serr, fs.ErrNotExist) {
		return CachedServiceConfig{}, false, nil
	}
	cfg, err = cache.ValidateFile(path)
	return cfg, true, err
}

// PortOccupant describes the process holding port, best effort; nil when unknown.
func PortOccupant(ctx context.Context, port int) *ProcessInfo {
	return ports.LookupOccupant(ctx, port)
}

// RegisterMetrics registers the stackup collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
