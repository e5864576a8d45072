// Package config loads stackup.toml. Every key has a default, so an empty or
// missing file yields a runnable configuration. Environment variables with the
// STACKUP_ prefix override file values (STACKUP_DATABASE_PORT, ...).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/stackup/internal/auth"
	"github.com/loykin/stackup/internal/backoff"
	"github.com/loykin/stackup/internal/env"
	"github.com/loykin/stackup/internal/logger"
	"github.com/loykin/stackup/internal/ports"
	stls "github.com/loykin/stackup/internal/tls"
)

const EnvPrefix = "STACKUP"

type Config struct {
	// DataDir holds the service config cache, the database cluster and logs.
	DataDir     string         `mapstructure:"data_dir"`
	Database    DatabaseConfig `mapstructure:"database"`
	Backend     BackendConfig  `mapstructure:"backend"`
	SpawnPolicy backoff.Policy `mapstructure:"spawn_policy"`
	PollPolicy  backoff.Policy `mapstructure:"poll_policy"`
	Ports       PortsConfig    `mapstructure:"ports"`
	Log         logger.Config  `mapstructure:"log"`
	History     HistoryConfig  `mapstructure:"history"`
	Server      ServerConfig   `mapstructure:"server"`
	Metrics     MetricsConfig  `mapstructure:"metrics"`
}

type DatabaseConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// BinDir overrides discovery of the directory holding initdb and postgres.
	BinDir       string        `mapstructure:"bin_dir"`
	User         string        `mapstructure:"user"`
	Database     string        `mapstructure:"database"`
	Port         int           `mapstructure:"port"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
	// ReadyCommand must exit 0 as well as the connection check, e.g.
	// "pg_isready -h 127.0.0.1 -p {port}".
	ReadyCommand string `mapstructure:"ready_command"`
	// Extensions are created in the database after it first becomes ready.
	Extensions []string `mapstructure:"extensions"`
}

type BackendConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Executable  string   `mapstructure:"executable"`
	SearchPaths []string `mapstructure:"search_paths"`
	Args        []string `mapstructure:"args"`
	// Env entries are KEY=VALUE and override EnvFiles.
	Env          []string      `mapstructure:"env"`
	EnvFiles     []string      `mapstructure:"env_files"`
	WorkDir      string        `mapstructure:"workdir"`
	Port         int           `mapstructure:"port"`
	HealthPath   string        `mapstructure:"health_path"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
}

type PortsConfig struct {
	// SearchSpan is how many ports above a taken one are tried.
	SearchSpan int `mapstructure:"search_span"`
}

type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// DSNs lists sinks: sqlite paths, postgres:// or clickhouse:// URLs.
	// Empty means <data_dir>/history.db.
	DSNs []string `mapstructure:"dsns"`
}

type ServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	// TLS without cert_file or dir uses <data_dir>/tls.
	TLS stls.Config `mapstructure:"tls"`
	// Auth requires a bearer token on every route; STACKUP_SERVER_AUTH_TOKEN
	// keeps the secret out of the file.
	Auth auth.Config `mapstructure:"auth"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DefaultDataDir is <user config dir>/stackup, or .stackup when the OS has none.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "stackup")
	}
	return ".stackup"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("database.enabled", true)
	v.SetDefault("database.user", "stackup")
	v.SetDefault("database.database", "stackup")
	v.SetDefault("database.port", ports.DefaultDatabaseRange.Start)
	v.SetDefault("database.ready_timeout", "30s")
	v.SetDefault("database.stop_grace", "10s")
	v.SetDefault("database.ready_command", "")

	v.SetDefault("backend.enabled", true)
	v.SetDefault("backend.executable", "stackup-backend")
	v.SetDefault("backend.port", ports.DefaultBackendRange.Start)
	v.SetDefault("backend.health_path", "/api/health")
	v.SetDefault("backend.ready_timeout", "60s")
	v.SetDefault("backend.stop_grace", "5s")

	setPolicyDefaults(v, "spawn_policy", backoff.DefaultSpawnPolicy)
	setPolicyDefaults(v, "poll_policy", backoff.DefaultPollPolicy)

	v.SetDefault("ports.search_span", ports.DefaultSearchSpan)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)

	v.SetDefault("history.enabled", true)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.listen", "127.0.0.1:8765")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.auto_generate", true)
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.token", "")
	v.SetDefault("server.auth.token_hash", "")
	v.SetDefault("metrics.enabled", true)
}

func setPolicyDefaults(v *viper.Viper, key string, p backoff.Policy) {
	v.SetDefault(key+".initial_delay", p.InitialDelay.String())
	v.SetDefault(key+".max_delay", p.MaxDelay.String())
	v.SetDefault(key+".multiplier", p.Multiplier)
	v.SetDefault(key+".max_attempts", p.MaxAttempts)
	v.SetDefault(key+".total_timeout", p.TotalTimeout.String())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Default returns the configuration an empty file would produce.
func Default() Config {
	cfg, err := decode(newViper())
	if err != nil {
		// defaults are static and always decode
		panic(err)
	}
	return cfg
}

// Load reads path; an empty path loads defaults plus environment overrides.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate rejects values the orchestrator cannot work with.
func (c Config) Validate() error {
	var problems []error
	if c.DataDir == "" {
		problems = append(problems, errors.New("data_dir is empty"))
	}
	if err := c.SpawnPolicy.Validate(); err != nil {
		problems = append(problems, fmt.Errorf("spawn_policy: %w", err))
	}
	if err := c.PollPolicy.Validate(); err != nil {
		problems = append(problems, fmt.Errorf("poll_policy: %w", err))
	}
	if c.Ports.SearchSpan < 0 {
		problems = append(problems, errors.New("ports.search_span cannot be negative"))
	}
	if c.Database.Enabled {
		problems = append(problems, checkPort("database.port", c.Database.Port))
	}
	if c.Server.Enabled {
		problems = append(problems, c.Server.Auth.Validate())
	}
	if c.Backend.Enabled {
		problems = append(problems, checkPort("backend.port", c.Backend.Port))
		if c.Backend.Executable == "" {
			problems = append(problems, errors.New("backend.executable is empty"))
		}
		if !strings.HasPrefix(c.Backend.HealthPath, "/") {
			problems = append(problems, fmt.Errorf("backend.health_path %q must start with /", c.Backend.HealthPath))
		}
	}
	return errors.Join(problems...)
}

func checkPort(key string, p int) error {
	if p < ports.FirstUnprivileged || p > ports.MaxPort {
		return fmt.Errorf("%s %d outside %d-%d", key, p, ports.FirstUnprivileged, ports.MaxPort)
	}
	return nil
}

// BackendEnv merges the backend's env_files in order, then its env list.
// Later entries win.
func (c Config) BackendEnv() (map[string]string, error) {
	m := env.Var{}
	for _, p := range c.Backend.EnvFiles {
		pairs, err := env.LoadFile(p)
		if err != nil {
			return nil, err
		}
		m = m.Merge(pairs)
	}
	return m.Merge(env.Parse(c.Backend.Env)), nil
}

// LogDir is where application and child logs go when log.file.dir is unset.
func (c Config) LogDir() string {
	if c.Log.File.Dir != "" {
		return c.Log.File.Dir
	}
	return filepath.Join(c.DataDir, "logs")
}

// ServerTLS resolves the TLS section, defaulting the certificate directory.
func (c Config) ServerTLS() stls.Config {
	t := c.Server.TLS
	if t.CertFile == "" && t.Dir == "" {
		t.Dir = filepath.Join(c.DataDir, "tls")
	}
	return t
}

// Settings flattens the effective configuration into sorted key/value pairs.
func (c Config) Settings() []Setting {
	m := map[string]any{
		"data_dir":                   c.DataDir,
		"database.enabled":           c.Database.Enabled,
		"database.bin_dir":           c.Database.BinDir,
		"database.user":              c.Database.User,
		"database.database":          c.Database.Database,
		"database.port":              c.Database.Port,
		"database.ready_timeout":     c.Database.ReadyTimeout,
		"database.stop_grace":        c.Database.StopGrace,
		"database.ready_command":     c.Database.ReadyCommand,
		"database.extensions":        c.Database.Extensions,
		"backend.enabled":            c.Backend.Enabled,
		"backend.executable":         c.Backend.Executable,
		"backend.port":               c.Backend.Port,
		"backend.health_path":        c.Backend.HealthPath,
		"backend.ready_timeout":      c.Backend.ReadyTimeout,
		"backend.stop_grace":         c.Backend.StopGrace,
		"spawn_policy.max_attempts":  c.SpawnPolicy.MaxAttempts,
		"spawn_policy.total_timeout": c.SpawnPolicy.TotalTimeout,
		"poll_policy.max_attempts":   c.PollPolicy.MaxAttempts,
		"poll_policy.total_timeout":  c.PollPolicy.TotalTimeout,
		"ports.search_span":          c.Ports.SearchSpan,
		"log.level":                  c.Log.Level,
		"log.format":                 c.Log.Format,
		"history.enabled":            c.History.Enabled,
		"history.dsns":               c.History.DSNs,
		"server.enabled":             c.Server.Enabled,
		"server.listen":              c.Server.Listen,
		"server.base_path":           c.Server.BasePath,
		"server.tls.enabled":         c.Server.TLS.Enabled,
		"server.auth.enabled":        c.Server.Auth.Enabled,
		"metrics.enabled":            c.Metrics.Enabled,
	}
	out := make([]Setting, 0, len(m))
	for k, val := range m {
		out = append(out, Setting{Key: k, Value: fmt.Sprint(val)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
