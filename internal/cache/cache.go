// Package cache persists the last-known-good port assignment so the next run
// tries the ports that worked before.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/ports"
)

const (
	// FileName is the cache file inside the data directory.
	FileName = "service-config.json"
	// SchemaVersion is the only version Load accepts.
	SchemaVersion = 1
	// FileMode keeps the cache private to the user.
	FileMode fs.FileMode = 0o600
)

// ServiceConfig is the persisted record. The JSON names are stable on disk.
type ServiceConfig struct {
	DatabasePort int `json:"postgres_port"`
	BackendPort  int `json:"backend_port"`
	// LastSuccessfulStartup is Unix seconds, nil until a run fully succeeded.
	LastSuccessfulStartup *int64 `json:"last_successful_startup"`
	SchemaVersion         int    `json:"schema_version"`
}

// Default is used whenever no valid cache exists.
func Default() ServiceConfig {
	return ServiceConfig{
		DatabasePort:  ports.DefaultDatabaseRange.Start,
		BackendPort:   ports.DefaultBackendRange.Start,
		SchemaVersion: SchemaVersion,
	}
}

// Path returns the cache file path for dir.
func Path(dir string) string { return filepath.Join(dir, FileName) }

// Load reads dir's cache. A missing, unreadable, corrupt or wrong-version file,
// or one holding a port no service can use, yields Default; Load never fails.
func Load(dir string) ServiceConfig {
	cfg, err := read(Path(dir))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Info("no service config cache, using defaults", "dir", dir)
		return Default()
	case err != nil:
		slog.Warn("ignoring service config cache", "path", Path(dir), "err", err)
		return Default()
	}
	return cfg
}

func read(path string) (ServiceConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ServiceConfig{}, err
	}
	var cfg ServiceConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return ServiceConfig{}, fmt.Errorf("parse: %w", err)
	}
	if cfg.SchemaVersion != SchemaVersion {
		return ServiceConfig{}, fmt.Errorf("schema version %d, expected %d", cfg.SchemaVersion, SchemaVersion)
	}
	if err := cfg.Validate(); err != nil {
		return ServiceConfig{}, err
	}
	return cfg, nil
}

// Save writes cfg atomically with mode 0600, creating dir if needed. Readers
// observe either the previous file or the new one, never a partial write.
func Save(dir string, cfg ServiceConfig) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("%w: create dir: %v", errs.ErrConfig, err)
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", errs.ErrConfig, err)
	}
	if err := writeAtomic(Path(dir), b); err != nil {
		return fmt.Errorf("%w: write: %v", errs.ErrConfig, err)
	}
	return nil
}

// MarkSuccessfulStartup records the ports of a fully successful run.
func (c *ServiceConfig) MarkSuccessfulStartup(databasePort, backendPort int, at time.Time) {
	c.DatabasePort = databasePort
	c.BackendPort = backendPort
	ts := at.Unix()
	c.LastSuccessfulStartup = &ts
	c.SchemaVersion = SchemaVersion
}

// LastStartup returns the time of the last successful run, if any.
func (c ServiceConfig) LastStartup() (time.Time, bool) {
	if c.LastSuccessfulStartup == nil {
		return time.Time{}, false
	}
	return time.Unix(*c.LastSuccessfulStartup, 0), true
}

// Validate reports ports that can never be used by a service.
func (c ServiceConfig) Validate() error {
	if c.DatabasePort < ports.FirstUnprivileged || c.DatabasePort > ports.MaxPort {
		return fmt.Errorf("%w: invalid postgres_port %d", errs.ErrConfig, c.DatabasePort)
	}
	if c.BackendPort < ports.FirstUnprivileged || c.BackendPort > ports.MaxPort {
		return fmt.Errorf("%w: invalid backend_port %d", errs.ErrConfig, c.BackendPort)
	}
	return nil
}

// ValidateFile strictly reads path, reporting any problem Load would hide.
func ValidateFile(path string) (ServiceConfig, error) {
	cfg, err := read(path)
	switch {
	case errors.Is(err, errs.ErrConfig):
		return ServiceConfig{}, err
	case err != nil:
		return ServiceConfig{}, fmt.Errorf("%w: %v", errs.ErrConfig, err)
	}
	return cfg, nil
}
