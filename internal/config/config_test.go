package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stackup/internal/backoff"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, 5001, cfg.Backend.Port)
	assert.Equal(t, "/api/health", cfg.Backend.HealthPath)
	assert.Equal(t, 30*time.Second, cfg.Database.ReadyTimeout)
	assert.Equal(t, backoff.DefaultSpawnPolicy, cfg.SpawnPolicy)
	assert.Equal(t, backoff.DefaultPollPolicy, cfg.PollPolicy)
	assert.Equal(t, 10, cfg.Ports.SearchSpan)
	assert.Empty(t, cfg.Database.ReadyCommand)
	assert.NotEmpty(t, cfg.DataDir)
	assert.True(t, cfg.History.Enabled)
	assert.False(t, cfg.Server.Enabled)
	assert.Equal(t, cfg, Default())
}

func TestLoadFile(t *testing.T) {
	p := writeFile(t, "stackup.toml", `
data_dir = "/var/lib/stackup"

[database]
port = 6000
user = "app"
ready_timeout = "5s"
ready_command = "pg_isready -h 127.0.0.1 -p {port}"

[backend]
executable = "/opt/api/server"
args = ["--verbose"]
env = ["MODE=dev"]
health_path = "/healthz"

[poll_policy]
initial_delay = "50ms"
max_delay = "200ms"
multiplier = 2.0
max_attempts = 5
total_timeout = "3s"

[log]
level = "debug"
format = "json"
  [log.file]
  dir = "/tmp/logs"
  max_size_mb = 5

[history]
dsns = ["sqlite:///tmp/h.db", "postgres://u@localhost/db"]
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/stackup", cfg.DataDir)
	assert.Equal(t, 6000, cfg.Database.Port)
	assert.Equal(t, "app", cfg.Database.User)
	assert.Equal(t, 5*time.Second, cfg.Database.ReadyTimeout)
	assert.Equal(t, "pg_isready -h 127.0.0.1 -p {port}", cfg.Database.ReadyCommand)
	assert.Equal(t, "/opt/api/server", cfg.Backend.Executable)
	assert.Equal(t, []string{"--verbose"}, cfg.Backend.Args)
	assert.Equal(t, "/healthz", cfg.Backend.HealthPath)
	assert.Equal(t, backoff.Policy{
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  5,
		TotalTimeout: 3 * time.Second,
	}, cfg.PollPolicy)
	assert.Equal(t, backoff.DefaultSpawnPolicy, cfg.SpawnPolicy, "untouched section keeps defaults")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/tmp/logs", cfg.Log.File.Dir)
	assert.Equal(t, 5, cfg.Log.File.MaxSizeMB)
	assert.Equal(t, "/tmp/logs", cfg.LogDir())
	assert.Len(t, cfg.History.DSNs, 2)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("STACKUP_DATABASE_PORT", "7000")
	t.Setenv("STACKUP_BACKEND_ENABLED", "false")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Database.Port)
	assert.False(t, cfg.Backend.Enabled)
}

func TestServerAuthFromEnv(t *testing.T) {
	t.Setenv("STACKUP_SERVER_ENABLED", "true")
	t.Setenv("STACKUP_SERVER_AUTH_ENABLED", "true")
	t.Setenv("STACKUP_SERVER_AUTH_TOKEN", "s3cret")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Server.Auth.Enabled)
	assert.Equal(t, "s3cret", cfg.Server.Auth.Token)

	t.Setenv("STACKUP_SERVER_AUTH_TOKEN", "")
	_, err = Load("")
	assert.ErrorContains(t, err, "server.auth")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Database.Port = 80
	assert.ErrorContains(t, bad.Validate(), "database.port")

	bad = cfg
	bad.Backend.HealthPath = "health"
	assert.ErrorContains(t, bad.Validate(), "health_path")

	bad = cfg
	bad.PollPolicy.Multiplier = 0.5
	assert.ErrorContains(t, bad.Validate(), "poll_policy")

	bad = cfg
	bad.Backend.Enabled = false
	bad.Backend.Port = 1
	assert.NoError(t, bad.Validate(), "disabled services are not checked")
}

func TestLoadRejectsInvalid(t *testing.T) {
	p := writeFile(t, "bad.toml", "[backend]\nport = 70000\n")
	_, err := Load(p)
	assert.ErrorContains(t, err, "backend.port")
}

func TestBackendEnv(t *testing.T) {
	envFile := writeFile(t, "api.env", "# comment\nA=1\n\nB = two\nMODE=prod\n")
	cfg := Default()
	cfg.Backend.EnvFiles = []string{envFile}
	cfg.Backend.Env = []string{"MODE=dev", "EMPTY=", "=skipped"}

	env, err := cfg.BackendEnv()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "two", "MODE": "dev", "EMPTY": ""}, env)

	cfg.Backend.EnvFiles = []string{"/does/not/exist.env"}
	_, err = cfg.BackendEnv()
	assert.Error(t, err)
}

func TestLogDirDefault(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"
	assert.Equal(t, filepath.Join("/data", "logs"), cfg.LogDir())
}

func TestSettingsSorted(t *testing.T) {
	s := Default().Settings()
	require.NotEmpty(t, s)
	for i := 1; i < len(s); i++ {
		assert.Less(t, s[i-1].Key, s[i].Key)
	}
}
