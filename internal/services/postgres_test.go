package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stackup/internal/backoff"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/orchestrator"
	"github.com/loykin/stackup/internal/ports"
	"github.com/loykin/stackup/internal/probe"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require Unix-like process groups")
	}
}

// fakeBinDir creates empty files named after tools.
func fakeBinDir(t *testing.T, tools ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, tool := range tools {
		require.NoError(t, os.WriteFile(filepath.Join(dir, exeName(tool)), []byte("#!/bin/sh\n"), 0o755))
	}
	return dir
}

func TestFindBinDirNeedsEveryTool(t *testing.T) {
	partial := fakeBinDir(t, "postgres")
	full := fakeBinDir(t, "initdb", "postgres")

	dir, tried := findBinDir([]string{partial, "/nonexistent", full}, "initdb", "postgres")
	assert.Equal(t, full, dir)
	assert.Equal(t, []string{partial, "/nonexistent", full}, tried)

	dir, tried = findBinDir([]string{partial}, "initdb", "postgres")
	assert.Empty(t, dir)
	assert.Len(t, tried, 1)
}

func TestPostgresBinCandidates(t *testing.T) {
	assert.Equal(t, []string{"/custom/bin"}, PostgresBinCandidates("/custom/bin"))
	c := PostgresBinCandidates("")
	assert.Equal(t, DefaultPostgresBinDirs, c[:len(DefaultPostgresBinDirs)])
	assert.Equal(t, 17, pgVersion("/usr/lib/postgresql/17/bin"))
}

func TestPostgresMissingBinaries(t *testing.T) {
	p := NewPostgres(PostgresOptions{BinDir: t.TempDir(), DataDir: t.TempDir()})
	assert.Empty(t, p.BinDir())

	err := p.Init(context.Background(), 5433)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrBinaryNotFound))
	assert.True(t, errs.Structural(err))
	assert.Contains(t, err.Error(), "initdb")
}

func TestPostgresSpecRequiresInit(t *testing.T) {
	bin := fakeBinDir(t, "initdb", "postgres", "pg_ctl")
	p := NewPostgres(PostgresOptions{BinDir: bin, DataDir: filepath.Join(t.TempDir(), "pg")})
	assert.False(t, p.Initialized())

	_, err := p.Spec(5433)
	assert.True(t, errors.Is(err, errs.ErrNotInitialized))

	_, err = p.Def(5433).Build(5433, nil)
	assert.True(t, errors.Is(err, errs.ErrNotInitialized))
}

func TestPostgresInitExistingCluster(t *testing.T) {
	bin := fakeBinDir(t, "initdb", "postgres", "pg_ctl")
	data := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(data, "PG_VERSION"), []byte("18\n"), 0o600))

	p := NewPostgres(PostgresOptions{BinDir: bin, DataDir: data, User: "app"})
	require.True(t, p.Initialized())
	require.NoError(t, p.Init(context.Background(), 6543))

	conf, err := os.ReadFile(filepath.Join(data, "postgresql.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(conf), "port = 6543\n")
	assert.Contains(t, string(conf), "log_line_prefix = '%t [%p] '")
	assert.Contains(t, string(conf), "listen_addresses = 'localhost'")

	hba, err := os.ReadFile(filepath.Join(data, "pg_hba.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(hba), "127.0.0.1/32")

	spec, err := p.Spec(6543)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(bin, exeName("postgres")), spec.Executable)
	assert.Equal(t, []string{"-D", data, "-p", "6543", "-k", data}, spec.Args)
	assert.Equal(t, "C", spec.Env["LC_ALL"])

	def := p.Def(6543)
	assert.Equal(t, orchestrator.RoleDatabase, def.Role)
	l, err := def.Build(6543, nil)
	require.NoError(t, err)
	assert.NotNil(t, l.StopFunc)
	assert.Equal(t, "postgres", l.Probe.Describe())
}

func TestPostgresInitStalePID(t *testing.T) {
	requireUnix(t)
	bin := fakeBinDir(t, "initdb", "postgres", "pg_ctl")
	data := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(data, "PG_VERSION"), []byte("18\n"), 0o600))
	pidPath := filepath.Join(data, "postmaster.pid")
	p := NewPostgres(PostgresOptions{BinDir: bin, DataDir: data})

	// a live owner blocks the start
	live := fmt.Sprintf("%d\n%s\n0\n5433\n", os.Getpid(), data)
	require.NoError(t, os.WriteFile(pidPath, []byte(live), 0o600))
	err := p.Init(context.Background(), 5433)
	require.ErrorIs(t, err, errs.ErrDataDirInUse)

	// a dead one is cleared
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	stale := fmt.Sprintf("%d\n%s\n0\n5433\n", cmd.Process.Pid, data)
	require.NoError(t, os.WriteFile(pidPath, []byte(stale), 0o600))
	require.NoError(t, p.Init(context.Background(), 5433))
	_, err = os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err))
}

func TestPostgresConnString(t *testing.T) {
	p := NewPostgres(PostgresOptions{BinDir: t.TempDir(), User: "app", Database: "notes"})
	assert.Equal(t, "postgres://app@127.0.0.1:5999/notes?sslmode=disable", p.ConnString(5999))

	d := NewPostgres(PostgresOptions{BinDir: t.TempDir()})
	assert.Equal(t, "postgres://stackup@127.0.0.1:5433/stackup?sslmode=disable", d.ConnString(5433))
}

func TestPostgresReadyCommand(t *testing.T) {
	p := NewPostgres(PostgresOptions{BinDir: t.TempDir(), User: "app"})
	_, plain := p.readyProbe(5433).(probe.Postgres)
	assert.True(t, plain)

	p = NewPostgres(PostgresOptions{BinDir: t.TempDir(), User: "app", ReadyCommand: "pg_isready -p {port} -U {user}"})
	all, ok := p.readyProbe(5999).(probe.All)
	require.True(t, ok)
	require.Len(t, all, 2)
	assert.Equal(t, "postgres+cmd:pg_isready -p 5999 -U app", all.Describe())

	// the connection check runs first, so the command is never reached here
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := p.readyProbe(closedPort(t)).Ready(ctx)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "postgres:"), err.Error())
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// TestEmbeddedPostgres runs a real cluster when PostgreSQL is installed.
func TestEmbeddedPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded postgres in -short mode")
	}
	requireUnix(t)
	if os.Geteuid() == 0 {
		t.Skip("postgres refuses to run as root")
	}
	p := NewPostgres(PostgresOptions{
		DataDir:      filepath.Join(t.TempDir(), "pg"),
		User:         "stackup",
		Database:     "stackup_test",
		ReadyTimeout: 30 * time.Second,
		StopGrace:    10 * time.Second,
	})
	if p.BinDir() == "" {
		t.Skip("postgres binaries not installed")
	}

	port, ok := ports.FindAvailable(15433, 200)
	require.True(t, ok)
	o, err := orchestrator.New(orchestrator.Options{
		Services:    []orchestrator.ServiceDef{p.Def(port)},
		SpawnPolicy: backoff.Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxAttempts: 2},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.ShutdownAll(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	m, err := o.StartServices(ctx)
	require.NoError(t, err)
	assert.True(t, m.Success)

	url, err := o.ServiceURL(DatabaseName)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(url, ":"+strconv.Itoa(port)+"/stackup_test?sslmode=disable"))

	require.NoError(t, p.EnsureDatabase(ctx, port), "idempotent")
	require.NoError(t, o.ShutdownAll(ctx))
	assert.True(t, ports.Classify(port).Usable())
}
