package stackup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stackup/internal/events"
	"github.com/loykin/stackup/pkg/client"
)

const fakeBackendEnv = "STACKUP_FACADE_FAKE_BACKEND"

func TestMain(m *testing.M) {
	if os.Getenv(fakeBackendEnv) == "1" {
		serveHealth()
		return
	}
	os.Exit(m.Run())
}

func serveHealth() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "ok") })
	srv := &http.Server{Addr: "127.0.0.1:" + os.Getenv("PORT"), Handler: mux, ReadHeaderTimeout: time.Second}
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGTERM, os.Interrupt)
		<-sig
		_ = srv.Close()
	}()
	_ = srv.ListenAndServe()
	os.Exit(0)
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require Unix-like process groups")
	}
}

func freePort(t *testing.T, from int) int {
	t.Helper()
	p, ok := FindAvailablePort(from, 500)
	require.True(t, ok)
	return p
}

func backendOnlyConfig(t *testing.T) Config {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Database.Enabled = false
	cfg.Backend.Executable = self
	cfg.Backend.Args = []string{"-test.run=^$"}
	cfg.Backend.Env = []string{fakeBackendEnv + "=1"}
	cfg.Backend.Port = freePort(t, 26001)
	cfg.Backend.ReadyTimeout = 20 * time.Second
	cfg.SpawnPolicy.MaxAttempts = 2
	cfg.SpawnPolicy.InitialDelay = 50 * time.Millisecond
	cfg.Server.Enabled = true
	cfg.Server.Listen = "127.0.0.1:" + strconv.Itoa(freePort(t, cfg.Backend.Port+100))
	cfg.Log.Color = false
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Database.Port = 80
	_, err := New(cfg, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errConfig))
	assert.Contains(t, err.Error(), "database.port")

	cfg = DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Database.Enabled = false
	cfg.Backend.Enabled = false
	_, err = New(cfg, Options{})
	assert.ErrorContains(t, err, "no services enabled")
}

func TestCheckPortAndFind(t *testing.T) {
	p := freePort(t, 27001)
	assert.True(t, CheckPort(p).Usable())
	got, ok := FindAvailablePort(p, 1)
	assert.True(t, ok)
	assert.Equal(t, p, got)
}

func TestCachedPortsWithoutRun(t *testing.T) {
	_, _, ok := CachedPorts(t.TempDir())
	assert.False(t, ok)
}

func TestStackBackendLifecycle(t *testing.T) {
	requireUnix(t)
	cfg := backendOnlyConfig(t)
	reg := prometheus.NewRegistry()
	s, err := New(cfg, Options{Console: io.Discard, Registerer: reg, Gatherer: reg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	var seen []EventType
	done := make(chan struct{})
	cancel := s.Subscribe(func(e Event) {
		seen = append(seen, e.Type)
		if e.Type == events.AllReady {
			close(done)
		}
	})
	defer cancel()

	ctx, stop := context.WithTimeout(context.Background(), time.Minute)
	defer stop()
	m, err := s.Start(ctx)
	require.NoError(t, err)
	assert.True(t, m.Success)
	<-done
	assert.Equal(t, []EventType{events.ServiceStarting, events.ServiceReady, events.AllReady}, seen)

	u, err := s.BackendURL()
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d", cfg.Backend.Port), u)
	_, err = s.DatabaseURL()
	assert.True(t, errors.Is(err, ErrUnknownService))

	api := client.New(client.Config{BaseURL: "http://" + cfg.Server.Listen, Timeout: 30 * time.Second})
	require.Eventually(t, func() bool { return api.IsReachable(ctx) }, 5*time.Second, 50*time.Millisecond)
	st, err := api.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ready", st.Phase)
	require.Len(t, st.Services, 1)
	assert.Equal(t, BackendService, st.Services[0].Name)

	require.NoError(t, api.Restart(ctx, BackendService))
	assert.Equal(t, cfg.Backend.Port, s.Ports()[BackendService])

	db, backend, ok := CachedPorts(cfg.DataDir)
	require.True(t, ok)
	assert.Equal(t, cfg.Backend.Port, backend)
	assert.NotZero(t, db)

	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, s.Shutdown(ctx), "second shutdown is a no-op")
	assert.Equal(t, "stopped", s.Phase().String())

	_, err = os.Stat(filepath.Join(cfg.DataDir, "history.db"))
	assert.NoError(t, err)
}
