package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	ctx := context.Background()
	assert.NoError(t, TCP{Addr: ln.Addr().String()}.Ready(ctx))
	assert.Error(t, Local(closedPort(t)).Ready(ctx))
	assert.Equal(t, "tcp:127.0.0.1:80", Local(80).Describe())
}

func TestHTTP(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" || !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	p := HTTP{URL: srv.URL + "/api/health"}
	assert.NoError(t, p.Ready(context.Background()))
	healthy.Store(false)
	assert.Error(t, p.Ready(context.Background()))
}

func TestHTTPHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, HTTP{URL: srv.URL}.Ready(ctx))
}

func TestCommand(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	assert.NoError(t, Command{Command: "true"}.Ready(ctx))
	assert.Error(t, Command{Command: "false"}.Ready(ctx))
	assert.NoError(t, Command{Command: "test 1 -eq 1 && exit 0"}.Ready(ctx))
	assert.Error(t, Command{Command: "  "}.Ready(ctx))
	assert.Equal(t, "cmd:true", Command{Command: "true"}.Describe())
}

func TestFuncAndAll(t *testing.T) {
	ok := Func(func(context.Context) error { return nil })
	bad := Func(func(context.Context) error { return errors.New("not yet") })

	assert.NoError(t, All{ok, ok}.Ready(context.Background()))
	err := All{ok, bad}.Ready(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not yet")
	assert.Equal(t, "func+func", All{ok, bad}.Describe())
}

func TestPostgresNotListening(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.Error(t, PostgresLocal(closedPort(t), "postgres").Ready(ctx))
}

func TestPostgresGarbageServerIsNotReady(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = c.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
			_ = c.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.Error(t, PostgresLocal(port, "postgres").Ready(ctx))
}
