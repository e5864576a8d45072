package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stackup/internal/auth"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/events"
	"github.com/loykin/stackup/internal/history"
	"github.com/loykin/stackup/internal/metrics"
	"github.com/loykin/stackup/internal/orchestrator"
	stls "github.com/loykin/stackup/internal/tls"
)

type fakeController struct {
	mu        sync.Mutex
	status    orchestrator.Status
	urls      map[string]string
	restarted []string
	restart   error
}

func (f *fakeController) Status(context.Context) orchestrator.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) ServiceURL(name string) (string, error) {
	u, ok := f.urls[name]
	if !ok {
		return "", fmt.Errorf("%w %q", orchestrator.ErrUnknownService, name)
	}
	if u == "" {
		return "", errs.Wrap(name, "url", errs.ErrNotInitialized)
	}
	return u, nil
}

func (f *fakeController) RestartService(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.urls[name]; !ok {
		return fmt.Errorf("%w %q", orchestrator.ErrUnknownService, name)
	}
	f.restarted = append(f.restarted, name)
	return f.restart
}

type fakeHistory struct {
	recs  []history.Record
	err   error
	limit int
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]history.Record, error) {
	f.limit = limit
	if limit < len(f.recs) {
		return f.recs[:limit], f.err
	}
	return f.recs, f.err
}

func newFake() *fakeController {
	return &fakeController{
		status: orchestrator.Status{
			Phase:   orchestrator.PhaseReady.String(),
			Summary: "Ready",
			Services: []orchestrator.ServiceStatus{
				{Name: "postgres", Label: "PostgreSQL", State: "ready", Port: 5433, Ready: true},
				{Name: "backend", Label: "Backend", State: "ready", Port: 5001, Ready: true},
			},
		},
		urls: map[string]string{
			"postgres": "postgres://stackup@127.0.0.1:5433/stackup?sslmode=disable",
			"backend":  "",
		},
	}
}

func setupRouter(t *testing.T, ctl Controller, opts Options) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(ctl, opts).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	h := setupRouter(t, newFake(), Options{BasePath: "/api/"})
	rec := doReq(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var st orchestrator.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "ready", st.Phase)
	require.Len(t, st.Services, 2)
	assert.Equal(t, 5433, st.Services[0].Port)
}

func TestServiceURLEndpoint(t *testing.T) {
	h := setupRouter(t, newFake(), Options{})

	rec := doReq(t, h, http.MethodGet, "/services/postgres/url")
	require.Equal(t, http.StatusOK, rec.Code)
	var body urlResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "postgres", body.Name)
	assert.Contains(t, body.URL, ":5433/")

	assert.Equal(t, http.StatusConflict, doReq(t, h, http.MethodGet, "/services/backend/url").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/services/redis/url").Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/services/a..b/url").Code)
}

func TestRestartEndpoint(t *testing.T) {
	ctl := newFake()
	h := setupRouter(t, ctl, Options{})

	rec := doReq(t, h, http.MethodPost, "/services/backend/restart")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"backend"}, ctl.restarted)

	ctl.restart = orchestrator.ErrShutdown
	rec = doReq(t, h, http.MethodPost, "/services/backend/restart")
	assert.Equal(t, http.StatusConflict, rec.Code)
	var e errorResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Contains(t, e.Error, "shut")

	ctl.restart = errors.New("boom")
	assert.Equal(t, http.StatusInternalServerError, doReq(t, h, http.MethodPost, "/services/backend/restart").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodPost, "/services/nope/restart").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/services/backend/restart").Code, "GET is not routed")
}

func TestHistoryEndpoint(t *testing.T) {
	now := time.Now().UTC()
	hist := &fakeHistory{recs: []history.Record{
		{RunID: "r1", OccurredAt: now, Type: string(events.AllReady), DurationMS: 1200},
		{RunID: "r1", OccurredAt: now.Add(-time.Second), Type: string(events.ServiceReady), Service: "postgres", Port: 5433},
	}}
	h := setupRouter(t, newFake(), Options{History: hist})

	rec := doReq(t, h, http.MethodGet, "/history?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var recs []history.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, string(events.AllReady), recs[0].Type)
	assert.Equal(t, 1, hist.limit)

	doReq(t, h, http.MethodGet, "/history")
	assert.Equal(t, defaultHistoryLimit, hist.limit)
	doReq(t, h, http.MethodGet, "/history?limit=999999")
	assert.Equal(t, maxHistoryLimit, hist.limit)

	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/history?limit=-3").Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/history?limit=x").Code)

	hist.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, doReq(t, h, http.MethodGet, "/history").Code)
}

func TestHistoryEmptyIsArray(t *testing.T) {
	h := setupRouter(t, newFake(), Options{History: &fakeHistory{}})
	rec := doReq(t, h, http.MethodGet, "/history")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestOptionalRoutesDisabled(t *testing.T) {
	h := setupRouter(t, newFake(), Options{})
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/history").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/events").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/metrics").Code)
}

func TestAuthGuardsEveryRoute(t *testing.T) {
	guard, err := auth.NewMiddleware(auth.Config{Enabled: true, Token: "s3cret"})
	require.NoError(t, err)
	h := setupRouter(t, newFake(), Options{Auth: guard, History: &fakeHistory{}})

	assert.Equal(t, http.StatusUnauthorized, doReq(t, h, http.MethodGet, "/status").Code)
	assert.Equal(t, http.StatusUnauthorized, doReq(t, h, http.MethodPost, "/services/backend/restart").Code)

	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg))
	metrics.IncStart("backend")

	h := setupRouter(t, newFake(), Options{Gatherer: reg})
	rec := doReq(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stackup_")
}

func TestEventsStream(t *testing.T) {
	gin.SetMode(gin.TestMode)
	bus := events.NewBus(nil)
	srv := httptest.NewServer(NewRouter(newFake(), Options{Bus: bus}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// the handler subscribes asynchronously; publish until one is delivered
	require.Eventually(t, func() bool {
		_ = bus.Publish(events.Ready("postgres", 5433, 2*time.Second))
		return bus.Stats().Delivered > 0
	}, 5*time.Second, 20*time.Millisecond)
	bus.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "event:service-ready")
	assert.Contains(t, string(body), `"service":"postgres"`)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("%w %q", orchestrator.ErrUnknownService, "x")))
	assert.Equal(t, http.StatusConflict, statusFor(errs.Wrap("x", "url", errs.ErrNotInitialized)))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(context.Canceled))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("x")))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestNewServerHTTP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	addr := freeAddr(t)
	srv, err := NewServer(addr, NewRouter(newFake(), Options{BasePath: "api"}), nil)
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	resp, err := http.Get("http://" + addr + "/api/status")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = NewServer(addr, NewRouter(newFake(), Options{}), nil)
	assert.ErrorContains(t, err, "listen")
}

type lockedBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestNewServerLogsServeError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf lockedBuffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	// no certificate anywhere, so ServeTLS fails right away
	addr := freeAddr(t)
	srv, err := NewServer(addr, NewRouter(newFake(), Options{Logger: log}), &tls.Config{})
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "status API stopped serving")
	}, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, buf.String(), "addr="+addr)
}

func TestNewServerCloseIsQuiet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf lockedBuffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	addr := freeAddr(t)
	srv, err := NewServer(addr, NewRouter(newFake(), Options{Logger: log}), nil)
	require.NoError(t, err)
	require.NoError(t, srv.Shutdown(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.NotContains(t, buf.String(), "stopped serving")
}

func TestNewServerTLS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tc := stls.Config{Enabled: true, Dir: t.TempDir(), AutoGenerate: true}
	tlsConf, err := stls.Setup(tc)
	require.NoError(t, err)

	addr := freeAddr(t)
	srv, err := NewServer(addr, NewRouter(newFake(), Options{}), tlsConf)
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	ca, err := os.ReadFile(tc.CACertPath())
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(ca))
	hc := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}}}

	resp, err := hc.Get("https://" + addr + "/status")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
