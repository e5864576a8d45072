package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/stackup/internal/auth"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/events"
	"github.com/loykin/stackup/internal/history"
	"github.com/loykin/stackup/internal/metrics"
	"github.com/loykin/stackup/internal/orchestrator"
)

// Controller is the part of the orchestrator the API drives.
type Controller interface {
	Status(ctx context.Context) orchestrator.Status
	ServiceURL(name string) (string, error)
	RestartService(ctx context.Context, name string) error
}

// Options selects the optional endpoints.
type Options struct {
	// BasePath may be empty or start with '/'; no trailing slash.
	BasePath string
	// Bus enables GET {base}/events as a server-sent event stream.
	Bus *events.Bus
	// History enables GET {base}/history.
	History history.Reader
	// Gatherer enables GET {base}/metrics.
	Gatherer prometheus.Gatherer
	// Auth, when enabled, requires a bearer token on every route.
	Auth *auth.Middleware
	// Logger receives serve errors; nil uses slog.Default.
	Logger *slog.Logger
}

// Router provides embeddable HTTP handlers for the running services.
// Endpoints:
//
//	GET  {base}/status
//	GET  {base}/services/:name/url
//	POST {base}/services/:name/restart
//	GET  {base}/history?limit=50
//	GET  {base}/events
//	GET  {base}/metrics
type Router struct {
	ctl  Controller
	opts Options
}

func NewRouter(ctl Controller, opts Options) *Router {
	opts.BasePath = sanitizeBase(opts.BasePath)
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{ctl: ctl, opts: opts}
}

// BasePath is the sanitized prefix every route is mounted under.
func (r *Router) BasePath() string { return r.opts.BasePath }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.opts.BasePath)
	if r.opts.Auth.Enabled() {
		group.Use(r.opts.Auth.GinAuth())
	}
	group.GET("/status", r.handleStatus)
	group.GET("/services/:name/url", r.handleURL)
	group.POST("/services/:name/restart", r.handleRestart)
	if r.opts.History != nil {
		group.GET("/history", r.handleHistory)
	}
	if r.opts.Bus != nil {
		group.GET("/events", r.handleEvents)
	}
	if r.opts.Gatherer != nil {
		group.GET("/metrics", gin.WrapH(metrics.HandlerFor(r.opts.Gatherer)))
	}
	return g
}

// NewServer starts a standalone server on addr using router, over HTTPS when
// tlsConfig is non-nil. The listener is bound before returning so address
// errors surface here. Stop it with Shutdown or Close on the returned server.
func NewServer(addr string, router *Router, tlsConfig *tls.Config) (*http.Server, error) {
	server := &http.Server{
		Addr:              addr,
		Handler:           router.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// restarts wait for readiness and the event stream never ends
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	log := router.opts.Logger
	go func() {
		var err error
		if tlsConfig != nil {
			err = server.ServeTLS(ln, "", "")
		} else {
			err = server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = ln.Close()
			log.Error("status API stopped serving", "addr", addr, "err", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type urlResp struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Status(c.Request.Context()))
}

func (r *Router) serviceName(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name: allowed [A-Za-z0-9._-]"})
		return "", false
	}
	return name, true
}

func (r *Router) handleURL(c *gin.Context) {
	name, ok := r.serviceName(c)
	if !ok {
		return
	}
	u, err := r.ctl.ServiceURL(name)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, urlResp{Name: name, URL: u})
}

func (r *Router) handleRestart(c *gin.Context) {
	name, ok := r.serviceName(c)
	if !ok {
		return
	}
	if err := r.ctl.RestartService(c.Request.Context(), name); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

func (r *Router) handleHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	recs, err := r.opts.History.Recent(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	writeJSON(c, http.StatusOK, recs)
}

// handleEvents streams bus events as server-sent events until the client
// goes away or the bus closes.
func (r *Router) handleEvents(c *gin.Context) {
	sub := r.opts.Bus.SubscribeChannel(nil, 64)
	defer r.opts.Bus.Unsubscribe(sub)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	// send headers now so clients see the stream open before the first event
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case e, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent(string(e.Type), e)
			return true
		}
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrNotInitialized), errors.Is(err, orchestrator.ErrShutdown):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
