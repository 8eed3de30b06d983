package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/workerd/internal/metrics"
	"github.com/loykin/workerd/internal/supervisor"
)

// Controller is the part of the supervisor the API drives.
type Controller interface {
	Snapshot(ctx context.Context) (supervisor.Snapshot, error)
	Stop()
	Reload()
	Force()
	DumpStatus()
}

// Router provides embeddable HTTP handlers for controlling the master.
// Endpoints:
//
//	GET  {basePath}/status               whole snapshot, or ?pool=NAME for one pool
//	POST {basePath}/reload               ?force=true escalates to SIGKILL after the timeout
//	POST {basePath}/stop                 ?force=true likewise
//	POST {basePath}/status/dump          rewrite the status file
//	GET  {basePath}/workers/usage        ?pool=NAME, optional &slot=N for its history
//	GET  /metrics                        when a metrics handler is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	basePath string
	usage    *metrics.WorkerCollector
	metrics  http.Handler
	timeout  time.Duration
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/status, /api/reload, ...
func NewRouter(ctl Controller, basePath string) *Router {
	return &Router{ctl: ctl, basePath: sanitizeBase(basePath), timeout: 2 * time.Second}
}

// WithUsage exposes per-worker resource samples.
func (r *Router) WithUsage(c *metrics.WorkerCollector) *Router {
	r.usage = c
	return r
}

// WithMetrics mounts h at /metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

// Register adds the routes to an existing gin engine or group.
func (r *Router) Register(g gin.IRouter) {
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/status/dump", r.handleDump)
	group.POST("/reload", r.handleReload)
	group.POST("/stop", r.handleStop)
	group.GET("/workers/usage", r.handleUsage)
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g)
	return g
}

// NewServer starts a standalone HTTP server on addr serving h.
func NewServer(addr string, h http.Handler, log *slog.Logger) *http.Server {
	if log == nil {
		log = slog.Default()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("control api stopped", "addr", addr, "error", err)
		}
	}()
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type acceptedResp struct {
	Accepted string `json:"accepted"`
	Force    bool   `json:"force,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.timeout)
	defer cancel()
	snap, err := r.ctl.Snapshot(ctx)
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	name := c.Query("pool")
	if name == "" {
		writeJSON(c, http.StatusOK, snap)
		return
	}
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid pool: allowed [A-Za-z0-9._-]"})
		return
	}
	p, ok := snap.Pool(name)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown pool " + name})
		return
	}
	writeJSON(c, http.StatusOK, p)
}

func (r *Router) handleDump(c *gin.Context) {
	r.ctl.DumpStatus()
	writeJSON(c, http.StatusAccepted, acceptedResp{Accepted: "status"})
}

func (r *Router) handleReload(c *gin.Context) {
	force, ok := forceParam(c)
	if !ok {
		return
	}
	if force {
		r.ctl.Force()
	}
	r.ctl.Reload()
	writeJSON(c, http.StatusAccepted, acceptedResp{Accepted: "reload", Force: force})
}

func (r *Router) handleStop(c *gin.Context) {
	force, ok := forceParam(c)
	if !ok {
		return
	}
	if force {
		r.ctl.Force()
	}
	r.ctl.Stop()
	writeJSON(c, http.StatusAccepted, acceptedResp{Accepted: "stop", Force: force})
}

func (r *Router) handleUsage(c *gin.Context) {
	if r.usage == nil || !r.usage.IsEnabled() {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "worker metrics disabled"})
		return
	}
	name := c.Query("pool")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "pool query param required"})
		return
	}
	if s := c.Query("slot"); s != "" {
		slot, err := strconv.Atoi(s)
		if err != nil || slot < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid slot"})
			return
		}
		h := r.usage.History(name, slot)
		if len(h) == 0 {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "no samples"})
			return
		}
		writeJSON(c, http.StatusOK, h)
		return
	}
	u, ok := r.usage.Pool(name)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no samples"})
		return
	}
	writeJSON(c, http.StatusOK, u)
}
