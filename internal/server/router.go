package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/devrun/internal/controller"
	"github.com/loykin/devrun/internal/logger"
	"github.com/loykin/devrun/internal/metrics"
	"github.com/loykin/devrun/internal/process"
)

// Controller is the part of *controller.Controller the router drives.
type Controller interface {
	Start(ctx context.Context) (*process.Handle, error)
	Restart(ctx context.Context) (*process.Handle, error)
	Stop(ctx context.Context) error
	Status() controller.Status
}

// Router provides embeddable HTTP handlers for controlling the worker.
// Endpoints:
//
//	POST {basePath}/start
//	POST {basePath}/restart
//	POST {basePath}/stop     query: wait=5s (optional)
//	GET  {basePath}/status
//	GET  {basePath}/healthz
//	GET  /metrics            only WithMetrics
type Router struct {
	ctrl     Controller
	basePath string
	log      *slog.Logger
	metrics  bool
	gatherer prometheus.Gatherer
}

type Option func(*Router)

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics mounts the Prometheus handler at /metrics.
func WithMetrics(enabled bool) Option {
	return func(r *Router) { r.metrics = enabled }
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(r *Router) { r.gatherer = g }
}

// NewRouter constructs a Router. Example basePath: "/api" results in
// /api/start, /api/restart, /api/stop and /api/status.
func NewRouter(ctrl Controller, basePath string, opts ...Option) *Router {
	r := &Router{ctrl: ctrl, basePath: sanitizeBase(basePath), log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.requestID())
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/restart", r.handleRestart)
	group.POST("/stop", r.handleStop)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	if r.metrics {
		h := metrics.Handler()
		if r.gatherer != nil {
			h = metrics.HandlerFor(r.gatherer)
		}
		g.GET("/metrics", gin.WrapH(h))
	}
	return g
}

// NewServer builds an http.Server for addr using this router. The caller
// runs ListenAndServe and Shutdown.
func NewServer(addr, basePath string, ctrl Controller, opts ...Option) *http.Server {
	r := NewRouter(ctrl, basePath, opts...)
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// restart waits for the old worker to exit
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

const headerRequestID = "X-Request-ID"

func (r *Router) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(headerRequestID, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStart(c *gin.Context) {
	if _, err := r.ctrl.Start(c.Request.Context()); err != nil {
		r.fail(c, "start", err)
		return
	}
	writeJSON(c, http.StatusOK, r.ctrl.Status())
}

func (r *Router) handleRestart(c *gin.Context) {
	if _, err := r.ctrl.Restart(c.Request.Context()); err != nil {
		r.fail(c, "restart", err)
		return
	}
	writeJSON(c, http.StatusOK, r.ctrl.Status())
}

func (r *Router) handleStop(c *gin.Context) {
	ctx := c.Request.Context()
	if s := c.Query("wait"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait: " + s})
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if err := r.ctrl.Stop(ctx); err != nil {
		r.fail(c, "stop", err)
		return
	}
	writeJSON(c, http.StatusOK, r.ctrl.Status())
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctrl.Status())
}

func (r *Router) fail(c *gin.Context, op string, err error) {
	code := statusCode(err)
	logger.FromContext(c.Request.Context(), r.log).Warn("request failed", "op", op, "status", code, "error", err)
	writeJSON(c, code, errorResp{Error: err.Error()})
}

// statusCode maps controller and process errors to HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, controller.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, process.ErrPIDFileUnavailable), errors.Is(err, controller.ErrNotRunning):
		return http.StatusNotFound
	case errors.Is(err, process.ErrMalformedPID):
		return http.StatusUnprocessableEntity
	case errors.Is(err, controller.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, process.ErrTerminateTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
