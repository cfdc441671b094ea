// Package server exposes the decision engine over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zen-systems/routecore/pkg/engine"
	"github.com/zen-systems/routecore/pkg/memory"
	"github.com/zen-systems/routecore/pkg/policy"
	"github.com/zen-systems/routecore/pkg/registry"
)

// maxDeadline caps caller-supplied deadlines.
const maxDeadline = 5 * time.Minute

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// DecisionRequest is the body of POST /v1/decisions.
type DecisionRequest struct {
	Query          string            `json:"query" binding:"required,max=16384"`
	SessionContext map[string]string `json:"session_context,omitempty"`
	Constraints    map[string]string `json:"constraints,omitempty"`
	Actor          policy.Actor      `json:"actor"`
	DeadlineMs     int               `json:"deadline_ms,omitempty" binding:"gte=0"`
	DryRun         bool              `json:"dry_run,omitempty"`
}

// RegistryResponse is the body of GET /v1/registry.
type RegistryResponse struct {
	Version        string                `json:"version"`
	Generation     uint64                `json:"generation"`
	FallbackIntent string                `json:"fallback_intent"`
	FallbackModel  string                `json:"fallback_model,omitempty"`
	Intents        []registry.Intent     `json:"intents"`
	Capabilities   []registry.Capability `json:"capabilities"`
}

// Server routes HTTP requests to the engine.
type Server struct {
	engine   *engine.Engine
	memory   *memory.Memory
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	router   *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithMemory enables the decision-log read endpoints.
func WithMemory(m *memory.Memory) Option {
	return func(s *Server) { s.memory = m }
}

// WithGatherer sets the metrics source for /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds the router.
func New(e *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine:   e,
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())
	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.POST("/decisions", s.handleSubmit)
	v1.GET("/decisions", s.handleListDecisions)
	v1.GET("/decisions/:id", s.handleGetDecision)
	v1.GET("/registry", s.handleRegistry)
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.engine.Registry().Current()
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"registry_version": snap.Version(),
		"generation":       snap.Generation(),
	})
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid request body",
			Code:    "INVALID_REQUEST",
			Details: err.Error(),
		})
		return
	}

	er := engine.Request{
		Query:       req.Query,
		Session:     req.SessionContext,
		Constraints: req.Constraints,
		Actor:       req.Actor,
		DryRun:      req.DryRun,
	}
	if req.DeadlineMs > 0 {
		er.Deadline = time.Now().Add(min(time.Duration(req.DeadlineMs)*time.Millisecond, maxDeadline))
	}

	res := s.engine.Submit(c.Request.Context(), er)
	c.Header("X-Decision-ID", res.DecisionID)
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleRegistry(c *gin.Context) {
	snap := s.engine.Registry().Current()
	resp := RegistryResponse{
		Version:        snap.Version(),
		Generation:     snap.Generation(),
		FallbackIntent: snap.FallbackIntent().ID,
		Intents:        snap.Intents(),
		Capabilities:   snap.Capabilities(),
	}
	if m, ok := snap.FallbackModel(); ok {
		resp.FallbackModel = m.ID
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetDecision(c *gin.Context) {
	if s.memory == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "routing memory disabled", Code: "MEMORY_DISABLED"})
		return
	}
	log, err := s.memory.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, memory.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "decision not found", Code: "NOT_FOUND"})
		return
	}
	if err != nil {
		s.logger.Error("decision lookup failed", slog.String("decision_id", c.Param("id")), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "lookup failed", Code: "MEMORY_ERROR"})
		return
	}
	c.JSON(http.StatusOK, log)
}

func (s *Server) handleListDecisions(c *gin.Context) {
	if s.memory == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "routing memory disabled", Code: "MEMORY_DISABLED"})
		return
	}
	f := memory.Filter{
		IntentID:     c.Query("intent_id"),
		CapabilityID: c.Query("capability_id"),
		Limit:        50,
	}
	if v := c.Query("success"); v != "" {
		ok, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "success must be a boolean", Code: "INVALID_REQUEST"})
			return
		}
		f.Success = &ok
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be between 1 and 500", Code: "INVALID_REQUEST"})
			return
		}
		f.Limit = n
	}
	logs, err := s.memory.Query(c.Request.Context(), f)
	if err != nil {
		s.logger.Error("decision query failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "query failed", Code: "MEMORY_ERROR"})
		return
	}
	if logs == nil {
		logs = []memory.DecisionLog{}
	}
	c.JSON(http.StatusOK, gin.H{"decisions": logs})
}
