// Package http provides the HTTP API for wardend.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/wardend/internal/assess"
	"github.com/fyrsmithlabs/wardend/internal/feedback"
	"github.com/fyrsmithlabs/wardend/internal/logging"
	"github.com/fyrsmithlabs/wardend/internal/orchestrator"
	"github.com/fyrsmithlabs/wardend/internal/report"
	"github.com/fyrsmithlabs/wardend/internal/store"
	"github.com/fyrsmithlabs/wardend/internal/task"
	"github.com/fyrsmithlabs/wardend/internal/worker"
)

// Orchestrator is the slice of the orchestrator the API uses.
type Orchestrator interface {
	Submit(t *task.Task, inputs assess.Inputs) string
	State(taskID string) (orchestrator.State, bool)
	Cancel(taskID string) bool
	RunBatch(ctx context.Context, parent *task.Task, ordering task.Ordering, subs []orchestrator.Submission) (*orchestrator.BatchResult, error)
}

// Records reads sealed completion records.
type Records interface {
	GetRecord(taskID string) (*report.CompletionRecord, error)
}

// Signals feeds breakdown signals into the feedback ledger.
type Signals interface {
	Ingest(ctx context.Context, sig feedback.Signal) ([]worker.Delta, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host      string
	Port      int
	RateLimit float64
	RateBurst int
}

// Server provides HTTP endpoints for wardend.
type Server struct {
	echo     *echo.Echo
	orch     Orchestrator
	records  Records
	signals  Signals
	logger   *logging.Logger
	limiter  *rate.Limiter
	gatherer prometheus.Gatherer
	config   *Config
}

// NewServer creates a new HTTP server.
func NewServer(orch Orchestrator, records Records, signals Signals, gatherer prometheus.Gatherer, logger *logging.Logger, cfg *Config) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host:      "127.0.0.1",
			Port:      9470,
			RateLimit: 50,
			RateBurst: 100,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		orch:     orch,
		records:  records,
		signals:  signals,
		logger:   logger,
		gatherer: gatherer,
		config:   cfg,
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.rateLimit)
	e.Use(s.requestLogger)

	s.registerRoutes()

	return s, nil
}

// rateLimit rejects requests beyond the configured global rate.
func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.limiter != nil && !s.limiter.Allow() {
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		}
		return next(c)
	}
}

// requestLogger logs every request with its correlation ID.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()

		// The echoed X-Request-ID header is client-controlled; anything
		// that fails correlation-ID validation is replaced, not trusted.
		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		if !logging.ValidID(requestID) {
			requestID = uuid.NewString()
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)
		}
		ctx := logging.WithRequestID(c.Request().Context(), requestID)
		c.SetRequest(c.Request().WithContext(ctx))

		err := next(c)

		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)

		return err
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(
			promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/tasks", s.handleSubmitTask)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.DELETE("/tasks/:id", s.handleCancelTask)
	v1.POST("/batches", s.handleSubmitBatch)
	v1.POST("/signals", s.handleSignal)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleSubmitTask accepts a task and starts it asynchronously. The
// caller polls GET /api/v1/tasks/:id for the sealed record.
func (s *Server) handleSubmitTask(c echo.Context) error {
	var req SubmitTaskRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid task request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	t, err := taskFromRequest(req, task.OrderingNone)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	id := s.orch.Submit(t, req.Inputs)
	return c.JSON(http.StatusAccepted, SubmitTaskResponse{TaskID: id})
}

// handleGetTask returns the live state of a running task, or the
// sealed completion record once the task is terminal.
func (s *Server) handleGetTask(c echo.Context) error {
	id := c.Param("id")

	if state, running := s.orch.State(id); running {
		return c.JSON(http.StatusOK, TaskStatusResponse{
			TaskID:  id,
			State:   string(state),
			Running: true,
		})
	}

	if s.records == nil {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	rec, err := s.records.GetRecord(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "task not found")
		}
		s.logger.Error(c.Request().Context(), "record lookup failed",
			zap.String("task_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "record lookup failed")
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleCancelTask(c echo.Context) error {
	id := c.Param("id")
	if !s.orch.Cancel(id) {
		return echo.NewHTTPError(http.StatusNotFound, "no running task with that id")
	}
	return c.NoContent(http.StatusAccepted)
}

// handleSubmitBatch runs sibling tasks under an ordering constraint
// and returns their sealed records. Synchronous: the response carries
// every sibling's outcome.
func (s *Server) handleSubmitBatch(c echo.Context) error {
	var req SubmitBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Tasks) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "tasks field is required")
	}

	ordering := task.Ordering(req.Ordering)
	if ordering == "" {
		ordering = task.OrderingNone
	}
	if !ordering.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid ordering: "+req.Ordering)
	}

	subs := make([]orchestrator.Submission, 0, len(req.Tasks))
	for _, tr := range req.Tasks {
		t, err := taskFromRequest(tr, ordering)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		subs = append(subs, orchestrator.Submission{Task: t, Inputs: tr.Inputs})
	}

	// The batch itself is the parent node of the task tree. Its domain
	// defaults to the first sibling's so the record stays attributable.
	domain := req.Domain
	if domain == "" {
		domain = req.Tasks[0].Domain
	}
	parent := task.New(domain, req.Description)
	parent.Ordering = ordering

	result, err := s.orch.RunBatch(c.Request().Context(), parent, ordering, subs)
	if err != nil {
		s.logger.Warn(c.Request().Context(), "batch ended early", zap.Error(err))
	}
	return c.JSON(http.StatusOK, SubmitBatchResponse{
		Parent:  result.Parent,
		Records: result.Siblings,
	})
}

// handleSignal ingests one breakdown signal and returns the policy
// deltas it produced.
func (s *Server) handleSignal(c echo.Context) error {
	if s.signals == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "signal ingestion disabled")
	}

	var req SignalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Description == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "description field is required")
	}
	if len(req.Roles) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "roles field is required")
	}

	sig := feedback.Signal{
		ID:          uuid.NewString(),
		Description: req.Description,
		Roles:       req.Roles,
		Domain:      req.Domain,
		Pattern:     req.Pattern,
		Occurrences: req.Occurrences,
		Impact:      feedback.Impact(req.Impact),
		DataLoss:    req.DataLoss,
		ReceivedAt:  time.Now().UTC(),
	}

	deltas, err := s.signals.Ingest(c.Request().Context(), sig)
	if err != nil {
		s.logger.Error(c.Request().Context(), "signal ingestion failed",
			zap.String("signal_id", sig.ID), zap.Error(err))
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	if deltas == nil {
		deltas = []worker.Delta{}
	}
	return c.JSON(http.StatusOK, SignalResponse{
		SignalID: sig.ID,
		Severity: feedback.Severity(sig).Value,
		Deltas:   deltas,
	})
}

// taskFromRequest validates and builds a task from an API request.
func taskFromRequest(req SubmitTaskRequest, ordering task.Ordering) (*task.Task, error) {
	if req.Domain == "" {
		return nil, errors.New("domain field is required")
	}
	t := task.New(req.Domain, req.Description)
	t.Ordering = ordering
	t.ParentID = req.ParentID
	t.ScopeHints = req.ScopeHints
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
