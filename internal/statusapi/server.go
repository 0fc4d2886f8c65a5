package statusapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/rahul/retailpipe/internal/health"
	"github.com/rahul/retailpipe/internal/observability"
	"github.com/rahul/retailpipe/internal/orchestrator"
	"github.com/rahul/retailpipe/internal/store"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 500
)

type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]store.RunRecord, error)
}

type Triggerer interface {
	Trigger() error
	NextRun() time.Time
}

// Server exposes the health record, state machine and run history over HTTP.
type Server struct {
	HealthFile string
	Runs       RunLister
	Tracker    *observability.Tracker
	Scheduler  Triggerer
	Logger     *slog.Logger
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware("retailpipe-status"), s.requestLogger())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	v1 := r.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/runs", s.handleRuns)
	v1.POST("/cycles", s.handleTrigger)
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger().Info("status server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger().Info("status server shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger().Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	rec, err := health.Read(s.HealthFile)
	if errors.Is(err, os.ErrNotExist) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "UNKNOWN", "message": "no health record yet"})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "UNKNOWN", "message": err.Error()})
		return
	}
	code := http.StatusOK
	if rec.Status != health.StatusOK {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, rec)
}

type statusResponse struct {
	observability.Snapshot
	NextRun *time.Time `json:"next_run,omitempty"`
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := statusResponse{Snapshot: s.Tracker.Snapshot()}
	if s.Scheduler != nil {
		if next := s.Scheduler.NextRun(); !next.IsZero() {
			resp.NextRun = &next
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRuns(c *gin.Context) {
	limit := defaultRunsLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRunsLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer between 1 and 500"})
			return
		}
		limit = n
	}

	runs, err := s.Runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		s.logger().Error("list runs failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "run history unavailable"})
		return
	}
	if runs == nil {
		runs = []store.RunRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func (s *Server) handleTrigger(c *gin.Context) {
	if s.Scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler not running"})
		return
	}
	if err := s.Scheduler.Trigger(); err != nil {
		if errors.Is(err, orchestrator.ErrCycleInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
