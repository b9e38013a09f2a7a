// Package api exposes the analytics engine and report service over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lvonguyen/finops-analytics/internal/analytics"
	"github.com/lvonguyen/finops-analytics/internal/config"
	"github.com/lvonguyen/finops-analytics/internal/export"
	"github.com/lvonguyen/finops-analytics/internal/report"
	"github.com/lvonguyen/finops-analytics/internal/schedule"
)

// Deps are the services behind the HTTP surface.
type Deps struct {
	Engine    *analytics.Engine
	Reports   *report.Service
	Scheduler *schedule.Scheduler
	Exporter  *export.Exporter
}

// Server serves the HTTP API.
type Server struct {
	Deps
	cfg    config.ServerConfig
	logger *zap.Logger
	router *gin.Engine
}

// NewServer builds the router.
func NewServer(deps Deps, cfg config.ServerConfig, logger *zap.Logger) *Server {
	s := &Server{Deps: deps, cfg: cfg, logger: logger, router: gin.New()}
	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(gin.Recovery(), requestID(), accessLog(s.logger), cors(s.cfg.CORSOrigin))

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := r.Group("/", session(s.cfg.BearerToken))

	authed.GET("/analytics", s.queryAnalytics)
	authed.POST("/analytics/export", s.exportAnalytics)

	reports := authed.Group("/reports")
	reports.GET("", s.listReports)
	reports.POST("", s.saveReport)
	reports.POST("/preview", s.previewReport)
	reports.GET("/fields", s.reportFields)
	reports.GET("/templates", s.listTemplates)
	reports.POST("/templates/:id", s.instantiateTemplate)

	reports.POST("/schedule", s.createSchedule)
	reports.GET("/schedules", s.listSchedules)
	reports.DELETE("/schedules/:id", s.deleteSchedule)

	reports.GET("/:id", s.getReport)
	reports.PUT("/:id", s.updateReport)
	reports.DELETE("/:id", s.deleteReport)
	reports.GET("/:id/run", s.runReport)
	reports.POST("/:id/export", s.exportReport)
	reports.PUT("/:id/fields", s.reorderFields)
	reports.POST("/:id/filters", s.createFilter)
	reports.PUT("/:id/filters/:filterId", s.putFilter)
	reports.DELETE("/:id/filters/:filterId", s.removeFilter)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().UTC()})
}

// Run serves on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.cfg.Addr))
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}
