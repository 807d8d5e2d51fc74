// Package api exposes the HTTP surface: alert ingestion, approval
// decisions, incident lookups, health, and Prometheus metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arome3/vigil/pkg/coordinator"
	"github.com/arome3/vigil/pkg/incident"
	"github.com/arome3/vigil/pkg/store"
)

// Server is the HTTP API server.
type Server struct {
	store    store.Store
	handler  coordinator.AlertHandler
	auditor  *incident.Auditor
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	clock    func() time.Time

	httpSrv *http.Server
}

// NewServer creates the API server. gatherer may be nil, which disables the
// metrics endpoint.
func NewServer(st store.Store, handler coordinator.AlertHandler, auditor *incident.Auditor, gatherer prometheus.Gatherer) *Server {
	return &Server{
		store:    st,
		handler:  handler,
		auditor:  auditor,
		gatherer: gatherer,
		logger:   slog.Default().With("component", "api"),
		clock:    time.Now,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.health)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	v1.POST("/alerts", s.submitAlert)
	v1.POST("/approvals", s.recordApproval)
	v1.GET("/incidents/:id", s.getIncident)
	v1.GET("/incidents/:id/actions", s.getIncidentActions)

	return r
}

// Start serves until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server listening", "addr", addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
