// Package httpapi exposes the pipeline's two outward HTTP endpoints:
// /healthz (liveness) and /metrics (Prometheus scrape target). Per
// spec §1's non-goals, the interactive console and status-reporting
// commands are explicitly out of scope; this surface is ambient
// observability only.
package httpapi

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abdoElHodaky/cryptocore/internal/telemetry"
)

// Server is the gin engine wrapping the health/metrics surface.
type Server struct {
	engine  *gin.Engine
	ready   int32
	metrics *telemetry.Metrics
}

// New constructs the server, registering /healthz and /metrics.
func New(metrics *telemetry.Metrics) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, metrics: metrics}
	engine.GET("/healthz", s.healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	return s
}

// SetReady flags the pipeline as having completed warm-up (spec §4.C
// Warmup) and being eligible to report healthy.
func (s *Server) SetReady(ready bool) {
	if ready {
		atomic.StoreInt32(&s.ready, 1)
	} else {
		atomic.StoreInt32(&s.ready, 0)
	}
}

func (s *Server) healthz(c *gin.Context) {
	if atomic.LoadInt32(&s.ready) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "warming_up"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Handler returns the underlying http.Handler for use with a
// *http.Server, mirroring the teacher's benchmark harness wiring.
func (s *Server) Handler() http.Handler { return s.engine }
