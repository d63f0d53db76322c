package http

import (
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/queuectl/queuectl/internal/http/handlers"
	"github.com/queuectl/queuectl/internal/http/middlewares"
	"github.com/queuectl/queuectl/internal/observability"
	"github.com/queuectl/queuectl/internal/store"
	wshub "github.com/queuectl/queuectl/internal/ws"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// NewRouter wires the dashboard surface: read-only job/status endpoints,
// the token-gated DLQ mutation, the metrics scrape, and the WS stream.
func NewRouter(log *slog.Logger, st *store.Store, hub *wshub.Hub, token string, prom *observability.Prom, reg *prometheus.Registry) *gin.Engine {
	if os.Getenv("APP_ENV") != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	// middleware

	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger(log))
	r.Use(middlewares.CORSAllowAll())
	r.Use(otelgin.Middleware("queuectl-dashboard"))
	if prom != nil {
		r.Use(prom.GinHandleMiddleware())
	}

	// wire up handlers

	jobsHandler := handlers.NewJobsHandler(st)
	statusHandler := handlers.NewStatusHandler(st)
	dlqHandler := handlers.NewDLQHandler(st)

	r.GET("/api/jobs", jobsHandler.List)
	r.GET("/api/jobs/:id/events", jobsHandler.Events)
	r.GET("/api/status", statusHandler.Status)
	r.GET("/api/health", handlers.Health)

	// mutations require the shared secret
	r.POST("/api/dlq/retry", middlewares.RequireToken(token), dlqHandler.Retry)

	if reg != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	r.GET("/ws", hub.HandleWS)

	return r
}
