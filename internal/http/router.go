package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/VeriTeknik/pluggedin-oauth/internal/config"
	"github.com/VeriTeknik/pluggedin-oauth/internal/http/handler"
	httpmiddleware "github.com/VeriTeknik/pluggedin-oauth/internal/http/middleware"
	"github.com/VeriTeknik/pluggedin-oauth/internal/metrics"
	"github.com/VeriTeknik/pluggedin-oauth/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, oauthHandler *handler.OAuthHandler, m *metrics.Metrics, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	oauth := r.Group("/oauth")
	{
		flow := oauth.Group("")
		flow.Use(httpmiddleware.RequireIdentity)
		if rateLimiter != nil {
			flow.Use(rateLimiter.Handler())
		}
		flow.POST("/servers/:serverID/start", oauthHandler.Start)
		flow.POST("/servers/:serverID/refresh", oauthHandler.Refresh)
		flow.GET("/servers/:serverID/status", oauthHandler.Status)
		flow.DELETE("/servers/:serverID", oauthHandler.DeleteServer)
		flow.GET("/callback", oauthHandler.Callback)

		// External scheduler entry point. Bearer-secret authenticated, so it
		// bypasses the identity middleware. Non-POST methods get 405 via
		// HandleMethodNotAllowed on the server.
		oauth.POST("/refresh-tokens", oauthHandler.CronRefresh)
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))

	return r
}
