package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/eagleeye/liveview/internal/app"
	"github.com/eagleeye/liveview/internal/config"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// SetupRouter wires the REST API, the status websocket, metrics and the
// static UI.
func SetupRouter(ctx context.Context, cfg *config.Config, viewer *app.Viewer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("LiveViewSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &handlers{
		viewer:  viewer,
		limiter: NewSelectionRateLimiter(cfg.SelectionRate, cfg.SelectionWindow),
	}
	ws := &StatusWSController{
		Hub:          viewer.Status,
		SendBuffer:   cfg.Status.SendBuffer,
		WriteTimeout: cfg.Status.WriteTimeout,
		ReadLimit:    cfg.Status.ReadLimit,
		PingPeriod:   cfg.Status.PingPeriod,
	}

	api := r.Group("/api")
	api.GET("/streams", h.listStreams)
	api.POST("/streams/:id/retry", h.retryStream)
	api.POST("/streams/:id/watch", h.watchStream)
	api.DELETE("/streams/:id/watch", h.unwatchStream)
	api.PUT("/streams/:id/mute", h.muteStream)
	api.GET("/status", h.statusSnapshot)
	api.GET("/selection", h.getSelection)
	api.PUT("/selection", h.rateLimited, h.putSelection)
	api.DELETE("/selection", h.rateLimited, h.clearSelection)
	api.POST("/objects/:id/select", h.rateLimited, h.selectObject)
	api.GET("/floorplan", h.floorPlan)
	api.GET("/ws/status", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws status endpoint hit")
		ws.HandleStatus(ctx, c)
	})

	return r
}
