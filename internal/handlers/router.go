package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/mossy-p/presence-relay/internal/middleware"
)

type RouterConfig struct {
	AllowedOrigins []string
	JWTSecret      string
}

// NewRouter mounts every route on a fresh gin engine.
func NewRouter(h *Handlers, cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(h.logger.Named("http")))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", h.Health)
	router.GET("/ws", h.HandleSignaling)

	// The polling fallback lives at the root; /fallback is an alias.
	for _, fb := range []*gin.RouterGroup{&router.RouterGroup, router.Group("/fallback")} {
		fb.POST("/probe", h.Probe)
		fb.GET("/poll", h.Poll)
		fb.POST("/submit", h.Submit)
	}

	admin := router.Group("/admin")
	if cfg.JWTSecret != "" {
		admin.Use(middleware.JWTAuth(cfg.JWTSecret))
	} else {
		h.logger.Warn("JWT_SECRET not set, admin routes are unauthenticated")
	}
	{
		admin.GET("/rooms/:roomId/peers", h.GetRoomPeers)
		admin.GET("/peers/:peerId", h.GetPeer)
		admin.POST("/reaper/sweep", h.Sweep)
	}

	return router
}

