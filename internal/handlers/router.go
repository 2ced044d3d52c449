package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/pair-signaling/config"
	"github.com/mossy-p/pair-signaling/internal/middleware"
	"github.com/mossy-p/pair-signaling/internal/relay"
)

// NewRouter wires every HTTP and websocket route of the signaling server.
func NewRouter(cfg *config.Config, hub *relay.Hub) *gin.Engine {
	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	router.GET("/turn-credentials", TURNCredentials(cfg.TURN, time.Now))

	roomsHandler := NewRooms(hub)
	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret, cfg.Operator))
		apiGroup.POST("/rooms", roomsHandler.CreateRoom)
		apiGroup.GET("/rooms/:roomId", roomsHandler.GetRoom)
		apiGroup.DELETE("/rooms/:roomId", middleware.JWTAuth(cfg.JWTSecret), roomsHandler.DeleteRoom)
	}

	signaling := NewSignaling(hub, cfg.Signal)
	router.GET("/ws", signaling.HandleSignaling)
	router.GET("/ws/signal/:roomId", signaling.HandleSignaling)

	return router
}
