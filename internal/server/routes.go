// Package server wires HTTP handlers into a gin engine for the LingoChat
// application via routing helpers.
package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRoutes configures and returns a gin engine with all application routes:
// health check, WebSocket endpoint, and the authenticated REST API.
func SetupRoutes(hub *Hub, api *API, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery(), RequestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOriginFunc:  hub.origins.allowsOrigin,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/", api.HealthHandler)
	router.GET("/health", api.HealthHandler)
	router.GET("/ws", gin.WrapF(hub.WebSocketHandler))

	v1 := router.Group("/api", JWTAuth(hub.cfg.JWTSecret), api.SyncProfile)
	{
		v1.GET("/messages/:roomId", api.ListMessages)
		v1.DELETE("/messages/:id", api.DeleteMessage)
		v1.GET("/rooms", api.ListRooms)
		v1.GET("/rooms/:id", api.GetRoom)
		v1.POST("/translate", api.Translate)
	}

	return router
}
