package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func NewRouter(handler *Handler, authMiddleware gin.HandlerFunc, env string) *gin.Engine {
	if env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"*"},
		ExposeHeaders:   []string{"Content-Type"},
		MaxAge:          12 * time.Hour,
	}))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.GET("/missions", handler.listMissions)
		protected.POST("/missions", handler.createMission)
		protected.GET("/missions/:id", handler.getMission)
		protected.PATCH("/missions/:id", handler.updateMission)
		protected.DELETE("/missions/:id", handler.deleteMission)
		protected.POST("/missions/:id/start", handler.startMission)
		protected.POST("/missions/:id/end", handler.endMission)
		protected.GET("/missions/:id/history", handler.missionHistory)
		protected.POST("/missions/:id/breakdowns", handler.reportBreakdown)

		protected.GET("/breakdowns", handler.listBreakdowns)
		protected.GET("/breakdowns/:id", handler.getBreakdown)
		protected.PUT("/breakdowns/:id/status", handler.resolveBreakdown)

		protected.POST("/tracking/fixes", handler.pushFix)
		protected.GET("/positions", handler.listPositions)
		protected.GET("/positions/last/:driver_id", handler.lastPosition)
		protected.GET("/map", handler.mapTracks)

		protected.GET("/realtime", handler.realtimeSession)
	}

	return router
}
