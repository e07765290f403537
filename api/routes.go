package api

import (
	"net/http"

	"monitorconsole/models"
	"monitorconsole/service"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(router *gin.Engine, console *service.Console, events *service.EventLog, hub *Hub) {
	// Enable CORS
	router.Use(CORSMiddleware())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, models.SuccessResponse(gin.H{"status": "ok"}))
	})

	api := router.Group("/api")
	{
		api.GET("/status", func(c *gin.Context) { GetStatus(c, console) })
		api.GET("/employees", func(c *gin.Context) { GetEmployees(c, console) })
		api.POST("/login", func(c *gin.Context) { Login(c, console) })
		api.POST("/logout", func(c *gin.Context) { Logout(c, console) })

		api.POST("/target", func(c *gin.Context) { SelectTarget(c, console) })
		api.DELETE("/target", func(c *gin.Context) { ClearTarget(c, console) })

		api.POST("/commands", func(c *gin.Context) { TriggerCommand(c, console) })
		api.POST("/notify", func(c *gin.Context) { SendNotification(c, console) })

		live := api.Group("/live")
		{
			live.GET("", func(c *gin.Context) { GetLive(c, console) })
			live.POST("/start", func(c *gin.Context) { StartLive(c, console) })
			live.POST("/stop", func(c *gin.Context) { StopLive(c, console) })
			live.POST("/toggle", func(c *gin.Context) { ToggleLive(c, console) })
			if hub != nil {
				live.GET("/relay", func(c *gin.Context) { GetRelay(c, hub) })
			}
		}

		api.GET("/viewport", func(c *gin.Context) { GetViewport(c, console) })
		api.GET("/logs", func(c *gin.Context) { GetLogs(c, events) })
	}

	// WebSocket route
	if hub != nil {
		router.GET("/ws", hub.HandleWebSocket)
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
