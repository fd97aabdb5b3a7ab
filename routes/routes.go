package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vnkhanh/recallai-backend/controllers"
	"github.com/vnkhanh/recallai-backend/middleware"
	"github.com/vnkhanh/recallai-backend/utils"
	"github.com/vnkhanh/recallai-backend/ws"
)

type Options struct {
	Verifier       *utils.TokenVerifier
	EventValidator middleware.EventTokenValidator // nil disables push auth
	AllowedOrigins []string
}

func SetupRouter(r *gin.Engine, api *controllers.API, opts Options) *gin.Engine {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/health", api.HealthCheck)

	// Storage gọi vào, không dùng JWT của user
	events := r.Group("/events")
	{
		events.Use(middleware.EventAuth(opts.EventValidator, api.Log))
		events.POST("/storage-finalize", api.StorageFinalize)
	}

	// ====== API CẦN ĐĂNG NHẬP ======
	authed := r.Group("/api")
	authed.Use(middleware.AuthMiddleware(opts.Verifier))
	{
		authed.POST("/uploads/:kind", api.UploadFile)

		authed.GET("/decks", api.ListDecks)
		authed.GET("/decks/:id", api.GetDeck)
		authed.DELETE("/decks/:id", api.DeleteDeck)
		authed.POST("/decks/:id/export", api.ExportDeck)
	}

	// Quản lý dead letter (admin)
	admin := authed.Group("/admin")
	{
		admin.Use(middleware.RequireRoles("admin"))
		admin.GET("/deadletters", api.ListDeadLetters)
	}

	// WebSocket cập nhật deck
	r.GET("/ws/decks", ws.HandleDeckWebSocket(api.Hub, opts.Verifier, opts.AllowedOrigins))

	return r
}
