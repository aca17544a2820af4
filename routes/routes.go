package routes

import (
	"github.com/gin-gonic/gin"

	"stock_research_backend/admin"
	"stock_research_backend/middleware"
)

// Handlers are the controllers mounted by SetupRoutes
type Handlers struct {
	Collection   *admin.CollectionController
	Auth         *admin.AuthController
	Stream       *admin.StatusStream
	LoginLimiter *middleware.RateLimiter
	JWTSecret    string
}

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, h Handlers) {
	api := router.Group("/api/v1")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/login", h.LoginLimiter.Middleware(), h.Auth.Login)
		}

		// Read actions are public; the controller requires admin claims for
		// mutating ones.
		collection := api.Group("/collection")
		collection.Use(middleware.OptionalJWTAuthMiddleware(h.JWTSecret))
		{
			collection.GET("", h.Collection.Handle)
			collection.POST("", h.Collection.Handle)
			collection.GET("/stream", h.Stream.HandleWebSocket)
		}
	}
}
