package app

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"entity-mirror.io/entity/internal/api/handlers"
	"entity-mirror.io/entity/internal/api/middleware"
)

func newRouter(server *handlers.Server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())
	router.Use(cors.Default())

	server.RegisterRoutes(router)
	return router
}
