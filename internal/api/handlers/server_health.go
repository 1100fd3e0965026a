package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetHealth reports liveness plus the registered type names, so operators
// can see at a glance what the daemon mirrors.
func (s *Server) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"types":  s.syncer.TypeNames(),
	})
}
