package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/botlink/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"service":  "botlink",
		"sessions": s.hub.Len(),
	})
}

func (s *Server) handleGetVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"name":    "botlink",
	})
}

// handleGetHost describes the machine this process runs on.
func (s *Server) handleGetHost(c *gin.Context) {
	c.JSON(http.StatusOK, util.DescribeHost(c.Request.Context()))
}
