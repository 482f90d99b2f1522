package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/botlink/internal/util"
)

// handleGetCPU returns current host CPU use.
func (s *Server) handleGetCPU(c *gin.Context) {
	usage, err := util.CPUPercent(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cpu_percent": usage,
	})
}

// handleGetMemory returns current host memory use.
func (s *Server) handleGetMemory(c *gin.Context) {
	mem, err := util.MemoryUsage(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, mem)
}

// handleGetHistory returns journaled lifecycle events, newest first.
// Without a :name parameter it covers every session.
func (s *Server) handleGetHistory(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}

	name := c.Param("name")
	if name != "" {
		if _, ok := s.lookup(c); !ok {
			return
		}
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	var (
		entries interface{}
		err     error
	)
	if epoch := c.Query("epoch"); epoch != "" {
		entries, err = s.journal.Epoch(c.Request.Context(), epoch)
	} else {
		entries, err = s.journal.History(c.Request.Context(), name, limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session": name,
		"events":  entries,
	})
}

// handleGetSummary returns aggregated journal counts for a session.
func (s *Server) handleGetSummary(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	sess, ok := s.lookup(c)
	if !ok {
		return
	}

	summary, err := s.journal.Summarize(c.Request.Context(), sess.Name())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}
