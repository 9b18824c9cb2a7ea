package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/oap-works/oapd/pkg/models"
)

func (s *Server) discover(c *gin.Context) {
	var req models.DiscoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	resp, err := s.engine.Discover(c.Request.Context(), req.Task, req.EffectiveTopK())
	if err != nil {
		slog.Error("Discovery failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listManifests(c *gin.Context) {
	c.JSON(http.StatusOK, s.index.List())
}

func (s *Server) getManifest(c *gin.Context) {
	domain := c.Param("domain")
	doc, ok := s.index.Get(domain)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("Manifest not found: %s", domain)})
		return
	}
	c.JSON(http.StatusOK, doc)
}

// health reports degraded rather than failing when the model server is
// down: the index still answers manifest lookups.
func (s *Server) health(c *gin.Context) {
	ok := s.llm.Healthy(c.Request.Context())
	status := "ok"
	if !ok {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"ollama":      ok,
		"index_count": s.index.Count(),
	})
}
