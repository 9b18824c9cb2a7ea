package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/oap-works/oapd/pkg/models"
	"github.com/oap-works/oapd/pkg/toolbridge"
)

func (s *Server) tools(c *gin.Context) {
	var req models.ToolsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	tools, registry, err := toolbridge.DiscoverTools(c.Request.Context(), s.engine, s.index, req.Task, req.EffectiveTopK())
	if err != nil {
		slog.Error("Tool discovery failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
		return
	}
	c.JSON(http.StatusOK, models.ToolsResponse{Tools: tools, Registry: registry})
}

func (s *Server) chat(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	resp, err := s.bridge.Chat(c.Request.Context(), &req)
	if err != nil {
		slog.Error("Chat proxy failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"detail": fmt.Sprintf("Ollama request failed: %v", err)})
		return
	}
	c.JSON(http.StatusOK, resp)
}
