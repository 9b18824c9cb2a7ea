package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/oap-works/oapd/pkg/models"
)

func (s *Server) experienceInvoke(c *gin.Context) {
	var req models.ExperienceInvokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	resp, err := s.experience.Process(c.Request.Context(), &req)
	if err != nil {
		slog.Error("Experience invoke failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

type recordsQuery struct {
	Page  int `form:"page,default=1"`
	Limit int `form:"limit,default=50"`
}

func (s *Server) experienceRecords(c *gin.Context) {
	var q recordsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = 1
	}
	if q.Limit > 100 {
		q.Limit = 100
	}

	page, err := s.records.ListAll(c.Request.Context(), q.Page, q.Limit)
	if err != nil {
		slog.Error("Experience listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) experienceRecord(c *gin.Context) {
	id := c.Param("id")
	record, err := s.records.Get(c.Request.Context(), id)
	if err != nil {
		slog.Error("Experience lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("Record not found: %s", id)})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) experienceDelete(c *gin.Context) {
	id := c.Param("id")
	deleted, err := s.records.Delete(c.Request.Context(), id)
	if err != nil {
		slog.Error("Experience delete failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("Record not found: %s", id)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) experienceStats(c *gin.Context) {
	stats, err := s.records.Stats(c.Request.Context())
	if err != nil {
		slog.Error("Experience stats failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
