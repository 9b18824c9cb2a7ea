package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// backendSecretEnv guards the authenticated routes. Unset means open
// access (local development).
const backendSecretEnv = "OAP_BACKEND_SECRET"

// requestID tags every request, echoing a caller-supplied X-Request-ID.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set("X-Request-ID", id)
		c.Set("request_id", id)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
			"request_id", c.GetString("request_id"))
	}
}

// backendAuth rejects requests whose X-Backend-Token does not match the
// backend secret. The env var is read per request so the comparison
// always sees the current value.
func backendAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := os.Getenv(backendSecretEnv)
		if secret == "" {
			c.Next()
			return
		}
		token := c.GetHeader("X-Backend-Token")
		if subtle.ConstantTimeCompare([]byte(secret), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": "Forbidden"})
			return
		}
		c.Next()
	}
}

func (s *Server) requireToolBridge() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.bridge == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"detail": "Tool bridge is not enabled. Set tool_bridge.enabled: true in config.",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) requireExperience() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.experience == nil || s.records == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"detail": "Procedural memory is not enabled. Set experience.enabled: true in config.",
			})
			return
		}
		c.Next()
	}
}
