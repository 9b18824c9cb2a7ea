package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// snapshotHistory is how many recent probes ride along with a single
// manifest lookup.
const snapshotHistory = 20

// Server exposes the adoption inventory over HTTP. The surface is
// read-only and public; the tracker is the only writer.
type Server struct {
	store   *Store
	httpSrv *http.Server
}

// NewServer wires the dashboard API routes.
func NewServer(store *Store) *Server {
	s := &Server{store: store}
	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowMethods = []string{"GET", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsCfg))

	router.GET("/stats", s.stats)
	router.GET("/stats/history", s.statsHistory)
	router.GET("/manifests", s.manifests)
	router.GET("/manifests/:domain", s.manifestDetail)
	router.GET("/health", s.health)
	return router
}

// Handler returns the route handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving on addr and blocks until the listener closes.
func (s *Server) Start(addr string) error {
	s.httpSrv.Addr = addr
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// stats handles GET /stats.
func (s *Server) stats(c *gin.Context) {
	stat, err := s.store.Stats(c.Request.Context())
	if err != nil {
		slog.Error("Stats query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
		return
	}
	c.JSON(http.StatusOK, stat)
}

type historyQuery struct {
	Days int `form:"days,default=30"`
}

// statsHistory handles GET /stats/history.
func (s *Server) statsHistory(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if q.Days < 1 {
		q.Days = 1
	}
	if q.Days > 365 {
		q.Days = 365
	}

	stats, err := s.store.StatsHistory(c.Request.Context(), q.Days)
	if err != nil {
		slog.Error("Stats history query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

type manifestsQuery struct {
	Page  int `form:"page,default=1"`
	Limit int `form:"limit,default=50"`
}

// manifests handles GET /manifests.
func (s *Server) manifests(c *gin.Context) {
	var q manifestsQuery
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

	page, err := s.store.Manifests(c.Request.Context(), q.Page, q.Limit)
	if err != nil {
		slog.Error("Manifest listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
		return
	}
	c.JSON(http.StatusOK, page)
}

// manifestDetail handles GET /manifests/:domain, returning the tracked
// manifest with its recent probe history.
func (s *Server) manifestDetail(c *gin.Context) {
	domain := c.Param("domain")

	m, err := s.store.Manifest(c.Request.Context(), domain)
	if err != nil {
		slog.Error("Manifest lookup failed", "domain", domain, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
		return
	}
	if m == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("Manifest not found: %s", domain)})
		return
	}

	snapshots, err := s.store.Snapshots(c.Request.Context(), domain, snapshotHistory)
	if err != nil {
		slog.Error("Snapshot query failed", "domain", domain, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"manifest": m, "snapshots": snapshots})
}

// health handles GET /health.
func (s *Server) health(c *gin.Context) {
	total, err := s.store.CountManifests(c.Request.Context())
	if err != nil {
		slog.Error("Manifest count failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "total_manifests": total})
}
