// Package api is the discovery service HTTP surface: task discovery,
// manifest listing, the Ollama tool bridge, and procedural memory. Auth
// is an optional shared backend secret; the tool bridge routes stay open
// for local model runners that cannot send custom headers.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/oap-works/oapd/pkg/models"
)

// DiscoveryEngine is the slice of the discovery engine the API needs.
type DiscoveryEngine interface {
	Discover(ctx context.Context, task string, topK int) (*models.DiscoverResponse, error)
}

// ManifestIndex is the slice of the manifest store the API needs.
type ManifestIndex interface {
	List() []models.ManifestEntry
	Get(domain string) (map[string]any, bool)
	Count() int
}

// HealthChecker reports whether the model server answers.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// ChatBridge proxies a chat conversation through the tool bridge.
type ChatBridge interface {
	Chat(ctx context.Context, req *models.ChatRequest) (map[string]any, error)
}

// ExperienceRunner drives experience-augmented invocation.
type ExperienceRunner interface {
	Process(ctx context.Context, req *models.ExperienceInvokeRequest) (*models.ExperienceInvokeResponse, error)
}

// ExperienceRecords is the slice of the experience store the API needs.
type ExperienceRecords interface {
	ListAll(ctx context.Context, page, limit int) (*models.ExperiencePage, error)
	Get(ctx context.Context, id string) (*models.ExperienceRecord, error)
	Delete(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context) (*models.ExperienceStats, error)
}

// Server is the discovery API server.
type Server struct {
	engine     DiscoveryEngine
	index      ManifestIndex
	llm        HealthChecker
	bridge     ChatBridge
	experience ExperienceRunner
	records    ExperienceRecords
	httpSrv    *http.Server
}

// ServerOption wires an optional subsystem into the server.
type ServerOption func(*Server)

// WithToolBridge enables /v1/tools and /v1/chat.
func WithToolBridge(bridge ChatBridge) ServerOption {
	return func(s *Server) { s.bridge = bridge }
}

// WithExperience enables the /v1/experience routes.
func WithExperience(runner ExperienceRunner, records ExperienceRecords) ServerOption {
	return func(s *Server) {
		s.experience = runner
		s.records = records
	}
}

// NewServer builds the API server. Subsystems left unwired answer their
// routes with 503.
func NewServer(engine DiscoveryEngine, index ManifestIndex, llm HealthChecker, opts ...ServerOption) *Server {
	s := &Server{engine: engine, index: index, llm: llm}
	for _, opt := range opts {
		opt(s)
	}
	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), requestLogger())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "X-Backend-Token", "X-Request-ID"}
	router.Use(cors.New(corsCfg))

	// Tool bridge routes carry no backend auth: local model runners
	// cannot attach custom headers.
	bridge := router.Group("", s.requireToolBridge())
	bridge.POST("/v1/tools", s.tools)
	bridge.POST("/v1/chat", s.chat)

	authed := router.Group("", backendAuth())
	authed.POST("/v1/discover", s.discover)
	authed.GET("/v1/manifests", s.listManifests)
	authed.GET("/v1/manifests/:domain", s.getManifest)
	authed.GET("/health", s.health)

	exp := authed.Group("/v1/experience", s.requireExperience())
	exp.POST("/invoke", s.experienceInvoke)
	exp.GET("/records", s.experienceRecords)
	exp.GET("/records/:id", s.experienceRecord)
	exp.DELETE("/records/:id", s.experienceDelete)
	exp.GET("/stats", s.experienceStats)

	return router
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving on addr and blocks until the listener stops.
func (s *Server) Start(addr string) error {
	s.httpSrv.Addr = addr
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
