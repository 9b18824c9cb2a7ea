package trust

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/oap-works/oapd/pkg/trust/trustkeys"
)

// Server exposes the attestation flow over HTTP. Error bodies use a
// detail field so existing clients keep working.
type Server struct {
	service *Service
	keys    *trustkeys.Manager
	store   *Store
	httpSrv *http.Server
}

// NewServer wires the trust API routes.
func NewServer(service *Service, keys *trustkeys.Manager, store *Store) *Server {
	s := &Server{service: service, keys: keys, store: store}
	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/v1/attest/domain", s.attestDomain)
	router.GET("/v1/attest/domain/:domain/status", s.attestDomainStatus)
	router.POST("/v1/attest/capability", s.attestCapability)
	router.GET("/v1/attestations/:domain", s.attestations)
	router.GET("/v1/keys", s.jwks)
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

// attestDomain handles POST /v1/attest/domain.
func (s *Server) attestDomain(c *gin.Context) {
	var req AttestDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	resp, err := s.service.InitiateDomainAttestation(c.Request.Context(), req.Domain, req.Method)
	if err != nil {
		var invalid *InvalidRequestError
		if errors.As(err, &invalid) {
			c.JSON(http.StatusBadRequest, gin.H{"detail": invalid.Error()})
			return
		}
		slog.Error("Domain attestation failed", "domain", req.Domain, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// attestDomainStatus handles GET /v1/attest/domain/:domain/status.
func (s *Server) attestDomainStatus(c *gin.Context) {
	domain := c.Param("domain")

	status, err := s.service.VerifyDomainAttestation(c.Request.Context(), domain)
	if err != nil {
		slog.Error("Challenge verification failed", "domain", domain, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// attestCapability handles POST /v1/attest/capability.
func (s *Server) attestCapability(c *gin.Context) {
	var req AttestCapabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	result, attestation, err := s.service.AttestCapability(c.Request.Context(), req.Domain)
	if err != nil {
		slog.Error("Capability attestation failed", "domain", req.Domain, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
		return
	}

	resp := gin.H{"test_result": result}
	if attestation != nil {
		resp["attestation"] = attestation
	}
	c.JSON(http.StatusOK, resp)
}

// attestations handles GET /v1/attestations/:domain. This is what agents
// query when deciding whether to trust a capability.
func (s *Server) attestations(c *gin.Context) {
	domain := c.Param("domain")

	records, err := s.service.Attestations(c.Request.Context(), domain)
	if err != nil {
		slog.Error("Attestation query failed", "domain", domain, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"domain": domain, "attestations": records})
}

// jwks handles GET /v1/keys.
func (s *Server) jwks(c *gin.Context) {
	keys, err := s.keys.JWKS()
	if err != nil {
		slog.Error("JWKS unavailable", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
		return
	}
	c.JSON(http.StatusOK, keys)
}

// health handles GET /health.
func (s *Server) health(c *gin.Context) {
	count, err := s.store.CountAttestations(c.Request.Context())
	if err != nil {
		slog.Error("Attestation count failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"attestation_count": count,
		"key_loaded":        s.keys.Loaded(),
	})
}
