package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/oap-works/oapd/pkg/config"
	"github.com/oap-works/oapd/pkg/manifest"
	"github.com/oap-works/oapd/pkg/trust"
	"github.com/oap-works/oapd/pkg/trust/trustkeys"
	"github.com/oap-works/oapd/pkg/urlguard"
)

// TrustApp is a fully wired trust provider listening on a local port.
// Outbound verification traffic is rerouted to a local host server while
// the URLs inside the service keep their public shape.
type TrustApp struct {
	httpDriver

	Service *trust.Service
	Keys    *trustkeys.Manager
	Host    *trustHost
}

// rewriteTransport sends every outbound request to the local host server
// regardless of the https URL the service built.
type rewriteTransport struct {
	target string
}

func (tr rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Scheme = "http"
	clone.URL.Host = tr.target
	return http.DefaultTransport.RoundTrip(clone)
}

func publicLookup(_ context.Context, _ string) ([]net.IP, error) {
	return []net.IP{net.ParseIP("203.0.113.10")}, nil
}

// trustHost fakes the domain under attestation: it serves the manifest,
// capability probes, and, once the operator publishes it, the HTTP
// challenge token.
type trustHost struct {
	mu       sync.Mutex
	manifest map[string]any
	tokens   map[string]bool
}

func newTrustHost(doc map[string]any) *trustHost {
	return &trustHost{manifest: doc, tokens: map[string]bool{}}
}

// PublishChallenge makes the host answer the HTTP challenge for token.
func (h *trustHost) PublishChallenge(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tokens[token] = true
}

// SetManifest swaps the manifest the host serves.
func (h *trustHost) SetManifest(doc map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.manifest = doc
}

func (h *trustHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == manifest.WellKnownPath:
		h.mu.Lock()
		doc := h.manifest
		h.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)

	case strings.HasPrefix(r.URL.Path, trust.HTTPChallengePath+"/"):
		token := path.Base(r.URL.Path)
		h.mu.Lock()
		published := h.tokens[token]
		h.mu.Unlock()
		if !published {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, token)

	case r.URL.Path == "/health":
		w.WriteHeader(http.StatusOK)

	case strings.HasPrefix(r.URL.Path, "/api/"):
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case http.MethodPost:
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"result":"ok"}`)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}

	default:
		http.NotFound(w, r)
	}
}

// NewTrustApp starts a trust provider whose attestation checks land on
// the given host. Everything is shut down via t.Cleanup.
func NewTrustApp(t *testing.T, host *trustHost, opts ...trust.ServiceOption) *TrustApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hostSrv := httptest.NewServer(host)
	t.Cleanup(hostSrv.Close)

	keys := trustkeys.NewManager(t.TempDir())
	require.NoError(t, keys.Initialize())

	store, err := trust.NewStore(context.Background(), filepath.Join(t.TempDir(), "trust.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := *config.DefaultTrust()
	cfg.Attestation.RequestTimeout = 5

	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: rewriteTransport{target: hostSrv.Listener.Addr().String()},
	}
	opts = append(opts,
		trust.WithHTTPClient(client),
		trust.WithGuardOptions(urlguard.WithLookup(publicLookup)),
	)
	service := trust.NewService(cfg, keys, store, opts...)

	server := httptest.NewServer(trust.NewServer(service, keys, store).Handler())
	t.Cleanup(server.Close)

	return &TrustApp{
		httpDriver: httpDriver{BaseURL: server.URL, client: server.Client(), t: t},
		Service:    service,
		Keys:       keys,
		Host:       host,
	}
}
