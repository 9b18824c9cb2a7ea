package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oap-works/oapd/pkg/urlguard"
)

// WellKnownPath is where publishers must serve their manifest.
const WellKnownPath = "/.well-known/oap.json"

// MaxManifestSize caps how much of a manifest response is read (1 MiB).
const MaxManifestSize = 1 << 20

// StatusError reports a non-200 response while fetching a manifest.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d fetching manifest", e.Code)
}

// Fetcher retrieves well-known manifests with SSRF guarding and a size cap.
type Fetcher struct {
	client    *http.Client
	userAgent string
	allowHTTP bool
	maxSize   int64
	guardOpts []urlguard.Option
}

// FetcherOption customizes a Fetcher.
type FetcherOption func(*Fetcher)

// WithUserAgent sets the User-Agent header on manifest requests.
func WithUserAgent(ua string) FetcherOption {
	return func(f *Fetcher) { f.userAgent = ua }
}

// WithClient substitutes the HTTP client (tests rig its transport).
func WithClient(client *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = client }
}

// WithHTTPFallback fetches over plain http instead of https. Local
// development only; the attestation result records the downgrade.
func WithHTTPFallback() FetcherOption {
	return func(f *Fetcher) {
		f.allowHTTP = true
		f.guardOpts = append(f.guardOpts, urlguard.WithHTTPAllowed())
	}
}

// WithMaxSize overrides the response size cap.
func WithMaxSize(n int64) FetcherOption {
	return func(f *Fetcher) { f.maxSize = n }
}

// WithGuardOptions adds options to the URL safety check (tests inject
// resolvers here).
func WithGuardOptions(opts ...urlguard.Option) FetcherOption {
	return func(f *Fetcher) { f.guardOpts = append(f.guardOpts, opts...) }
}

// NewFetcher builds a Fetcher with the given request timeout.
func NewFetcher(timeout time.Duration, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: "oap-crawler/0.1",
		maxSize:   MaxManifestSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Scheme returns the URL scheme this fetcher uses.
func (f *Fetcher) Scheme() string {
	if f.allowHTTP {
		return "http"
	}
	return "https"
}

// URL returns the well-known manifest URL for a domain.
func (f *Fetcher) URL(domain string) string {
	return fmt.Sprintf("%s://%s%s", f.Scheme(), domain, WellKnownPath)
}

// FetchRaw retrieves the manifest document for a domain without decoding
// it. Callers that need staged validation results parse the bytes
// themselves.
func (f *Fetcher) FetchRaw(ctx context.Context, domain string) ([]byte, error) {
	url := f.URL(domain)
	if err := urlguard.Check(ctx, url, f.guardOpts...); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest body: %w", err)
	}
	if int64(len(body)) > f.maxSize {
		return nil, fmt.Errorf("manifest exceeds %d bytes", f.maxSize)
	}
	return body, nil
}

// Fetch retrieves and parses the manifest for a domain, returning the
// parsed form alongside the exact bytes served.
func (f *Fetcher) Fetch(ctx context.Context, domain string) (*Manifest, []byte, error) {
	raw, err := f.FetchRaw(ctx, domain)
	if err != nil {
		return nil, nil, err
	}
	m, err := Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	return m, raw, nil
}
