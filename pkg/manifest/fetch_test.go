package manifest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oap-works/oapd/pkg/urlguard"
)

// localFetcher targets an httptest server as if it were a publisher domain.
func localFetcher(t *testing.T, server *httptest.Server) (*Fetcher, string) {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)

	f := NewFetcher(5*time.Second,
		WithHTTPFallback(),
		WithGuardOptions(urlguard.WithPrivateAllowed()))
	return f, u.Host
}

func TestFetcherFetch(t *testing.T) {
	t.Run("fetches and parses the well-known manifest", func(t *testing.T) {
		doc := validDoc()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, WellKnownPath, r.URL.Path)
			assert.Contains(t, r.Header.Get("User-Agent"), "oap-crawler")
			_ = json.NewEncoder(w).Encode(doc)
		}))
		defer server.Close()

		f, domain := localFetcher(t, server)
		m, raw, err := f.Fetch(context.Background(), domain)
		require.NoError(t, err)
		assert.Equal(t, "Test Tool", m.Name)
		assert.NotEmpty(t, raw)
	})

	t.Run("non-200 yields StatusError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		f, domain := localFetcher(t, server)
		_, _, err := f.Fetch(context.Background(), domain)
		require.Error(t, err)

		var serr *StatusError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, http.StatusNotFound, serr.Code)
		assert.Equal(t, "HTTP 404 fetching manifest", serr.Error())
	})

	t.Run("oversized manifest is refused", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"pad":"` + strings.Repeat("x", 2048) + `"}`))
		}))
		defer server.Close()

		u, err := url.Parse(server.URL)
		require.NoError(t, err)
		f := NewFetcher(5*time.Second,
			WithHTTPFallback(),
			WithMaxSize(1024),
			WithGuardOptions(urlguard.WithPrivateAllowed()))

		_, _, err = f.Fetch(context.Background(), u.Host)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeds 1024 bytes")
	})

	t.Run("invalid manifest body fails validation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"oap": "1.0"}`))
		}))
		defer server.Close()

		f, domain := localFetcher(t, server)
		_, _, err := f.Fetch(context.Background(), domain)

		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("private address refused without the dev override", func(t *testing.T) {
		f := NewFetcher(time.Second, WithHTTPFallback())
		_, _, err := f.Fetch(context.Background(), "127.0.0.1:9")
		require.Error(t, err)
		assert.ErrorIs(t, err, urlguard.ErrPrivateAddress)
	})

	t.Run("default scheme is https", func(t *testing.T) {
		f := NewFetcher(time.Second)
		assert.Equal(t, "https://example.com/.well-known/oap.json", f.URL("example.com"))
	})
}
