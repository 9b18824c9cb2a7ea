package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) (*Server, *Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := testStore(t)
	return NewServer(store), store
}

func doGet(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, path, nil)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), target))
}

func seedInventory(t *testing.T, store *Store, domains ...string) {
	t.Helper()
	ctx := context.Background()
	for _, domain := range domains {
		_, err := store.UpsertManifest(ctx, tracked(domain))
		require.NoError(t, err)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s, store := testServer(t)
	seedInventory(t, store, "a.example.com", "b.example.com")
	require.NoError(t, store.UpdateDailyStats(context.Background()))

	w := doGet(t, s, "/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var stat DailyStat
	decodeBody(t, w, &stat)
	assert.Equal(t, 2, stat.Total)
	assert.Equal(t, 2, stat.New)
}

func TestStatsHistoryEndpoint(t *testing.T) {
	s, store := testServer(t)
	seedInventory(t, store, "a.example.com")
	require.NoError(t, store.UpdateDailyStats(context.Background()))

	w := doGet(t, s, "/stats/history?days=7")
	require.Equal(t, http.StatusOK, w.Code)

	var history []DailyStat
	decodeBody(t, w, &history)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Total)
}

func TestManifestsEndpointPaging(t *testing.T) {
	s, store := testServer(t)
	seedInventory(t, store, "a.example.com", "b.example.com", "c.example.com")

	w := doGet(t, s, "/manifests?page=1&limit=2")
	require.Equal(t, http.StatusOK, w.Code)

	var page ManifestPage
	decodeBody(t, w, &page)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Manifests, 2)

	// Out-of-range values are clamped rather than rejected.
	w = doGet(t, s, "/manifests?page=0&limit=500")
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &page)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 100, page.Limit)
}

func TestManifestDetailEndpoint(t *testing.T) {
	s, store := testServer(t)
	seedInventory(t, store, "a.example.com")
	require.NoError(t, store.AddSnapshot(context.Background(),
		"a.example.com", SnapshotOK, "sha256:aaaa", 50*time.Millisecond))

	w := doGet(t, s, "/manifests/a.example.com")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Manifest  TrackedManifest `json:"manifest"`
		Snapshots []Snapshot      `json:"snapshots"`
	}
	decodeBody(t, w, &resp)
	assert.Equal(t, "a.example.com", resp.Manifest.Domain)
	require.Len(t, resp.Snapshots, 1)
	assert.Equal(t, SnapshotOK, resp.Snapshots[0].Status)
}

func TestManifestDetailNotFound(t *testing.T) {
	s, _ := testServer(t)

	w := doGet(t, s, "/manifests/nobody.example.com")
	require.Equal(t, http.StatusNotFound, w.Code)

	var resp struct {
		Detail string `json:"detail"`
	}
	decodeBody(t, w, &resp)
	assert.Equal(t, "Manifest not found: nobody.example.com", resp.Detail)
}

func TestHealthEndpoint(t *testing.T) {
	s, store := testServer(t)
	seedInventory(t, store, "a.example.com")

	w := doGet(t, s, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status         string `json:"status"`
		TotalManifests int    `json:"total_manifests"`
	}
	decodeBody(t, w, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.TotalManifests)
}
