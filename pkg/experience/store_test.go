package experience

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oap-works/oapd/pkg/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "experience.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRecord(id, fingerprint, intentDomain string) *models.ExperienceRecord {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	code := 200
	latency := int64(42)
	return &models.ExperienceRecord{
		ID:        id,
		Timestamp: created,
		UseCount:  1,
		LastUsed:  created,
		Intent: models.IntentRecord{
			Raw:         "search text files for a pattern",
			Fingerprint: fingerprint,
			Domain:      intentDomain,
		},
		Discovery: models.DiscoveryRecord{
			QueryUsed:       "search text files for a pattern",
			ManifestMatched: "grep",
			Confidence:      0.9,
		},
		Invocation: models.InvocationRecord{
			Endpoint: "grep",
			Method:   "stdio",
			ParameterMapping: map[string]models.ParameterMapping{
				"input": {Source: "task", ValueUsed: "hello"},
			},
		},
		Outcome: models.OutcomeRecord{
			Status:          models.StatusSuccess,
			HTTPCode:        &code,
			ResponseSummary: "hello\n",
			LatencyMS:       &latency,
		},
	}
}

func TestStoreSaveAndGet(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	record := sampleRecord("exp_20260301_aaaa1111", "search.text.pattern_match", "developer.tools")

	require.NoError(t, store.Save(ctx, record))

	got, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, record.ID, got.ID)
	assert.True(t, got.Timestamp.Equal(record.Timestamp))
	assert.True(t, got.LastUsed.Equal(record.LastUsed))
	assert.Equal(t, record.Intent, got.Intent)
	assert.Equal(t, record.Discovery, got.Discovery)
	assert.Equal(t, record.Invocation, got.Invocation)
	assert.Equal(t, record.Outcome, got.Outcome)
	assert.Empty(t, got.Corrections)
}

func TestStoreGetMissing(t *testing.T) {
	store := testStore(t)

	got, err := store.Get(context.Background(), "exp_20260301_missing0")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreSaveUpserts(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	record := sampleRecord("exp_20260301_aaaa1111", "search.text.pattern_match", "developer.tools")
	require.NoError(t, store.Save(ctx, record))

	record.Discovery.Confidence = 0.95
	record.UseCount = 7
	require.NoError(t, store.Save(ctx, record))

	total, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	got, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.95, got.Discovery.Confidence)
	assert.Equal(t, 7, got.UseCount)
}

func TestStoreFindByFingerprintOrdering(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	rarely := sampleRecord("exp_20260301_aaaa0001", "search.text.pattern_match", "developer.tools")
	rarely.UseCount = 2

	oftenOld := sampleRecord("exp_20260301_aaaa0002", "search.text.pattern_match", "developer.tools")
	oftenOld.UseCount = 5
	oftenOld.LastUsed = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	oftenNew := sampleRecord("exp_20260301_aaaa0003", "search.text.pattern_match", "developer.tools")
	oftenNew.UseCount = 5
	oftenNew.LastUsed = time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	other := sampleRecord("exp_20260301_aaaa0004", "count.text.word_count", "text.processing")

	for _, r := range []*models.ExperienceRecord{rarely, oftenOld, oftenNew, other} {
		require.NoError(t, store.Save(ctx, r))
	}

	got, err := store.FindByFingerprint(ctx, "search.text.pattern_match", 5)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "exp_20260301_aaaa0003", got[0].ID)
	assert.Equal(t, "exp_20260301_aaaa0002", got[1].ID)
	assert.Equal(t, "exp_20260301_aaaa0001", got[2].ID)
}

func TestStoreFindSimilar(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	match := sampleRecord("exp_20260301_bbbb0001", "search.text.pattern_match", "developer.tools")
	otherDomain := sampleRecord("exp_20260301_bbbb0002", "search.text.pattern_match", "system.tools")
	otherPrefix := sampleRecord("exp_20260301_bbbb0003", "transform.data.json_query", "developer.tools")

	for _, r := range []*models.ExperienceRecord{match, otherDomain, otherPrefix} {
		require.NoError(t, store.Save(ctx, r))
	}

	got, err := store.FindSimilar(ctx, "developer.tools", "search.text", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "exp_20260301_bbbb0001", got[0].ID)
}

func TestStoreTouch(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	record := sampleRecord("exp_20260301_cccc0001", "search.text.pattern_match", "developer.tools")
	require.NoError(t, store.Save(ctx, record))

	require.NoError(t, store.Touch(ctx, record.ID))

	got, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UseCount)
	assert.True(t, got.LastUsed.After(record.LastUsed))
}

func TestStoreDegradeConfidence(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	record := sampleRecord("exp_20260301_dddd0001", "search.text.pattern_match", "developer.tools")
	require.NoError(t, store.Save(ctx, record))

	newConfidence, err := store.DegradeConfidence(ctx, record.ID, 0.7)
	require.NoError(t, err)
	require.NotNil(t, newConfidence)
	assert.InDelta(t, 0.63, *newConfidence, 1e-9)

	got, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, got.Outcome.Status)
	assert.InDelta(t, 0.63, got.Discovery.Confidence, 1e-9)
}

func TestStoreDegradeConfidenceMissing(t *testing.T) {
	store := testStore(t)

	newConfidence, err := store.DegradeConfidence(context.Background(), "exp_20260301_nothere0", 0.7)
	require.NoError(t, err)
	assert.Nil(t, newConfidence)
}

func TestStoreListAllPagination(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ids := []string{"exp_20260301_eeee0001", "exp_20260301_eeee0002", "exp_20260301_eeee0003"}
	for i, id := range ids {
		r := sampleRecord(id, "search.text.pattern_match", "developer.tools")
		r.LastUsed = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.Save(ctx, r))
	}

	page, err := store.ListAll(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 2, page.Limit)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "exp_20260301_eeee0003", page.Records[0].ID)
	assert.Equal(t, "exp_20260301_eeee0002", page.Records[1].ID)

	page, err = store.ListAll(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "exp_20260301_eeee0001", page.Records[0].ID)
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	record := sampleRecord("exp_20260301_ffff0001", "search.text.pattern_match", "developer.tools")
	require.NoError(t, store.Save(ctx, record))

	deleted, err := store.Delete(ctx, record.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.Delete(ctx, record.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestStoreStatsEmpty(t *testing.T) {
	store := testStore(t)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
	assert.Zero(t, stats.AvgConfidence)
	assert.Zero(t, stats.SuccessRate)
	assert.Empty(t, stats.TopDomains)
	assert.Empty(t, stats.TopManifests)
}

func TestStoreStats(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	a := sampleRecord("exp_20260301_ab000001", "search.text.pattern_match", "developer.tools")
	a.Discovery.Confidence = 0.9

	b := sampleRecord("exp_20260301_ab000002", "transform.data.json_query", "developer.tools")
	b.Discovery.Confidence = 0.8
	b.Discovery.ManifestMatched = "jq"

	c := sampleRecord("exp_20260301_ab000003", "compute.math.calculation", "math.arithmetic")
	c.Discovery.Confidence = 0.4
	c.Outcome.Status = models.StatusFailure

	for _, r := range []*models.ExperienceRecord{a, b, c} {
		require.NoError(t, store.Save(ctx, r))
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.InDelta(t, 0.7, stats.AvgConfidence, 1e-9)
	assert.InDelta(t, 0.6667, stats.SuccessRate, 1e-9)
	require.NotEmpty(t, stats.TopDomains)
	assert.Equal(t, models.DomainCount{Domain: "developer.tools", Count: 2}, stats.TopDomains[0])
	require.NotEmpty(t, stats.TopManifests)
	assert.Equal(t, models.ManifestCount{Manifest: "grep", Count: 2}, stats.TopManifests[0])
}

func TestStorePrune(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ids := []string{
		"exp_20260301_pp000001",
		"exp_20260301_pp000002",
		"exp_20260301_pp000003",
		"exp_20260301_pp000004",
		"exp_20260301_pp000005",
	}
	for i, id := range ids {
		r := sampleRecord(id, "search.text.pattern_match", "developer.tools")
		r.LastUsed = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Save(ctx, r))
	}

	pruned, err := store.Prune(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	total, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	// The two least-recently-used records are gone.
	for _, id := range ids[:2] {
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
	got, err := store.Get(ctx, ids[4])
	require.NoError(t, err)
	assert.NotNil(t, got)
}
