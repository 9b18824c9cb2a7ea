package trust

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "trust.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestChallengeLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	require.NoError(t, store.CreateChallenge(ctx, "tools.example.com", "tok-1", MethodDNS, expires))

	challenge, err := store.PendingChallenge(ctx, "tools.example.com")
	require.NoError(t, err)
	require.NotNil(t, challenge)
	assert.Equal(t, "tools.example.com", challenge.Domain)
	assert.Equal(t, "tok-1", challenge.Token)
	assert.Equal(t, MethodDNS, challenge.Method)
	assert.Equal(t, ChallengePending, challenge.Status)
	assert.True(t, challenge.ExpiresAt.Equal(expires))
	assert.WithinDuration(t, time.Now(), challenge.CreatedAt, 5*time.Second)

	require.NoError(t, store.MarkChallengeVerified(ctx, "tok-1"))

	challenge, err = store.PendingChallenge(ctx, "tools.example.com")
	require.NoError(t, err)
	assert.Nil(t, challenge)
}

func TestPendingChallengeMissing(t *testing.T) {
	store := testStore(t)

	challenge, err := store.PendingChallenge(context.Background(), "nowhere.example.com")
	require.NoError(t, err)
	assert.Nil(t, challenge)
}

func TestPendingChallengeNewestWins(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	// Both rows land within the same second, so the id tiebreak decides.
	require.NoError(t, store.CreateChallenge(ctx, "tools.example.com", "tok-old", MethodDNS, expires))
	require.NoError(t, store.CreateChallenge(ctx, "tools.example.com", "tok-new", MethodHTTP, expires))

	challenge, err := store.PendingChallenge(ctx, "tools.example.com")
	require.NoError(t, err)
	require.NotNil(t, challenge)
	assert.Equal(t, "tok-new", challenge.Token)
	assert.Equal(t, MethodHTTP, challenge.Method)
}

func TestPendingChallengeIgnoresExpired(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateChallenge(ctx, "tools.example.com", "tok-stale", MethodDNS,
		time.Now().Add(-time.Minute)))

	challenge, err := store.PendingChallenge(ctx, "tools.example.com")
	require.NoError(t, err)
	assert.Nil(t, challenge)
}

func TestSweepExpiredChallenges(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateChallenge(ctx, "stale.example.com", "tok-stale", MethodDNS,
		time.Now().Add(-time.Minute)))
	require.NoError(t, store.CreateChallenge(ctx, "live.example.com", "tok-live", MethodDNS,
		time.Now().Add(time.Hour)))

	swept, err := store.SweepExpiredChallenges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	challenge, err := store.PendingChallenge(ctx, "live.example.com")
	require.NoError(t, err)
	require.NotNil(t, challenge)
	assert.Equal(t, "tok-live", challenge.Token)

	swept, err = store.SweepExpiredChallenges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}

func TestAttestationRoundtrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	issued := time.Now().UTC().Truncate(time.Second)

	record := &AttestationRecord{
		Domain:             "tools.example.com",
		Layer:              LayerDomain,
		JWS:                "eyJhbGciOiJFZERTQSJ9.payload.sig",
		ManifestHash:       "sha256:abc123",
		VerificationMethod: MethodDNS,
		IssuedAt:           issued,
		ExpiresAt:          issued.Add(90 * 24 * time.Hour),
	}
	require.NoError(t, store.StoreAttestation(ctx, record))

	records, err := store.Attestations(ctx, "tools.example.com")
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0]
	assert.Equal(t, record.Domain, got.Domain)
	assert.Equal(t, record.Layer, got.Layer)
	assert.Equal(t, record.JWS, got.JWS)
	assert.Equal(t, record.ManifestHash, got.ManifestHash)
	assert.Equal(t, record.VerificationMethod, got.VerificationMethod)
	assert.True(t, got.IssuedAt.Equal(record.IssuedAt))
	assert.True(t, got.ExpiresAt.Equal(record.ExpiresAt))
}

func TestAttestationEmptyVerificationMethod(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	issued := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.StoreAttestation(ctx, &AttestationRecord{
		Domain:       "tools.example.com",
		Layer:        LayerCapability,
		JWS:          "jws-2",
		ManifestHash: "sha256:abc123",
		IssuedAt:     issued,
		ExpiresAt:    issued.Add(7 * 24 * time.Hour),
	}))

	records, err := store.Attestations(ctx, "tools.example.com")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].VerificationMethod)
}

func TestAttestationsOrderingAndExpiry(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	insert := func(layer int, jws string, issued, expires time.Time) {
		require.NoError(t, store.StoreAttestation(ctx, &AttestationRecord{
			Domain:       "tools.example.com",
			Layer:        layer,
			JWS:          jws,
			ManifestHash: "sha256:abc123",
			IssuedAt:     issued,
			ExpiresAt:    expires,
		}))
	}
	insert(LayerCapability, "jws-cap", now.Add(-time.Hour), now.Add(7*24*time.Hour))
	insert(LayerDomain, "jws-dom-old", now.Add(-2*time.Hour), now.Add(time.Hour))
	insert(LayerDomain, "jws-dom-new", now.Add(-time.Hour), now.Add(time.Hour))
	insert(LayerDomain, "jws-dom-expired", now.Add(-48*time.Hour), now.Add(-time.Hour))

	records, err := store.Attestations(ctx, "tools.example.com")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "jws-dom-new", records[0].JWS)
	assert.Equal(t, "jws-dom-old", records[1].JWS)
	assert.Equal(t, "jws-cap", records[2].JWS)
}

func TestAttestationsEmpty(t *testing.T) {
	store := testStore(t)

	records, err := store.Attestations(context.Background(), "nowhere.example.com")
	require.NoError(t, err)
	require.NotNil(t, records)
	assert.Empty(t, records)
}

func TestLatestAttestation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for i, jws := range []string{"jws-old", "jws-new"} {
		require.NoError(t, store.StoreAttestation(ctx, &AttestationRecord{
			Domain:       "tools.example.com",
			Layer:        LayerDomain,
			JWS:          jws,
			ManifestHash: "sha256:abc123",
			IssuedAt:     now.Add(time.Duration(i-2) * time.Hour),
			ExpiresAt:    now.Add(time.Hour),
		}))
	}

	record, err := store.LatestAttestation(ctx, "tools.example.com", LayerDomain)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "jws-new", record.JWS)

	record, err = store.LatestAttestation(ctx, "tools.example.com", LayerCapability)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestCountAttestations(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	count, err := store.CountAttestations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	for _, rec := range []struct {
		domain  string
		expires time.Time
	}{
		{"a.example.com", now.Add(time.Hour)},
		{"b.example.com", now.Add(time.Hour)},
		{"c.example.com", now.Add(-time.Hour)},
	} {
		require.NoError(t, store.StoreAttestation(ctx, &AttestationRecord{
			Domain:       rec.domain,
			Layer:        LayerDomain,
			JWS:          "jws",
			ManifestHash: "sha256:abc123",
			IssuedAt:     now.Add(-2 * time.Hour),
			ExpiresAt:    rec.expires,
		}))
	}

	count, err = store.CountAttestations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
