package truststore

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedtrust/federation-policy-backend/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stores returns every TrustStore implementation under test.
func stores(t *testing.T) map[string]interfaces.TrustStore {
	t.Helper()
	fileStore, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	return map[string]interfaces.TrustStore{
		"memory": NewMemoryStore(),
		"file":   fileStore,
	}
}

func sampleSpoke(code string) *interfaces.SpokeRegistration {
	return &interfaces.SpokeRegistration{
		SpokeID:             interfaces.NewSpokeID(),
		InstanceCode:        interfaces.InstanceCode(code),
		Status:              interfaces.StatusApproved,
		TrustLevel:          interfaces.TrustStandard,
		AllowedPolicyScopes: interfaces.NewScopeSet("base", "health"),
		MaxClassification:   interfaces.ClassRestricted,
		APIURL:              "https://fra.fed.example.com",
		RegisteredAt:        time.Now().UTC().Truncate(time.Second),
	}
}

// TestSpokeRoundTrip exercises spoke CRUD on both implementations.
func TestSpokeRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := sampleSpoke("FRA")

			_, err := store.GetSpoke(ctx, reg.SpokeID)
			assert.ErrorIs(t, err, interfaces.ErrSpokeNotFound)

			require.NoError(t, store.PutSpoke(ctx, reg))

			got, err := store.GetSpoke(ctx, reg.SpokeID)
			require.NoError(t, err)
			assert.Equal(t, reg.InstanceCode, got.InstanceCode)
			assert.Equal(t, reg.AllowedPolicyScopes, got.AllowedPolicyScopes)

			byCode, err := store.GetSpokeByInstanceCode(ctx, "FRA")
			require.NoError(t, err)
			assert.Equal(t, reg.SpokeID, byCode.SpokeID)

			// Upsert replaces in place.
			got.Status = interfaces.StatusSuspended
			require.NoError(t, store.PutSpoke(ctx, got))
			again, err := store.GetSpoke(ctx, reg.SpokeID)
			require.NoError(t, err)
			assert.Equal(t, interfaces.StatusSuspended, again.Status)

			all, err := store.ListSpokes(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)

			require.NoError(t, store.DeleteSpoke(ctx, reg.SpokeID))
			_, err = store.GetSpoke(ctx, reg.SpokeID)
			assert.ErrorIs(t, err, interfaces.ErrSpokeNotFound)
		})
	}
}

// TestTokenLifecycle covers token CRUD, per-spoke deletion and expiry purge.
func TestTokenLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			spokeID := interfaces.NewSpokeID()

			_, err := store.GetToken(ctx, "fst_missing")
			assert.ErrorIs(t, err, interfaces.ErrTokenUnknown)

			live := &interfaces.SpokeToken{
				Token:     "fst_live",
				SpokeID:   spokeID,
				Scopes:    interfaces.NewScopeSet("base"),
				IssuedAt:  now,
				ExpiresAt: now.Add(time.Hour),
			}
			expired := &interfaces.SpokeToken{
				Token:     "fst_expired",
				SpokeID:   spokeID,
				Scopes:    interfaces.NewScopeSet("base"),
				IssuedAt:  now.Add(-2 * time.Hour),
				ExpiresAt: now.Add(-time.Hour),
			}
			other := &interfaces.SpokeToken{
				Token:     "fst_other",
				SpokeID:   interfaces.NewSpokeID(),
				Scopes:    interfaces.NewScopeSet("base"),
				IssuedAt:  now,
				ExpiresAt: now.Add(time.Hour),
			}
			for _, tok := range []*interfaces.SpokeToken{live, expired, other} {
				require.NoError(t, store.PutToken(ctx, tok))
			}

			got, err := store.GetToken(ctx, "fst_live")
			require.NoError(t, err)
			assert.Equal(t, spokeID, got.SpokeID)

			purged, err := store.PurgeExpiredTokens(ctx, now)
			require.NoError(t, err)
			assert.Equal(t, 1, purged)
			_, err = store.GetToken(ctx, "fst_expired")
			assert.ErrorIs(t, err, interfaces.ErrTokenUnknown)

			require.NoError(t, store.DeleteTokensForSpoke(ctx, spokeID))
			_, err = store.GetToken(ctx, "fst_live")
			assert.ErrorIs(t, err, interfaces.ErrTokenUnknown)

			// Tokens of other spokes survive.
			_, err = store.GetToken(ctx, "fst_other")
			assert.NoError(t, err)
		})
	}
}

// TestRelationshipRoundTrip covers relationship CRUD on both implementations.
func TestRelationshipRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rel := &interfaces.TrustRelationship{
				RelationshipID:  "7f3b2c9e-0000-4000-8000-000000000001",
				Type:            interfaces.RelationshipSpokeSpoke,
				OwnerInstance:   "FRA",
				PartnerInstance: "DEU",
				CreatedBy:       "test-admin",
				CreatedAt:       time.Now().UTC().Truncate(time.Second),
			}

			_, err := store.GetRelationship(ctx, rel.RelationshipID)
			assert.ErrorIs(t, err, interfaces.ErrRelationshipNotFound)

			require.NoError(t, store.PutRelationship(ctx, rel))
			got, err := store.GetRelationship(ctx, rel.RelationshipID)
			require.NoError(t, err)
			assert.Equal(t, rel.OwnerInstance, got.OwnerInstance)
			assert.Equal(t, rel.Type, got.Type)

			all, err := store.ListRelationships(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)

			require.NoError(t, store.DeleteRelationship(ctx, rel.RelationshipID))
			err = store.DeleteRelationship(ctx, rel.RelationshipID)
			assert.ErrorIs(t, err, interfaces.ErrRelationshipNotFound)
		})
	}
}

// TestFactory resolves store location URIs.
func TestFactory(t *testing.T) {
	store, err := New("mem://", testLogger())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	dir := t.TempDir()
	store, err = New("file://"+dir, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	_, err = New("redis://localhost", testLogger())
	assert.Error(t, err)
}

// TestExpirySweeper_StopIdempotent verifies Stop can be called repeatedly.
func TestExpirySweeper_StopIdempotent(t *testing.T) {
	sweeper := NewExpirySweeper(NewMemoryStore(), 10*time.Millisecond, testLogger())
	sweeper.Start()
	time.Sleep(30 * time.Millisecond)
	sweeper.Stop()
	sweeper.Stop()
}
