package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedtrust/federation-policy-backend/interfaces"
	"github.com/fedtrust/federation-policy-backend/truststore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T, opts ...Option) *SpokeRegistry {
	t.Helper()
	return New(truststore.NewMemoryStore(), testLogger(), opts...)
}

func registerSpoke(t *testing.T, r *SpokeRegistry, code string) *interfaces.SpokeRegistration {
	t.Helper()
	reg, err := r.Register(context.Background(), RegistrationRequest{
		InstanceCode: code,
		APIURL:       "https://" + strings.ToLower(code) + ".fed.example.com",
		IDPPublicURL: "https://idp." + strings.ToLower(code) + ".fed.example.com",
	})
	require.NoError(t, err)
	return reg
}

func approveSpoke(t *testing.T, r *SpokeRegistry, id interfaces.SpokeID, level interfaces.TrustLevel, scopes ...string) (*interfaces.SpokeRegistration, *interfaces.SpokeToken) {
	t.Helper()
	reg, token, err := r.Approve(context.Background(), id, ApprovalGrant{
		TrustLevel:        level,
		Scopes:            interfaces.NewScopeSet(scopes...),
		MaxClassification: interfaces.ClassRestricted,
	}, "test-admin")
	require.NoError(t, err)
	return reg, token
}

// TestLifecycle_FullPath walks register → approve → suspend → reinstate →
// revoke and checks each transition is reflected in the stored record.
func TestLifecycle_FullPath(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)

	reg := registerSpoke(t, r, "FRA")
	assert.Equal(t, interfaces.StatusPending, reg.Status)
	assert.NoError(t, reg.SpokeID.Validate())

	approved, token := approveSpoke(t, r, reg.SpokeID, interfaces.TrustStandard, "health")
	assert.Equal(t, interfaces.StatusApproved, approved.Status)
	assert.True(t, strings.HasPrefix(token.Token, "fst_"))
	assert.Len(t, token.Token, 4+64)
	// The base scope is granted implicitly.
	assert.True(t, approved.AllowedPolicyScopes.Contains(interfaces.BaseScope))
	assert.True(t, approved.AllowedPolicyScopes.Contains("health"))

	suspended, err := r.Suspend(ctx, reg.SpokeID, "audit finding", "test-admin")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusSuspended, suspended.Status)
	assert.Equal(t, "audit finding", suspended.StatusReason)

	// Reinstatement goes through approve again.
	reinstated, _ := approveSpoke(t, r, reg.SpokeID, interfaces.TrustStandard, "health")
	assert.Equal(t, interfaces.StatusApproved, reinstated.Status)
	assert.Empty(t, reinstated.StatusReason)

	revoked, err := r.Revoke(ctx, reg.SpokeID, "membership terminated", "test-admin")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusRevoked, revoked.Status)

	// Revoked is terminal.
	_, _, err = r.Approve(ctx, reg.SpokeID, ApprovalGrant{TrustLevel: interfaces.TrustBasic}, "test-admin")
	assert.ErrorIs(t, err, interfaces.ErrInvalidTransition)
}

// TestRegister_DuplicateInstanceCode verifies uniqueness among non-revoked
// registrations and that a revoked member's code can be reused.
func TestRegister_DuplicateInstanceCode(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)

	first := registerSpoke(t, r, "FRA")

	_, err := r.Register(ctx, RegistrationRequest{InstanceCode: "FRA", APIURL: "https://other.example.com"})
	assert.ErrorIs(t, err, interfaces.ErrDuplicateInstance)

	// Codes normalize to uppercase before the uniqueness check.
	_, err = r.Register(ctx, RegistrationRequest{InstanceCode: "fra", APIURL: "https://other.example.com"})
	assert.ErrorIs(t, err, interfaces.ErrDuplicateInstance)

	approveSpoke(t, r, first.SpokeID, interfaces.TrustBasic)
	_, err = r.Revoke(ctx, first.SpokeID, "gone", "test-admin")
	require.NoError(t, err)

	second := registerSpoke(t, r, "FRA")
	assert.NotEqual(t, first.SpokeID, second.SpokeID)
}

// flakyLookupStore fails a configurable number of instance-code lookups
// before delegating to the underlying store.
type flakyLookupStore struct {
	interfaces.TrustStore
	failures int
}

func (s *flakyLookupStore) GetSpokeByInstanceCode(ctx context.Context, code interfaces.InstanceCode) (*interfaces.SpokeRegistration, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("store unavailable")
	}
	return s.TrustStore.GetSpokeByInstanceCode(ctx, code)
}

// A failing uniqueness lookup must fail the registration, not wave it
// through as if the code were free.
func TestRegister_LookupFailureDoesNotBypassUniqueness(t *testing.T) {
	ctx := context.Background()
	store := &flakyLookupStore{TrustStore: truststore.NewMemoryStore()}
	r := New(store, testLogger())

	registerSpoke(t, r, "FRA")

	store.failures = 1
	_, err := r.Register(ctx, RegistrationRequest{InstanceCode: "FRA", APIURL: "https://other.example.com"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, interfaces.ErrDuplicateInstance)

	// Once the store recovers, the duplicate is reported as such.
	_, err = r.Register(ctx, RegistrationRequest{InstanceCode: "FRA", APIURL: "https://other.example.com"})
	assert.ErrorIs(t, err, interfaces.ErrDuplicateInstance)

	all, err := r.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// TestValidateToken_ScopeNarrowing checks that narrowing a registration's
// scopes immediately narrows what outstanding tokens resolve to.
func TestValidateToken_ScopeNarrowing(t *testing.T) {
	ctx := context.Background()
	store := truststore.NewMemoryStore()
	r := New(store, testLogger())

	reg := registerSpoke(t, r, "FRA")
	_, token := approveSpoke(t, r, reg.SpokeID, interfaces.TrustStandard, "health", "finance")

	validation, err := r.ValidateToken(ctx, token.Token)
	require.NoError(t, err)
	assert.True(t, validation.Scopes.Contains("health"))
	assert.True(t, validation.Scopes.Contains("finance"))

	// Narrow the live registration without reissuing the token.
	live, err := r.Get(ctx, reg.SpokeID)
	require.NoError(t, err)
	live.AllowedPolicyScopes = interfaces.NewScopeSet(interfaces.BaseScope, "health")
	require.NoError(t, store.PutSpoke(ctx, live))

	validation, err = r.ValidateToken(ctx, token.Token)
	require.NoError(t, err)
	assert.True(t, validation.Scopes.Contains("health"))
	assert.False(t, validation.Scopes.Contains("finance"))
}

// TestValidateToken_ExpiryAndRevocation covers expired tokens, suspension
// revoking all tokens, and unknown token values.
func TestValidateToken_ExpiryAndRevocation(t *testing.T) {
	ctx := context.Background()

	now := time.Now()
	clock := &now
	r := New(truststore.NewMemoryStore(), testLogger(),
		WithTokenTTL(time.Hour),
		WithClock(func() time.Time { return *clock }))

	reg := registerSpoke(t, r, "FRA")
	_, token := approveSpoke(t, r, reg.SpokeID, interfaces.TrustStandard, "health")

	_, err := r.ValidateToken(ctx, token.Token)
	require.NoError(t, err)

	// Past expiry.
	later := now.Add(2 * time.Hour)
	clock = &later
	_, err = r.ValidateToken(ctx, token.Token)
	assert.ErrorIs(t, err, interfaces.ErrTokenExpired)

	// Expired tokens are deleted eagerly; a second attempt is unknown.
	_, err = r.ValidateToken(ctx, token.Token)
	assert.ErrorIs(t, err, interfaces.ErrTokenUnknown)

	clock = &now
	newToken, err := r.RotateToken(ctx, reg.SpokeID, "test-admin")
	require.NoError(t, err)
	_, err = r.ValidateToken(ctx, newToken.Token)
	require.NoError(t, err)

	// Suspension invalidates every outstanding token.
	_, err = r.Suspend(ctx, reg.SpokeID, "paused", "test-admin")
	require.NoError(t, err)
	_, err = r.ValidateToken(ctx, newToken.Token)
	assert.ErrorIs(t, err, interfaces.ErrTokenUnknown)

	_, err = r.ValidateToken(ctx, "fst_0000000000000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, interfaces.ErrTokenUnknown)
}

// TestRotateToken_InvalidatesPrevious ensures rotation is revoke-then-issue.
func TestRotateToken_InvalidatesPrevious(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)

	reg := registerSpoke(t, r, "FRA")
	_, oldToken := approveSpoke(t, r, reg.SpokeID, interfaces.TrustStandard, "health")

	newToken, err := r.RotateToken(ctx, reg.SpokeID, "test-admin")
	require.NoError(t, err)
	assert.NotEqual(t, oldToken.Token, newToken.Token)

	_, err = r.ValidateToken(ctx, oldToken.Token)
	assert.ErrorIs(t, err, interfaces.ErrTokenUnknown)
	_, err = r.ValidateToken(ctx, newToken.Token)
	assert.NoError(t, err)
}

// TestHeartbeat verifies heartbeat recording and the unhealthy filter.
func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)

	reg := registerSpoke(t, r, "FRA")

	// No-op before approval.
	require.NoError(t, r.Heartbeat(ctx, reg.SpokeID))
	got, err := r.Get(ctx, reg.SpokeID)
	require.NoError(t, err)
	assert.Nil(t, got.LastHeartbeat)

	approveSpoke(t, r, reg.SpokeID, interfaces.TrustStandard)
	require.NoError(t, r.Heartbeat(ctx, reg.SpokeID))
	got, err = r.Get(ctx, reg.SpokeID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeat)

	unhealthy, err := r.FindUnhealthy(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, unhealthy)

	// A second approved spoke that never heartbeats shows up as unhealthy.
	other := registerSpoke(t, r, "DEU")
	approveSpoke(t, r, other.SpokeID, interfaces.TrustBasic)
	unhealthy, err = r.FindUnhealthy(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, unhealthy, 1)
	assert.Equal(t, other.SpokeID, unhealthy[0].SpokeID)
}

// TestListActive filters out everything except approved spokes.
func TestListActive(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)

	pending := registerSpoke(t, r, "FRA")
	active := registerSpoke(t, r, "DEU")
	approveSpoke(t, r, active.SpokeID, interfaces.TrustStandard)
	suspended := registerSpoke(t, r, "ITA")
	approveSpoke(t, r, suspended.SpokeID, interfaces.TrustStandard)
	_, err := r.Suspend(ctx, suspended.SpokeID, "paused", "test-admin")
	require.NoError(t, err)

	got, err := r.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, active.SpokeID, got[0].SpokeID)

	all, err := r.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	_ = pending
}

// TestAuditRing_Eviction checks oldest-first ordering and capacity eviction.
func TestAuditRing_Eviction(t *testing.T) {
	ring := NewAuditRing(3)
	assert.Equal(t, 0, ring.Len())

	ring.Append(EventRegister, "a", "", "FRA", "first")
	ring.Append(EventApprove, "a", "", "FRA", "second")
	assert.Equal(t, 2, ring.Len())

	events := ring.Snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, "first", events[0].Detail)

	ring.Append(EventSuspend, "a", "", "FRA", "third")
	ring.Append(EventRevoke, "a", "", "FRA", "fourth")
	assert.Equal(t, 3, ring.Len())

	events = ring.Snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, "second", events[0].Detail)
	assert.Equal(t, "fourth", events[2].Detail)
}
