package httpserver

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedtrust/federation-policy-backend/bundle"
	"github.com/fedtrust/federation-policy-backend/interfaces"
	"github.com/fedtrust/federation-policy-backend/registry"
	"github.com/fedtrust/federation-policy-backend/signer"
	"github.com/fedtrust/federation-policy-backend/syncmon"
	"github.com/fedtrust/federation-policy-backend/truststore"
)

const testAdminSecret = "test-admin-secret"

// testEnv wires a full server over an in-memory trust store and a temp
// policy tree, fronted by httptest.
type testEnv struct {
	ts      *httptest.Server
	reg     *registry.SpokeRegistry
	builder *bundle.Builder
	monitor *syncmon.Monitor
	signer  *signer.Signer
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvSigned(t, true)
}

func newTestEnvSigned(t *testing.T, signed bool) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	policyDir := t.TempDir()
	for path, content := range map[string]string{
		"base/access.rego":    "package access\ndefault allow = false\n",
		"health/hl7.rego":     "package health\n",
		"finance/limits.rego": "package finance\n",
	} {
		full := filepath.Join(policyDir, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}

	var (
		sig         *signer.Signer
		signerID    string
		builderOpts []bundle.Option
	)
	if signed {
		var err error
		sig, err = signer.NewFromSeed(bytes.Repeat([]byte{0x42}, 32))
		require.NoError(t, err)
		signerID = sig.SignerID()
		builderOpts = append(builderOpts, bundle.WithSigner(sig))
	}

	store := truststore.NewMemoryStore()
	reg := registry.New(store, logger)
	builder := bundle.New(policyDir, reg, logger, builderOpts...)
	monitor := syncmon.New(reg, builder, logger,
		syncmon.WithSyncTrigger(syncmon.NewHTTPSyncTrigger()))

	_, err := builder.Build(context.Background(), bundle.BuildOptions{Sign: signed})
	require.NoError(t, err)

	handler := NewHandler(interfaces.HubInstanceCode, reg, builder, monitor, signerID, logger)
	admin := NewAdminHandler(testAdminSecret, reg, builder, monitor, nil, logger)

	srv, err := New(&HTTPServerConfig{
		ListenAddr: "127.0.0.1:0",
		Log:        logger,
	}, handler, admin)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.getRouter())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, reg: reg, builder: builder, monitor: monitor, signer: sig}
}

// approvedSpoke registers and approves a spoke, returning its registration
// and bearer token.
func (e *testEnv) approvedSpoke(t *testing.T, code string, scopes ...string) (*interfaces.SpokeRegistration, string) {
	t.Helper()
	return e.approvedSpokeAt(t, code, "https://"+strings.ToLower(code)+".example.test", scopes...)
}

func (e *testEnv) approvedSpokeAt(t *testing.T, code, apiURL string, scopes ...string) (*interfaces.SpokeRegistration, string) {
	t.Helper()
	ctx := context.Background()

	reg, err := e.reg.Register(ctx, registry.RegistrationRequest{
		InstanceCode: code,
		APIURL:       apiURL,
	})
	require.NoError(t, err)

	approved, token, err := e.reg.Approve(ctx, reg.SpokeID, registry.ApprovalGrant{
		TrustLevel:        interfaces.TrustStandard,
		Scopes:            interfaces.NewScopeSet(scopes...),
		MaxClassification: interfaces.ClassUnclassified,
	}, "test")
	require.NoError(t, err)
	return approved, token.Token
}

func getJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHandleVersion(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/api/public/version")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := getJSON(t, resp)
	assert.Equal(t, "HUB", body["instanceCode"])
	assert.Equal(t, env.builder.CurrentVersion(), body["version"])
	assert.Equal(t, env.signer.SignerID(), body["signerId"])
}

func TestHandleBundleVerify(t *testing.T) {
	env := newTestEnv(t)
	current := env.builder.Current()
	require.NotNil(t, current)

	// Full hash and a unique prefix both resolve.
	for _, param := range []string{current.Hash.String(), current.Hash.String()[:12]} {
		resp, err := http.Get(env.ts.URL + "/api/public/bundle/verify/" + param)
		require.NoError(t, err)
		body := getJSON(t, resp)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["valid"])
		assert.Equal(t, env.signer.SignerID(), body["signerId"])
	}

	resp, err := http.Get(env.ts.URL + "/api/public/bundle/verify/ffffffffffff")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func spokeRequest(t *testing.T, method, url, token string, body io.Reader) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestSpokeAuth(t *testing.T) {
	env := newTestEnv(t)

	// No credential.
	resp, err := http.Get(env.ts.URL + "/api/spoke/bundle")
	require.NoError(t, err)
	body := getJSON(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "missing bearer token", body["error"])

	// Unknown token.
	req := spokeRequest(t, http.MethodGet, env.ts.URL+"/api/spoke/bundle", "fst_bogus", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body = getJSON(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid token", body["error"])
}

func TestHandleSpokeBundle(t *testing.T) {
	env := newTestEnv(t)
	spoke, token := env.approvedSpoke(t, "FRA", "health")

	req := spokeRequest(t, http.MethodGet, env.ts.URL+"/api/spoke/bundle?scopes=health", token, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	contents, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NotEmpty(t, contents)

	// The hash header matches the payload and the signature verifies.
	hash := interfaces.ComputeBundleHash(contents)
	assert.Equal(t, hash.String(), resp.Header.Get(BundleHashHeader))

	sigBytes, err := hex.DecodeString(resp.Header.Get(BundleSignatureHeader))
	require.NoError(t, err)
	require.NoError(t, signer.Verify(bundle.SigningDigest(hash), sigBytes, env.signer.SignerID()))

	// The fetch counts as a sync observation.
	statuses, err := env.monitor.GetAllSpokeStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, spoke.SpokeID, statuses[0].SpokeID)
	assert.Equal(t, resp.Header.Get(BundleVersionHeader), statuses[0].CurrentVersion)
}

func TestHandleSpokeBundle_ScopeDenied(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.approvedSpoke(t, "FRA", "health")

	req := spokeRequest(t, http.MethodGet, env.ts.URL+"/api/spoke/bundle?scopes=finance", token, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body := getJSON(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body, "allowedScopes")
	allowed, ok := body["allowedScopes"].([]any)
	require.True(t, ok)
	assert.Contains(t, allowed, "health")
}

// A hub running without a signing key still serves bundles, just without
// signature headers.
func TestHandleSpokeBundle_UnsignedHub(t *testing.T) {
	env := newTestEnvSigned(t, false)
	_, token := env.approvedSpoke(t, "FRA", "health")

	req := spokeRequest(t, http.MethodGet, env.ts.URL+"/api/spoke/bundle?scopes=health", token, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	contents, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NotEmpty(t, contents)

	hash := interfaces.ComputeBundleHash(contents)
	assert.Equal(t, hash.String(), resp.Header.Get(BundleHashHeader))
	assert.Empty(t, resp.Header.Get(BundleSignatureHeader))
	assert.Empty(t, resp.Header.Get(BundleSignerHeader))

	// The public version document advertises no signer.
	resp, err = http.Get(env.ts.URL + "/api/public/version")
	require.NoError(t, err)
	body := getJSON(t, resp)
	assert.Empty(t, body["signerId"])
}

func TestHandleHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	spoke, token := env.approvedSpoke(t, "FRA", "health")

	req := spokeRequest(t, http.MethodPost, env.ts.URL+"/api/spoke/heartbeat", token, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body := getJSON(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	refreshed, err := env.reg.Get(context.Background(), spoke.SpokeID)
	require.NoError(t, err)
	assert.NotNil(t, refreshed.LastHeartbeat)
}

func TestHandleSyncReport(t *testing.T) {
	env := newTestEnv(t)
	spoke, token := env.approvedSpoke(t, "FRA", "health")
	current := env.builder.CurrentVersion()

	payload := strings.NewReader(`{"version": "` + current + `"}`)
	req := spokeRequest(t, http.MethodPost, env.ts.URL+"/api/spoke/sync", token, payload)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body := getJSON(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "recorded", body["status"])
	assert.Equal(t, current, body["currentVersion"])

	statuses, err := env.monitor.GetAllSpokeStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, spoke.SpokeID, statuses[0].SpokeID)
	assert.Equal(t, interfaces.SyncCurrent, statuses[0].Status)

	// A missing version is rejected.
	req = spokeRequest(t, http.MethodPost, env.ts.URL+"/api/spoke/sync", token, strings.NewReader(`{}`))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
