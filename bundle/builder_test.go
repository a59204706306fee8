package bundle

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedtrust/federation-policy-backend/interfaces"
	"github.com/fedtrust/federation-policy-backend/signer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedScopes is a ScopeSource stub with a static grant.
type fixedScopes struct {
	scopes interfaces.ScopeSet
}

func (f *fixedScopes) AllowedScopes(_ context.Context, _ interfaces.SpokeID) (interfaces.ScopeSet, error) {
	return f.scopes, nil
}

// writePolicyTree lays out a per-scope policy source directory.
func writePolicyTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for path, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return dir
}

func defaultTree(t *testing.T) string {
	return writePolicyTree(t, map[string]string{
		"base/access.rego":     "package access\ndefault allow = false\n",
		"base/common.rego":     "package common\n",
		"health/hl7.rego":      "package health\n",
		"health/codes.json":    `{"icd": []}`,
		"finance/limits.rego":  "package finance\n",
		"finance/.hidden.rego": "ignored\n",
	})
}

func testSigner(t *testing.T) *signer.Signer {
	t.Helper()
	seed := bytes.Repeat([]byte{0x42}, 32)
	s, err := signer.NewFromSeed(seed)
	require.NoError(t, err)
	return s
}

// TestBuild_Deterministic builds twice from identical content and expects an
// identical content hash.
func TestBuild_Deterministic(t *testing.T) {
	dir := defaultTree(t)

	first := New(dir, &fixedScopes{}, testLogger())
	second := New(dir, &fixedScopes{}, testLogger())

	r1, err := first.Build(context.Background(), BuildOptions{Scopes: []string{"health"}})
	require.NoError(t, err)
	r2, err := second.Build(context.Background(), BuildOptions{Scopes: []string{"health"}})
	require.NoError(t, err)

	assert.Equal(t, r1.Hash, r2.Hash)
	// Versions are monotonic per builder, not part of the content identity.
	assert.NotEqual(t, r1.BundleID, r2.BundleID)
}

// TestBuild_ScopeFiltering checks scope selection, the implicit base scope,
// dotfile exclusion and JSON data gating.
func TestBuild_ScopeFiltering(t *testing.T) {
	dir := defaultTree(t)
	b := New(dir, &fixedScopes{}, testLogger())

	result, err := b.Build(context.Background(), BuildOptions{Scopes: []string{"health"}})
	require.NoError(t, err)

	cur := b.Current()
	require.NotNil(t, cur)
	paths := make([]string, 0, len(cur.Manifest.Files))
	for _, f := range cur.Manifest.Files {
		paths = append(paths, f.Path)
	}

	assert.Contains(t, paths, "base/access.rego")
	assert.Contains(t, paths, "health/hl7.rego")
	assert.NotContains(t, paths, "finance/limits.rego")
	// JSON data excluded without IncludeData, dotfiles always.
	assert.NotContains(t, paths, "health/codes.json")
	assert.NotContains(t, paths, "finance/.hidden.rego")
	assert.Equal(t, len(paths), result.FileCount)

	withData := New(dir, &fixedScopes{}, testLogger())
	_, err = withData.Build(context.Background(), BuildOptions{Scopes: []string{"health"}, IncludeData: true})
	require.NoError(t, err)
	dataPaths := make([]string, 0)
	for _, f := range withData.Current().Manifest.Files {
		dataPaths = append(dataPaths, f.Path)
	}
	assert.Contains(t, dataPaths, "health/codes.json")
}

// TestBuild_EmptySelection fails rather than publishing an empty bundle.
func TestBuild_EmptySelection(t *testing.T) {
	b := New(t.TempDir(), &fixedScopes{}, testLogger())
	_, err := b.Build(context.Background(), BuildOptions{Scopes: []string{"health"}})
	require.Error(t, err)
	assert.Nil(t, b.Current())
	assert.Empty(t, b.CurrentVersion())
}

// TestBuild_FailureKeepsCurrent verifies a failed rebuild leaves the previous
// bundle in place.
func TestBuild_FailureKeepsCurrent(t *testing.T) {
	dir := defaultTree(t)
	b := New(dir, &fixedScopes{}, testLogger())

	_, err := b.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)
	version := b.CurrentVersion()
	require.NotEmpty(t, version)

	// Signing without a signer fails the build.
	_, err = b.Build(context.Background(), BuildOptions{Sign: true})
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	assert.Equal(t, version, b.CurrentVersion())
}

// TestBuild_SignAndVerify covers the signing round trip, wrong-signer
// rejection and tamper detection.
func TestBuild_SignAndVerify(t *testing.T) {
	dir := defaultTree(t)
	s := testSigner(t)
	b := New(dir, &fixedScopes{}, testLogger(), WithSigner(s))

	_, err := b.Build(context.Background(), BuildOptions{Scopes: []string{"health"}, Sign: true})
	require.NoError(t, err)

	cur := b.Current()
	require.True(t, cur.Signed())
	assert.Equal(t, s.SignerID(), cur.SignedBy)
	require.NotNil(t, cur.SignedAt)

	require.NoError(t, VerifySignature(cur, s.SignerID()))

	// A different key's identity must not verify.
	other, err := signer.NewFromSeed(bytes.Repeat([]byte{0x24}, 32))
	require.NoError(t, err)
	assert.ErrorIs(t, VerifySignature(cur, other.SignerID()), interfaces.ErrSignatureMismatch)

	// Any mutated content byte invalidates the signature.
	tampered := *cur
	tampered.Contents = append([]byte(nil), cur.Contents...)
	tampered.Contents[0] ^= 0xff
	assert.ErrorIs(t, VerifySignature(&tampered, s.SignerID()), interfaces.ErrSignatureMismatch)
}

// TestVerifySignature_Unsigned rejects unsigned bundles outright.
func TestVerifySignature_Unsigned(t *testing.T) {
	dir := defaultTree(t)
	b := New(dir, &fixedScopes{}, testLogger())
	_, err := b.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)

	assert.ErrorIs(t, VerifySignature(b.Current(), "0xabc"), interfaces.ErrUnsigned)
	assert.ErrorIs(t, VerifySignature(nil, "0xabc"), interfaces.ErrUnsigned)
}

// TestGetBundleForScopes reuses a covering bundle and rebuilds with the scope
// union otherwise.
func TestGetBundleForScopes(t *testing.T) {
	dir := defaultTree(t)
	s := testSigner(t)
	b := New(dir, &fixedScopes{}, testLogger(), WithSigner(s))

	got, err := b.GetBundleForScopes(context.Background(), []string{"health"}, true)
	require.NoError(t, err)
	assert.True(t, got.Scopes.Contains("health"))
	firstVersion := got.Version

	// Subset of current coverage: no rebuild.
	again, err := b.GetBundleForScopes(context.Background(), []string{"health"}, true)
	require.NoError(t, err)
	assert.Equal(t, firstVersion, again.Version)

	// New scope forces a rebuild that keeps prior coverage.
	wider, err := b.GetBundleForScopes(context.Background(), []string{"finance"}, true)
	require.NoError(t, err)
	assert.NotEqual(t, firstVersion, wider.Version)
	assert.True(t, wider.Scopes.Contains("health"))
	assert.True(t, wider.Scopes.Contains("finance"))
}

// TestResolveScopes intersects requests with the live grant and always keeps
// the base scope.
func TestResolveScopes(t *testing.T) {
	granted := &fixedScopes{scopes: interfaces.NewScopeSet("base", "health")}
	b := New(t.TempDir(), granted, testLogger())

	resolved, err := b.ResolveScopes(context.Background(), interfaces.NewSpokeID(), []string{"health", "finance"})
	require.NoError(t, err)
	assert.True(t, resolved.Contains("health"))
	assert.False(t, resolved.Contains("finance"))
	assert.True(t, resolved.Contains(interfaces.BaseScope))

	// Empty and wildcard requests resolve to the full grant.
	resolved, err = b.ResolveScopes(context.Background(), interfaces.NewSpokeID(), nil)
	require.NoError(t, err)
	assert.Equal(t, interfaces.NewScopeSet("base", "health"), resolved)

	resolved, err = b.ResolveScopes(context.Background(), interfaces.NewSpokeID(), []string{"*"})
	require.NoError(t, err)
	assert.Equal(t, interfaces.NewScopeSet("base", "health"), resolved)
}

// TestScopesAuthorized enforces scope containment for bundle requests.
func TestScopesAuthorized(t *testing.T) {
	granted := interfaces.NewScopeSet("base", "health")

	assert.NoError(t, ScopesAuthorized(nil, granted))
	assert.NoError(t, ScopesAuthorized([]string{"health"}, granted))
	assert.NoError(t, ScopesAuthorized([]string{"base"}, interfaces.NewScopeSet()))

	err := ScopesAuthorized([]string{"health", "finance"}, granted)
	require.ErrorIs(t, err, interfaces.ErrScopeDenied)
	assert.Contains(t, err.Error(), "finance")

	wildcard := interfaces.NewScopeSet("*")
	assert.NoError(t, ScopesAuthorized([]string{"anything"}, wildcard))
}
