package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fedtrust/federation-policy-backend/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockArtifactStore implements interfaces.ArtifactStore for testing.
type MockArtifactStore struct {
	mock.Mock
	name string
}

func (m *MockArtifactStore) Fetch(ctx context.Context, hash interfaces.BundleHash, artifactType interfaces.ArtifactType) ([]byte, error) {
	args := m.Called(ctx, hash, artifactType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockArtifactStore) Store(ctx context.Context, data []byte, artifactType interfaces.ArtifactType) (interfaces.BundleHash, error) {
	args := m.Called(ctx, data, artifactType)
	return args.Get(0).(interfaces.BundleHash), args.Error(1)
}

func (m *MockArtifactStore) Available(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockArtifactStore) Name() string {
	return m.name
}

func (m *MockArtifactStore) LocationURI() string {
	return "mock://" + m.name
}

func TestMultiStore_Available(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{name: "all available", backends: []bool{true, true}, expected: true},
		{name: "one available", backends: []bool{false, true}, expected: true},
		{name: "none available", backends: []bool{false, false}, expected: false},
		{name: "no backends", backends: nil, expected: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stores := make([]interfaces.ArtifactStore, 0, len(tc.backends))
			for _, avail := range tc.backends {
				m := &MockArtifactStore{name: "m"}
				m.On("Available", mock.Anything).Return(avail).Maybe()
				stores = append(stores, m)
			}
			multi := NewMultiStore(stores, testLogger())
			assert.Equal(t, tc.expected, multi.Available(context.Background()))
		})
	}
}

// Writes go to every available backend; an unavailable one is skipped, not
// treated as a failure.
func TestMultiStore_StoreToAll(t *testing.T) {
	ctx := context.Background()
	data := []byte("bundle payload")
	hash := interfaces.ComputeBundleHash(data)

	first := &MockArtifactStore{name: "first"}
	first.On("Available", mock.Anything).Return(true)
	first.On("Store", mock.Anything, data, interfaces.BundleArtifact).Return(hash, nil)

	down := &MockArtifactStore{name: "down"}
	down.On("Available", mock.Anything).Return(false)

	second := &MockArtifactStore{name: "second"}
	second.On("Available", mock.Anything).Return(true)
	second.On("Store", mock.Anything, data, interfaces.BundleArtifact).Return(hash, nil)

	multi := NewMultiStore([]interfaces.ArtifactStore{first, down, second}, testLogger())
	got, err := multi.Store(ctx, data, interfaces.BundleArtifact)
	require.NoError(t, err)
	assert.Equal(t, hash, got)

	first.AssertExpectations(t)
	second.AssertExpectations(t)
	down.AssertNotCalled(t, "Store", mock.Anything, mock.Anything, mock.Anything)
}

// One accepting backend is enough for the write to succeed.
func TestMultiStore_StorePartialFailure(t *testing.T) {
	ctx := context.Background()
	data := []byte("bundle payload")
	hash := interfaces.ComputeBundleHash(data)

	failing := &MockArtifactStore{name: "failing"}
	failing.On("Available", mock.Anything).Return(true)
	failing.On("Store", mock.Anything, data, interfaces.BundleArtifact).Return(interfaces.BundleHash{}, errors.New("disk full"))

	working := &MockArtifactStore{name: "working"}
	working.On("Available", mock.Anything).Return(true)
	working.On("Store", mock.Anything, data, interfaces.BundleArtifact).Return(hash, nil)

	multi := NewMultiStore([]interfaces.ArtifactStore{failing, working}, testLogger())
	got, err := multi.Store(ctx, data, interfaces.BundleArtifact)
	require.NoError(t, err)
	assert.Equal(t, hash, got)

	// With every backend rejecting, the write fails.
	multi = NewMultiStore([]interfaces.ArtifactStore{failing}, testLogger())
	_, err = multi.Store(ctx, data, interfaces.BundleArtifact)
	assert.Error(t, err)
}

// Reads return from the first backend that has the content, falling through
// backends that miss.
func TestMultiStore_FetchFirstAvailable(t *testing.T) {
	ctx := context.Background()
	data := []byte("bundle payload")
	hash := interfaces.ComputeBundleHash(data)

	missing := &MockArtifactStore{name: "missing"}
	missing.On("Available", mock.Anything).Return(true)
	missing.On("Fetch", mock.Anything, hash, interfaces.BundleArtifact).Return(nil, interfaces.ErrArtifactNotFound)

	holding := &MockArtifactStore{name: "holding"}
	holding.On("Available", mock.Anything).Return(true)
	holding.On("Fetch", mock.Anything, hash, interfaces.BundleArtifact).Return(data, nil)

	multi := NewMultiStore([]interfaces.ArtifactStore{missing, holding}, testLogger())
	got, err := multi.Fetch(ctx, hash, interfaces.BundleArtifact)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// All backends missing the artifact is an error.
	multi = NewMultiStore([]interfaces.ArtifactStore{missing}, testLogger())
	_, err = multi.Fetch(ctx, hash, interfaces.BundleArtifact)
	assert.Error(t, err)
}

// End to end over two real file backends: a write lands in both, and a read
// survives losing one of them.
func TestMultiStore_FileBackendRoundTrip(t *testing.T) {
	ctx := context.Background()

	first, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	second, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	multi := NewMultiStore([]interfaces.ArtifactStore{first, second}, testLogger())

	data := []byte("signed bundle bytes")
	hash, err := multi.Store(ctx, data, interfaces.BundleArtifact)
	require.NoError(t, err)

	for _, backend := range []interfaces.ArtifactStore{first, second} {
		got, err := backend.Fetch(ctx, hash, interfaces.BundleArtifact)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}

	// Manifests live in their own namespace.
	_, err = first.Fetch(ctx, hash, interfaces.ManifestArtifact)
	assert.Error(t, err)
}

func TestFactory_StoreFor(t *testing.T) {
	factory := NewFactory(testLogger())

	store, err := factory.StoreFor("file://" + t.TempDir())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(store.Name(), "file-"))

	_, err = factory.StoreFor("gopher://example.com")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}

func TestFactory_MultiStoreFor(t *testing.T) {
	factory := NewFactory(testLogger())

	// Invalid URIs are skipped; the two file backends aggregate.
	store, err := factory.MultiStoreFor([]string{
		"file://" + t.TempDir(),
		"gopher://example.com",
		"file://" + t.TempDir(),
	})
	require.NoError(t, err)
	assert.Contains(t, store.Name(), "multi[")

	// A single surviving backend is returned unwrapped.
	store, err = factory.MultiStoreFor([]string{"file://" + t.TempDir()})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(store.Name(), "file-"))

	// Nothing valid at all is an error.
	_, err = factory.MultiStoreFor([]string{"gopher://example.com"})
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}
