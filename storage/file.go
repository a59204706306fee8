// Package storage provides content-addressed artifact stores used to mirror
// built policy bundles and their manifests. Backends are selected by URI
// scheme through the factory; the multi-store replicates writes across all
// configured backends and reads from the first that has the content.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fedtrust/federation-policy-backend/interfaces"
)

// FileStore mirrors bundle artifacts onto the local file system, organized
// by artifact type and named by content hash.
type FileStore struct {
	baseDir     string
	prefixes    map[interfaces.ArtifactType]string
	log         *slog.Logger
	locationURI string
}

// NewFileStore creates a file artifact store rooted at baseDir, creating
// the per-type subdirectories if needed.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	prefixes := map[interfaces.ArtifactType]string{
		interfaces.BundleArtifact:   "bundles",
		interfaces.ManifestArtifact: "manifests",
	}

	for _, sub := range prefixes {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}

	return &FileStore{
		baseDir:     baseDir,
		prefixes:    prefixes,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch retrieves an artifact by content hash and type.
// Returns ErrArtifactNotFound if the file does not exist.
func (s *FileStore) Fetch(ctx context.Context, hash interfaces.BundleHash, artifactType interfaces.ArtifactType) ([]byte, error) {
	path := s.artifactPath(hash, artifactType)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, interfaces.ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}

	s.log.Debug("Fetched artifact from file store",
		slog.String("path", path),
		slog.Int("size", len(data)))
	return data, nil
}

// Store saves an artifact under its content hash.
func (s *FileStore) Store(ctx context.Context, data []byte, artifactType interfaces.ArtifactType) (interfaces.BundleHash, error) {
	hash := interfaces.ComputeBundleHash(data)
	path := s.artifactPath(hash, artifactType)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return hash, fmt.Errorf("failed to write artifact: %w", err)
	}

	s.log.Debug("Stored artifact in file store",
		slog.String("path", path),
		slog.String("hash", hash.String()))
	return hash, nil
}

// Available checks that the base directory exists.
func (s *FileStore) Available(ctx context.Context) bool {
	_, err := os.Stat(s.baseDir)
	if err != nil {
		s.log.Debug("File artifact store unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this store.
func (s *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.baseDir))
}

// LocationURI returns the URI identifying this store.
func (s *FileStore) LocationURI() string {
	return s.locationURI
}

func (s *FileStore) artifactPath(hash interfaces.BundleHash, artifactType interfaces.ArtifactType) string {
	return filepath.Join(s.baseDir, s.prefixes[artifactType], hash.String())
}
