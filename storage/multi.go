package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fedtrust/federation-policy-backend/interfaces"
)

// MultiStore aggregates several artifact stores. Writes go to every
// available backend; reads return from the first backend that has the
// content.
type MultiStore struct {
	backends []interfaces.ArtifactStore
	log      *slog.Logger
}

// NewMultiStore creates an aggregated store over the given backends.
func NewMultiStore(backends []interfaces.ArtifactStore, log *slog.Logger) *MultiStore {
	return &MultiStore{backends: backends, log: log}
}

// Fetch retrieves an artifact from the first available backend that has it.
func (m *MultiStore) Fetch(ctx context.Context, hash interfaces.BundleHash, artifactType interfaces.ArtifactType) ([]byte, error) {
	start := time.Now()
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Artifact backend unavailable", slog.String("backend", backend.Name()))
			continue
		}

		data, err := backend.Fetch(ctx, hash, artifactType)
		if err == nil {
			m.log.Debug("Fetched artifact",
				slog.String("backend", backend.Name()),
				slog.String("hash", hash.String()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
	}

	m.log.Error("All artifact backends failed to fetch",
		slog.String("hash", hash.String()),
		slog.Int("failedBackends", len(errs)))
	return nil, fmt.Errorf("all backends failed to fetch %s: %v", hash, errs)
}

// Store saves an artifact to every available backend. It succeeds if at
// least one backend accepted the write.
func (m *MultiStore) Store(ctx context.Context, data []byte, artifactType interfaces.ArtifactType) (interfaces.BundleHash, error) {
	hash := interfaces.ComputeBundleHash(data)
	stored := 0
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}
		if _, err := backend.Store(ctx, data, artifactType); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			continue
		}
		stored++
	}

	if stored == 0 {
		return hash, fmt.Errorf("no backend accepted artifact %s: %v", hash, errs)
	}
	if len(errs) > 0 {
		m.log.Warn("Some artifact backends rejected the write",
			slog.String("hash", hash.String()),
			slog.Int("stored", stored),
			slog.Int("failed", len(errs)))
	}
	return hash, nil
}

// Available reports whether at least one backend is accessible.
func (m *MultiStore) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the aggregated identifier.
func (m *MultiStore) Name() string {
	names := make([]string, 0, len(m.backends))
	for _, backend := range m.backends {
		names = append(names, backend.Name())
	}
	return "multi[" + strings.Join(names, ",") + "]"
}

// LocationURI returns the comma-joined backend URIs.
func (m *MultiStore) LocationURI() string {
	uris := make([]string, 0, len(m.backends))
	for _, backend := range m.backends {
		uris = append(uris, backend.LocationURI())
	}
	return strings.Join(uris, ",")
}
