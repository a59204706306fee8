package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/fedtrust/federation-policy-backend/interfaces"
)

// Factory creates artifact stores from URI strings and aggregates them into
// multi-backends for redundant mirroring.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a store factory.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

// StoreFor creates an artifact store from a location URI.
//
// Supported schemes:
//   - file:///var/lib/federation/artifacts
//   - s3://bucket/prefix?region=eu-west-1&endpoint=...&access_key=...&secret_key=...
//   - ipfs://host:port
func (f *Factory) StoreFor(locationURI string) (interfaces.ArtifactStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return NewFileStore(u.Path, f.log)
	case "s3":
		return f.createS3Store(u)
	case "ipfs":
		return f.createIPFSStore(u)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// MultiStoreFor creates an aggregated store from a list of location URIs.
// Backends that fail to construct are skipped with a warning; at least one
// must succeed.
func (f *Factory) MultiStoreFor(locationURIs []string) (interfaces.ArtifactStore, error) {
	backends := make([]interfaces.ArtifactStore, 0, len(locationURIs))
	for _, uri := range locationURIs {
		backend, err := f.StoreFor(uri)
		if err != nil {
			f.log.Warn("Failed to create artifact store",
				slog.String("locationURI", uri), "err", err)
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("%w: no valid artifact store among %d URIs", interfaces.ErrInvalidLocationURI, len(locationURIs))
	}
	if len(backends) == 1 {
		return backends[0], nil
	}
	return NewMultiStore(backends, f.log), nil
}

func (f *Factory) createS3Store(u *url.URL) (interfaces.ArtifactStore, error) {
	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	accessKey := query.Get("access_key")
	secretKey := query.Get("secret_key")
	if u.User != nil {
		accessKey = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			secretKey = pw
		}
	}

	return NewS3Store(u.Host, strings.TrimPrefix(u.Path, "/"), region, query.Get("endpoint"), accessKey, secretKey, f.log)
}

func (f *Factory) createIPFSStore(u *url.URL) (interfaces.ArtifactStore, error) {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "5001"
	}
	return NewIPFSStore(host, port, f.log)
}
