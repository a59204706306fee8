package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/fedtrust/federation-policy-backend/interfaces"
)

// IPFSStore mirrors bundle artifacts into IPFS via a node API endpoint.
// IPFS assigns its own CIDs; the store keeps a mapping from bundle hash to
// CID so fetches by content hash resolve to pinned content.
type IPFSStore struct {
	shell       *shell.Shell
	host        string
	port        string
	log         *slog.Logger
	locationURI string

	mu   sync.RWMutex
	cids map[string]string // artifact key -> IPFS CID
}

// NewIPFSStore creates an IPFS artifact store connected to host:port.
func NewIPFSStore(host, port string, log *slog.Logger) (*IPFSStore, error) {
	apiURL := fmt.Sprintf("%s:%s", host, port)
	return &IPFSStore{
		shell:       shell.NewShell(apiURL),
		host:        host,
		port:        port,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s/", apiURL),
		cids:        make(map[string]string),
	}, nil
}

func artifactKey(hash interfaces.BundleHash, artifactType interfaces.ArtifactType) string {
	return fmt.Sprintf("%s-%s", artifactType, hash)
}

// Fetch retrieves an artifact by content hash and type. Returns
// ErrArtifactNotFound when this node never stored the artifact and
// ErrBackendUnavailable when the IPFS node is unreachable.
func (s *IPFSStore) Fetch(ctx context.Context, hash interfaces.BundleHash, artifactType interfaces.ArtifactType) ([]byte, error) {
	if !s.shell.IsUp() {
		s.log.Warn("IPFS node unavailable",
			slog.String("host", s.host), slog.String("port", s.port))
		return nil, interfaces.ErrBackendUnavailable
	}

	s.mu.RLock()
	cid, ok := s.cids[artifactKey(hash, artifactType)]
	s.mu.RUnlock()
	if !ok {
		return nil, interfaces.ErrArtifactNotFound
	}

	reader, err := s.shell.Cat("/ipfs/" + cid)
	if err != nil {
		if strings.Contains(err.Error(), "no link named") {
			return nil, interfaces.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to fetch artifact from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact from IPFS: %w", err)
	}

	// The mapping could be stale if the node was repopulated; re-check the
	// content hash before trusting it.
	if !interfaces.ComputeBundleHash(data).Equal(hash) {
		return nil, interfaces.ErrArtifactNotFound
	}
	return data, nil
}

// Store adds an artifact to IPFS and pins it, recording its CID.
func (s *IPFSStore) Store(ctx context.Context, data []byte, artifactType interfaces.ArtifactType) (interfaces.BundleHash, error) {
	hash := interfaces.ComputeBundleHash(data)

	if !s.shell.IsUp() {
		return hash, interfaces.ErrBackendUnavailable
	}

	cid, err := s.shell.Add(bytes.NewReader(data), shell.Pin(true))
	if err != nil {
		return hash, fmt.Errorf("failed to add artifact to IPFS: %w", err)
	}

	s.mu.Lock()
	s.cids[artifactKey(hash, artifactType)] = cid
	s.mu.Unlock()

	s.log.Debug("Stored artifact in IPFS",
		slog.String("cid", cid),
		slog.String("hash", hash.String()))
	return hash, nil
}

// Available checks if the IPFS node is accessible.
func (s *IPFSStore) Available(ctx context.Context) bool {
	return s.shell.IsUp()
}

// Name returns a unique identifier for this store.
func (s *IPFSStore) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", s.host, s.port)
}

// LocationURI returns the URI identifying this store.
func (s *IPFSStore) LocationURI() string {
	return s.locationURI
}
