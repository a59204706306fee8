package truststore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fedtrust/federation-policy-backend/interfaces"
)

// FileStore is a TrustStore backed by JSON documents on the local file
// system. Each document is written atomically via rename, giving
// single-document update semantics. Token files are named by the SHA-256 of
// the token value so the opaque credential never appears in a directory
// listing.
type FileStore struct {
	baseDir string
	log     *slog.Logger
}

const (
	spokesDir        = "spokes"
	tokensDir        = "tokens"
	relationshipsDir = "relationships"
)

// NewFileStore creates a file-backed trust store rooted at baseDir,
// creating the per-entity subdirectories if needed.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	for _, sub := range []string{spokesDir, tokensDir, relationshipsDir} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}

	return &FileStore{baseDir: baseDir, log: log}, nil
}

func (s *FileStore) writeDoc(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit document: %w", err)
	}
	return nil
}

func (s *FileStore) readDoc(path string, v any, notFound error) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode document %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *FileStore) spokePath(id interfaces.SpokeID) string {
	return filepath.Join(s.baseDir, spokesDir, id.String()+".json")
}

func tokenFileName(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:]) + ".json"
}

func (s *FileStore) tokenPath(token string) string {
	return filepath.Join(s.baseDir, tokensDir, tokenFileName(token))
}

func (s *FileStore) relationshipPath(id string) string {
	return filepath.Join(s.baseDir, relationshipsDir, id+".json")
}

// PutSpoke upserts a registration document.
func (s *FileStore) PutSpoke(ctx context.Context, reg *interfaces.SpokeRegistration) error {
	return s.writeDoc(s.spokePath(reg.SpokeID), reg)
}

// GetSpoke retrieves a registration by spoke ID.
func (s *FileStore) GetSpoke(ctx context.Context, id interfaces.SpokeID) (*interfaces.SpokeRegistration, error) {
	var reg interfaces.SpokeRegistration
	if err := s.readDoc(s.spokePath(id), &reg, interfaces.ErrSpokeNotFound); err != nil {
		return nil, err
	}
	return &reg, nil
}

// GetSpokeByInstanceCode scans the spoke documents for a member code match.
func (s *FileStore) GetSpokeByInstanceCode(ctx context.Context, code interfaces.InstanceCode) (*interfaces.SpokeRegistration, error) {
	spokes, err := s.ListSpokes(ctx)
	if err != nil {
		return nil, err
	}
	for _, reg := range spokes {
		if reg.InstanceCode == code {
			return reg, nil
		}
	}
	return nil, interfaces.ErrSpokeNotFound
}

// ListSpokes returns all registration documents.
func (s *FileStore) ListSpokes(ctx context.Context) ([]*interfaces.SpokeRegistration, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, spokesDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list spokes: %w", err)
	}

	out := make([]*interfaces.SpokeRegistration, 0, len(entries))
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var reg interfaces.SpokeRegistration
		path := filepath.Join(s.baseDir, spokesDir, entry.Name())
		if err := s.readDoc(path, &reg, interfaces.ErrSpokeNotFound); err != nil {
			s.log.Warn("Skipping unreadable spoke document", "file", entry.Name(), "err", err)
			continue
		}
		out = append(out, &reg)
	}
	return out, nil
}

// DeleteSpoke removes a registration document.
func (s *FileStore) DeleteSpoke(ctx context.Context, id interfaces.SpokeID) error {
	err := os.Remove(s.spokePath(id))
	if os.IsNotExist(err) {
		return interfaces.ErrSpokeNotFound
	}
	return err
}

// PutToken stores an issued bearer token document.
func (s *FileStore) PutToken(ctx context.Context, token *interfaces.SpokeToken) error {
	return s.writeDoc(s.tokenPath(token.Token), token)
}

// GetToken retrieves a token by its opaque value.
func (s *FileStore) GetToken(ctx context.Context, token string) (*interfaces.SpokeToken, error) {
	var t interfaces.SpokeToken
	if err := s.readDoc(s.tokenPath(token), &t, interfaces.ErrTokenUnknown); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteToken removes a single token document.
func (s *FileStore) DeleteToken(ctx context.Context, token string) error {
	err := os.Remove(s.tokenPath(token))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *FileStore) eachToken(fn func(path string, t *interfaces.SpokeToken)) error {
	dir := filepath.Join(s.baseDir, tokensDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list tokens: %w", err)
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		var t interfaces.SpokeToken
		if err := s.readDoc(path, &t, interfaces.ErrTokenUnknown); err != nil {
			s.log.Warn("Skipping unreadable token document", "file", entry.Name(), "err", err)
			continue
		}
		fn(path, &t)
	}
	return nil
}

// DeleteTokensForSpoke removes every token issued to a spoke.
func (s *FileStore) DeleteTokensForSpoke(ctx context.Context, id interfaces.SpokeID) error {
	return s.eachToken(func(path string, t *interfaces.SpokeToken) {
		if t.SpokeID == id {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				s.log.Warn("Failed to remove token document", "file", filepath.Base(path), "err", err)
			}
		}
	})
}

// PurgeExpiredTokens removes tokens past their expiry.
func (s *FileStore) PurgeExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.eachToken(func(path string, t *interfaces.SpokeToken) {
		if t.Expired(now) {
			if err := os.Remove(path); err == nil || os.IsNotExist(err) {
				removed++
			}
		}
	})
	return removed, err
}

// PutRelationship stores a trust relationship document.
func (s *FileStore) PutRelationship(ctx context.Context, rel *interfaces.TrustRelationship) error {
	return s.writeDoc(s.relationshipPath(rel.RelationshipID), rel)
}

// GetRelationship retrieves a relationship by ID.
func (s *FileStore) GetRelationship(ctx context.Context, id string) (*interfaces.TrustRelationship, error) {
	var rel interfaces.TrustRelationship
	if err := s.readDoc(s.relationshipPath(id), &rel, interfaces.ErrRelationshipNotFound); err != nil {
		return nil, err
	}
	return &rel, nil
}

// ListRelationships returns all trust relationship documents.
func (s *FileStore) ListRelationships(ctx context.Context) ([]*interfaces.TrustRelationship, error) {
	dir := filepath.Join(s.baseDir, relationshipsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships: %w", err)
	}

	out := make([]*interfaces.TrustRelationship, 0, len(entries))
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var rel interfaces.TrustRelationship
		if err := s.readDoc(filepath.Join(dir, entry.Name()), &rel, interfaces.ErrRelationshipNotFound); err != nil {
			s.log.Warn("Skipping unreadable relationship document", "file", entry.Name(), "err", err)
			continue
		}
		out = append(out, &rel)
	}
	return out, nil
}

// DeleteRelationship removes a relationship document.
func (s *FileStore) DeleteRelationship(ctx context.Context, id string) error {
	err := os.Remove(s.relationshipPath(id))
	if os.IsNotExist(err) {
		return interfaces.ErrRelationshipNotFound
	}
	return err
}
