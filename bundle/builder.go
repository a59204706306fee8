// Package bundle implements the policy bundle builder: deterministic
// assembly of scoped policy snapshots from the policy source tree, content
// addressing, signing and signature verification, and the atomic
// current-bundle pointer.
package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/fedtrust/federation-policy-backend/interfaces"
	"github.com/fedtrust/federation-policy-backend/metrics"
)

// ScopeSource resolves the live allowed scopes of a spoke. Implemented by
// the spoke registry; the builder never trusts a token's scope snapshot.
type ScopeSource interface {
	AllowedScopes(ctx context.Context, id interfaces.SpokeID) (interfaces.ScopeSet, error)
}

// Builder assembles, signs and serves policy bundles. At most one build is
// in flight at a time; a completed build replaces the current-bundle pointer
// atomically so readers always see either the old or the new bundle.
type Builder struct {
	sourceDir string
	signer    interfaces.BundleSigner
	artifacts interfaces.ArtifactStore
	scopes    ScopeSource
	log       *slog.Logger

	buildMu sync.Mutex
	current atomic.Pointer[interfaces.PolicyBundle]
	seq     atomic.Uint64
	now     func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithSigner enables bundle signing.
func WithSigner(s interfaces.BundleSigner) Option {
	return func(b *Builder) { b.signer = s }
}

// WithArtifactStore mirrors built bundles and manifests into the store.
func WithArtifactStore(store interfaces.ArtifactStore) Option {
	return func(b *Builder) { b.artifacts = store }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// New creates a builder over the policy source tree rooted at sourceDir.
// Each scope is a direct subdirectory of the root.
func New(sourceDir string, scopes ScopeSource, log *slog.Logger, opts ...Option) *Builder {
	b := &Builder{
		sourceDir: sourceDir,
		scopes:    scopes,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildOptions controls one build.
type BuildOptions struct {
	// Scopes to include. The base scope is always added.
	Scopes []string

	// IncludeData includes JSON data documents alongside policy files.
	IncludeData bool

	// Sign attaches a signature over the aggregate hash. Fails with
	// ErrKeyNotFound when the builder has no signer.
	Sign bool

	// Compress gzips the bundle payload.
	Compress bool
}

// Build assembles a bundle for the requested scopes plus the mandatory base
// scope. On success the result becomes the new current bundle; on failure
// the previous current bundle is left intact.
func (b *Builder) Build(ctx context.Context, opts BuildOptions) (*interfaces.BuildResult, error) {
	b.buildMu.Lock()
	defer b.buildMu.Unlock()

	metrics.BundleBuildsTotal.Inc()
	built, err := b.assemble(ctx, opts)
	if err != nil {
		metrics.BundleBuildFailures.Inc()
		return nil, err
	}

	if b.artifacts != nil {
		b.mirror(ctx, built)
	}

	b.current.Store(built)
	b.log.Info("Policy bundle built",
		slog.String("bundleId", built.BundleID),
		slog.String("version", built.Version),
		slog.String("hash", built.Hash.String()),
		slog.String("scopes", built.Scopes.String()),
		slog.Int("files", len(built.Manifest.Files)),
		slog.Bool("signed", built.Signed()))

	return resultFor(built), nil
}

func (b *Builder) assemble(ctx context.Context, opts BuildOptions) (*interfaces.PolicyBundle, error) {
	scopes := interfaces.NewScopeSet(opts.Scopes...).Union(interfaces.NewScopeSet(interfaces.BaseScope))

	files, err := b.enumerate(scopes, opts.IncludeData)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found for scopes %s under %s", scopes, b.sourceDir)
	}

	contents, manifestFiles, err := b.archive(files, opts.Compress)
	if err != nil {
		return nil, err
	}

	hash := interfaces.ComputeBundleHash(contents)
	now := b.now().UTC()
	version := fmt.Sprintf("%s.%04d", now.Format("20060102.150405"), b.seq.Inc())

	built := &interfaces.PolicyBundle{
		BundleID: uuid.Must(uuid.NewRandom()).String(),
		Version:  version,
		Hash:     hash,
		Scopes:   scopes,
		Manifest: interfaces.BundleManifest{
			Revision: hash.String()[:12],
			Roots:    scopes,
			Files:    manifestFiles,
		},
		Contents:   contents,
		Compressed: opts.Compress,
		CreatedAt:  now,
	}

	if opts.Sign {
		if b.signer == nil {
			return nil, interfaces.ErrKeyNotFound
		}
		signature, err := b.signer.Sign(SigningDigest(hash))
		if err != nil {
			return nil, fmt.Errorf("failed to sign bundle: %w", err)
		}
		built.Signature = signature
		built.SignedAt = &now
		built.SignedBy = b.signer.SignerID()
	}

	return built, nil
}

// sourceFile is one enumerated policy source file before archiving.
type sourceFile struct {
	archivePath string
	diskPath    string
}

func (b *Builder) enumerate(scopes interfaces.ScopeSet, includeData bool) ([]sourceFile, error) {
	var files []sourceFile

	for _, scope := range scopes {
		root := filepath.Join(b.sourceDir, scope)
		info, err := os.Stat(root)
		if os.IsNotExist(err) || (err == nil && !info.IsDir()) {
			// A granted scope with no content yet is not an error.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat scope root %s: %w", scope, err)
		}

		err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
				return nil
			}
			if !includeData && strings.EqualFold(filepath.Ext(d.Name()), ".json") {
				return nil
			}
			rel, err := filepath.Rel(b.sourceDir, path)
			if err != nil {
				return err
			}
			files = append(files, sourceFile{
				archivePath: filepath.ToSlash(rel),
				diskPath:    path,
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk scope %s: %w", scope, err)
		}
	}

	// Deterministic ordering is what makes the content hash reproducible.
	sort.Slice(files, func(i, j int) bool { return files[i].archivePath < files[j].archivePath })
	return files, nil
}

func (b *Builder) archive(files []sourceFile, compress bool) ([]byte, []interfaces.ManifestFile, error) {
	var buf bytes.Buffer
	var sink io.Writer = &buf
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(&buf)
		sink = gz
	}

	tw := tar.NewWriter(sink)
	manifestFiles := make([]interfaces.ManifestFile, 0, len(files))

	for _, f := range files {
		data, err := os.ReadFile(f.diskPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", f.archivePath, err)
		}

		fileHash := sha256.Sum256(data)
		manifestFiles = append(manifestFiles, interfaces.ManifestFile{
			Path: f.archivePath,
			Hash: hex.EncodeToString(fileHash[:]),
			Size: int64(len(data)),
		})

		// Fixed header fields keep the archive byte-identical for
		// identical source content.
		header := &tar.Header{
			Name: f.archivePath,
			Mode: 0o644,
			Size: int64(len(data)),
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, nil, fmt.Errorf("failed to write archive header: %w", err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, nil, fmt.Errorf("failed to write archive entry: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return nil, nil, fmt.Errorf("failed to finalize compression: %w", err)
		}
	}

	return buf.Bytes(), manifestFiles, nil
}

func (b *Builder) mirror(ctx context.Context, built *interfaces.PolicyBundle) {
	if _, err := b.artifacts.Store(ctx, built.Contents, interfaces.BundleArtifact); err != nil {
		b.log.Warn("Failed to mirror bundle artifact",
			slog.String("hash", built.Hash.String()), "err", err)
	}

	manifest, err := manifestJSON(built)
	if err != nil {
		b.log.Warn("Failed to encode bundle manifest", "err", err)
		return
	}
	if _, err := b.artifacts.Store(ctx, manifest, interfaces.ManifestArtifact); err != nil {
		b.log.Warn("Failed to mirror bundle manifest",
			slog.String("hash", built.Hash.String()), "err", err)
	}
}

// Current returns the current bundle, or nil before the first build.
func (b *Builder) Current() *interfaces.PolicyBundle {
	return b.current.Load()
}

// CurrentVersion returns the current bundle version, or empty before the
// first successful build.
func (b *Builder) CurrentVersion() string {
	if cur := b.current.Load(); cur != nil {
		return cur.Version
	}
	return ""
}

// GetBundleForScopes returns the current bundle when it already covers the
// requested scopes, and rebuilds otherwise. The rebuild keeps previously
// covered scopes so other consumers stay covered.
func (b *Builder) GetBundleForScopes(ctx context.Context, scopes []string, sign bool) (*interfaces.PolicyBundle, error) {
	requested := interfaces.NewScopeSet(scopes...).Union(interfaces.NewScopeSet(interfaces.BaseScope))

	if cur := b.current.Load(); cur != nil && requested.SubsetOf(cur.Scopes) && (!sign || cur.Signed()) {
		return cur, nil
	}

	union := requested
	if cur := b.current.Load(); cur != nil {
		union = union.Union(cur.Scopes)
	}

	if _, err := b.Build(ctx, BuildOptions{Scopes: union, Sign: sign, Compress: true}); err != nil {
		return nil, err
	}
	return b.current.Load(), nil
}

// ResolveScopes intersects the requested scopes with the spoke's live
// allowed scopes from the registry. The base scope is always included.
func (b *Builder) ResolveScopes(ctx context.Context, id interfaces.SpokeID, requested []string) (interfaces.ScopeSet, error) {
	allowed, err := b.scopes.AllowedScopes(ctx, id)
	if err != nil {
		return nil, err
	}

	req := interfaces.NewScopeSet(requested...)
	var resolved interfaces.ScopeSet
	if req.HasWildcard() || len(req) == 0 {
		resolved = allowed
	} else {
		resolved = req.Intersect(allowed)
	}
	return resolved.Union(interfaces.NewScopeSet(interfaces.BaseScope)), nil
}

// SigningDigest is the keccak256 digest of a bundle's content hash; this is
// what gets signed and verified.
func SigningDigest(hash interfaces.BundleHash) [32]byte {
	var digest [32]byte
	copy(digest[:], crypto.Keccak256(hash.Bytes()))
	return digest
}

func resultFor(built *interfaces.PolicyBundle) *interfaces.BuildResult {
	result := &interfaces.BuildResult{
		BundleID:  built.BundleID,
		Version:   built.Version,
		Hash:      built.Hash.String(),
		Size:      len(built.Contents),
		FileCount: len(built.Manifest.Files),
		Scopes:    built.Scopes,
		SignedBy:  built.SignedBy,
	}
	if built.Signed() {
		result.Signature = hex.EncodeToString(built.Signature)
	}
	return result
}
