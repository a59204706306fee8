package interfaces

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateInstance is returned when a registration request reuses an
	// instance code held by any non-revoked registration.
	ErrDuplicateInstance = errors.New("instance code already registered")

	// ErrInvalidTransition is returned for an illegal lifecycle move,
	// such as approving a revoked spoke.
	ErrInvalidTransition = errors.New("invalid registration state transition")

	// ErrSpokeNotFound is returned when no registration matches the key.
	ErrSpokeNotFound = errors.New("spoke not found")

	// ErrTokenExpired is returned when a bearer token has passed its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenUnknown is returned when a bearer token is absent from the
	// trust store, including tokens invalidated by suspension or revocation.
	ErrTokenUnknown = errors.New("token unknown")

	// ErrScopeDenied is returned when a bundle request exceeds the scopes a
	// spoke is allowed to receive.
	ErrScopeDenied = errors.New("scope denied")

	// ErrUnsigned is returned when verifying a bundle without a signature.
	ErrUnsigned = errors.New("bundle is not signed")

	// ErrSignatureMismatch is returned when cryptographic verification of a
	// bundle signature fails.
	ErrSignatureMismatch = errors.New("bundle signature mismatch")

	// ErrKeyNotFound is returned when the verification or signing key is
	// unavailable.
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrSpokeUnreachable is returned on transport failure towards a spoke.
	// Retry is the caller's responsibility.
	ErrSpokeUnreachable = errors.New("spoke unreachable")

	// ErrRelationshipExists is returned when creating a trust relationship
	// that already links the same pair with the same type.
	ErrRelationshipExists = errors.New("trust relationship already exists")

	// ErrRelationshipNotFound is returned when no relationship matches the key.
	ErrRelationshipNotFound = errors.New("trust relationship not found")

	// ErrInvalidRelationshipType is returned for an unrecognized relationship
	// type name.
	ErrInvalidRelationshipType = errors.New("invalid relationship type")
)

// TrustStore is the durable record of spokes, issued tokens and trust
// relationships. Implementations must apply writes atomically per document
// (single-document update semantics) and index by spoke ID, instance code and
// token value.
type TrustStore interface {
	// PutSpoke upserts a registration keyed by spoke ID.
	PutSpoke(ctx context.Context, reg *SpokeRegistration) error

	// GetSpoke retrieves a registration by spoke ID.
	// Returns ErrSpokeNotFound if absent.
	GetSpoke(ctx context.Context, id SpokeID) (*SpokeRegistration, error)

	// GetSpokeByInstanceCode retrieves a registration by member code.
	// Returns ErrSpokeNotFound if absent.
	GetSpokeByInstanceCode(ctx context.Context, code InstanceCode) (*SpokeRegistration, error)

	// ListSpokes returns all registrations in unspecified order.
	ListSpokes(ctx context.Context) ([]*SpokeRegistration, error)

	// DeleteSpoke removes a registration. Administrative purge only; the
	// lifecycle never hard-deletes.
	DeleteSpoke(ctx context.Context, id SpokeID) error

	// PutToken stores an issued bearer token.
	PutToken(ctx context.Context, token *SpokeToken) error

	// GetToken retrieves a token by its opaque value.
	// Returns ErrTokenUnknown if absent.
	GetToken(ctx context.Context, token string) (*SpokeToken, error)

	// DeleteToken removes a single token.
	DeleteToken(ctx context.Context, token string) error

	// DeleteTokensForSpoke removes every token issued to a spoke. Used by
	// suspension and revocation, which invalidate tokens as a set.
	DeleteTokensForSpoke(ctx context.Context, id SpokeID) error

	// PurgeExpiredTokens removes tokens past their expiry and returns the
	// number removed. The store's time-to-live sweep calls this.
	PurgeExpiredTokens(ctx context.Context, now time.Time) (int, error)

	// PutRelationship stores a trust relationship.
	PutRelationship(ctx context.Context, rel *TrustRelationship) error

	// GetRelationship retrieves a relationship by ID.
	// Returns ErrRelationshipNotFound if absent.
	GetRelationship(ctx context.Context, id string) (*TrustRelationship, error)

	// ListRelationships returns all trust relationships.
	ListRelationships(ctx context.Context) ([]*TrustRelationship, error)

	// DeleteRelationship removes a relationship by ID.
	DeleteRelationship(ctx context.Context, id string) error
}

// ArtifactType indicates the storage namespace for bundle artifacts.
type ArtifactType int

const (
	// BundleArtifact for built bundle payloads.
	BundleArtifact ArtifactType = iota
	// ManifestArtifact for JSON bundle manifests.
	ManifestArtifact
)

// String returns the artifact type name.
func (t ArtifactType) String() string {
	switch t {
	case BundleArtifact:
		return "bundle"
	case ManifestArtifact:
		return "manifest"
	default:
		return "unknown"
	}
}

var (
	// ErrArtifactNotFound is returned when requested content is absent from
	// an artifact store.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrBackendUnavailable is returned when an artifact store backend is
	// not accessible.
	ErrBackendUnavailable = errors.New("artifact backend unavailable")

	// ErrInvalidLocationURI is returned when an artifact store location URI
	// is malformed or unsupported.
	ErrInvalidLocationURI = errors.New("invalid artifact store location URI")
)

// ArtifactStore provides content-addressed storage for built bundles and
// their manifests. Mirrored stores replicate artifacts for availability.
type ArtifactStore interface {
	// Fetch retrieves data by content hash and artifact type.
	Fetch(ctx context.Context, hash BundleHash, artifactType ArtifactType) ([]byte, error)

	// Store saves data under its content hash and returns the hash.
	Store(ctx context.Context, data []byte, artifactType ArtifactType) (BundleHash, error)

	// Available checks if the backend is accessible.
	Available(ctx context.Context) bool

	// Name returns an identifier for logging.
	Name() string

	// LocationURI returns the URI identifying this backend.
	LocationURI() string
}

// BundleSigner signs aggregate bundle digests and identifies the signing key.
type BundleSigner interface {
	// Sign produces a compact recoverable signature over the digest.
	Sign(digest [32]byte) ([]byte, error)

	// SignerID returns the stable identity of the signing key (the hex
	// address derived from the public key).
	SignerID() string
}

// FederationPeer is one remote federation member polled during drift checks.
type FederationPeer struct {
	InstanceCode InstanceCode `json:"instanceCode"`
	BaseURL      string       `json:"baseUrl"`
}

// PeerDirectory enumerates the federation members known to this instance.
type PeerDirectory interface {
	// Peers returns the remote members to include in drift checks. The
	// local instance is never included.
	Peers(ctx context.Context) ([]FederationPeer, error)
}
