// Package truststore provides durable TrustStore implementations: an
// in-memory store for tests and single-process deployments, and a file-backed
// document store. Backends are selected by URI through the factory.
package truststore

import (
	"context"
	"sync"
	"time"

	"github.com/fedtrust/federation-policy-backend/interfaces"
)

// MemoryStore is an in-memory TrustStore. All operations are atomic per
// document under a single mutex.
type MemoryStore struct {
	mu            sync.RWMutex
	spokes        map[interfaces.SpokeID]*interfaces.SpokeRegistration
	byCode        map[interfaces.InstanceCode]interfaces.SpokeID
	tokens        map[string]*interfaces.SpokeToken
	relationships map[string]*interfaces.TrustRelationship
}

// NewMemoryStore creates an empty in-memory trust store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		spokes:        make(map[interfaces.SpokeID]*interfaces.SpokeRegistration),
		byCode:        make(map[interfaces.InstanceCode]interfaces.SpokeID),
		tokens:        make(map[string]*interfaces.SpokeToken),
		relationships: make(map[string]*interfaces.TrustRelationship),
	}
}

// PutSpoke upserts a registration keyed by spoke ID.
func (s *MemoryStore) PutSpoke(ctx context.Context, reg *interfaces.SpokeRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *reg
	s.spokes[reg.SpokeID] = &cp
	s.byCode[reg.InstanceCode] = reg.SpokeID
	return nil
}

// GetSpoke retrieves a registration by spoke ID.
func (s *MemoryStore) GetSpoke(ctx context.Context, id interfaces.SpokeID) (*interfaces.SpokeRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg, ok := s.spokes[id]
	if !ok {
		return nil, interfaces.ErrSpokeNotFound
	}
	cp := *reg
	return &cp, nil
}

// GetSpokeByInstanceCode retrieves a registration by member code.
func (s *MemoryStore) GetSpokeByInstanceCode(ctx context.Context, code interfaces.InstanceCode) (*interfaces.SpokeRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCode[code]
	if !ok {
		return nil, interfaces.ErrSpokeNotFound
	}
	reg, ok := s.spokes[id]
	if !ok {
		return nil, interfaces.ErrSpokeNotFound
	}
	cp := *reg
	return &cp, nil
}

// ListSpokes returns all registrations.
func (s *MemoryStore) ListSpokes(ctx context.Context) ([]*interfaces.SpokeRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*interfaces.SpokeRegistration, 0, len(s.spokes))
	for _, reg := range s.spokes {
		cp := *reg
		out = append(out, &cp)
	}
	return out, nil
}

// DeleteSpoke removes a registration. Administrative purge only.
func (s *MemoryStore) DeleteSpoke(ctx context.Context, id interfaces.SpokeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.spokes[id]
	if !ok {
		return interfaces.ErrSpokeNotFound
	}
	delete(s.byCode, reg.InstanceCode)
	delete(s.spokes, id)
	return nil
}

// PutToken stores an issued bearer token.
func (s *MemoryStore) PutToken(ctx context.Context, token *interfaces.SpokeToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	s.tokens[token.Token] = &cp
	return nil
}

// GetToken retrieves a token by its opaque value.
func (s *MemoryStore) GetToken(ctx context.Context, token string) (*interfaces.SpokeToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[token]
	if !ok {
		return nil, interfaces.ErrTokenUnknown
	}
	cp := *t
	return &cp, nil
}

// DeleteToken removes a single token.
func (s *MemoryStore) DeleteToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, token)
	return nil
}

// DeleteTokensForSpoke removes every token issued to a spoke.
func (s *MemoryStore) DeleteTokensForSpoke(ctx context.Context, id interfaces.SpokeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for value, t := range s.tokens {
		if t.SpokeID == id {
			delete(s.tokens, value)
		}
	}
	return nil
}

// PurgeExpiredTokens removes tokens past their expiry.
func (s *MemoryStore) PurgeExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for value, t := range s.tokens {
		if t.Expired(now) {
			delete(s.tokens, value)
			removed++
		}
	}
	return removed, nil
}

// PutRelationship stores a trust relationship.
func (s *MemoryStore) PutRelationship(ctx context.Context, rel *interfaces.TrustRelationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rel
	s.relationships[rel.RelationshipID] = &cp
	return nil
}

// GetRelationship retrieves a relationship by ID.
func (s *MemoryStore) GetRelationship(ctx context.Context, id string) (*interfaces.TrustRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rel, ok := s.relationships[id]
	if !ok {
		return nil, interfaces.ErrRelationshipNotFound
	}
	cp := *rel
	return &cp, nil
}

// ListRelationships returns all trust relationships.
func (s *MemoryStore) ListRelationships(ctx context.Context) ([]*interfaces.TrustRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*interfaces.TrustRelationship, 0, len(s.relationships))
	for _, rel := range s.relationships {
		cp := *rel
		out = append(out, &cp)
	}
	return out, nil
}

// DeleteRelationship removes a relationship by ID.
func (s *MemoryStore) DeleteRelationship(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.relationships[id]; !ok {
		return interfaces.ErrRelationshipNotFound
	}
	delete(s.relationships, id)
	return nil
}
