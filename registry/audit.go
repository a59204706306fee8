package registry

import (
	"sync"
	"time"

	"github.com/fedtrust/federation-policy-backend/interfaces"
)

// DefaultAuditCapacity bounds the administrative event ring.
const DefaultAuditCapacity = 256

// EventKind classifies an administrative event.
type EventKind string

const (
	EventRegister           EventKind = "register"
	EventApprove            EventKind = "approve"
	EventSuspend            EventKind = "suspend"
	EventRevoke             EventKind = "revoke"
	EventTokenRotate        EventKind = "token_rotate"
	EventRelationshipCreate EventKind = "relationship_create"
	EventRelationshipDelete EventKind = "relationship_delete"
	EventForceSync          EventKind = "force_sync"
)

// AuditEvent is one entry in the administrative event ring.
type AuditEvent struct {
	Time         time.Time               `json:"time"`
	Kind         EventKind               `json:"kind"`
	Actor        string                  `json:"actor,omitempty"`
	SpokeID      interfaces.SpokeID      `json:"spokeId,omitempty"`
	InstanceCode interfaces.InstanceCode `json:"instanceCode,omitempty"`
	Detail       string                  `json:"detail,omitempty"`
}

// AuditRing is a fixed-capacity ring buffer of administrative events. The
// oldest entry is evicted when the ring is full.
type AuditRing struct {
	mu       sync.Mutex
	events   []AuditEvent
	capacity int
	next     int
	full     bool
}

// NewAuditRing creates a ring with the given capacity.
func NewAuditRing(capacity int) *AuditRing {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	return &AuditRing{
		events:   make([]AuditEvent, capacity),
		capacity: capacity,
	}
}

// Append records an event, evicting the oldest if the ring is full.
func (r *AuditRing) Append(kind EventKind, actor string, spokeID interfaces.SpokeID, code interfaces.InstanceCode, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.next] = AuditEvent{
		Time:         time.Now().UTC(),
		Kind:         kind,
		Actor:        actor,
		SpokeID:      spokeID,
		InstanceCode: code,
		Detail:       detail,
	}
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.full = true
	}
}

// Snapshot returns the buffered events oldest first.
func (r *AuditRing) Snapshot() []AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]AuditEvent, r.next)
		copy(out, r.events[:r.next])
		return out
	}

	out := make([]AuditEvent, 0, r.capacity)
	out = append(out, r.events[r.next:]...)
	out = append(out, r.events[:r.next]...)
	return out
}

// Len returns the number of buffered events.
func (r *AuditRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return r.capacity
	}
	return r.next
}
