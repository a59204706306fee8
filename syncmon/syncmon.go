// Package syncmon tracks, per spoke, the last bundle version received and
// classifies staleness against the authoritative current version. Status is
// recomputed on every read; only the raw sync observations are stored.
package syncmon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fedtrust/federation-policy-backend/interfaces"
	"github.com/fedtrust/federation-policy-backend/metrics"
)

// Thresholds are the staleness cutoffs. The shipped defaults are this
// implementation's choice and are deliberately configurable per deployment.
type Thresholds struct {
	// CurrentWindow is how recent a matching-version sync must be to count
	// as fully current.
	CurrentWindow time.Duration

	// StaleAfter is the contact age at which a spoke is stale.
	StaleAfter time.Duration

	// CriticalAfter is the contact age at which staleness is critical.
	CriticalAfter time.Duration

	// OfflineAfter is the contact age past which a spoke is offline.
	OfflineAfter time.Duration
}

// DefaultThresholds returns the shipped cutoffs: current within 15 minutes,
// stale after 1 hour, critical after 6 hours, offline after 24 hours.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CurrentWindow: 15 * time.Minute,
		StaleAfter:    time.Hour,
		CriticalAfter: 6 * time.Hour,
		OfflineAfter:  24 * time.Hour,
	}
}

// Roster enumerates the approved spokes whose sync state is tracked.
// Implemented by the spoke registry.
type Roster interface {
	ListActive(ctx context.Context) ([]*interfaces.SpokeRegistration, error)
}

// VersionSource reports the authoritative current bundle version.
// Implemented by the bundle builder.
type VersionSource interface {
	CurrentVersion() string
}

// SyncTrigger pushes a full sync cycle to one spoke and returns the version
// the spoke reports afterwards. Implemented over HTTP towards the spoke's
// API URL.
type SyncTrigger interface {
	TriggerSync(ctx context.Context, reg *interfaces.SpokeRegistration) (string, error)
}

// syncRecord is one spoke's raw sync observation.
type syncRecord struct {
	version  string
	syncTime time.Time
}

// Monitor tracks per-spoke sync state. Records are idempotent upserts keyed
// by spoke ID and safe to apply out of order: an older observation never
// overwrites a newer one.
type Monitor struct {
	roster     Roster
	versions   VersionSource
	trigger    SyncTrigger
	thresholds Thresholds
	log        *slog.Logger
	now        func() time.Time

	mu      sync.RWMutex
	records map[interfaces.SpokeID]syncRecord
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithThresholds overrides the staleness cutoffs.
func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) { m.thresholds = t }
}

// WithSyncTrigger sets the transport used by ForceFullSync.
func WithSyncTrigger(t SyncTrigger) Option {
	return func(m *Monitor) { m.trigger = t }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a sync monitor.
func New(roster Roster, versions VersionSource, log *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		roster:     roster,
		versions:   versions,
		thresholds: DefaultThresholds(),
		log:        log,
		now:        time.Now,
		records:    make(map[interfaces.SpokeID]syncRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordSpokeSync upserts the version and time of a spoke's last sync.
func (m *Monitor) RecordSpokeSync(id interfaces.SpokeID, version string) {
	m.RecordSpokeSyncAt(id, version, m.now().UTC())
}

// RecordSpokeSyncAt records a sync observation with an explicit timestamp.
// Observations older than the stored one are ignored.
func (m *Monitor) RecordSpokeSyncAt(id interfaces.SpokeID, version string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[id]; ok && existing.syncTime.After(at) {
		return
	}
	m.records[id] = syncRecord{version: version, syncTime: at}
}

// classify derives the sync state for one spoke. Contact is the most recent
// of last sync and last heartbeat.
func (m *Monitor) classify(reg *interfaces.SpokeRegistration, rec *syncRecord, authoritative string, now time.Time) interfaces.SyncState {
	var contact time.Time
	if rec != nil {
		contact = rec.syncTime
	}
	if reg.LastHeartbeat != nil && reg.LastHeartbeat.After(contact) {
		contact = *reg.LastHeartbeat
	}

	if contact.IsZero() || now.Sub(contact) > m.thresholds.OfflineAfter {
		return interfaces.SyncOffline
	}

	contactAge := now.Sub(contact)
	versionMatch := rec != nil && authoritative != "" && rec.version == authoritative

	switch {
	case versionMatch && now.Sub(rec.syncTime) <= m.thresholds.CurrentWindow:
		return interfaces.SyncCurrent
	case contactAge > m.thresholds.CriticalAfter:
		return interfaces.SyncCriticalStale
	case contactAge > m.thresholds.StaleAfter:
		return interfaces.SyncStale
	case versionMatch:
		// Matching version with an aging sync confirmation still counts
		// as current while the spoke keeps heartbeating.
		return interfaces.SyncCurrent
	default:
		return interfaces.SyncBehind
	}
}

// GetAllSpokeStatus recomputes the sync status of every approved spoke
// against the authoritative version and wall-clock time.
func (m *Monitor) GetAllSpokeStatus(ctx context.Context) ([]*interfaces.SpokeSyncStatus, error) {
	active, err := m.roster.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active spokes: %w", err)
	}

	authoritative := m.versions.CurrentVersion()
	now := m.now().UTC()

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*interfaces.SpokeSyncStatus, 0, len(active))
	for _, reg := range active {
		status := &interfaces.SpokeSyncStatus{
			SpokeID:      reg.SpokeID,
			InstanceCode: reg.InstanceCode,
		}
		var rec *syncRecord
		if r, ok := m.records[reg.SpokeID]; ok {
			rec = &r
			status.CurrentVersion = r.version
			t := r.syncTime
			status.LastSyncTime = &t
		}
		status.Status = m.classify(reg, rec, authoritative, now)
		out = append(out, status)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].InstanceCode < out[j].InstanceCode })
	return out, nil
}

// GetOutOfSyncSpokes returns every tracked spoke whose status is not current.
func (m *Monitor) GetOutOfSyncSpokes(ctx context.Context) ([]*interfaces.SpokeSyncStatus, error) {
	all, err := m.GetAllSpokeStatus(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*interfaces.SpokeSyncStatus, 0)
	for _, status := range all {
		if status.Status != interfaces.SyncCurrent {
			out = append(out, status)
		}
	}
	return out, nil
}

// ForceSyncResult is the outcome of one forced sync cycle.
type ForceSyncResult struct {
	Success  bool       `json:"success"`
	Version  string     `json:"version,omitempty"`
	SyncTime *time.Time `json:"syncTime,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// ForceFullSync synchronously triggers a full bundle sync for one spoke and
// records the outcome. Transport failure surfaces as ErrSpokeUnreachable
// without retry; retry is the operator's decision.
func (m *Monitor) ForceFullSync(ctx context.Context, id interfaces.SpokeID) (*ForceSyncResult, error) {
	metrics.ForceSyncTotal.Inc()

	active, err := m.roster.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	var reg *interfaces.SpokeRegistration
	for _, candidate := range active {
		if candidate.SpokeID == id {
			reg = candidate
			break
		}
	}
	if reg == nil {
		return nil, interfaces.ErrSpokeNotFound
	}

	if m.trigger == nil {
		return nil, fmt.Errorf("%w: no sync transport configured", interfaces.ErrSpokeUnreachable)
	}

	version, err := m.trigger.TriggerSync(ctx, reg)
	if err != nil {
		metrics.ForceSyncFailures.Inc()
		m.log.Warn("Force sync failed",
			slog.String("spokeId", id.String()),
			slog.String("instanceCode", reg.InstanceCode.String()),
			"err", err)
		return &ForceSyncResult{Success: false, Error: err.Error()},
			fmt.Errorf("%w: %v", interfaces.ErrSpokeUnreachable, err)
	}

	now := m.now().UTC()
	m.RecordSpokeSyncAt(id, version, now)
	m.log.Info("Force sync completed",
		slog.String("spokeId", id.String()),
		slog.String("instanceCode", reg.InstanceCode.String()),
		slog.String("version", version))

	return &ForceSyncResult{Success: true, Version: version, SyncTime: &now}, nil
}
