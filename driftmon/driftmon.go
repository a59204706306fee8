// Package driftmon polls federation peers for their active policy bundle
// version and reports cross-instance drift. The local version comes straight
// from the bundle builder and is never fetched over the network.
package driftmon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fedtrust/federation-policy-backend/interfaces"
	"github.com/fedtrust/federation-policy-backend/metrics"
)

const (
	// DefaultPeerTimeout bounds a single peer version poll. A slow peer
	// never delays the rest of the cycle.
	DefaultPeerTimeout = 5 * time.Second

	// DefaultCheckInterval is the periodic drift check cadence.
	DefaultCheckInterval = 60 * time.Second
)

// VersionSource reports the local instance's active bundle version.
type VersionSource interface {
	CurrentVersion() string
}

// Checker runs drift check cycles against a peer directory. Only the latest
// report is retained.
type Checker struct {
	localCode interfaces.InstanceCode
	local     VersionSource
	peers     interfaces.PeerDirectory
	client    *http.Client
	timeout   time.Duration
	interval  time.Duration
	log       *slog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	latest *interfaces.PolicyDriftReport

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
}

// Option configures a Checker.
type Option func(*Checker)

// WithPeerTimeout overrides the per-peer poll timeout.
func WithPeerTimeout(d time.Duration) Option {
	return func(c *Checker) { c.timeout = d }
}

// WithCheckInterval overrides the periodic check cadence.
func WithCheckInterval(d time.Duration) Option {
	return func(c *Checker) { c.interval = d }
}

// WithHTTPClient overrides the poll transport. Used in tests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Checker) { c.client = client }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// New creates a drift checker for the given local instance.
func New(localCode interfaces.InstanceCode, local VersionSource, peers interfaces.PeerDirectory, log *slog.Logger, opts ...Option) *Checker {
	c := &Checker{
		localCode: localCode,
		local:     local,
		peers:     peers,
		client:    &http.Client{},
		timeout:   DefaultPeerTimeout,
		interval:  DefaultCheckInterval,
		log:       log,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// pollPeer fetches one peer's active bundle version with a bounded deadline.
func (c *Checker) pollPeer(ctx context.Context, peer interfaces.FederationPeer) interfaces.InstancePolicyStatus {
	status := interfaces.InstancePolicyStatus{
		InstanceCode: peer.InstanceCode,
		LastChecked:  c.now().UTC(),
	}

	pollCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := strings.TrimSuffix(peer.BaseURL, "/") + "/api/public/version"
	req, err := http.NewRequestWithContext(pollCtx, http.MethodGet, url, nil)
	if err != nil {
		status.Error = err.Error()
		return status
	}

	start := c.now()
	resp, err := c.client.Do(req)
	status.LatencyMs = c.now().Sub(start).Milliseconds()
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		status.Error = fmt.Sprintf("peer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return status
	}

	var payload struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		status.Error = fmt.Sprintf("failed to decode version response: %v", err)
		return status
	}

	status.PolicyVersion = payload.Version
	status.Healthy = true
	return status
}

// Check runs one full drift check cycle: polls every peer in parallel,
// samples the local version directly, and derives the report. Unreachable
// peers are reported unhealthy and excluded from the consistency verdict.
func (c *Checker) Check(ctx context.Context) *interfaces.PolicyDriftReport {
	metrics.DriftChecksTotal.Inc()

	report := &interfaces.PolicyDriftReport{
		CheckTimestamp: c.now().UTC(),
	}

	localStatus := interfaces.InstancePolicyStatus{
		InstanceCode:  c.localCode,
		PolicyVersion: c.local.CurrentVersion(),
		Healthy:       true,
		LastChecked:   c.now().UTC(),
	}

	var peers []interfaces.FederationPeer
	if c.peers != nil {
		var err error
		peers, err = c.peers.Peers(ctx)
		if err != nil {
			c.log.Warn("Peer discovery failed, checking local instance only", "err", err)
		}
	}

	statuses := make([]interfaces.InstancePolicyStatus, len(peers))
	var wg sync.WaitGroup
	for i, peer := range peers {
		wg.Add(1)
		go func(i int, peer interfaces.FederationPeer) {
			defer wg.Done()
			statuses[i] = c.pollPeer(ctx, peer)
		}(i, peer)
	}
	wg.Wait()

	report.Instances = append([]interfaces.InstancePolicyStatus{localStatus}, statuses...)
	sort.Slice(report.Instances, func(i, j int) bool {
		return report.Instances[i].InstanceCode < report.Instances[j].InstanceCode
	})

	c.derive(report)

	c.mu.Lock()
	c.latest = report
	c.mu.Unlock()

	if !report.Consistent {
		metrics.DriftDetectedTotal.Inc()
		c.log.Error("Policy drift detected across federation",
			slog.String("expectedVersion", report.ExpectedVersion),
			slog.Any("driftingInstances", report.DriftingInstances),
			slog.String("details", report.DriftDetails))
	}

	return report
}

// derive fills in the consistency verdict from the sampled statuses.
func (c *Checker) derive(report *interfaces.PolicyDriftReport) {
	versions := make(map[string][]interfaces.InstanceCode)
	for _, status := range report.Instances {
		if !status.Healthy || status.PolicyVersion == "" {
			continue
		}
		versions[status.PolicyVersion] = append(versions[status.PolicyVersion], status.InstanceCode)
	}

	if len(versions) <= 1 {
		report.Consistent = true
		for version := range versions {
			report.ExpectedVersion = version
		}
		return
	}

	report.ExpectedVersion = expectedVersion(versions)
	for version, codes := range versions {
		if version == report.ExpectedVersion {
			continue
		}
		report.DriftingInstances = append(report.DriftingInstances, codes...)
	}
	sort.Slice(report.DriftingInstances, func(i, j int) bool {
		return report.DriftingInstances[i] < report.DriftingInstances[j]
	})

	parts := make([]string, 0, len(versions))
	for version, codes := range versions {
		strs := make([]string, len(codes))
		for i, code := range codes {
			strs[i] = code.String()
		}
		sort.Strings(strs)
		parts = append(parts, fmt.Sprintf("%s: %s", version, strings.Join(strs, ",")))
	}
	sort.Strings(parts)
	report.DriftDetails = fmt.Sprintf("%d distinct versions (%s)", len(versions), strings.Join(parts, "; "))
}

// expectedVersion picks the version that should win: the highest one by
// compareVersions. Distinct version strings always order, so no further
// tie-break is needed.
func expectedVersion(versions map[string][]interfaces.InstanceCode) string {
	expected := ""
	for version := range versions {
		if expected == "" || compareVersions(version, expected) > 0 {
			expected = version
		}
	}
	return expected
}

// compareVersions compares dotted version strings segment by segment,
// numerically when both segments are numeric, lexically otherwise.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aerr := strconv.ParseUint(as[i], 10, 64)
		bn, berr := strconv.ParseUint(bs[i], 10, 64)
		if aerr == nil && berr == nil {
			if an != bn {
				if an > bn {
					return 1
				}
				return -1
			}
			continue
		}
		if cmp := strings.Compare(as[i], bs[i]); cmp != 0 {
			return cmp
		}
	}
	switch {
	case len(as) > len(bs):
		return 1
	case len(as) < len(bs):
		return -1
	default:
		return 0
	}
}

// Latest returns the most recent drift report, or nil before the first check.
func (c *Checker) Latest() *interfaces.PolicyDriftReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// Start launches the periodic check loop: one immediate check, then one per
// interval. Safe to call once; Stop is idempotent.
func (c *Checker) Start(ctx context.Context) {
	if c.started {
		return
	}
	c.started = true

	go func() {
		defer close(c.doneCh)

		c.Check(ctx)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.Check(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the check loop and waits for the in-flight cycle to finish.
func (c *Checker) Stop() {
	if !c.started {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}
