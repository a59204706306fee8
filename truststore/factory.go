package truststore

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/fedtrust/federation-policy-backend/interfaces"
)

// New creates a TrustStore from a location URI.
//
// Supported schemes:
//   - mem:// - in-memory store (tests, single process)
//   - file:///var/lib/federation/trust - file-backed document store
func New(locationURI string, log *slog.Logger) (interfaces.TrustStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "mem":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(u.Path, log)
	default:
		return nil, fmt.Errorf("%w: unsupported trust store scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// ExpirySweeper periodically purges expired tokens from a trust store.
// Stop is idempotent; the sweep has no further side effects after stop.
type ExpirySweeper struct {
	store    interfaces.TrustStore
	interval time.Duration
	log      *slog.Logger
	stop     chan struct{}
	done     chan struct{}
	stopped  bool
}

// NewExpirySweeper creates a sweeper over the given store. A non-positive
// interval defaults to five minutes.
func NewExpirySweeper(store interfaces.TrustStore, interval time.Duration, log *slog.Logger) *ExpirySweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ExpirySweeper{
		store:    store,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. The first sweep runs immediately.
func (s *ExpirySweeper) Start() {
	go func() {
		defer close(s.done)
		s.sweep()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the sweep loop. Calling Stop twice is a no-op.
func (s *ExpirySweeper) Stop() {
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stop)
	<-s.done
}

func (s *ExpirySweeper) sweep() {
	removed, err := s.store.PurgeExpiredTokens(context.Background(), time.Now())
	if err != nil {
		s.log.Warn("Token expiry sweep failed", "err", err)
		return
	}
	if removed > 0 {
		s.log.Info("Purged expired tokens", "count", removed)
	}
}
