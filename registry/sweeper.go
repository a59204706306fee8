package registry

import (
	"context"
	"log/slog"
	"time"
)

// HealthSweeper periodically logs approved spokes whose heartbeat has gone
// missing or stale. It never mutates registration state on its own; operators
// decide whether to suspend. Stop is idempotent and the sweeper performs no
// further work after stop.
type HealthSweeper struct {
	registry        *SpokeRegistry
	interval        time.Duration
	maxHeartbeatAge time.Duration
	log             *slog.Logger
	stop            chan struct{}
	done            chan struct{}
	stopped         bool
}

// NewHealthSweeper creates a sweeper. Non-positive arguments default to a
// 5 minute interval and a 30 minute heartbeat age limit.
func NewHealthSweeper(registry *SpokeRegistry, interval, maxHeartbeatAge time.Duration, log *slog.Logger) *HealthSweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if maxHeartbeatAge <= 0 {
		maxHeartbeatAge = 30 * time.Minute
	}
	return &HealthSweeper{
		registry:        registry,
		interval:        interval,
		maxHeartbeatAge: maxHeartbeatAge,
		log:             log,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Start launches the sweep loop. The first sweep runs immediately.
func (s *HealthSweeper) Start() {
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
func (s *HealthSweeper) Stop() {
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stop)
	<-s.done
}

func (s *HealthSweeper) sweep() {
	unhealthy, err := s.registry.FindUnhealthy(context.Background(), s.maxHeartbeatAge)
	if err != nil {
		s.log.Warn("Health sweep failed", "err", err)
		return
	}

	for _, reg := range unhealthy {
		attrs := []any{
			slog.String("spokeId", reg.SpokeID.String()),
			slog.String("instanceCode", reg.InstanceCode.String()),
		}
		if reg.LastHeartbeat != nil {
			attrs = append(attrs, slog.Time("lastHeartbeat", *reg.LastHeartbeat))
		}
		s.log.Warn("Spoke heartbeat missing or stale", attrs...)
	}
}
