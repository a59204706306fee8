// Package metrics exposes a Prometheus-format metrics listener and the
// counters incremented by the service packages.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// MetricsServer serves the /metrics endpoint on its own listener, separate
// from the API listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given service name and address.
func New(serviceName, listenAddr string) (*MetricsServer, error) {
	if listenAddr == "" {
		return nil, fmt.Errorf("metrics listen address must not be empty")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Service", serviceName)
		metrics.WritePrometheus(w, true)
	})

	return &MetricsServer{
		srv: &http.Server{
			Addr:         listenAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving the metrics endpoint.
func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the listener.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Counters shared across packages. GetOrCreateCounter is safe for concurrent
// use and registers on first call.
var (
	BundleBuildsTotal       = metrics.GetOrCreateCounter(`federation_bundle_builds_total`)
	BundleBuildFailures     = metrics.GetOrCreateCounter(`federation_bundle_build_failures_total`)
	TokenValidationsTotal   = metrics.GetOrCreateCounter(`federation_token_validations_total`)
	TokenValidationFailures = metrics.GetOrCreateCounter(`federation_token_validation_failures_total`)
	DriftChecksTotal        = metrics.GetOrCreateCounter(`federation_drift_checks_total`)
	DriftDetectedTotal      = metrics.GetOrCreateCounter(`federation_drift_detected_total`)
	ForceSyncTotal          = metrics.GetOrCreateCounter(`federation_force_sync_total`)
	ForceSyncFailures       = metrics.GetOrCreateCounter(`federation_force_sync_failures_total`)
)
