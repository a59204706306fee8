// Spoke agent: keeps a spoke's local policy bundle in sync with the hub.
// It periodically fetches and verifies the bundle, heartbeats, reports the
// applied version, and exposes a small endpoint the hub's force-sync uses.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/urfave/cli/v2"

	"github.com/fedtrust/federation-policy-backend/client"
	"github.com/fedtrust/federation-policy-backend/common"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "hub-url",
		Value: "http://127.0.0.1:8080",
		Usage: "base URL of the hub server",
	},
	&cli.StringFlag{
		Name:    "token",
		EnvVars: []string{"FEDERATION_SPOKE_TOKEN"},
		Usage:   "bearer token issued at approval",
	},
	&cli.StringFlag{
		Name:  "signer-id",
		Usage: "hub signing identity to verify bundles against (required)",
	},
	&cli.StringSliceFlag{
		Name:  "scope",
		Usage: "policy scope to request, repeatable",
	},
	&cli.StringFlag{
		Name:  "bundle-dir",
		Value: "./bundles",
		Usage: "directory to write fetched bundles into",
	},
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8081",
		Usage: "address for the agent's sync endpoint",
	},
	&cli.Int64Flag{
		Name:  "sync-interval-seconds",
		Value: 300,
		Usage: "seconds between periodic bundle syncs",
	},
	&cli.Int64Flag{
		Name:  "heartbeat-interval-seconds",
		Value: 60,
		Usage: "seconds between heartbeats",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
}

// agent holds the sync loop state shared with the force-sync endpoint.
type agent struct {
	client    *client.Client
	scopes    []string
	bundleDir string
	log       *slog.Logger

	mu      sync.Mutex
	version string
}

// syncOnce fetches, verifies and persists the bundle, then reports the
// applied version back to the hub.
func (a *agent) syncOnce(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, err := a.client.FetchBundle(ctx, a.scopes)
	if err != nil {
		return "", err
	}

	path := filepath.Join(a.bundleDir, b.Hash.String()+".bundle")
	if err := os.WriteFile(path, b.Contents, 0o644); err != nil {
		return "", fmt.Errorf("failed to persist bundle: %w", err)
	}

	if _, err := a.client.ReportSync(ctx, b.Version); err != nil {
		a.log.Error("Sync report failed", "err", err)
	}

	a.version = b.Version
	a.log.Info("Bundle applied", "version", b.Version, "path", path)
	return b.Version, nil
}

func (a *agent) currentVersion() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

func main() {
	app := &cli.App{
		Name:  "spoke-agent",
		Usage: "Synchronize a spoke's policy bundle from the federation hub",
		Flags: flags,
		Action: func(cCtx *cli.Context) error {
			logger := common.SetupLogger(&common.LoggingOpts{
				Debug:   cCtx.Bool("log-debug"),
				JSON:    cCtx.Bool("log-json"),
				Service: "spoke-agent",
				Version: common.Version,
			})

			if cCtx.String("token") == "" {
				logger.Error("token is required")
				return errors.New("token is required")
			}
			if cCtx.String("signer-id") == "" {
				logger.Error("signer-id is required")
				return errors.New("signer-id is required")
			}
			if err := os.MkdirAll(cCtx.String("bundle-dir"), 0o700); err != nil {
				logger.Error("Failed to create bundle directory", "err", err)
				return err
			}

			hubClient := client.New(
				cCtx.String("hub-url"),
				cCtx.String("token"),
				cCtx.String("signer-id"),
				logger)

			a := &agent{
				client:    hubClient,
				scopes:    cCtx.StringSlice("scope"),
				bundleDir: cCtx.String("bundle-dir"),
				log:       logger,
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// Endpoint the hub's force-sync calls.
			mux := chi.NewRouter()
			mux.With(func(next http.Handler) http.Handler {
				return httplogger.LoggingMiddlewareSlog(logger, next)
			}).Post("/api/agent/sync", func(w http.ResponseWriter, r *http.Request) {
				version, err := a.syncOnce(r.Context())
				if err != nil {
					w.WriteHeader(http.StatusBadGateway)
					json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
					return
				}
				json.NewEncoder(w).Encode(map[string]string{"version": version})
			})

			srv := &http.Server{Addr: cCtx.String("listen-addr"), Handler: mux}
			go func() {
				logger.Info("Starting agent endpoint", "listenAddress", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Agent endpoint failed", "err", err)
				}
			}()

			// Periodic sync.
			go func() {
				interval := time.Duration(cCtx.Int64("sync-interval-seconds")) * time.Second
				ticker := time.NewTicker(interval)
				defer ticker.Stop()

				if _, err := a.syncOnce(ctx); err != nil {
					logger.Error("Initial sync failed", "err", err)
				}
				for {
					select {
					case <-ticker.C:
						if _, err := a.syncOnce(ctx); err != nil {
							logger.Error("Sync failed", "err", err)
						}
					case <-ctx.Done():
						return
					}
				}
			}()

			// Heartbeats.
			go func() {
				interval := time.Duration(cCtx.Int64("heartbeat-interval-seconds")) * time.Second
				ticker := time.NewTicker(interval)
				defer ticker.Stop()

				for {
					select {
					case <-ticker.C:
						if err := hubClient.Heartbeat(ctx); err != nil {
							logger.Error("Heartbeat failed", "err", err)
						}
					case <-ctx.Done():
						return
					}
				}
			}()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			logger.Info("Shutting down", "lastVersion", a.currentVersion())

			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
