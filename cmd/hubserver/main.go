// Hub server: serves the federation trust and policy distribution API.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/fedtrust/federation-policy-backend/bundle"
	"github.com/fedtrust/federation-policy-backend/common"
	"github.com/fedtrust/federation-policy-backend/driftmon"
	"github.com/fedtrust/federation-policy-backend/httpserver"
	"github.com/fedtrust/federation-policy-backend/interfaces"
	"github.com/fedtrust/federation-policy-backend/registry"
	"github.com/fedtrust/federation-policy-backend/signer"
	"github.com/fedtrust/federation-policy-backend/storage"
	"github.com/fedtrust/federation-policy-backend/syncmon"
	"github.com/fedtrust/federation-policy-backend/truststore"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "instance-code",
		Value: "HUB",
		Usage: "federation code of this instance",
	},
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Value: "127.0.0.1:8090",
		Usage: "address to listen on for Prometheus metrics",
	},
	&cli.StringFlag{
		Name:  "admin-secret",
		Value: "",
		Usage: "shared secret for the admin API (required)",
	},
	&cli.StringFlag{
		Name:  "trust-store",
		Value: "mem://",
		Usage: "trust store location URI: mem:// or file:///path",
	},
	&cli.StringFlag{
		Name:  "policy-dir",
		Value: "./policies",
		Usage: "directory with per-scope policy sources",
	},
	&cli.StringSliceFlag{
		Name:  "artifact-store",
		Usage: "artifact mirror URI (file://, s3://, ipfs://), repeatable",
	},
	&cli.StringFlag{
		Name:  "signing-seed",
		Value: "",
		Usage: "hex-encoded 32-byte seed for the bundle signing key",
	},
	&cli.StringFlag{
		Name:  "vault-addr",
		Value: "",
		Usage: "Vault address to load the signing key from instead of a seed",
	},
	&cli.StringFlag{
		Name:  "vault-token",
		Value: "",
		Usage: "Vault token (falls back to VAULT_TOKEN)",
	},
	&cli.StringFlag{
		Name:  "vault-mount",
		Value: "secret",
		Usage: "Vault KV v2 mount holding the signing key",
	},
	&cli.StringFlag{
		Name:  "vault-key-path",
		Value: "federation/signing",
		Usage: "Vault KV path holding the signing key",
	},
	&cli.StringSliceFlag{
		Name:  "peer",
		Usage: "static federation peer as CODE=https://host, repeatable",
	},
	&cli.StringFlag{
		Name:  "peer-dns-domain",
		Value: "",
		Usage: "DNS domain for SRV-based peer discovery (overrides --peer)",
	},
	&cli.StringFlag{
		Name:  "peer-dns-resolver",
		Value: "",
		Usage: "DNS resolver host:port for peer discovery",
	},
	&cli.Int64Flag{
		Name:  "drift-interval-seconds",
		Value: 60,
		Usage: "seconds between drift check cycles",
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
	&cli.StringFlag{
		Name:  "log-service",
		Value: common.PackageName,
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	app := &cli.App{
		Name:  "hub-server",
		Usage: "Serve the federation trust and policy distribution API",
		Flags: flags,
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String("listen-addr")
			metricsAddr := cCtx.String("metrics-addr")
			adminSecret := cCtx.String("admin-secret")
			enablePprof := cCtx.Bool("pprof")
			drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

			logger := common.SetupLogger(&common.LoggingOpts{
				Debug:   cCtx.Bool("log-debug"),
				JSON:    cCtx.Bool("log-json"),
				Service: cCtx.String("log-service"),
				Version: common.Version,
			})

			if adminSecret == "" {
				logger.Error("admin-secret is required")
				return errors.New("admin-secret is required")
			}

			localCode, err := interfaces.NewInstanceCode(cCtx.String("instance-code"))
			if err != nil {
				logger.Error("Invalid instance code", "err", err)
				return err
			}

			store, err := truststore.New(cCtx.String("trust-store"), logger)
			if err != nil {
				logger.Error("Failed to open trust store", "err", err)
				return err
			}

			// Signing key: seed from flag, or Vault when configured.
			var bundleSigner interfaces.BundleSigner
			switch {
			case cCtx.String("vault-addr") != "":
				source, err := signer.NewVaultKeySource(
					cCtx.String("vault-addr"),
					cCtx.String("vault-token"),
					cCtx.String("vault-mount"),
					cCtx.String("vault-key-path"),
					logger)
				if err != nil {
					logger.Error("Failed to create Vault key source", "err", err)
					return err
				}
				bundleSigner, err = source.Load(context.Background())
				if err != nil {
					logger.Error("Failed to load signing key from Vault", "err", err)
					return err
				}
			case cCtx.String("signing-seed") != "":
				seed, err := hex.DecodeString(cCtx.String("signing-seed"))
				if err != nil || len(seed) != 32 {
					logger.Error("Invalid signing-seed - must be 64 hex chars (32 bytes)", "err", err)
					return fmt.Errorf("invalid signing-seed: %v", err)
				}
				bundleSigner, err = signer.NewFromSeed(seed)
				if err != nil {
					logger.Error("Failed to derive signing key", "err", err)
					return err
				}
			default:
				logger.Warn("No signing key configured, bundles will be unsigned")
			}

			signerID := ""
			if bundleSigner != nil {
				signerID = bundleSigner.SignerID()
				logger.Info("Bundle signing enabled", "signerId", signerID)
			}

			reg := registry.New(store, logger)

			builderOpts := []bundle.Option{}
			if bundleSigner != nil {
				builderOpts = append(builderOpts, bundle.WithSigner(bundleSigner))
			}
			if uris := cCtx.StringSlice("artifact-store"); len(uris) > 0 {
				factory := storage.NewFactory(logger)
				mirror, err := factory.MultiStoreFor(uris)
				if err != nil {
					logger.Error("Failed to configure artifact mirrors", "err", err)
					return err
				}
				builderOpts = append(builderOpts, bundle.WithArtifactStore(mirror))
			}
			builder := bundle.New(cCtx.String("policy-dir"), reg, logger, builderOpts...)

			monitor := syncmon.New(reg, builder, logger,
				syncmon.WithSyncTrigger(syncmon.NewHTTPSyncTrigger()))

			// Peer directory: DNS SRV discovery when configured, else
			// the static list.
			var peers interfaces.PeerDirectory
			if domain := cCtx.String("peer-dns-domain"); domain != "" {
				peers = driftmon.NewDNSPeers("fedpolicy", domain, cCtx.String("peer-dns-resolver"))
			} else if staticPeers := cCtx.StringSlice("peer"); len(staticPeers) > 0 {
				peers, err = driftmon.NewStaticPeers(staticPeers)
				if err != nil {
					logger.Error("Invalid peer list", "err", err)
					return err
				}
			}
			if peers != nil {
				peers = &driftmon.FilterLocal{Directory: peers, LocalCode: localCode}
			}

			drift := driftmon.New(localCode, builder, peers, logger,
				driftmon.WithCheckInterval(time.Duration(cCtx.Int64("drift-interval-seconds"))*time.Second))

			handler := httpserver.NewHandler(localCode, reg, builder, monitor, signerID, logger)
			admin := httpserver.NewAdminHandler(adminSecret, reg, builder, monitor, drift, logger)

			cfg := &httpserver.HTTPServerConfig{
				ListenAddr:               listenAddr,
				MetricsAddr:              metricsAddr,
				Log:                      logger,
				EnablePprof:              enablePprof,
				DrainDuration:            drainDuration,
				GracefulShutdownDuration: 30 * time.Second,
				ReadTimeout:              60 * time.Second,
				WriteTimeout:             30 * time.Second,
			}

			server, err := httpserver.New(cfg, handler, admin)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			// Initial bundle so version and verify endpoints answer
			// before the first admin-triggered build.
			if _, err := builder.Build(context.Background(), bundle.BuildOptions{Sign: bundleSigner != nil}); err != nil {
				logger.Warn("Initial bundle build failed", "err", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sweeper := truststore.NewExpirySweeper(store, 5*time.Minute, logger)
			sweeper.Start()
			defer sweeper.Stop()

			healthSweep := registry.NewHealthSweeper(reg, 5*time.Minute, 30*time.Minute, logger)
			healthSweep.Start()
			defer healthSweep.Stop()

			drift.Start(ctx)
			defer drift.Stop()

			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			logger.Info("Shutting down")

			server.Shutdown()
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
