// Admin CLI: drives the hub's administrative API from the command line.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/fedtrust/federation-policy-backend/common"
)

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "hub-url",
		Value: "http://127.0.0.1:8080",
		Usage: "base URL of the hub server",
	},
	&cli.StringFlag{
		Name:    "admin-secret",
		EnvVars: []string{"FEDERATION_ADMIN_SECRET"},
		Usage:   "shared secret for the admin API",
	},
	&cli.StringFlag{
		Name:  "actor",
		Value: "cli",
		Usage: "administrator name recorded in the audit trail",
	},
	&cli.StringFlag{
		Name:  "actor-role",
		Value: "hub_admin",
		Usage: "actor role: hub_admin or tenant_admin",
	},
	&cli.StringFlag{
		Name:  "actor-tenant",
		Value: "",
		Usage: "tenant code when acting as tenant_admin",
	},
}

// call sends one admin API request and pretty-prints the JSON response.
func call(cCtx *cli.Context, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	url := strings.TrimSuffix(cCtx.String("hub-url"), "/") + path
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Federation-Admin-Secret", cCtx.String("admin-secret"))
	req.Header.Set("X-Federation-Actor", cCtx.String("actor"))
	req.Header.Set("X-Federation-Actor-Role", cCtx.String("actor-role"))
	if tenant := cCtx.String("actor-tenant"); tenant != "" {
		req.Header.Set("X-Federation-Actor-Tenant", tenant)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("hub returned %d", resp.StatusCode)
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:    "federation-admin",
		Usage:   "Administer federation spokes, trust relationships and policy bundles",
		Version: common.Version,
		Flags:   globalFlags,
		Commands: []*cli.Command{
			{
				Name:  "register",
				Usage: "Register a candidate spoke (pending approval)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "instance-code", Required: true},
					&cli.StringFlag{Name: "api-url", Required: true},
					&cli.StringFlag{Name: "idp-url"},
					&cli.StringFlag{Name: "cert-fingerprint"},
				},
				Action: func(cCtx *cli.Context) error {
					return call(cCtx, http.MethodPost, "/api/admin/spokes", map[string]string{
						"instanceCode":           cCtx.String("instance-code"),
						"apiUrl":                 cCtx.String("api-url"),
						"idpPublicUrl":           cCtx.String("idp-url"),
						"certificateFingerprint": cCtx.String("cert-fingerprint"),
					})
				},
			},
			{
				Name:  "list",
				Usage: "List spoke registrations",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "active", Usage: "only approved spokes"},
				},
				Action: func(cCtx *cli.Context) error {
					path := "/api/admin/spokes"
					if cCtx.Bool("active") {
						path += "?active=true"
					}
					return call(cCtx, http.MethodGet, path, nil)
				},
			},
			{
				Name:      "show",
				Usage:     "Show one spoke with its trust relationships",
				ArgsUsage: "<spoke-id>",
				Action: func(cCtx *cli.Context) error {
					return call(cCtx, http.MethodGet, "/api/admin/spokes/"+cCtx.Args().First(), nil)
				},
			},
			{
				Name:      "approve",
				Usage:     "Approve a spoke and print its bearer token",
				ArgsUsage: "<spoke-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "trust-level", Value: "standard", Usage: "basic, standard, elevated or full"},
					&cli.StringSliceFlag{Name: "scope", Usage: "granted policy scope, repeatable"},
					&cli.StringFlag{Name: "max-classification", Value: "unclassified"},
				},
				Action: func(cCtx *cli.Context) error {
					return call(cCtx, http.MethodPost, "/api/admin/spokes/"+cCtx.Args().First()+"/approve", map[string]any{
						"trustLevel":        cCtx.String("trust-level"),
						"scopes":            cCtx.StringSlice("scope"),
						"maxClassification": cCtx.String("max-classification"),
					})
				},
			},
			{
				Name:      "suspend",
				Usage:     "Suspend a spoke and revoke its tokens",
				ArgsUsage: "<spoke-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reason", Required: true},
				},
				Action: func(cCtx *cli.Context) error {
					return call(cCtx, http.MethodPost, "/api/admin/spokes/"+cCtx.Args().First()+"/suspend",
						map[string]string{"reason": cCtx.String("reason")})
				},
			},
			{
				Name:      "revoke",
				Usage:     "Permanently revoke a spoke",
				ArgsUsage: "<spoke-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reason", Required: true},
				},
				Action: func(cCtx *cli.Context) error {
					return call(cCtx, http.MethodPost, "/api/admin/spokes/"+cCtx.Args().First()+"/revoke",
						map[string]string{"reason": cCtx.String("reason")})
				},
			},
			{
				Name:      "rotate-token",
				Usage:     "Rotate a spoke's bearer token",
				ArgsUsage: "<spoke-id>",
				Action: func(cCtx *cli.Context) error {
					return call(cCtx, http.MethodPost, "/api/admin/spokes/"+cCtx.Args().First()+"/rotate-token", nil)
				},
			},
			{
				Name:      "force-sync",
				Usage:     "Push a full policy sync to one spoke",
				ArgsUsage: "<spoke-id>",
				Action: func(cCtx *cli.Context) error {
					return call(cCtx, http.MethodPost, "/api/admin/spokes/"+cCtx.Args().First()+"/force-sync", nil)
				},
			},
			{
				Name:  "sync-status",
				Usage: "Show per-spoke sync state",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "out-of-sync", Usage: "only spokes that are not current"},
				},
				Action: func(cCtx *cli.Context) error {
					path := "/api/admin/sync-status"
					if cCtx.Bool("out-of-sync") {
						path += "?out_of_sync=true"
					}
					return call(cCtx, http.MethodGet, path, nil)
				},
			},
			{
				Name:  "relationship",
				Usage: "Manage trust relationships",
				Subcommands: []*cli.Command{
					{
						Name:  "create",
						Usage: "Create a trust relationship",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "type", Value: "spoke_spoke", Usage: "spoke_spoke or hub_spoke"},
							&cli.StringFlag{Name: "owner", Required: true},
							&cli.StringFlag{Name: "partner", Required: true},
						},
						Action: func(cCtx *cli.Context) error {
							return call(cCtx, http.MethodPost, "/api/admin/relationships", map[string]string{
								"relationshipType": cCtx.String("type"),
								"ownerInstance":    cCtx.String("owner"),
								"partnerInstance":  cCtx.String("partner"),
							})
						},
					},
					{
						Name:  "list",
						Usage: "List trust relationships",
						Action: func(cCtx *cli.Context) error {
							return call(cCtx, http.MethodGet, "/api/admin/relationships", nil)
						},
					},
					{
						Name:      "delete",
						Usage:     "Delete a trust relationship",
						ArgsUsage: "<relationship-id>",
						Action: func(cCtx *cli.Context) error {
							return call(cCtx, http.MethodDelete, "/api/admin/relationships/"+cCtx.Args().First(), nil)
						},
					},
				},
			},
			{
				Name:  "status",
				Usage: "Show hub status: bundle, audit tail and drift report",
				Action: func(cCtx *cli.Context) error {
					return call(cCtx, http.MethodGet, "/api/admin/status", nil)
				},
			},
			{
				Name:  "build",
				Usage: "Build and publish a policy bundle",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "scope", Usage: "scope to include, repeatable"},
					&cli.BoolFlag{Name: "include-data"},
					&cli.BoolFlag{Name: "sign", Value: true},
					&cli.BoolFlag{Name: "compress"},
				},
				Action: func(cCtx *cli.Context) error {
					return call(cCtx, http.MethodPost, "/api/admin/bundle/build", map[string]any{
						"scopes":      cCtx.StringSlice("scope"),
						"includeData": cCtx.Bool("include-data"),
						"sign":        cCtx.Bool("sign"),
						"compress":    cCtx.Bool("compress"),
					})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
