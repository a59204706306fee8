// Package client implements the spoke-side consumer of the hub API: bundle
// fetch with signature verification, heartbeats and sync reports. Transient
// transport failures are retried with exponential backoff.
package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fedtrust/federation-policy-backend/bundle"
	"github.com/fedtrust/federation-policy-backend/interfaces"
	"github.com/fedtrust/federation-policy-backend/signer"
)

// Response header names, mirrored from the hub's bundle endpoint.
const (
	bundleVersionHeader   = "X-Bundle-Version"
	bundleHashHeader      = "X-Bundle-Hash"
	bundleSignatureHeader = "X-Bundle-Signature"
	bundleSignerHeader    = "X-Bundle-Signer"
)

// Client talks to one hub instance on behalf of a spoke.
type Client struct {
	baseURL  string
	token    string
	signerID string
	http     *http.Client
	log      *slog.Logger
	maxRetry time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport. Used in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMaxRetryTime bounds the total retry window per call.
func WithMaxRetryTime(d time.Duration) Option {
	return func(c *Client) { c.maxRetry = d }
}

// New creates a client for the hub at baseURL. SignerID is the hub's
// published signing identity; fetched bundles failing verification against
// it are rejected.
func New(baseURL, token, signerID string, log *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		token:    token,
		signerID: signerID,
		http:     &http.Client{Timeout: 30 * time.Second},
		log:      log,
		maxRetry: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// permanentStatus reports whether an HTTP status will not improve on retry.
func permanentStatus(code int) bool {
	return code >= 400 && code < 500
}

// do executes one authenticated request with retry on transient failure.
// 4xx responses abort immediately; retrying a revoked token is pointless.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.maxRetry

	var resp *http.Response
	operation := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		r, err := c.http.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode >= 400 {
			payload, _ := io.ReadAll(io.LimitReader(r.Body, 512))
			r.Body.Close()
			err := fmt.Errorf("hub returned %d: %s", r.StatusCode, strings.TrimSpace(string(payload)))
			if permanentStatus(r.StatusCode) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.log.Warn("Hub request failed, retrying",
			slog.String("path", path),
			slog.Duration("backoff", wait),
			"err", err)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}
	return resp, nil
}

// FetchBundle downloads the policy bundle for the given scopes, verifies its
// content hash against the advertised one and its signature against the
// hub's signing identity.
func (c *Client) FetchBundle(ctx context.Context, scopes []string) (*interfaces.PolicyBundle, error) {
	path := "/api/spoke/bundle"
	if len(scopes) > 0 {
		path += "?scopes=" + strings.Join(scopes, ",")
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	contents, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle payload: %w", err)
	}

	advertised, err := interfaces.NewBundleHashFromHex(resp.Header.Get(bundleHashHeader))
	if err != nil {
		return nil, fmt.Errorf("invalid bundle hash header: %w", err)
	}
	actual := interfaces.ComputeBundleHash(contents)
	if !actual.Equal(advertised) {
		return nil, fmt.Errorf("%w: payload hash %s does not match advertised %s",
			interfaces.ErrSignatureMismatch, actual, advertised)
	}

	b := &interfaces.PolicyBundle{
		Version:  resp.Header.Get(bundleVersionHeader),
		Hash:     actual,
		Contents: contents,
	}

	sigHex := resp.Header.Get(bundleSignatureHeader)
	if sigHex == "" {
		return nil, interfaces.ErrUnsigned
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("invalid bundle signature header: %w", err)
	}

	if err := signer.Verify(bundle.SigningDigest(actual), sig, c.signerID); err != nil {
		return nil, err
	}
	b.Signature = sig
	b.SignedBy = resp.Header.Get(bundleSignerHeader)

	c.log.Info("Fetched verified policy bundle",
		slog.String("version", b.Version),
		slog.String("hash", b.Hash.String()),
		slog.Int("size", len(contents)))
	return b, nil
}

// Heartbeat reports liveness to the hub.
func (c *Client) Heartbeat(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/spoke/heartbeat", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// ReportSync tells the hub which bundle version is applied locally and
// returns the hub's authoritative current version.
func (c *Client) ReportSync(ctx context.Context, version string) (string, error) {
	body, err := json.Marshal(map[string]string{"version": version})
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/spoke/sync", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var payload struct {
		CurrentVersion string `json:"currentVersion"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode sync response: %w", err)
	}
	return payload.CurrentVersion, nil
}

// HubVersion fetches the hub's public version document without credentials.
func (c *Client) HubVersion(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/public/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("hub returned %d", resp.StatusCode)
	}
	var payload struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	return payload.Version, nil
}
