package httpserver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fedtrust/federation-policy-backend/bundle"
	"github.com/fedtrust/federation-policy-backend/common"
	"github.com/fedtrust/federation-policy-backend/interfaces"
	"github.com/fedtrust/federation-policy-backend/registry"
)

// Header and limit constants used by the spoke API.
const (
	// BundleVersionHeader carries the bundle version on bundle responses.
	BundleVersionHeader = "X-Bundle-Version"

	// BundleHashHeader carries the hex content hash on bundle responses.
	BundleHashHeader = "X-Bundle-Hash"

	// BundleSignatureHeader carries the hex signature on bundle responses.
	BundleSignatureHeader = "X-Bundle-Signature"

	// BundleSignerHeader carries the signer identity on bundle responses.
	BundleSignerHeader = "X-Bundle-Signer"

	// maxBodySize is the maximum allowed request body size (1MB).
	maxBodySize = 1024 * 1024
)

type contextKey string

// spokeContextKey holds the validated spoke identity on spoke API requests.
const spokeContextKey contextKey = "spoke"

// RequestError provides structured error information for HTTP responses.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

// Handler processes public and spoke-facing HTTP requests. It integrates the
// spoke registry, the bundle builder and the sync monitor.
type Handler struct {
	localCode interfaces.InstanceCode
	registry  *registry.SpokeRegistry
	builder   *bundle.Builder
	syncMon   SyncRecorder
	signerID  string
	log       *slog.Logger
}

// SyncRecorder receives sync observations from the spoke API. Implemented by
// the sync monitor.
type SyncRecorder interface {
	RecordSpokeSync(id interfaces.SpokeID, version string)
	RecordSpokeSyncAt(id interfaces.SpokeID, version string, at time.Time)
}

// NewHandler creates the public/spoke request handler.
func NewHandler(localCode interfaces.InstanceCode, reg *registry.SpokeRegistry, builder *bundle.Builder, syncMon SyncRecorder, signerID string, log *slog.Logger) *Handler {
	return &Handler{
		localCode: localCode,
		registry:  reg,
		builder:   builder,
		syncMon:   syncMon,
		signerID:  signerID,
		log:       log,
	}
}

// HandleVersion reports the instance identity, software version and active
// bundle version. Unauthenticated; drift checks from peers land here.
//
// URL format: GET /api/public/version
func (h *Handler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"instanceCode":   h.localCode.String(),
		"serviceVersion": common.Version,
		"version":        h.builder.CurrentVersion(),
		"signerId":       h.signerID,
	})
}

// HandleBundleVerify checks a bundle hash against the current bundle and its
// signature. Accepts a full 64-character hex hash or a unique prefix.
//
// URL format: GET /api/public/bundle/verify/{bundle_hash}
func (h *Handler) HandleBundleVerify(w http.ResponseWriter, r *http.Request) {
	hashParam := chi.URLParam(r, "bundle_hash")
	if hashParam == "" {
		http.Error(w, "Missing bundle hash", http.StatusBadRequest)
		return
	}

	current := h.builder.Current()
	if current == nil || !current.Hash.HasPrefix(hashParam) {
		http.Error(w, "No bundle with that hash", http.StatusNotFound)
		return
	}

	resp := map[string]any{
		"hash":    current.Hash.String(),
		"version": current.Version,
		"signed":  current.Signed(),
	}

	if err := bundle.VerifySignature(current, h.signerID); err != nil {
		resp["valid"] = false
		resp["error"] = err.Error()
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp["valid"] = true
	resp["signerId"] = current.SignedBy
	resp["signedAt"] = current.SignedAt
	writeJSON(w, http.StatusOK, resp)
}

// SpokeAuth authenticates spoke API requests with a bearer token. Unknown
// tokens, tokens for non-approved spokes and expired tokens all fail with
// 401; the distinction is in the body, not the status.
func (h *Handler) SpokeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}

		validation, err := h.registry.ValidateToken(r.Context(), token)
		if err != nil {
			status := http.StatusUnauthorized
			msg := "invalid token"
			if errors.Is(err, interfaces.ErrTokenExpired) {
				msg = "token expired"
			}
			writeJSON(w, status, map[string]string{"error": msg})
			return
		}

		ctx := context.WithValue(r.Context(), spokeContextKey, validation)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// spokeFrom retrieves the validated spoke identity placed by SpokeAuth.
func spokeFrom(r *http.Request) *registry.TokenValidation {
	validation, _ := r.Context().Value(spokeContextKey).(*registry.TokenValidation)
	return validation
}

// HandleSpokeBundle serves the policy bundle for the requesting spoke.
// Requested scopes outside the spoke's grant fail with 403 and a payload
// naming the allowed scopes. A successful fetch is recorded as a sync.
//
// URL format: GET /api/spoke/bundle?scopes=health,finance
func (h *Handler) HandleSpokeBundle(w http.ResponseWriter, r *http.Request) {
	validation := spokeFrom(r)
	if validation == nil {
		http.Error(w, "Unauthenticated", http.StatusUnauthorized)
		return
	}

	requested := splitScopes(r.URL.Query().Get("scopes"))
	if err := bundle.ScopesAuthorized(requested, validation.Scopes); err != nil {
		h.log.Warn("Scope denied",
			slog.String("spokeId", validation.Spoke.SpokeID.String()),
			slog.String("requested", strings.Join(requested, ",")),
			slog.String("allowed", validation.Scopes.String()))
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":         err.Error(),
			"allowedScopes": validation.Scopes,
		})
		return
	}

	scopes, err := h.builder.ResolveScopes(r.Context(), validation.Spoke.SpokeID, requested)
	if err != nil {
		h.log.Error("Scope resolution failed", "err", err)
		http.Error(w, "Failed to resolve scopes", http.StatusInternalServerError)
		return
	}

	// Sign only when this instance has a key; an unsigned hub still serves.
	built, err := h.builder.GetBundleForScopes(r.Context(), scopes, h.signerID != "")
	if err != nil {
		h.log.Error("Bundle build failed", "err", err,
			slog.String("spokeId", validation.Spoke.SpokeID.String()))
		http.Error(w, "Failed to build bundle", http.StatusInternalServerError)
		return
	}

	h.syncMon.RecordSpokeSync(validation.Spoke.SpokeID, built.Version)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(BundleVersionHeader, built.Version)
	w.Header().Set(BundleHashHeader, built.Hash.String())
	if built.Signed() {
		w.Header().Set(BundleSignatureHeader, hex.EncodeToString(built.Signature))
		w.Header().Set(BundleSignerHeader, built.SignedBy)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(built.Contents)
}

// HandleHeartbeat records liveness for the authenticated spoke.
//
// URL format: POST /api/spoke/heartbeat
func (h *Handler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	validation := spokeFrom(r)
	if validation == nil {
		http.Error(w, "Unauthenticated", http.StatusUnauthorized)
		return
	}

	if err := h.registry.Heartbeat(r.Context(), validation.Spoke.SpokeID); err != nil {
		h.log.Error("Heartbeat failed", "err", err)
		http.Error(w, "Failed to record heartbeat", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"serverTime": time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleSyncReport records the bundle version a spoke reports as applied and
// answers with the authoritative current version.
//
// URL format: POST /api/spoke/sync
// Request body: {"version": "20260830.101500.0007"}
func (h *Handler) HandleSyncReport(w http.ResponseWriter, r *http.Request) {
	validation := spokeFrom(r)
	if validation == nil {
		http.Error(w, "Unauthenticated", http.StatusUnauthorized)
		return
	}

	var req struct {
		Version  string     `json:"version"`
		SyncTime *time.Time `json:"syncTime,omitempty"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Version == "" {
		http.Error(w, "Missing version", http.StatusBadRequest)
		return
	}

	if req.SyncTime != nil {
		h.syncMon.RecordSpokeSyncAt(validation.Spoke.SpokeID, req.Version, req.SyncTime.UTC())
	} else {
		h.syncMon.RecordSpokeSync(validation.Spoke.SpokeID, req.Version)
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":         "recorded",
		"currentVersion": h.builder.CurrentVersion(),
	})
}

// bearerToken extracts the bearer credential from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

// splitScopes parses a comma-separated scope list, dropping empties.
func splitScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// writeJSON marshals a response body with status code.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
