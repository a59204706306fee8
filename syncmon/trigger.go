package syncmon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fedtrust/federation-policy-backend/interfaces"
)

// DefaultTriggerTimeout bounds one sync push towards a spoke.
const DefaultTriggerTimeout = 30 * time.Second

// HTTPSyncTrigger pushes sync requests to a spoke's agent endpoint. One
// attempt per call; ForceFullSync deliberately does not retry.
type HTTPSyncTrigger struct {
	client *http.Client
}

// NewHTTPSyncTrigger creates a trigger with the default timeout.
func NewHTTPSyncTrigger() *HTTPSyncTrigger {
	return &HTTPSyncTrigger{client: &http.Client{Timeout: DefaultTriggerTimeout}}
}

// TriggerSync POSTs to the spoke agent's sync endpoint and returns the bundle
// version the spoke reports after syncing.
func (t *HTTPSyncTrigger) TriggerSync(ctx context.Context, reg *interfaces.SpokeRegistration) (string, error) {
	if reg.APIURL == "" {
		return "", fmt.Errorf("spoke %s has no API URL", reg.InstanceCode)
	}

	url := strings.TrimSuffix(reg.APIURL, "/") + "/api/agent/sync"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("spoke returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode sync response: %w", err)
	}
	return payload.Version, nil
}
