package signer

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/fedtrust/federation-policy-backend/interfaces"
)

// VaultKeySource fetches the bundle signing key from a Vault KV v2 mount.
// The secret is expected to hold either a hex-encoded private key under
// "signing_key" or a hex-encoded seed under "signing_seed".
type VaultKeySource struct {
	client    *api.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

// NewVaultKeySource creates a key source for the given Vault address and KV
// location. Authentication uses the token from the environment or the
// provided token string.
func NewVaultKeySource(address, token, mountPath, dataPath string, log *slog.Logger) (*VaultKeySource, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	return &VaultKeySource{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
		log:       log,
	}, nil
}

// Load fetches the key material and constructs the signer. Returns
// ErrKeyNotFound when the secret or expected fields are absent.
func (v *VaultKeySource) Load(ctx context.Context) (*Signer, error) {
	secret, err := v.client.KVv2(v.mountPath).Get(ctx, v.dataPath)
	if err != nil {
		return nil, fmt.Errorf("%w: vault read failed: %v", interfaces.ErrKeyNotFound, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: no secret at %s/%s", interfaces.ErrKeyNotFound, v.mountPath, v.dataPath)
	}

	if raw, ok := secret.Data["signing_key"].(string); ok && raw != "" {
		keyBytes, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: signing_key is not valid hex: %v", interfaces.ErrKeyNotFound, err)
		}
		v.log.Info("Loaded bundle signing key from Vault",
			slog.String("mount", v.mountPath), slog.String("path", v.dataPath))
		return NewFromKeyBytes(keyBytes)
	}

	if raw, ok := secret.Data["signing_seed"].(string); ok && raw != "" {
		seed, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: signing_seed is not valid hex: %v", interfaces.ErrKeyNotFound, err)
		}
		v.log.Info("Loaded bundle signing seed from Vault",
			slog.String("mount", v.mountPath), slog.String("path", v.dataPath))
		return NewFromSeed(seed)
	}

	return nil, fmt.Errorf("%w: secret holds neither signing_key nor signing_seed", interfaces.ErrKeyNotFound)
}
