package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"github.com/kevin07696/recurring-billing/internal/domain/ports"
)

// VaultConfig points at a KV secrets engine
type VaultConfig struct {
	Address    string
	AuthMethod string // "token" or "approle"
	Token      string
	RoleID     string
	SecretID   string
	Namespace  string
	MountPath  string
	KVVersion  string // "v1" or "v2"

	CacheTTL      time.Duration
	EnableCache   bool
	TLSSkipVerify bool
}

// DefaultVaultConfig uses token auth against a KV v2 engine mounted at secret/
func DefaultVaultConfig(address string) *VaultConfig {
	return &VaultConfig{
		Address:     address,
		AuthMethod:  "token",
		MountPath:   "secret",
		KVVersion:   "v2",
		CacheTTL:    5 * time.Minute,
		EnableCache: true,
	}
}

var errVaultMissingValue = errors.New("vault secret has no value key")

// NewVaultAdapter logs in to Vault and returns a store reading the "value"
// key of each secret. Other string keys become metadata.
func NewVaultAdapter(ctx context.Context, cfg *VaultConfig, logger *zap.Logger) (ports.SecretStore, error) {
	clientCfg := vault.DefaultConfig()
	clientCfg.Address = cfg.Address
	if cfg.TLSSkipVerify {
		if err := clientCfg.ConfigureTLS(&vault.TLSConfig{Insecure: true}); err != nil {
			return nil, fmt.Errorf("configure vault tls: %w", err)
		}
	}

	client, err := vault.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	token, err := vaultLogin(ctx, client, cfg)
	if err != nil {
		return nil, fmt.Errorf("vault login (%s): %w", cfg.AuthMethod, err)
	}
	client.SetToken(token)

	logger.Info("Vault store ready",
		zap.String("address", cfg.Address),
		zap.String("mount", cfg.MountPath),
		zap.String("kv_version", cfg.KVVersion),
	)
	return newCachingStore(ProviderVault, vaultFetcher(client, cfg.MountPath, cfg.KVVersion == "v1"), cfg.EnableCache, cfg.CacheTTL, logger), nil
}

func vaultLogin(ctx context.Context, client *vault.Client, cfg *VaultConfig) (string, error) {
	switch cfg.AuthMethod {
	case "", "token":
		if cfg.Token == "" {
			return "", errors.New("VAULT_TOKEN is empty")
		}
		return cfg.Token, nil
	case "approle":
		if cfg.RoleID == "" || cfg.SecretID == "" {
			return "", errors.New("approle needs both role id and secret id")
		}
		resp, err := client.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]any{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return "", err
		}
		if resp == nil || resp.Auth == nil {
			return "", errors.New("approle login returned no token")
		}
		return resp.Auth.ClientToken, nil
	default:
		return "", fmt.Errorf("unsupported auth method %q", cfg.AuthMethod)
	}
}

func vaultFetcher(client *vault.Client, mount string, kvV1 bool) fetchFunc {
	return func(ctx context.Context, name string) (*ports.Secret, error) {
		full := path.Join(mount, "data", name)
		if kvV1 {
			full = path.Join(mount, name)
		}

		resp, err := client.Logical().ReadWithContext(ctx, full)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", full, err)
		}
		if resp == nil {
			return nil, fmt.Errorf("%w: %s", ports.ErrSecretNotFound, name)
		}

		secret := &ports.Secret{Metadata: map[string]string{}}
		data := resp.Data
		if kvV1 {
			secret.Version = "1"
		} else {
			// KV v2 nests the payload under data and versioning under metadata
			nested, ok := resp.Data["data"].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("unexpected kv v2 payload at %s", full)
			}
			data = nested
			if meta, ok := resp.Data["metadata"].(map[string]any); ok {
				if v, ok := meta["version"].(json.Number); ok {
					secret.Version = v.String()
				}
				secret.CreatedAt, _ = meta["created_time"].(string)
			}
		}

		for k, v := range data {
			s, ok := v.(string)
			if !ok {
				continue
			}
			if k == "value" {
				secret.Value = s
			} else {
				secret.Metadata[k] = s
			}
		}
		if secret.Value == "" {
			return nil, fmt.Errorf("%w: %s", errVaultMissingValue, name)
		}
		return secret, nil
	}
}
