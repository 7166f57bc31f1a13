// Package secrets resolves credentials from the local filesystem, AWS Secrets
// Manager or HashiCorp Vault.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/kevin07696/recurring-billing/internal/config"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
)

const (
	ProviderLocal = "local"
	ProviderAWS   = "aws"
	ProviderVault = "vault"
)

// Config selects and configures a secret backend
type Config struct {
	Vault    *VaultConfig
	AWS      *AWSSecretsManagerConfig
	Provider string
	// LocalPath is the base directory for the local provider
	LocalPath string
}

// ConfigFromSettings maps the SECRETS_* environment settings onto a Config
func ConfigFromSettings(s config.SecretsConfig) Config {
	cfg := Config{
		Provider:  s.Provider,
		LocalPath: s.LocalPath,
	}

	switch s.Provider {
	case ProviderAWS:
		aws := DefaultAWSSecretsManagerConfig(s.AWSRegion)
		aws.Profile = s.AWSProfile
		aws.CacheTTL = s.CacheTTL
		cfg.AWS = aws
	case ProviderVault:
		vault := DefaultVaultConfig(s.VaultAddress)
		vault.AuthMethod = s.VaultAuthMethod
		vault.Token = s.VaultToken
		vault.RoleID = s.VaultRoleID
		vault.SecretID = s.VaultSecretID
		vault.MountPath = s.VaultMountPath
		vault.Namespace = s.VaultNamespace
		vault.CacheTTL = s.CacheTTL
		cfg.Vault = vault
	}
	return cfg
}

// New builds the SecretStore named by cfg.Provider
func New(ctx context.Context, cfg Config, logger *zap.Logger) (ports.SecretStore, error) {
	switch cfg.Provider {
	case ProviderLocal, "":
		return NewLocalSecretManager(cfg.LocalPath, logger), nil
	case ProviderAWS:
		if cfg.AWS == nil {
			return nil, fmt.Errorf("aws secrets provider selected without configuration")
		}
		return NewAWSSecretsManagerAdapter(ctx, cfg.AWS, logger)
	case ProviderVault:
		if cfg.Vault == nil {
			return nil, fmt.Errorf("vault secrets provider selected without configuration")
		}
		return NewVaultAdapter(ctx, cfg.Vault, logger)
	default:
		return nil, fmt.Errorf("unsupported secrets provider: %s", cfg.Provider)
	}
}

// Resolve returns the secret value at path, or fallback when path is empty
func Resolve(ctx context.Context, store ports.SecretStore, path, fallback string) (string, error) {
	if path == "" {
		return fallback, nil
	}
	secret, err := store.GetSecret(ctx, path)
	if err != nil {
		return "", err
	}
	return secret.Value, nil
}

type fetchFunc func(ctx context.Context, path string) (*ports.Secret, error)

// cachingStore fronts a remote backend with a bounded TTL cache. A zero TTL
// or disabled cache sends every read to the backend.
type cachingStore struct {
	backend string
	fetch   fetchFunc
	cache   *lru.LRU[string, *ports.Secret]
	logger  *zap.Logger
}

func newCachingStore(backend string, fetch fetchFunc, enabled bool, ttl time.Duration, logger *zap.Logger) *cachingStore {
	s := &cachingStore{backend: backend, fetch: fetch, logger: logger}
	if enabled && ttl > 0 {
		s.cache = lru.NewLRU[string, *ports.Secret](256, nil, ttl)
	}
	return s
}

func (s *cachingStore) GetSecret(ctx context.Context, path string) (*ports.Secret, error) {
	if s.cache != nil {
		if secret, ok := s.cache.Get(path); ok {
			return secret, nil
		}
	}

	start := time.Now()
	secret, err := s.fetch(ctx, path)
	if err != nil {
		if !errors.Is(err, ports.ErrSecretNotFound) {
			s.logger.Error("Secret read failed",
				zap.String("backend", s.backend),
				zap.String("path", path),
				zap.Error(err),
			)
		}
		return nil, err
	}
	s.logger.Debug("Secret read",
		zap.String("backend", s.backend),
		zap.String("path", path),
		zap.Duration("elapsed", time.Since(start)),
	)

	if s.cache != nil {
		s.cache.Add(path, secret)
	}
	return secret, nil
}
