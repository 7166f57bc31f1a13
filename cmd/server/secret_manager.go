package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/kevin07696/recurring-billing/internal/adapters/secrets"
	"github.com/kevin07696/recurring-billing/internal/config"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
)

// initSecretStore builds the secret backend named by SECRETS_PROVIDER:
//   - local (default): files under SECRETS_LOCAL_PATH, development only
//   - aws: AWS Secrets Manager in AWS_REGION
//   - vault: HashiCorp Vault KV v2 at VAULT_ADDR
func initSecretStore(ctx context.Context, cfg config.SecretsConfig, logger *zap.Logger) ports.SecretStore {
	if cfg.Provider == secrets.ProviderLocal {
		logger.Warn("Using LOCAL secret store - NOT for production use!",
			zap.String("path", cfg.LocalPath),
		)
	}

	store, err := secrets.New(ctx, secrets.ConfigFromSettings(cfg), logger)
	if err != nil {
		logger.Fatal("Failed to initialize secret store",
			zap.Error(err),
			zap.String("provider", cfg.Provider),
		)
	}

	logger.Info("Secret store initialized", zap.String("provider", cfg.Provider))
	return store
}

// mustResolve reads path from the store, or returns fallback when path is empty
func mustResolve(ctx context.Context, store ports.SecretStore, path, fallback, name string, logger *zap.Logger) string {
	value, err := secrets.Resolve(ctx, store, path, fallback)
	if err != nil {
		logger.Fatal("Failed to resolve secret",
			zap.Error(err),
			zap.String("secret", name),
			zap.String("path", path),
		)
	}
	return value
}
