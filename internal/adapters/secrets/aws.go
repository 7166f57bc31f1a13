package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"go.uber.org/zap"

	"github.com/kevin07696/recurring-billing/internal/domain/ports"
)

// AWSSecretsManagerConfig locates the Secrets Manager endpoint
type AWSSecretsManagerConfig struct {
	Region  string
	Profile string // shared config profile, local development only
	// Endpoint overrides the service URL (LocalStack, tests)
	Endpoint    string
	CacheTTL    time.Duration
	EnableCache bool
}

// DefaultAWSSecretsManagerConfig caches values for five minutes
func DefaultAWSSecretsManagerConfig(region string) *AWSSecretsManagerConfig {
	return &AWSSecretsManagerConfig{
		Region:      region,
		CacheTTL:    5 * time.Minute,
		EnableCache: true,
	}
}

// NewAWSSecretsManagerAdapter reads secrets by name or ARN. Credentials come
// from the default provider chain.
func NewAWSSecretsManagerAdapter(ctx context.Context, cfg *AWSSecretsManagerConfig, logger *zap.Logger) (ports.SecretStore, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("AWS Secrets Manager store ready",
		zap.String("region", cfg.Region),
		zap.Duration("cache_ttl", cfg.CacheTTL),
	)
	return newCachingStore(ProviderAWS, awsFetcher(client), cfg.EnableCache, cfg.CacheTTL, logger), nil
}

func awsFetcher(client *secretsmanager.Client) fetchFunc {
	return func(ctx context.Context, path string) (*ports.Secret, error) {
		out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(path)})
		if err != nil {
			var missing *smtypes.ResourceNotFoundException
			if errors.As(err, &missing) {
				return nil, fmt.Errorf("%w: %s", ports.ErrSecretNotFound, path)
			}
			return nil, fmt.Errorf("get secret value %s: %w", path, err)
		}

		secret := &ports.Secret{
			Value:    aws.ToString(out.SecretString),
			Version:  aws.ToString(out.VersionId),
			Metadata: map[string]string{},
		}
		if out.CreatedDate != nil {
			secret.CreatedAt = out.CreatedDate.UTC().Format(time.RFC3339)
		}
		if arn := aws.ToString(out.ARN); arn != "" {
			secret.Metadata["arn"] = arn
		}
		if name := aws.ToString(out.Name); name != "" {
			secret.Metadata["name"] = name
		}
		return secret, nil
	}
}
