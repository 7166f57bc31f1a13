package secrets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kevin07696/recurring-billing/internal/config"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
)

func TestLocalSecretManager(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "billing"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "billing", "stripe"), []byte("sk_test_plain\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "billing", "webhook"),
		[]byte(`{"value":"whsec_json","tags":{"owner":"billing"}}`), 0o600))

	store := NewLocalSecretManager(dir, zap.NewNop())
	ctx := context.Background()

	t.Run("plain text", func(t *testing.T) {
		secret, err := store.GetSecret(ctx, "billing/stripe")
		require.NoError(t, err)
		assert.Equal(t, "sk_test_plain", secret.Value)
	})

	t.Run("json", func(t *testing.T) {
		secret, err := store.GetSecret(ctx, "billing/webhook")
		require.NoError(t, err)
		assert.Equal(t, "whsec_json", secret.Value)
		assert.Equal(t, "billing", secret.Metadata["owner"])
	})

	t.Run("missing", func(t *testing.T) {
		_, err := store.GetSecret(ctx, "billing/none")
		assert.ErrorIs(t, err, ports.ErrSecretNotFound)
	})

	t.Run("path cannot escape base", func(t *testing.T) {
		_, err := store.GetSecret(ctx, "../../etc/passwd")
		assert.ErrorIs(t, err, ports.ErrSecretNotFound)
	})
}

func TestVaultAdapter_GetSecret(t *testing.T) {
	var reads atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "root-token", r.Header.Get("X-Vault-Token"))
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/v1/secret/data/billing/stripe":
			reads.Add(1)
			_, _ = w.Write([]byte(`{"data":{"data":{"value":"sk_vault","owner":"billing"},"metadata":{"version":3,"created_time":"2024-01-01T00:00:00Z"}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
		}
	}))
	defer server.Close()

	cfg := DefaultVaultConfig(server.URL)
	cfg.Token = "root-token"
	store, err := NewVaultAdapter(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	secret, err := store.GetSecret(context.Background(), "billing/stripe")
	require.NoError(t, err)
	assert.Equal(t, "sk_vault", secret.Value)
	assert.Equal(t, "3", secret.Version)
	assert.Equal(t, "billing", secret.Metadata["owner"])

	_, err = store.GetSecret(context.Background(), "billing/stripe")
	require.NoError(t, err)
	assert.Equal(t, int32(1), reads.Load(), "second read should hit the cache")

	_, err = store.GetSecret(context.Background(), "billing/missing")
	assert.ErrorIs(t, err, ports.ErrSecretNotFound)
}

func TestVaultAdapter_RequiresToken(t *testing.T) {
	_, err := NewVaultAdapter(context.Background(), DefaultVaultConfig("http://127.0.0.1:8200"), zap.NewNop())
	assert.Error(t, err)
}

func TestAWSSecretsManagerAdapter_GetSecret(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIDTEST")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secretsmanager.GetSecretValue", r.Header.Get("X-Amz-Target"))

		var input struct {
			SecretId string
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&input))

		w.Header().Set("Content-Type", "application/x-amz-json-1.1")
		if input.SecretId != "billing/stripe" {
			w.Header().Set("X-Amzn-ErrorType", "ResourceNotFoundException")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"__type":"ResourceNotFoundException","message":"Secrets Manager can't find the specified secret."}`))
			return
		}
		_, _ = w.Write([]byte(`{"ARN":"arn:aws:secretsmanager:us-east-1:123:secret:billing/stripe","Name":"billing/stripe","SecretString":"sk_aws","VersionId":"v-1"}`))
	}))
	defer server.Close()

	cfg := DefaultAWSSecretsManagerConfig("us-east-1")
	cfg.Endpoint = server.URL
	cfg.CacheTTL = time.Minute

	store, err := NewAWSSecretsManagerAdapter(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	secret, err := store.GetSecret(context.Background(), "billing/stripe")
	require.NoError(t, err)
	assert.Equal(t, "sk_aws", secret.Value)
	assert.Equal(t, "v-1", secret.Version)
	assert.Equal(t, "billing/stripe", secret.Metadata["name"])

	_, err = store.GetSecret(context.Background(), "billing/missing")
	assert.ErrorIs(t, err, ports.ErrSecretNotFound)
}

func TestNew_SelectsProvider(t *testing.T) {
	store, err := New(context.Background(), Config{Provider: ProviderLocal, LocalPath: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, store)

	_, err = New(context.Background(), Config{Provider: ProviderAWS}, zap.NewNop())
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Provider: "gcp"}, zap.NewNop())
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cron"), []byte("s3cret"), 0o600))
	store := NewLocalSecretManager(dir, zap.NewNop())

	value, err := Resolve(context.Background(), store, "", "from-env")
	require.NoError(t, err)
	assert.Equal(t, "from-env", value)

	value, err = Resolve(context.Background(), store, "cron", "from-env")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", value)
}

func TestConfigFromSettings(t *testing.T) {
	settings := config.SecretsConfig{
		Provider:        ProviderVault,
		VaultAddress:    "https://vault.internal:8200",
		VaultAuthMethod: "approle",
		VaultRoleID:     "role",
		VaultSecretID:   "secret",
		VaultMountPath:  "kv",
		CacheTTL:        time.Minute,
	}

	cfg := ConfigFromSettings(settings)
	require.NotNil(t, cfg.Vault)
	assert.Nil(t, cfg.AWS)
	assert.Equal(t, "approle", cfg.Vault.AuthMethod)
	assert.Equal(t, "kv", cfg.Vault.MountPath)
	assert.Equal(t, "v2", cfg.Vault.KVVersion)
	assert.Equal(t, time.Minute, cfg.Vault.CacheTTL)

	settings.Provider = ProviderAWS
	settings.AWSRegion = "eu-west-1"
	cfg = ConfigFromSettings(settings)
	require.NotNil(t, cfg.AWS)
	assert.Equal(t, "eu-west-1", cfg.AWS.Region)
}
