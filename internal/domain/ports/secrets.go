package ports

import (
	"context"
	"errors"
)

// ErrSecretNotFound is wrapped by SecretStore implementations for missing paths
var ErrSecretNotFound = errors.New("secret not found")

// Secret represents a retrieved secret with metadata
type Secret struct {
	Metadata  map[string]string
	Value     string
	Version   string
	CreatedAt string
}

// SecretStore reads credentials (gateway API keys, webhook signing secrets)
// from a secret manager. Implementations cache values for a bounded time.
type SecretStore interface {
	GetSecret(ctx context.Context, path string) (*Secret, error)
}
