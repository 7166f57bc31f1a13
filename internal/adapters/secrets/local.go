package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/kevin07696/recurring-billing/internal/domain/ports"
)

// localFile is the optional JSON shape of a secret file
type localFile struct {
	Value     string            `json:"value"`
	Tags      map[string]string `json:"tags"`
	CreatedAt string            `json:"created_at"`
}

type localStore struct {
	root   string
	logger *zap.Logger
}

// NewLocalSecretManager reads secrets from files under root. Development only.
// A file holds either the raw value or a JSON document with a "value" key.
func NewLocalSecretManager(root string, logger *zap.Logger) ports.SecretStore {
	return &localStore{root: root, logger: logger}
}

func (s *localStore) GetSecret(_ context.Context, name string) (*ports.Secret, error) {
	// Cleaning against "/" keeps the path inside root
	raw, err := os.ReadFile(filepath.Join(s.root, filepath.Clean("/"+name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ports.ErrSecretNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read secret file %s: %w", name, err)
	}
	s.logger.Debug("Read secret file", zap.String("name", name))

	var doc localFile
	if json.Unmarshal(raw, &doc) == nil && doc.Value != "" {
		return &ports.Secret{Value: doc.Value, Version: "v1", Metadata: doc.Tags, CreatedAt: doc.CreatedAt}, nil
	}
	return &ports.Secret{Value: strings.TrimSpace(string(raw)), Version: "v1"}, nil
}
