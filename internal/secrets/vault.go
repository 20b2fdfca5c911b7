package secrets

import (
	"context"
	"fmt"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// DefaultVaultTimeout bounds the startup read when no timeout is configured.
const DefaultVaultTimeout = 5 * time.Second

// VaultSource reads the secret from a HashiCorp Vault KV v2 mount.
type VaultSource struct {
	client *vaultapi.Client
	mount  string
	path   string
	key    string
	logger observability.Logger
}

// NewVaultSource creates a source backed by Vault token auth.
func NewVaultSource(cfg *config.VaultSecretConfig, logger observability.Logger) (*VaultSource, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, fmt.Errorf("%w: vault address is empty", ErrSourceNotConfigured)
	}
	if cfg.Mount == "" || cfg.Path == "" || cfg.Key == "" {
		return nil, fmt.Errorf("%w: vault mount, path, and key are required", ErrSourceNotConfigured)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	apiConfig := vaultapi.DefaultConfig()
	apiConfig.Address = cfg.Address
	apiConfig.Timeout = cfg.Timeout.Duration()
	if apiConfig.Timeout == 0 {
		apiConfig.Timeout = DefaultVaultTimeout
	}

	client, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	return &VaultSource{
		client: client,
		mount:  cfg.Mount,
		path:   cfg.Path,
		key:    cfg.Key,
		logger: logger,
	}, nil
}

// Type returns the source type.
func (s *VaultSource) Type() SourceType {
	return SourceTypeVault
}

// Resolve reads the secret from the KV v2 mount and extracts the
// configured key.
func (s *VaultSource) Resolve(ctx context.Context) (string, error) {
	fullPath := fmt.Sprintf("%s/data/%s", s.mount, s.path)

	secret, err := s.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to read vault secret %s: %w", fullPath, err)
	}

	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: vault path %s", ErrSecretNotFound, fullPath)
	}

	// KV v2 wraps data in a "data" key; deleted secrets have data: null
	dataValue, hasData := secret.Data["data"]
	if hasData && dataValue == nil {
		return "", fmt.Errorf("%w: vault path %s", ErrSecretNotFound, fullPath)
	}

	data, ok := dataValue.(map[string]interface{})
	if !ok {
		// KV v1 fallback
		data = secret.Data
	}

	value, ok := data[s.key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: key %s at vault path %s", ErrSecretNotFound, s.key, fullPath)
	}

	s.logger.Debug("secret resolved from vault",
		observability.String("path", fullPath),
		observability.String("key", s.key),
	)

	return value, nil
}
