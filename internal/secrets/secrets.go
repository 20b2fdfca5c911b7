// Package secrets resolves the gateway's token signing secret at
// startup from one of several backends: environment variables, local
// files, or HashiCorp Vault.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// SourceType represents the type of secret source.
type SourceType string

const (
	// SourceTypeEnv reads the secret from an environment variable
	SourceTypeEnv SourceType = "env"
	// SourceTypeFile reads the secret from a local file
	SourceTypeFile SourceType = "file"
	// SourceTypeVault reads the secret from HashiCorp Vault
	SourceTypeVault SourceType = "vault"
	// SourceTypeStatic returns a secret configured inline
	SourceTypeStatic SourceType = "static"
)

// Common errors for secret sources.
var (
	// ErrSecretNotFound is returned when the secret is missing or empty
	ErrSecretNotFound = errors.New("secret not found")
	// ErrSourceNotConfigured is returned when the source lacks required settings
	ErrSourceNotConfigured = errors.New("secret source not configured")
)

// Source resolves a single secret value.
type Source interface {
	// Type returns the source type
	Type() SourceType

	// Resolve fetches the secret value. It is called once at startup;
	// sources must not cache stale failures.
	Resolve(ctx context.Context) (string, error)
}

// StaticSource returns a value configured inline.
type StaticSource struct {
	value string
}

// NewStaticSource creates a source that returns the given value.
func NewStaticSource(value string) *StaticSource {
	return &StaticSource{value: value}
}

// Type returns the source type.
func (s *StaticSource) Type() SourceType {
	return SourceTypeStatic
}

// Resolve returns the configured value.
func (s *StaticSource) Resolve(_ context.Context) (string, error) {
	if s.value == "" {
		return "", ErrSecretNotFound
	}
	return s.value, nil
}

// EnvSource reads the secret from an environment variable.
type EnvSource struct {
	name string
}

// NewEnvSource creates a source backed by the named environment variable.
func NewEnvSource(name string) (*EnvSource, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: environment variable name is empty", ErrSourceNotConfigured)
	}
	return &EnvSource{name: name}, nil
}

// Type returns the source type.
func (s *EnvSource) Type() SourceType {
	return SourceTypeEnv
}

// Resolve reads the environment variable.
func (s *EnvSource) Resolve(_ context.Context) (string, error) {
	value, ok := os.LookupEnv(s.name)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: environment variable %s is not set", ErrSecretNotFound, s.name)
	}
	return value, nil
}

// FileSource reads the secret from a local file. Trailing whitespace
// is trimmed so that files ending in a newline work as expected.
type FileSource struct {
	path string
}

// NewFileSource creates a source backed by the file at path.
func NewFileSource(path string) (*FileSource, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: file path is empty", ErrSourceNotConfigured)
	}
	return &FileSource{path: path}, nil
}

// Type returns the source type.
func (s *FileSource) Type() SourceType {
	return SourceTypeFile
}

// Resolve reads the file.
func (s *FileSource) Resolve(_ context.Context) (string, error) {
	data, err := os.ReadFile(filepath.Clean(s.path))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: file %s does not exist", ErrSecretNotFound, s.path)
		}
		return "", fmt.Errorf("failed to read secret file %s: %w", s.path, err)
	}

	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("%w: file %s is empty", ErrSecretNotFound, s.path)
	}
	return value, nil
}

// NewSource creates a Source from the auth configuration. An inline
// secret takes precedence over a secretSource block.
func NewSource(cfg *config.AuthConfig, logger observability.Logger) (Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: auth config is nil", ErrSourceNotConfigured)
	}

	if cfg.Secret != "" {
		return NewStaticSource(cfg.Secret), nil
	}

	if cfg.SecretSource == nil {
		return nil, fmt.Errorf("%w: no secret or secretSource given", ErrSourceNotConfigured)
	}

	switch SourceType(cfg.SecretSource.Type) {
	case SourceTypeEnv:
		return NewEnvSource(cfg.SecretSource.Env.Name)
	case SourceTypeFile:
		return NewFileSource(cfg.SecretSource.File.Path)
	case SourceTypeVault:
		return NewVaultSource(&cfg.SecretSource.Vault, logger)
	default:
		return nil, fmt.Errorf("%w: unknown source type %q", ErrSourceNotConfigured, cfg.SecretSource.Type)
	}
}
