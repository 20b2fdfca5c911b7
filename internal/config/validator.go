package config

import (
	"fmt"
	"strings"

	"github.com/vyrodovalexey/svcgate/internal/util"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates gateway configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// ValidateConfig validates a gateway configuration.
func ValidateConfig(config *Config) error {
	v := NewValidator()
	return v.Validate(config)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(config *Config) error {
	v.errors = make(ValidationErrors, 0)

	if config == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateServer(&config.Server)
	v.validateLogging(&config.Logging)
	v.validateTracing(&config.Tracing)
	v.validateAuth(&config.Auth)
	v.validateRateLimit(&config.RateLimit)
	v.validateHealthCheck(&config.HealthCheck)
	v.validateCircuitBreaker(&config.CircuitBreaker)
	v.validateCache(&config.Cache)
	v.validateServices(config.Services)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}

func (v *Validator) validateServer(server *ServerConfig) {
	if err := util.ValidatePort(server.Port); err != nil {
		v.addError("server.port", err.Error())
	}
	if err := util.ValidateDuration(server.ReadTimeout.Duration()); err != nil {
		v.addError("server.readTimeout", err.Error())
	}
	if err := util.ValidateDuration(server.WriteTimeout.Duration()); err != nil {
		v.addError("server.writeTimeout", err.Error())
	}
	if err := util.ValidateDuration(server.IdleTimeout.Duration()); err != nil {
		v.addError("server.idleTimeout", err.Error())
	}
	if err := util.ValidatePositiveDuration(server.ShutdownTimeout.Duration()); err != nil {
		v.addError("server.shutdownTimeout", err.Error())
	}

	if server.ClientRateLimit.Enabled {
		if server.ClientRateLimit.RequestsPerSecond <= 0 {
			v.addError("server.clientRateLimit.requestsPerSecond", "must be positive")
		}
		if server.ClientRateLimit.Burst <= 0 {
			v.addError("server.clientRateLimit.burst", "must be positive")
		}
	}
}

func (v *Validator) validateLogging(logging *LoggingConfig) {
	switch logging.Level {
	case "debug", "info", "warn", "error":
	default:
		v.addError("logging.level", fmt.Sprintf("invalid level %q, must be one of: debug, info, warn, error", logging.Level))
	}

	switch logging.Format {
	case "json", "console":
	default:
		v.addError("logging.format", fmt.Sprintf("invalid format %q, must be one of: json, console", logging.Format))
	}
}

func (v *Validator) validateTracing(tracing *TracingConfig) {
	if !tracing.Enabled {
		return
	}
	if tracing.Endpoint == "" {
		v.addError("tracing.endpoint", "endpoint is required when tracing is enabled")
	}
	if tracing.SampleRatio < 0 || tracing.SampleRatio > 1 {
		v.addError("tracing.sampleRatio", "must be between 0.0 and 1.0")
	}
}

func (v *Validator) validateAuth(auth *AuthConfig) {
	if auth.Secret == "" && auth.SecretSource == nil {
		v.addError("auth", "either secret or secretSource is required")
		return
	}

	if auth.SecretSource == nil {
		return
	}

	switch auth.SecretSource.Type {
	case "env":
		if auth.SecretSource.Env.Name == "" {
			v.addError("auth.secretSource.env.name", "environment variable name is required")
		}
	case "file":
		if auth.SecretSource.File.Path == "" {
			v.addError("auth.secretSource.file.path", "file path is required")
		}
	case "vault":
		vault := &auth.SecretSource.Vault
		if vault.Address == "" {
			v.addError("auth.secretSource.vault.address", "address is required")
		}
		if vault.Mount == "" {
			v.addError("auth.secretSource.vault.mount", "mount is required")
		}
		if vault.Path == "" {
			v.addError("auth.secretSource.vault.path", "path is required")
		}
		if vault.Key == "" {
			v.addError("auth.secretSource.vault.key", "key is required")
		}
	default:
		v.addError("auth.secretSource.type", fmt.Sprintf("invalid type %q, must be one of: env, file, vault", auth.SecretSource.Type))
	}
}

func (v *Validator) validateRateLimit(rl *RateLimitConfig) {
	if rl.DefaultQuota < 1 {
		v.addError("rateLimit.defaultQuota", "must be at least 1")
	}
}

func (v *Validator) validateHealthCheck(hc *HealthCheckConfig) {
	if err := util.ValidatePositiveDuration(hc.Interval.Duration()); err != nil {
		v.addError("healthCheck.interval", err.Error())
	}
	if err := util.ValidatePositiveDuration(hc.Timeout.Duration()); err != nil {
		v.addError("healthCheck.timeout", err.Error())
	}
	if hc.Timeout.Duration() >= hc.Interval.Duration() {
		v.addError("healthCheck.timeout", "must be shorter than the probe interval")
	}
}

func (v *Validator) validateCircuitBreaker(cb *CircuitBreakerConfig) {
	if cb.FailureThreshold < 1 {
		v.addError("circuitBreaker.failureThreshold", "must be at least 1")
	}
	if err := util.ValidatePositiveDuration(cb.ResetTimeout.Duration()); err != nil {
		v.addError("circuitBreaker.resetTimeout", err.Error())
	}
}

func (v *Validator) validateCache(cache *CacheConfig) {
	switch cache.Type {
	case CacheTypeMemory, CacheTypeRedis:
	default:
		v.addError("cache.type", fmt.Sprintf("invalid type %q, must be one of: memory, redis", cache.Type))
	}

	if !cache.Enabled {
		return
	}

	if err := util.ValidatePositiveDuration(cache.TTL.Duration()); err != nil {
		v.addError("cache.ttl", err.Error())
	}
	if cache.Type == CacheTypeMemory && cache.MaxEntries < 1 {
		v.addError("cache.maxEntries", "must be at least 1")
	}
	if cache.Type == CacheTypeRedis && cache.Redis.Address == "" {
		v.addError("cache.redis.address", "address is required for redis cache")
	}
}

func (v *Validator) validateServices(services []ServiceConfig) {
	if len(services) == 0 {
		v.addError("services", "at least one service is required")
		return
	}

	seenKeys := make(map[string]bool)
	seenPrefixes := make(map[string]bool)

	for i := range services {
		svc := &services[i]
		path := fmt.Sprintf("services[%d]", i)

		if svc.Key == "" {
			v.addError(path+".key", "key is required")
		} else if seenKeys[svc.Key] {
			v.addError(path+".key", fmt.Sprintf("duplicate service key: %s", svc.Key))
		}
		seenKeys[svc.Key] = true

		if err := util.ValidatePathPrefix(svc.PathPrefix); err != nil {
			v.addError(path+".pathPrefix", err.Error())
		} else if seenPrefixes[svc.PathPrefix] {
			v.addError(path+".pathPrefix", fmt.Sprintf("duplicate path prefix: %s", svc.PathPrefix))
		}
		seenPrefixes[svc.PathPrefix] = true

		if err := util.ValidateURL(svc.URL); err != nil {
			v.addError(path+".url", err.Error())
		}

		if svc.HealthPath != "" && !strings.HasPrefix(svc.HealthPath, "/") {
			v.addError(path+".healthPath", "must start with /")
		}

		if err := util.ValidatePositiveDuration(svc.Timeout.Duration()); err != nil {
			v.addError(path+".timeout", err.Error())
		}

		if svc.Retry.MaxAttempts < 1 {
			v.addError(path+".retry.maxAttempts", "must be at least 1")
		}
		if err := util.ValidateDuration(svc.Retry.BackoffBase.Duration()); err != nil {
			v.addError(path+".retry.backoffBase", err.Error())
		}

		if svc.RateLimitQuota < 0 {
			v.addError(path+".rateLimitQuota", "cannot be negative")
		}
	}
}
