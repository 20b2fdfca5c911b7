// Package config provides configuration management for the gateway.
// Configuration is loaded from a YAML file with environment variable
// substitution, validated up front, and treated as immutable for the
// lifetime of the process.
package config

import (
	"fmt"
	"time"
)

// Config holds all configuration settings for the gateway.
type Config struct {
	// Gateway defines gateway-level settings
	Gateway GatewayConfig `yaml:"gateway"`

	// Server defines the HTTP server settings
	Server ServerConfig `yaml:"server"`

	// Logging defines structured logging settings
	Logging LoggingConfig `yaml:"logging"`

	// Tracing defines distributed tracing settings
	Tracing TracingConfig `yaml:"tracing"`

	// Audit defines the audit log destination
	Audit AuditConfig `yaml:"audit"`

	// Auth defines token verification settings
	Auth AuthConfig `yaml:"auth"`

	// RateLimit defines per-user rate limiting settings
	RateLimit RateLimitConfig `yaml:"rateLimit"`

	// HealthCheck defines upstream health probing settings
	HealthCheck HealthCheckConfig `yaml:"healthCheck"`

	// CircuitBreaker defines circuit breaker settings
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`

	// Cache defines response caching settings
	Cache CacheConfig `yaml:"cache"`

	// Services defines the static service catalog
	Services []ServiceConfig `yaml:"services"`
}

// GatewayConfig defines gateway-level settings.
type GatewayConfig struct {
	// Name identifies this gateway instance in logs and traces
	Name string `yaml:"name"`
}

// ServerConfig defines the HTTP server settings.
type ServerConfig struct {
	// Host is the address to bind to
	Host string `yaml:"host"`

	// Port is the port number to listen on
	Port int `yaml:"port"`

	// ReadTimeout is the maximum duration for reading the request
	ReadTimeout Duration `yaml:"readTimeout"`

	// WriteTimeout is the maximum duration before timing out response writes
	WriteTimeout Duration `yaml:"writeTimeout"`

	// IdleTimeout is the maximum time to wait for the next request
	IdleTimeout Duration `yaml:"idleTimeout"`

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`

	// ClientRateLimit throttles clients by IP before any other processing
	ClientRateLimit ClientRateLimitConfig `yaml:"clientRateLimit"`
}

// ClientRateLimitConfig defines the per-client-IP edge throttle.
type ClientRateLimitConfig struct {
	// Enabled turns the edge throttle on
	Enabled bool `yaml:"enabled"`

	// RequestsPerSecond is the sustained rate allowed per client IP
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`

	// Burst is the maximum burst size per client IP
	Burst int `yaml:"burst"`
}

// LoggingConfig defines structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error)
	Level string `yaml:"level"`

	// Format is the log output format (json, console)
	Format string `yaml:"format"`

	// Output is the log destination (stdout, stderr, or a file path)
	Output string `yaml:"output"`
}

// TracingConfig defines distributed tracing settings.
type TracingConfig struct {
	// Enabled turns OTLP trace export on
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector endpoint
	Endpoint string `yaml:"endpoint"`

	// ServiceName overrides the service name reported in traces
	ServiceName string `yaml:"serviceName"`

	// SampleRatio is the trace sampling ratio (0.0 to 1.0)
	SampleRatio float64 `yaml:"sampleRatio"`

	// Insecure disables TLS for the OTLP connection
	Insecure bool `yaml:"insecure"`
}

// AuditConfig defines the audit log destination.
type AuditConfig struct {
	// Output is the audit log destination (stdout, stderr, or a file path)
	Output string `yaml:"output"`
}

// AuthConfig defines token verification settings.
type AuthConfig struct {
	// Secret is the shared HMAC secret, usually injected via ${VAR}
	Secret string `yaml:"secret"`

	// SecretSource resolves the secret at startup instead of inlining it
	SecretSource *SecretSourceConfig `yaml:"secretSource,omitempty"`
}

// SecretSourceConfig selects where the signing secret is resolved from.
type SecretSourceConfig struct {
	// Type is the source type (env, file, vault)
	Type string `yaml:"type"`

	// Env configures the environment variable source
	Env EnvSecretConfig `yaml:"env,omitempty"`

	// File configures the file source
	File FileSecretConfig `yaml:"file,omitempty"`

	// Vault configures the Vault KV source
	Vault VaultSecretConfig `yaml:"vault,omitempty"`
}

// EnvSecretConfig reads the secret from an environment variable.
type EnvSecretConfig struct {
	// Name is the environment variable name
	Name string `yaml:"name"`
}

// FileSecretConfig reads the secret from a file.
type FileSecretConfig struct {
	// Path is the file path
	Path string `yaml:"path"`
}

// VaultSecretConfig reads the secret from a Vault KV v2 mount.
type VaultSecretConfig struct {
	// Address is the Vault server address
	Address string `yaml:"address"`

	// Token is the Vault token, usually injected via ${VAR}
	Token string `yaml:"token"`

	// Mount is the KV v2 mount point
	Mount string `yaml:"mount"`

	// Path is the secret path under the mount
	Path string `yaml:"path"`

	// Key is the field within the secret data
	Key string `yaml:"key"`

	// Timeout bounds the Vault read at startup
	Timeout Duration `yaml:"timeout"`
}

// RateLimitConfig defines per-user rate limiting settings.
type RateLimitConfig struct {
	// DefaultQuota is the per-user requests allowed per 60s window
	// for services without an explicit override
	DefaultQuota int `yaml:"defaultQuota"`
}

// HealthCheckConfig defines upstream health probing settings.
type HealthCheckConfig struct {
	// Interval is the time between probe sweeps
	Interval Duration `yaml:"interval"`

	// Timeout bounds each individual probe
	Timeout Duration `yaml:"timeout"`
}

// CircuitBreakerConfig defines circuit breaker settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the circuit
	FailureThreshold int `yaml:"failureThreshold"`

	// ResetTimeout is how long an open circuit waits before a trial request
	ResetTimeout Duration `yaml:"resetTimeout"`
}

// CacheConfig defines response caching settings.
type CacheConfig struct {
	// Enabled turns response caching on
	Enabled bool `yaml:"enabled"`

	// Type is the cache backend (memory, redis)
	Type string `yaml:"type"`

	// TTL is how long cached responses stay fresh
	TTL Duration `yaml:"ttl"`

	// MaxEntries bounds the memory cache size
	MaxEntries int `yaml:"maxEntries"`

	// Redis configures the redis backend
	Redis RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig defines the redis connection settings.
type RedisConfig struct {
	// Address is the redis server address (host:port)
	Address string `yaml:"address"`

	// Password is the redis password
	Password string `yaml:"password,omitempty"`

	// DB is the redis database number
	DB int `yaml:"db"`
}

// ServiceConfig defines a single entry in the service catalog.
type ServiceConfig struct {
	// Key is the unique service identifier
	Key string `yaml:"key"`

	// Name is the human-readable service name
	Name string `yaml:"name"`

	// PathPrefix is the request path prefix routed to this service
	PathPrefix string `yaml:"pathPrefix"`

	// URL is the upstream base URL
	URL string `yaml:"url"`

	// HealthPath is the upstream health endpoint path
	HealthPath string `yaml:"healthPath"`

	// Timeout bounds each proxied attempt to this service
	Timeout Duration `yaml:"timeout"`

	// Retry configures retries for transient upstream failures
	Retry RetryConfig `yaml:"retry"`

	// RBAC enables role-based access control for this service
	RBAC bool `yaml:"rbac"`

	// RateLimitQuota overrides the default per-user quota when > 0
	RateLimitQuota int `yaml:"rateLimitQuota,omitempty"`

	// TenantScoped partitions cached responses by tenant
	TenantScoped bool `yaml:"tenantScoped"`

	// Cacheable enables response caching for GET requests
	Cacheable bool `yaml:"cacheable"`
}

// RetryConfig defines retry behavior for transient upstream failures.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first
	MaxAttempts int `yaml:"maxAttempts"`

	// BackoffBase is the base delay, multiplied by the attempt number
	BackoffBase Duration `yaml:"backoffBase"`
}

// Default values applied by SetDefaults.
const (
	DefaultGatewayName     = "svcgate"
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8080
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	DefaultQuota            = 100
	DefaultProbeInterval    = 10 * time.Second
	DefaultProbeTimeout     = 2 * time.Second
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second

	DefaultServiceTimeout = 5 * time.Second
	DefaultMaxAttempts    = 3
	DefaultBackoffBase    = 100 * time.Millisecond
	DefaultHealthPath     = "/health"

	DefaultCacheTTL        = 30 * time.Second
	DefaultCacheMaxEntries = 10000
)

// Cache backend types.
const (
	CacheTypeMemory = "memory"
	CacheTypeRedis  = "redis"
)

// DefaultConfig returns a Config populated with default values.
// Services must still be supplied; a catalog-less gateway cannot route.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills in zero-valued fields with defaults.
func (c *Config) SetDefaults() {
	if c.Gateway.Name == "" {
		c.Gateway.Name = DefaultGatewayName
	}

	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(DefaultReadTimeout)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(DefaultWriteTimeout)
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = Duration(DefaultIdleTimeout)
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = c.Gateway.Name
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1.0
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}

	if c.RateLimit.DefaultQuota == 0 {
		c.RateLimit.DefaultQuota = DefaultQuota
	}

	if c.HealthCheck.Interval == 0 {
		c.HealthCheck.Interval = Duration(DefaultProbeInterval)
	}
	if c.HealthCheck.Timeout == 0 {
		c.HealthCheck.Timeout = Duration(DefaultProbeTimeout)
	}

	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = DefaultFailureThreshold
	}
	if c.CircuitBreaker.ResetTimeout == 0 {
		c.CircuitBreaker.ResetTimeout = Duration(DefaultResetTimeout)
	}

	if c.Cache.Type == "" {
		c.Cache.Type = CacheTypeMemory
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = Duration(DefaultCacheTTL)
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = DefaultCacheMaxEntries
	}

	for i := range c.Services {
		svc := &c.Services[i]
		if svc.Name == "" {
			svc.Name = svc.Key
		}
		if svc.HealthPath == "" {
			svc.HealthPath = DefaultHealthPath
		}
		if svc.Timeout == 0 {
			svc.Timeout = Duration(DefaultServiceTimeout)
		}
		if svc.Retry.MaxAttempts == 0 {
			svc.Retry.MaxAttempts = DefaultMaxAttempts
		}
		if svc.Retry.BackoffBase == 0 {
			svc.Retry.BackoffBase = Duration(DefaultBackoffBase)
		}
	}
}

// Quota returns the effective per-user quota for the service,
// falling back to the configured default.
func (c *Config) Quota(svc *ServiceConfig) int {
	if svc != nil && svc.RateLimitQuota > 0 {
		return svc.RateLimitQuota
	}
	return c.RateLimit.DefaultQuota
}

// ServiceByKey returns the service config with the given key, or nil.
func (c *Config) ServiceByKey(key string) *ServiceConfig {
	for i := range c.Services {
		if c.Services[i].Key == key {
			return &c.Services[i]
		}
	}
	return nil
}

// Address returns the host:port the server binds to.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
