package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backend identifiers.
const (
	StorageBackendHTTP = "http"
	StorageBackendS3   = "s3"
)

// Config holds the complete application configuration. It is loaded once and
// passed explicitly to the constructors that need it.
type Config struct {
	ListenAddr       string          `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel         string          `yaml:"log_level" env:"LOG_LEVEL"`
	OperationTimeout time.Duration   `yaml:"operation_timeout" env:"OPERATION_TIMEOUT"` // Bounds one Seal/Open when the caller sets no deadline
	KMS              KMSConfig       `yaml:"kms"`
	Storage          StorageConfig   `yaml:"storage"`
	Cache            CacheConfig     `yaml:"cache"`
	Audit            AuditConfig     `yaml:"audit"`
	Metrics          MetricsConfig   `yaml:"metrics"`
	TLS              TLSConfig       `yaml:"tls"`
	Server           ServerConfig    `yaml:"server"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
	Tracing          TracingConfig   `yaml:"tracing"`
	Logging          LoggingConfig   `yaml:"logging"`
}

// KMSConfig holds the key management service endpoint configuration.
type KMSConfig struct {
	BaseURL            string        `yaml:"base_url" env:"KMS_BASE_URL"`
	Timeout            time.Duration `yaml:"timeout" env:"KMS_TIMEOUT"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" env:"KMS_INSECURE_SKIP_VERIFY"`
}

// StorageConfig holds storage service configuration.
type StorageConfig struct {
	Backend            string          `yaml:"backend" env:"STORAGE_BACKEND"` // http or s3
	BaseURL            string          `yaml:"base_url" env:"STORAGE_BASE_URL"`
	Timeout            time.Duration   `yaml:"timeout" env:"STORAGE_TIMEOUT"`
	InsecureSkipVerify bool            `yaml:"insecure_skip_verify" env:"STORAGE_INSECURE_SKIP_VERIFY"`
	S3                 S3BackendConfig `yaml:"s3"`
}

// S3BackendConfig configures the S3-compatible envelope store.
type S3BackendConfig struct {
	Endpoint     string `yaml:"endpoint" env:"STORAGE_S3_ENDPOINT"`
	Region       string `yaml:"region" env:"STORAGE_S3_REGION"`
	Bucket       string `yaml:"bucket" env:"STORAGE_S3_BUCKET"`
	Prefix       string `yaml:"prefix" env:"STORAGE_S3_PREFIX"`
	AccessKey    string `yaml:"access_key" env:"STORAGE_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"STORAGE_S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"use_path_style" env:"STORAGE_S3_USE_PATH_STYLE"`
}

// TLSConfig holds TLS configuration for the local gateway.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	MaxUploadBytes    int64         `yaml:"max_upload_bytes" env:"SERVER_MAX_UPLOAD_BYTES"` // Files are sealed as a single in-memory buffer
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// CacheConfig holds file listing cache configuration.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" env:"CACHE_ENABLED"`
	MaxItems   int           `yaml:"max_items" env:"CACHE_MAX_ITEMS"`
	DefaultTTL time.Duration `yaml:"default_ttl" env:"CACHE_DEFAULT_TTL"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
}

// MetricsConfig holds Prometheus configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	Path    string `yaml:"path" env:"METRICS_PATH"`
}

// LoggingConfig holds access log configuration for the gateway.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout or otlp
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	return &Config{
		ListenAddr:       "127.0.0.1:8080",
		LogLevel:         "info",
		OperationTimeout: 60 * time.Second,
		KMS: KMSConfig{
			BaseURL: "http://localhost:3000/",
			Timeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Backend: StorageBackendHTTP,
			BaseURL: "http://localhost:4000/",
			Timeout: 30 * time.Second,
			S3: S3BackendConfig{
				Region: "us-east-1",
			},
		},
		Server: ServerConfig{
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,   // 1MB
			MaxUploadBytes:    256 << 20, // 256MB
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:    false,
			MaxItems:   16,
			DefaultTTL: 30 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"sid", "authorization", "cookie"},
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "envelope-vault",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	return LoadConfigWithOverrides(path, nil)
}

// LoadConfigWithOverrides is LoadConfig with a hook that runs after the
// environment is applied and before validation. Command line flags use it.
func LoadConfigWithOverrides(path string, override func(*Config)) (*Config, error) {
	config := Default()

	// Load from file if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(config)
	if override != nil {
		override(config)
	}
	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		config.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("OPERATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.OperationTimeout = d
		}
	}

	// API_BASE_URL and DATA_BASE_URL are the names the desktop client used.
	if v := firstEnv("KMS_BASE_URL", "API_BASE_URL"); v != "" {
		config.KMS.BaseURL = v
	}
	if v := os.Getenv("KMS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.KMS.Timeout = d
		}
	}
	if v := os.Getenv("KMS_INSECURE_SKIP_VERIFY"); v != "" {
		config.KMS.InsecureSkipVerify = parseBool(v)
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		config.Storage.Backend = v
	}
	if v := firstEnv("STORAGE_BASE_URL", "DATA_BASE_URL"); v != "" {
		config.Storage.BaseURL = v
	}
	if v := os.Getenv("STORAGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Storage.Timeout = d
		}
	}
	if v := os.Getenv("STORAGE_INSECURE_SKIP_VERIFY"); v != "" {
		config.Storage.InsecureSkipVerify = parseBool(v)
	}
	if v := os.Getenv("STORAGE_S3_ENDPOINT"); v != "" {
		config.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("STORAGE_S3_REGION"); v != "" {
		config.Storage.S3.Region = v
	}
	if v := os.Getenv("STORAGE_S3_BUCKET"); v != "" {
		config.Storage.S3.Bucket = v
	}
	if v := os.Getenv("STORAGE_S3_PREFIX"); v != "" {
		config.Storage.S3.Prefix = v
	}
	if v := os.Getenv("STORAGE_S3_ACCESS_KEY"); v != "" {
		config.Storage.S3.AccessKey = v
	}
	if v := os.Getenv("STORAGE_S3_SECRET_KEY"); v != "" {
		config.Storage.S3.SecretKey = v
	}
	if v := os.Getenv("STORAGE_S3_USE_PATH_STYLE"); v != "" {
		config.Storage.S3.UsePathStyle = parseBool(v)
	}

	if v := os.Getenv("TLS_ENABLED"); v != "" {
		config.TLS.Enabled = parseBool(v)
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		config.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		config.TLS.KeyFile = v
	}
	// Server timeouts from environment
	if v := os.Getenv("SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.WriteTimeout = d
		}
	}
	if v := os.Getenv("SERVER_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.IdleTimeout = d
		}
	}
	if v := os.Getenv("SERVER_READ_HEADER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadHeaderTimeout = d
		}
	}
	if v := os.Getenv("SERVER_MAX_HEADER_BYTES"); v != "" {
		var maxBytes int
		if _, err := fmt.Sscanf(v, "%d", &maxBytes); err == nil && maxBytes > 0 {
			config.Server.MaxHeaderBytes = maxBytes
		}
	}
	if v := os.Getenv("SERVER_MAX_UPLOAD_BYTES"); v != "" {
		var maxBytes int64
		if _, err := fmt.Sscanf(v, "%d", &maxBytes); err == nil && maxBytes > 0 {
			config.Server.MaxUploadBytes = maxBytes
		}
	}
	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		config.RateLimit.Enabled = parseBool(v)
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		var limit int
		if _, err := fmt.Sscanf(v, "%d", &limit); err == nil && limit > 0 {
			config.RateLimit.Limit = limit
		}
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.RateLimit.Window = d
		}
	}
	// Cache configuration
	if v := os.Getenv("CACHE_ENABLED"); v != "" {
		config.Cache.Enabled = parseBool(v)
	}
	if v := os.Getenv("CACHE_MAX_ITEMS"); v != "" {
		var maxItems int
		if _, err := fmt.Sscanf(v, "%d", &maxItems); err == nil && maxItems > 0 {
			config.Cache.MaxItems = maxItems
		}
	}
	if v := os.Getenv("CACHE_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Cache.DefaultTTL = d
		}
	}
	// Audit configuration
	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		config.Audit.Enabled = parseBool(v)
	}
	if v := os.Getenv("AUDIT_MAX_EVENTS"); v != "" {
		var maxEvents int
		if _, err := fmt.Sscanf(v, "%d", &maxEvents); err == nil && maxEvents > 0 {
			config.Audit.MaxEvents = maxEvents
		}
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		config.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("METRICS_PATH"); v != "" {
		config.Metrics.Path = v
	}
	if v := os.Getenv("LOGGING_ACCESS_LOG_FORMAT"); v != "" {
		config.Logging.AccessLogFormat = v
	}
	if v := os.Getenv("LOGGING_REDACT_HEADERS"); v != "" {
		config.Logging.RedactHeaders = splitList(v)
	}
	// Tracing configuration
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		config.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("TRACING_SERVICE_NAME"); v != "" {
		config.Tracing.ServiceName = v
	}
	if v := os.Getenv("TRACING_SERVICE_VERSION"); v != "" {
		config.Tracing.ServiceVersion = v
	}
	if v := os.Getenv("TRACING_EXPORTER"); v != "" {
		config.Tracing.Exporter = v
	}
	if v := os.Getenv("TRACING_OTLP_ENDPOINT"); v != "" {
		config.Tracing.OtlpEndpoint = v
	}
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	if v := os.Getenv("TRACING_REDACT_SENSITIVE"); v != "" {
		config.Tracing.RedactSensitive = parseBool(v)
	}
}

// normalize canonicalises values that have more than one acceptable spelling.
func (c *Config) normalize() {
	c.KMS.BaseURL = withTrailingSlash(strings.TrimSpace(c.KMS.BaseURL))
	c.Storage.BaseURL = withTrailingSlash(strings.TrimSpace(c.Storage.BaseURL))
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if err := validateBaseURL("kms.base_url", c.KMS.BaseURL); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case StorageBackendHTTP, "":
		if err := validateBaseURL("storage.base_url", c.Storage.BaseURL); err != nil {
			return err
		}
	case StorageBackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when storage.backend is s3")
		}
		if (c.Storage.S3.AccessKey == "") != (c.Storage.S3.SecretKey == "") {
			return fmt.Errorf("storage.s3.access_key and storage.s3.secret_key must be set together")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %s (must be http or s3)", c.Storage.Backend)
	}

	if c.OperationTimeout < 0 || c.KMS.Timeout < 0 || c.Storage.Timeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}

func validateBaseURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https: %s", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host: %s", field, raw)
	}
	return nil
}

func withTrailingSlash(s string) string {
	if s == "" || strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
