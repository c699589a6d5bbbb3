package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", config.ListenAddr)
	assert.Equal(t, "info", config.LogLevel)
	assert.Equal(t, StorageBackendHTTP, config.Storage.Backend)
	assert.Equal(t, "http://localhost:3000/", config.KMS.BaseURL)
	assert.Equal(t, "http://localhost:4000/", config.Storage.BaseURL)
	assert.Equal(t, 60*time.Second, config.OperationTimeout)
	assert.Contains(t, config.Logging.RedactHeaders, "sid")
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("KMS_BASE_URL", "https://kms.example.com/api")
	t.Setenv("STORAGE_BASE_URL", "https://data.example.com")
	t.Setenv("KMS_TIMEOUT", "3s")
	t.Setenv("OPERATION_TIMEOUT", "2m")

	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", config.ListenAddr)
	assert.Equal(t, "debug", config.LogLevel)
	assert.Equal(t, "https://kms.example.com/api/", config.KMS.BaseURL)
	assert.Equal(t, "https://data.example.com/", config.Storage.BaseURL)
	assert.Equal(t, 3*time.Second, config.KMS.Timeout)
	assert.Equal(t, 2*time.Minute, config.OperationTimeout)
}

func TestLoadConfig_LegacyEnvNames(t *testing.T) {
	t.Setenv("API_BASE_URL", "http://10.0.0.5:3000/")
	t.Setenv("DATA_BASE_URL", "http://10.0.0.6:4000/")

	config, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:3000/", config.KMS.BaseURL)
	assert.Equal(t, "http://10.0.0.6:4000/", config.Storage.BaseURL)

	// The primary name wins when both are set.
	t.Setenv("KMS_BASE_URL", "http://kms.internal:3000/")
	config, err = LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "http://kms.internal:3000/", config.KMS.BaseURL)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlData := `log_level: warn
operation_timeout: 45s
kms:
  base_url: http://kms.local:3000
  timeout: 5s
storage:
  backend: s3
  s3:
    bucket: envelopes
    region: eu-west-1
    prefix: vault/
    use_path_style: true
cache:
  enabled: true
  default_ttl: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0o600))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", config.LogLevel)
	assert.Equal(t, 45*time.Second, config.OperationTimeout)
	assert.Equal(t, "http://kms.local:3000/", config.KMS.BaseURL)
	assert.Equal(t, StorageBackendS3, config.Storage.Backend)
	assert.Equal(t, "envelopes", config.Storage.S3.Bucket)
	assert.Equal(t, "eu-west-1", config.Storage.S3.Region)
	assert.True(t, config.Storage.S3.UsePathStyle)
	assert.True(t, config.Cache.Enabled)
	assert.Equal(t, 10*time.Second, config.Cache.DefaultTTL)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, config.Storage.Timeout)
}

func TestLoadConfigWithOverrides(t *testing.T) {
	t.Setenv("KMS_BASE_URL", "http://kms.internal:3000")

	config, err := LoadConfigWithOverrides("", func(c *Config) {
		c.KMS.BaseURL = "http://127.0.0.1:7000"
	})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:7000/", config.KMS.BaseURL)

	_, err = LoadConfigWithOverrides("", func(c *Config) {
		c.Storage.Backend = "ftp"
	})
	require.Error(t, err)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", config.LogLevel)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("kms: [unterminated"), 0o600))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.normalize()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing listen addr",
			mutate:  func(c *Config) { c.ListenAddr = "" },
			wantErr: "listen_addr is required",
		},
		{
			name:    "missing kms base url",
			mutate:  func(c *Config) { c.KMS.BaseURL = "" },
			wantErr: "kms.base_url is required",
		},
		{
			name:    "kms base url without scheme",
			mutate:  func(c *Config) { c.KMS.BaseURL = "kms.local:3000/" },
			wantErr: "kms.base_url",
		},
		{
			name:    "missing storage base url",
			mutate:  func(c *Config) { c.Storage.BaseURL = "" },
			wantErr: "storage.base_url is required",
		},
		{
			name: "s3 backend without bucket",
			mutate: func(c *Config) {
				c.Storage.Backend = StorageBackendS3
			},
			wantErr: "storage.s3.bucket is required",
		},
		{
			name: "s3 backend ignores storage base url",
			mutate: func(c *Config) {
				c.Storage.Backend = StorageBackendS3
				c.Storage.BaseURL = ""
				c.Storage.S3.Bucket = "envelopes"
			},
		},
		{
			name: "s3 half credentials",
			mutate: func(c *Config) {
				c.Storage.Backend = StorageBackendS3
				c.Storage.S3.Bucket = "envelopes"
				c.Storage.S3.AccessKey = "AKIA"
			},
			wantErr: "must be set together",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Storage.Backend = "ftp" },
			wantErr: "invalid storage.backend",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: "invalid log_level",
		},
		{
			name:    "tls without cert",
			mutate:  func(c *Config) { c.TLS.Enabled = true },
			wantErr: "tls.cert_file is required",
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: "tracing.otlp_endpoint is required",
		},
		{
			name: "unsupported exporter",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "zipkin"
			},
			wantErr: "invalid tracing.exporter",
		},
		{
			name:    "invalid access log format",
			mutate:  func(c *Config) { c.Logging.AccessLogFormat = "xml" },
			wantErr: "invalid logging.access_log_format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
