package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestNewConfig tests the default configuration.
func TestNewConfig(t *testing.T) {
	t.Parallel()

	c := NewConfig()
	if c.ServiceURL != DefaultServiceURL || c.Timeout != DefaultTimeout {
		t.Errorf("unexpected service defaults: %+v", c)
	}
	if c.Workers != DefaultWorkers || c.BatchSize != DefaultBatchSize || c.MinAttempts != DefaultMinAttempts {
		t.Errorf("unexpected engine defaults: %+v", c)
	}
	if !c.InferAcrossGaps || !c.SaveToDB {
		t.Error("InferAcrossGaps and SaveToDB should default to true")
	}
	if c.Upload || c.UploadSettings || c.UniqueAS {
		t.Error("uploads and unique-AS planning should be off by default")
	}
	if c.DBDir != XDGDataDir() {
		t.Errorf("DBDir = %s, expected %s", c.DBDir, XDGDataDir())
	}
}

// TestXDGDirs tests that every XDG directory ends with the app name.
func TestXDGDirs(t *testing.T) {
	t.Parallel()

	for _, dir := range []string{XDGDataDir(), XDGConfigDir(), XDGCacheDir()} {
		if filepath.Base(dir) != AppName {
			t.Errorf("%s does not end with %s", dir, AppName)
		}
	}
	if !strings.HasPrefix(DefaultMetricsFile(), XDGCacheDir()) {
		t.Errorf("DefaultMetricsFile() = %s", DefaultMetricsFile())
	}
}

// TestValidate tests configuration validation.
func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{"valid", func(*Config) {}, nil},
		{"no input", func(c *Config) { c.Inputs = nil }, ErrNoInput},
		{"relative service url", func(c *Config) { c.ServiceURL = "/api" }, ErrInvalidServiceURL},
		{"ftp service url", func(c *Config) { c.ServiceURL = "ftp://example.com" }, ErrInvalidServiceURL},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, ErrInvalidTimeout},
		{"negative rate", func(c *Config) { c.RateLimit = -1 }, ErrInvalidRateLimit},
		{"zero rate", func(c *Config) { c.RateLimit = 0 }, nil},
		{"zero retries", func(c *Config) { c.Retries = 0 }, ErrInvalidRetries},
		{"zero workers", func(c *Config) { c.Workers = 0 }, ErrInvalidWorkers},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, ErrInvalidBatchSize},
		{"zero lookup batch", func(c *Config) { c.LookupBatchSize = 0 }, ErrInvalidLookupBatchSize},
		{"zero min attempts", func(c *Config) { c.MinAttempts = 0 }, ErrInvalidMinAttempts},
		{"negative ttl", func(c *Config) { c.CacheTTL = -time.Second }, ErrInvalidCacheTTL},
		{"both formats", func(c *Config) { c.JSONReport, c.MarkdownReport = true, true }, ErrConflictingReportFormats},
		{"settings without upload", func(c *Config) { c.UploadSettings = true }, ErrUploadSettingsWithoutUpload},
		{"settings with upload", func(c *Config) { c.Upload, c.UploadSettings = true, true }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := NewConfig()
			c.Inputs = []string{"measurement.json"}
			tt.modify(c)

			err := c.Validate()
			if tt.want == nil && err != nil {
				t.Errorf("Validate() error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, expected %v", err, tt.want)
			}
		})
	}
}

// TestValidateService tests that inputs are not required for service commands.
func TestValidateService(t *testing.T) {
	t.Parallel()

	if err := NewConfig().ValidateService(); err != nil {
		t.Errorf("ValidateService() error: %v", err)
	}
}

// TestLoadConfigFile tests YAML loading and application.
func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	t.Run("applies set values", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), DefaultConfigFile)
		content := `
service:
  url: https://platform.example/api
  apiKey: secret
  timeout: 45s
  retries: 2
lookup:
  batchSize: 250
  dnsServer: 192.0.2.53
engine:
  workers: 4
  inferAcrossGaps: false
  cacheTTL: 1m
upload:
  enabled: true
storage:
  save: false
`
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}

		cf, err := LoadConfigFile(path)
		if err != nil {
			t.Fatalf("LoadConfigFile() error: %v", err)
		}
		c := NewConfig()
		cf.Apply(c)

		if c.ServiceURL != "https://platform.example/api" || c.APIKey != "secret" {
			t.Errorf("service = %s %s", c.ServiceURL, c.APIKey)
		}
		if c.Timeout != 45*time.Second || c.Retries != 2 {
			t.Errorf("timeout = %s, retries = %d", c.Timeout, c.Retries)
		}
		if c.LookupBatchSize != 250 || c.DNSServer != "192.0.2.53" {
			t.Errorf("lookup = %d %s", c.LookupBatchSize, c.DNSServer)
		}
		if c.Workers != 4 || c.InferAcrossGaps || c.CacheTTL != time.Minute {
			t.Errorf("engine = %d %t %s", c.Workers, c.InferAcrossGaps, c.CacheTTL)
		}
		if !c.Upload || c.SaveToDB {
			t.Errorf("upload = %t, save = %t", c.Upload, c.SaveToDB)
		}
		if c.BatchSize != DefaultBatchSize || c.MinAttempts != DefaultMinAttempts {
			t.Error("unset values changed")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()

		_, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing"))
		if !errors.Is(err, ErrConfigNotFound) {
			t.Errorf("expected ErrConfigNotFound, got %v", err)
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "bad.yaml")
		if err := os.WriteFile(path, []byte("service: [unclosed"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfigFile(path); err == nil {
			t.Error("expected parse error")
		}
	})
}

// TestApplyEnv tests reading the API key from the environment.
func TestApplyEnv(t *testing.T) {
	t.Setenv(APIKeyEnv, "from-env")

	c := NewConfig()
	c.ApplyEnv()
	if c.APIKey != "from-env" {
		t.Errorf("APIKey = %q", c.APIKey)
	}

	c.APIKey = "explicit"
	c.ApplyEnv()
	if c.APIKey != "explicit" {
		t.Error("configured key was overwritten")
	}
}

// TestFindConfigFile tests explicit config paths.
func TestFindConfigFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}
	if got := FindConfigFile(path); got != path {
		t.Errorf("FindConfigFile() = %q, expected %q", got, path)
	}
	if got := FindConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); got != "" {
		t.Errorf("FindConfigFile() = %q, expected empty", got)
	}
}
