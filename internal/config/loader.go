package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the default configuration file name.
const DefaultConfigFile = ".astrace"

// ErrConfigNotFound is returned when the configuration file does not exist.
var ErrConfigNotFound = errors.New("configuration file not found")

// File is the structure of the .astrace configuration file. Zero values
// leave the corresponding setting unchanged.
type File struct {
	Service ServiceSection `yaml:"service,omitempty"`
	Lookup  LookupSection  `yaml:"lookup,omitempty"`
	Engine  EngineSection  `yaml:"engine,omitempty"`
	Upload  UploadSection  `yaml:"upload,omitempty"`
	Storage StorageSection `yaml:"storage,omitempty"`
}

// ServiceSection configures the platform connection.
type ServiceSection struct {
	URL       string        `yaml:"url,omitempty"`
	APIKey    string        `yaml:"apiKey,omitempty"`
	Proxy     string        `yaml:"proxy,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	RateLimit float64       `yaml:"rateLimit,omitempty"`
	RateBurst int           `yaml:"rateBurst,omitempty"`
	Retries   int           `yaml:"retries,omitempty"`
	UserAgent string        `yaml:"userAgent,omitempty"`
}

// LookupSection configures IP->AS lookups and destination resolution.
type LookupSection struct {
	BatchSize   int    `yaml:"batchSize,omitempty"`
	Concurrency int    `yaml:"concurrency,omitempty"`
	DNSServer   string `yaml:"dnsServer,omitempty"`
}

// EngineSection configures aggregation.
type EngineSection struct {
	Workers         int           `yaml:"workers,omitempty"`
	Batch           int           `yaml:"batch,omitempty"`
	MinAttempts     int           `yaml:"minAttempts,omitempty"`
	MaxMissingRun   int           `yaml:"maxMissingRun,omitempty"`
	InferAcrossGaps *bool         `yaml:"inferAcrossGaps,omitempty"`
	CacheTTL        time.Duration `yaml:"cacheTTL,omitempty"`
	UniqueAS        *bool         `yaml:"uniqueAS,omitempty"`
}

// UploadSection configures uploads to the platform.
type UploadSection struct {
	Enabled  *bool `yaml:"enabled,omitempty"`
	Settings *bool `yaml:"settings,omitempty"`
}

// StorageSection configures the result database and metrics output.
type StorageSection struct {
	DBDir       string `yaml:"dbDir,omitempty"`
	Save        *bool  `yaml:"save,omitempty"`
	MetricsFile string `yaml:"metricsFile,omitempty"`
}

// LoadConfigFile loads a YAML configuration file.
// If the file does not exist, it returns ErrConfigNotFound.
func LoadConfigFile(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // User-provided config path is intentional
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}

	var cf File
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, err
	}
	return &cf, nil
}

// Apply overrides the settings of c that the file sets.
func (cf *File) Apply(c *Config) {
	setString(&c.ServiceURL, cf.Service.URL)
	setString(&c.APIKey, cf.Service.APIKey)
	setString(&c.ProxyAddress, cf.Service.Proxy)
	setString(&c.UserAgent, cf.Service.UserAgent)
	setPositive(&c.Timeout, cf.Service.Timeout)
	setPositive(&c.RateLimit, cf.Service.RateLimit)
	setPositive(&c.RateBurst, cf.Service.RateBurst)
	setPositive(&c.Retries, cf.Service.Retries)

	setPositive(&c.LookupBatchSize, cf.Lookup.BatchSize)
	setPositive(&c.LookupConcurrency, cf.Lookup.Concurrency)
	setString(&c.DNSServer, cf.Lookup.DNSServer)

	setPositive(&c.Workers, cf.Engine.Workers)
	setPositive(&c.BatchSize, cf.Engine.Batch)
	setPositive(&c.MinAttempts, cf.Engine.MinAttempts)
	setPositive(&c.MaxMissingRun, cf.Engine.MaxMissingRun)
	setPositive(&c.CacheTTL, cf.Engine.CacheTTL)
	setBool(&c.InferAcrossGaps, cf.Engine.InferAcrossGaps)
	setBool(&c.UniqueAS, cf.Engine.UniqueAS)

	setBool(&c.Upload, cf.Upload.Enabled)
	setBool(&c.UploadSettings, cf.Upload.Settings)

	setString(&c.DBDir, cf.Storage.DBDir)
	setBool(&c.SaveToDB, cf.Storage.Save)
	setString(&c.MetricsFile, cf.Storage.MetricsFile)
}

// ApplyEnv reads the API key from APIKeyEnv when none is configured.
func (c *Config) ApplyEnv() {
	if c.APIKey == "" {
		c.APIKey = os.Getenv(APIKeyEnv)
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setPositive[T int | float64 | time.Duration](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// FindConfigFile searches for the configuration file in the following order:
// 1. If configPath is specified, use it directly
// 2. Look for .astrace in the current directory
// 3. Look for .astrace in the user's home directory
// 4. Look for config.yaml in the XDG config directory
//
// Returns the path to the configuration file if found, or empty string if not found.
func FindConfigFile(configPath string) string {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		return ""
	}

	if cwd, err := os.Getwd(); err == nil {
		cwdConfig := filepath.Join(cwd, DefaultConfigFile)
		if _, err := os.Stat(cwdConfig); err == nil {
			return cwdConfig
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		homeConfig := filepath.Join(home, DefaultConfigFile)
		if _, err := os.Stat(homeConfig); err == nil {
			return homeConfig
		}
	}

	xdgConfig := filepath.Join(XDGConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig
	}

	return ""
}
