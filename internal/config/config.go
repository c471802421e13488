package config

import (
	"net/url"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// Default configuration values.
const (
	// DefaultServiceURL is the public measurement platform endpoint.
	DefaultServiceURL = "http://mercury.upf.edu/mercury/api/services"

	// DefaultTimeout bounds one request to the platform.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the request rate towards the platform, per second.
	// Zero disables limiting.
	DefaultRateLimit = 20.0

	// DefaultRateBurst is the request burst towards the platform.
	DefaultRateBurst = 10

	// DefaultRetries is the number of attempts of every platform request.
	DefaultRetries = 4

	// DefaultWorkers bounds the coordinates processed at once.
	DefaultWorkers = 16

	// DefaultBatchSize bounds the destinations aggregated at once.
	DefaultBatchSize = 8

	// DefaultLookupBatchSize is the number of addresses per IP->AS request.
	DefaultLookupBatchSize = 1000

	// DefaultLookupConcurrency bounds the IP->AS requests in flight.
	DefaultLookupConcurrency = 4

	// DefaultMinAttempts is the number of usable attempts a flow needs.
	DefaultMinAttempts = 2

	// DefaultMaxMissingRun is the longest tolerated run of unresolved TTLs.
	DefaultMaxMissingRun = 3

	// DefaultCacheTTL is how long a result is reused for the same destination address.
	DefaultCacheTTL = 10 * time.Minute

	// DefaultUserAgent identifies astrace in requests to the platform.
	DefaultUserAgent = "astrace/1.0 (+https://github.com/nao1215/astrace)"

	// AppName is the application name used for XDG directory paths.
	AppName = "astrace"

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv = "ASTRACE_API_KEY"
)

// Config holds all configuration options for astrace.
type Config struct {
	// ServiceURL is the base URL of the measurement platform API.
	ServiceURL string

	// APIKey is sent with every platform request when set.
	APIKey string

	// ProxyAddress is an optional SOCKS5 proxy in "host:port" format.
	ProxyAddress string

	// Timeout bounds one platform request.
	Timeout time.Duration

	// RateLimit and RateBurst throttle platform requests. A zero rate disables it.
	RateLimit float64
	RateBurst int

	// Retries is the number of attempts of every platform request.
	Retries int

	// UserAgent is the User-Agent header sent to the platform.
	UserAgent string

	// Workers bounds the coordinates processed at once in one run.
	Workers int

	// BatchSize bounds the destinations aggregated at once.
	BatchSize int

	// LookupBatchSize is the number of addresses per IP->AS request.
	LookupBatchSize int

	// LookupConcurrency bounds the IP->AS requests in flight.
	LookupConcurrency int

	// MinAttempts is the number of usable attempts a flow needs before it
	// is considered reliable.
	MinAttempts int

	// MaxMissingRun is the longest tolerated run of unresolved TTLs.
	MaxMissingRun int

	// InferAcrossGaps classifies relationships across a single missing hop.
	InferAcrossGaps bool

	// CacheTTL is how long a result is reused for the same destination address.
	CacheTTL time.Duration

	// DNSServer resolves destination names. Empty means /etc/resolv.conf.
	DNSServer string

	// Upload sends the final paths to the platform.
	Upload bool

	// UploadSettings registers the measurement settings before the paths.
	UploadSettings bool

	// UniqueAS keeps one destination address per destination AS.
	UniqueAS bool

	// Verbose enables debug logging and verbose console output.
	Verbose bool

	// JSONReport and MarkdownReport select the report format. They are
	// mutually exclusive; neither means the console format.
	JSONReport     bool
	MarkdownReport bool

	// ReportFile is the output file path for the report. Empty means stdout.
	ReportFile string

	// ConfigFilePath is the path to the configuration file.
	ConfigFilePath string

	// DBDir is the directory of the result database.
	DBDir string

	// SaveToDB stores every result in the database.
	SaveToDB bool

	// MetricsFile receives the Prometheus metrics in text format after a run.
	MetricsFile string

	// Inputs are the measurement files to aggregate.
	Inputs []string
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		ServiceURL:        DefaultServiceURL,
		Timeout:           DefaultTimeout,
		RateLimit:         DefaultRateLimit,
		RateBurst:         DefaultRateBurst,
		Retries:           DefaultRetries,
		UserAgent:         DefaultUserAgent,
		Workers:           DefaultWorkers,
		BatchSize:         DefaultBatchSize,
		LookupBatchSize:   DefaultLookupBatchSize,
		LookupConcurrency: DefaultLookupConcurrency,
		MinAttempts:       DefaultMinAttempts,
		MaxMissingRun:     DefaultMaxMissingRun,
		InferAcrossGaps:   true,
		CacheTTL:          DefaultCacheTTL,
		DBDir:             XDGDataDir(),
		SaveToDB:          true,
	}
}

// XDGDataDir returns the XDG data directory for astrace.
// On Linux: ~/.local/share/astrace
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// XDGConfigDir returns the XDG config directory for astrace.
// On Linux: ~/.config/astrace
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// XDGCacheDir returns the XDG cache directory for astrace.
// On Linux: ~/.cache/astrace
func XDGCacheDir() string {
	return filepath.Join(xdg.CacheHome, AppName)
}

// DefaultMetricsFile returns the metrics file used when metrics are enabled
// without a path.
func DefaultMetricsFile() string {
	return filepath.Join(XDGCacheDir(), "astrace.prom")
}

// Validate checks if the configuration is valid and returns the first
// problem found.
func (c *Config) Validate() error {
	if len(c.Inputs) == 0 {
		return ErrNoInput
	}
	return c.ValidateService()
}

// ValidateService checks everything but the inputs. Commands that do not
// aggregate measurements use it.
func (c *Config) ValidateService() error {
	u, err := url.Parse(c.ServiceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidServiceURL
	}
	if c.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.RateLimit < 0 {
		return ErrInvalidRateLimit
	}
	if c.Retries <= 0 {
		return ErrInvalidRetries
	}
	if c.Workers <= 0 {
		return ErrInvalidWorkers
	}
	if c.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if c.LookupBatchSize <= 0 {
		return ErrInvalidLookupBatchSize
	}
	if c.MinAttempts <= 0 {
		return ErrInvalidMinAttempts
	}
	if c.CacheTTL < 0 {
		return ErrInvalidCacheTTL
	}
	if c.JSONReport && c.MarkdownReport {
		return ErrConflictingReportFormats
	}
	if c.UploadSettings && !c.Upload {
		return ErrUploadSettingsWithoutUpload
	}
	return nil
}
