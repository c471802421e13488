package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/nao1215/astrace/internal/ascache"
	"github.com/nao1215/astrace/internal/config"
	"github.com/nao1215/astrace/internal/destination"
	applog "github.com/nao1215/astrace/internal/log"
	"github.com/nao1215/astrace/internal/lookup"
	"github.com/nao1215/astrace/internal/metrics"
	"github.com/nao1215/astrace/internal/retry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// addServiceFlags adds the flags shared by every command that talks to the
// measurement platform.
func addServiceFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", "",
		"Configuration file path (default: .astrace in current or home directory)")
	cmd.Flags().String("service-url", config.DefaultServiceURL,
		"Measurement platform endpoint")
	cmd.Flags().String("api-key", "",
		"Platform API key (default: $"+config.APIKeyEnv+")")
	cmd.Flags().String("proxy", "",
		"SOCKS5 proxy for platform requests (e.g., 127.0.0.1:1080)")
	cmd.Flags().DurationP("timeout", "t", config.DefaultTimeout,
		"Timeout for each platform request")
	cmd.Flags().Float64("rate-limit", config.DefaultRateLimit,
		"Maximum platform requests per second (0 disables limiting)")
	cmd.Flags().Int("retries", config.DefaultRetries,
		"Attempts per platform request, including the first one")
}

// addLookupFlags adds the flags of commands that resolve destinations.
func addLookupFlags(cmd *cobra.Command) {
	cmd.Flags().String("dns-server", "",
		"Nameserver for destination names (default: /etc/resolv.conf)")
	cmd.Flags().Bool("unique-as", false,
		"Keep one destination address per destination AS")
}

// getVerboseFlag retrieves the verbose flag from the command or its parent.
func getVerboseFlag(cmd *cobra.Command) bool {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		verbose, err = cmd.Root().PersistentFlags().GetBool("verbose")
		if err != nil {
			return false
		}
	}
	return verbose
}

// buildConfig creates a Config from the defaults, the configuration file,
// the environment and the flags set on the command line, in that order.
func buildConfig(cmd *cobra.Command, inputs []string) (*config.Config, error) {
	cfg := config.NewConfig()

	var err error
	cfg.ConfigFilePath, err = cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	// A missing file is an error only when the user named it.
	configPath := config.FindConfigFile(cfg.ConfigFilePath)
	switch {
	case configPath != "":
		cf, err := config.LoadConfigFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
		cf.Apply(cfg)
	case cfg.ConfigFilePath != "":
		return nil, fmt.Errorf("%w: %s", config.ErrConfigNotFound, cfg.ConfigFilePath)
	}

	cfg.ApplyEnv()
	if err := applyFlags(cmd.Flags(), cfg); err != nil {
		return nil, err
	}

	cfg.Verbose = getVerboseFlag(cmd)
	cfg.Inputs = inputs
	return cfg, nil
}

// applyFlags copies the flags that were set on the command line into cfg.
// Flags a command does not define are never visited.
func applyFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	var err error
	getBool := func(name string) bool {
		v, ferr := flags.GetBool(name)
		if ferr != nil {
			err = ferr
		}
		return v
	}
	getInt := func(name string) int {
		v, ferr := flags.GetInt(name)
		if ferr != nil {
			err = ferr
		}
		return v
	}
	getString := func(name string) string {
		v, ferr := flags.GetString(name)
		if ferr != nil {
			err = ferr
		}
		return v
	}

	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "service-url":
			cfg.ServiceURL = getString(f.Name)
		case "api-key":
			cfg.APIKey = getString(f.Name)
		case "proxy":
			cfg.ProxyAddress = getString(f.Name)
		case "timeout":
			d, ferr := flags.GetDuration(f.Name)
			if ferr != nil {
				err = ferr
			}
			cfg.Timeout = d
		case "rate-limit":
			r, ferr := flags.GetFloat64(f.Name)
			if ferr != nil {
				err = ferr
			}
			cfg.RateLimit = r
		case "retries":
			cfg.Retries = getInt(f.Name)
		case "workers":
			cfg.Workers = getInt(f.Name)
		case "batch":
			cfg.BatchSize = getInt(f.Name)
		case "min-attempts":
			cfg.MinAttempts = getInt(f.Name)
		case "no-infer":
			cfg.InferAcrossGaps = !getBool(f.Name)
		case "upload":
			cfg.Upload = getBool(f.Name)
		case "upload-settings":
			cfg.UploadSettings = getBool(f.Name)
		case "unique-as":
			cfg.UniqueAS = getBool(f.Name)
		case "dns-server":
			cfg.DNSServer = getString(f.Name)
		case "json":
			cfg.JSONReport = getBool(f.Name)
		case "markdown":
			cfg.MarkdownReport = getBool(f.Name)
		case "output":
			cfg.ReportFile = getString(f.Name)
		case "metrics-file":
			cfg.MetricsFile = getString(f.Name)
		case "no-save":
			cfg.SaveToDB = !getBool(f.Name)
		case "db-dir":
			cfg.DBDir = getString(f.Name)
		}
	})
	return err
}

// setupLogger creates the credential-masking logger of the CLI.
func setupLogger(w io.Writer, verbose bool) *slog.Logger {
	return applog.NewSecureLogger(w, verbose)
}

// retryConfig returns the retry settings of platform requests.
func retryConfig(cfg *config.Config) retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.Retries
	return rc
}

// newLookupClient creates the platform client.
func newLookupClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*lookup.Client, error) {
	client, err := lookup.NewClient(cfg.ServiceURL,
		lookup.WithLogger(logger),
		lookup.WithMetrics(m),
		lookup.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		lookup.WithProxy(cfg.ProxyAddress),
		lookup.WithAPIKey(cfg.APIKey),
		lookup.WithTimeout(cfg.Timeout),
		lookup.WithUserAgent(cfg.UserAgent),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create platform client: %w", err)
	}
	return client, nil
}

// newAddressCache creates an IP->AS cache. Every engine run gets its own.
func newAddressCache(cfg *config.Config, resolver ascache.Resolver, logger *slog.Logger, m *metrics.Metrics) *ascache.Cache {
	return ascache.New(resolver,
		ascache.WithBatchSize(cfg.LookupBatchSize),
		ascache.WithConcurrency(cfg.LookupConcurrency),
		ascache.WithRetry(retryConfig(cfg)),
		ascache.WithLogger(logger),
		ascache.WithMetrics(m),
	)
}

// newDestinationResolver creates the DNS resolver of destination names.
func newDestinationResolver(cfg *config.Config, logger *slog.Logger) (*destination.Resolver, error) {
	opts := []destination.Option{
		destination.WithLogger(logger),
	}
	if cfg.DNSServer != "" {
		opts = append(opts, destination.WithServer(cfg.DNSServer))
	}
	return destination.NewResolver(opts...)
}
