package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/nao1215/astrace/internal/classify"
	"github.com/nao1215/astrace/internal/config"
	"github.com/nao1215/astrace/internal/database"
	"github.com/nao1215/astrace/internal/destination"
	"github.com/nao1215/astrace/internal/lookup"
	"github.com/nao1215/astrace/internal/measurement"
	"github.com/nao1215/astrace/internal/metrics"
	"github.com/nao1215/astrace/internal/model"
	"github.com/nao1215/astrace/internal/pipeline"
	"github.com/nao1215/astrace/internal/report"
	"github.com/nao1215/astrace/internal/resultcache"
	"github.com/nao1215/astrace/internal/upload"
	"github.com/spf13/cobra"
)

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <measurement.json>...",
		Short: "Aggregate traceroute measurements into AS-level paths",
		Long: `Run aggregates multipath traceroute measurements into AS-level paths.

Each measurement file holds the raw replies of every algorithm, flow and
attempt towards one destination. Run maps every replying address to its AS,
merges the hops of each AS, reconciles the attempts of each flow, removes
duplicate paths and classifies the relationship of every adjacent AS pair.

Interrupting a run (Ctrl+C) cancels the remaining work and prints the
partial results.

Examples:
  # Aggregate one measurement
  astrace run google.json

  # Aggregate several measurements, four at a time
  astrace run --batch 4 m1.json m2.json m3.json

  # Keep one measurement per destination AS and upload the paths
  astrace run --unique-as --upload *.json

  # Write a Markdown report to a file
  astrace run --markdown -o reports/google.md google.json

  # Export metrics for the node exporter textfile collector
  astrace run --metrics-file /var/lib/node_exporter/astrace.prom google.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: runRunCmd,
	}

	addServiceFlags(cmd)
	addLookupFlags(cmd)

	// Aggregation flags
	cmd.Flags().IntP("workers", "w", config.DefaultWorkers,
		"Coordinates aggregated in parallel within one measurement")
	cmd.Flags().IntP("batch", "b", config.DefaultBatchSize,
		"Measurements aggregated in parallel")
	cmd.Flags().Int("min-attempts", config.DefaultMinAttempts,
		"Usable attempts a flow needs before its paths are trusted")
	cmd.Flags().Bool("no-infer", false,
		"Do not classify relationships across a missing hop")

	// Upload flags
	cmd.Flags().Bool("upload", false,
		"Upload the final paths to the platform")
	cmd.Flags().Bool("upload-settings", false,
		"Register the measurement settings before uploading (requires --upload)")

	// Report flags
	cmd.Flags().BoolP("json", "j", false,
		"Output JSON report (mutually exclusive with --markdown)")
	cmd.Flags().BoolP("markdown", "m", false,
		"Output Markdown report (mutually exclusive with --json)")
	cmd.Flags().StringP("output", "o", "",
		"Write report to specified file path (creates directories if needed)")

	// Storage flags
	cmd.Flags().Bool("no-save", false,
		"Do not store results in the local database")
	cmd.Flags().String("db-dir", "",
		"Directory of the result database (default: XDG data directory)")
	cmd.Flags().String("metrics-file", "",
		"Write Prometheus metrics to this file after the run")
	cmd.Flags().Lookup("metrics-file").NoOptDefVal = config.DefaultMetricsFile()

	cmd.MarkFlagsMutuallyExclusive("json", "markdown")

	return cmd
}

// runRunCmd executes the run command.
func runRunCmd(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd, args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger := setupLogger(cmd.ErrOrStderr(), cfg.Verbose)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ms, err := loadMeasurements(cfg.Inputs)
	if err != nil {
		return err
	}

	r, err := newRunner(cfg, logger, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer r.Close()

	return r.Run(ctx, ms)
}

// loadMeasurements reads every measurement file. The first invalid file
// stops the run before any lookup.
func loadMeasurements(paths []string) ([]*measurement.Measurement, error) {
	ms := make([]*measurement.Measurement, 0, len(paths))
	for _, p := range paths {
		m, err := measurement.Load(p)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	return ms, nil
}

// runner wires the platform client, the engines and the outputs of one
// run command.
type runner struct {
	cfg     *config.Config
	logger  *slog.Logger
	console io.Writer

	client        *lookup.Client
	metrics       *metrics.Metrics
	resolver      pipeline.DestinationResolver
	identity      *pipeline.Identity
	relationships *classify.RelationshipCache
	results       *resultcache.Cache
	db            *database.ResultDB
	uploader      *upload.Uploader

	report     report.Writer
	reportFile *os.File
}

// newRunner creates a runner. Close releases what it opened.
func newRunner(cfg *config.Config, logger *slog.Logger, console io.Writer) (_ *runner, err error) {
	r := &runner{
		cfg:     cfg,
		logger:  logger,
		console: console,
		metrics: metrics.New(),
		results: resultcache.New(cfg.CacheTTL),
	}
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	r.client, err = newLookupClient(cfg, logger, r.metrics)
	if err != nil {
		return nil, err
	}
	r.identity = pipeline.NewIdentity(r.client)
	r.relationships = classify.NewRelationshipCache(r.client,
		classify.WithCacheRetry(retryConfig(cfg)),
		classify.WithCacheLogger(logger),
	)

	// Measurements usually carry their destination address, so a host
	// without a nameserver can still aggregate.
	if resolver, rerr := newDestinationResolver(cfg, logger); rerr != nil {
		logger.Warn("destination names cannot be resolved", "error", rerr)
	} else {
		r.resolver = resolver
	}

	if cfg.SaveToDB {
		r.db, err = database.Open(cfg.DBDir, database.DefaultOptions())
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		logger.Info("database opened", "path", r.db.Path())
	}

	if cfg.Upload {
		r.uploader = upload.New(r.client,
			upload.WithRetry(retryConfig(cfg)),
			upload.WithLogger(logger),
			upload.WithSettings(cfg.UploadSettings),
		)
	}

	out := console
	if cfg.ReportFile != "" {
		r.reportFile, err = createReportFile(cfg.ReportFile)
		if err != nil {
			return nil, err
		}
		out = r.reportFile
	}
	r.report = newReportWriter(cfg, out)

	return r, nil
}

// Close closes the database and the report file.
func (r *runner) Close() {
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			r.logger.Error("failed to close database", "error", err)
		}
		r.db = nil
	}
	if r.reportFile != nil {
		if err := r.reportFile.Close(); err != nil {
			r.logger.Error("failed to close report file", "error", err)
		}
		r.reportFile = nil
	}
}

// createReportFile creates the report file and its directories. Reports are
// readable by the owner only.
func createReportFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) //nolint:gosec // path is provided by the user
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, nil
}

// newReportWriter returns the writer of the selected report format.
func newReportWriter(cfg *config.Config, w io.Writer) report.Writer {
	switch {
	case cfg.JSONReport:
		return report.NewFullJSONWriter(w, getVersion(), report.WithPrettyPrint())
	case cfg.MarkdownReport:
		return report.NewMarkdownWriter(w, getVersion())
	default:
		return report.NewSimpleWriter(w, report.WithVerbose(cfg.Verbose))
	}
}

// newEngine creates the engine of one measurement. The address cache is
// private to the run; identity and relationships are shared by the batch.
func (r *runner) newEngine() *pipeline.Engine {
	return pipeline.NewEngine(
		newAddressCache(r.cfg, r.client, r.logger, r.metrics),
		r.relationships,
		pipeline.WithConfig(pipeline.Config{
			Workers:         r.cfg.Workers,
			MinAttempts:     r.cfg.MinAttempts,
			MaxMissingRun:   r.cfg.MaxMissingRun,
			InferAcrossGaps: r.cfg.InferAcrossGaps,
		}),
		pipeline.WithIdentity(r.identity),
		pipeline.WithEngineLogger(r.logger),
		pipeline.WithEngineMetrics(r.metrics),
	)
}

// Run aggregates ms and handles every outcome as soon as it is ready. A
// cancelled run still reports, stores and uploads the partial results.
func (r *runner) Run(ctx context.Context, ms []*measurement.Measurement) error {
	if r.cfg.UniqueAS {
		ms = r.uniqueByAS(ctx, ms)
	}

	opts := []pipeline.BatchOption{
		pipeline.WithConcurrency(r.cfg.BatchSize),
		pipeline.WithBatchLogger(r.logger),
		pipeline.WithResultCache(r.results),
	}
	if r.resolver != nil {
		opts = append(opts, pipeline.WithDestinationResolver(r.resolver))
	}
	if r.cfg.Verbose {
		opts = append(opts, pipeline.WithBatchProgress(func(i int, step pipeline.StepID, res *model.Result) {
			r.logger.Debug("step finished", "measurement", i, "destination", res.Destination, "step", step)
		}))
	}
	bp := pipeline.NewBatchProcessor(r.newEngine, opts...)

	start := time.Now()
	var (
		mu     sync.Mutex
		failed int
	)
	batchErr := bp.ProcessBatchWithCallback(ctx, ms, func(o pipeline.Outcome) {
		mu.Lock()
		defer mu.Unlock()
		if !r.handle(ctx, o) {
			failed++
		}
	})

	r.logger.Info("run finished",
		"measurements", len(ms),
		"failed", failed,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	r.writeMetrics()

	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("run interrupted: %w", ctx.Err())
	case batchErr != nil:
		return batchErr
	case failed > 0:
		return fmt.Errorf("%d of %d measurement(s) failed", failed, len(ms))
	}
	return nil
}

// handle reports, stores and uploads one outcome. It reports false when the
// measurement produced no result.
func (r *runner) handle(ctx context.Context, o pipeline.Outcome) bool {
	if o.Err != nil || o.Result == nil {
		dst := ""
		if o.Measurement != nil {
			dst = o.Measurement.Destination
		}
		r.logger.Error("aggregation failed", "destination", dst, "error", o.Err)
		fmt.Fprintf(r.console, "Aggregation error for %s: %v\n", dst, o.Err)
		return false
	}
	res := o.Result

	// Storage of a partial result outlives the interrupt.
	persistCtx := context.WithoutCancel(ctx)

	if r.uploader != nil && !res.Cached && res.Status == model.StatusCompleted {
		receipt, err := r.uploader.Upload(persistCtx, res, o.Measurement)
		if err != nil {
			r.logger.Warn("upload failed", "destination", res.Destination, "error", err)
		} else {
			r.logger.Info("paths uploaded", "destination", res.Destination, "paths", receipt.Uploaded, "ack", receipt.Ack)
		}
	}

	if _, err := r.report.Write(res); err != nil {
		r.logger.Error("report failed", "destination", res.Destination, "error", err)
	}

	if r.db != nil && !res.Cached {
		if _, err := r.db.SaveResult(persistCtx, res); err != nil {
			r.logger.Error("failed to save result", "destination", res.Destination, "error", err)
		} else {
			r.logger.Info("result saved to database", "destination", res.Destination, "run", res.ID)
		}
	}
	return true
}

// writeMetrics writes the metrics file when one is configured.
func (r *runner) writeMetrics() {
	if r.cfg.MetricsFile == "" {
		return
	}
	if err := r.metrics.WriteTextfile(r.cfg.MetricsFile); err != nil {
		r.logger.Error("failed to write metrics", "path", r.cfg.MetricsFile, "error", err)
		return
	}
	r.logger.Info("metrics written", "path", r.cfg.MetricsFile)
}

// uniqueByAS drops measurements whose destination AS is already measured by
// an earlier one. Measurements whose destination cannot be resolved or
// mapped to a single AS are kept.
func (r *runner) uniqueByAS(ctx context.Context, ms []*measurement.Measurement) []*measurement.Measurement {
	addrs := make([]netip.Addr, 0, len(ms))
	for _, m := range ms {
		if !m.DestinationAddress.IsValid() && r.resolver != nil {
			resolved, err := r.resolver.Resolve(ctx, m.Destination)
			if err != nil {
				r.logger.Warn("failed to resolve destination", "destination", m.Destination, "error", err)
			} else if len(resolved) > 0 {
				m.DestinationAddress = resolved[0]
			}
		}
		if m.DestinationAddress.IsValid() {
			addrs = append(addrs, m.DestinationAddress)
		}
	}

	mappings, err := newAddressCache(r.cfg, r.client, r.logger, r.metrics).GetMany(ctx, addrs)
	if err != nil {
		// Partial answers still narrow the plan.
		r.logger.Warn("destination AS lookup failed", "error", err)
	}
	keep := make(map[netip.Addr]bool, len(addrs))
	for _, a := range destination.UniqueByAS(addrs, mappings) {
		keep[a] = true
	}

	out := make([]*measurement.Measurement, 0, len(ms))
	for _, m := range ms {
		a := m.DestinationAddress
		if a.IsValid() && !keep[a] {
			r.logger.Info("skipping measurement of an already measured AS", "destination", m.Destination, "address", a)
			continue
		}
		out = append(out, m)
	}
	return out
}
