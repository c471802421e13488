package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nao1215/astrace/internal/config"
	"github.com/nao1215/astrace/internal/database"
	"github.com/nao1215/astrace/internal/lookup"
	"github.com/nao1215/astrace/internal/metrics"
	"github.com/nao1215/astrace/internal/model"
	"github.com/spf13/cobra"
)

// errNoResult is returned when a requested run is not stored.
var errNoResult = errors.New("no stored result")

// dateLayout formats run timestamps in listings.
const dateLayout = "2006-01-02 15:04:05"

// NewHistoryCmd creates the history command.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [destination]",
		Short: "Show stored aggregation results",
		Long: `History lists the runs stored in the local database.

Without a destination every run is listed. A stored run can be shown again in
any report format, and runs sharing a path can be found by its fingerprint.
With --remote the AS-level paths the platform holds for the destination are
fetched instead.

Examples:
  # List every stored run
  astrace history

  # List the runs of one destination, with their paths
  astrace history -v example.com

  # Show the latest result of a destination as Markdown
  astrace history --latest --markdown example.com

  # Show a stored run by its run ID or database ID
  astrace history --run 3

  # Find the destinations whose paths include a fingerprint (see history -v)
  astrace history --path <fingerprint>

  # List the destinations in the database
  astrace history --list-destinations

  # Fetch the paths the platform holds for a destination
  astrace history --remote example.com`,
		Args: cobra.MaximumNArgs(1),
		RunE: runHistoryCmd,
	}

	addServiceFlags(cmd)

	cmd.Flags().BoolP("list-destinations", "L", false,
		"List the destinations in the database")
	cmd.Flags().Bool("latest", false,
		"Show the latest result of the destination")
	cmd.Flags().StringP("run", "r", "",
		"Show the stored run with this run ID or database ID")
	cmd.Flags().String("path", "",
		"List the destinations whose paths have this fingerprint")
	cmd.Flags().Bool("remote", false,
		"Fetch the destination's paths from the platform")
	cmd.Flags().String("db-dir", "",
		"Directory of the result database (default: XDG data directory)")

	cmd.Flags().BoolP("json", "j", false,
		"Output JSON (mutually exclusive with --markdown)")
	cmd.Flags().BoolP("markdown", "m", false,
		"Output Markdown when showing a result (mutually exclusive with --json)")

	cmd.MarkFlagsMutuallyExclusive("json", "markdown")
	cmd.MarkFlagsMutuallyExclusive("list-destinations", "latest", "run", "path", "remote")

	return cmd
}

// historyOptions are the mode flags of the history command.
type historyOptions struct {
	listDestinations bool
	latest           bool
	run              string
	path             string
	remote           bool
}

// runHistoryCmd executes the history command.
func runHistoryCmd(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd, args)
	if err != nil {
		return err
	}
	if err := cfg.ValidateService(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	opts, err := getHistoryOptions(cmd)
	if err != nil {
		return err
	}

	var dst string
	if len(args) > 0 {
		dst = args[0]
	}
	if (opts.latest || opts.remote) && dst == "" {
		return errors.New("a destination is required with --latest and --remote")
	}

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if opts.remote {
		logger := setupLogger(cmd.ErrOrStderr(), cfg.Verbose)
		client, err := newLookupClient(cfg, logger, metrics.New())
		if err != nil {
			return err
		}
		return showRemoteHistory(ctx, client, out, dst, cfg.JSONReport)
	}

	db, err := database.Open(cfg.DBDir, database.Options{CreateIfNotExists: false, EnableWAL: true})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	switch {
	case opts.listDestinations:
		return listDestinations(ctx, db, out)
	case opts.path != "":
		return listPathDestinations(ctx, db, out, opts.path)
	case opts.latest:
		r, err := db.LatestResult(ctx, dst)
		if err != nil {
			return err
		}
		return showResult(cfg, out, r, dst)
	case opts.run != "":
		r, err := findRun(ctx, db, opts.run)
		if err != nil {
			return err
		}
		return showResult(cfg, out, r, opts.run)
	}
	return listHistory(ctx, db, out, dst, cfg.Verbose)
}

// getHistoryOptions reads the mode flags.
func getHistoryOptions(cmd *cobra.Command) (historyOptions, error) {
	var opts historyOptions
	var err error
	if opts.listDestinations, err = cmd.Flags().GetBool("list-destinations"); err != nil {
		return opts, err
	}
	if opts.latest, err = cmd.Flags().GetBool("latest"); err != nil {
		return opts, err
	}
	if opts.run, err = cmd.Flags().GetString("run"); err != nil {
		return opts, err
	}
	if opts.path, err = cmd.Flags().GetString("path"); err != nil {
		return opts, err
	}
	if opts.remote, err = cmd.Flags().GetBool("remote"); err != nil {
		return opts, err
	}
	return opts, nil
}

// findRun looks a run up by run ID, then by database ID.
func findRun(ctx context.Context, db *database.ResultDB, ref string) (*model.Result, error) {
	r, err := db.ResultByRunID(ctx, ref)
	if err != nil || r != nil {
		return r, err
	}
	if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		return db.ResultByID(ctx, id)
	}
	return nil, nil
}

// showResult writes a stored result in the selected report format.
func showResult(cfg *config.Config, w io.Writer, r *model.Result, ref string) error {
	if r == nil {
		return fmt.Errorf("%w: %s", errNoResult, ref)
	}
	// Stored results are reported as they were computed.
	r.Cached = false
	_, err := newReportWriter(cfg, w).Write(r)
	return err
}

// listDestinations writes the destinations in the database.
func listDestinations(ctx context.Context, db *database.ResultDB, w io.Writer) error {
	destinations, err := db.ListDestinations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list destinations: %w", err)
	}
	if len(destinations) == 0 {
		fmt.Fprintln(w, "No destinations found in the database.")
		fmt.Fprintln(w, "\nUse 'astrace run <measurement.json>' to aggregate a measurement.")
		return nil
	}

	fmt.Fprintf(w, "Destinations (%d):\n\n", len(destinations))
	for _, d := range destinations {
		fmt.Fprintf(w, "  • %s\n", d)
	}
	fmt.Fprintln(w, "\nUse 'astrace history <destination>' to see the runs of a destination.")
	return nil
}

// listPathDestinations writes the destinations sharing a path.
func listPathDestinations(ctx context.Context, db *database.ResultDB, w io.Writer, fingerprint string) error {
	destinations, err := db.DestinationsWithPath(ctx, fingerprint)
	if err != nil {
		return err
	}
	if len(destinations) == 0 {
		fmt.Fprintf(w, "No stored path has fingerprint %s\n", fingerprint)
		return nil
	}
	fmt.Fprintf(w, "Destinations with path %s (%d):\n\n", fingerprint, len(destinations))
	for _, d := range destinations {
		fmt.Fprintf(w, "  • %s\n", d)
	}
	return nil
}

// listHistory writes the runs of dst, or of every destination. verbose
// adds the stored paths of each run.
func listHistory(ctx context.Context, db *database.ResultDB, w io.Writer, dst string, verbose bool) error {
	runs, err := db.History(ctx, dst)
	if err != nil {
		return fmt.Errorf("failed to get history: %w", err)
	}

	subject := "all destinations"
	if dst != "" {
		subject = dst
	}
	if len(runs) == 0 {
		fmt.Fprintf(w, "No history found for %s\n", subject)
		fmt.Fprintln(w, "\nUse 'astrace run <measurement.json>' to aggregate a measurement.")
		return nil
	}

	fmt.Fprintf(w, "History for %s (%d runs):\n\n", subject, len(runs))
	fmt.Fprintf(w, "  %-6s  %-19s  %-24s  %-10s  %5s  %s\n", "ID", "Date", "Destination", "Status", "Paths", "Diagnostics")
	fmt.Fprintln(w, "  "+strings.Repeat("-", 90))

	for _, meta := range runs {
		fmt.Fprintf(w, "  %-6d  %-19s  %-24s  %-10s  %5d  %s\n",
			meta.ID,
			meta.StartedAt.Local().Format(dateLayout),
			truncate(meta.Destination, 24),
			meta.Status,
			meta.PathCount,
			formatDiagnostics(meta.Diagnostics),
		)
		if !verbose {
			continue
		}
		paths, err := db.Paths(ctx, meta.ID)
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintf(w, "          %s  %s  %s\n", p.Flags.Hex(), p.Fingerprint, strings.Join(p.Hops, " "))
		}
	}

	fmt.Fprintln(w, "\nUse 'astrace history --run <id>' to show a stored run.")
	return nil
}

// formatDiagnostics summarizes the failure counters of a run.
func formatDiagnostics(d model.Diagnostics) string {
	if !d.HasFailures() {
		return "OK"
	}
	var parts []string
	if d.UnresolvedCoordinates > 0 {
		parts = append(parts, fmt.Sprintf("unresolved:%d", d.UnresolvedCoordinates))
	}
	if d.UnanchoredPaths > 0 {
		parts = append(parts, fmt.Sprintf("unanchored:%d", d.UnanchoredPaths))
	}
	if d.RelationshipFailures > 0 {
		parts = append(parts, fmt.Sprintf("relationships:%d", d.RelationshipFailures))
	}
	if d.FailedUploads > 0 {
		parts = append(parts, fmt.Sprintf("uploads:%d", d.FailedUploads))
	}
	return strings.Join(parts, " ")
}

// showRemoteHistory writes the paths the platform holds for dst.
func showRemoteHistory(ctx context.Context, client *lookup.Client, w io.Writer, dst string, asJSON bool) error {
	traceroutes, err := client.TraceroutesByDestination(ctx, dst)
	if err != nil {
		return fmt.Errorf("failed to fetch traceroutes of %s: %w", dst, err)
	}

	if asJSON {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(traceroutes)
	}

	if len(traceroutes) == 0 {
		fmt.Fprintf(w, "The platform holds no traceroutes for %s\n", dst)
		return nil
	}
	fmt.Fprintf(w, "Platform traceroutes for %s (%d):\n\n", dst, len(traceroutes))
	for _, t := range traceroutes {
		fmt.Fprintf(w, "  %-20s  AS%d --> AS%d  %08X  %s\n",
			t.Timestamp, t.SourceAS, t.DestinationAS, t.Stats.Flags, remoteHops(t.Hops))
	}
	return nil
}

// remoteHops renders uploaded hops the way local paths are printed. Hops
// uploaded with several candidates are ambiguous.
func remoteHops(hops []lookup.TracerouteHop) string {
	var parts []string
	for i := 0; i < len(hops); {
		j := i
		for j < len(hops) && hops[j].Hop == hops[i].Hop {
			j++
		}
		if j-i == 1 && hops[i].AS > 0 {
			parts = append(parts, fmt.Sprintf("AS%d", hops[i].AS))
		} else {
			parts = append(parts, "AS?")
		}
		i = j
	}
	return strings.Join(parts, " ")
}

// truncate shortens s to at most maxLen runes.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
