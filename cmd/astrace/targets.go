package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/astrace/internal/config"
	"github.com/nao1215/astrace/internal/destination"
	"github.com/nao1215/astrace/internal/metrics"
	"github.com/nao1215/astrace/internal/model"
	"github.com/nao1215/astrace/internal/pipeline"
	"github.com/spf13/cobra"
)

// NewTargetsCmd creates the targets command.
func NewTargetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets <name>...",
		Short: "Plan the destination addresses of a measurement",
		Long: `Targets resolves destination names and shows the AS of every address.

With --unique-as only the first address of every destination AS is kept, so
that a measurement campaign probes each AS once. Addresses whose AS is unknown
or ambiguous are always kept.

Examples:
  # Show the addresses and ASes of a destination
  astrace targets example.com

  # Keep one address per AS, resolving with a specific nameserver
  astrace targets --unique-as --dns-server 9.9.9.9 example.com example.org

  # Only resolve, without asking the platform for ASes
  astrace targets --no-lookup example.com`,
		Args: cobra.MinimumNArgs(1),
		RunE: runTargetsCmd,
	}

	addServiceFlags(cmd)
	addLookupFlags(cmd)
	cmd.Flags().Bool("no-lookup", false,
		"Only resolve names, without AS lookups (incompatible with --unique-as)")
	cmd.MarkFlagsMutuallyExclusive("no-lookup", "unique-as")

	return cmd
}

// target is one planned destination address.
type target struct {
	Name    string
	Address netip.Addr
	Hop     model.Hop
}

// runTargetsCmd executes the targets command.
func runTargetsCmd(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd, args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	noLookup, err := cmd.Flags().GetBool("no-lookup")
	if err != nil {
		return err
	}

	logger := setupLogger(cmd.ErrOrStderr(), cfg.Verbose)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolver, err := newDestinationResolver(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}

	targets, err := resolveTargets(ctx, resolver, cfg.Inputs, logger)
	if err != nil {
		return err
	}
	if !noLookup {
		targets, err = annotateTargets(ctx, cfg, targets, logger)
		if err != nil {
			return err
		}
	}

	printTargets(cmd.OutOrStdout(), targets, !noLookup)
	return nil
}

// resolveTargets resolves every name. Names that do not resolve are
// reported and skipped; no address at all is an error.
func resolveTargets(ctx context.Context, resolver pipeline.DestinationResolver, names []string, logger *slog.Logger) ([]target, error) {
	var out []target
	for _, name := range names {
		addrs, err := resolver.Resolve(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("failed to resolve destination", "destination", name, "error", err)
			continue
		}
		for _, a := range addrs {
			out = append(out, target{Name: name, Address: a, Hop: model.MissingHop().WithAddress(a)})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: none of %d name(s) resolved", destination.ErrNoAddresses, len(names))
	}
	return out, nil
}

// annotateTargets looks up the AS of every address and applies the
// unique-AS plan when it is enabled.
func annotateTargets(ctx context.Context, cfg *config.Config, targets []target, logger *slog.Logger) ([]target, error) {
	client, err := newLookupClient(cfg, logger, metrics.New())
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.Addr, len(targets))
	for i, t := range targets {
		addrs[i] = t.Address
	}
	mappings, err := newAddressCache(cfg, client, logger, nil).GetMany(ctx, addrs)
	if err != nil {
		return nil, fmt.Errorf("failed to look up destination ASes: %w", err)
	}

	for i := range targets {
		targets[i].Hop = model.NewHop(mappings[targets[i].Address]...).WithAddress(targets[i].Address)
	}
	if !cfg.UniqueAS {
		return targets, nil
	}

	keep := make(map[netip.Addr]bool, len(addrs))
	for _, a := range destination.UniqueByAS(addrs, mappings) {
		keep[a] = true
	}
	out := targets[:0]
	for _, t := range targets {
		if keep[t.Address] {
			out = append(out, t)
			// A shared address is probed once.
			delete(keep, t.Address)
		}
	}
	return out, nil
}

// printTargets writes one line per planned address.
func printTargets(w io.Writer, targets []target, withAS bool) {
	fmt.Fprintf(w, "Planned destinations (%d):\n\n", len(targets))
	for _, t := range targets {
		if !withAS {
			fmt.Fprintf(w, "  %-30s  %s\n", t.Name, t.Address)
			continue
		}
		name := ""
		if info, ok := t.Hop.Info(); ok {
			name = info.Name
		}
		fmt.Fprintf(w, "  %-30s  %-39s  %-16s  %s\n", t.Name, t.Address, t.Hop.Detail(), name)
	}
}
