package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/fabricbench/internal/backend"
	"github.com/piwi3910/fabricbench/internal/bench"
	"github.com/piwi3910/fabricbench/internal/config"
	"github.com/piwi3910/fabricbench/internal/fabric"
	"github.com/piwi3910/fabricbench/internal/responder"
	"github.com/piwi3910/fabricbench/internal/translist"
)

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	var (
		configPath  string
		adapterID   int
		mode        string
		repeat      int
		regionSize  int64
		backendKind string
		deviceID    int
		output      string
		entrySpecs  []string
		debug       bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one benchmark run",
		Long: `Runs the initiator side of a benchmark: fills the local buffer with a
random marker byte, drives the selected transfer mode for the requested
number of back-to-back iterations, asks the responder to validate, and
cross-checks both buffers.

The transfer vector defaults to one entry covering the whole region;
pass --entry localOffset:remoteOffset:size (repeatable) to override it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, config.Options{
				AdapterID:   adapterID,
				Mode:        mode,
				Repeat:      repeat,
				RegionSize:  regionSize,
				BackendKind: backendKind,
				DeviceID:    deviceID,
			})
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if output != "" {
				cfg.Bench.Output = output
			}
			setupLogging(cfg, debug)

			if cfg.Bench.Mode == "" {
				return fmt.Errorf("no benchmark mode configured, see 'fabricbench modes'")
			}
			benchMode, err := bench.ParseMode(cfg.Bench.Mode)
			if err != nil {
				return err
			}

			entries, err := transferEntries(cfg, entrySpecs)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, err := runBenchmark(ctx, cfg, benchMode, entries)
			if err != nil {
				return err
			}

			return renderResult(os.Stdout, result, cfg.Bench.Output)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file")
	cmd.Flags().IntVar(&adapterID, "adapter", 0, "Fabric adapter id")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "Benchmark mode (see 'fabricbench modes')")
	cmd.Flags().IntVarP(&repeat, "repeat", "n", 0, "Number of back-to-back iterations")
	cmd.Flags().Int64Var(&regionSize, "size", 0, "Region size in bytes")
	cmd.Flags().StringVar(&backendKind, "backend", "", "Buffer backend: host or device")
	cmd.Flags().IntVar(&deviceID, "device", 0, "Device id for the device backend")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: table, json or yaml")
	cmd.Flags().StringArrayVar(&entrySpecs, "entry", nil, "Transfer entry as localOffset:remoteOffset:size")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	return cmd
}

// runBenchmark wires a responder and an initiator over the loopback fabric
// and executes one run. The responder lives in-process: the loopback fabric
// connects endpoints within a single host.
func runBenchmark(ctx context.Context, cfg *config.Config, mode bench.Mode, entries []fabric.TransferEntry) (*bench.Result, error) {
	be, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}

	hub := newFabric(cfg)

	session, err := responder.New(hub.Endpoint(uint(cfg.AdapterID)), backend.NewHost(), responder.Config{
		RegionID:    fabric.RegionID(cfg.Region.RemoteID),
		TriggerID:   fabric.TriggerID(cfg.Region.TriggerID),
		SegmentSize: cfg.Region.Size,
	})
	if err != nil {
		return nil, err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- session.Serve(ctx)
	}()
	defer func() {
		session.Stop()
		if err := <-serveErr; err != nil {
			log.Error().Err(err).Msg("Responder session ended with error")
		}
	}()

	select {
	case <-session.Ready():
	case err := <-serveErr:
		serveErr <- nil
		return nil, fmt.Errorf("responder failed to start: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	provider := hub.Endpoint(uint(cfg.AdapterID) + 1)
	defer func() {
		if err := provider.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close fabric provider")
		}
	}()

	local, err := provider.ExposeLocalRegion(ctx, fabric.RegionID(cfg.Region.LocalID), cfg.Region.Size, be)
	if err != nil {
		return nil, fmt.Errorf("exposing local region: %w", err)
	}

	list, err := translist.New(local,
		fabric.RegionID(cfg.Region.RemoteID),
		fabric.TriggerID(cfg.Region.TriggerID),
		cfg.Region.Size, be, entries)
	if err != nil {
		return nil, err
	}

	engine := bench.New(provider)
	return engine.Run(ctx, bench.Request{
		Mode:   mode,
		Repeat: cfg.Bench.Repeat,
		List:   list,
	})
}

// transferEntries resolves the transfer vector: --entry flags win over the
// config file, which falls back to one whole-region entry.
func transferEntries(cfg *config.Config, specs []string) ([]fabric.TransferEntry, error) {
	if len(specs) == 0 {
		configured := cfg.TransferEntries()
		entries := make([]fabric.TransferEntry, 0, len(configured))
		for _, e := range configured {
			entries = append(entries, fabric.TransferEntry{
				LocalOffset:  e.LocalOffset,
				RemoteOffset: e.RemoteOffset,
				Size:         e.Size,
			})
		}
		return entries, nil
	}

	entries := make([]fabric.TransferEntry, 0, len(specs))
	for _, spec := range specs {
		entry, err := parseEntry(spec)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// parseEntry parses "localOffset:remoteOffset:size".
func parseEntry(spec string) (fabric.TransferEntry, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return fabric.TransferEntry{}, fmt.Errorf("invalid entry %q, want localOffset:remoteOffset:size", spec)
	}
	fields := make([]uint64, 3)
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return fabric.TransferEntry{}, fmt.Errorf("invalid entry %q: %w", spec, err)
		}
		fields[i] = v
	}
	return fabric.TransferEntry{
		LocalOffset:  fields[0],
		RemoteOffset: fields[1],
		Size:         fields[2],
	}, nil
}

// renderResult writes the benchmark result in the requested format. A
// throughput of one byte per microsecond equals one MB/s, so the table
// prints bytes/µs values with an MB/s unit directly.
func renderResult(w io.Writer, res *bench.Result, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(res)
	default:
		tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
		fmt.Fprintf(tw, "Run ID:\t%s\n", res.RunID)
		fmt.Fprintf(tw, "Mode:\t%s\n", res.Mode)
		fmt.Fprintf(tw, "Iterations OK:\t%d/%d\n", res.SuccessCount, len(res.Runtimes))
		fmt.Fprintf(tw, "Buffers match:\t%t\n", res.BuffersMatch)
		fmt.Fprintf(tw, "Total bytes:\t%d\n", res.TotalBytes)
		fmt.Fprintf(tw, "Wall clock:\t%d µs\n", res.TotalRuntime)
		fmt.Fprintf(tw, "Aggregate:\t%.2f MB/s\n", res.Throughput)
		for i, t := range res.Runtimes {
			fmt.Fprintf(tw, "  iteration %d:\t%.2f MB/s\n", i, t)
		}
		return tw.Flush()
	}
}
