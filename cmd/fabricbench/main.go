package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/piwi3910/fabricbench/cmd/fabricbench/commands"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fabricbench",
		Short: "fabricbench - remote-memory fabric transfer benchmark",
		Long: `fabricbench measures data-transfer throughput and correctness between
two hosts connected by a remote-memory-access fabric.

One side runs the passive responder, exposing a memory region and
validating it on request:

  fabricbench responder --backend host --size 4194304

The other side drives transfers toward the responder and reports
per-iteration and aggregate throughput:

  fabricbench run --mode dma-push --repeat 100

See 'fabricbench modes' for the supported transfer modes.`,
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
	}

	rootCmd.AddCommand(commands.NewResponderCmd())
	rootCmd.AddCommand(commands.NewRunCmd())
	rootCmd.AddCommand(commands.NewModesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
