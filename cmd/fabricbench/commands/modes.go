package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/piwi3910/fabricbench/internal/bench"
)

// NewModesCmd creates the modes command.
func NewModesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List the supported benchmark modes",
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCODE\tFAMILY")
			for _, m := range bench.Modes() {
				fmt.Fprintf(tw, "%s\t0x%02x\t%s\n", m, uint8(m), m.Family())
			}
			return tw.Flush()
		},
	}
}
