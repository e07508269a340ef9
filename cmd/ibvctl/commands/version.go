package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// NewVersionCmd creates the version command
func NewVersionCmd(version, commit string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "ibvctl %s\n", version)
			_, _ = fmt.Fprintf(out, "  Commit: %s\n", commit)
			_, _ = fmt.Fprintf(out, "  Go:     %s\n", runtime.Version())
			return nil
		},
	}
}
