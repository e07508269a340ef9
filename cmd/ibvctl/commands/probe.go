package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/piwi3910/tensorwire/internal/transport/rdma"
)

// NewProbeCmd creates the probe command
func NewProbeCmd(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check whether the RDMA transport is viable on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := g.Config.RDMA
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.EnumerateTimeout)
			defer cancel()

			v, err := rdma.Probe(ctx, g.OpenBinding, uint8(cfg.PortNum)) //nolint:gosec // G115: range checked by config
			if err != nil {
				return err
			}

			return render(cmd.OutOrStdout(), g.Output, v, func(tw *tabwriter.Writer) {
				_, _ = fmt.Fprintf(tw, "VIABLE\t%s\n", colorBool(v.Viable, "yes", "no"))
				if v.Reason != "" {
					_, _ = fmt.Fprintf(tw, "REASON\t%s\n", v.Reason)
				}
				if v.Viable {
					_, _ = fmt.Fprintf(tw, "DOMAIN\t%s\n", v.DomainDescriptor)
					_, _ = fmt.Fprintf(tw, "DEVICES\t%s\n", strings.Join(v.Devices, ", "))
				}
			})
		},
	}
}
