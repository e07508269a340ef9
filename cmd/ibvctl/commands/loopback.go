package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/piwi3910/tensorwire/internal/transport/rdma"
)

type loopbackView struct {
	Device    string `json:"device" yaml:"device"`
	LocalQPN  uint32 `json:"local_qpn" yaml:"local_qpn"`
	RemoteQPN uint32 `json:"remote_qpn" yaml:"remote_qpn"`
	GID       string `json:"gid" yaml:"gid"`
	PathMTU   int    `json:"path_mtu" yaml:"path_mtu"`
	State     string `json:"state" yaml:"state"`
}

// NewLoopbackCmd creates the loopback command
func NewLoopbackCmd(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "loopback",
		Short: "Connect two queue pairs on the same device",
		Long: `Create two endpoints on the selected device, exchange their setup
information and drive both queue pairs through INIT, RTR and RTS. Both
are torn down afterwards.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := g.OpenBinding()
			if err != nil {
				return err
			}
			defer closeBinding(b)

			result, err := rdma.Loopback(cmd.Context(), b, g.Config.RDMA.EndpointConfig())
			if err != nil {
				return err
			}

			view := loopbackView{
				Device:    result.Device,
				LocalQPN:  result.Local.QPN,
				RemoteQPN: result.Remote.QPN,
				GID:       result.Local.GID.String(),
				PathMTU:   min(result.Local.MTU, result.Remote.MTU).Bytes(),
				State:     result.States[0].String(),
			}
			return render(cmd.OutOrStdout(), g.Output, view, func(tw *tabwriter.Writer) {
				_, _ = fmt.Fprintf(tw, "DEVICE\t%s\n", view.Device)
				_, _ = fmt.Fprintf(tw, "QPN\t%#x <-> %#x\n", view.LocalQPN, view.RemoteQPN)
				_, _ = fmt.Fprintf(tw, "GID\t%s\n", view.GID)
				_, _ = fmt.Fprintf(tw, "PATH MTU\t%d\n", view.PathMTU)
				_, _ = fmt.Fprintf(tw, "STATE\t%s\n", okFmt(view.State))
			})
		},
	}
}
