package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the ibvctl root command with every subcommand attached
func NewRootCmd(version, commit string) *cobra.Command {
	globals := &Globals{}
	rootCmd := &cobra.Command{
		Use:   "ibvctl",
		Short: "ibvctl - RDMA verbs diagnostics",
		Long: `ibvctl inspects the RDMA devices of this host through libibverbs.

It lists devices with an active port, resolves the address a peer needs
to connect, and brings up a loopback reliable connection.

Settings are read from ibvctl.yaml (., /etc/tensorwire, $HOME/.tensorwire)
and TENSORWIRE_* environment variables, e.g.:
  TENSORWIRE_RDMA_SIMULATED=true
  TENSORWIRE_RDMA_PORT_NUM=1`,
		Version:           fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:      true,
		PersistentPreRunE: globals.Init,
	}
	globals.Register(rootCmd)

	rootCmd.AddCommand(NewProbeCmd(globals))
	rootCmd.AddCommand(NewDevicesCmd(globals))
	rootCmd.AddCommand(NewAddressCmd(globals))
	rootCmd.AddCommand(NewLoopbackCmd(globals))
	rootCmd.AddCommand(NewVersionCmd(version, commit))

	return rootCmd
}
