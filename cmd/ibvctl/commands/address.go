package commands

import (
	"encoding/hex"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/piwi3910/tensorwire/internal/ibv"
	"github.com/piwi3910/tensorwire/internal/transport/rdma"
)

type addressView struct {
	Device           string `json:"device" yaml:"device"`
	Port             uint8  `json:"port" yaml:"port"`
	GIDIndex         uint8  `json:"gid_index" yaml:"gid_index"`
	LID              uint32 `json:"lid" yaml:"lid"`
	GID              string `json:"gid" yaml:"gid"`
	MTU              int    `json:"mtu" yaml:"mtu"`
	MaxMessageSize   uint32 `json:"max_message_size" yaml:"max_message_size"`
	QPN              uint32 `json:"qpn" yaml:"qpn"`
	SetupInformation string `json:"setup_information" yaml:"setup_information"`
}

// NewAddressCmd creates the address command
func NewAddressCmd(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Resolve the local address of a device port",
		Long: `Open the selected device, resolve the address of its port and GID
index, and print the setup information a peer needs to connect, both
decoded and as the hex of its 32-byte wire encoding.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := g.OpenBinding()
			if err != nil {
				return err
			}
			defer closeBinding(b)

			ep, err := rdma.NewEndpoint(b, g.Config.RDMA.EndpointConfig())
			if err != nil {
				return err
			}
			defer ep.Close()

			view, err := newAddressView(ep.DeviceName(), ep.Address(), ep.SetupInformation())
			if err != nil {
				return err
			}

			return render(cmd.OutOrStdout(), g.Output, view, func(tw *tabwriter.Writer) {
				_, _ = fmt.Fprintf(tw, "DEVICE\t%s\n", view.Device)
				_, _ = fmt.Fprintf(tw, "PORT\t%d\n", view.Port)
				_, _ = fmt.Fprintf(tw, "GID INDEX\t%d\n", view.GIDIndex)
				_, _ = fmt.Fprintf(tw, "LID\t%d\n", view.LID)
				_, _ = fmt.Fprintf(tw, "GID\t%s\n", view.GID)
				_, _ = fmt.Fprintf(tw, "MTU\t%d\n", view.MTU)
				_, _ = fmt.Fprintf(tw, "MAX MESSAGE\t%d\n", view.MaxMessageSize)
				_, _ = fmt.Fprintf(tw, "QPN\t%#x\n", view.QPN)
				_, _ = fmt.Fprintf(tw, "SETUP\t%s\n", view.SetupInformation)
			})
		},
	}
}

func newAddressView(device string, addr ibv.Address, info ibv.SetupInformation) (addressView, error) {
	wire, err := info.MarshalBinary()
	if err != nil {
		return addressView{}, err
	}
	return addressView{
		Device:           device,
		Port:             addr.PortNum,
		GIDIndex:         addr.GIDIndex,
		LID:              addr.LID,
		GID:              addr.GID.String(),
		MTU:              addr.MTU.Bytes(),
		MaxMessageSize:   addr.MaxMessageSize,
		QPN:              info.QPN,
		SetupInformation: hex.EncodeToString(wire),
	}, nil
}
