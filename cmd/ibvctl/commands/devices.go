package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/tensorwire/internal/hardware"
	"github.com/piwi3910/tensorwire/internal/ibv"
)

type deviceView struct {
	Name           string `json:"name" yaml:"name"`
	LinkLayer      string `json:"link_layer" yaml:"link_layer"`
	State          string `json:"state" yaml:"state"`
	LID            uint16 `json:"lid" yaml:"lid"`
	ActiveMTU      int    `json:"active_mtu" yaml:"active_mtu"`
	MaxMessageSize uint32 `json:"max_message_size" yaml:"max_message_size"`
	Firmware       string `json:"firmware,omitempty" yaml:"firmware,omitempty"`
	BoardID        string `json:"board_id,omitempty" yaml:"board_id,omitempty"`
	NodeType       string `json:"node_type,omitempty" yaml:"node_type,omitempty"`
	NodeGUID       string `json:"node_guid,omitempty" yaml:"node_guid,omitempty"`
	SysImageGUID   string `json:"sys_image_guid,omitempty" yaml:"sys_image_guid,omitempty"`
	PCIPath        string `json:"pci_path,omitempty" yaml:"pci_path,omitempty"`
	PhysState      string `json:"phys_state,omitempty" yaml:"phys_state,omitempty"`
	SpeedGbps      uint64 `json:"speed_gbps,omitempty" yaml:"speed_gbps,omitempty"`
}

// NewDevicesCmd creates the devices command
func NewDevicesCmd(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List RDMA devices with an active port",
		Long: `List the RDMA devices whose port is ACTIVE with an InfiniBand or
Ethernet link layer, in driver order. Details the driver does not report
(firmware, PCI path) are read from sysfs when available.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			views, err := listDevices(g)
			if err != nil {
				return err
			}

			if len(views) == 0 && g.Output == OutputTable {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No RDMA devices with an active port found")
				return nil
			}

			return render(cmd.OutOrStdout(), g.Output, views, func(tw *tabwriter.Writer) {
				_, _ = fmt.Fprintln(tw, "NAME\tLINK\tSTATE\tLID\tMTU\tFIRMWARE\tPCI")
				for _, v := range views {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
						v.Name, v.LinkLayer, okFmt(v.State), v.LID, v.ActiveMTU,
						orDash(v.Firmware), orDash(v.PCIPath))
				}
			})
		},
	}
}

func listDevices(g *Globals) ([]deviceView, error) {
	b, err := g.OpenBinding()
	if err != nil {
		return nil, err
	}
	defer closeBinding(b)

	portNum := g.Config.RDMA.PortNum
	list, err := ibv.Enumerate(b, uint8(portNum)) //nolint:gosec // G115: range checked by config
	if err != nil {
		if ibv.IsModuleMissing(err) {
			return nil, fmt.Errorf("RDMA kernel module isn't loaded: %w", err)
		}
		return nil, err
	}
	defer list.Reset()

	detector := hardware.NewDetector(g.Config.RDMA.SysfsRoot)
	detector.Refresh()
	if !detector.HasRDMA() {
		log.Debug().Str("root", g.Config.RDMA.SysfsRoot).Msg("No sysfs RDMA inventory, devices are not annotated")
	}

	views := make([]deviceView, 0, list.Len())
	for _, d := range list.Devices() {
		port := d.Port()
		v := deviceView{
			Name:           d.Name(),
			LinkLayer:      port.LinkLayer.String(),
			State:          port.State.String(),
			LID:            port.LID,
			ActiveMTU:      port.ActiveMTU.Bytes(),
			MaxMessageSize: port.MaxMessageSize,
		}
		if info, ok := detector.Lookup(d.Name()); ok {
			v.Firmware = info.FirmwareVer
			v.BoardID = info.BoardID
			v.NodeType = info.NodeType
			v.NodeGUID = info.NodeGUID
			v.SysImageGUID = info.SysImageGUID
			v.PCIPath = info.PCIPath
			if p, ok := info.Port(portNum); ok {
				v.PhysState = p.PhysState
				v.SpeedGbps = p.Speed
			}
		}
		views = append(views, v)
	}
	return views, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
