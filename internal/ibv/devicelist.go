package ibv

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/tensorwire/internal/metrics"
)

// DefaultPortNum is the port queried when the caller does not pick one.
const DefaultPortNum uint8 = 1

// Skip reasons reported by Enumerate.
const (
	SkipOpenFailed    = "open_failed"
	SkipLinkLayer     = "unsupported_link_layer"
	SkipPortNotActive = "port_not_active"
)

// DeviceList is the result of one enumeration. It owns the driver's raw
// device list; the devices it exposes are only those whose port passed the
// filter. Reset frees the raw list and invalidates every Device taken from it.
type DeviceList struct {
	_         noCopy
	binding   *Binding
	raw       VerbsDeviceList
	devices   []VerbsDevice
	available []Device
	released  bool
}

// Device is a reference into a DeviceList. It is only usable while the
// list it came from has not been reset.
type Device struct {
	list  *DeviceList
	index int
	name  string
	port  PortAttr
}

// Name is the driver name of the device, e.g. "mlx5_0".
func (d Device) Name() string {
	return d.name
}

// Port is the attributes of the enumerated port as seen during enumeration.
func (d Device) Port() PortAttr {
	return d.port
}

// Valid reports whether the owning list is still live.
func (d Device) Valid() bool {
	return d.list != nil && !d.list.released
}

func (d Device) native() (VerbsDevice, error) {
	if !d.Valid() {
		return 0, ErrDeviceListReleased
	}
	return d.list.devices[d.index], nil
}

// Enumerate lists the driver's devices and keeps those whose port portNum
// has an InfiniBand or Ethernet link layer and is ACTIVE, in list order.
// Devices that fail to open are skipped.
func Enumerate(b *Binding, portNum uint8) (*DeviceList, error) {
	if err := b.usable(); err != nil {
		return nil, err
	}

	raw, devices, err := b.lib.GetDeviceList()
	if err != nil {
		return nil, deviceListError(err)
	}

	list := &DeviceList{
		binding: b,
		raw:     raw,
		devices: devices,
	}
	b.lists.Add(1)

	for i, dev := range devices {
		name := b.lib.DeviceName(dev)
		attr, ok, err := probeDevice(b, dev, name, portNum)
		if err != nil {
			list.Reset()
			return nil, err
		}
		if !ok {
			continue
		}
		list.available = append(list.available, Device{
			list:  list,
			index: i,
			name:  name,
			port:  attr,
		})
	}

	metrics.SetDevicesAvailable(len(list.available))
	log.Debug().
		Int("devices", len(devices)).
		Int("available", len(list.available)).
		Uint8("port", portNum).
		Msg("Enumerated RDMA devices")

	return list, nil
}

// probeDevice opens dev transiently and checks its port. The transient
// context is closed before returning on every path.
func probeDevice(b *Binding, dev VerbsDevice, name string, portNum uint8) (PortAttr, bool, error) {
	ctx, err := openContext(b, dev, name)
	if err != nil {
		log.Debug().Err(err).Str("device", name).Msg("Failed to open RDMA device, skipping")
		metrics.RecordDeviceSkipped(SkipOpenFailed)
		return PortAttr{}, false, nil
	}
	defer ctx.Close()

	attr, err := b.lib.QueryPort(ctx.h.raw, portNum)
	if err != nil {
		return PortAttr{}, false, systemError("ibv_query_port", err)
	}

	if attr.LinkLayer != LinkLayerInfiniBand && attr.LinkLayer != LinkLayerEthernet {
		log.Debug().
			Str("device", name).
			Uint8("port", portNum).
			Stringer("link_layer", attr.LinkLayer).
			Msg("RDMA device link layer is neither InfiniBand nor Ethernet, skipping")
		metrics.RecordDeviceSkipped(SkipLinkLayer)
		return attr, false, nil
	}

	if attr.State != PortActive {
		log.Debug().
			Str("device", name).
			Uint8("port", portNum).
			Stringer("state", attr.State).
			Msg("RDMA device port is not active, skipping")
		metrics.RecordDeviceSkipped(SkipPortNotActive)
		return attr, false, nil
	}

	return attr, true, nil
}

// Len is the number of available devices, or 0 after Reset.
func (l *DeviceList) Len() int {
	if l.released {
		return 0
	}
	return len(l.available)
}

// Device returns the i-th available device.
func (l *DeviceList) Device(i int) (Device, error) {
	if l.released {
		return Device{}, ErrDeviceListReleased
	}
	if i < 0 || i >= len(l.available) {
		return Device{}, fmt.Errorf("%w: %d of %d", ErrDeviceIndex, i, len(l.available))
	}
	return l.available[i], nil
}

// Devices returns a copy of the available devices.
func (l *DeviceList) Devices() []Device {
	if l.released {
		return nil
	}
	out := make([]Device, len(l.available))
	copy(out, l.available)
	return out
}

// Lookup returns the available device with the given name.
func (l *DeviceList) Lookup(name string) (Device, bool) {
	for _, d := range l.Devices() {
		if d.name == name {
			return d, true
		}
	}
	return Device{}, false
}

// Reset frees the raw driver list. It must be called before the list or
// its binding goes away. Calling it more than once is a no-op.
func (l *DeviceList) Reset() {
	if l.released {
		return
	}
	l.released = true
	l.available = nil
	l.devices = nil
	l.binding.lib.FreeDeviceList(l.raw)
	l.binding.lists.Add(-1)
}
