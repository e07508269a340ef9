package rdma

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/tensorwire/internal/ibv"
	"github.com/piwi3910/tensorwire/internal/metrics"
)

// Endpoint is one side of a reliable connection: an opened device with a
// protection domain, a completion queue shared by send and receive, a
// shared receive queue, a registered buffer and a queue pair.
//
// An Endpoint is not safe for concurrent use.
type Endpoint struct {
	binding *ibv.Binding
	device  string
	addr    ibv.Address
	ctx     *ibv.Context
	pd      *ibv.ProtectionDomain
	cq      *ibv.CompletionQueue
	srq     *ibv.SharedReceiveQueue
	buf     *ibv.MappedBuffer
	mr      *ibv.MemoryRegion
	qp      *ibv.QueuePair
	closed  bool
}

// NewEndpoint enumerates the devices of b, opens the one selected by cfg
// and creates the resources of an unconnected endpoint. On failure every
// resource created so far is released.
func NewEndpoint(b *ibv.Binding, cfg *Config) (*Endpoint, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ep := &Endpoint{binding: b}
	if err := ep.open(cfg); err != nil {
		ep.release()
		return nil, err
	}

	metrics.IncrementEndpointsActive()
	log.Info().
		Str("device", ep.device).
		Uint8("port", ep.addr.PortNum).
		Uint32("qpn", ep.qp.Num()).
		Stringer("gid", ep.addr.GID).
		Stringer("mtu", ep.addr.MTU).
		Msg("RDMA endpoint ready")

	return ep, nil
}

func (ep *Endpoint) open(cfg *Config) error {
	list, err := ibv.Enumerate(ep.binding, cfg.Port)
	if err != nil {
		return err
	}
	// The context stays valid once the list is gone.
	defer list.Reset()

	dev, err := selectDevice(list, cfg)
	if err != nil {
		return err
	}
	ep.device = dev.Name()

	if ep.ctx, err = ibv.CreateContext(ep.binding, dev); err != nil {
		return err
	}
	if ep.addr, err = ibv.MakeAddress(ep.binding, ep.ctx, cfg.Port, cfg.GIDIndex); err != nil {
		return err
	}
	if ep.pd, err = ibv.CreateProtectionDomain(ep.binding, ep.ctx); err != nil {
		return err
	}
	if ep.cq, err = ibv.CreateCompletionQueue(ep.binding, ep.ctx, cfg.CompletionQueueSize, 0); err != nil {
		return err
	}
	ep.srq, err = ibv.CreateSharedReceiveQueue(ep.binding, ep.pd, ibv.SRQInitAttr{
		MaxWR:  cfg.SRQMaxWR,
		MaxSGE: cfg.MaxSGE,
	})
	if err != nil {
		return err
	}
	if ep.buf, err = ibv.AllocateBuffer(cfg.MemoryRegionSize); err != nil {
		return err
	}
	ep.mr, err = ibv.CreateMemoryRegion(ep.binding, ep.pd, ep.buf.Bytes(),
		ibv.AccessLocalWrite|ibv.AccessRemoteWrite)
	if err != nil {
		return err
	}
	ep.qp, err = ibv.CreateQueuePair(ep.binding, ep.pd, ibv.QueuePairInit{
		SendCQ: ep.cq,
		RecvCQ: ep.cq,
		SRQ:    ep.srq,
		Cap: ibv.QPCap{
			MaxSendWR:  cfg.SendQueueDepth,
			MaxRecvWR:  cfg.RecvQueueDepth,
			MaxSendSGE: cfg.MaxSGE,
			MaxRecvSGE: cfg.MaxSGE,
		},
	})
	return err
}

// selectDevice picks the first available device unless cfg names one.
func selectDevice(list *ibv.DeviceList, cfg *Config) (ibv.Device, error) {
	if list.Len() == 0 {
		return ibv.Device{}, ErrRDMANotAvailable
	}
	if cfg.DeviceName != "" {
		dev, ok := list.Lookup(cfg.DeviceName)
		if !ok {
			return ibv.Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, cfg.DeviceName)
		}
		return dev, nil
	}
	dev, err := list.Device(cfg.DeviceIndex)
	if err != nil {
		return ibv.Device{}, fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
	}
	return dev, nil
}

// DeviceName is the name of the device the endpoint was opened on.
func (ep *Endpoint) DeviceName() string {
	return ep.device
}

// Address is the resolved local address.
func (ep *Endpoint) Address() ibv.Address {
	return ep.addr
}

// MemoryRegion is the registered buffer the peer may write to.
func (ep *Endpoint) MemoryRegion() *ibv.MemoryRegion {
	return ep.mr
}

// State is the state of the endpoint's queue pair.
func (ep *Endpoint) State() ibv.QPState {
	return ep.qp.State()
}

// SetupInformation is what the peer needs to connect to this endpoint.
func (ep *Endpoint) SetupInformation() ibv.SetupInformation {
	return ibv.MakeSetupInformation(ep.addr, ep.qp)
}

// Connect drives the queue pair to RTS against the peer described by remote.
func (ep *Endpoint) Connect(remote ibv.SetupInformation) error {
	if ep.closed {
		return ErrEndpointClosed
	}
	if err := ep.qp.ToInit(ep.addr); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if err := ep.qp.ToReadyToReceive(ep.addr, remote); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if err := ep.qp.ToReadyToSend(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	log.Debug().
		Str("device", ep.device).
		Uint32("qpn", ep.qp.Num()).
		Uint32("remote_qpn", remote.QPN).
		Stringer("remote_gid", remote.GID).
		Msg("RDMA endpoint connected")
	return nil
}

// Disconnect moves the queue pair to ERROR, flushing outstanding work.
func (ep *Endpoint) Disconnect() error {
	if ep.closed {
		return ErrEndpointClosed
	}
	return ep.qp.ToError()
}

// Close releases every resource in reverse order of creation. Calling it
// more than once is a no-op.
func (ep *Endpoint) Close() {
	if ep.closed {
		return
	}
	ep.closed = true
	ep.release()
	metrics.DecrementEndpointsActive()
}

func (ep *Endpoint) release() {
	if ep.qp != nil {
		ep.qp.Close()
	}
	if ep.mr != nil {
		ep.mr.Close()
	}
	if ep.buf != nil {
		if err := ep.buf.Close(); err != nil {
			log.Warn().Err(err).Str("device", ep.device).Msg("Failed to unmap RDMA buffer")
		}
	}
	if ep.srq != nil {
		ep.srq.Close()
	}
	if ep.cq != nil {
		ep.cq.Close()
	}
	if ep.pd != nil {
		ep.pd.Close()
	}
	if ep.ctx != nil {
		ep.ctx.Close()
	}
}
