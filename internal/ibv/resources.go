package ibv

import (
	"unsafe"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/tensorwire/internal/metrics"
)

// Context is an opened device.
type Context struct {
	h    handle[VerbsContext]
	name string
}

// CreateContext opens dev. dev must come from a DeviceList that has not
// been reset.
func CreateContext(b *Binding, dev Device) (*Context, error) {
	raw, err := dev.native()
	if err != nil {
		return nil, err
	}
	if err := b.owns(dev.list.binding); err != nil {
		return nil, err
	}
	return openContext(b, raw, dev.name)
}

func openContext(b *Binding, raw VerbsDevice, name string) (*Context, error) {
	native, err := b.lib.OpenDevice(raw)
	if err != nil {
		metrics.RecordCreateFailure(KindContext)
		return nil, systemError("ibv_open_device", err)
	}
	c := &Context{name: name}
	c.h.init(b, KindContext, native, b.lib.CloseDevice)
	log.Debug().Str("device", name).Msg("Opened RDMA device context")
	return c, nil
}

// DeviceName is the name of the device the context was opened on.
func (c *Context) DeviceName() string {
	return c.name
}

// Binding returns the driver binding that created c.
func (c *Context) Binding() *Binding {
	return c.h.binding
}

// Close releases the context. Calling it more than once is a no-op.
func (c *Context) Close() {
	c.h.close()
}

// ProtectionDomain groups memory regions and queue pairs.
type ProtectionDomain struct {
	h handle[VerbsPD]
}

// CreateProtectionDomain allocates a protection domain on ctx.
func CreateProtectionDomain(b *Binding, ctx *Context) (*ProtectionDomain, error) {
	if err := b.owns(ctx.h.binding); err != nil {
		return nil, err
	}
	rawCtx, err := ctx.h.get()
	if err != nil {
		return nil, err
	}
	native, err := b.lib.AllocPD(rawCtx)
	if err != nil {
		metrics.RecordCreateFailure(KindProtectionDomain)
		return nil, systemError("ibv_alloc_pd", err)
	}
	pd := &ProtectionDomain{}
	pd.h.init(b, KindProtectionDomain, native, b.lib.DeallocPD)
	return pd, nil
}

// Close releases the protection domain. Calling it more than once is a no-op.
func (pd *ProtectionDomain) Close() {
	pd.h.close()
}

// CompletionQueue collects work completions.
type CompletionQueue struct {
	h   handle[VerbsCQ]
	cqe int
}

// CreateCompletionQueue creates a completion queue with at least cqe entries.
func CreateCompletionQueue(b *Binding, ctx *Context, cqe int, compVector int) (*CompletionQueue, error) {
	if err := b.owns(ctx.h.binding); err != nil {
		return nil, err
	}
	rawCtx, err := ctx.h.get()
	if err != nil {
		return nil, err
	}
	native, err := b.lib.CreateCQ(rawCtx, cqe, compVector)
	if err != nil {
		metrics.RecordCreateFailure(KindCompletionQueue)
		return nil, systemError("ibv_create_cq", err)
	}
	cq := &CompletionQueue{cqe: cqe}
	cq.h.init(b, KindCompletionQueue, native, b.lib.DestroyCQ)
	return cq, nil
}

// Size is the number of entries requested at creation.
func (cq *CompletionQueue) Size() int {
	return cq.cqe
}

// Close destroys the completion queue. Calling it more than once is a no-op.
func (cq *CompletionQueue) Close() {
	cq.h.close()
}

// SharedReceiveQueue is a receive queue shared by several queue pairs.
type SharedReceiveQueue struct {
	h    handle[VerbsSRQ]
	attr SRQInitAttr
}

// CreateSharedReceiveQueue creates a shared receive queue in pd.
func CreateSharedReceiveQueue(b *Binding, pd *ProtectionDomain, attr SRQInitAttr) (*SharedReceiveQueue, error) {
	if err := b.owns(pd.h.binding); err != nil {
		return nil, err
	}
	rawPD, err := pd.h.get()
	if err != nil {
		return nil, err
	}
	native, err := b.lib.CreateSRQ(rawPD, attr)
	if err != nil {
		metrics.RecordCreateFailure(KindSharedReceiveQueue)
		return nil, systemError("ibv_create_srq", err)
	}
	srq := &SharedReceiveQueue{attr: attr}
	srq.h.init(b, KindSharedReceiveQueue, native, b.lib.DestroySRQ)
	return srq, nil
}

// Close destroys the shared receive queue. Calling it more than once is a no-op.
func (srq *SharedReceiveQueue) Close() {
	srq.h.close()
}

// MemoryRegion is a buffer registered with the device.
type MemoryRegion struct {
	h      handle[VerbsMR]
	keys   MRKeys
	addr   uintptr
	length int
}

// CreateMemoryRegion registers buf with pd. The driver keeps referring to
// buf until the region is closed, so buf must not be Go heap memory; use
// a MappedBuffer.
func CreateMemoryRegion(b *Binding, pd *ProtectionDomain, buf []byte, access AccessFlags) (*MemoryRegion, error) {
	if err := b.owns(pd.h.binding); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, ErrEmptyBuffer
	}
	rawPD, err := pd.h.get()
	if err != nil {
		return nil, err
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))
	native, keys, err := b.lib.RegMR(rawPD, addr, len(buf), access)
	if err != nil {
		metrics.RecordCreateFailure(KindMemoryRegion)
		return nil, systemError("ibv_reg_mr", err)
	}
	mr := &MemoryRegion{keys: keys, addr: addr, length: len(buf)}
	mr.h.init(b, KindMemoryRegion, native, b.lib.DeregMR)
	return mr, nil
}

// LKey is the local key of the region.
func (mr *MemoryRegion) LKey() uint32 {
	return mr.keys.LKey
}

// RKey is the remote key of the region.
func (mr *MemoryRegion) RKey() uint32 {
	return mr.keys.RKey
}

// Addr is the start address of the registered buffer.
func (mr *MemoryRegion) Addr() uintptr {
	return mr.addr
}

// Len is the length of the registered buffer.
func (mr *MemoryRegion) Len() int {
	return mr.length
}

// Close deregisters the region. Calling it more than once is a no-op.
func (mr *MemoryRegion) Close() {
	mr.h.close()
}

// QueuePairInit describes a reliable-connection queue pair to create.
// SRQ is optional; when set, receives are taken from it.
type QueuePairInit struct {
	SendCQ *CompletionQueue
	RecvCQ *CompletionQueue
	SRQ    *SharedReceiveQueue
	Cap    QPCap
	Type   QPType
	SigAll bool
}

// CreateQueuePair creates a queue pair in pd. The new pair is in the
// Reset state. A zero Type means QPTypeRC.
func CreateQueuePair(b *Binding, pd *ProtectionDomain, init QueuePairInit) (*QueuePair, error) {
	if init.Type == 0 {
		init.Type = QPTypeRC
	}
	if init.Type != QPTypeRC {
		return nil, ErrUnsupportedQPType
	}
	if err := b.owns(pd.h.binding); err != nil {
		return nil, err
	}
	rawPD, err := pd.h.get()
	if err != nil {
		return nil, err
	}
	attr := QPInitAttr{Cap: init.Cap, Type: init.Type, SigAll: init.SigAll}
	if attr.SendCQ, err = cqNative(b, init.SendCQ); err != nil {
		return nil, err
	}
	if attr.RecvCQ, err = cqNative(b, init.RecvCQ); err != nil {
		return nil, err
	}
	if init.SRQ != nil {
		if err := b.owns(init.SRQ.h.binding); err != nil {
			return nil, err
		}
		if attr.SRQ, err = init.SRQ.h.get(); err != nil {
			return nil, err
		}
	}
	native, num, err := b.lib.CreateQP(rawPD, attr)
	if err != nil {
		metrics.RecordCreateFailure(KindQueuePair)
		return nil, systemError("ibv_create_qp", err)
	}
	qp := &QueuePair{num: num, state: QPStateReset}
	qp.h.init(b, KindQueuePair, native, b.lib.DestroyQP)
	log.Debug().Uint32("qpn", num).Msg("Created queue pair")
	return qp, nil
}

func cqNative(b *Binding, cq *CompletionQueue) (VerbsCQ, error) {
	if cq == nil {
		return 0, nil
	}
	if err := b.owns(cq.h.binding); err != nil {
		return 0, err
	}
	return cq.h.get()
}
