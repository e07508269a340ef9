//go:build rdma_hw

package ibv

/*
#cgo LDFLAGS: -libverbs
#include <stdlib.h>
#include <string.h>
#include <errno.h>
#include <infiniband/verbs.h>

static struct ibv_device *tw_device_at(struct ibv_device **list, int i) {
	return list[i];
}

// ibv_query_port and ibv_reg_mr are macros in recent rdma-core releases.
static int tw_query_port(struct ibv_context *ctx, uint8_t port, struct ibv_port_attr *attr) {
	return ibv_query_port(ctx, port, attr);
}

static int tw_query_gid(struct ibv_context *ctx, uint8_t port, int index, uint8_t *out) {
	union ibv_gid gid;
	int rc = ibv_query_gid(ctx, port, index, &gid);
	if (rc == 0) {
		memcpy(out, gid.raw, sizeof(gid.raw));
	}
	return rc;
}

static struct ibv_mr *tw_reg_mr(struct ibv_pd *pd, uintptr_t addr, size_t length, int access) {
	return ibv_reg_mr(pd, (void *)addr, length, access);
}

static void tw_set_dgid(struct ibv_qp_attr *attr, const uint8_t *gid) {
	memcpy(attr->ah_attr.grh.dgid.raw, gid, 16);
}
*/
import "C"

import (
	"syscall"
	"unsafe"

	"github.com/rs/zerolog/log"
)

// verbsLibrary calls libibverbs through cgo.
type verbsLibrary struct{}

// OpenLibrary loads libibverbs and returns a binding to it.
func OpenLibrary() (*Binding, error) {
	// ibv_fork_init must run before any other libibverbs call.
	if rc := C.ibv_fork_init(); rc != 0 {
		log.Warn().Int("rc", int(rc)).Msg("ibv_fork_init failed, continuing without fork support")
	}
	return NewBinding(verbsLibrary{}), nil
}

// rcErr converts an int return code. libibverbs returns the errno value
// directly from most calls; a negative code falls back to errno.
func rcErr(rc C.int, errno error) error {
	switch {
	case rc == 0:
		return nil
	case rc > 0:
		return syscall.Errno(rc)
	case errno != nil:
		return errno
	default:
		return syscall.EIO
	}
}

// ptrErr returns the errno captured alongside a NULL result.
func ptrErr(errno error) error {
	if errno != nil {
		return errno
	}
	return syscall.EIO
}

func (verbsLibrary) GetDeviceList() (VerbsDeviceList, []VerbsDevice, error) {
	var n C.int
	list, errno := C.ibv_get_device_list(&n)
	if list == nil {
		return 0, nil, ptrErr(errno)
	}
	devices := make([]VerbsDevice, int(n))
	for i := range devices {
		devices[i] = VerbsDevice(uintptr(unsafe.Pointer(C.tw_device_at(list, C.int(i)))))
	}
	return VerbsDeviceList(uintptr(unsafe.Pointer(list))), devices, nil
}

func (verbsLibrary) FreeDeviceList(list VerbsDeviceList) {
	C.ibv_free_device_list((**C.struct_ibv_device)(unsafe.Pointer(uintptr(list))))
}

func (verbsLibrary) DeviceName(dev VerbsDevice) string {
	return C.GoString(C.ibv_get_device_name(cDevice(dev)))
}

func (verbsLibrary) OpenDevice(dev VerbsDevice) (VerbsContext, error) {
	ctx, errno := C.ibv_open_device(cDevice(dev))
	if ctx == nil {
		return 0, ptrErr(errno)
	}
	return VerbsContext(uintptr(unsafe.Pointer(ctx))), nil
}

func (verbsLibrary) CloseDevice(ctx VerbsContext) error {
	rc, errno := C.ibv_close_device(cContext(ctx))
	return rcErr(rc, errno)
}

func (verbsLibrary) QueryPort(ctx VerbsContext, portNum uint8) (PortAttr, error) {
	var attr C.struct_ibv_port_attr
	rc, errno := C.tw_query_port(cContext(ctx), C.uint8_t(portNum), &attr)
	if err := rcErr(rc, errno); err != nil {
		return PortAttr{}, err
	}
	return PortAttr{
		State:          PortState(attr.state),
		MaxMTU:         MTU(attr.max_mtu),
		ActiveMTU:      MTU(attr.active_mtu),
		LID:            uint16(attr.lid),
		LinkLayer:      LinkLayer(attr.link_layer),
		MaxMessageSize: uint32(attr.max_msg_sz),
		GIDTableLen:    int(attr.gid_tbl_len),
	}, nil
}

func (verbsLibrary) QueryGID(ctx VerbsContext, portNum uint8, index int) (GID, error) {
	var gid GID
	rc, errno := C.tw_query_gid(cContext(ctx), C.uint8_t(portNum), C.int(index), (*C.uint8_t)(unsafe.Pointer(&gid[0])))
	if err := rcErr(rc, errno); err != nil {
		return GID{}, err
	}
	return gid, nil
}

func (verbsLibrary) AllocPD(ctx VerbsContext) (VerbsPD, error) {
	pd, errno := C.ibv_alloc_pd(cContext(ctx))
	if pd == nil {
		return 0, ptrErr(errno)
	}
	return VerbsPD(uintptr(unsafe.Pointer(pd))), nil
}

func (verbsLibrary) DeallocPD(pd VerbsPD) error {
	rc, errno := C.ibv_dealloc_pd(cPD(pd))
	return rcErr(rc, errno)
}

func (verbsLibrary) CreateCQ(ctx VerbsContext, cqe int, compVector int) (VerbsCQ, error) {
	cq, errno := C.ibv_create_cq(cContext(ctx), C.int(cqe), nil, nil, C.int(compVector))
	if cq == nil {
		return 0, ptrErr(errno)
	}
	return VerbsCQ(uintptr(unsafe.Pointer(cq))), nil
}

func (verbsLibrary) DestroyCQ(cq VerbsCQ) error {
	rc, errno := C.ibv_destroy_cq(cCQ(cq))
	return rcErr(rc, errno)
}

func (verbsLibrary) CreateSRQ(pd VerbsPD, attr SRQInitAttr) (VerbsSRQ, error) {
	var init C.struct_ibv_srq_init_attr
	init.attr.max_wr = C.uint32_t(attr.MaxWR)
	init.attr.max_sge = C.uint32_t(attr.MaxSGE)
	init.attr.srq_limit = C.uint32_t(attr.SRQLimit)
	srq, errno := C.ibv_create_srq(cPD(pd), &init)
	if srq == nil {
		return 0, ptrErr(errno)
	}
	return VerbsSRQ(uintptr(unsafe.Pointer(srq))), nil
}

func (verbsLibrary) DestroySRQ(srq VerbsSRQ) error {
	rc, errno := C.ibv_destroy_srq(cSRQ(srq))
	return rcErr(rc, errno)
}

func (verbsLibrary) RegMR(pd VerbsPD, addr uintptr, length int, access AccessFlags) (VerbsMR, MRKeys, error) {
	mr, errno := C.tw_reg_mr(cPD(pd), C.uintptr_t(addr), C.size_t(length), C.int(access))
	if mr == nil {
		return 0, MRKeys{}, ptrErr(errno)
	}
	keys := MRKeys{LKey: uint32(mr.lkey), RKey: uint32(mr.rkey)}
	return VerbsMR(uintptr(unsafe.Pointer(mr))), keys, nil
}

func (verbsLibrary) DeregMR(mr VerbsMR) error {
	rc, errno := C.ibv_dereg_mr(cMR(mr))
	return rcErr(rc, errno)
}

func (verbsLibrary) CreateQP(pd VerbsPD, attr QPInitAttr) (VerbsQP, uint32, error) {
	var init C.struct_ibv_qp_init_attr
	init.send_cq = cCQ(attr.SendCQ)
	init.recv_cq = cCQ(attr.RecvCQ)
	if attr.SRQ != 0 {
		init.srq = cSRQ(attr.SRQ)
	}
	init.cap.max_send_wr = C.uint32_t(attr.Cap.MaxSendWR)
	init.cap.max_recv_wr = C.uint32_t(attr.Cap.MaxRecvWR)
	init.cap.max_send_sge = C.uint32_t(attr.Cap.MaxSendSGE)
	init.cap.max_recv_sge = C.uint32_t(attr.Cap.MaxRecvSGE)
	init.cap.max_inline_data = C.uint32_t(attr.Cap.MaxInlineData)
	init.qp_type = C.enum_ibv_qp_type(attr.Type)
	if attr.SigAll {
		init.sq_sig_all = 1
	}
	qp, errno := C.ibv_create_qp(cPD(pd), &init)
	if qp == nil {
		return 0, 0, ptrErr(errno)
	}
	return VerbsQP(uintptr(unsafe.Pointer(qp))), uint32(qp.qp_num), nil
}

func (verbsLibrary) DestroyQP(qp VerbsQP) error {
	rc, errno := C.ibv_destroy_qp(cQP(qp))
	return rcErr(rc, errno)
}

func (verbsLibrary) ModifyQP(qp VerbsQP, attr *QPAttr, mask QPAttrMask) error {
	var a C.struct_ibv_qp_attr
	a.qp_state = C.enum_ibv_qp_state(attr.State)
	a.path_mtu = C.enum_ibv_mtu(attr.PathMTU)
	a.rq_psn = C.uint32_t(attr.RQPSN)
	a.sq_psn = C.uint32_t(attr.SQPSN)
	a.dest_qp_num = C.uint32_t(attr.DestQPN)
	a.qp_access_flags = C.uint(attr.AccessFlags)
	a.pkey_index = C.uint16_t(attr.PKeyIndex)
	a.max_rd_atomic = C.uint8_t(attr.MaxRdAtomic)
	a.max_dest_rd_atomic = C.uint8_t(attr.MaxDestRdAtomic)
	a.min_rnr_timer = C.uint8_t(attr.MinRNRTimer)
	a.port_num = C.uint8_t(attr.PortNum)
	a.timeout = C.uint8_t(attr.Timeout)
	a.retry_cnt = C.uint8_t(attr.RetryCnt)
	a.rnr_retry = C.uint8_t(attr.RNRRetry)

	a.ah_attr.dlid = C.uint16_t(attr.AH.DLID)
	a.ah_attr.sl = C.uint8_t(attr.AH.SL)
	a.ah_attr.src_path_bits = C.uint8_t(attr.AH.SrcPathBits)
	a.ah_attr.static_rate = C.uint8_t(attr.AH.StaticRate)
	a.ah_attr.port_num = C.uint8_t(attr.AH.PortNum)
	if attr.AH.IsGlobal {
		a.ah_attr.is_global = 1
		a.ah_attr.grh.flow_label = C.uint32_t(attr.AH.GRH.FlowLabel)
		a.ah_attr.grh.sgid_index = C.uint8_t(attr.AH.GRH.SGIDIndex)
		a.ah_attr.grh.hop_limit = C.uint8_t(attr.AH.GRH.HopLimit)
		a.ah_attr.grh.traffic_class = C.uint8_t(attr.AH.GRH.TrafficClass)
		C.tw_set_dgid(&a, (*C.uint8_t)(unsafe.Pointer(&attr.AH.GRH.DGID[0])))
	}

	rc, errno := C.ibv_modify_qp(cQP(qp), &a, C.int(mask))
	return rcErr(rc, errno)
}

func cDevice(d VerbsDevice) *C.struct_ibv_device {
	return (*C.struct_ibv_device)(unsafe.Pointer(uintptr(d)))
}

func cContext(c VerbsContext) *C.struct_ibv_context {
	return (*C.struct_ibv_context)(unsafe.Pointer(uintptr(c)))
}

func cPD(pd VerbsPD) *C.struct_ibv_pd {
	return (*C.struct_ibv_pd)(unsafe.Pointer(uintptr(pd)))
}

func cCQ(cq VerbsCQ) *C.struct_ibv_cq {
	return (*C.struct_ibv_cq)(unsafe.Pointer(uintptr(cq)))
}

func cSRQ(srq VerbsSRQ) *C.struct_ibv_srq {
	return (*C.struct_ibv_srq)(unsafe.Pointer(uintptr(srq)))
}

func cMR(mr VerbsMR) *C.struct_ibv_mr {
	return (*C.struct_ibv_mr)(unsafe.Pointer(uintptr(mr)))
}

func cQP(qp VerbsQP) *C.struct_ibv_qp {
	return (*C.struct_ibv_qp)(unsafe.Pointer(uintptr(qp)))
}
