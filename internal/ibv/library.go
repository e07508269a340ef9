package ibv

import (
	"net"
	"strconv"
)

// Native handle types as returned by the driver. They are opaque to this
// package; only the Library that produced them may interpret them.
type (
	VerbsDeviceList uintptr
	VerbsDevice     uintptr
	VerbsContext    uintptr
	VerbsPD         uintptr
	VerbsCQ         uintptr
	VerbsSRQ        uintptr
	VerbsMR         uintptr
	VerbsQP         uintptr
)

// Library is the driver-facing contract. Every call is synchronous and
// blocking. Failures are reported as syscall.Errno values carrying the
// driver's last-error code; some driver versions report a negative code
// from GetDeviceList, which callers must be prepared to see verbatim.
type Library interface {
	GetDeviceList() (VerbsDeviceList, []VerbsDevice, error)
	FreeDeviceList(list VerbsDeviceList)
	DeviceName(dev VerbsDevice) string

	OpenDevice(dev VerbsDevice) (VerbsContext, error)
	CloseDevice(ctx VerbsContext) error
	QueryPort(ctx VerbsContext, portNum uint8) (PortAttr, error)
	QueryGID(ctx VerbsContext, portNum uint8, index int) (GID, error)

	AllocPD(ctx VerbsContext) (VerbsPD, error)
	DeallocPD(pd VerbsPD) error

	CreateCQ(ctx VerbsContext, cqe int, compVector int) (VerbsCQ, error)
	DestroyCQ(cq VerbsCQ) error

	CreateSRQ(pd VerbsPD, attr SRQInitAttr) (VerbsSRQ, error)
	DestroySRQ(srq VerbsSRQ) error

	RegMR(pd VerbsPD, addr uintptr, length int, access AccessFlags) (VerbsMR, MRKeys, error)
	DeregMR(mr VerbsMR) error

	CreateQP(pd VerbsPD, attr QPInitAttr) (VerbsQP, uint32, error)
	DestroyQP(qp VerbsQP) error
	ModifyQP(qp VerbsQP, attr *QPAttr, mask QPAttrMask) error
}

// LinkLayer of a device port.
type LinkLayer uint8

const (
	LinkLayerUnspecified LinkLayer = iota
	LinkLayerInfiniBand
	LinkLayerEthernet
)

func (l LinkLayer) String() string {
	switch l {
	case LinkLayerInfiniBand:
		return "InfiniBand"
	case LinkLayerEthernet:
		return "Ethernet"
	default:
		return "Unspecified"
	}
}

// PortState mirrors enum ibv_port_state.
type PortState uint32

const (
	PortNop PortState = iota
	PortDown
	PortInit
	PortArmed
	PortActive
	PortActiveDefer
)

func (s PortState) String() string {
	switch s {
	case PortNop:
		return "PORT_NOP"
	case PortDown:
		return "PORT_DOWN"
	case PortInit:
		return "PORT_INIT"
	case PortArmed:
		return "PORT_ARMED"
	case PortActive:
		return "PORT_ACTIVE"
	case PortActiveDefer:
		return "PORT_ACTIVE_DEFER"
	default:
		return "PORT_UNKNOWN"
	}
}

// MTU mirrors enum ibv_mtu.
type MTU uint32

const (
	MTU256 MTU = iota + 1
	MTU512
	MTU1024
	MTU2048
	MTU4096
)

// Bytes returns the MTU in bytes, or 0 for an invalid value.
func (m MTU) Bytes() int {
	if !m.Valid() {
		return 0
	}
	return 128 << m
}

// Valid reports whether m is one of the defined MTU values.
func (m MTU) Valid() bool {
	return m >= MTU256 && m <= MTU4096
}

func (m MTU) String() string {
	if !m.Valid() {
		return "MTU_INVALID"
	}
	return "MTU_" + strconv.Itoa(m.Bytes())
}

// GID is a 128-bit global identifier.
type GID [16]byte

func (g GID) String() string {
	return net.IP(g[:]).String()
}

// PortAttr is the subset of ibv_port_attr this package consumes.
type PortAttr struct {
	State          PortState
	MaxMTU         MTU
	ActiveMTU      MTU
	LID            uint16
	LinkLayer      LinkLayer
	MaxMessageSize uint32
	GIDTableLen    int
}

// AccessFlags mirrors enum ibv_access_flags.
type AccessFlags int

const (
	AccessLocalWrite   AccessFlags = 1 << 0
	AccessRemoteWrite  AccessFlags = 1 << 1
	AccessRemoteRead   AccessFlags = 1 << 2
	AccessRemoteAtomic AccessFlags = 1 << 3
)

// MRKeys are the keys the driver assigns to a registered memory region.
type MRKeys struct {
	LKey uint32
	RKey uint32
}

// SRQInitAttr mirrors ibv_srq_init_attr.attr.
type SRQInitAttr struct {
	MaxWR    uint32
	MaxSGE   uint32
	SRQLimit uint32
}

// QPType mirrors enum ibv_qp_type. Only QPTypeRC is accepted by CreateQueuePair.
type QPType uint32

const (
	QPTypeRC QPType = 2
	QPTypeUC QPType = 3
	QPTypeUD QPType = 4
)

// QPCap mirrors ibv_qp_cap.
type QPCap struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSGE    uint32
	MaxRecvSGE    uint32
	MaxInlineData uint32
}

// QPInitAttr is the driver-level queue pair creation request.
type QPInitAttr struct {
	SendCQ VerbsCQ
	RecvCQ VerbsCQ
	SRQ    VerbsSRQ
	Cap    QPCap
	Type   QPType
	SigAll bool
}

// QPAttrMask mirrors enum ibv_qp_attr_mask.
type QPAttrMask int

const (
	QPAttrState            QPAttrMask = 1 << 0
	QPAttrCurState         QPAttrMask = 1 << 1
	QPAttrEnSQDAsyncNotify QPAttrMask = 1 << 2
	QPAttrAccessFlags      QPAttrMask = 1 << 3
	QPAttrPKeyIndex        QPAttrMask = 1 << 4
	QPAttrPort             QPAttrMask = 1 << 5
	QPAttrQKey             QPAttrMask = 1 << 6
	QPAttrAV               QPAttrMask = 1 << 7
	QPAttrPathMTU          QPAttrMask = 1 << 8
	QPAttrTimeout          QPAttrMask = 1 << 9
	QPAttrRetryCnt         QPAttrMask = 1 << 10
	QPAttrRNRRetry         QPAttrMask = 1 << 11
	QPAttrRQPSN            QPAttrMask = 1 << 12
	QPAttrMaxQPRdAtomic    QPAttrMask = 1 << 13
	QPAttrAltPath          QPAttrMask = 1 << 14
	QPAttrMinRNRTimer      QPAttrMask = 1 << 15
	QPAttrSQPSN            QPAttrMask = 1 << 16
	QPAttrMaxDestRdAtomic  QPAttrMask = 1 << 17
	QPAttrPathMigState     QPAttrMask = 1 << 18
	QPAttrCap              QPAttrMask = 1 << 19
	QPAttrDestQPN          QPAttrMask = 1 << 20
)

// DriverQPState mirrors enum ibv_qp_state as the driver sees it.
type DriverQPState uint32

const (
	DriverQPSReset DriverQPState = iota
	DriverQPSInit
	DriverQPSRTR
	DriverQPSRTS
	DriverQPSSQD
	DriverQPSSQE
	DriverQPSErr
)

// GlobalRoute mirrors ibv_global_route.
type GlobalRoute struct {
	DGID         GID
	FlowLabel    uint32
	SGIDIndex    uint8
	HopLimit     uint8
	TrafficClass uint8
}

// AHAttr mirrors ibv_ah_attr.
type AHAttr struct {
	GRH         GlobalRoute
	DLID        uint16
	SL          uint8
	SrcPathBits uint8
	StaticRate  uint8
	IsGlobal    bool
	PortNum     uint8
}

// QPAttr is the subset of ibv_qp_attr used by the RC state machine.
type QPAttr struct {
	State           DriverQPState
	PathMTU         MTU
	RQPSN           uint32
	SQPSN           uint32
	DestQPN         uint32
	AccessFlags     AccessFlags
	AH              AHAttr
	PKeyIndex       uint16
	MaxRdAtomic     uint8
	MaxDestRdAtomic uint8
	MinRNRTimer     uint8
	PortNum         uint8
	Timeout         uint8
	RetryCnt        uint8
	RNRRetry        uint8
}
