package ibv

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Op names a driver call for fault injection on SimulatedLibrary.
type Op string

const (
	OpGetDeviceList Op = "get_device_list"
	OpOpenDevice    Op = "open_device"
	OpCloseDevice   Op = "close_device"
	OpQueryPort     Op = "query_port"
	OpQueryGID      Op = "query_gid"
	OpAllocPD       Op = "alloc_pd"
	OpDeallocPD     Op = "dealloc_pd"
	OpCreateCQ      Op = "create_cq"
	OpDestroyCQ     Op = "destroy_cq"
	OpCreateSRQ     Op = "create_srq"
	OpDestroySRQ    Op = "destroy_srq"
	OpRegMR         Op = "reg_mr"
	OpDeregMR       Op = "dereg_mr"
	OpCreateQP      Op = "create_qp"
	OpDestroyQP     Op = "destroy_qp"
	OpModifyQP      Op = "modify_qp"
)

// SimulatedDevice describes one device exposed by SimulatedLibrary.
type SimulatedDevice struct {
	Name string
	// Port is returned for every port number.
	Port PortAttr
	GIDs []GID
	// OpenErr makes OpenDevice fail for this device only.
	OpenErr error
}

// DefaultSimulatedDevices is a pair of active ConnectX-6 style ports.
func DefaultSimulatedDevices() []SimulatedDevice {
	return []SimulatedDevice{
		{
			Name: "mlx5_0",
			Port: activePort(LinkLayerInfiniBand, 1),
			GIDs: []GID{simulatedGID(1)},
		},
		{
			Name: "mlx5_1",
			Port: activePort(LinkLayerEthernet, 0),
			GIDs: []GID{simulatedGID(2)},
		},
	}
}

func activePort(link LinkLayer, lid uint16) PortAttr {
	return PortAttr{
		State:          PortActive,
		MaxMTU:         MTU4096,
		ActiveMTU:      MTU4096,
		LID:            lid,
		LinkLayer:      link,
		MaxMessageSize: 1 << 30,
		GIDTableLen:    1,
	}
}

// simulatedGID returns fe80::<n>, a link-local GID.
func simulatedGID(n byte) GID {
	var g GID
	g[0], g[1] = 0xfe, 0x80
	g[15] = n
	return g
}

// SimulatedQP is the driver-side view of a simulated queue pair.
type SimulatedQP struct {
	Num   uint32
	State DriverQPState
	Init  QPInitAttr
	Attr  QPAttr
	pd    VerbsPD
}

// SimulatedStats counts calls into a SimulatedLibrary.
type SimulatedStats struct {
	ListsOutstanding   int
	DevicesOpened      int
	DevicesClosed      int
	HandlesOutstanding int
	Releases           int
	ModifyCalls        int
}

// SimulatedLibrary is an in-memory Library for tests and for running the
// tooling on hosts without RDMA hardware. It enforces the driver's own
// queue pair transition rules and rejects releases of unknown handles.
type SimulatedLibrary struct {
	devices    []SimulatedDevice
	lists      map[VerbsDeviceList]struct{}
	contexts   map[VerbsContext]int
	pds        map[VerbsPD]VerbsContext
	cqs        map[VerbsCQ]VerbsContext
	srqs       map[VerbsSRQ]VerbsPD
	mrs        map[VerbsMR]VerbsPD
	qps        map[VerbsQP]*SimulatedQP
	faults     map[Op]error
	stats      SimulatedStats
	nextHandle uintptr
	nextQPN    uint32
	mu         sync.Mutex
}

// NewSimulatedLibrary creates a library exposing devices. With no devices
// it exposes DefaultSimulatedDevices.
func NewSimulatedLibrary(devices ...SimulatedDevice) *SimulatedLibrary {
	if len(devices) == 0 {
		devices = DefaultSimulatedDevices()
	}
	return &SimulatedLibrary{
		devices:  devices,
		lists:    make(map[VerbsDeviceList]struct{}),
		contexts: make(map[VerbsContext]int),
		pds:      make(map[VerbsPD]VerbsContext),
		cqs:      make(map[VerbsCQ]VerbsContext),
		srqs:     make(map[VerbsSRQ]VerbsPD),
		mrs:      make(map[VerbsMR]VerbsPD),
		qps:      make(map[VerbsQP]*SimulatedQP),
		faults:   make(map[Op]error),
		nextQPN:  0x100,
	}
}

// InjectFault makes every later call to op fail with err until cleared.
func (s *SimulatedLibrary) InjectFault(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

// ClearFault removes a fault set by InjectFault.
func (s *SimulatedLibrary) ClearFault(op Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.faults, op)
}

// Stats returns a snapshot of the call counters.
func (s *SimulatedLibrary) Stats() SimulatedStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.ListsOutstanding = len(s.lists)
	st.HandlesOutstanding = len(s.contexts) + len(s.pds) + len(s.cqs) + len(s.srqs) + len(s.mrs) + len(s.qps)
	return st
}

// QueuePair returns the driver-side state of the queue pair numbered qpn.
func (s *SimulatedLibrary) QueuePair(qpn uint32) (SimulatedQP, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, qp := range s.qps {
		if qp.Num == qpn {
			return *qp, true
		}
	}
	return SimulatedQP{}, false
}

func (s *SimulatedLibrary) fault(op Op) error {
	return s.faults[op]
}

func (s *SimulatedLibrary) handle() uintptr {
	s.nextHandle++
	return s.nextHandle
}

func (s *SimulatedLibrary) GetDeviceList() (VerbsDeviceList, []VerbsDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpGetDeviceList); err != nil {
		return 0, nil, err
	}

	list := VerbsDeviceList(s.handle())
	s.lists[list] = struct{}{}

	// Device handles are 1-based indices into s.devices.
	devices := make([]VerbsDevice, len(s.devices))
	for i := range s.devices {
		devices[i] = VerbsDevice(i + 1)
	}
	return list, devices, nil
}

func (s *SimulatedLibrary) FreeDeviceList(list VerbsDeviceList) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lists, list)
}

func (s *SimulatedLibrary) device(dev VerbsDevice) (*SimulatedDevice, bool) {
	i := int(dev) - 1
	if i < 0 || i >= len(s.devices) {
		return nil, false
	}
	return &s.devices[i], true
}

func (s *SimulatedLibrary) DeviceName(dev VerbsDevice) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.device(dev); ok {
		return d.Name
	}
	return ""
}

func (s *SimulatedLibrary) OpenDevice(dev VerbsDevice) (VerbsContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.lists) == 0 {
		return 0, unix.EINVAL
	}
	d, ok := s.device(dev)
	if !ok {
		return 0, unix.ENODEV
	}
	if d.OpenErr != nil {
		return 0, d.OpenErr
	}
	if err := s.fault(OpOpenDevice); err != nil {
		return 0, err
	}

	ctx := VerbsContext(s.handle())
	s.contexts[ctx] = int(dev) - 1
	s.stats.DevicesOpened++
	return ctx, nil
}

func (s *SimulatedLibrary) CloseDevice(ctx VerbsContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpCloseDevice); err != nil {
		return err
	}
	if _, ok := s.contexts[ctx]; !ok {
		return unix.EINVAL
	}
	for _, owner := range s.pds {
		if owner == ctx {
			return unix.EBUSY
		}
	}
	for _, owner := range s.cqs {
		if owner == ctx {
			return unix.EBUSY
		}
	}
	delete(s.contexts, ctx)
	s.stats.DevicesClosed++
	s.stats.Releases++
	return nil
}

func (s *SimulatedLibrary) QueryPort(ctx VerbsContext, portNum uint8) (PortAttr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpQueryPort); err != nil {
		return PortAttr{}, err
	}
	i, ok := s.contexts[ctx]
	if !ok || portNum == 0 {
		return PortAttr{}, unix.EINVAL
	}
	return s.devices[i].Port, nil
}

func (s *SimulatedLibrary) QueryGID(ctx VerbsContext, portNum uint8, index int) (GID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpQueryGID); err != nil {
		return GID{}, err
	}
	i, ok := s.contexts[ctx]
	if !ok || portNum == 0 {
		return GID{}, unix.EINVAL
	}
	gids := s.devices[i].GIDs
	if index < 0 || index >= len(gids) {
		return GID{}, unix.EINVAL
	}
	return gids[index], nil
}

func (s *SimulatedLibrary) AllocPD(ctx VerbsContext) (VerbsPD, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpAllocPD); err != nil {
		return 0, err
	}
	if _, ok := s.contexts[ctx]; !ok {
		return 0, unix.EINVAL
	}
	pd := VerbsPD(s.handle())
	s.pds[pd] = ctx
	return pd, nil
}

func (s *SimulatedLibrary) DeallocPD(pd VerbsPD) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpDeallocPD); err != nil {
		return err
	}
	if _, ok := s.pds[pd]; !ok {
		return unix.EINVAL
	}
	for _, owner := range s.mrs {
		if owner == pd {
			return unix.EBUSY
		}
	}
	for _, owner := range s.srqs {
		if owner == pd {
			return unix.EBUSY
		}
	}
	for _, qp := range s.qps {
		if qp.pd == pd {
			return unix.EBUSY
		}
	}
	delete(s.pds, pd)
	s.stats.Releases++
	return nil
}

func (s *SimulatedLibrary) CreateCQ(ctx VerbsContext, cqe int, compVector int) (VerbsCQ, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpCreateCQ); err != nil {
		return 0, err
	}
	if _, ok := s.contexts[ctx]; !ok || cqe <= 0 || compVector < 0 {
		return 0, unix.EINVAL
	}
	cq := VerbsCQ(s.handle())
	s.cqs[cq] = ctx
	return cq, nil
}

func (s *SimulatedLibrary) DestroyCQ(cq VerbsCQ) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpDestroyCQ); err != nil {
		return err
	}
	if _, ok := s.cqs[cq]; !ok {
		return unix.EINVAL
	}
	for _, qp := range s.qps {
		if qp.Init.SendCQ == cq || qp.Init.RecvCQ == cq {
			return unix.EBUSY
		}
	}
	delete(s.cqs, cq)
	s.stats.Releases++
	return nil
}

func (s *SimulatedLibrary) CreateSRQ(pd VerbsPD, attr SRQInitAttr) (VerbsSRQ, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpCreateSRQ); err != nil {
		return 0, err
	}
	if _, ok := s.pds[pd]; !ok || attr.MaxWR == 0 || attr.MaxSGE == 0 {
		return 0, unix.EINVAL
	}
	srq := VerbsSRQ(s.handle())
	s.srqs[srq] = pd
	return srq, nil
}

func (s *SimulatedLibrary) DestroySRQ(srq VerbsSRQ) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpDestroySRQ); err != nil {
		return err
	}
	if _, ok := s.srqs[srq]; !ok {
		return unix.EINVAL
	}
	for _, qp := range s.qps {
		if qp.Init.SRQ == srq {
			return unix.EBUSY
		}
	}
	delete(s.srqs, srq)
	s.stats.Releases++
	return nil
}

func (s *SimulatedLibrary) RegMR(pd VerbsPD, addr uintptr, length int, access AccessFlags) (VerbsMR, MRKeys, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpRegMR); err != nil {
		return 0, MRKeys{}, err
	}
	if _, ok := s.pds[pd]; !ok || addr == 0 || length <= 0 {
		return 0, MRKeys{}, unix.EINVAL
	}
	// Remote write requires local write, as in the real driver.
	if access&AccessRemoteWrite != 0 && access&AccessLocalWrite == 0 {
		return 0, MRKeys{}, unix.EINVAL
	}
	mr := VerbsMR(s.handle())
	s.mrs[mr] = pd
	key := uint32(mr) //nolint:gosec // G115: simulated handles stay small
	return mr, MRKeys{LKey: key, RKey: key}, nil
}

func (s *SimulatedLibrary) DeregMR(mr VerbsMR) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpDeregMR); err != nil {
		return err
	}
	if _, ok := s.mrs[mr]; !ok {
		return unix.EINVAL
	}
	delete(s.mrs, mr)
	s.stats.Releases++
	return nil
}

func (s *SimulatedLibrary) CreateQP(pd VerbsPD, attr QPInitAttr) (VerbsQP, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpCreateQP); err != nil {
		return 0, 0, err
	}
	if _, ok := s.pds[pd]; !ok {
		return 0, 0, unix.EINVAL
	}
	if attr.Type != QPTypeRC {
		return 0, 0, unix.EOPNOTSUPP
	}
	if _, ok := s.cqs[attr.SendCQ]; !ok {
		return 0, 0, unix.EINVAL
	}
	if _, ok := s.cqs[attr.RecvCQ]; !ok {
		return 0, 0, unix.EINVAL
	}
	if attr.SRQ != 0 {
		if _, ok := s.srqs[attr.SRQ]; !ok {
			return 0, 0, unix.EINVAL
		}
	}

	qp := VerbsQP(s.handle())
	s.nextQPN++
	s.qps[qp] = &SimulatedQP{
		Num:   s.nextQPN,
		State: DriverQPSReset,
		Init:  attr,
		pd:    pd,
	}
	return qp, s.nextQPN, nil
}

func (s *SimulatedLibrary) DestroyQP(qp VerbsQP) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpDestroyQP); err != nil {
		return err
	}
	if _, ok := s.qps[qp]; !ok {
		return unix.EINVAL
	}
	delete(s.qps, qp)
	s.stats.Releases++
	return nil
}

// requiredMasks are the attributes the driver insists on for each RC
// transition.
var requiredMasks = map[DriverQPState]QPAttrMask{
	DriverQPSInit: QPAttrState | QPAttrPKeyIndex | QPAttrPort | QPAttrAccessFlags,
	DriverQPSRTR: QPAttrState | QPAttrAV | QPAttrPathMTU | QPAttrDestQPN |
		QPAttrRQPSN | QPAttrMaxDestRdAtomic | QPAttrMinRNRTimer,
	DriverQPSRTS: QPAttrState | QPAttrSQPSN | QPAttrTimeout | QPAttrRetryCnt |
		QPAttrRNRRetry | QPAttrMaxQPRdAtomic,
	DriverQPSErr: QPAttrState,
}

// legalFrom lists the states each target state can be entered from.
var legalFrom = map[DriverQPState][]DriverQPState{
	DriverQPSInit: {DriverQPSReset},
	DriverQPSRTR:  {DriverQPSInit},
	DriverQPSRTS:  {DriverQPSRTR},
}

func (s *SimulatedLibrary) ModifyQP(qp VerbsQP, attr *QPAttr, mask QPAttrMask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.ModifyCalls++
	if err := s.fault(OpModifyQP); err != nil {
		return err
	}
	sqp, ok := s.qps[qp]
	if !ok || attr == nil || mask&QPAttrState == 0 {
		return unix.EINVAL
	}
	required, ok := requiredMasks[attr.State]
	if !ok || mask&required != required {
		return unix.EINVAL
	}
	if from, ok := legalFrom[attr.State]; ok && !containsState(from, sqp.State) {
		return unix.EINVAL
	}
	if attr.State == DriverQPSRTR && !attr.PathMTU.Valid() {
		return unix.EINVAL
	}

	merge(&sqp.Attr, attr, mask)
	sqp.State = attr.State
	return nil
}

func containsState(states []DriverQPState, s DriverQPState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// merge copies the masked fields of src into dst.
func merge(dst, src *QPAttr, mask QPAttrMask) {
	dst.State = src.State
	if mask&QPAttrPKeyIndex != 0 {
		dst.PKeyIndex = src.PKeyIndex
	}
	if mask&QPAttrPort != 0 {
		dst.PortNum = src.PortNum
	}
	if mask&QPAttrAccessFlags != 0 {
		dst.AccessFlags = src.AccessFlags
	}
	if mask&QPAttrAV != 0 {
		dst.AH = src.AH
	}
	if mask&QPAttrPathMTU != 0 {
		dst.PathMTU = src.PathMTU
	}
	if mask&QPAttrDestQPN != 0 {
		dst.DestQPN = src.DestQPN
	}
	if mask&QPAttrRQPSN != 0 {
		dst.RQPSN = src.RQPSN
	}
	if mask&QPAttrMaxDestRdAtomic != 0 {
		dst.MaxDestRdAtomic = src.MaxDestRdAtomic
	}
	if mask&QPAttrMinRNRTimer != 0 {
		dst.MinRNRTimer = src.MinRNRTimer
	}
	if mask&QPAttrSQPSN != 0 {
		dst.SQPSN = src.SQPSN
	}
	if mask&QPAttrTimeout != 0 {
		dst.Timeout = src.Timeout
	}
	if mask&QPAttrRetryCnt != 0 {
		dst.RetryCnt = src.RetryCnt
	}
	if mask&QPAttrRNRRetry != 0 {
		dst.RNRRetry = src.RNRRetry
	}
	if mask&QPAttrMaxQPRdAtomic != 0 {
		dst.MaxRdAtomic = src.MaxRdAtomic
	}
}
