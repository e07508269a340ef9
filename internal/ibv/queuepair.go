package ibv

import (
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/tensorwire/internal/metrics"
)

// QPState is the state of a queue pair as tracked by this package.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateReadyToReceive
	QPStateReadyToSend
	QPStateError
	// QPStateUnknown follows a failed transition. The driver-side state
	// is ambiguous; only ToError is allowed, after which the pair should
	// be destroyed and recreated.
	QPStateUnknown
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateReadyToReceive:
		return "RTR"
	case QPStateReadyToSend:
		return "RTS"
	case QPStateError:
		return "ERROR"
	case QPStateUnknown:
		return "UNKNOWN"
	default:
		return "INVALID"
	}
}

// Connection parameters for RC queue pairs.
const (
	qpAccessFlags     = AccessLocalWrite | AccessRemoteWrite
	qpPKeyIndex       = 0
	qpPSN             = 0
	qpMaxRdAtomic     = 1
	qpMaxDestRdAtomic = 1
	qpMinRNRTimer     = 20
	qpHopLimit        = 1
	qpTimeout         = 14
	qpRetryCnt        = 7
	qpRNRRetry        = 7
)

// QueuePair is a reliable-connection queue pair. Transitions must be
// taken in order, each at most once: ToInit, ToReadyToReceive,
// ToReadyToSend. ToError is allowed from any state.
type QueuePair struct {
	h     handle[VerbsQP]
	num   uint32
	state QPState
}

// Num is the queue pair number assigned by the driver.
func (qp *QueuePair) Num() uint32 {
	return qp.num
}

// State is the last state reached.
func (qp *QueuePair) State() QPState {
	return qp.state
}

// Close destroys the queue pair. Calling it more than once is a no-op.
func (qp *QueuePair) Close() {
	qp.h.close()
}

// ToInit binds the pair to self's port. Requires RESET.
func (qp *QueuePair) ToInit(self Address) error {
	attr := &QPAttr{
		State:       DriverQPSInit,
		PKeyIndex:   qpPKeyIndex,
		PortNum:     self.PortNum,
		AccessFlags: qpAccessFlags,
	}
	mask := QPAttrState | QPAttrPKeyIndex | QPAttrPort | QPAttrAccessFlags
	return qp.transition(QPStateReset, QPStateInit, attr, mask)
}

// ToReadyToReceive points the pair at the remote queue pair described by
// dest. Requires INIT.
func (qp *QueuePair) ToReadyToReceive(self Address, dest SetupInformation) error {
	attr := &QPAttr{
		State:           DriverQPSRTR,
		PathMTU:         min(self.MTU, dest.MTU),
		DestQPN:         dest.QPN,
		RQPSN:           qpPSN,
		MaxDestRdAtomic: qpMaxDestRdAtomic,
		MinRNRTimer:     qpMinRNRTimer,
		AH: AHAttr{
			IsGlobal: true,
			DLID:     uint16(dest.LID), //nolint:gosec // G115: LIDs are 16-bit on the wire
			PortNum:  self.PortNum,
			GRH: GlobalRoute{
				DGID:      dest.GID,
				SGIDIndex: self.GIDIndex,
				HopLimit:  qpHopLimit,
			},
		},
	}
	mask := QPAttrState | QPAttrAV | QPAttrPathMTU | QPAttrDestQPN |
		QPAttrRQPSN | QPAttrMaxDestRdAtomic | QPAttrMinRNRTimer
	return qp.transition(QPStateInit, QPStateReadyToReceive, attr, mask)
}

// ToReadyToSend enables the send side. Requires RTR.
func (qp *QueuePair) ToReadyToSend() error {
	attr := &QPAttr{
		State:       DriverQPSRTS,
		SQPSN:       qpPSN,
		Timeout:     qpTimeout,
		RetryCnt:    qpRetryCnt,
		RNRRetry:    qpRNRRetry,
		MaxRdAtomic: qpMaxRdAtomic,
	}
	mask := QPAttrState | QPAttrSQPSN | QPAttrTimeout | QPAttrRetryCnt |
		QPAttrRNRRetry | QPAttrMaxQPRdAtomic
	return qp.transition(QPStateReadyToReceive, QPStateReadyToSend, attr, mask)
}

// ToError moves the pair to ERROR from any state, flushing outstanding
// work requests.
func (qp *QueuePair) ToError() error {
	return qp.transition(qp.state, QPStateError, &QPAttr{State: DriverQPSErr}, QPAttrState)
}

func (qp *QueuePair) transition(from, to QPState, attr *QPAttr, mask QPAttrMask) error {
	if qp.state != from {
		metrics.RecordQPTransition(to.String(), "rejected")
		return &TransitionError{From: qp.state, To: to, Err: ErrInvalidTransition}
	}
	raw, err := qp.h.get()
	if err != nil {
		return &TransitionError{From: qp.state, To: to, Err: err}
	}
	if err := qp.h.binding.lib.ModifyQP(raw, attr, mask); err != nil {
		prev := qp.state
		qp.state = QPStateUnknown
		metrics.RecordQPTransition(to.String(), "failed")
		log.Debug().
			Err(err).
			Uint32("qpn", qp.num).
			Stringer("from", prev).
			Stringer("to", to).
			Msg("Queue pair transition failed")
		return &TransitionError{From: prev, To: to, Err: systemError("ibv_modify_qp", err)}
	}
	log.Debug().
		Uint32("qpn", qp.num).
		Stringer("from", qp.state).
		Stringer("to", to).
		Msg("Queue pair transitioned")
	qp.state = to
	metrics.RecordQPTransition(to.String(), "ok")
	return nil
}
