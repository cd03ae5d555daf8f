package nvme

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-nvmft/internal/constants"
)

// CC validation errors
var (
	ErrCCReserved       = errors.New("reserved CC bits set")
	ErrCCQueueEntrySize = errors.New("unsupported queue entry size")
	ErrCCShutdown       = errors.New("reserved shutdown notification")
	ErrCCArbitration    = errors.New("unsupported arbitration mechanism")
	ErrCCPageSize       = errors.New("unsupported memory page size")
	ErrCCCommandSet     = errors.New("unsupported command set")
	ErrCCChangeEnabled  = errors.New("configuration changed while enabled")
)

// Supported queue entry size exponents. 0 leaves the field unprogrammed.
const (
	SQEntrySizeExp = 6 // 64 byte SQEs
	CQEntrySizeExp = 4 // 16 byte CQEs
)

// ErrQueueSize is returned for a queue size outside the supported range
var ErrQueueSize = errors.New("unsupported queue size")

// queueShape is what a CC write or a CONNECT says about queue pairs
type queueShape struct {
	sqes, cqes uint8  // entry size exponents, 0 when not programmed
	entries    uint32 // requested depth, 0 when the request carries none
	admin      bool
}

func entrySizeOK(exp, want uint8) bool {
	return exp == 0 || exp == want
}

// checkQueueShape holds the queue rules shared by CC writes and CONNECT
// admission: entry sizes must match the fixed 64 byte SQE and 16 byte CQE,
// admin queues hold 32 to 4096 entries and I/O queues 2 to CAP.MQES+1.
func checkQueueShape(caps CAP, q queueShape) error {
	if !entrySizeOK(q.sqes, SQEntrySizeExp) || !entrySizeOK(q.cqes, CQEntrySizeExp) {
		return ErrCCQueueEntrySize
	}
	if q.entries == 0 {
		return nil
	}
	lo, hi := uint32(2), uint32(caps.MQES())+1
	if q.admin {
		lo, hi = constants.MinAdminQueueSize, constants.MaxAdminQueueSize
	}
	if q.entries < lo || q.entries > hi {
		return ErrQueueSize
	}
	return nil
}

// ValidateCC checks a host write of newCC against the current value and
// the controller capabilities. A nil return means the write may be applied.
func ValidateCC(caps CAP, old, newCC CC) error {
	if newCC&ccReservedBits != 0 {
		return ErrCCReserved
	}
	if err := checkQueueShape(caps, queueShape{sqes: newCC.IOSQES(), cqes: newCC.IOCQES()}); err != nil {
		return err
	}
	if newCC.SHN() == 3 {
		return ErrCCShutdown
	}

	switch newCC.AMS() {
	case AMSRoundRobin:
	case AMSWeightedRoundRobin:
		if caps.AMS()&0x1 == 0 {
			return ErrCCArbitration
		}
	case AMSVendorSpecific:
		if caps.AMS()&0x2 == 0 {
			return ErrCCArbitration
		}
	default:
		return ErrCCArbitration
	}

	if newCC.MPS() < caps.MPSMin() || newCC.MPS() > caps.MPSMax() {
		return ErrCCPageSize
	}

	switch newCC.CSS() {
	case CSSNVM:
		if caps.CSS()&(1<<0) == 0 {
			return ErrCCCommandSet
		}
	case CSSAllIO:
		if caps.CSS()&(1<<6) == 0 {
			return ErrCCCommandSet
		}
	case CSSAdminOnly:
		if caps.CSS()&(1<<7) == 0 {
			return ErrCCCommandSet
		}
	default:
		return ErrCCCommandSet
	}

	if old.Enabled() && newCC.Enabled() {
		if old.CSS() != newCC.CSS() || old.MPS() != newCC.MPS() || old.AMS() != newCC.AMS() {
			return ErrCCChangeEnabled
		}
	}
	return nil
}

// ConnectReject describes why a CONNECT was refused and how to report it
type ConnectReject struct {
	Status Status
	IAttr  uint8  // invalid parameter attribute, for CONNECT_INVALID_PARAMETERS
	IPO    uint16 // invalid parameter offset, for CONNECT_INVALID_PARAMETERS
	Reason string
}

// InvalidParam builds a CONNECT_INVALID_PARAMETERS rejection
func InvalidParam(iattr uint8, ipo uint16, reason string) *ConnectReject {
	return &ConnectReject{Status: StatusConnectInvalidParameters, IAttr: iattr, IPO: ipo, Reason: reason}
}

// RejectWith builds a rejection that carries only a status
func RejectWith(status Status, reason string) *ConnectReject {
	return &ConnectReject{Status: status, Reason: reason}
}

// Result returns the CDW0 to send with the rejection
func (r *ConnectReject) Result() uint32 {
	if r.Status == StatusConnectInvalidParameters {
		return InvalidParamResult(r.IAttr, r.IPO)
	}
	return 0
}

func (r *ConnectReject) Error() string {
	return fmt.Sprintf("connect rejected (%s): %s", r.Status, r.Reason)
}

// ValidateConnect checks the queue parameters of a CONNECT command against
// the controller capabilities with the same rules ValidateCC applies.
// Fabrics capsules always carry 64 byte SQEs and 16 byte CQEs.
func ValidateConnect(caps CAP, cmd ConnectCommand) *ConnectReject {
	if cmd.RecFmt != 0 {
		return RejectWith(StatusConnectIncompatible, fmt.Sprintf("record format %d", cmd.RecFmt))
	}

	shape := queueShape{
		sqes:    SQEntrySizeExp,
		cqes:    CQEntrySizeExp,
		entries: uint32(cmd.SQSize) + 1,
		admin:   cmd.QID == 0,
	}
	if err := checkQueueShape(caps, shape); err != nil {
		kind := "I/O"
		if shape.admin {
			kind = "admin"
		}
		return InvalidParam(IAttrCommand, ConnectCmdSQSizeOffset,
			fmt.Sprintf("%s queue size %d: %v", kind, shape.entries, err))
	}
	return nil
}
