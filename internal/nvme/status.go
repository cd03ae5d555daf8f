package nvme

import "fmt"

// Status is a command completion status: the status code type in bits
// 8..10 and the status code in bits 0..7.
type Status uint16

// NewStatus combines a status code type and a status code
func NewStatus(sct, sc uint8) Status {
	return Status(uint16(sct&0x7)<<8 | uint16(sc))
}

// Common statuses
var (
	StatusSuccess                  = NewStatus(SCTGeneric, SCSuccess)
	StatusInvalidOpcode            = NewStatus(SCTGeneric, SCInvalidOpcode)
	StatusInvalidField             = NewStatus(SCTGeneric, SCInvalidField)
	StatusDataTransferError        = NewStatus(SCTGeneric, SCDataTransferError)
	StatusInternalError            = NewStatus(SCTGeneric, SCInternalDeviceError)
	StatusAbortedByRequest         = NewStatus(SCTGeneric, SCAbortedByRequest)
	StatusAbortedSQDeletion        = NewStatus(SCTGeneric, SCAbortedSQDeletion)
	StatusInvalidNamespaceOrFormat = NewStatus(SCTGeneric, SCInvalidNamespaceOrFormat)
	StatusCommandSequenceError     = NewStatus(SCTGeneric, SCCommandSequenceError)
	StatusLBAOutOfRange            = NewStatus(SCTGeneric, SCLBAOutOfRange)
	StatusAERLimitExceeded         = NewStatus(SCTCommandSpecific, SCAERLimitExceeded)
	StatusConnectIncompatible      = NewStatus(SCTCommandSpecific, SCConnectIncompatibleFormat)
	StatusConnectInvalidParameters = NewStatus(SCTCommandSpecific, SCConnectInvalidParameters)
	StatusConnectInvalidHost       = NewStatus(SCTCommandSpecific, SCConnectInvalidHost)
	StatusInvalidQueueType         = NewStatus(SCTCommandSpecific, SCInvalidQueueType)
	StatusWriteFault               = NewStatus(SCTMediaError, SCWriteFault)
	StatusUnrecoveredReadError     = NewStatus(SCTMediaError, SCUnrecoveredReadError)
	StatusCompareFailure           = NewStatus(SCTMediaError, SCCompareFailure)
)

// SCT returns the status code type
func (s Status) SCT() uint8 {
	return uint8(s>>8) & 0x7
}

// SC returns the status code
func (s Status) SC() uint8 {
	return uint8(s)
}

// Success reports whether s is the generic success status
func (s Status) Success() bool {
	return s == StatusSuccess
}

// Field encodes s as the CQE status field with the phase bit clear
func (s Status) Field() uint16 {
	return uint16(s.SC())<<1 | uint16(s.SCT())<<9
}

// StatusFromField decodes a CQE status field, ignoring phase, CRD, M and DNR
func StatusFromField(field uint16) Status {
	return NewStatus(uint8(field>>9)&0x7, uint8(field>>1))
}

func (s Status) String() string {
	if s.SCT() == SCTGeneric {
		switch s.SC() {
		case SCSuccess:
			return "SUCCESS"
		case SCInvalidOpcode:
			return "INVALID_OPCODE"
		case SCInvalidField:
			return "INVALID_FIELD"
		case SCDataTransferError:
			return "DATA_TRANSFER_ERROR"
		case SCInternalDeviceError:
			return "INTERNAL_DEVICE_ERROR"
		case SCAbortedByRequest:
			return "ABORTED_BY_REQUEST"
		case SCAbortedSQDeletion:
			return "ABORTED_SQ_DELETION"
		case SCInvalidNamespaceOrFormat:
			return "INVALID_NAMESPACE_OR_FORMAT"
		case SCCommandSequenceError:
			return "COMMAND_SEQUENCE_ERROR"
		case SCLBAOutOfRange:
			return "LBA_OUT_OF_RANGE"
		}
	}
	if s.SCT() == SCTCommandSpecific {
		switch s.SC() {
		case SCAERLimitExceeded:
			return "AER_LIMIT_EXCEEDED"
		case SCConnectIncompatibleFormat:
			return "CONNECT_INCOMPATIBLE_FORMAT"
		case SCConnectControllerBusy:
			return "CONNECT_CONTROLLER_BUSY"
		case SCConnectInvalidParameters:
			return "CONNECT_INVALID_PARAMETERS"
		case SCConnectRestartDiscovery:
			return "CONNECT_RESTART_DISCOVERY"
		case SCConnectInvalidHost:
			return "CONNECT_INVALID_HOST"
		case SCInvalidQueueType:
			return "INVALID_QUEUE_TYPE"
		}
	}
	if s.SCT() == SCTMediaError {
		switch s.SC() {
		case SCWriteFault:
			return "WRITE_FAULT"
		case SCUnrecoveredReadError:
			return "UNRECOVERED_READ_ERROR"
		case SCCompareFailure:
			return "COMPARE_FAILURE"
		}
	}
	return fmt.Sprintf("SCT%d/SC%#02x", s.SCT(), s.SC())
}
