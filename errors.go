package nvmft

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-nvmft/backend"
	"github.com/ehrlich-b/go-nvmft/internal/arena"
	"github.com/ehrlich-b/go-nvmft/internal/ctrl"
)

// Error represents a structured nvmft error with controller context and
// errno mapping
type Error struct {
	Op     string     // Operation that failed (e.g., "HANDOFF_ADMIN", "OFFLINE")
	CntlID int        // Controller ID (-1 if not applicable)
	Queue  int        // Queue ID (-1 if not applicable)
	Code   ErrorCode  // High-level error category
	Errno  unix.Errno // errno (0 if not applicable)
	Msg    string     // Human-readable message
	Inner  error      // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.CntlID >= 0 {
		parts = append(parts, fmt.Sprintf("cntlid=%d", e.CntlID))
	}

	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("qid=%d", e.Queue))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("nvmft: %s (%s)", msg, parts[0])
	}

	return fmt.Sprintf("nvmft: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches another *Error with the same code
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInvalidParameters  ErrorCode = "INVALID_PARAMETERS"
	ErrCodeConnectRejected    ErrorCode = "CONNECT_REJECTED"
	ErrCodeControllerNotFound ErrorCode = "CONTROLLER_NOT_FOUND"
	ErrCodeHostMismatch       ErrorCode = "HOST_MISMATCH"
	ErrCodeQueueExists        ErrorCode = "QUEUE_EXISTS"
	ErrCodeNoControllerIDs    ErrorCode = "NO_CONTROLLER_IDS"
	ErrCodePortOffline        ErrorCode = "PORT_OFFLINE"
	ErrCodeControllerShutdown ErrorCode = "CONTROLLER_SHUTDOWN"
	ErrCodeNamespaceExists    ErrorCode = "NAMESPACE_EXISTS"
	ErrCodeNamespaceNotFound  ErrorCode = "NAMESPACE_NOT_FOUND"
	ErrCodeTransport          ErrorCode = "TRANSPORT_ERROR"
	ErrCodeTimeout            ErrorCode = "TIMEOUT"
)

// Sentinel errors for errors.Is comparisons
var (
	ErrInvalidParameters  = &Error{CntlID: -1, Queue: -1, Code: ErrCodeInvalidParameters}
	ErrControllerNotFound = &Error{CntlID: -1, Queue: -1, Code: ErrCodeControllerNotFound}
	ErrPortOffline        = &Error{CntlID: -1, Queue: -1, Code: ErrCodePortOffline}
	ErrNamespaceExists    = &Error{CntlID: -1, Queue: -1, Code: ErrCodeNamespaceExists}
	ErrNamespaceNotFound  = &Error{CntlID: -1, Queue: -1, Code: ErrCodeNamespaceNotFound}
	ErrTimeout            = &Error{CntlID: -1, Queue: -1, Code: ErrCodeTimeout}
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		CntlID: -1,
		Queue:  -1,
		Code:   code,
		Msg:    msg,
	}
}

// NewControllerError creates a new controller-specific error
func NewControllerError(op string, cntlID uint16, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		CntlID: int(cntlID),
		Queue:  -1,
		Code:   code,
		Msg:    msg,
	}
}

// NewQueueError creates a new queue-specific error
func NewQueueError(op string, cntlID uint16, qid uint16, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		CntlID: int(cntlID),
		Queue:  int(qid),
		Code:   code,
		Msg:    msg,
	}
}

// WrapError wraps an existing error with nvmft context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var ne *Error
	if errors.As(inner, &ne) {
		return &Error{
			Op:     op,
			CntlID: ne.CntlID,
			Queue:  ne.Queue,
			Code:   ne.Code,
			Errno:  ne.Errno,
			Msg:    ne.Msg,
			Inner:  ne.Inner,
		}
	}

	var errno unix.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:     op,
			CntlID: -1,
			Queue:  -1,
			Code:   mapErrnoToCode(errno),
			Errno:  errno,
			Msg:    errno.Error(),
			Inner:  inner,
		}
	}

	return &Error{
		Op:     op,
		CntlID: -1,
		Queue:  -1,
		Code:   mapSentinelToCode(inner),
		Msg:    inner.Error(),
		Inner:  inner,
	}
}

// mapErrnoToCode maps errno values reported by transports and the
// keep-alive timer to error codes
func mapErrnoToCode(errno unix.Errno) ErrorCode {
	switch errno {
	case unix.ENOENT:
		return ErrCodeControllerNotFound
	case unix.EBUSY, unix.EEXIST:
		return ErrCodeQueueExists
	case unix.EINVAL, unix.E2BIG:
		return ErrCodeInvalidParameters
	case unix.ENODEV, unix.ESHUTDOWN:
		return ErrCodePortOffline
	case unix.ENOSPC:
		return ErrCodeNoControllerIDs
	case unix.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeTransport
	}
}

// mapSentinelToCode maps errors of the internal packages to error codes
func mapSentinelToCode(err error) ErrorCode {
	switch {
	case errors.Is(err, ctrl.ErrHostMismatch):
		return ErrCodeHostMismatch
	case errors.Is(err, ctrl.ErrShutdown):
		return ErrCodeControllerShutdown
	case errors.Is(err, ctrl.ErrQueueExists):
		return ErrCodeQueueExists
	case errors.Is(err, ctrl.ErrNoIOQueues), errors.Is(err, ctrl.ErrInvalidQID),
		errors.Is(err, ctrl.ErrNotAdminConnect):
		return ErrCodeInvalidParameters
	case errors.Is(err, ctrl.ErrUnknownCntlID):
		return ErrCodeControllerNotFound
	case errors.Is(err, arena.ErrExhausted):
		return ErrCodeNoControllerIDs
	case errors.Is(err, backend.ErrNamespaceExists):
		return ErrCodeNamespaceExists
	case errors.Is(err, backend.ErrNamespaceNotFound):
		return ErrCodeNamespaceNotFound
	case errors.Is(err, backend.ErrInvalidNamespace), errors.Is(err, backend.ErrInvalidBlockSize):
		return ErrCodeInvalidParameters
	default:
		return ErrCodeTransport
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno unix.Errno) bool {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Errno == errno
	}
	return false
}
