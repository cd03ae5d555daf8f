package nvmft

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-nvmft/backend"
	"github.com/ehrlich-b/go-nvmft/internal/arena"
	"github.com/ehrlich-b/go-nvmft/internal/ctrl"
)

func TestStructuredError(t *testing.T) {
	err := NewError("HANDOFF_ADMIN", ErrCodeInvalidParameters, "admin queue size 8")

	if err.Op != "HANDOFF_ADMIN" {
		t.Errorf("Expected Op=HANDOFF_ADMIN, got %s", err.Op)
	}

	if err.Code != ErrCodeInvalidParameters {
		t.Errorf("Expected Code=ErrCodeInvalidParameters, got %s", err.Code)
	}

	expected := "nvmft: admin queue size 8 (op=HANDOFF_ADMIN)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestErrorWithoutOp(t *testing.T) {
	err := &Error{CntlID: -1, Queue: -1, Code: ErrCodeTimeout}
	if err.Error() != "nvmft: TIMEOUT" {
		t.Errorf("unexpected message %q", err.Error())
	}

	err = NewQueueError("", 3, 2, ErrCodeQueueExists, "qid 2 already connected")
	if err.Error() != "nvmft: qid 2 already connected (cntlid=3)" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestWrapErrno(t *testing.T) {
	err := WrapError("OFFLINE", unix.ENODEV)

	if err.Code != ErrCodePortOffline {
		t.Errorf("Expected Code=ErrCodePortOffline, got %s", err.Code)
	}

	if err.Errno != unix.ENODEV {
		t.Errorf("Expected Errno=ENODEV, got %v", err.Errno)
	}

	if !errors.Is(err, unix.ENODEV) {
		t.Error("Expected wrapped error to satisfy errors.Is for ENODEV")
	}

	if !IsErrno(err, unix.ENODEV) {
		t.Error("IsErrno should report ENODEV")
	}
}

func TestWrapSentinels(t *testing.T) {
	tests := []struct {
		inner error
		code  ErrorCode
	}{
		{ctrl.ErrHostMismatch, ErrCodeHostMismatch},
		{ctrl.ErrShutdown, ErrCodeControllerShutdown},
		{ctrl.ErrQueueExists, ErrCodeQueueExists},
		{ctrl.ErrInvalidQID, ErrCodeInvalidParameters},
		{ctrl.ErrNoIOQueues, ErrCodeInvalidParameters},
		{ctrl.ErrUnknownCntlID, ErrCodeControllerNotFound},
		{arena.ErrExhausted, ErrCodeNoControllerIDs},
		{fmt.Errorf("nsid 4: %w", backend.ErrNamespaceExists), ErrCodeNamespaceExists},
		{backend.ErrNamespaceNotFound, ErrCodeNamespaceNotFound},
		{unix.ETIMEDOUT, ErrCodeTimeout},
		{unix.EIO, ErrCodeTransport},
		{errors.New("boom"), ErrCodeTransport},
	}

	for _, tt := range tests {
		t.Run(string(tt.code)+"/"+tt.inner.Error(), func(t *testing.T) {
			err := WrapError("OP", tt.inner)
			if err.Code != tt.code {
				t.Errorf("WrapError(%v).Code = %s, want %s", tt.inner, err.Code, tt.code)
			}
			if !errors.Is(err, tt.inner) {
				t.Errorf("wrapped error lost %v", tt.inner)
			}
		})
	}
}

func TestSentinelErrors(t *testing.T) {
	structured := NewControllerError("HANDOFF_IO", 5, ErrCodeControllerNotFound, "no controller 5")

	if !errors.Is(structured, ErrControllerNotFound) {
		t.Error("Structured error should match sentinel via errors.Is")
	}

	if errors.Is(structured, ErrPortOffline) {
		t.Error("Structured error should not match a different code")
	}

	wrapped := fmt.Errorf("accept: %w", structured)
	if !errors.Is(wrapped, ErrControllerNotFound) {
		t.Error("Wrapped structured error should match sentinel")
	}

	if !IsCode(wrapped, ErrCodeControllerNotFound) {
		t.Error("IsCode should see through wrapping")
	}
}

func TestWrapErrorPreservesContext(t *testing.T) {
	orig := NewQueueError("ATTACH", 9, 3, ErrCodeQueueExists, "busy")
	err := WrapError("HANDOFF_IO", orig)

	if err.Op != "HANDOFF_IO" {
		t.Errorf("Expected Op=HANDOFF_IO, got %s", err.Op)
	}
	if err.CntlID != 9 || err.Queue != 3 {
		t.Errorf("context lost: cntlid=%d queue=%d", err.CntlID, err.Queue)
	}
	if err.Code != ErrCodeQueueExists {
		t.Errorf("Expected Code=ErrCodeQueueExists, got %s", err.Code)
	}

	if WrapError("X", nil) != nil {
		t.Error("WrapError(nil) should return nil")
	}
}
