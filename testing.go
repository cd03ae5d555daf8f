package nvmft

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ehrlich-b/go-nvmft/internal/nvme"
)

// MockCapsule provides a mock implementation of Capsule for testing.
// Data sent by the controller is kept for inspection.
type MockCapsule struct {
	Cmd  nvme.Command
	Data []byte // host-to-controller data; its length is the data length

	mu   sync.Mutex
	sent []byte
}

// NewMockCapsule creates a capsule for cmd with a data buffer of length bytes
func NewMockCapsule(cmd nvme.Command, length int) *MockCapsule {
	return &MockCapsule{Cmd: cmd, Data: make([]byte, length)}
}

// SQE implements the Capsule interface
func (m *MockCapsule) SQE() *nvme.Command {
	return &m.Cmd
}

// DataLength implements the Capsule interface
func (m *MockCapsule) DataLength() uint32 {
	return uint32(len(m.Data))
}

// SendData implements the Capsule interface
func (m *MockCapsule) SendData(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(data) > len(m.Data) {
		return fmt.Errorf("mock: %d bytes exceed %d byte buffer", len(data), len(m.Data))
	}
	m.sent = append(m.sent[:0], data...)
	return nil
}

// ReceiveData implements the Capsule interface
func (m *MockCapsule) ReceiveData(offset uint32, buf []byte) error {
	end := uint64(offset) + uint64(len(buf))
	if end > uint64(len(m.Data)) {
		return fmt.Errorf("mock: read [%d, %d) beyond %d byte buffer", offset, end, len(m.Data))
	}
	copy(buf, m.Data[offset:end])
	return nil
}

// Sent returns the data most recently sent to the host
func (m *MockCapsule) Sent() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.sent...)
}

// MockQueuePair provides a mock implementation of QueuePair for testing.
// Capsules queued with Push are returned by Receive; completions are
// recorded and published on Responses.
type MockQueuePair struct {
	qid      uint16
	incoming chan Capsule

	// Responses receives every completion sent on the queue pair
	Responses chan Completion

	mu         sync.Mutex
	closed     bool
	shutdown   bool
	destroyed  bool
	sendErr    error
	responses  []Completion
	closeOnce  sync.Once
	destroyCh  chan struct{}
	sendCalls  int
	recvCalls  int
	destroyErr error
}

// NewMockQueuePair creates a mock queue pair with room for depth capsules
func NewMockQueuePair(qid uint16, depth int) *MockQueuePair {
	return &MockQueuePair{
		qid:       qid,
		incoming:  make(chan Capsule, depth),
		Responses: make(chan Completion, depth+1),
		destroyCh: make(chan struct{}),
	}
}

// QID implements the QueuePair interface
func (m *MockQueuePair) QID() uint16 {
	return m.qid
}

// Push queues a capsule for Receive
func (m *MockQueuePair) Push(c Capsule) {
	m.incoming <- c
}

// CloseHost makes Receive return io.EOF once queued capsules are consumed
func (m *MockQueuePair) CloseHost() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.incoming)
	})
}

// Receive implements the QueuePair interface
func (m *MockQueuePair) Receive(ctx context.Context) (Capsule, error) {
	m.mu.Lock()
	m.recvCalls++
	m.mu.Unlock()

	select {
	case c, ok := <-m.incoming:
		if !ok {
			return nil, io.EOF
		}
		return c, nil
	case <-m.destroyCh:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendResponse implements the QueuePair interface
func (m *MockQueuePair) SendResponse(cqe *Completion) error {
	m.mu.Lock()
	m.sendCalls++
	if m.sendErr != nil {
		err := m.sendErr
		m.mu.Unlock()
		return err
	}
	if m.destroyed {
		m.mu.Unlock()
		return io.ErrClosedPipe
	}
	resp := *cqe
	resp.SQID = m.qid
	m.responses = append(m.responses, resp)
	m.mu.Unlock()

	select {
	case m.Responses <- resp:
	default:
	}
	return nil
}

// Shutdown implements the QueuePair interface
func (m *MockQueuePair) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = true
}

// Destroy implements the QueuePair interface
func (m *MockQueuePair) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.destroyed {
		m.destroyed = true
		m.shutdown = true
		close(m.destroyCh)
	}
	return m.destroyErr
}

// Testing utility methods

// SetSendError makes every later SendResponse fail with err
func (m *MockQueuePair) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SetDestroyError makes Destroy return err
func (m *MockQueuePair) SetDestroyError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyErr = err
}

// Destroyed is closed once Destroy has been called
func (m *MockQueuePair) Destroyed() <-chan struct{} {
	return m.destroyCh
}

// IsDestroyed returns true if Destroy has been called
func (m *MockQueuePair) IsDestroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// IsShutdown returns true if Shutdown or Destroy has been called
func (m *MockQueuePair) IsShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Completions returns every completion sent so far
func (m *MockQueuePair) Completions() []Completion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Completion(nil), m.responses...)
}

// CallCounts returns the number of times each method has been called
func (m *MockQueuePair) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return map[string]int{
		"receive": m.recvCalls,
		"send":    m.sendCalls,
	}
}

// MockDispatcher provides a mock implementation of Dispatcher for testing.
// Commands complete with Status immediately unless Hold is set, in which
// case they wait for Release or TerminateAll.
type MockDispatcher struct {
	mu         sync.Mutex
	status     nvme.Status
	hold       bool
	held       []*Command
	dispatched []uint8
	terminated []uint16
}

// NewMockDispatcher creates a dispatcher that completes every command
// successfully
func NewMockDispatcher() *MockDispatcher {
	return &MockDispatcher{status: nvme.StatusSuccess}
}

// Dispatch implements the Dispatcher interface
func (m *MockDispatcher) Dispatch(cmd *Command) {
	m.mu.Lock()
	m.dispatched = append(m.dispatched, cmd.SQE().Opcode)
	if m.hold {
		m.held = append(m.held, cmd)
		m.mu.Unlock()
		return
	}
	status := m.status
	m.mu.Unlock()

	cmd.Complete(status, 0)
}

// TerminateAll implements the Dispatcher interface
func (m *MockDispatcher) TerminateAll(cntlID uint16) {
	m.mu.Lock()
	m.terminated = append(m.terminated, cntlID)
	var keep, abort []*Command
	for _, cmd := range m.held {
		if cmd.CntlID == cntlID {
			abort = append(abort, cmd)
		} else {
			keep = append(keep, cmd)
		}
	}
	m.held = keep
	m.mu.Unlock()

	for _, cmd := range abort {
		cmd.Complete(nvme.StatusAbortedSQDeletion, 0)
	}
}

// SetStatus sets the status later commands complete with
func (m *MockDispatcher) SetStatus(status nvme.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

// Hold makes later commands wait for Release or TerminateAll
func (m *MockDispatcher) Hold(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = hold
}

// Release completes every held command with the configured status
func (m *MockDispatcher) Release() {
	m.mu.Lock()
	held := m.held
	m.held = nil
	status := m.status
	m.mu.Unlock()

	for _, cmd := range held {
		cmd.Complete(status, 0)
	}
}

// Held returns the number of commands waiting for Release
func (m *MockDispatcher) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

// Dispatched returns the opcodes of every dispatched command in order
func (m *MockDispatcher) Dispatched() []uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint8(nil), m.dispatched...)
}

// Terminated returns the controller IDs passed to TerminateAll
func (m *MockDispatcher) Terminated() []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint16(nil), m.terminated...)
}

// Compile-time interface checks
var (
	_ Capsule    = (*MockCapsule)(nil)
	_ QueuePair  = (*MockQueuePair)(nil)
	_ Dispatcher = (*MockDispatcher)(nil)
)
