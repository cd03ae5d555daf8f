package interfaces

import (
	"context"
	"sync"

	"github.com/ehrlich-b/go-nvmft/internal/nvme"
)

// QueuePair is one transport-level submission/completion queue pair of an
// association. Transports (TCP, RDMA, the in-process loopback) implement it.
type QueuePair interface {
	// QID returns the queue identifier negotiated by CONNECT (0 for admin).
	QID() uint16

	// Receive blocks until the next command capsule arrives.
	// It returns io.EOF once the host has closed the queue, ctx.Err() when
	// ctx is done, and any other error for transport failures.
	Receive(ctx context.Context) (Capsule, error)

	// SendResponse transmits a completion for a previously received command.
	// The transport fills in SQHD and SQID.
	SendResponse(cqe *nvme.Completion) error

	// Shutdown stops accepting new commands. Completions may still be sent.
	Shutdown()

	// Destroy releases the queue pair. It may block on transport teardown
	// and must not be called from a receive path.
	Destroy() error
}

// Capsule is a received command together with its data buffer
type Capsule interface {
	// SQE returns the submission queue entry
	SQE() *nvme.Command

	// DataLength returns the size of the data buffer described by the SQE
	DataLength() uint32

	// SendData transfers controller-to-host data for the command
	SendData(data []byte) error

	// ReceiveData copies host-to-controller data starting at offset into buf
	ReceiveData(offset uint32, buf []byte) error
}

// Dispatcher executes namespace commands against backing storage
type Dispatcher interface {
	// Dispatch starts cmd. It may complete synchronously or asynchronously
	// but must call cmd.Complete exactly once.
	Dispatch(cmd *Command)

	// TerminateAll aborts every command dispatched for controller cntlID.
	// Aborted commands are still completed through cmd.Complete.
	TerminateAll(cntlID uint16)
}

// Command is a namespace command handed to a Dispatcher
type Command struct {
	CntlID  uint16
	Queue   QueuePair
	Capsule Capsule
	Admin   bool

	once sync.Once
	done func(nvme.Completion)
}

// NewCommand wraps a capsule for dispatch. done receives the completion
// exactly once.
func NewCommand(cntlID uint16, qp QueuePair, c Capsule, admin bool, done func(nvme.Completion)) *Command {
	return &Command{CntlID: cntlID, Queue: qp, Capsule: c, Admin: admin, done: done}
}

// SQE returns the submission queue entry of the command
func (c *Command) SQE() *nvme.Command {
	return c.Capsule.SQE()
}

// Complete finishes the command with status and a CDW0 result.
// Calls after the first are ignored.
func (c *Command) Complete(status nvme.Status, cdw0 uint32) {
	cqe := nvme.NewCompletion(c.Capsule.SQE().CID, status)
	cqe.CDW0 = cdw0
	c.once.Do(func() {
		if c.done != nil {
			c.done(cqe)
		}
	})
}
