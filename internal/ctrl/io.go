package ctrl

import (
	"context"
	"fmt"
	"time"

	"github.com/ehrlich-b/go-nvmft/internal/interfaces"
	"github.com/ehrlich-b/go-nvmft/internal/nvme"
	"github.com/ehrlich-b/go-nvmft/internal/queue"
)

func (c *Controller) handleIOCommand(qp interfaces.QueuePair, capsule interfaces.Capsule) {
	cmd := capsule.SQE()

	c.mu.Lock()
	q := c.ioQueueLocked(qp.QID())
	if q == nil || q.qp != qp || q.shuttingDown {
		c.mu.Unlock()
		c.logger.Debug("dropping command on shut down queue", "qid", qp.QID(), "cid", cmd.CID)
		return
	}
	status := ioCommandStatus(cmd)
	var start time.Time
	var depth int
	if status.Success() {
		start, depth = c.beginDispatchLocked(cmd.Opcode, false)
	}
	c.mu.Unlock()

	c.keepAlive.touch()

	if !status.Success() {
		if status == nvme.StatusInvalidOpcode {
			c.logger.Debug("unsupported I/O opcode", "qid", qp.QID(), "opc", cmd.Opcode)
		}
		c.respondStatus(qp, cmd, status)
		return
	}
	c.dispatch(qp, capsule, false, start, depth)
}

// ioCommandStatus returns StatusSuccess for commands the dispatcher
// executes and the status to fail the rest with
func ioCommandStatus(cmd *nvme.Command) nvme.Status {
	switch cmd.Opcode {
	case nvme.OpcFlush:
		if cmd.NSID == nvme.NSIDBroadcast {
			return nvme.StatusInvalidNamespaceOrFormat
		}
		return nvme.StatusSuccess
	case nvme.OpcWrite, nvme.OpcRead, nvme.OpcWriteUncorrectable, nvme.OpcCompare,
		nvme.OpcWriteZeroes, nvme.OpcDatasetManagement, nvme.OpcVerify:
		return nvme.StatusSuccess
	default:
		return nvme.StatusInvalidOpcode
	}
}

func (c *Controller) ioQueueLocked(qid uint16) *ioQueue {
	if qid == 0 || int(qid) > len(c.ioQueues) {
		return nil
	}
	return c.ioQueues[qid-1]
}

// AttachIOQueue binds a newly connected I/O queue pair to the controller,
// answers its CONNECT and starts servicing it. On rejection nothing is sent
// and the caller owns qp.
func (c *Controller) AttachIOQueue(qp interfaces.QueuePair, cmd nvme.ConnectCommand, data *nvme.ConnectData) error {
	if data.Host() != c.hostID {
		return &AttachError{
			Err:    ErrHostMismatch,
			Reject: nvme.InvalidParam(nvme.IAttrData, nvme.ConnectDataHostIDOffset, "host ID mismatch"),
		}
	}
	if data.HostName() != c.hostNQN {
		return &AttachError{
			Err:    ErrHostMismatch,
			Reject: nvme.InvalidParam(nvme.IAttrData, nvme.ConnectDataHostNQNOffset, "host NQN mismatch"),
		}
	}

	c.mu.Lock()
	if c.shutdownLocked() || c.state != StateEnabled {
		c.mu.Unlock()
		return &AttachError{
			Err:    ErrShutdown,
			Reject: nvme.InvalidParam(nvme.IAttrData, nvme.ConnectDataCntlIDOffset, "controller not enabled"),
		}
	}
	if c.ioQueues == nil {
		c.mu.Unlock()
		return &AttachError{
			Err:    ErrNoIOQueues,
			Reject: nvme.InvalidParam(nvme.IAttrCommand, nvme.ConnectCmdQIDOffset, "no I/O queues allocated"),
		}
	}
	if cmd.QID == 0 || int(cmd.QID) > len(c.ioQueues) {
		c.mu.Unlock()
		return &AttachError{
			Err:    ErrInvalidQID,
			Reject: nvme.InvalidParam(nvme.IAttrCommand, nvme.ConnectCmdQIDOffset, fmt.Sprintf("qid %d of %d", cmd.QID, len(c.ioQueues))),
		}
	}
	if c.ioQueues[cmd.QID-1] != nil {
		c.mu.Unlock()
		return &AttachError{
			Err:    ErrQueueExists,
			Reject: nvme.RejectWith(nvme.StatusCommandSequenceError, fmt.Sprintf("qid %d already connected", cmd.QID)),
		}
	}

	q := &ioQueue{
		qp: qp,
		runner: queue.NewRunner(context.Background(), queue.Config{
			QueuePair: qp,
			Handler:   c,
			Logger:    c.logger,
		}),
	}
	c.ioQueues[cmd.QID-1] = q
	c.mu.Unlock()

	cqe := nvme.NewCompletion(cmd.CID, nvme.StatusSuccess)
	cqe.CDW0 = uint32(c.id)
	c.send(qp, &cqe)

	c.logger.Debug("I/O queue connected", "qid", cmd.QID, "sqsize", cmd.SQSize)
	q.runner.Start()
	return nil
}

// AttachError is returned when an I/O queue CONNECT is refused. Reject
// describes the completion to send to the host.
type AttachError struct {
	Err    error
	Reject *nvme.ConnectReject
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Reject.Reason)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}

// RejectConnect answers a refused CONNECT and releases its queue pair
func RejectConnect(qp interfaces.QueuePair, cid uint16, rej *nvme.ConnectReject) error {
	cqe := nvme.NewCompletion(cid, rej.Status)
	cqe.CDW0 = rej.Result()
	err := qp.SendResponse(&cqe)
	if derr := qp.Destroy(); err == nil {
		err = derr
	}
	return err
}
