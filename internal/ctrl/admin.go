package ctrl

import (
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-nvmft/internal/interfaces"
	"github.com/ehrlich-b/go-nvmft/internal/nvme"
)

// HandleCapsule routes a command received on one of the controller's
// queue pairs
func (c *Controller) HandleCapsule(qp interfaces.QueuePair, capsule interfaces.Capsule) {
	if qp.QID() == 0 {
		c.handleAdminCommand(capsule)
		return
	}
	c.handleIOCommand(qp, capsule)
}

// HandleQueueError reports that qp stopped delivering commands
func (c *Controller) HandleQueueError(qp interfaces.QueuePair, errno unix.Errno) {
	c.Error(qp, errno)
}

func (c *Controller) handleAdminCommand(capsule interfaces.Capsule) {
	cmd := capsule.SQE()
	c.keepAlive.touch()

	c.mu.Lock()
	enabled := c.cc.Enabled()
	c.mu.Unlock()

	// Only fabrics commands are accepted until CC.EN is set
	if !enabled && cmd.Opcode != nvme.OpcFabrics {
		c.logger.Debug("admin command while disabled", "opc", cmd.Opcode, "cid", cmd.CID)
		c.respond(cmd, nvme.StatusCommandSequenceError, 0)
		return
	}

	switch cmd.Opcode {
	case nvme.OpcGetLogPage:
		c.handleGetLogPage(capsule)
	case nvme.OpcIdentify:
		c.handleIdentify(capsule)
	case nvme.OpcSetFeatures:
		c.handleSetFeatures(cmd)
	case nvme.OpcGetFeatures:
		c.handleGetFeatures(cmd)
	case nvme.OpcAsyncEventRequest:
		c.handleAsyncEventRequest(cmd)
	case nvme.OpcKeepAlive:
		c.respond(cmd, nvme.StatusSuccess, 0)
	case nvme.OpcFabrics:
		c.handleFabrics(cmd)
	default:
		c.logger.Debug("unsupported admin opcode", "opc", cmd.Opcode)
		c.respond(cmd, nvme.StatusInvalidOpcode, 0)
	}
}

func (c *Controller) handleFabrics(cmd *nvme.Command) {
	switch cmd.FCType() {
	case nvme.FabricsConnect:
		// the admin queue is already connected
		c.respond(cmd, nvme.StatusCommandSequenceError, 0)
	case nvme.FabricsDisconnect:
		c.respond(cmd, nvme.StatusInvalidQueueType, 0)
	case nvme.FabricsPropertyGet:
		c.handlePropertyGet(cmd)
	case nvme.FabricsPropertySet:
		c.handlePropertySet(cmd)
	default:
		c.logger.Debug("unsupported fabrics command", "fctype", cmd.FCType())
		c.respond(cmd, nvme.StatusInvalidOpcode, 0)
	}
}

func (c *Controller) handlePropertyGet(cmd *nvme.Command) {
	p := nvme.ParsePropertyAccess(cmd)
	value, ok := c.property(p.Offset, p.Size)
	if !ok {
		c.logger.Debug("invalid property get", "offset", p.Offset, "size", p.Size)
		c.respond(cmd, nvme.StatusInvalidField, 0)
		return
	}

	cqe := nvme.NewCompletion(cmd.CID, nvme.StatusSuccess)
	cqe.CDW0 = uint32(value)
	cqe.CDW1 = uint32(value >> 32)
	c.send(c.admin, &cqe)
	c.observer.ObserveAdminCommand(cmd.Opcode, true)
}

func (c *Controller) handlePropertySet(cmd *nvme.Command) {
	p := nvme.ParsePropertyAccess(cmd)
	if p.Offset != nvme.PropCC || p.Size != 4 {
		c.logger.Debug("invalid property set", "offset", p.Offset, "size", p.Size)
		c.respond(cmd, nvme.StatusInvalidField, 0)
		return
	}

	accepted, needShutdown := c.updateCC(nvme.CC(uint32(p.Value)))
	if !accepted {
		c.respond(cmd, nvme.StatusInvalidField, 0)
		return
	}
	c.respond(cmd, nvme.StatusSuccess, 0)

	if needShutdown {
		c.keepAlive.stop()
		c.enqueue(task{kind: taskShutdown})
	}
}

func (c *Controller) handleAsyncEventRequest(cmd *nvme.Command) {
	c.mu.Lock()
	ok := c.aers.Push(cmd.CID)
	c.mu.Unlock()

	if !ok {
		c.respond(cmd, nvme.StatusAERLimitExceeded, 0)
	}
	// otherwise completed when an event is reported
}
