package ctrl

import (
	"github.com/ehrlich-b/go-nvmft/internal/nvme"
)

func (c *Controller) handleSetFeatures(cmd *nvme.Command) {
	fid := uint8(cmd.CDW10)
	switch fid {
	case nvme.FeatNumberOfQueues:
		c.setNumberOfQueues(cmd)
	case nvme.FeatAsyncEventConfig:
		if cmd.CDW11&^uint32(nvme.AsyncEventConfigSupported) != 0 {
			c.respond(cmd, nvme.StatusInvalidField, 0)
			return
		}
		c.mu.Lock()
		c.aerMask = cmd.CDW11
		c.mu.Unlock()
		c.respond(cmd, nvme.StatusSuccess, 0)
	default:
		c.logger.Debug("unsupported feature", "fid", fid)
		c.respond(cmd, nvme.StatusInvalidField, 0)
	}
}

// setNumberOfQueues sizes the I/O queue table. NSQR and NCQR are 0's
// based and must match since queues come in pairs.
func (c *Controller) setNumberOfQueues(cmd *nvme.Command) {
	num := cmd.CDW11 & 0xffff
	if num == 0xffff || cmd.CDW11>>16 != num {
		c.respond(cmd, nvme.StatusInvalidField, 0)
		return
	}

	c.mu.Lock()
	if c.ioQueues != nil {
		c.mu.Unlock()
		c.respond(cmd, nvme.StatusCommandSequenceError, 0)
		return
	}
	c.ioQueues = make([]*ioQueue, num+1)
	c.mu.Unlock()

	c.logger.Debug("allocated I/O queues", "count", num+1)
	c.respond(cmd, nvme.StatusSuccess, cmd.CDW11)
}

func (c *Controller) handleGetFeatures(cmd *nvme.Command) {
	fid := uint8(cmd.CDW10)

	c.mu.Lock()
	var (
		status = nvme.StatusSuccess
		cdw0   uint32
	)
	switch fid {
	case nvme.FeatNumberOfQueues:
		if c.ioQueues == nil {
			status = nvme.StatusCommandSequenceError
			break
		}
		n := uint32(len(c.ioQueues) - 1)
		cdw0 = n | n<<16
	case nvme.FeatAsyncEventConfig:
		cdw0 = c.aerMask
	case nvme.FeatKeepAliveTimer:
		cdw0 = c.kato
	default:
		status = nvme.StatusInvalidField
	}
	c.mu.Unlock()

	c.respond(cmd, status, cdw0)
}
