package ctrl

import (
	"encoding/binary"

	"github.com/ehrlich-b/go-nvmft/internal/constants"
	"github.com/ehrlich-b/go-nvmft/internal/interfaces"
	"github.com/ehrlich-b/go-nvmft/internal/nvme"
	"github.com/ehrlich-b/go-nvmft/internal/queue"
)

func (c *Controller) handleIdentify(capsule interfaces.Capsule) {
	cmd := capsule.SQE()
	if capsule.DataLength() != constants.IdentifyDataSize {
		c.logger.Debug("identify with wrong buffer size", "length", capsule.DataLength())
		c.respond(cmd, nvme.StatusInvalidField, 0)
		return
	}

	cns := uint8(cmd.CDW10)
	if cns == nvme.CNSNamespace || cns == nvme.CNSNamespaceIDList {
		// namespace data comes from the backing store. CC.EN is cleared
		// before a drain starts, so it gates the pending count.
		c.mu.Lock()
		if !c.cc.Enabled() {
			c.mu.Unlock()
			c.respond(cmd, nvme.StatusCommandSequenceError, 0)
			return
		}
		start, depth := c.beginDispatchLocked(cmd.Opcode, true)
		c.mu.Unlock()
		c.dispatch(c.admin, capsule, true, start, depth)
		return
	}

	buf := queue.GetBuffer(constants.IdentifyDataSize)
	defer queue.PutBuffer(buf)

	switch cns {
	case nvme.CNSController:
		data := *c.identify
		data.CntlID = c.id
		page, err := data.MarshalBinary()
		if err != nil {
			c.logger.Warn("failed to encode controller data", "error", err)
			c.respond(cmd, nvme.StatusInternalError, 0)
			return
		}
		copy(buf, page)
	case nvme.CNSActiveNamespaces:
		if cmd.NSID >= nvme.NSIDReserved {
			c.respond(cmd, nvme.StatusInvalidField, 0)
			return
		}
		ids := c.port.ActiveNamespaces(cmd.NSID+1, constants.MaxActiveNamespaces)
		for i, id := range ids {
			binary.LittleEndian.PutUint32(buf[i*4:], id)
		}
	default:
		c.logger.Debug("unsupported identify CNS", "cns", cns)
		c.respond(cmd, nvme.StatusInvalidOpcode, 0)
		return
	}

	if err := capsule.SendData(buf); err != nil {
		c.logger.Debug("identify transfer failed", "cns", cns, "error", err)
		c.respond(cmd, nvme.StatusDataTransferError, 0)
		return
	}
	c.respond(cmd, nvme.StatusSuccess, 0)
}
