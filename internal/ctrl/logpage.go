package ctrl

import (
	"time"

	"github.com/ehrlich-b/go-nvmft/internal/interfaces"
	"github.com/ehrlich-b/go-nvmft/internal/nvme"
	"github.com/ehrlich-b/go-nvmft/internal/queue"
)

func (c *Controller) handleGetLogPage(capsule interfaces.Capsule) {
	cmd := capsule.SQE()
	req := nvme.ParseGetLogPage(cmd)

	if req.Offset%3 != 0 {
		c.logger.Debug("unaligned log page offset", "lid", req.LID, "offset", req.Offset)
		c.respond(cmd, nvme.StatusInvalidField, 0)
		return
	}
	if req.Length > uint64(capsule.DataLength()) {
		c.logger.Debug("log page larger than data buffer", "lid", req.LID, "length", req.Length, "buffer", capsule.DataLength())
		c.respond(cmd, nvme.StatusInvalidField, 0)
		return
	}

	var (
		page []byte
		err  error
	)
	switch req.LID {
	case nvme.LogErrorInformation:
		// no error entries are recorded; the host reads zeros
	case nvme.LogHealthInformation:
		page, err = c.healthLog().MarshalBinary()
	case nvme.LogFirmwareSlot:
		page, err = c.firmware.MarshalBinary()
	case nvme.LogChangedNamespace:
		page, err = c.changedNamespaceLog(req)
	default:
		c.logger.Debug("unsupported log page", "lid", req.LID)
		c.respond(cmd, nvme.StatusInvalidField, 0)
		return
	}
	if err != nil {
		c.logger.Warn("failed to encode log page", "lid", req.LID, "error", err)
		c.respond(cmd, nvme.StatusInternalError, 0)
		return
	}
	if page != nil && req.Offset >= uint64(len(page)) {
		c.respond(cmd, nvme.StatusInvalidField, 0)
		return
	}

	buf := queue.GetBuffer(uint32(req.Length))
	defer queue.PutBuffer(buf)
	if page != nil {
		copy(buf, page[req.Offset:])
	}
	if err := capsule.SendData(buf); err != nil {
		c.logger.Debug("log page transfer failed", "lid", req.LID, "error", err)
		c.respond(cmd, nvme.StatusDataTransferError, 0)
		return
	}
	c.respond(cmd, nvme.StatusSuccess, 0)
}

// changedNamespaceLog snapshots the changed namespace list. Reading the
// whole list from the start clears it; reading without RAE re-arms the
// namespace attribute event.
func (c *Controller) changedNamespaceLog(req nvme.GetLogPage) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	page, err := c.changed.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if req.Offset == 0 && req.Length >= uint64(c.changed.Size()) {
		c.changed.Clear()
	}
	if !req.RAE {
		c.changedReported = false
	}
	return page, nil
}

func (c *Controller) healthLog() *nvme.HealthLog {
	c.mu.Lock()
	busy := c.busyTotal
	if c.pending > 0 {
		busy += time.Since(c.busyStart)
	}
	reads, writes := c.hostReads, c.hostWrites
	c.mu.Unlock()

	h := &nvme.HealthLog{}
	h.HostReadCommands.Lo = reads
	h.HostWriteCommands.Lo = writes
	h.ControllerBusyTime.Lo = uint64(busy / time.Minute)
	h.PowerCycles.Lo = 1
	h.PowerOnHours.Lo = uint64(time.Since(c.created) / time.Hour)
	return h
}
