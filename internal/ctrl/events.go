package ctrl

import (
	"github.com/ehrlich-b/go-nvmft/internal/aer"
	"github.com/ehrlich-b/go-nvmft/internal/nvme"
)

// NamespaceChanged records nsid in the changed namespace list and raises a
// namespace attribute event unless one is already outstanding
func (c *Controller) NamespaceChanged(nsid uint32) {
	c.mu.Lock()
	switch c.state {
	case StateTerminating, StateFreed:
		c.mu.Unlock()
		return
	}

	switch res := c.changed.Insert(nsid); res {
	case aer.Duplicate, aer.Frozen:
		c.mu.Unlock()
		return
	case aer.Overflowed:
		c.logger.Debug("changed namespace list overflowed", "nsid", nsid)
	}

	if c.changedReported {
		c.mu.Unlock()
		return
	}
	c.changedReported = true
	c.mu.Unlock()

	c.report(nvme.AsyncEventNamespaceAttr, nvme.AsyncEventTypeNotice,
		nvme.AsyncEventNoticeNamespaceChanged, nvme.LogChangedNamespace)
}

// report completes the oldest outstanding ASYNC_EVENT_REQUEST with the
// event, provided the host enabled it through mask. Events with no
// outstanding request are dropped.
func (c *Controller) report(mask uint32, eventType, info, logPage uint8) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	c.mu.Lock()
	if c.aerMask&mask == 0 {
		c.mu.Unlock()
		return
	}
	cid, ok := c.aers.Pop()
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping async event, no request outstanding", "type", eventType, "info", info, "lid", logPage)
		c.observer.ObserveAsyncEvent(false)
		return
	}

	cqe := nvme.NewCompletion(cid, nvme.StatusSuccess)
	cqe.CDW0 = nvme.AsyncEventResult(eventType, info, logPage)
	c.send(c.admin, &cqe)
	c.observer.ObserveAsyncEvent(true)
	c.observer.ObserveAdminCommand(nvme.OpcAsyncEventRequest, true)
}
