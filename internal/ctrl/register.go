package ctrl

import (
	"github.com/ehrlich-b/go-nvmft/internal/nvme"
)

// updateCC applies a host write of the Controller Configuration register.
// accepted is false when the write must fail with Invalid Field; needShutdown
// asks the caller to queue the shutdown task once the write is acknowledged.
// CSTS.RDY follows CC.EN at once; the drain that follows is tracked by
// SHST for a shutdown notification and by the controller state otherwise.
func (c *Controller) updateCC(newCC nvme.CC) (accepted, needShutdown bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdownLocked() {
		c.logger.Debug("CC write rejected during shutdown", "cc", uint32(newCC))
		return false, false
	}
	if err := nvme.ValidateCC(c.cap, c.cc, newCC); err != nil {
		c.logger.Debug("CC write rejected", "cc", uint32(newCC), "error", err)
		return false, false
	}

	changes := c.cc ^ newCC
	c.cc = newCC

	if changes.SHN() != 0 && newCC.SHN() != nvme.ShutdownNone {
		c.csts = c.csts.WithSHST(nvme.ShutdownStatusOccurring)
		c.cc &^= nvme.CCEnable
		c.csts &^= nvme.CSTSReady
		c.setStateLocked(StateShuttingDown)
		return true, true
	}

	if changes&nvme.CCEnable != 0 {
		if !newCC.Enabled() {
			c.csts &^= nvme.CSTSReady
			c.setStateLocked(StateShuttingDown)
			return true, true
		}
		c.csts |= nvme.CSTSReady
		c.csts = c.csts.WithSHST(nvme.ShutdownStatusNormal)
		c.stopGraceLocked()
		c.setStateLocked(StateEnabled)
		c.keepAlive.arm()
	}
	return true, false
}

// property returns the value of a readable property, or ok=false when
// offset and size do not name one
func (c *Controller) property(offset uint32, size int) (value uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch offset {
	case nvme.PropCAP:
		if size != 8 {
			return 0, false
		}
		return uint64(c.cap), true
	case nvme.PropVS:
		if size != 4 {
			return 0, false
		}
		return nvme.Version14, true
	case nvme.PropCC:
		if size != 4 {
			return 0, false
		}
		return uint64(c.cc), true
	case nvme.PropCSTS:
		if size != 4 {
			return 0, false
		}
		return uint64(c.csts), true
	}
	return 0, false
}
