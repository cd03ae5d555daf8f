package ctrl

import (
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-nvmft/internal/constants"
	"github.com/ehrlich-b/go-nvmft/internal/interfaces"
	"github.com/ehrlich-b/go-nvmft/internal/nvme"
)

// Error reports a failure of qp, or of the controller itself when qp is
// nil. errno 0 means the host closed the queue in an orderly way.
//
// Closing an I/O queue is ignored. Closing the admin queue of a controller
// with no live I/O queues terminates it immediately; otherwise the close
// is treated like any other failure: CSTS.CFS is latched, CC.EN cleared
// and the queues are shut down. A failure reported while a shutdown is in
// progress makes that shutdown end the association.
func (c *Controller) Error(qp interfaces.QueuePair, errno unix.Errno) {
	c.mu.Lock()

	if errno == 0 {
		if qp != nil && qp.QID() != 0 {
			c.mu.Unlock()
			return
		}
		if c.shutdownLocked() {
			c.adminClosed = true
			c.mu.Unlock()
			return
		}
		if !c.cc.Enabled() && c.ioQueues == nil {
			c.adminClosed = true
			c.stopGraceLocked()
			c.mu.Unlock()
			c.logger.Debug("admin queue closed, terminating")
			c.enqueue(task{kind: taskTerminate})
			return
		}
		c.adminClosed = true
	}

	if c.shutdownLocked() {
		if errno != 0 && c.state == StateShuttingDown {
			c.abortQueued = true
		}
		c.mu.Unlock()
		return
	}

	if errno != 0 {
		c.logger.Warn("controller fatal error", "error", errno.Error())
	} else {
		c.logger.Warn("admin queue closed with queues active")
	}
	c.csts |= nvme.CSTSFatal
	c.csts &^= nvme.CSTSReady
	c.cc &^= nvme.CCEnable
	c.setStateLocked(StateShuttingDown)
	c.mu.Unlock()

	c.keepAlive.stop()
	c.enqueue(task{kind: taskShutdown})
}

func (c *Controller) keepAliveExpired() {
	c.logger.Warn("keep alive timer expired")
	c.observer.ObserveKeepAliveTimeout()
	c.Error(nil, unix.ETIMEDOUT)
}

// shutdownQueues drains and releases the I/O queues. It runs on the task
// goroutine after the controller entered StateShuttingDown.
func (c *Controller) shutdownQueues() {
	c.mu.Lock()
	if c.state != StateShuttingDown {
		c.mu.Unlock()
		return
	}
	var live []*ioQueue
	for _, q := range c.ioQueues {
		if q != nil {
			q.shuttingDown = true
			live = append(live, q)
		}
	}
	c.mu.Unlock()

	for _, q := range live {
		q.qp.Shutdown()
	}

	c.dispatcher.TerminateAll(c.id)
	c.waitForDrain()

	c.mu.Lock()
	table := c.ioQueues
	c.ioQueues = nil
	c.aers.Reset()
	c.mu.Unlock()

	c.destroyQueues(table)

	c.mu.Lock()
	if c.csts.SHST() == nvme.ShutdownStatusOccurring {
		c.csts = c.csts.WithSHST(nvme.ShutdownStatusComplete)
	}
	c.csts &^= nvme.CSTSReady
	fatal := c.csts.Fatal()
	if !fatal {
		c.setStateLocked(StateQuiesced)
	}
	immediate := fatal || c.adminClosed || c.abortQueued
	if !immediate {
		c.scheduleTerminationLocked()
	}
	c.mu.Unlock()

	c.logger.Info("controller shut down", "queues", len(live), "fatal", fatal)
	if immediate {
		c.terminate(0)
	}
}

// waitForDrain polls until every dispatched command has completed
func (c *Controller) waitForDrain() {
	ticker := time.NewTicker(constants.DrainPollInterval)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		pending := c.pending
		c.mu.Unlock()
		if pending == 0 {
			return
		}
		<-ticker.C
	}
}

func (c *Controller) destroyQueues(table []*ioQueue) {
	var g errgroup.Group
	for _, q := range table {
		if q == nil {
			continue
		}
		g.Go(func() error {
			q.runner.Stop()
			err := q.qp.Destroy()
			q.runner.Wait()
			if err != nil {
				c.logger.Debug("failed to destroy I/O queue", "qid", q.qp.QID(), "error", err)
			}
			return err
		})
	}
	_ = g.Wait()
}

func (c *Controller) scheduleTerminationLocked() {
	c.stopGraceLocked()
	c.graceGen++
	gen := c.graceGen
	c.graceTimer = time.AfterFunc(c.grace, func() {
		c.enqueue(task{kind: taskTerminate, gen: gen})
	})
}

func (c *Controller) stopGraceLocked() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}

// terminate tears down the association. gen is the grace timer generation
// that requested it, 0 for immediate requests. Re-enabling the controller
// cancels a pending termination.
func (c *Controller) terminate(gen uint64) {
	c.mu.Lock()
	switch c.state {
	case StateTerminating, StateFreed:
		c.mu.Unlock()
		return
	}
	if gen != 0 && gen != c.graceGen {
		c.mu.Unlock()
		return
	}
	if c.cc.Enabled() {
		c.mu.Unlock()
		c.logger.Debug("controller re-enabled, termination cancelled")
		return
	}
	c.stopGraceLocked()
	c.setStateLocked(StateTerminating)
	c.mu.Unlock()

	c.keepAlive.stop()
	c.adminRunner.Stop()
	if err := c.admin.Destroy(); err != nil {
		c.logger.Debug("failed to destroy admin queue", "error", err)
	}
	c.adminRunner.Wait()

	c.port.ReleaseController(c)

	c.mu.Lock()
	c.setStateLocked(StateFreed)
	c.mu.Unlock()
	close(c.done)

	c.logger.Info("association terminated", "lifetime", time.Since(c.created).Round(time.Millisecond).String())
}
