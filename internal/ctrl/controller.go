// Package ctrl implements the NVMe over Fabrics controller association:
// the property registers, admin command handling, asynchronous events,
// keep-alive supervision and the shutdown/termination lifecycle.
package ctrl

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/go-nvmft/internal/aer"
	"github.com/ehrlich-b/go-nvmft/internal/constants"
	"github.com/ehrlich-b/go-nvmft/internal/interfaces"
	"github.com/ehrlich-b/go-nvmft/internal/logging"
	"github.com/ehrlich-b/go-nvmft/internal/nvme"
	"github.com/ehrlich-b/go-nvmft/internal/queue"
)

// Controller is one host association: an admin queue pair, an optional
// table of I/O queue pairs and the register and event state behind them.
type Controller struct {
	id       uint16
	hostID   uuid.UUID
	hostNQN  string
	kato     uint32
	created  time.Time
	cap      nvme.CAP
	identify *nvme.ControllerData
	firmware *nvme.FirmwareSlotLog
	grace    time.Duration

	port       Port
	dispatcher interfaces.Dispatcher
	observer   interfaces.Observer
	logger     *logging.Logger

	admin       interfaces.QueuePair
	adminRunner *queue.Runner
	keepAlive   *keepAlive

	mu          sync.Mutex
	state       State
	cc          nvme.CC
	csts        nvme.CSTS
	adminClosed bool
	abortQueued bool       // fatal error arrived mid shutdown; skip the grace period
	ioQueues    []*ioQueue // nil until Set Features (Number of Queues)

	// eventMu is taken before mu by report so AER completions are sent in
	// the order their CIDs leave the ring
	eventMu sync.Mutex

	aerMask         uint32
	aers            *aer.Ring
	changed         *aer.NSList
	changedReported bool

	pending    int
	busyStart  time.Time
	busyTotal  time.Duration
	hostReads  uint64
	hostWrites uint64

	graceTimer *time.Timer
	graceGen   uint64

	tasks chan task
	done  chan struct{}
}

type ioQueue struct {
	qp           interfaces.QueuePair
	runner       *queue.Runner
	shuttingDown bool
}

type taskKind int

const (
	taskShutdown taskKind = iota
	taskTerminate
)

// task is work run on the controller's own goroutine. gen identifies the
// grace timer that queued a terminate, 0 for an immediate one.
type task struct {
	kind taskKind
	gen  uint64
}

// New creates a controller for a freshly connected admin queue. The admin
// queue is not serviced until Start.
func New(port Port, admin interfaces.QueuePair, cfg Config) *Controller {
	cfg.setDefaults()

	c := &Controller{
		id:         cfg.CntlID,
		hostID:     cfg.HostID,
		hostNQN:    cfg.HostNQN,
		kato:       cfg.KATO,
		created:    time.Now(),
		cap:        cfg.CAP,
		identify:   cfg.Identify,
		firmware:   cfg.Firmware,
		grace:      cfg.TerminationGrace,
		port:       port,
		dispatcher: cfg.Dispatcher,
		observer:   cfg.Observer,
		logger:     cfg.Logger.WithController(cfg.CntlID).WithHost(cfg.HostNQN),
		admin:      admin,
		state:      StateConnecting,
		aers:       aer.NewRing(constants.AERLimit),
		changed:    aer.NewNSList(constants.ChangedNSListEntries),
		tasks:      make(chan task, constants.TaskQueueDepth),
		done:       make(chan struct{}),
	}
	c.keepAlive = newKeepAlive(cfg.KATO, cfg.KeepAliveUnit, c.keepAliveExpired)
	c.adminRunner = queue.NewRunner(context.Background(), queue.Config{
		QueuePair: admin,
		Handler:   c,
		Logger:    c.logger,
	})

	go c.run()
	return c
}

// Start answers the admin CONNECT with this controller's ID and begins
// servicing the admin queue
func (c *Controller) Start(connectCID uint16) {
	cqe := nvme.NewCompletion(connectCID, nvme.StatusSuccess)
	cqe.CDW0 = uint32(c.id)
	c.send(c.admin, &cqe)

	c.logger.Info("association created", "kato_ms", c.kato)
	c.observer.ObserveControllerState(c.id, c.state.String())
	c.adminRunner.Start()
}

// ID returns the controller ID
func (c *Controller) ID() uint16 {
	return c.id
}

// HostID returns the host identifier of the association
func (c *Controller) HostID() uuid.UUID {
	return c.hostID
}

// HostNQN returns the host NQN of the association
func (c *Controller) HostNQN() string {
	return c.hostNQN
}

// Done is closed once the association has been terminated
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CC returns the Controller Configuration register
func (c *Controller) CC() nvme.CC {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cc
}

// CSTS returns the Controller Status register
func (c *Controller) CSTS() nvme.CSTS {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.csts
}

// Info returns a snapshot of the controller
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	active := 0
	for _, q := range c.ioQueues {
		if q != nil {
			active++
		}
	}
	return Info{
		CntlID:         c.id,
		HostID:         c.hostID,
		HostNQN:        c.hostNQN,
		State:          c.state,
		CC:             c.cc,
		CSTS:           c.csts,
		KATO:           c.kato,
		IOQueues:       len(c.ioQueues),
		ActiveIOQueues: active,
		Pending:        c.pending,
		PendingAERs:    c.aers.Len(),
		CreatedAt:      c.created,
	}
}

// shutdownLocked reports whether the controller has started shutting
// down, either through CC or a latched fatal status
func (c *Controller) shutdownLocked() bool {
	switch c.state {
	case StateShuttingDown, StateTerminating, StateFreed:
		return true
	}
	return c.csts.Fatal()
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug("state change", "from", c.state.String(), "to", s.String())
	c.state = s
	c.observer.ObserveControllerState(c.id, s.String())
}

// enqueue hands t to the task goroutine. It drops t once the association
// is gone.
func (c *Controller) enqueue(t task) {
	select {
	case c.tasks <- t:
	case <-c.done:
	}
}

func (c *Controller) run() {
	for {
		select {
		case t := <-c.tasks:
			switch t.kind {
			case taskShutdown:
				c.shutdownQueues()
			case taskTerminate:
				c.terminate(t.gen)
			}
		case <-c.done:
			return
		}
	}
}

// send transmits a completion, logging transport failures
func (c *Controller) send(qp interfaces.QueuePair, cqe *nvme.Completion) {
	if err := qp.SendResponse(cqe); err != nil {
		c.logger.Debug("failed to send completion", "qid", qp.QID(), "cid", cqe.CID, "error", err)
	}
}

// respond completes an admin command handled inline
func (c *Controller) respond(cmd *nvme.Command, status nvme.Status, cdw0 uint32) {
	cqe := nvme.NewCompletion(cmd.CID, status)
	cqe.CDW0 = cdw0
	c.send(c.admin, &cqe)
	c.observer.ObserveAdminCommand(cmd.Opcode, status.Success())
}

// respondStatus completes an I/O command with a status and no data
func (c *Controller) respondStatus(qp interfaces.QueuePair, cmd *nvme.Command, status nvme.Status) {
	cqe := nvme.NewCompletion(cmd.CID, status)
	c.send(qp, &cqe)
	c.observer.ObserveIOCommand(cmd.Opcode, 0, 0, status.Success())
}

// beginDispatchLocked counts a command as in flight. It must run in the
// same critical section as the check that the command's queue is still
// live, so a shutdown drain either sees it or rejects it.
func (c *Controller) beginDispatchLocked(opcode uint8, admin bool) (start time.Time, depth int) {
	start = time.Now()
	if c.pending == 0 {
		c.busyStart = start
	}
	c.pending++
	if !admin {
		switch opcode {
		case nvme.OpcRead:
			c.hostReads++
		case nvme.OpcWrite:
			c.hostWrites++
		}
	}
	return start, c.pending
}

// dispatch hands a command counted by beginDispatchLocked to the
// dispatcher and tracks it until completion
func (c *Controller) dispatch(qp interfaces.QueuePair, capsule interfaces.Capsule, admin bool, start time.Time, depth int) {
	opcode := capsule.SQE().Opcode
	c.observer.ObserveInFlight(uint32(depth))

	cmd := interfaces.NewCommand(c.id, qp, capsule, admin, func(cqe nvme.Completion) {
		c.send(qp, &cqe)
		c.commandDone()

		success := cqe.Result().Success()
		if admin {
			c.observer.ObserveAdminCommand(opcode, success)
			return
		}
		var bytes uint64
		if success {
			bytes = uint64(capsule.DataLength())
		}
		c.observer.ObserveIOCommand(opcode, bytes, uint64(time.Since(start).Nanoseconds()), success)
	})
	c.dispatcher.Dispatch(cmd)
}

func (c *Controller) commandDone() {
	c.mu.Lock()
	c.pending--
	if c.pending == 0 {
		c.busyTotal += time.Since(c.busyStart)
	}
	depth := c.pending
	c.mu.Unlock()
	c.observer.ObserveInFlight(uint32(depth))
}
