package ctrl

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/go-nvmft/internal/constants"
	"github.com/ehrlich-b/go-nvmft/internal/interfaces"
	"github.com/ehrlich-b/go-nvmft/internal/logging"
	"github.com/ehrlich-b/go-nvmft/internal/nvme"
)

// State is the lifecycle state of a controller association
type State int

const (
	StateConnecting   State = iota // admin queue up, CC.EN never set
	StateEnabled                   // CC.EN=1, CSTS.RDY=1
	StateShuttingDown              // queues being drained and released
	StateQuiesced                  // shut down, waiting for re-enable or termination
	StateTerminating               // admin queue being torn down
	StateFreed                     // association gone, ID released
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEnabled:
		return "enabled"
	case StateShuttingDown:
		return "shutting_down"
	case StateQuiesced:
		return "quiesced"
	case StateTerminating:
		return "terminating"
	case StateFreed:
		return "freed"
	default:
		return "unknown"
	}
}

// Errors returned by AttachIOQueue and the port handoff path
var (
	ErrHostMismatch    = errors.New("host identity does not match the association")
	ErrShutdown        = errors.New("controller is shutting down")
	ErrNoIOQueues      = errors.New("I/O queues have not been allocated")
	ErrInvalidQID      = errors.New("queue ID exceeds the allocated I/O queue count")
	ErrQueueExists     = errors.New("I/O queue is already connected")
	ErrUnknownCntlID   = errors.New("no controller with that ID")
	ErrNotAdminConnect = errors.New("admin CONNECT must use the dynamic controller ID")
)

// Port is the owning port as seen by its controllers
type Port interface {
	// ActiveNamespaces returns up to max active NSIDs >= start in ascending order
	ActiveNamespaces(start uint32, max int) []uint32

	// ReleaseController drops c from the port and frees its controller ID.
	// Called once, from the controller's own task goroutine.
	ReleaseController(c *Controller)
}

// Config carries everything a new association needs
type Config struct {
	CntlID  uint16
	HostID  uuid.UUID
	HostNQN string
	KATO    uint32 // keep-alive timeout in milliseconds, 0 disables

	CAP      nvme.CAP
	Identify *nvme.ControllerData // template; CNTLID is filled in per controller
	Firmware *nvme.FirmwareSlotLog

	Dispatcher interfaces.Dispatcher
	Observer   interfaces.Observer
	Logger     *logging.Logger

	// TerminationGrace is how long a shut down controller waits for
	// re-enable before the association is torn down
	TerminationGrace time.Duration

	// KeepAliveUnit is the granularity the KATO is rounded up to
	KeepAliveUnit time.Duration
}

func (cfg *Config) setDefaults() {
	if cfg.TerminationGrace <= 0 {
		cfg.TerminationGrace = constants.TerminationGrace
	}
	if cfg.KeepAliveUnit <= 0 {
		cfg.KeepAliveUnit = constants.KeepAliveUnit
	}
	if cfg.Identify == nil {
		cfg.Identify = &nvme.ControllerData{}
	}
	if cfg.Firmware == nil {
		cfg.Firmware = nvme.NewFirmwareSlotLog(cfg.Identify.FirmwareRevision())
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
}

// Info is a point-in-time snapshot of a controller
type Info struct {
	CntlID         uint16
	HostID         uuid.UUID
	HostNQN        string
	State          State
	CC             nvme.CC
	CSTS           nvme.CSTS
	KATO           uint32
	IOQueues       int // allocated I/O queue slots
	ActiveIOQueues int // connected I/O queues
	Pending        int // commands handed to the dispatcher
	PendingAERs    int
	CreatedAt      time.Time
}

type nopObserver struct{}

func (nopObserver) ObserveAdminCommand(uint8, bool) {}
func (nopObserver) ObserveIOCommand(uint8, uint64, uint64, bool) {}
func (nopObserver) ObserveAsyncEvent(bool) {}
func (nopObserver) ObserveKeepAliveTimeout() {}
func (nopObserver) ObserveControllerState(uint16, string) {}
func (nopObserver) ObserveInFlight(uint32) {}
