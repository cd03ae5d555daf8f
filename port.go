// Package nvmft implements the controller side of an NVMe over Fabrics
// target port: it accepts connected queue pairs from a transport and turns
// each admin queue into a controller association.
package nvmft

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-nvmft/backend"
	"github.com/ehrlich-b/go-nvmft/internal/arena"
	"github.com/ehrlich-b/go-nvmft/internal/constants"
	"github.com/ehrlich-b/go-nvmft/internal/ctrl"
	"github.com/ehrlich-b/go-nvmft/internal/logging"
	"github.com/ehrlich-b/go-nvmft/internal/nvme"
)

// PortParams contains parameters for creating a port
type PortParams struct {
	// SubNQN is the NQN of the subsystem the port exports
	SubNQN string

	// Identity reported in Identify Controller
	Serial   string
	Model    string
	Firmware string

	// Dispatcher executes namespace commands. If nil, the port creates a
	// backend.Dispatcher.
	Dispatcher Dispatcher

	// Controller limits
	MaxControllers int // Controller IDs available (default: 2048)
	MaxIOQueueSize int // Entries per I/O queue, CAP.MQES+1 (default: 1024)

	// Timing
	TerminationGrace time.Duration // Re-enable window after shutdown (default: 2m)
	KeepAliveUnit    time.Duration // KATO rounding granularity (default: 1s)
}

// DefaultParams returns default port parameters for subnqn
func DefaultParams(subnqn string) PortParams {
	return PortParams{
		SubNQN:           subnqn,
		Serial:           "0000000000000001",
		Model:            "go-nvmft",
		Firmware:         "1.0",
		MaxControllers:   constants.DefaultMaxControllers,
		MaxIOQueueSize:   constants.DefaultMaxIOQueueSize,
		TerminationGrace: constants.TerminationGrace,
		KeepAliveUnit:    constants.KeepAliveUnit,
	}
}

// Options contains additional options for port creation
type Options struct {
	// Logger for port and controller messages (if nil, uses logging.Default())
	Logger *logging.Logger

	// Observer receives controller events in addition to the port's Metrics
	Observer Observer
}

// ControllerInfo is a snapshot of one association
type ControllerInfo struct {
	CntlID         uint16    `json:"cntlid"`
	HostID         string    `json:"hostid"`
	HostNQN        string    `json:"hostnqn"`
	State          string    `json:"state"`
	Enabled        bool      `json:"enabled"`
	Ready          bool      `json:"ready"`
	Fatal          bool      `json:"fatal"`
	KATO           uint32    `json:"kato_ms"`
	IOQueues       int       `json:"io_queues"`
	ActiveIOQueues int       `json:"active_io_queues"`
	Pending        int       `json:"pending"`
	PendingAERs    int       `json:"pending_aers"`
	CreatedAt      time.Time `json:"created_at"`
}

// Port owns the controllers of one subsystem port
type Port struct {
	params     PortParams
	cap        nvme.CAP
	identify   *nvme.ControllerData
	firmware   *nvme.FirmwareSlotLog
	dispatcher Dispatcher
	observer   Observer
	metrics    *Metrics
	logger     *logging.Logger

	controllers *arena.Arena[*ctrl.Controller]

	mu         sync.Mutex
	online     bool
	namespaces []uint32 // active NSIDs, ascending
	drained    chan struct{}
	drainOnce  sync.Once
}

// NewPort creates an online port with no namespaces
func NewPort(params PortParams, options *Options) (*Port, error) {
	if options == nil {
		options = &Options{}
	}
	if params.SubNQN == "" {
		return nil, NewError("NEW_PORT", ErrCodeInvalidParameters, "subsystem NQN is required")
	}
	if len(params.SubNQN) > constants.MaxNQNLength {
		return nil, NewError("NEW_PORT", ErrCodeInvalidParameters,
			fmt.Sprintf("subsystem NQN longer than %d bytes", constants.MaxNQNLength))
	}
	if params.MaxControllers <= 0 {
		params.MaxControllers = constants.DefaultMaxControllers
	}
	if params.MaxControllers > constants.MaxControllerID+1 {
		return nil, NewError("NEW_PORT", ErrCodeInvalidParameters,
			fmt.Sprintf("max controllers %d exceeds %d", params.MaxControllers, constants.MaxControllerID+1))
	}
	if params.MaxIOQueueSize <= 0 {
		params.MaxIOQueueSize = constants.DefaultMaxIOQueueSize
	}
	if params.MaxIOQueueSize < 2 || params.MaxIOQueueSize > 65536 {
		return nil, NewError("NEW_PORT", ErrCodeInvalidParameters,
			fmt.Sprintf("I/O queue size %d out of range", params.MaxIOQueueSize))
	}
	if params.TerminationGrace <= 0 {
		params.TerminationGrace = constants.TerminationGrace
	}
	if params.KeepAliveUnit <= 0 {
		params.KeepAliveUnit = constants.KeepAliveUnit
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = MultiObserver{observer, options.Observer}
	}

	dispatcher := params.Dispatcher
	if dispatcher == nil {
		dispatcher = backend.NewDispatcher(backend.DispatcherConfig{Logger: logger})
	}

	p := &Port{
		params: params,
		cap: nvme.Capabilities{
			MQES: uint16(params.MaxIOQueueSize - 1),
			CQR:  true,
			TO:   1,
			CSS:  1, // NVM command set
		}.CAP(),
		firmware:    nvme.NewFirmwareSlotLog(params.Firmware),
		dispatcher:  dispatcher,
		observer:    observer,
		metrics:     metrics,
		logger:      logger,
		controllers: arena.New[*ctrl.Controller](params.MaxControllers),
		online:      true,
		drained:     make(chan struct{}),
	}
	p.identify = p.identifyTemplate()

	logger.Info("port online", "subnqn", params.SubNQN, "max_controllers", params.MaxControllers)
	return p, nil
}

// identifyTemplate builds the Identify Controller data shared by every
// controller of the port
func (p *Port) identifyTemplate() *nvme.ControllerData {
	d := &nvme.ControllerData{
		Ver:       nvme.Version14,
		CntrlType: nvme.ControllerTypeIO,
		CMIC:      1 << 1, // may have more than one controller
		OAES:      nvme.OAESNamespaceAttr,
		AERL:      constants.AERLimit - 1,
		FRMW:      1<<1 | 1, // one slot, read only
		LPA:       nvme.LPAExtendedData,
		KAS:       constants.KeepAliveGranularity,
		SQES:      nvme.SQEntrySizeExp<<4 | nvme.SQEntrySizeExp,
		CQES:      nvme.CQEntrySizeExp<<4 | nvme.CQEntrySizeExp,
		MaxCmd:    uint16(p.params.MaxIOQueueSize),
		NN:        nvme.NSIDReserved,
		ONCS:      nvme.ONCSCompare | nvme.ONCSDatasetMgmt | nvme.ONCSWriteZeroes | nvme.ONCSVerify,
		VWC:       0,
		SGLS:      nvme.SGLSupport,
		IOCCSZ:    nvme.CommandSize / 16,
		IORCSZ:    nvme.CompletionSize / 16,
	}
	d.SetIdentity(p.params.Serial, p.params.Model, p.params.Firmware)
	d.SetSubsystem(p.params.SubNQN)
	return d
}

// Accept takes ownership of a newly connected queue pair given its CONNECT
// capsule and routes it to HandoffAdminQueue or HandoffIOQueue. Transports
// (and loopback.Connect) call it once per queue pair.
func (p *Port) Accept(qp QueuePair, connect Capsule) error {
	sqe := connect.SQE()
	if sqe.Opcode != nvme.OpcFabrics || sqe.FCType() != nvme.FabricsConnect {
		p.reject(qp, sqe.CID, nvme.RejectWith(nvme.StatusCommandSequenceError, "first command is not CONNECT"))
		return NewQueueError("ACCEPT", 0, qp.QID(), ErrCodeInvalidParameters,
			fmt.Sprintf("first command has opcode 0x%02x", sqe.Opcode))
	}

	cmd := nvme.ParseConnectCommand(sqe)
	buf := make([]byte, nvme.ConnectDataSize)
	if err := connect.ReceiveData(0, buf); err != nil {
		p.reject(qp, cmd.CID, nvme.RejectWith(nvme.StatusDataTransferError, "CONNECT data unavailable"))
		return WrapError("ACCEPT", err)
	}
	data, err := nvme.ParseConnectData(buf)
	if err != nil {
		p.reject(qp, cmd.CID, nvme.RejectWith(nvme.StatusInvalidField, "malformed CONNECT data"))
		return WrapError("ACCEPT", err)
	}

	if cmd.QID == 0 {
		return p.HandoffAdminQueue(qp, cmd, data)
	}
	return p.HandoffIOQueue(qp, cmd, data)
}

func (p *Port) reject(qp QueuePair, cid uint16, rej *nvme.ConnectReject) {
	p.metrics.ConnectRejects.Add(1)
	p.logger.Debug("connect rejected", "qid", qp.QID(), "reason", rej.Reason, "status", rej.Status.String())
	if err := ctrl.RejectConnect(qp, cid, rej); err != nil {
		p.logger.Debug("failed to send connect rejection", "qid", qp.QID(), "error", err)
	}
}

// validateConnect applies the checks shared by admin and I/O handoff
func (p *Port) validateConnect(cmd nvme.ConnectCommand, data *nvme.ConnectData) *nvme.ConnectReject {
	if rej := nvme.ValidateConnect(p.cap, cmd); rej != nil {
		return rej
	}
	if data.SubsystemName() != p.params.SubNQN {
		return nvme.InvalidParam(nvme.IAttrData, nvme.ConnectDataSubNQNOffset,
			fmt.Sprintf("unknown subsystem %q", data.SubsystemName()))
	}
	return nil
}

// HandoffAdminQueue creates a controller for a connected admin queue pair.
// On success the CONNECT is answered with the new controller ID; on failure
// the CONNECT is rejected and qp destroyed.
func (p *Port) HandoffAdminQueue(qp QueuePair, cmd ConnectCommand, data *ConnectData) error {
	const op = "HANDOFF_ADMIN"

	if cmd.QID != 0 {
		p.reject(qp, cmd.CID, nvme.InvalidParam(nvme.IAttrCommand, nvme.ConnectCmdQIDOffset, "admin CONNECT on an I/O queue"))
		return NewQueueError(op, 0, cmd.QID, ErrCodeInvalidParameters, "admin CONNECT with non-zero QID")
	}
	if rej := p.validateConnect(cmd, data); rej != nil {
		p.reject(qp, cmd.CID, rej)
		return &Error{Op: op, CntlID: -1, Queue: 0, Code: ErrCodeConnectRejected, Msg: rej.Reason, Inner: rej}
	}
	if data.CntlID != nvme.DynamicControllerID {
		p.reject(qp, cmd.CID, nvme.InvalidParam(nvme.IAttrData, nvme.ConnectDataCntlIDOffset, "static controller ID"))
		return WrapError(op, ctrl.ErrNotAdminConnect)
	}

	p.mu.Lock()
	if !p.online {
		p.mu.Unlock()
		p.logger.Debug("port offline, dropping admin queue", "hostnqn", data.HostName())
		if err := qp.Destroy(); err != nil {
			p.logger.Debug("failed to destroy admin queue", "error", err)
		}
		return NewError(op, ErrCodePortOffline, "port is offline")
	}

	id, err := p.controllers.Reserve()
	if err != nil {
		p.mu.Unlock()
		p.logger.Warn("no controller IDs available", "hostnqn", data.HostName())
		p.reject(qp, cmd.CID, nvme.RejectWith(nvme.StatusConnectInvalidHost, "no controller IDs available"))
		return WrapError(op, err)
	}

	c := ctrl.New(p, qp, ctrl.Config{
		CntlID:           id,
		HostID:           data.Host(),
		HostNQN:          data.HostName(),
		KATO:             cmd.KATO,
		CAP:              p.cap,
		Identify:         p.identify,
		Firmware:         p.firmware,
		Dispatcher:       p.dispatcher,
		Observer:         p.observer,
		Logger:           p.logger,
		TerminationGrace: p.params.TerminationGrace,
		KeepAliveUnit:    p.params.KeepAliveUnit,
	})
	p.controllers.Set(id, c)
	p.mu.Unlock()

	c.Start(cmd.CID)
	return nil
}

// HandoffIOQueue attaches a connected I/O queue pair to the controller
// named in its CONNECT data. On failure the CONNECT is rejected and qp
// destroyed.
func (p *Port) HandoffIOQueue(qp QueuePair, cmd ConnectCommand, data *ConnectData) error {
	const op = "HANDOFF_IO"

	if cmd.QID == 0 {
		p.reject(qp, cmd.CID, nvme.InvalidParam(nvme.IAttrCommand, nvme.ConnectCmdQIDOffset, "I/O CONNECT on the admin queue"))
		return NewError(op, ErrCodeInvalidParameters, "I/O CONNECT with QID 0")
	}
	if rej := p.validateConnect(cmd, data); rej != nil {
		p.reject(qp, cmd.CID, rej)
		return &Error{Op: op, CntlID: int(data.CntlID), Queue: int(cmd.QID), Code: ErrCodeConnectRejected, Msg: rej.Reason, Inner: rej}
	}

	p.mu.Lock()
	online := p.online
	p.mu.Unlock()
	if !online {
		if err := qp.Destroy(); err != nil {
			p.logger.Debug("failed to destroy I/O queue", "error", err)
		}
		return NewQueueError(op, data.CntlID, cmd.QID, ErrCodePortOffline, "port is offline")
	}

	c, ok := p.controllers.Get(data.CntlID)
	if !ok || c == nil {
		p.reject(qp, cmd.CID, nvme.InvalidParam(nvme.IAttrData, nvme.ConnectDataCntlIDOffset,
			fmt.Sprintf("unknown controller %d", data.CntlID)))
		return &Error{Op: op, CntlID: int(data.CntlID), Queue: int(cmd.QID),
			Code: ErrCodeControllerNotFound, Msg: ctrl.ErrUnknownCntlID.Error(), Inner: ctrl.ErrUnknownCntlID}
	}

	if err := c.AttachIOQueue(qp, cmd, data); err != nil {
		var ae *ctrl.AttachError
		if errors.As(err, &ae) {
			p.reject(qp, cmd.CID, ae.Reject)
		}
		werr := WrapError(op, err)
		werr.CntlID = int(data.CntlID)
		werr.Queue = int(cmd.QID)
		return werr
	}
	return nil
}

// ActiveNamespaces returns up to max active NSIDs >= start in ascending order
func (p *Port) ActiveNamespaces(start uint32, max int) []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := sort.Search(len(p.namespaces), func(i int) bool { return p.namespaces[i] >= start })
	end := i + max
	if end > len(p.namespaces) {
		end = len(p.namespaces)
	}
	return append([]uint32(nil), p.namespaces[i:end]...)
}

// Namespaces returns the active NSIDs in ascending order
func (p *Port) Namespaces() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint32(nil), p.namespaces...)
}

// AddNamespace exposes a namespace and notifies every controller. When the
// dispatcher implements NamespaceManager, store is registered with it;
// otherwise store must be nil and the dispatcher is expected to serve nsid
// on its own.
func (p *Port) AddNamespace(nsid uint32, store backend.Store, blockSize uint32) error {
	const op = "ADD_NAMESPACE"
	if nsid == 0 || nsid >= nvme.NSIDReserved {
		return NewError(op, ErrCodeInvalidParameters, fmt.Sprintf("invalid NSID %d", nsid))
	}

	p.mu.Lock()
	i := sort.Search(len(p.namespaces), func(i int) bool { return p.namespaces[i] >= nsid })
	if i < len(p.namespaces) && p.namespaces[i] == nsid {
		p.mu.Unlock()
		return NewError(op, ErrCodeNamespaceExists, fmt.Sprintf("namespace %d already exists", nsid))
	}

	if mgr, ok := p.dispatcher.(NamespaceManager); ok && store != nil {
		if _, err := mgr.AddNamespace(nsid, store, blockSize); err != nil {
			p.mu.Unlock()
			return WrapError(op, err)
		}
	} else if store != nil {
		p.mu.Unlock()
		return NewError(op, ErrCodeInvalidParameters, "dispatcher does not manage namespace storage")
	}

	p.namespaces = append(p.namespaces, 0)
	copy(p.namespaces[i+1:], p.namespaces[i:])
	p.namespaces[i] = nsid
	p.mu.Unlock()

	p.notifyNamespaceChanged(nsid)
	return nil
}

// RemoveNamespace withdraws a namespace and notifies every controller
func (p *Port) RemoveNamespace(nsid uint32) error {
	const op = "REMOVE_NAMESPACE"

	p.mu.Lock()
	i := sort.Search(len(p.namespaces), func(i int) bool { return p.namespaces[i] >= nsid })
	if i == len(p.namespaces) || p.namespaces[i] != nsid {
		p.mu.Unlock()
		return NewError(op, ErrCodeNamespaceNotFound, fmt.Sprintf("namespace %d not found", nsid))
	}
	p.namespaces = append(p.namespaces[:i], p.namespaces[i+1:]...)
	if mgr, ok := p.dispatcher.(NamespaceManager); ok {
		if _, err := mgr.RemoveNamespace(nsid); err != nil && !errors.Is(err, backend.ErrNamespaceNotFound) {
			p.logger.Warn("dispatcher failed to remove namespace", "nsid", nsid, "error", err)
		}
	}
	p.mu.Unlock()

	p.notifyNamespaceChanged(nsid)
	return nil
}

func (p *Port) notifyNamespaceChanged(nsid uint32) {
	for _, c := range p.controllers.Values() {
		if c != nil {
			c.NamespaceChanged(nsid)
		}
	}
}

// ReleaseController implements ctrl.Port. It frees the controller ID and
// completes an Offline waiting for the last association.
func (p *Port) ReleaseController(c *ctrl.Controller) {
	p.mu.Lock()
	p.controllers.Release(c.ID())
	drained := !p.online && p.controllers.Len() == 0
	p.mu.Unlock()

	if drained {
		p.drainOnce.Do(func() { close(p.drained) })
	}
}

// Controller returns the live controller with the given ID
func (p *Port) Controller(cntlID uint16) (*ctrl.Controller, bool) {
	c, ok := p.controllers.Get(cntlID)
	return c, ok && c != nil
}

// Controllers returns a snapshot of every live association
func (p *Port) Controllers() []ControllerInfo {
	var out []ControllerInfo
	for _, c := range p.controllers.Values() {
		if c == nil {
			continue
		}
		info := c.Info()
		out = append(out, ControllerInfo{
			CntlID:         info.CntlID,
			HostID:         info.HostID.String(),
			HostNQN:        info.HostNQN,
			State:          info.State.String(),
			Enabled:        info.CC.Enabled(),
			Ready:          info.CSTS.Ready(),
			Fatal:          info.CSTS.Fatal(),
			KATO:           info.KATO,
			IOQueues:       info.IOQueues,
			ActiveIOQueues: info.ActiveIOQueues,
			Pending:        info.Pending,
			PendingAERs:    info.PendingAERs,
			CreatedAt:      info.CreatedAt,
		})
	}
	return out
}

// Online reports whether the port accepts new associations
func (p *Port) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Offline stops accepting associations, fails every live controller with
// ENODEV and waits until all of them are freed or ctx is done
func (p *Port) Offline(ctx context.Context) error {
	p.mu.Lock()
	wasOnline := p.online
	p.online = false
	empty := p.controllers.Len() == 0
	p.mu.Unlock()

	if empty {
		p.drainOnce.Do(func() { close(p.drained) })
	}

	if wasOnline {
		live := p.controllers.Values()
		p.logger.Info("port going offline", "controllers", len(live))
		for _, c := range live {
			if c != nil {
				c.Error(nil, unix.ENODEV)
			}
		}
	}

	select {
	case <-p.drained:
		p.metrics.Stop()
		p.logger.Info("port offline")
		return nil
	case <-ctx.Done():
		return &Error{Op: "OFFLINE", CntlID: -1, Queue: -1, Code: ErrCodeTimeout,
			Msg: "controllers still terminating", Inner: ctx.Err()}
	}
}

// Dispatcher returns the dispatcher serving the port's namespaces
func (p *Port) Dispatcher() Dispatcher {
	return p.dispatcher
}

// SubNQN returns the subsystem NQN of the port
func (p *Port) SubNQN() string {
	return p.params.SubNQN
}

// Metrics returns the port metrics
func (p *Port) Metrics() *Metrics {
	if p == nil {
		return nil
	}
	return p.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of port metrics
func (p *Port) MetricsSnapshot() MetricsSnapshot {
	if p == nil || p.metrics == nil {
		return MetricsSnapshot{}
	}
	return p.metrics.Snapshot()
}

var _ ctrl.Port = (*Port)(nil)
