package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ehrlich-b/go-nvmft/internal/constants"
	"github.com/ehrlich-b/go-nvmft/internal/interfaces"
	"github.com/ehrlich-b/go-nvmft/internal/logging"
	"github.com/ehrlich-b/go-nvmft/internal/nvme"
	"github.com/ehrlich-b/go-nvmft/internal/queue"
)

// Errors returned by namespace management
var (
	ErrNamespaceExists   = errors.New("namespace already exists")
	ErrNamespaceNotFound = errors.New("namespace not found")
	ErrInvalidNamespace  = errors.New("invalid namespace ID")
	ErrInvalidBlockSize  = errors.New("block size must be a power of two between 512 and 65536")
)

// Namespace is a store exposed to hosts under an NSID
type Namespace struct {
	ID        uint32
	Store     Store
	BlockSize uint32
	UUID      uuid.UUID
}

// Blocks returns the namespace capacity in logical blocks
func (ns *Namespace) Blocks() uint64 {
	return uint64(ns.Store.Size()) / uint64(ns.BlockSize)
}

// DispatcherConfig configures a Dispatcher
type DispatcherConfig struct {
	// Workers bounds the number of commands executing at once (default 64)
	Workers int64

	// NamespaceSeed derives stable namespace UUIDs (default: random)
	NamespaceSeed uuid.UUID

	Logger *logging.Logger
}

// Dispatcher executes NVM and namespace Identify commands against a set
// of namespaces. It implements interfaces.Dispatcher.
type Dispatcher struct {
	logger *logging.Logger
	seed   uuid.UUID
	sem    *semaphore.Weighted

	mu         sync.RWMutex
	namespaces map[uint32]*Namespace

	ctxMu    sync.Mutex
	contexts map[uint16]controllerContext
}

type controllerContext struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher with no namespaces
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	if config.Workers <= 0 {
		config.Workers = 64
	}
	if config.NamespaceSeed == uuid.Nil {
		config.NamespaceSeed = uuid.New()
	}
	if config.Logger == nil {
		config.Logger = logging.Nop()
	}
	return &Dispatcher{
		logger:     config.Logger,
		seed:       config.NamespaceSeed,
		sem:        semaphore.NewWeighted(config.Workers),
		namespaces: make(map[uint32]*Namespace),
		contexts:   make(map[uint16]controllerContext),
	}
}

// AddNamespace exposes store as namespace nsid
func (d *Dispatcher) AddNamespace(nsid uint32, store Store, blockSize uint32) (*Namespace, error) {
	if nsid == 0 || nsid >= nvme.NSIDReserved {
		return nil, fmt.Errorf("%w: %d", ErrInvalidNamespace, nsid)
	}
	if blockSize == 0 {
		blockSize = constants.DefaultLogicalBlockSize
	}
	if blockSize < 512 || blockSize > 65536 || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlockSize, blockSize)
	}

	ns := &Namespace{
		ID:        nsid,
		Store:     store,
		BlockSize: blockSize,
		UUID:      uuid.NewSHA1(d.seed, binary.LittleEndian.AppendUint32(nil, nsid)),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.namespaces[nsid]; ok {
		return nil, fmt.Errorf("%w: %d", ErrNamespaceExists, nsid)
	}
	d.namespaces[nsid] = ns
	d.logger.Info("namespace added", "nsid", nsid, "bytes", store.Size(), "block_size", blockSize)
	return ns, nil
}

// RemoveNamespace stops exposing nsid and returns its namespace
func (d *Dispatcher) RemoveNamespace(nsid uint32) (*Namespace, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ns, ok := d.namespaces[nsid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNamespaceNotFound, nsid)
	}
	delete(d.namespaces, nsid)
	d.logger.Info("namespace removed", "nsid", nsid)
	return ns, nil
}

// Namespace returns namespace nsid, or nil
func (d *Dispatcher) Namespace(nsid uint32) *Namespace {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.namespaces[nsid]
}

// NamespaceIDs returns the exposed NSIDs in ascending order
func (d *Dispatcher) NamespaceIDs() []uint32 {
	d.mu.RLock()
	ids := make([]uint32, 0, len(d.namespaces))
	for id := range d.namespaces {
		ids = append(ids, id)
	}
	d.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (d *Dispatcher) contextFor(cntlID uint16) context.Context {
	d.ctxMu.Lock()
	defer d.ctxMu.Unlock()
	cc, ok := d.contexts[cntlID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		cc = controllerContext{ctx: ctx, cancel: cancel}
		d.contexts[cntlID] = cc
	}
	return cc.ctx
}

// Dispatch implements interfaces.Dispatcher. Commands run asynchronously.
func (d *Dispatcher) Dispatch(cmd *interfaces.Command) {
	ctx := d.contextFor(cmd.CntlID)
	go d.execute(ctx, cmd)
}

// TerminateAll implements interfaces.Dispatcher. Commands of cntlID that
// have not started executing complete with ABORTED_SQ_DELETION.
func (d *Dispatcher) TerminateAll(cntlID uint16) {
	d.ctxMu.Lock()
	cc, ok := d.contexts[cntlID]
	delete(d.contexts, cntlID)
	d.ctxMu.Unlock()
	if ok {
		cc.cancel()
	}
}

func (d *Dispatcher) execute(ctx context.Context, cmd *interfaces.Command) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		cmd.Complete(nvme.StatusAbortedSQDeletion, 0)
		return
	}
	defer d.sem.Release(1)

	if ctx.Err() != nil {
		cmd.Complete(nvme.StatusAbortedSQDeletion, 0)
		return
	}

	var status nvme.Status
	if cmd.Admin {
		status = d.identify(cmd)
	} else {
		status = d.io(cmd)
	}
	cmd.Complete(status, 0)
}

func (d *Dispatcher) identify(cmd *interfaces.Command) nvme.Status {
	sqe := cmd.SQE()
	if sqe.Opcode != nvme.OpcIdentify {
		return nvme.StatusInvalidOpcode
	}
	if sqe.NSID == 0 || sqe.NSID >= nvme.NSIDReserved {
		return nvme.StatusInvalidNamespaceOrFormat
	}

	ns := d.Namespace(sqe.NSID)
	var page []byte
	switch uint8(sqe.CDW10) {
	case nvme.CNSNamespace:
		if ns == nil {
			// inactive namespaces report zeroed data
			page = make([]byte, nvme.NamespaceDataSize)
			break
		}
		var err error
		page, err = nvme.NewNamespaceData(ns.Blocks(), ns.BlockSize, ns.UUID).MarshalBinary()
		if err != nil {
			return nvme.StatusInternalError
		}
	case nvme.CNSNamespaceIDList:
		if ns == nil {
			return nvme.StatusInvalidNamespaceOrFormat
		}
		page = nvme.NamespaceDescriptors(ns.UUID)
	default:
		return nvme.StatusInvalidField
	}

	if err := cmd.Capsule.SendData(page); err != nil {
		return nvme.StatusDataTransferError
	}
	return nvme.StatusSuccess
}

// lbaRange decodes SLBA and NLB and checks them against the namespace
func lbaRange(ns *Namespace, sqe *nvme.Command) (off, length int64, status nvme.Status) {
	slba := uint64(sqe.CDW10) | uint64(sqe.CDW11)<<32
	nlb := uint64(sqe.CDW12&0xffff) + 1
	if slba+nlb < slba || slba+nlb > ns.Blocks() {
		return 0, 0, nvme.StatusLBAOutOfRange
	}
	bs := uint64(ns.BlockSize)
	return int64(slba * bs), int64(nlb * bs), nvme.StatusSuccess
}

func (d *Dispatcher) io(cmd *interfaces.Command) nvme.Status {
	sqe := cmd.SQE()
	ns := d.Namespace(sqe.NSID)
	if ns == nil {
		return nvme.StatusInvalidNamespaceOrFormat
	}

	switch sqe.Opcode {
	case nvme.OpcFlush:
		if err := ns.Store.Flush(); err != nil {
			d.logger.Warn("flush failed", "nsid", ns.ID, "error", err)
			return nvme.StatusWriteFault
		}
		return nvme.StatusSuccess
	case nvme.OpcRead:
		return d.read(ns, cmd)
	case nvme.OpcWrite:
		return d.write(ns, cmd)
	case nvme.OpcCompare:
		return d.compare(ns, cmd)
	case nvme.OpcWriteZeroes:
		off, length, status := lbaRange(ns, sqe)
		if !status.Success() {
			return status
		}
		return d.zero(ns, off, length)
	case nvme.OpcDatasetManagement:
		return d.datasetManagement(ns, cmd)
	case nvme.OpcVerify:
		_, _, status := lbaRange(ns, sqe)
		return status
	default:
		return nvme.StatusInvalidOpcode
	}
}

func (d *Dispatcher) read(ns *Namespace, cmd *interfaces.Command) nvme.Status {
	off, length, status := lbaRange(ns, cmd.SQE())
	if !status.Success() {
		return status
	}
	if uint64(length) > uint64(cmd.Capsule.DataLength()) {
		return nvme.StatusInvalidField
	}

	buf := queue.GetBuffer(uint32(length))
	defer queue.PutBuffer(buf)
	if _, err := ns.Store.ReadAt(buf, off); err != nil {
		d.logger.Warn("read failed", "nsid", ns.ID, "offset", off, "error", err)
		return nvme.StatusUnrecoveredReadError
	}
	if err := cmd.Capsule.SendData(buf); err != nil {
		return nvme.StatusDataTransferError
	}
	return nvme.StatusSuccess
}

func (d *Dispatcher) write(ns *Namespace, cmd *interfaces.Command) nvme.Status {
	off, length, status := lbaRange(ns, cmd.SQE())
	if !status.Success() {
		return status
	}
	if uint64(length) > uint64(cmd.Capsule.DataLength()) {
		return nvme.StatusInvalidField
	}

	buf := queue.GetBuffer(uint32(length))
	defer queue.PutBuffer(buf)
	if err := cmd.Capsule.ReceiveData(0, buf); err != nil {
		return nvme.StatusDataTransferError
	}
	if _, err := ns.Store.WriteAt(buf, off); err != nil {
		d.logger.Warn("write failed", "nsid", ns.ID, "offset", off, "error", err)
		return nvme.StatusWriteFault
	}
	return nvme.StatusSuccess
}

func (d *Dispatcher) compare(ns *Namespace, cmd *interfaces.Command) nvme.Status {
	off, length, status := lbaRange(ns, cmd.SQE())
	if !status.Success() {
		return status
	}
	if uint64(length) > uint64(cmd.Capsule.DataLength()) {
		return nvme.StatusInvalidField
	}

	want := queue.GetBuffer(uint32(length))
	defer queue.PutBuffer(want)
	if err := cmd.Capsule.ReceiveData(0, want); err != nil {
		return nvme.StatusDataTransferError
	}
	have := make([]byte, length)
	if _, err := ns.Store.ReadAt(have, off); err != nil {
		return nvme.StatusUnrecoveredReadError
	}
	if !bytes.Equal(want, have) {
		return nvme.StatusCompareFailure
	}
	return nvme.StatusSuccess
}

func (d *Dispatcher) zero(ns *Namespace, off, length int64) nvme.Status {
	if zw, ok := ns.Store.(ZeroWriter); ok {
		if err := zw.WriteZeroes(off, length); err != nil {
			return nvme.StatusWriteFault
		}
		return nvme.StatusSuccess
	}
	zeros := make([]byte, length)
	if _, err := ns.Store.WriteAt(zeros, off); err != nil {
		return nvme.StatusWriteFault
	}
	return nvme.StatusSuccess
}

// dsmRangeSize is the size of one Dataset Management range descriptor
const dsmRangeSize = 16

// DSM attribute: deallocate
const dsmDeallocate = 1 << 2

func (d *Dispatcher) datasetManagement(ns *Namespace, cmd *interfaces.Command) nvme.Status {
	sqe := cmd.SQE()
	nr := int(sqe.CDW10&0xff) + 1
	if sqe.CDW11&dsmDeallocate == 0 {
		// only deallocation has an effect on memory
		return nvme.StatusSuccess
	}

	raw := make([]byte, nr*dsmRangeSize)
	if err := cmd.Capsule.ReceiveData(0, raw); err != nil {
		return nvme.StatusDataTransferError
	}

	disc, ok := ns.Store.(Discarder)
	for i := 0; i < nr; i++ {
		r := raw[i*dsmRangeSize:]
		nlb := uint64(binary.LittleEndian.Uint32(r[4:]))
		slba := binary.LittleEndian.Uint64(r[8:])
		if nlb == 0 {
			continue
		}
		if slba+nlb < slba || slba+nlb > ns.Blocks() {
			return nvme.StatusLBAOutOfRange
		}
		off := int64(slba * uint64(ns.BlockSize))
		length := int64(nlb * uint64(ns.BlockSize))
		if !ok {
			continue
		}
		if err := disc.Discard(off, length); err != nil {
			return nvme.StatusWriteFault
		}
	}
	return nvme.StatusSuccess
}

var _ interfaces.Dispatcher = (*Dispatcher)(nil)
