// Package loopback is an in-process fabrics transport. Each queue pair has a
// target half, handed to a Port, and a Host half that submits commands and
// waits for their completions.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-nvmft/internal/interfaces"
	"github.com/ehrlich-b/go-nvmft/internal/nvme"
)

// ErrClosed is returned once a queue pair has been destroyed or closed
var ErrClosed = errors.New("loopback: queue pair closed")

// Acceptor takes ownership of a new queue pair given its CONNECT capsule.
// *nvmft.Port implements it.
type Acceptor interface {
	Accept(qp interfaces.QueuePair, connect interfaces.Capsule) error
}

// queuePair is the target half of a loopback queue pair
type queuePair struct {
	qid         uint16
	submissions chan *capsule

	mu          sync.Mutex
	outstanding map[uint16]*capsule

	shutdown     chan struct{}
	shutdownOnce sync.Once
	hostClosed   chan struct{}
	hostOnce     sync.Once
	destroyed    chan struct{}
	destroyOnce  sync.Once
	isShutdown   atomic.Bool
}

type capsule struct {
	sqe  nvme.Command
	data []byte
	resp chan nvme.Completion
}

func (c *capsule) SQE() *nvme.Command { return &c.sqe }

func (c *capsule) DataLength() uint32 { return uint32(len(c.data)) }

func (c *capsule) SendData(data []byte) error {
	if len(data) > len(c.data) {
		return fmt.Errorf("loopback: %d bytes exceed %d byte buffer", len(data), len(c.data))
	}
	copy(c.data, data)
	return nil
}

func (c *capsule) ReceiveData(offset uint32, buf []byte) error {
	end := uint64(offset) + uint64(len(buf))
	if end > uint64(len(c.data)) {
		return fmt.Errorf("loopback: read [%d, %d) beyond %d byte buffer", offset, end, len(c.data))
	}
	copy(buf, c.data[offset:end])
	return nil
}

// NewPair creates a connected queue pair. depth bounds the number of
// submissions waiting to be received.
func NewPair(qid uint16, depth int) (*Host, interfaces.QueuePair) {
	if depth < 1 {
		depth = 1
	}
	qp := &queuePair{
		qid:         qid,
		submissions: make(chan *capsule, depth),
		outstanding: make(map[uint16]*capsule),
		shutdown:    make(chan struct{}),
		hostClosed:  make(chan struct{}),
		destroyed:   make(chan struct{}),
	}
	return &Host{qp: qp}, qp
}

func (q *queuePair) QID() uint16 { return q.qid }

func (q *queuePair) Receive(ctx context.Context) (interfaces.Capsule, error) {
	for {
		subs := q.submissions
		if q.isShutdown.Load() {
			subs = nil
		}
		select {
		case c := <-subs:
			return c, nil
		case <-q.shutdown:
			if subs != nil {
				continue
			}
			select {
			case <-q.destroyed:
				return nil, ErrClosed
			case <-q.hostClosed:
				return nil, io.EOF
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case <-q.hostClosed:
			return nil, io.EOF
		case <-q.destroyed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *queuePair) SendResponse(cqe *nvme.Completion) error {
	select {
	case <-q.destroyed:
		return ErrClosed
	default:
	}

	q.mu.Lock()
	c, ok := q.outstanding[cqe.CID]
	delete(q.outstanding, cqe.CID)
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("loopback: no outstanding command %d on queue %d", cqe.CID, q.qid)
	}

	resp := *cqe
	resp.SQID = q.qid
	c.resp <- resp
	return nil
}

func (q *queuePair) Shutdown() {
	q.shutdownOnce.Do(func() {
		q.isShutdown.Store(true)
		close(q.shutdown)
	})
}

func (q *queuePair) Destroy() error {
	q.Shutdown()
	q.destroyOnce.Do(func() { close(q.destroyed) })
	return nil
}

// Host is the initiator half of a loopback queue pair
type Host struct {
	qp      *queuePair
	nextCID atomic.Uint32
}

// QID returns the queue identifier
func (h *Host) QID() uint16 {
	return h.qp.qid
}

// Destroyed is closed once the target has destroyed the queue pair
func (h *Host) Destroyed() <-chan struct{} {
	return h.qp.destroyed
}

// Close disconnects the host side. The target sees io.EOF.
func (h *Host) Close() {
	h.qp.hostOnce.Do(func() { close(h.qp.hostClosed) })
}

// Submit sends sqe with a fresh command identifier and waits for its
// completion. data is the command's data buffer in both directions.
func (h *Host) Submit(ctx context.Context, sqe nvme.Command, data []byte) (nvme.Completion, error) {
	q := h.qp
	select {
	case <-q.hostClosed:
		return nvme.Completion{}, ErrClosed
	case <-q.destroyed:
		return nvme.Completion{}, ErrClosed
	default:
	}

	sqe.CID = uint16(h.nextCID.Add(1))
	c := &capsule{sqe: sqe, data: data, resp: make(chan nvme.Completion, 1)}

	q.mu.Lock()
	q.outstanding[sqe.CID] = c
	q.mu.Unlock()

	select {
	case q.submissions <- c:
	case <-q.hostClosed:
		h.forget(sqe.CID)
		return nvme.Completion{}, ErrClosed
	case <-q.destroyed:
		h.forget(sqe.CID)
		return nvme.Completion{}, ErrClosed
	case <-ctx.Done():
		h.forget(sqe.CID)
		return nvme.Completion{}, ctx.Err()
	}

	select {
	case cqe := <-c.resp:
		return cqe, nil
	case <-q.destroyed:
		// a completion sent just before the destroy still counts
		select {
		case cqe := <-c.resp:
			return cqe, nil
		default:
		}
		h.forget(sqe.CID)
		return nvme.Completion{}, ErrClosed
	case <-ctx.Done():
		h.forget(sqe.CID)
		return nvme.Completion{}, ctx.Err()
	}
}

func (h *Host) forget(cid uint16) {
	h.qp.mu.Lock()
	delete(h.qp.outstanding, cid)
	h.qp.mu.Unlock()
}

// Connect creates a queue pair, hands its target half to acceptor and
// performs the CONNECT exchange. The returned Host is usable only when the
// completion reports success.
func Connect(ctx context.Context, acceptor Acceptor, cmd nvme.ConnectCommand, data *nvme.ConnectData) (*Host, nvme.Completion, error) {
	raw, err := data.MarshalBinary()
	if err != nil {
		return nil, nvme.Completion{}, err
	}

	host, target := NewPair(cmd.QID, int(cmd.SQSize)+1)
	go func() {
		c, err := target.Receive(ctx)
		if err != nil {
			target.Destroy()
			return
		}
		// Accept answers the host itself on failure
		_ = acceptor.Accept(target, c)
	}()

	cqe, err := host.Submit(ctx, cmd.Command(), raw)
	if err != nil {
		host.Close()
		return nil, cqe, err
	}
	return host, cqe, nil
}
