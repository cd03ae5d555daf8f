package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-nvmft/internal/interfaces"
	"github.com/ehrlich-b/go-nvmft/internal/nvme"
)

// chanQueuePair delivers capsules pushed into in, then fails with err
type chanQueuePair struct {
	qid uint16
	in  chan interfaces.Capsule
	err error
}

func newChanQueuePair(qid uint16) *chanQueuePair {
	return &chanQueuePair{qid: qid, in: make(chan interfaces.Capsule, 16)}
}

func (q *chanQueuePair) QID() uint16 { return q.qid }

func (q *chanQueuePair) Receive(ctx context.Context) (interfaces.Capsule, error) {
	select {
	case c, ok := <-q.in:
		if !ok {
			return nil, q.err
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *chanQueuePair) SendResponse(*nvme.Completion) error { return nil }
func (q *chanQueuePair) Shutdown() {}
func (q *chanQueuePair) Destroy() error { return nil }

type stubCapsule struct{ cmd nvme.Command }

func (c *stubCapsule) SQE() *nvme.Command { return &c.cmd }
func (c *stubCapsule) DataLength() uint32 { return 0 }
func (c *stubCapsule) SendData([]byte) error { return nil }
func (c *stubCapsule) ReceiveData(uint32, []byte) error { return nil }

type recordingHandler struct {
	mu     sync.Mutex
	cids   []uint16
	errnos []unix.Errno
	failed chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{failed: make(chan struct{}, 1)}
}

func (h *recordingHandler) HandleCapsule(_ interfaces.QueuePair, c interfaces.Capsule) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cids = append(h.cids, c.SQE().CID)
}

func (h *recordingHandler) HandleQueueError(_ interfaces.QueuePair, errno unix.Errno) {
	h.mu.Lock()
	h.errnos = append(h.errnos, errno)
	h.mu.Unlock()
	h.failed <- struct{}{}
}

func (h *recordingHandler) snapshot() ([]uint16, []unix.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint16(nil), h.cids...), append([]unix.Errno(nil), h.errnos...)
}

func TestRunnerDeliversInOrder(t *testing.T) {
	qp := newChanQueuePair(1)
	h := newRecordingHandler()
	r := NewRunner(context.Background(), Config{QueuePair: qp, Handler: h})
	r.Start()

	for cid := uint16(1); cid <= 5; cid++ {
		qp.in <- &stubCapsule{cmd: nvme.Command{CID: cid}}
	}
	qp.err = io.EOF
	close(qp.in)

	select {
	case <-h.failed:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw the close")
	}
	r.Wait()

	cids, errnos := h.snapshot()
	assert.Equal(t, []uint16{1, 2, 3, 4, 5}, cids)
	assert.Equal(t, []unix.Errno{0}, errnos, "EOF is an orderly close")
}

func TestRunnerStopIsSilent(t *testing.T) {
	qp := newChanQueuePair(0)
	h := newRecordingHandler()
	r := NewRunner(context.Background(), Config{QueuePair: qp, Handler: h})
	r.Start()
	r.Close()

	select {
	case <-r.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	_, errnos := h.snapshot()
	assert.Empty(t, errnos, "cancellation must not be reported as a queue error")
}

func TestRunnerWaitWithoutStart(t *testing.T) {
	r := NewRunner(context.Background(), Config{QueuePair: newChanQueuePair(2), Handler: newRecordingHandler()})
	done := make(chan struct{})
	go func() {
		r.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on a runner that never started")
	}
}

func TestRunnerTransportError(t *testing.T) {
	qp := newChanQueuePair(3)
	qp.err = fmt.Errorf("read: %w", unix.ECONNRESET)
	close(qp.in)

	h := newRecordingHandler()
	r := NewRunner(context.Background(), Config{QueuePair: qp, Handler: h})
	r.Start()
	r.Wait()

	_, errnos := h.snapshot()
	require.Len(t, errnos, 1)
	assert.Equal(t, unix.ECONNRESET, errnos[0])
}

func TestErrnoFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want unix.Errno
	}{
		{"nil", nil, 0},
		{"eof", io.EOF, 0},
		{"wrapped eof", fmt.Errorf("recv: %w", io.EOF), 0},
		{"errno", unix.ETIMEDOUT, unix.ETIMEDOUT},
		{"wrapped errno", fmt.Errorf("recv: %w", unix.ENOTCONN), unix.ENOTCONN},
		{"other", errors.New("boom"), unix.EIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrnoFor(tt.err))
		})
	}
}
