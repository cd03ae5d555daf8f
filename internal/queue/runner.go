package queue

import (
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-nvmft/internal/interfaces"
	"github.com/ehrlich-b/go-nvmft/internal/logging"
)

// Handler consumes what a Runner receives from its queue pair
type Handler interface {
	// HandleCapsule processes one received command. Capsules of a single
	// queue pair are delivered sequentially in arrival order.
	HandleCapsule(qp interfaces.QueuePair, c interfaces.Capsule)

	// HandleQueueError reports that the queue pair stopped delivering.
	// errno is 0 for an orderly close by the host.
	HandleQueueError(qp interfaces.QueuePair, errno unix.Errno)
}

// Config describes a queue runner
type Config struct {
	QueuePair interfaces.QueuePair
	Handler   Handler
	Logger    *logging.Logger
}

// Runner receives capsules from one queue pair on a dedicated goroutine
type Runner struct {
	qp      interfaces.QueuePair
	handler Handler
	logger  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	started   chan struct{}
	done      chan struct{}
}

// NewRunner creates a runner. Nothing is received until Start.
func NewRunner(ctx context.Context, config Config) *Runner {
	logger := config.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Runner{
		qp:      config.QueuePair,
		handler: config.Handler,
		logger:  logger.WithQueue(config.QueuePair.QID()),
		ctx:     ctx,
		cancel:  cancel,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins receiving. Calls after the first are ignored.
func (r *Runner) Start() {
	r.startOnce.Do(func() {
		close(r.started)
		go r.receiveLoop()
	})
}

// Stop cancels the receive loop. The handler is not told about the
// resulting cancellation.
func (r *Runner) Stop() {
	r.cancel()
}

// Wait blocks until the receive loop has exited. It returns immediately
// for a runner that was never started.
func (r *Runner) Wait() {
	select {
	case <-r.started:
		<-r.done
	default:
	}
}

// Close stops the runner and waits for it
func (r *Runner) Close() {
	r.Stop()
	r.Wait()
}

// Done is closed when the receive loop exits
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

func (r *Runner) receiveLoop() {
	defer close(r.done)

	r.logger.Debug("receive loop started")
	for {
		capsule, err := r.qp.Receive(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				r.logger.Debug("receive loop stopped")
				return
			}
			errno := ErrnoFor(err)
			if errno != 0 {
				r.logger.Debug("queue pair failed", "error", err)
			} else {
				r.logger.Debug("queue pair closed by host")
			}
			r.handler.HandleQueueError(r.qp, errno)
			return
		}
		r.handler.HandleCapsule(r.qp, capsule)
	}
}

// ErrnoFor maps a Receive error to the errno reported to the controller:
// io.EOF is an orderly close (0), wrapped errnos pass through and anything
// else becomes EIO.
func ErrnoFor(err error) unix.Errno {
	if err == nil || errors.Is(err, io.EOF) {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}
