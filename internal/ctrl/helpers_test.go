package ctrl

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvmft/internal/interfaces"
	"github.com/ehrlich-b/go-nvmft/internal/nvme"
	"github.com/ehrlich-b/go-nvmft/loopback"
)

const (
	testHostNQN = "nqn.2014-08.org.nvmexpress:uuid:test-host"
	testSubNQN  = "nqn.2024-01.io.example:subsys"
	testCntlID  = 7
)

var testHostID = uuid.MustParse("6a3b8c1e-4d2f-4b7a-9e10-2f5c7d8e9a01")

func testCAP() nvme.CAP {
	return nvme.Capabilities{MQES: 127, CQR: true, TO: 1, CSS: 1}.CAP()
}

type fakePort struct {
	mu         sync.Mutex
	namespaces []uint32
	released   chan *Controller
}

func newFakePort(nsids ...uint32) *fakePort {
	sort.Slice(nsids, func(i, j int) bool { return nsids[i] < nsids[j] })
	return &fakePort{namespaces: nsids, released: make(chan *Controller, 1)}
}

func (p *fakePort) ActiveNamespaces(start uint32, max int) []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []uint32
	for _, id := range p.namespaces {
		if id >= start && len(out) < max {
			out = append(out, id)
		}
	}
	return out
}

func (p *fakePort) ReleaseController(c *Controller) {
	p.released <- c
}

// testDispatcher completes commands immediately unless hold is set, in
// which case they wait for TerminateAll
type testDispatcher struct {
	mu         sync.Mutex
	hold       bool
	sticky     bool // TerminateAll leaves held commands alone
	held       []*interfaces.Command
	terminated []uint16
	dispatched atomic.Int32
}

func (d *testDispatcher) Dispatch(cmd *interfaces.Command) {
	d.dispatched.Add(1)
	d.mu.Lock()
	if d.hold {
		d.held = append(d.held, cmd)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	cmd.Complete(nvme.StatusSuccess, 0)
}

func (d *testDispatcher) TerminateAll(cntlID uint16) {
	d.mu.Lock()
	d.terminated = append(d.terminated, cntlID)
	if d.sticky {
		d.mu.Unlock()
		return
	}
	held := d.held
	d.held = nil
	d.mu.Unlock()
	for _, cmd := range held {
		cmd.Complete(nvme.StatusAbortedSQDeletion, 0)
	}
}

func (d *testDispatcher) setHold(v bool) {
	d.mu.Lock()
	d.hold = v
	d.mu.Unlock()
}

func (d *testDispatcher) setSticky(v bool) {
	d.mu.Lock()
	d.sticky = v
	d.mu.Unlock()
}

// release aborts every held command
func (d *testDispatcher) release() {
	d.mu.Lock()
	held := d.held
	d.held = nil
	d.mu.Unlock()
	for _, cmd := range held {
		cmd.Complete(nvme.StatusAbortedSQDeletion, 0)
	}
}

func (d *testDispatcher) heldCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held)
}

func (d *testDispatcher) terminatedIDs() []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint16(nil), d.terminated...)
}

type countingObserver struct {
	kaTimeouts atomic.Int32
	delivered  atomic.Int32
	dropped    atomic.Int32
	mu         sync.Mutex
	states     []string
}

func (o *countingObserver) ObserveAdminCommand(uint8, bool) {}
func (o *countingObserver) ObserveIOCommand(uint8, uint64, uint64, bool) {}
func (o *countingObserver) ObserveInFlight(uint32) {}
func (o *countingObserver) ObserveKeepAliveTimeout() { o.kaTimeouts.Add(1) }

func (o *countingObserver) ObserveAsyncEvent(delivered bool) {
	if delivered {
		o.delivered.Add(1)
	} else {
		o.dropped.Add(1)
	}
}

func (o *countingObserver) ObserveControllerState(_ uint16, state string) {
	o.mu.Lock()
	o.states = append(o.states, state)
	o.mu.Unlock()
}

type acceptFunc func(qp interfaces.QueuePair, c interfaces.Capsule) error

func (f acceptFunc) Accept(qp interfaces.QueuePair, c interfaces.Capsule) error { return f(qp, c) }

type harness struct {
	t     *testing.T
	ctx   context.Context
	c     *Controller
	admin *loopback.Host
	port  *fakePort
	disp  *testDispatcher
	obs   *countingObserver
}

type option func(*Config)

func withKATO(ms uint32, unit time.Duration) option {
	return func(cfg *Config) {
		cfg.KATO = ms
		cfg.KeepAliveUnit = unit
	}
}

func withGrace(d time.Duration) option {
	return func(cfg *Config) { cfg.TerminationGrace = d }
}

// newHarness connects an admin queue to a fresh controller
func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	h := &harness{
		t:    t,
		ctx:  ctx,
		port: newFakePort(1, 2, 5),
		disp: &testDispatcher{},
		obs:  &countingObserver{},
	}

	identify := &nvme.ControllerData{}
	identify.SetIdentity("SN0001", "go-nvmft test", "1.0")
	identify.SetSubsystem(testSubNQN)

	cfg := Config{
		CntlID:     testCntlID,
		HostID:     testHostID,
		HostNQN:    testHostNQN,
		CAP:        testCAP(),
		Identify:   identify,
		Dispatcher: h.disp,
		Observer:   h.obs,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	accept := acceptFunc(func(qp interfaces.QueuePair, capsule interfaces.Capsule) error {
		h.c = New(h.port, qp, cfg)
		h.c.Start(capsule.SQE().CID)
		return nil
	})
	connect := nvme.ConnectCommand{QID: 0, SQSize: 31, KATO: cfg.KATO}
	data := nvme.NewConnectData(testHostID, nvme.DynamicControllerID, testSubNQN, testHostNQN)

	admin, cqe, err := loopback.Connect(ctx, accept, connect, data)
	require.NoError(t, err)
	require.True(t, cqe.Result().Success())
	require.Equal(t, uint32(testCntlID), cqe.CDW0)
	h.admin = admin

	t.Cleanup(func() {
		admin.Close()
		select {
		case <-h.c.Done():
		case <-time.After(5 * time.Second):
			t.Errorf("controller not terminated after admin close (state %s)", h.c.State())
		}
	})
	return h
}

// connectIO connects I/O queue qid and returns the host half and the
// CONNECT completion
func (h *harness) connectIO(qid uint16, hostNQN string) (*loopback.Host, nvme.Completion) {
	h.t.Helper()
	accept := acceptFunc(func(qp interfaces.QueuePair, capsule interfaces.Capsule) error {
		cmd := nvme.ParseConnectCommand(capsule.SQE())
		buf := make([]byte, nvme.ConnectDataSize)
		if err := capsule.ReceiveData(0, buf); err != nil {
			return err
		}
		data, err := nvme.ParseConnectData(buf)
		if err != nil {
			return err
		}
		if err := h.c.AttachIOQueue(qp, cmd, data); err != nil {
			var ae *AttachError
			if errors.As(err, &ae) {
				return RejectConnect(qp, cmd.CID, ae.Reject)
			}
			return err
		}
		return nil
	})
	connect := nvme.ConnectCommand{QID: qid, SQSize: 15}
	data := nvme.NewConnectData(testHostID, testCntlID, testSubNQN, hostNQN)
	host, cqe, err := loopback.Connect(h.ctx, accept, connect, data)
	require.NoError(h.t, err)
	return host, cqe
}

func (h *harness) enable() {
	h.t.Helper()
	require.NoError(h.t, h.admin.Enable(h.ctx, 0))
}

// statusOf extracts the NVMe status from a loopback helper error
func statusOf(t *testing.T, err error) nvme.Status {
	t.Helper()
	if err == nil {
		return nvme.StatusSuccess
	}
	var se *loopback.StatusError
	require.ErrorAs(t, err, &se)
	return se.Status
}
