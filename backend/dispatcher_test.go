package backend

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvmft/internal/interfaces"
	"github.com/ehrlich-b/go-nvmft/internal/nvme"
)

type testCapsule struct {
	sqe    nvme.Command
	length uint32
	in     []byte

	mu  sync.Mutex
	out []byte
}

func (c *testCapsule) SQE() *nvme.Command { return &c.sqe }
func (c *testCapsule) DataLength() uint32 { return c.length }

func (c *testCapsule) SendData(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append([]byte(nil), data...)
	return nil
}

func (c *testCapsule) ReceiveData(offset uint32, buf []byte) error {
	copy(buf, c.in[offset:])
	return nil
}

func (c *testCapsule) sent() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out
}

func run(t *testing.T, d *Dispatcher, cntlID uint16, c *testCapsule, admin bool) nvme.Status {
	t.Helper()
	done := make(chan nvme.Completion, 1)
	d.Dispatch(interfaces.NewCommand(cntlID, nil, c, admin, func(cqe nvme.Completion) { done <- cqe }))
	select {
	case cqe := <-done:
		return cqe.Result()
	case <-time.After(2 * time.Second):
		t.Fatal("command did not complete")
		return nvme.StatusSuccess
	}
}

func rw(opc uint8, nsid uint32, slba uint64, nlb uint16, data []byte) *testCapsule {
	return &testCapsule{
		sqe: nvme.Command{
			Opcode: opc,
			NSID:   nsid,
			CDW10:  uint32(slba),
			CDW11:  uint32(slba >> 32),
			CDW12:  uint32(nlb - 1),
		},
		length: uint32(len(data)),
		in:     data,
	}
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := NewDispatcher(DispatcherConfig{Workers: 4})
	_, err := d.AddNamespace(1, NewMemory(64*512), 512)
	require.NoError(t, err)
	return d
}

func TestAddRemoveNamespace(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{NamespaceSeed: uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")})

	ns, err := d.AddNamespace(3, NewMemory(4096), 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(512), ns.BlockSize)
	assert.Equal(t, uint64(8), ns.Blocks())

	_, err = d.AddNamespace(3, NewMemory(4096), 512)
	assert.ErrorIs(t, err, ErrNamespaceExists)
	_, err = d.AddNamespace(0, NewMemory(4096), 512)
	assert.ErrorIs(t, err, ErrInvalidNamespace)
	_, err = d.AddNamespace(nvme.NSIDBroadcast, NewMemory(4096), 512)
	assert.ErrorIs(t, err, ErrInvalidNamespace)
	_, err = d.AddNamespace(4, NewMemory(4096), 1000)
	assert.ErrorIs(t, err, ErrInvalidBlockSize)

	_, err = d.AddNamespace(1, NewMemory(4096), 4096)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 3}, d.NamespaceIDs())

	// UUIDs are stable for a seed
	other := NewDispatcher(DispatcherConfig{NamespaceSeed: uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")})
	ns2, err := other.AddNamespace(3, NewMemory(4096), 512)
	require.NoError(t, err)
	assert.Equal(t, ns.UUID, ns2.UUID)

	removed, err := d.RemoveNamespace(3)
	require.NoError(t, err)
	assert.Same(t, ns, removed)
	_, err = d.RemoveNamespace(3)
	assert.ErrorIs(t, err, ErrNamespaceNotFound)
	assert.Nil(t, d.Namespace(3))
}

func TestWriteThenRead(t *testing.T) {
	d := newTestDispatcher(t)

	payload := bytes.Repeat([]byte("nvmf"), 256) // 2 blocks
	assert.Equal(t, nvme.StatusSuccess, run(t, d, 1, rw(nvme.OpcWrite, 1, 10, 2, payload), false))

	rd := rw(nvme.OpcRead, 1, 10, 2, make([]byte, 1024))
	assert.Equal(t, nvme.StatusSuccess, run(t, d, 1, rd, false))
	assert.Equal(t, payload, rd.sent())

	assert.Equal(t, nvme.StatusSuccess, run(t, d, 1, rw(nvme.OpcCompare, 1, 10, 2, payload), false))
	mismatch := append([]byte(nil), payload...)
	mismatch[100] ^= 0xff
	assert.Equal(t, nvme.StatusCompareFailure, run(t, d, 1, rw(nvme.OpcCompare, 1, 10, 2, mismatch), false))
}

func TestIOErrors(t *testing.T) {
	d := newTestDispatcher(t)

	tests := []struct {
		name string
		c    *testCapsule
		want nvme.Status
	}{
		{"read past end", rw(nvme.OpcRead, 1, 63, 2, make([]byte, 1024)), nvme.StatusLBAOutOfRange},
		{"write past end", rw(nvme.OpcWrite, 1, 64, 1, make([]byte, 512)), nvme.StatusLBAOutOfRange},
		{"slba overflow", rw(nvme.OpcRead, 1, ^uint64(0), 2, make([]byte, 1024)), nvme.StatusLBAOutOfRange},
		{"short buffer", rw(nvme.OpcRead, 1, 0, 4, make([]byte, 512)), nvme.StatusInvalidField},
		{"unknown namespace", rw(nvme.OpcRead, 9, 0, 1, make([]byte, 512)), nvme.StatusInvalidNamespaceOrFormat},
		{"write uncorrectable", rw(nvme.OpcWriteUncorrectable, 1, 0, 1, nil), nvme.StatusInvalidOpcode},
		{"verify in range", rw(nvme.OpcVerify, 1, 0, 64, nil), nvme.StatusSuccess},
		{"verify out of range", rw(nvme.OpcVerify, 1, 1, 64, nil), nvme.StatusLBAOutOfRange},
		{"flush", rw(nvme.OpcFlush, 1, 0, 1, nil), nvme.StatusSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, run(t, d, 1, tt.c, false))
		})
	}
}

func TestWriteZeroesAndDeallocate(t *testing.T) {
	d := newTestDispatcher(t)
	fill := bytes.Repeat([]byte{0x5a}, 8*512)
	require.Equal(t, nvme.StatusSuccess, run(t, d, 1, rw(nvme.OpcWrite, 1, 0, 8, fill), false))

	assert.Equal(t, nvme.StatusSuccess, run(t, d, 1, rw(nvme.OpcWriteZeroes, 1, 1, 1, nil), false))

	ranges := make([]byte, 2*dsmRangeSize)
	binary.LittleEndian.PutUint32(ranges[4:], 2)  // nlb
	binary.LittleEndian.PutUint64(ranges[8:], 4)  // slba
	binary.LittleEndian.PutUint32(ranges[20:], 1) // nlb
	binary.LittleEndian.PutUint64(ranges[24:], 7) // slba
	dsm := &testCapsule{
		sqe:    nvme.Command{Opcode: nvme.OpcDatasetManagement, NSID: 1, CDW10: 1, CDW11: dsmDeallocate},
		length: uint32(len(ranges)),
		in:     ranges,
	}
	assert.Equal(t, nvme.StatusSuccess, run(t, d, 1, dsm, false))

	rd := rw(nvme.OpcRead, 1, 0, 8, make([]byte, 8*512))
	require.Equal(t, nvme.StatusSuccess, run(t, d, 1, rd, false))
	got := rd.sent()
	for lba, zero := range []bool{false, true, false, false, true, true, false, true} {
		blk := got[lba*512 : (lba+1)*512]
		if zero {
			assert.Equal(t, make([]byte, 512), blk, "lba %d", lba)
		} else {
			assert.Equal(t, fill[:512], blk, "lba %d", lba)
		}
	}

	binary.LittleEndian.PutUint64(ranges[24:], 64)
	assert.Equal(t, nvme.StatusLBAOutOfRange, run(t, d, 1, dsm, false))
}

func TestIdentifyNamespace(t *testing.T) {
	d := newTestDispatcher(t)

	id := &testCapsule{sqe: nvme.Command{Opcode: nvme.OpcIdentify, NSID: 1, CDW10: nvme.CNSNamespace}, length: 4096}
	require.Equal(t, nvme.StatusSuccess, run(t, d, 1, id, true))
	nsd, err := nvme.ParseNamespaceData(id.sent())
	require.NoError(t, err)
	assert.Equal(t, uint64(64), nsd.NSZE)
	assert.Equal(t, uint32(512), nsd.BlockSize())

	inactive := &testCapsule{sqe: nvme.Command{Opcode: nvme.OpcIdentify, NSID: 2, CDW10: nvme.CNSNamespace}, length: 4096}
	require.Equal(t, nvme.StatusSuccess, run(t, d, 1, inactive, true))
	assert.Equal(t, make([]byte, 4096), inactive.sent())

	desc := &testCapsule{sqe: nvme.Command{Opcode: nvme.OpcIdentify, NSID: 1, CDW10: nvme.CNSNamespaceIDList}, length: 4096}
	require.Equal(t, nvme.StatusSuccess, run(t, d, 1, desc, true))
	page := desc.sent()
	assert.Equal(t, uint8(nvme.NIDTUUID), page[0])
	assert.Equal(t, uint8(16), page[1])
	u := d.Namespace(1).UUID
	assert.Equal(t, u[:], page[4:20])

	missing := &testCapsule{sqe: nvme.Command{Opcode: nvme.OpcIdentify, NSID: 2, CDW10: nvme.CNSNamespaceIDList}, length: 4096}
	assert.Equal(t, nvme.StatusInvalidNamespaceOrFormat, run(t, d, 1, missing, true))

	broadcast := &testCapsule{sqe: nvme.Command{Opcode: nvme.OpcIdentify, NSID: nvme.NSIDBroadcast, CDW10: nvme.CNSNamespace}, length: 4096}
	assert.Equal(t, nvme.StatusInvalidNamespaceOrFormat, run(t, d, 1, broadcast, true))
}

func TestTerminateAllAbortsQueuedCommands(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Workers: 1})
	_, err := d.AddNamespace(1, NewMemory(4096), 512)
	require.NoError(t, err)

	// hold the only worker
	require.NoError(t, d.sem.Acquire(t.Context(), 1))

	done := make(chan nvme.Completion, 1)
	d.Dispatch(interfaces.NewCommand(7, nil, rw(nvme.OpcRead, 1, 0, 1, make([]byte, 512)), false,
		func(cqe nvme.Completion) { done <- cqe }))

	d.TerminateAll(7)
	select {
	case cqe := <-done:
		assert.Equal(t, nvme.StatusAbortedSQDeletion, cqe.Result())
	case <-time.After(2 * time.Second):
		t.Fatal("terminated command did not complete")
	}
	d.sem.Release(1)

	// a fresh context is created for later commands
	assert.Equal(t, nvme.StatusSuccess, run(t, d, 7, rw(nvme.OpcRead, 1, 0, 1, make([]byte, 512)), false))
}
