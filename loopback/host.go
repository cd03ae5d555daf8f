package loopback

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ehrlich-b/go-nvmft/internal/nvme"
)

// StatusError is returned by the Host helpers when a command completes
// with a non-success status
type StatusError struct {
	Status nvme.Status
	CDW0   uint32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("loopback: command failed: %s", e.Status)
}

func result(cqe nvme.Completion, err error) (nvme.Completion, error) {
	if err != nil {
		return cqe, err
	}
	if st := cqe.Result(); !st.Success() {
		return cqe, &StatusError{Status: st, CDW0: cqe.CDW0}
	}
	return cqe, nil
}

// PropertyGet reads a controller property of size 4 or 8
func (h *Host) PropertyGet(ctx context.Context, offset uint32, size int) (uint64, error) {
	cqe, err := result(h.Submit(ctx, nvme.PropertyGetCommand(0, offset, size), nil))
	if err != nil {
		return 0, err
	}
	return uint64(cqe.CDW0) | uint64(cqe.CDW1)<<32, nil
}

// PropertySet writes a 4-byte controller property
func (h *Host) PropertySet(ctx context.Context, offset uint32, value uint32) error {
	_, err := result(h.Submit(ctx, nvme.PropertySetCommand(0, offset, value), nil))
	return err
}

// Identify issues IDENTIFY with the given CNS and returns the 4096-byte payload
func (h *Host) Identify(ctx context.Context, cns uint8, nsid uint32) ([]byte, error) {
	buf := make([]byte, nvme.ControllerDataSize)
	sqe := nvme.Command{Opcode: nvme.OpcIdentify, NSID: nsid, CDW10: uint32(cns)}
	if _, err := result(h.Submit(ctx, sqe, buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// IdentifyController returns the decoded Identify Controller data
func (h *Host) IdentifyController(ctx context.Context) (*nvme.ControllerData, error) {
	buf, err := h.Identify(ctx, nvme.CNSController, 0)
	if err != nil {
		return nil, err
	}
	return nvme.ParseControllerData(buf)
}

// ActiveNamespaces returns the Active Namespace ID list starting after nsid
func (h *Host) ActiveNamespaces(ctx context.Context, nsid uint32) ([]uint32, error) {
	buf, err := h.Identify(ctx, nvme.CNSActiveNamespaces, nsid)
	if err != nil {
		return nil, err
	}
	var ids []uint32
	for off := 0; off+4 <= len(buf); off += 4 {
		id := binary.LittleEndian.Uint32(buf[off:])
		if id == 0 {
			break
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetLogPage reads length bytes of log page lid starting at offset
func (h *Host) GetLogPage(ctx context.Context, lid uint8, offset, length uint64, rae bool) ([]byte, error) {
	buf := make([]byte, length)
	req := nvme.GetLogPage{LID: lid, RAE: rae, Length: length, Offset: offset}
	if _, err := result(h.Submit(ctx, req.Command(0), buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// SetFeatures sets feature fid and returns the completion's CDW0
func (h *Host) SetFeatures(ctx context.Context, fid uint8, cdw11 uint32) (uint32, error) {
	sqe := nvme.Command{Opcode: nvme.OpcSetFeatures, CDW10: uint32(fid), CDW11: cdw11}
	cqe, err := result(h.Submit(ctx, sqe, nil))
	return cqe.CDW0, err
}

// GetFeatures returns the current value of feature fid
func (h *Host) GetFeatures(ctx context.Context, fid uint8) (uint32, error) {
	sqe := nvme.Command{Opcode: nvme.OpcGetFeatures, CDW10: uint32(fid)}
	cqe, err := result(h.Submit(ctx, sqe, nil))
	return cqe.CDW0, err
}

// SetQueueCount requests n I/O queue pairs
func (h *Host) SetQueueCount(ctx context.Context, n uint16) error {
	v := uint32(n - 1)
	_, err := h.SetFeatures(ctx, nvme.FeatNumberOfQueues, v|v<<16)
	return err
}

// KeepAlive sends a KEEP_ALIVE command
func (h *Host) KeepAlive(ctx context.Context) error {
	_, err := result(h.Submit(ctx, nvme.Command{Opcode: nvme.OpcKeepAlive}, nil))
	return err
}

// AsyncEvent posts an ASYNC_EVENT_REQUEST and waits for the event.
// The returned value is the completion's CDW0.
func (h *Host) AsyncEvent(ctx context.Context) (uint32, error) {
	cqe, err := result(h.Submit(ctx, nvme.Command{Opcode: nvme.OpcAsyncEventRequest}, nil))
	return cqe.CDW0, err
}

// Enable writes CC with EN set and the given page size exponent
func (h *Host) Enable(ctx context.Context, mps uint8) error {
	return h.PropertySet(ctx, nvme.PropCC, uint32(nvme.NewCC(true, mps)))
}

// Shutdown requests a normal shutdown through CC.SHN
func (h *Host) Shutdown(ctx context.Context) error {
	cc, err := h.PropertyGet(ctx, nvme.PropCC, 4)
	if err != nil {
		return err
	}
	return h.PropertySet(ctx, nvme.PropCC, uint32(nvme.CC(cc).WithSHN(nvme.ShutdownNormal)))
}

func rwCommand(opc uint8, nsid uint32, slba uint64, nlb uint16) nvme.Command {
	return nvme.Command{
		Opcode: opc,
		NSID:   nsid,
		CDW10:  uint32(slba),
		CDW11:  uint32(slba >> 32),
		CDW12:  uint32(nlb - 1),
	}
}

// Read reads len(buf)/blockSize blocks starting at slba into buf
func (h *Host) Read(ctx context.Context, nsid uint32, slba uint64, blockSize int, buf []byte) error {
	sqe := rwCommand(nvme.OpcRead, nsid, slba, uint16(len(buf)/blockSize))
	_, err := result(h.Submit(ctx, sqe, buf))
	return err
}

// Write writes buf to the namespace starting at slba
func (h *Host) Write(ctx context.Context, nsid uint32, slba uint64, blockSize int, buf []byte) error {
	sqe := rwCommand(nvme.OpcWrite, nsid, slba, uint16(len(buf)/blockSize))
	_, err := result(h.Submit(ctx, sqe, buf))
	return err
}

// Flush commits volatile data of namespace nsid
func (h *Host) Flush(ctx context.Context, nsid uint32) error {
	_, err := result(h.Submit(ctx, nvme.Command{Opcode: nvme.OpcFlush, NSID: nsid}, nil))
	return err
}
