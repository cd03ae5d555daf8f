package nvme

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"
)

// MarshalError is returned for malformed wire data
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrSizeMismatch     MarshalError = "packed structure has unexpected size"
)

// MarshalBinary encodes the SQE in little-endian wire order
func (c *Command) MarshalBinary() ([]byte, error) {
	buf := make([]byte, CommandSize)

	buf[0] = c.Opcode
	buf[1] = c.Flags
	binary.LittleEndian.PutUint16(buf[2:4], c.CID)
	binary.LittleEndian.PutUint32(buf[4:8], c.NSID)
	binary.LittleEndian.PutUint32(buf[8:12], c.CDW2)
	binary.LittleEndian.PutUint32(buf[12:16], c.CDW3)
	binary.LittleEndian.PutUint64(buf[16:24], c.MPTR)
	copy(buf[24:40], c.DPTR[:])
	binary.LittleEndian.PutUint32(buf[40:44], c.CDW10)
	binary.LittleEndian.PutUint32(buf[44:48], c.CDW11)
	binary.LittleEndian.PutUint32(buf[48:52], c.CDW12)
	binary.LittleEndian.PutUint32(buf[52:56], c.CDW13)
	binary.LittleEndian.PutUint32(buf[56:60], c.CDW14)
	binary.LittleEndian.PutUint32(buf[60:64], c.CDW15)

	return buf, nil
}

// UnmarshalBinary decodes a 64-byte SQE
func (c *Command) UnmarshalBinary(data []byte) error {
	if len(data) < CommandSize {
		return ErrInsufficientData
	}

	c.Opcode = data[0]
	c.Flags = data[1]
	c.CID = binary.LittleEndian.Uint16(data[2:4])
	c.NSID = binary.LittleEndian.Uint32(data[4:8])
	c.CDW2 = binary.LittleEndian.Uint32(data[8:12])
	c.CDW3 = binary.LittleEndian.Uint32(data[12:16])
	c.MPTR = binary.LittleEndian.Uint64(data[16:24])
	copy(c.DPTR[:], data[24:40])
	c.CDW10 = binary.LittleEndian.Uint32(data[40:44])
	c.CDW11 = binary.LittleEndian.Uint32(data[44:48])
	c.CDW12 = binary.LittleEndian.Uint32(data[48:52])
	c.CDW13 = binary.LittleEndian.Uint32(data[52:56])
	c.CDW14 = binary.LittleEndian.Uint32(data[56:60])
	c.CDW15 = binary.LittleEndian.Uint32(data[60:64])

	return nil
}

// MarshalBinary encodes the CQE in little-endian wire order
func (c *Completion) MarshalBinary() ([]byte, error) {
	buf := make([]byte, CompletionSize)

	binary.LittleEndian.PutUint32(buf[0:4], c.CDW0)
	binary.LittleEndian.PutUint32(buf[4:8], c.CDW1)
	binary.LittleEndian.PutUint16(buf[8:10], c.SQHD)
	binary.LittleEndian.PutUint16(buf[10:12], c.SQID)
	binary.LittleEndian.PutUint16(buf[12:14], c.CID)
	binary.LittleEndian.PutUint16(buf[14:16], c.Status)

	return buf, nil
}

// UnmarshalBinary decodes a 16-byte CQE
func (c *Completion) UnmarshalBinary(data []byte) error {
	if len(data) < CompletionSize {
		return ErrInsufficientData
	}

	c.CDW0 = binary.LittleEndian.Uint32(data[0:4])
	c.CDW1 = binary.LittleEndian.Uint32(data[4:8])
	c.SQHD = binary.LittleEndian.Uint16(data[8:10])
	c.SQID = binary.LittleEndian.Uint16(data[10:12])
	c.CID = binary.LittleEndian.Uint16(data[12:14])
	c.Status = binary.LittleEndian.Uint16(data[14:16])

	return nil
}

// pack serializes a struc-tagged page and checks its wire size
func pack(v any, size int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(size)
	if err := struc.Pack(&buf, v); err != nil {
		return nil, err
	}
	if buf.Len() != size {
		return nil, fmt.Errorf("%w: %T is %d bytes, want %d", ErrSizeMismatch, v, buf.Len(), size)
	}
	return buf.Bytes(), nil
}

// unpack deserializes a struc-tagged page of the given wire size
func unpack(data []byte, v any, size int) error {
	if len(data) < size {
		return ErrInsufficientData
	}
	return struc.Unpack(bytes.NewReader(data[:size]), v)
}

// putPadded copies s into dst and fills the remainder with pad
func putPadded(dst []byte, s string, pad byte) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = pad
	}
}

// cString returns the NUL terminated string stored in b
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
