package nvme

import "unsafe"

// Command is a 64-byte NVMe submission queue entry.
//
// Fabrics commands reuse the same layout: FCTYPE sits in the low byte of
// NSID, and the command specific fields start at CDW10 (byte 40).
type Command struct {
	Opcode uint8    // byte 0
	Flags  uint8    // fused operation and PSDT
	CID    uint16   // command identifier
	NSID   uint32   // namespace ID (FCTYPE for fabrics commands)
	CDW2   uint32   // reserved
	CDW3   uint32   // reserved
	MPTR   uint64   // metadata pointer
	DPTR   [16]byte // data pointer (SGL descriptor on fabrics)
	CDW10  uint32
	CDW11  uint32
	CDW12  uint32
	CDW13  uint32
	CDW14  uint32
	CDW15  uint32
}

// Compile-time size check - must be exactly 64 bytes
var _ [CommandSize]byte = [unsafe.Sizeof(Command{})]byte{}

// FCType returns the fabrics command type of a fabrics command
func (c *Command) FCType() uint8 {
	return uint8(c.NSID)
}

// Completion is a 16-byte NVMe completion queue entry
type Completion struct {
	CDW0   uint32 // command specific result
	CDW1   uint32 // command specific result (upper half of 8 byte properties)
	SQHD   uint16 // submission queue head, filled in by the transport
	SQID   uint16 // submission queue ID, filled in by the transport
	CID    uint16 // command identifier
	Status uint16 // phase tag (bit 0) and status field
}

// Compile-time size check - must be exactly 16 bytes
var _ [CompletionSize]byte = [unsafe.Sizeof(Completion{})]byte{}

// NewCompletion builds a completion for cid with the given status
func NewCompletion(cid uint16, status Status) Completion {
	return Completion{CID: cid, Status: status.Field()}
}

// Result returns the decoded status of the completion
func (c *Completion) Result() Status {
	return StatusFromField(c.Status)
}

// ConnectCommand holds the fabric specific fields of a CONNECT command
type ConnectCommand struct {
	CID    uint16
	RecFmt uint16 // record format, must be 0
	QID    uint16 // queue ID, 0 for the admin queue
	SQSize uint16 // submission queue size (0's based)
	CAttr  uint8  // connect attributes
	KATO   uint32 // keep alive timeout in milliseconds
}

// Byte offsets reported in CONNECT invalid parameter completions
const (
	ConnectCmdQIDOffset    = 42
	ConnectCmdSQSizeOffset = 44

	ConnectDataHostIDOffset  = 0
	ConnectDataCntlIDOffset  = 16
	ConnectDataSubNQNOffset  = 256
	ConnectDataHostNQNOffset = 512
)

// Invalid parameter attribute (IATTR) values
const (
	IAttrCommand = 0
	IAttrData    = 1
)

// DynamicControllerID asks the target to pick a controller ID
const DynamicControllerID = 0xffff

// ParseConnectCommand extracts the CONNECT fields from a fabrics SQE
func ParseConnectCommand(cmd *Command) ConnectCommand {
	return ConnectCommand{
		CID:    cmd.CID,
		RecFmt: uint16(cmd.CDW10),
		QID:    uint16(cmd.CDW10 >> 16),
		SQSize: uint16(cmd.CDW11),
		CAttr:  uint8(cmd.CDW11 >> 16),
		KATO:   cmd.CDW12,
	}
}

// Command encodes c as a fabrics SQE
func (c ConnectCommand) Command() Command {
	return Command{
		Opcode: OpcFabrics,
		CID:    c.CID,
		NSID:   FabricsConnect,
		CDW10:  uint32(c.RecFmt) | uint32(c.QID)<<16,
		CDW11:  uint32(c.SQSize) | uint32(c.CAttr)<<16,
		CDW12:  c.KATO,
	}
}

// Property size attribute values (ATTRIB bits 2:0)
const (
	PropertySize4 = 0
	PropertySize8 = 1
)

// PropertyAccess holds the decoded fields of a PROPERTY_GET or PROPERTY_SET
type PropertyAccess struct {
	Size   int    // 4 or 8 bytes
	Offset uint32 // register offset
	Value  uint64 // PROPERTY_SET only
}

// ParsePropertyAccess extracts the property fields from a fabrics SQE
func ParsePropertyAccess(cmd *Command) PropertyAccess {
	size := 4
	if cmd.CDW10&0x7 == PropertySize8 {
		size = 8
	} else if cmd.CDW10&0x7 != PropertySize4 {
		size = 0
	}
	return PropertyAccess{
		Size:   size,
		Offset: cmd.CDW11,
		Value:  uint64(cmd.CDW12) | uint64(cmd.CDW13)<<32,
	}
}

// PropertyGetCommand builds a PROPERTY_GET SQE
func PropertyGetCommand(cid uint16, offset uint32, size int) Command {
	attrib := uint32(PropertySize4)
	if size == 8 {
		attrib = PropertySize8
	}
	return Command{Opcode: OpcFabrics, CID: cid, NSID: FabricsPropertyGet, CDW10: attrib, CDW11: offset}
}

// PropertySetCommand builds a 4-byte PROPERTY_SET SQE
func PropertySetCommand(cid uint16, offset uint32, value uint32) Command {
	return Command{Opcode: OpcFabrics, CID: cid, NSID: FabricsPropertySet, CDW10: PropertySize4, CDW11: offset, CDW12: value}
}

// GetLogPage holds the decoded fields of a GET_LOG_PAGE command
type GetLogPage struct {
	LID    uint8
	RAE    bool   // retain asynchronous event
	Length uint64 // bytes requested
	Offset uint64 // byte offset into the log page
}

// ParseGetLogPage extracts the GET_LOG_PAGE fields from an SQE
func ParseGetLogPage(cmd *Command) GetLogPage {
	numd := uint64(cmd.CDW10>>16) | uint64(cmd.CDW11&0xffff)<<16
	return GetLogPage{
		LID:    uint8(cmd.CDW10),
		RAE:    cmd.CDW10&(1<<15) != 0,
		Length: (numd + 1) * 4,
		Offset: uint64(cmd.CDW12) | uint64(cmd.CDW13)<<32,
	}
}

// Command encodes g as a GET_LOG_PAGE SQE
func (g GetLogPage) Command(cid uint16) Command {
	numd := g.Length/4 - 1
	cdw10 := uint32(g.LID) | uint32(numd&0xffff)<<16
	if g.RAE {
		cdw10 |= 1 << 15
	}
	return Command{
		Opcode: OpcGetLogPage,
		CID:    cid,
		NSID:   NSIDBroadcast,
		CDW10:  cdw10,
		CDW11:  uint32(numd >> 16),
		CDW12:  uint32(g.Offset),
		CDW13:  uint32(g.Offset >> 32),
	}
}

// AsyncEventResult encodes the CDW0 of an Asynchronous Event Request completion
func AsyncEventResult(eventType, info, logPage uint8) uint32 {
	return uint32(eventType) | uint32(info)<<8 | uint32(logPage)<<16
}

// InvalidParamResult encodes the CDW0 of a CONNECT invalid parameters completion
func InvalidParamResult(iattr uint8, ipo uint16) uint32 {
	return uint32(iattr) | uint32(ipo)<<16
}
