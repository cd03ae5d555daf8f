package nvme

import (
	"github.com/google/uuid"
)

// ConnectData is the 1024-byte data buffer carried by a CONNECT command
type ConnectData struct {
	HostID  [16]byte  `struc:"[16]byte"`
	CntlID  uint16    `struc:"uint16,little"`
	Rsvd18  [238]byte `struc:"[238]byte"`
	SubNQN  [256]byte `struc:"[256]byte"`
	HostNQN [256]byte `struc:"[256]byte"`
	Rsvd768 [256]byte `struc:"[256]byte"`
}

// NewConnectData builds CONNECT data for the given host and subsystem
func NewConnectData(hostID uuid.UUID, cntlID uint16, subNQN, hostNQN string) *ConnectData {
	d := &ConnectData{CntlID: cntlID}
	copy(d.HostID[:], hostID[:])
	putPadded(d.SubNQN[:], subNQN, 0)
	putPadded(d.HostNQN[:], hostNQN, 0)
	return d
}

// ParseConnectData decodes CONNECT data
func ParseConnectData(data []byte) (*ConnectData, error) {
	d := &ConnectData{}
	if err := unpack(data, d, ConnectDataSize); err != nil {
		return nil, err
	}
	return d, nil
}

// MarshalBinary encodes the CONNECT data
func (d *ConnectData) MarshalBinary() ([]byte, error) {
	return pack(d, ConnectDataSize)
}

// Host returns the host identifier
func (d *ConnectData) Host() uuid.UUID {
	return uuid.UUID(d.HostID)
}

// HostName returns the host NQN
func (d *ConnectData) HostName() string {
	return cString(d.HostNQN[:])
}

// SubsystemName returns the subsystem NQN
func (d *ConnectData) SubsystemName() string {
	return cString(d.SubNQN[:])
}

// ControllerData is the 4096-byte Identify Controller data structure
type ControllerData struct {
	VID       uint16     `struc:"uint16,little"`
	SSVID     uint16     `struc:"uint16,little"`
	SN        [20]byte   `struc:"[20]byte"`
	MN        [40]byte   `struc:"[40]byte"`
	FR        [8]byte    `struc:"[8]byte"`
	RAB       uint8      `struc:"uint8"`
	IEEE      [3]byte    `struc:"[3]byte"`
	CMIC      uint8      `struc:"uint8"`
	MDTS      uint8      `struc:"uint8"`
	CntlID    uint16     `struc:"uint16,little"`
	Ver       uint32     `struc:"uint32,little"`
	RTD3R     uint32     `struc:"uint32,little"`
	RTD3E     uint32     `struc:"uint32,little"`
	OAES      uint32     `struc:"uint32,little"`
	CTRATT    uint32     `struc:"uint32,little"`
	Rsvd100   [11]byte   `struc:"[11]byte"`
	CntrlType uint8      `struc:"uint8"`
	FGUID     [16]byte   `struc:"[16]byte"`
	Rsvd128   [128]byte  `struc:"[128]byte"`
	OACS      uint16     `struc:"uint16,little"`
	ACL       uint8      `struc:"uint8"`
	AERL      uint8      `struc:"uint8"`
	FRMW      uint8      `struc:"uint8"`
	LPA       uint8      `struc:"uint8"`
	ELPE      uint8      `struc:"uint8"`
	NPSS      uint8      `struc:"uint8"`
	AVSCC     uint8      `struc:"uint8"`
	APSTA     uint8      `struc:"uint8"`
	WCTemp    uint16     `struc:"uint16,little"`
	CCTemp    uint16     `struc:"uint16,little"`
	Rsvd270   [50]byte   `struc:"[50]byte"`
	KAS       uint16     `struc:"uint16,little"`
	Rsvd322   [190]byte  `struc:"[190]byte"`
	SQES      uint8      `struc:"uint8"`
	CQES      uint8      `struc:"uint8"`
	MaxCmd    uint16     `struc:"uint16,little"`
	NN        uint32     `struc:"uint32,little"`
	ONCS      uint16     `struc:"uint16,little"`
	Fuses     uint16     `struc:"uint16,little"`
	FNA       uint8      `struc:"uint8"`
	VWC       uint8      `struc:"uint8"`
	AWUN      uint16     `struc:"uint16,little"`
	AWUPF     uint16     `struc:"uint16,little"`
	NVSCC     uint8      `struc:"uint8"`
	NWPC      uint8      `struc:"uint8"`
	ACWU      uint16     `struc:"uint16,little"`
	Rsvd534   [2]byte    `struc:"[2]byte"`
	SGLS      uint32     `struc:"uint32,little"`
	MNAN      uint32     `struc:"uint32,little"`
	Rsvd544   [224]byte  `struc:"[224]byte"`
	SubNQN    [256]byte  `struc:"[256]byte"`
	Rsvd1024  [768]byte  `struc:"[768]byte"`
	IOCCSZ    uint32     `struc:"uint32,little"`
	IORCSZ    uint32     `struc:"uint32,little"`
	ICDOFF    uint16     `struc:"uint16,little"`
	FCATT     uint8      `struc:"uint8"`
	MSDBD     uint8      `struc:"uint8"`
	OFCS      uint16     `struc:"uint16,little"`
	Rsvd1806  [242]byte  `struc:"[242]byte"`
	PSD       [1024]byte `struc:"[1024]byte"`
	Vendor    [1024]byte `struc:"[1024]byte"`
}

// Controller data field values
const (
	ControllerTypeIO = 1

	OAESNamespaceAttr = 1 << 8

	LPAExtendedData = 1 << 2

	// SGLSupport advertises keyed SGLs and in-capsule data offsets
	SGLSupport = 1<<0 | 1<<20

	ONCSCompare     = 1 << 0
	ONCSWriteUncorr = 1 << 1
	ONCSDatasetMgmt = 1 << 2
	ONCSWriteZeroes = 1 << 3
	ONCSVerify      = 1 << 7
)

// SetIdentity fills the serial number, model and firmware revision
// fields, space padded as the NVMe ASCII fields require.
func (d *ControllerData) SetIdentity(serial, model, firmware string) {
	putPadded(d.SN[:], serial, ' ')
	putPadded(d.MN[:], model, ' ')
	putPadded(d.FR[:], firmware, ' ')
}

// SetSubsystem stores the subsystem NQN
func (d *ControllerData) SetSubsystem(nqn string) {
	putPadded(d.SubNQN[:], nqn, 0)
}

// Serial returns the trimmed serial number
func (d *ControllerData) Serial() string {
	return trimSpace(d.SN[:])
}

// Model returns the trimmed model number
func (d *ControllerData) Model() string {
	return trimSpace(d.MN[:])
}

// FirmwareRevision returns the trimmed firmware revision
func (d *ControllerData) FirmwareRevision() string {
	return trimSpace(d.FR[:])
}

// Subsystem returns the subsystem NQN
func (d *ControllerData) Subsystem() string {
	return cString(d.SubNQN[:])
}

// MarshalBinary encodes the Identify Controller data
func (d *ControllerData) MarshalBinary() ([]byte, error) {
	return pack(d, ControllerDataSize)
}

// ParseControllerData decodes Identify Controller data
func ParseControllerData(data []byte) (*ControllerData, error) {
	d := &ControllerData{}
	if err := unpack(data, d, ControllerDataSize); err != nil {
		return nil, err
	}
	return d, nil
}

func trimSpace(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return string(b[:end])
}

// U128 is a little-endian 128-bit counter
type U128 struct {
	Lo uint64 `struc:"uint64,little"`
	Hi uint64 `struc:"uint64,little"`
}

// HealthLog is the 512-byte SMART / Health Information log page
type HealthLog struct {
	CriticalWarning         uint8    `struc:"uint8"`
	Temperature             uint16   `struc:"uint16,little"`
	AvailableSpare          uint8    `struc:"uint8"`
	AvailableSpareThreshold uint8    `struc:"uint8"`
	PercentageUsed          uint8    `struc:"uint8"`
	EnduranceGroupWarning   uint8    `struc:"uint8"`
	Rsvd7                   [25]byte `struc:"[25]byte"`
	DataUnitsRead           U128
	DataUnitsWritten        U128
	HostReadCommands        U128
	HostWriteCommands       U128
	ControllerBusyTime      U128
	PowerCycles             U128
	PowerOnHours            U128
	UnsafeShutdowns         U128
	MediaErrors             U128
	ErrorLogEntries         U128
	WarningTempTime         uint32    `struc:"uint32,little"`
	CriticalTempTime        uint32    `struc:"uint32,little"`
	TempSensors             [16]byte  `struc:"[16]byte"`
	TMT1Count               uint32    `struc:"uint32,little"`
	TMT2Count               uint32    `struc:"uint32,little"`
	TMT1Time                uint32    `struc:"uint32,little"`
	TMT2Time                uint32    `struc:"uint32,little"`
	Rsvd232                 [280]byte `struc:"[280]byte"`
}

// MarshalBinary encodes the health log page
func (h *HealthLog) MarshalBinary() ([]byte, error) {
	return pack(h, HealthLogSize)
}

// ParseHealthLog decodes a health log page
func ParseHealthLog(data []byte) (*HealthLog, error) {
	h := &HealthLog{}
	if err := unpack(data, h, HealthLogSize); err != nil {
		return nil, err
	}
	return h, nil
}

// FirmwareSlotLog is the 512-byte Firmware Slot Information log page
type FirmwareSlotLog struct {
	AFI    uint8     `struc:"uint8"`
	Rsvd1  [7]byte   `struc:"[7]byte"`
	FRS    [56]byte  `struc:"[56]byte"`
	Rsvd64 [448]byte `struc:"[448]byte"`
}

// NewFirmwareSlotLog reports rev as the active revision in slot 1
func NewFirmwareSlotLog(rev string) *FirmwareSlotLog {
	l := &FirmwareSlotLog{AFI: 1}
	l.SetRevision(1, rev)
	return l
}

// SetRevision stores the revision string of slot (1..7)
func (l *FirmwareSlotLog) SetRevision(slot int, rev string) {
	if slot < 1 || slot > 7 {
		return
	}
	off := (slot - 1) * 8
	putPadded(l.FRS[off:off+8], rev, ' ')
}

// MarshalBinary encodes the firmware slot log page
func (l *FirmwareSlotLog) MarshalBinary() ([]byte, error) {
	return pack(l, FirmwareLogSize)
}

// NamespaceData is the 4096-byte Identify Namespace data structure
type NamespaceData struct {
	NSZE    uint64     `struc:"uint64,little"`
	NCAP    uint64     `struc:"uint64,little"`
	NUSE    uint64     `struc:"uint64,little"`
	NSFEAT  uint8      `struc:"uint8"`
	NLBAF   uint8      `struc:"uint8"`
	FLBAS   uint8      `struc:"uint8"`
	MC      uint8      `struc:"uint8"`
	DPC     uint8      `struc:"uint8"`
	DPS     uint8      `struc:"uint8"`
	NMIC    uint8      `struc:"uint8"`
	RESCAP  uint8      `struc:"uint8"`
	FPI     uint8      `struc:"uint8"`
	DLFEAT  uint8      `struc:"uint8"`
	NAWUN   uint16     `struc:"uint16,little"`
	NAWUPF  uint16     `struc:"uint16,little"`
	NACWU   uint16     `struc:"uint16,little"`
	NABSN   uint16     `struc:"uint16,little"`
	NABO    uint16     `struc:"uint16,little"`
	NABSPF  uint16     `struc:"uint16,little"`
	NOIOB   uint16     `struc:"uint16,little"`
	NVMCAP  [16]byte   `struc:"[16]byte"`
	Rsvd64  [40]byte   `struc:"[40]byte"`
	NGUID   [16]byte   `struc:"[16]byte"`
	EUI64   [8]byte    `struc:"[8]byte"`
	LBAF    [16]uint32 `struc:"[16]uint32,little"`
	Rsvd192 [3904]byte `struc:"[3904]byte"`
}

// DLFEATReadZeroes reports that deallocated blocks read back as zeroes
const DLFEATReadZeroes = 0x1

// NewNamespaceData describes a namespace of blocks logical blocks of
// blockSize bytes, using a single LBA format
func NewNamespaceData(blocks uint64, blockSize uint32, nguid uuid.UUID) *NamespaceData {
	d := &NamespaceData{
		NSZE:   blocks,
		NCAP:   blocks,
		NUSE:   blocks,
		DLFEAT: DLFEATReadZeroes,
	}
	d.LBAF[0] = uint32(lbads(blockSize)) << 16
	copy(d.NGUID[:], nguid[:])
	return d
}

// BlockSize returns the size of the formatted LBA
func (d *NamespaceData) BlockSize() uint32 {
	return 1 << ((d.LBAF[d.FLBAS&0xf] >> 16) & 0xff)
}

// MarshalBinary encodes the Identify Namespace data
func (d *NamespaceData) MarshalBinary() ([]byte, error) {
	return pack(d, NamespaceDataSize)
}

// ParseNamespaceData decodes Identify Namespace data
func ParseNamespaceData(data []byte) (*NamespaceData, error) {
	d := &NamespaceData{}
	if err := unpack(data, d, NamespaceDataSize); err != nil {
		return nil, err
	}
	return d, nil
}

func lbads(blockSize uint32) uint8 {
	var n uint8
	for blockSize > 1 {
		blockSize >>= 1
		n++
	}
	return n
}

// Namespace identification descriptor types (Identify CNS 03h)
const (
	NIDTEUI64 = 0x1
	NIDTNGUID = 0x2
	NIDTUUID  = 0x3
)

// NamespaceDescriptors encodes a Namespace Identification Descriptor list
// holding the namespace UUID
func NamespaceDescriptors(id uuid.UUID) []byte {
	buf := make([]byte, NamespaceDataSize)
	buf[0] = NIDTUUID
	buf[1] = 16
	copy(buf[4:], id[:])
	return buf
}
