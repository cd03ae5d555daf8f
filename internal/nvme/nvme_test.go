package nvme

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructSizes(t *testing.T) {
	tests := []struct {
		name     string
		size     uintptr
		expected int
	}{
		{"Command", unsafe.Sizeof(Command{}), CommandSize},
		{"Completion", unsafe.Sizeof(Completion{}), CompletionSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if int(tt.size) != tt.expected {
				t.Errorf("%s size = %d, want %d", tt.name, tt.size, tt.expected)
			}
		})
	}
}

func TestPackedPageSizes(t *testing.T) {
	cdata := &ControllerData{}
	b, err := cdata.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, b, ControllerDataSize)

	health := &HealthLog{}
	b, err = health.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, b, HealthLogSize)

	fw := NewFirmwareSlotLog("1.0")
	b, err = fw.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, b, FirmwareLogSize)

	data := NewConnectData(uuid.New(), DynamicControllerID, "nqn.sub", "nqn.host")
	b, err = data.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, b, ConnectDataSize)
}

func TestCommandRoundTrip(t *testing.T) {
	cmd := Command{
		Opcode: OpcGetLogPage,
		CID:    0x1234,
		NSID:   7,
		CDW10:  0xdeadbeef,
		CDW15:  0x01020304,
	}
	cmd.DPTR[0] = 0xaa

	b, err := cmd.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, CommandSize)
	assert.Equal(t, uint8(OpcGetLogPage), b[0])
	assert.Equal(t, uint16(0x1234), binary.LittleEndian.Uint16(b[2:4]))
	assert.Equal(t, uint32(0xdeadbeef), binary.LittleEndian.Uint32(b[40:44]))
	assert.Equal(t, byte(0xaa), b[24])

	var got Command
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, cmd, got)

	assert.ErrorIs(t, got.UnmarshalBinary(b[:10]), ErrInsufficientData)
}

func TestCompletionStatusField(t *testing.T) {
	cqe := NewCompletion(9, StatusConnectInvalidHost)
	assert.Equal(t, uint16(9), cqe.CID)
	// SC 0x84 in bits 1..8, SCT 1 in bits 9..11
	assert.Equal(t, uint16(0x84<<1|1<<9), cqe.Status)
	assert.Equal(t, StatusConnectInvalidHost, cqe.Result())

	b, err := cqe.MarshalBinary()
	require.NoError(t, err)
	var got Completion
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, cqe, got)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "SUCCESS", StatusSuccess.String())
	assert.Equal(t, "COMMAND_SEQUENCE_ERROR", StatusCommandSequenceError.String())
	assert.Equal(t, "AER_LIMIT_EXCEEDED", StatusAERLimitExceeded.String())
	assert.Equal(t, "SCT2/SC0x81", NewStatus(SCTMediaError, 0x81).String())
}

func TestConnectCommandEncoding(t *testing.T) {
	in := ConnectCommand{CID: 3, QID: 2, SQSize: 127, CAttr: 0x4, KATO: 5000}
	sqe := in.Command()
	assert.Equal(t, uint8(FabricsConnect), sqe.FCType())

	b, err := sqe.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(b[ConnectCmdQIDOffset:]))
	assert.Equal(t, uint16(127), binary.LittleEndian.Uint16(b[ConnectCmdSQSizeOffset:]))
	assert.Equal(t, uint8(0x4), b[46])
	assert.Equal(t, uint32(5000), binary.LittleEndian.Uint32(b[48:]))

	assert.Equal(t, in, ParseConnectCommand(&sqe))
}

func TestConnectDataOffsets(t *testing.T) {
	host := uuid.MustParse("6c3a1f8e-1d7b-4c55-9b8a-0f2e3d4c5b6a")
	data := NewConnectData(host, 0x2a, "nqn.2014-08.org.example:sub", "nqn.2014-08.org.example:host")
	b, err := data.MarshalBinary()
	require.NoError(t, err)

	assert.Equal(t, host[:], b[ConnectDataHostIDOffset:ConnectDataHostIDOffset+16])
	assert.Equal(t, uint16(0x2a), binary.LittleEndian.Uint16(b[ConnectDataCntlIDOffset:]))
	assert.Equal(t, byte('n'), b[ConnectDataSubNQNOffset])
	assert.Equal(t, byte('n'), b[ConnectDataHostNQNOffset])

	got, err := ParseConnectData(b)
	require.NoError(t, err)
	assert.Equal(t, host, got.Host())
	assert.Equal(t, "nqn.2014-08.org.example:host", got.HostName())
	assert.Equal(t, "nqn.2014-08.org.example:sub", got.SubsystemName())
	assert.Equal(t, uint16(0x2a), got.CntlID)

	_, err = ParseConnectData(b[:100])
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestControllerDataOffsets(t *testing.T) {
	cdata := &ControllerData{
		VID:    0x1b36,
		CntlID: 0x0102,
		Ver:    Version14,
		AERL:   15,
		KAS:    10,
		SQES:   0x66,
		CQES:   0x44,
		NN:     32,
		IOCCSZ: 4,
	}
	cdata.SetIdentity("SERIAL1", "go-nvmft", "1.0")
	cdata.SetSubsystem("nqn.test")

	b, err := cdata.MarshalBinary()
	require.NoError(t, err)

	assert.Equal(t, uint16(0x1b36), binary.LittleEndian.Uint16(b[0:]))
	assert.Equal(t, "SERIAL1             ", string(b[4:24]))
	assert.Equal(t, uint16(0x0102), binary.LittleEndian.Uint16(b[78:]))
	assert.Equal(t, uint32(Version14), binary.LittleEndian.Uint32(b[80:]))
	assert.Equal(t, uint8(15), b[259])
	assert.Equal(t, uint16(10), binary.LittleEndian.Uint16(b[320:]))
	assert.Equal(t, uint8(0x66), b[512])
	assert.Equal(t, uint8(0x44), b[513])
	assert.Equal(t, uint32(32), binary.LittleEndian.Uint32(b[516:]))
	assert.Equal(t, "nqn.test", string(b[768:776]))
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(b[1792:]))

	got, err := ParseControllerData(b)
	require.NoError(t, err)
	assert.Equal(t, "SERIAL1", got.Serial())
	assert.Equal(t, "go-nvmft", got.Model())
	assert.Equal(t, "nqn.test", got.Subsystem())
	assert.Equal(t, uint16(0x0102), got.CntlID)
}

func TestHealthLogOffsets(t *testing.T) {
	h := &HealthLog{}
	h.HostReadCommands.Lo = 11
	h.ControllerBusyTime.Lo = 3
	h.PowerCycles.Lo = 1
	h.PowerOnHours.Lo = 42

	b, err := h.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, uint64(11), binary.LittleEndian.Uint64(b[64:]))
	assert.Equal(t, uint64(3), binary.LittleEndian.Uint64(b[96:]))
	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(b[112:]))
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(b[128:]))

	got, err := ParseHealthLog(b)
	require.NoError(t, err)
	assert.Equal(t, *h, *got)
}

func TestFirmwareSlotLog(t *testing.T) {
	l := NewFirmwareSlotLog("v2")
	b, err := l.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, uint8(1), b[0])
	assert.Equal(t, "v2      ", string(b[8:16]))

	l.SetRevision(9, "ignored")
	b2, err := l.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, b, b2)
}

func TestParseGetLogPage(t *testing.T) {
	in := GetLogPage{LID: LogChangedNamespace, RAE: true, Length: 4096, Offset: 12}
	cmd := in.Command(5)
	assert.Equal(t, in, ParseGetLogPage(&cmd))

	// NUMD spans CDW10 upper half and CDW11 lower half
	big := GetLogPage{LID: LogErrorInformation, Length: 4 << 17}
	cmd = big.Command(6)
	assert.Equal(t, uint32(1), cmd.CDW11)
	assert.Equal(t, big, ParseGetLogPage(&cmd))
}

func TestParsePropertyAccess(t *testing.T) {
	get := PropertyGetCommand(1, PropCAP, 8)
	p := ParsePropertyAccess(&get)
	assert.Equal(t, 8, p.Size)
	assert.Equal(t, uint32(PropCAP), p.Offset)

	set := PropertySetCommand(2, PropCC, 0x460001)
	p = ParsePropertyAccess(&set)
	assert.Equal(t, 4, p.Size)
	assert.Equal(t, uint64(0x460001), p.Value)

	bad := Command{Opcode: OpcFabrics, NSID: FabricsPropertyGet, CDW10: 2}
	assert.Equal(t, 0, ParsePropertyAccess(&bad).Size)
}

func TestAsyncEventResult(t *testing.T) {
	got := AsyncEventResult(AsyncEventTypeNotice, AsyncEventNoticeNamespaceChanged, LogChangedNamespace)
	assert.Equal(t, uint32(0x040002), got)
}

func TestInvalidParamResult(t *testing.T) {
	assert.Equal(t, uint32(1|512<<16), InvalidParamResult(IAttrData, ConnectDataHostNQNOffset))
}
