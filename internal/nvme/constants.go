// Package nvme provides NVMe and NVMe over Fabrics wire definitions
package nvme

// Admin command opcodes
const (
	OpcGetLogPage        = 0x02
	OpcIdentify          = 0x06
	OpcSetFeatures       = 0x09
	OpcGetFeatures       = 0x0a
	OpcAsyncEventRequest = 0x0c
	OpcKeepAlive         = 0x18
	OpcFabrics           = 0x7f
)

// NVM command set opcodes
const (
	OpcFlush              = 0x00
	OpcWrite              = 0x01
	OpcRead               = 0x02
	OpcWriteUncorrectable = 0x04
	OpcCompare            = 0x05
	OpcWriteZeroes        = 0x08
	OpcDatasetManagement  = 0x09
	OpcVerify             = 0x0c
)

// Fabrics command types (FCTYPE, SQE byte 4)
const (
	FabricsPropertySet = 0x00
	FabricsConnect     = 0x01
	FabricsPropertyGet = 0x04
	FabricsDisconnect  = 0x08
)

// Status code types
const (
	SCTGeneric         = 0x0
	SCTCommandSpecific = 0x1
	SCTMediaError      = 0x2
	SCTPathRelated     = 0x3
	SCTVendorSpecific  = 0x7
)

// Generic command status codes
const (
	SCSuccess                  = 0x00
	SCInvalidOpcode            = 0x01
	SCInvalidField             = 0x02
	SCCommandIDConflict        = 0x03
	SCDataTransferError        = 0x04
	SCAbortedPowerLoss         = 0x05
	SCInternalDeviceError      = 0x06
	SCAbortedByRequest         = 0x07
	SCAbortedSQDeletion        = 0x08
	SCInvalidNamespaceOrFormat = 0x0b
	SCCommandSequenceError     = 0x0c
	SCLBAOutOfRange            = 0x80
	SCCapacityExceeded         = 0x81
	SCNamespaceNotReady        = 0x82
)

// Command specific status codes
const (
	SCInvalidQueueIdentifier = 0x01
	SCAERLimitExceeded       = 0x05
	SCInvalidLogPage         = 0x09
	SCFeatureNotChangeable   = 0x0e
)

// Fabrics command specific status codes
const (
	SCConnectIncompatibleFormat = 0x80
	SCConnectControllerBusy     = 0x81
	SCConnectInvalidParameters  = 0x82
	SCConnectRestartDiscovery   = 0x83
	SCConnectInvalidHost        = 0x84
	SCInvalidQueueType          = 0x85
)

// Media and data integrity status codes
const (
	SCWriteFault           = 0x80
	SCUnrecoveredReadError = 0x81
	SCCompareFailure       = 0x85
)

// Log page identifiers
const (
	LogErrorInformation  = 0x01
	LogHealthInformation = 0x02
	LogFirmwareSlot      = 0x03
	LogChangedNamespace  = 0x04
)

// Identify CNS values
const (
	CNSNamespace        = 0x00
	CNSController       = 0x01
	CNSActiveNamespaces = 0x02
	CNSNamespaceIDList  = 0x03
)

// Feature identifiers
const (
	FeatNumberOfQueues   = 0x07
	FeatAsyncEventConfig = 0x0b
	FeatKeepAliveTimer   = 0x0f
)

// Asynchronous event types and information
const (
	AsyncEventTypeError  = 0x0
	AsyncEventTypeSMART  = 0x1
	AsyncEventTypeNotice = 0x2

	AsyncEventNoticeNamespaceChanged = 0x00
)

// Async event configuration bits (Set Features 0x0b, CDW11)
const (
	AsyncEventSMARTMask          = 0xff
	AsyncEventNamespaceAttr      = 1 << 8
	AsyncEventFirmwareActivation = 1 << 9
	AsyncEventTelemetryLog       = 1 << 10
	AsyncEventANAChange          = 1 << 11
	AsyncEventPredictableLat     = 1 << 12
	AsyncEventLBAStatus          = 1 << 13

	// AsyncEventConfigSupported covers every bit a host may enable
	AsyncEventConfigSupported = 0x3fff
)

// Special namespace identifiers
const (
	NSIDBroadcast = 0xffffffff
	NSIDReserved  = 0xfffffffe
)

// Sizes of fixed wire structures
const (
	CommandSize        = 64
	CompletionSize     = 16
	ConnectDataSize    = 1024
	ControllerDataSize = 4096
	NamespaceDataSize  = 4096
	HealthLogSize      = 512
	FirmwareLogSize    = 512
	ChangedNSLogSize   = 4096
)

// NVMe version 1.4
const Version14 = 0x00010400
