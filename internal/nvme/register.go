package nvme

// Controller property offsets
const (
	PropCAP  = 0x00
	PropVS   = 0x08
	PropCC   = 0x14
	PropCSTS = 0x1c
)

// CC is the Controller Configuration register
type CC uint32

// CC field layout
const (
	CCEnable       CC = 1 << 0
	ccCSSShift        = 4
	ccCSSMask         = 0x7
	ccMPSShift        = 7
	ccMPSMask         = 0xf
	ccAMSShift        = 11
	ccAMSMask         = 0x7
	ccSHNShift        = 14
	ccSHNMask         = 0x3
	ccIOSQESShift     = 16
	ccIOSQESMask      = 0xf
	ccIOCQESShift     = 20
	ccIOCQESMask      = 0xf
	ccReservedBits CC = 0xff00000e
)

// Shutdown notification values (CC.SHN)
const (
	ShutdownNone   = 0
	ShutdownNormal = 1
	ShutdownAbrupt = 2
)

// Arbitration mechanisms (CC.AMS)
const (
	AMSRoundRobin         = 0
	AMSWeightedRoundRobin = 1
	AMSVendorSpecific     = 7
)

// I/O command set selections (CC.CSS)
const (
	CSSNVM       = 0
	CSSAllIO     = 6
	CSSAdminOnly = 7
)

// Enabled reports CC.EN
func (c CC) Enabled() bool { return c&CCEnable != 0 }

// CSS returns the I/O command set selected
func (c CC) CSS() uint8 { return uint8(uint32(c)>>ccCSSShift) & ccCSSMask }

// MPS returns the memory page size exponent (2^(12+MPS))
func (c CC) MPS() uint8 { return uint8(uint32(c)>>ccMPSShift) & ccMPSMask }

// AMS returns the arbitration mechanism selected
func (c CC) AMS() uint8 { return uint8(uint32(c)>>ccAMSShift) & ccAMSMask }

// SHN returns the shutdown notification field
func (c CC) SHN() uint8 { return uint8(uint32(c)>>ccSHNShift) & ccSHNMask }

// IOSQES returns the I/O submission queue entry size exponent
func (c CC) IOSQES() uint8 { return uint8(uint32(c)>>ccIOSQESShift) & ccIOSQESMask }

// IOCQES returns the I/O completion queue entry size exponent
func (c CC) IOCQES() uint8 { return uint8(uint32(c)>>ccIOCQESShift) & ccIOCQESMask }

// WithSHN returns c with the shutdown notification field replaced
func (c CC) WithSHN(shn uint8) CC {
	return c&^(ccSHNMask<<ccSHNShift) | CC(shn&ccSHNMask)<<ccSHNShift
}

// NewCC builds a CC value the way hosts typically program it
func NewCC(enable bool, mps uint8) CC {
	cc := CC(6)<<ccIOSQESShift | CC(4)<<ccIOCQESShift | CC(mps&ccMPSMask)<<ccMPSShift
	if enable {
		cc |= CCEnable
	}
	return cc
}

// CSTS is the Controller Status register
type CSTS uint32

// CSTS field layout
const (
	CSTSReady     CSTS = 1 << 0
	CSTSFatal     CSTS = 1 << 1
	cstsSHSTShift      = 2
	cstsSHSTMask       = 0x3
)

// Shutdown status values (CSTS.SHST)
const (
	ShutdownStatusNormal    = 0
	ShutdownStatusOccurring = 1
	ShutdownStatusComplete  = 2
)

// Ready reports CSTS.RDY
func (s CSTS) Ready() bool { return s&CSTSReady != 0 }

// Fatal reports CSTS.CFS
func (s CSTS) Fatal() bool { return s&CSTSFatal != 0 }

// SHST returns the shutdown status field
func (s CSTS) SHST() uint8 { return uint8(uint32(s)>>cstsSHSTShift) & cstsSHSTMask }

// WithSHST returns s with the shutdown status field replaced
func (s CSTS) WithSHST(shst uint8) CSTS {
	return s&^(cstsSHSTMask<<cstsSHSTShift) | CSTS(shst&cstsSHSTMask)<<cstsSHSTShift
}

// CAP is the Controller Capabilities register
type CAP uint64

// Capabilities is the decoded form of CAP
type Capabilities struct {
	MQES   uint16 // maximum queue entries supported (0's based)
	CQR    bool   // contiguous queues required
	AMS    uint8  // arbitration mechanisms supported beyond round robin
	TO     uint8  // ready timeout in 500 ms units
	CSS    uint8  // command sets supported
	MPSMin uint8
	MPSMax uint8
}

// CAP encodes c
func (c Capabilities) CAP() CAP {
	v := uint64(c.MQES) |
		uint64(c.AMS&0x3)<<17 |
		uint64(c.TO)<<24 |
		uint64(c.CSS)<<37 |
		uint64(c.MPSMin&0xf)<<48 |
		uint64(c.MPSMax&0xf)<<52
	if c.CQR {
		v |= 1 << 16
	}
	return CAP(v)
}

// MQES returns the maximum queue entries supported (0's based)
func (c CAP) MQES() uint16 { return uint16(c) }

// AMS returns the supported arbitration mechanism bits
func (c CAP) AMS() uint8 { return uint8(c>>17) & 0x3 }

// CSS returns the supported command set bits
func (c CAP) CSS() uint8 { return uint8(c >> 37) }

// MPSMin returns the minimum memory page size exponent
func (c CAP) MPSMin() uint8 { return uint8(c>>48) & 0xf }

// MPSMax returns the maximum memory page size exponent
func (c CAP) MPSMax() uint8 { return uint8(c>>52) & 0xf }
