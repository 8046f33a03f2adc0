package ehci

// Capability registers (EHCI Spec 2.2), offsets relative to the
// capability-register base.
const (
	capLength   = 0x00
	hciVersion  = 0x02
	hcsParams   = 0x04
	hccParams   = 0x08
	hcspPortRoute = 0x0c
)

// Operational registers (EHCI Spec 2.3), offsets relative to
// capBase+CAPLENGTH.
const (
	usbCmd           = 0x00
	usbSts           = 0x04
	usbIntr          = 0x08
	frIndex          = 0x0c
	ctrlDSSegment    = 0x10
	periodicListBase = 0x14
	asyncListAddr    = 0x18
	configFlag       = 0x40
	portSC0          = 0x44
)

// USBCMD bits.
const (
	cmdITCShift    = 16
	cmdITCMask     = 0xff
	cmdLHCReset    = 1 << 7
	cmdIntOnAAD    = 1 << 6
	cmdAsyncEnable = 1 << 5
	cmdPeriodicEnable = 1 << 4
	cmdFLSShift    = 2
	cmdFLSMask     = 0x03
	cmdHCReset     = 1 << 1
	cmdRunStop     = 1 << 0
)

// USBSTS bits.
const (
	stsAsyncStatus    = 1 << 15
	stsPeriodicStatus = 1 << 14
	stsHCHalted       = 1 << 12
	stsIntOnAA        = 1 << 5
	stsHostSysErr     = 1 << 4
	stsFLRollover     = 1 << 3
	stsPortChange     = 1 << 2
	stsUSBErrInt      = 1 << 1
	stsUSBInt         = 1 << 0
	stsIntMask        = 0x3f
)

// USBINTR bits (mirrors the corresponding USBSTS enable bits).
const (
	intrIntOnAA    = 1 << 5
	intrHostSysErr = 1 << 4
	intrFLRollover = 1 << 3
	intrPortChange = 1 << 2
	intrUSBErrInt  = 1 << 1
	intrUSBInt     = 1 << 0
)

const configFlagFlag = 1 << 0

// PORTSC bits.
const (
	portSCPortOwner   = 1 << 13
	portSCPortPower   = 1 << 12
	portSCPortReset   = 1 << 8
	portSCSuspend     = 1 << 7
	portSCOCChange    = 1 << 5
	portSCOCActive    = 1 << 4
	portSCEnableChange = 1 << 3
	portSCEnable      = 1 << 2
	portSCConnChange  = 1 << 1
	portSCConnStatus  = 1 << 0
)

// Extended capability (PCI config space) constants for the Legacy
// Support BIOS-handoff sequence.
const (
	ecpShift        = 8
	ecpMask         = 0xff
	legSupCapIDMask = 0xff
	legSupCapID     = 0x01
	legSupOSOwned   = 1 << 24
	legSupBIOSOwned = 1 << 16
)

const (
	hccParamsFrameCache = 1 << 19 // named FPLC in the spec; also gates the 2+IPT vs. 10 iso threshold choice
	hccParamsIPTShift   = 4
	hccParamsIPTMask    = 0x7
)

func hccParamsFrameCacheSet(hccp uint32) bool { return hccp&hccParamsFrameCache != 0 }
func hccParamsIPT(hccp uint32) uint32         { return (hccp >> hccParamsIPTShift) & hccParamsIPTMask }

// Item-type tags used in next_phy-style link words (QH.next_phy,
// siTD.next_phy, iTD.next_phy, and periodic frame-list entries).
const (
	itemTypeITD   = 0 << 1
	itemTypeQH    = 1 << 1
	itemTypeSITD  = 2 << 1
	itemTypeFSTN  = 3 << 1
	itemTerminate = 1 << 0
)

const (
	interruptEntriesCount  = 8   // (log2(128)/log2(2)) + 1
	virtualFrameListCount  = 128
	frameListEntriesCount  = 1024
	maxAvailableBandwidth  = 125 // microseconds per virtual frame
)
