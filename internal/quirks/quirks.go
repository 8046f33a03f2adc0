package quirks

// PCIID identifies a PCI function well enough to look up a quirk, as
// reported by the (external) PCI probe step.
type PCIID struct {
	Vendor   uint16
	Device   uint16
	Revision uint8
}

// AMD SB600/SB700 periodic-list-cache quirk constants (spec.md §6).
const (
	amdVendorID            = 0x1002
	amdSB600EHCIDeviceID    = 0x4386
	amdSB700SB800EHCIDevice = 0x4396
	amdSMBusDeviceID        = 0x4385

	// EHCIMiscRegister is the PCI config-space register AMD SBx00 chipsets
	// expose to control the periodic list cache.
	EHCIMiscRegister = 0x50
	// EHCIMiscDisablePeriodicListCache is the bit that disables the cache.
	EHCIMiscDisablePeriodicListCache = 1 << 27
)

// NeedsAMDPeriodicListCacheWorkaround reports whether the EHCI controller
// described by ehci, and the SMBus function smbus found alongside it on the
// same bus, require the periodic-list-cache disable workaround.
//
// SB600 always needs it; SB700/SB800 only needs it when paired with an
// SMBus function at revision 0x3a or 0x3b (chipsets earlier than SB710),
// mirroring the NetBSD-derived logic in ehci.cpp.
func NeedsAMDPeriodicListCacheWorkaround(ehci PCIID, smbus PCIID, smbusPresent bool) bool {
	if ehci.Vendor != amdVendorID {
		return false
	}
	switch ehci.Device {
	case amdSB600EHCIDeviceID:
		return true
	case amdSB700SB800EHCIDevice:
		if !smbusPresent || smbus.Vendor != amdVendorID || smbus.Device != amdSMBusDeviceID {
			return false
		}
		return smbus.Revision == 0x3a || smbus.Revision == 0x3b
	default:
		return false
	}
}

// ApplyAMDPeriodicListCacheWorkaround sets the disable bit in a config
// register value already read by the caller via its PCI config accessor;
// callers write the result back to EHCIMiscRegister.
func ApplyAMDPeriodicListCacheWorkaround(configValue uint32) uint32 {
	return configValue | EHCIMiscDisablePeriodicListCache
}

// Intel xHCI port-routing quirk: a handful of PCH device IDs expose vendor
// registers that reroute EHCI-owned ports to the on-die xHCI controller.
const (
	intelVendorID = 0x8086

	// USB2PRM / XUSB2PR and USB3PRM / USB3_PSSEN are PCI config offsets on
	// the affected Intel xHCI functions.
	USB2PortRoutingSwitch = 0xD0
	USB2PortRoutingMask   = 0xD4
	USB3PortSSEnable      = 0xD8
	USB3PortRoutingMask   = 0xDC
)

var intelXHCIPortRoutingDeviceIDs = map[uint16]struct{}{
	0x1e31: {}, // Panther Point
	0x8c31: {}, // Lynx Point
	0x9c31: {}, // Lynx Point-LP
	0x0f35: {}, // BayTrail
	0x9cb1: {}, // Wildcat Point
	0x9d2f: {}, // Wildcat Point-LP
}

// NeedsIntelPortRouting reports whether id names one of the Intel xHCI
// functions that must reroute EHCI ports before ports will show up on the
// xHCI root hub.
func NeedsIntelPortRouting(id PCIID) bool {
	if id.Vendor != intelVendorID {
		return false
	}
	_, ok := intelXHCIPortRoutingDeviceIDs[id.Device]
	return ok
}
