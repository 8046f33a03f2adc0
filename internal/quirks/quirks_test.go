package quirks

import "testing"

func TestNeedsAMDPeriodicListCacheWorkaround(t *testing.T) {
	tests := []struct {
		name    string
		ehci    PCIID
		smbus   PCIID
		present bool
		want    bool
	}{
		{"sb600 always", PCIID{Vendor: amdVendorID, Device: amdSB600EHCIDeviceID}, PCIID{}, false, true},
		{"sb700 matching revision", PCIID{Vendor: amdVendorID, Device: amdSB700SB800EHCIDevice},
			PCIID{Vendor: amdVendorID, Device: amdSMBusDeviceID, Revision: 0x3a}, true, true},
		{"sb700 later revision", PCIID{Vendor: amdVendorID, Device: amdSB700SB800EHCIDevice},
			PCIID{Vendor: amdVendorID, Device: amdSMBusDeviceID, Revision: 0x40}, true, false},
		{"sb700 no smbus", PCIID{Vendor: amdVendorID, Device: amdSB700SB800EHCIDevice}, PCIID{}, false, false},
		{"non amd", PCIID{Vendor: 0x8086, Device: amdSB600EHCIDeviceID}, PCIID{}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NeedsAMDPeriodicListCacheWorkaround(tt.ehci, tt.smbus, tt.present); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyAMDPeriodicListCacheWorkaround(t *testing.T) {
	got := ApplyAMDPeriodicListCacheWorkaround(0)
	if got&EHCIMiscDisablePeriodicListCache == 0 {
		t.Fatalf("workaround bit not set: %#x", got)
	}
}

func TestNeedsIntelPortRouting(t *testing.T) {
	if !NeedsIntelPortRouting(PCIID{Vendor: intelVendorID, Device: 0x9c31}) {
		t.Fatalf("expected Lynx Point-LP to need port routing")
	}
	if NeedsIntelPortRouting(PCIID{Vendor: intelVendorID, Device: 0x1234}) {
		t.Fatalf("unexpected device matched port routing table")
	}
	if NeedsIntelPortRouting(PCIID{Vendor: amdVendorID, Device: 0x9c31}) {
		t.Fatalf("amd vendor should never match intel quirk")
	}
}
