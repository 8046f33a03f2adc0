package xhci

import (
	"testing"

	"github.com/ardnew/usbhcd/usbcore"
)

// TestAllocateDeviceEnablesAddressesAndReadsDescriptor drives the full
// Enable Slot -> Address Device -> GET_DESCRIPTOR(8) sequence through the
// auto-completing sim and checks the returned device carries the address
// xHCI assigned in hardware plus a usable control-pipe cookie.
func TestAllocateDeviceEnablesAddressesAndReadsDescriptor(t *testing.T) {
	c, stack, _ := newTestControllerAuto(t, 4, 1, []uint8{1})
	bus := usbcore.NewBusManager(stack, c)

	dev, err := c.AllocateDevice(bus, 0, 0, usbcore.SpeedHigh)
	if err != nil {
		t.Fatalf("AllocateDevice: %v", err)
	}
	if dev.Address() != 1 {
		t.Fatalf("device address = %d, want 1 (== assigned slot)", dev.Address())
	}
	if dev.ControlPipe().HCDCookie() == nil {
		t.Fatal("control pipe has no HCD cookie")
	}

	c.mu.Lock()
	_, ok := c.slots[1]
	c.mu.Unlock()
	if !ok {
		t.Fatal("slot 1 not registered after AllocateDevice")
	}
}

// TestAllocateDeviceNoSlotsAvailable exercises the Enable Slot failure
// path: after the first device, the auto-complete hook is removed, so the
// second Enable Slot command never receives a completion event and
// DoCommand fails with a timeout, as it would for a controller with no
// slot to hand out that never answers.
func TestAllocateDeviceNoSlotsAvailable(t *testing.T) {
	c, stack, sim := newTestControllerAuto(t, 1, 1, []uint8{1})
	bus := usbcore.NewBusManager(stack, c)

	if _, err := c.AllocateDevice(bus, 0, 0, usbcore.SpeedHigh); err != nil {
		t.Fatalf("first AllocateDevice: %v", err)
	}

	// Remove the hook so no completion is posted for the next Enable Slot.
	sim.OnAccess(nil)
	if _, err := c.AllocateDevice(bus, 0, 0, usbcore.SpeedHigh); err == nil {
		t.Fatal("expected error allocating a device with no completion ever posted")
	}
}
