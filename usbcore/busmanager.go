package usbcore

import (
	"sync"

	"github.com/ardnew/usbhcd/pkg"
)

// MaxDeviceAddress is the highest assignable USB device address (spec.md
// §3: address bitmap 1..127).
const MaxDeviceAddress = 127

// BusManager owns one host controller: its device-address bitmap, its root
// hub's port count, and a default control pipe per speed used during
// enumeration before a device has an address (spec.md §3 Data Model).
type BusManager struct {
	Object

	hcd HCD

	mu        sync.Mutex
	addresses [MaxDeviceAddress + 1]bool // index 0 unused
	devices   map[uint8]*Device

	defaultPipes map[Speed]*Pipe
}

// NewBusManager registers a new bus manager with stack, driven by hcd.
func NewBusManager(stack *Stack, hcd HCD) *BusManager {
	bm := &BusManager{
		hcd:          hcd,
		devices:      make(map[uint8]*Device),
		defaultPipes: make(map[Speed]*Pipe),
	}
	initObject(&bm.Object, stack, KindBusManager, &stack.rootObj)
	stack.registerBusManager(bm)
	return bm
}

// HCD returns the host controller driver backing this bus manager.
func (bm *BusManager) HCD() HCD { return bm.hcd }

// AllocateAddress reserves the next free device address (1..127). It
// returns 0 if none are available.
func (bm *BusManager) AllocateAddress() uint8 {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	for addr := uint8(1); addr <= MaxDeviceAddress; addr++ {
		if !bm.addresses[addr] {
			bm.addresses[addr] = true
			return addr
		}
	}
	return 0
}

// ReleaseAddress frees a previously allocated device address.
func (bm *BusManager) ReleaseAddress(addr uint8) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if addr >= 1 && addr <= MaxDeviceAddress {
		bm.addresses[addr] = false
	}
}

// AddDevice registers a newly enumerated device under its address.
func (bm *BusManager) AddDevice(dev *Device) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.devices[dev.Address()] = dev
	pkg.LogInfo(pkg.ComponentBusManager, "device added",
		"address", dev.Address(), "speed", dev.Speed().String())
}

// RemoveDevice unregisters a device (e.g. on disconnect).
func (bm *BusManager) RemoveDevice(addr uint8) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	delete(bm.devices, addr)
}

// Device looks up a device by address.
func (bm *BusManager) Device(addr uint8) *Device {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.devices[addr]
}

// Devices returns a snapshot of all attached devices.
func (bm *BusManager) Devices() []*Device {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	out := make([]*Device, 0, len(bm.devices))
	for _, d := range bm.devices {
		out = append(out, d)
	}
	return out
}

// DefaultControlPipe returns (creating if necessary) the address-0 control
// pipe used to talk to an unaddressed device at the given speed during
// enumeration.
func (bm *BusManager) DefaultControlPipe(speed Speed, maxPacketSize uint16) *Pipe {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if p, ok := bm.defaultPipes[speed]; ok {
		return p
	}
	p := newPipe(bm.Stack(), &bm.Object, nil, 0, 0, DirectionOut, TransferTypeControl, maxPacketSize, 0)
	bm.defaultPipes[speed] = p
	return p
}

// Stack returns the owning Stack.
func (bm *BusManager) Stack() *Stack { return bm.Object.stack }
