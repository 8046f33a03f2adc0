package usbcore

import "sync"

// DeviceDescriptor mirrors the fixed 18-byte USB device descriptor. Only
// the fields the bus manager and HCDs need to drive enumeration and
// transfer scheduling are kept; the rest of the descriptor tree (config,
// interface, endpoint descriptors) is out of scope for this core (spec.md
// §1 Non-goals: class/function drivers).
type DeviceDescriptor struct {
	VendorID       uint16
	ProductID      uint16
	DeviceClass    uint8
	DeviceSubClass uint8
	MaxPacketSize0 uint8
	NumConfigurations uint8
}

// Device is an enumerated USB device: its address, speed, descriptor
// cache, default control pipe, and (for a device hanging off a hub) the
// hub's address and the device's downstream port (spec.md §3 Data Model
// row "Device").
type Device struct {
	Object

	bus *BusManager

	mu          sync.Mutex
	address     uint8
	speed       Speed
	descriptor  DeviceDescriptor
	hasDescriptor bool

	hubAddress uint8 // 0 if attached directly to the root hub
	hubPort    uint8

	controlPipe *Pipe
	pipes       map[uint8]*Pipe // keyed by endpoint address
}

// NewDevice constructs a Device under bus, already assigned address by a
// prior SET_ADDRESS control transfer on the caller's part — this
// constructor only records bookkeeping state and creates the device's
// default control pipe.
func NewDevice(stack *Stack, bus *BusManager, address uint8, speed Speed, maxPacketSize0 uint8, hubAddress, hubPort uint8) *Device {
	d := &Device{
		bus:        bus,
		address:    address,
		speed:      speed,
		hubAddress: hubAddress,
		hubPort:    hubPort,
		pipes:      make(map[uint8]*Pipe),
	}
	d.descriptor.MaxPacketSize0 = maxPacketSize0
	initObject(&d.Object, stack, KindDevice, &bus.Object)
	d.controlPipe = newPipe(stack, &d.Object, d, address, 0, DirectionOut, TransferTypeControl, uint16(maxPacketSize0), 0)
	return d
}

func (d *Device) Address() uint8 { return d.address }
func (d *Device) Speed() Speed   { return d.speed }
func (d *Device) BusManager() *BusManager { return d.bus }
func (d *Device) HubAddress() uint8 { return d.hubAddress }
func (d *Device) HubPort() uint8    { return d.hubPort }
func (d *Device) ControlPipe() *Pipe { return d.controlPipe }

// Descriptor returns the cached device descriptor and whether it has been
// populated yet (SetDescriptor has been called at least once).
func (d *Device) Descriptor() (DeviceDescriptor, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.descriptor, d.hasDescriptor
}

// SetDescriptor caches a device descriptor retrieved via a
// GET_DESCRIPTOR control transfer.
func (d *Device) SetDescriptor(desc DeviceDescriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.descriptor = desc
	d.hasDescriptor = true
}

// CreatePipe creates and registers a non-default pipe for one of the
// device's endpoints (bulk, interrupt, or isochronous).
func (d *Device) CreatePipe(endpointAddress uint8, dir Direction, kind TransferType, maxPacketSize uint16, interval uint8) *Pipe {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := newPipe(d.Object.stack, &d.Object, d, d.address, endpointAddress, dir, kind, maxPacketSize, interval)
	d.pipes[endpointAddress] = p
	return p
}

// Pipe looks up a previously created (non-control) pipe by endpoint
// address.
func (d *Device) Pipe(endpointAddress uint8) *Pipe {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pipes[endpointAddress]
}

// Pipes returns a snapshot of the device's non-control pipes.
func (d *Device) Pipes() []*Pipe {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Pipe, 0, len(d.pipes))
	for _, p := range d.pipes {
		out = append(out, p)
	}
	return out
}

// Close releases the device's control pipe, its other pipes, and finally
// the device's own usb_id (spec.md §4.2 teardown order: children before
// parent).
func (d *Device) Close() {
	d.mu.Lock()
	pipes := make([]*Pipe, 0, len(d.pipes))
	for _, p := range d.pipes {
		pipes = append(pipes, p)
	}
	d.mu.Unlock()

	for _, p := range pipes {
		p.Close()
	}
	d.controlPipe.Close()
	d.release()
}
