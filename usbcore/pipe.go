package usbcore

import "sync"

// Pipe is a communication endpoint view (spec.md §3 Data Model): a
// device address, endpoint address, direction, max-packet size, polling
// interval, data toggle, and an opaque cookie the owning HCD uses to find
// its controller-internal state (an EHCI QH index or an xHCI endpoint
// ring index).
type Pipe struct {
	Object

	device          *Device // nil for a bus manager's address-0 default pipe
	deviceAddress   uint8
	endpointAddress uint8
	direction       Direction
	kind            TransferType
	maxPacketSize   uint16
	interval        uint8
	speed           Speed

	mu         sync.Mutex
	dataToggle bool
	hcdCookie  any
}

// newPipe constructs a pipe owned by parent (a Device or, for the default
// control pipe, a BusManager).
func newPipe(stack *Stack, parent *Object, device *Device, deviceAddress, endpointAddress uint8,
	dir Direction, kind TransferType, maxPacketSize uint16, interval uint8) *Pipe {

	p := &Pipe{
		device:          device,
		deviceAddress:   deviceAddress,
		endpointAddress: endpointAddress,
		direction:       dir,
		kind:            kind,
		maxPacketSize:   maxPacketSize,
		interval:        interval,
	}
	if device != nil {
		p.speed = device.Speed()
	}
	initObject(&p.Object, stack, KindPipe, parent)
	return p
}

// Close releases the pipe's usb_id.
func (p *Pipe) Close() { p.release() }

func (p *Pipe) Device() *Device            { return p.device }
func (p *Pipe) DeviceAddress() uint8       { return p.deviceAddress }
func (p *Pipe) EndpointAddress() uint8     { return p.endpointAddress }
func (p *Pipe) EndpointNumber() uint8      { return p.endpointAddress & 0x0F }
func (p *Pipe) Direction() Direction       { return p.direction }
func (p *Pipe) Type() TransferType         { return p.kind }
func (p *Pipe) MaxPacketSize() uint16      { return p.maxPacketSize }
func (p *Pipe) Interval() uint8            { return p.interval }
func (p *Pipe) Speed() Speed               { return p.speed }

// DataToggle returns the pipe's current data toggle bit.
func (p *Pipe) DataToggle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dataToggle
}

// SetDataToggle sets the pipe's data toggle bit, as computed by the HCD
// from the last retired descriptor's token (spec.md §4.3 finisher table).
func (p *Pipe) SetDataToggle(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dataToggle = v
}

// HCDCookie returns the controller-private state attached to this pipe.
func (p *Pipe) HCDCookie() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hcdCookie
}

// SetHCDCookie attaches controller-private state to this pipe.
func (p *Pipe) SetHCDCookie(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hcdCookie = v
}
