package usbcore

// Interface represents one alternate setting of a device's interface
// descriptor: the set of pipes an enumerated function exposes once
// configured (spec.md §3 Data Model, and the closed tagged sum in the
// polymorphism design note). Class/function driver logic that would
// consume an Interface is out of scope here; this core only tracks the
// identity and pipe membership an enumerator establishes via
// SET_CONFIGURATION/SET_INTERFACE.
type Interface struct {
	Object

	device       *Device
	number       uint8
	alternate    uint8
	class        uint8
	subClass     uint8
	protocol     uint8
	endpoints    []*Pipe
}

// NewInterface constructs an Interface under device for the given
// interface/alternate-setting pair.
func NewInterface(stack *Stack, device *Device, number, alternate, class, subClass, protocol uint8) *Interface {
	i := &Interface{
		device:    device,
		number:    number,
		alternate: alternate,
		class:     class,
		subClass:  subClass,
		protocol:  protocol,
	}
	initObject(&i.Object, stack, KindInterface, &device.Object)
	return i
}

func (i *Interface) Device() *Device  { return i.device }
func (i *Interface) Number() uint8    { return i.number }
func (i *Interface) Alternate() uint8 { return i.alternate }
func (i *Interface) Class() uint8     { return i.class }
func (i *Interface) SubClass() uint8  { return i.subClass }
func (i *Interface) Protocol() uint8  { return i.protocol }

// AddEndpoint records a pipe as belonging to this interface setting.
func (i *Interface) AddEndpoint(p *Pipe) { i.endpoints = append(i.endpoints, p) }

// Endpoints returns the pipes belonging to this interface setting.
func (i *Interface) Endpoints() []*Pipe { return i.endpoints }

// Close releases the interface's usb_id. It does not close the
// interface's endpoint pipes — those are owned and torn down by the
// Device, independent of which alternate setting last claimed them.
func (i *Interface) Close() { i.release() }
