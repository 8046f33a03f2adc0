package usbcore

import (
	"sync/atomic"
	"time"

	"github.com/ardnew/usbhcd/pkg"
)

// Kind tags the closed set of Object variants (design note "Polymorphism
// over Object"). The set is closed by spec.md's data model: Stack,
// BusManager, Device, Pipe (whose transfer kind is its [TransferType]),
// Interface, Transfer.
type Kind uint8

const (
	KindStack Kind = iota
	KindBusManager
	KindDevice
	KindPipe
	KindInterface
	KindTransfer
)

func (k Kind) String() string {
	switch k {
	case KindStack:
		return "stack"
	case KindBusManager:
		return "bus_manager"
	case KindDevice:
		return "device"
	case KindPipe:
		return "pipe"
	case KindInterface:
		return "interface"
	case KindTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// busyDrainInterval and busyDrainAttempts implement the spin-wait PutUSBID
// performs while waiting for external lookups to release their reference
// (spec.md §4.2): 100µs sleep, 20 tries.
const (
	busyDrainInterval = 100 * time.Microsecond
	busyDrainAttempts = 20
)

// Object is the base embedded by every USB entity. A usb_id maps to at
// most one Object at a time (spec.md §3 invariant); releasing it waits
// until busy has drained to zero before the ID may be reused.
type Object struct {
	id     uint32
	kind   Kind
	parent *Object
	stack  *Stack
	busy   int32
}

// ID returns the object's stable USB ID.
func (o *Object) ID() uint32 { return o.id }

// Kind returns the object's variant tag.
func (o *Object) Kind() Kind { return o.kind }

// Parent returns the parent Object, or nil for the Stack itself.
func (o *Object) Parent() *Object { return o.parent }

// Acquire increments the busy counter. External lookups (e.g. resolving a
// usb_id back to an Object) must call Acquire before dispatching and
// Release when done, so a concurrent PutUSBID knows to wait.
func (o *Object) Acquire() { atomic.AddInt32(&o.busy, 1) }

// Release decrements the busy counter set by Acquire.
func (o *Object) Release() { atomic.AddInt32(&o.busy, -1) }

// initObject registers a new Object with the stack and stores its
// allocated usb_id in o. Called by each concrete constructor (for example
// NewBusManager, NewDevice, NewInterface, NewTransfer).
func initObject(o *Object, stack *Stack, kind Kind, parent *Object) {
	o.stack = stack
	o.kind = kind
	o.parent = parent
	o.id = stack.newID(o)
}

// release marks the usb_id invalid and waits for the busy counter to drain
// before returning, per spec.md §4.2's PutUSBID contract. An object whose
// busy counter never reaches zero within the drain deadline indicates a
// caller leaked a reference obtained via ID lookup; that is a programming
// error in this codebase, not a runtime condition callers can recover
// from, so it is reported as a fatal assertion rather than an error value.
func (o *Object) release() {
	o.stack.putID(o.id)

	for i := 0; i < busyDrainAttempts; i++ {
		if atomic.LoadInt32(&o.busy) == 0 {
			return
		}
		time.Sleep(busyDrainInterval)
	}

	if atomic.LoadInt32(&o.busy) != 0 {
		pkg.LogError(pkg.ComponentStack, "busy counter failed to drain",
			"usb_id", o.id, "kind", o.kind.String())
		panic("usbcore: object busy counter did not drain before deletion")
	}
}
