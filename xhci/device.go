package xhci

import (
	"fmt"
	"time"

	"github.com/ardnew/usbhcd/pkg"
	"github.com/ardnew/usbhcd/usbcore"
)

// pipeState is the controller-private state attached to every pipe this
// engine has configured: the owning slot, the endpoint's XHCI_ENDPOINT_ID,
// and its persistent transfer ring.
type pipeState struct {
	slot       uint8
	endpointID int
	ring       *endpointRing
}

func pipeCookie(p *usbcore.Pipe) *pipeState {
	v, _ := p.HCDCookie().(*pipeState)
	return v
}

// deviceContextEntries/inputContextEntries count contextSize-sized slots:
// a device context is one slot context plus one context per endpoint ID
// (maxEndpointsPerDevice of them); an input context additionally carries the
// Input Control Context ahead of a mirror of the device context (xHCI 1.2
// §6.2.1, §6.2.5.1).
const deviceContextEntries = 1 + maxEndpointsPerDevice
const inputContextEntries = 1 + deviceContextEntries

func (c *Controller) slotContextOffset() int          { return c.contextSize }
func (c *Controller) inputEndpointOffset(id int) int  { return c.contextSize * (1 + id) }
func (c *Controller) deviceEndpointOffset(id int) int { return c.contextSize * id }

// getDescriptorTimeout bounds the synchronous control transfer
// AllocateDevice issues to retrieve the first 8 bytes of the device
// descriptor.
const getDescriptorTimeout = 500 * time.Millisecond

// AllocateDevice enables a device slot, addresses the device, and
// retrieves enough of its device descriptor to finish enumeration,
// registering the result directly with bus (spec.md §4.4 "Device
// allocation"). Unlike EHCI, xHCI assigns the device address in hardware
// during SetAddress, so this bypasses [usbcore.BusManager.AllocateAddress]
// entirely and reads the assigned address back out of the device context.
func (c *Controller) AllocateDevice(bus *usbcore.BusManager, hubAddress, hubPort uint8, speed usbcore.Speed) (*usbcore.Device, error) {
	enableSlot := cmdEnableSlot()
	if err := c.DoCommand(&enableSlot); err != nil {
		return nil, fmt.Errorf("xhci: %w: enable slot: %v", pkg.ErrHostControllerError, err)
	}
	slot := uint8((enableSlot.control >> trbSlotShift) & trbSlotMask)
	if slot == 0 {
		return nil, fmt.Errorf("xhci: %w: enable slot returned slot 0", pkg.ErrHostControllerError)
	}

	alloc := c.allocator()

	deviceCtx, err := c.pma.Allocate(deviceContextEntries * c.contextSize)
	if err != nil {
		return nil, err
	}
	deviceCtx.Zero()

	inputCtx, err := c.pma.Allocate(inputContextEntries * c.contextSize)
	if err != nil {
		deviceCtx.Free()
		return nil, err
	}
	inputCtx.Zero()

	ep0ID := endpointID(0, false)
	ring, err := newEndpointRing(alloc, slot, ep0ID)
	if err != nil {
		inputCtx.Free()
		deviceCtx.Free()
		return nil, err
	}

	putUint32(inputCtx.Logical[4:8], inputAddFlagSlot|inputAddFlagEndpoint(ep0ID))

	route := c.routeString(bus, hubAddress, hubPort)
	speedCode := speedCodeForSlot(speed)
	rhPort := rootHubPort(bus, hubAddress, hubPort)

	slotBuf := inputCtx.Logical[c.slotContextOffset() : c.slotContextOffset()+c.contextSize]
	putUint32(slotBuf[0:4], route&slot0RouteMask|uint32(speedCode)<<slot0SpeedShift)
	putUint32(slotBuf[4:8], uint32(rhPort)<<slot1RHPortShift)

	maxPacket0Wire := defaultMaxPacket0Wire(speed)
	maxPacket0Bytes := defaultMaxPacket0Bytes(speed)
	ep0Buf := inputCtx.Logical[c.inputEndpointOffset(ep0ID) : c.inputEndpointOffset(ep0ID)+c.contextSize]
	putUint32(ep0Buf[4:8], uint32(3)<<ep1CErrShift|uint32(epTypeControl)<<ep1EPTypeShift|uint32(maxPacket0Bytes)<<ep1MaxPacketSizeShift)
	putUint64(ep0Buf[8:16], ring.dequeuePointer())
	putUint32(ep0Buf[16:20], 8) // average TRB length: a Setup Stage TRB's fixed 8-byte payload

	putUint64(c.dcbaa.Logical[int(slot)*8:int(slot)*8+8], uint64(deviceCtx.Physical))

	c.mu.Lock()
	c.slots[slot] = &slotState{
		slot:      slot,
		inputCtx:  inputCtx,
		deviceCtx: deviceCtx,
		endpoints: map[int]*endpointRing{ep0ID: ring},
	}
	c.mu.Unlock()

	setAddr := cmdAddressDevice(inputCtx.Physical, false, slot)
	if err := c.DoCommand(&setAddr); err != nil {
		return nil, fmt.Errorf("xhci: %w: set address: %v", pkg.ErrHostControllerError, err)
	}

	slotBufDev := deviceCtx.Logical[0:c.contextSize]
	addr := uint8(getUint32(slotBufDev[12:16]) & slot3DeviceAddressMask)

	dev := usbcore.NewDevice(bus.Stack(), bus, addr, speed, maxPacket0Wire, hubAddress, hubPort)
	bus.AddDevice(dev)
	dev.ControlPipe().SetHCDCookie(&pipeState{slot: slot, endpointID: ep0ID, ring: ring})

	buf := make([]byte, 8)
	if err := c.syncControlTransfer(dev.ControlPipe(), getDescriptorSetup(8), buf); err != nil {
		return dev, fmt.Errorf("xhci: %w: get descriptor(8): %v", pkg.ErrHostControllerError, err)
	}
	actualMaxPacket0 := buf[7]

	if speed == usbcore.SpeedFull && actualMaxPacket0 != 0 && uint16(actualMaxPacket0) != maxPacket0Bytes {
		c.mu.Lock()
		ep0Buf = inputCtx.Logical[c.inputEndpointOffset(ep0ID) : c.inputEndpointOffset(ep0ID)+c.contextSize]
		putUint32(inputCtx.Logical[0:4], 0)
		putUint32(inputCtx.Logical[4:8], inputAddFlagEndpoint(ep0ID))
		ep1 := getUint32(ep0Buf[4:8])
		ep1 = ep1&^(ep1MaxPacketSizeMask<<ep1MaxPacketSizeShift) | uint32(actualMaxPacket0)<<ep1MaxPacketSizeShift
		putUint32(ep0Buf[4:8], ep1)
		c.mu.Unlock()

		eval := cmdEvaluateContext(inputCtx.Physical, slot)
		if err := c.DoCommand(&eval); err != nil {
			return dev, fmt.Errorf("xhci: %w: evaluate context (EP0 resize): %v", pkg.ErrHostControllerError, err)
		}
	}

	return dev, nil
}

// syncControlTransfer submits a blocking control transfer and waits for
// its completion callback, used only during enumeration before any
// higher-level caller could reasonably submit concurrent requests.
func (c *Controller) syncControlTransfer(pipe *usbcore.Pipe, setup usbcore.SetupPacket, buf []byte) error {
	done := make(chan struct{})
	var status pkg.TransferStatus
	t := usbcore.NewTransfer(pipe.Device().BusManager().Stack(), pipe, &setup, buf, func(t *usbcore.Transfer) {
		_, status = t.Result()
		close(done)
	})
	if err := c.SubmitTransfer(t); err != nil {
		return err
	}
	select {
	case <-done:
	case <-time.After(getDescriptorTimeout):
		return pkg.ErrTimeout
	}
	if status != pkg.TransferStatusSuccess {
		return status.Error()
	}
	return nil
}

func getDescriptorSetup(length uint16) usbcore.SetupPacket {
	const reqGetDescriptor = 0x06
	const descTypeDevice = 1
	return usbcore.SetupPacket{
		RequestType: 0x80, // device-to-host, standard, device
		Request:     reqGetDescriptor,
		Value:       uint16(descTypeDevice) << 8,
		Length:      length,
	}
}

// defaultMaxPacket0Wire returns the device descriptor's bMaxPacketSize0
// encoding before the real value has been read off the device: for
// SuperSpeed this is the log2 exponent (9, for 2^9 = 512 bytes), not the
// byte count itself (USB 3.x spec, Table 9-12).
func defaultMaxPacket0Wire(speed usbcore.Speed) uint8 {
	switch speed {
	case usbcore.SpeedLow, usbcore.SpeedFull:
		return 8
	case usbcore.SpeedHigh:
		return 64
	default:
		return 9
	}
}

// defaultMaxPacket0Bytes returns the actual EP0 max-packet byte count the
// xHCI endpoint context field wants, distinct from the wire encoding
// [defaultMaxPacket0Wire] returns for SuperSpeed.
func defaultMaxPacket0Bytes(speed usbcore.Speed) uint16 {
	switch speed {
	case usbcore.SpeedLow, usbcore.SpeedFull:
		return 8
	case usbcore.SpeedHigh:
		return 64
	default:
		return 512
	}
}

func speedCodeForSlot(speed usbcore.Speed) int {
	switch speed {
	case usbcore.SpeedLow:
		return speedCodeLow
	case usbcore.SpeedFull:
		return speedCodeFull
	case usbcore.SpeedHigh:
		return speedCodeHigh
	default:
		return speedCodeSuper
	}
}

// routeString walks the parent-hub chain (each hop contributing the
// downstream port number, 4 bits, LSB first) to build a slot context's
// Route String; a port number above 15 is saturated to 15, and the walk
// stops after five nibbles (spec.md §4.4 step 3).
func (c *Controller) routeString(bus *usbcore.BusManager, hubAddress, hubPort uint8) uint32 {
	var route uint32
	shift := uint(0)
	addr, port := hubAddress, hubPort
	for addr != 0 && shift < 20 {
		nibble := uint32(port) & 0xf
		if port > 15 {
			nibble = 15
		}
		route |= nibble << shift
		shift += 4

		parent := bus.Device(addr)
		if parent == nil {
			break
		}
		addr, port = parent.HubAddress(), parent.HubPort()
	}
	return route
}

// rootHubPort walks up to the root-hub-attached ancestor and returns its
// downstream port, the Root Hub Port Number a slot context's dword1
// records.
func rootHubPort(bus *usbcore.BusManager, hubAddress, hubPort uint8) uint8 {
	addr, port := hubAddress, hubPort
	for addr != 0 {
		parent := bus.Device(addr)
		if parent == nil || parent.HubAddress() == 0 {
			return port
		}
		addr, port = parent.HubAddress(), parent.HubPort()
	}
	return port
}

// configureEndpoint lazily allocates and configures a non-default
// endpoint's transfer ring on first use (spec.md §4.4 only specifies EP0
// configuration during AllocateDevice; bulk/interrupt/isochronous
// endpoints are configured the first time a transfer targets them,
// mirroring how a class driver would drive Configure Endpoint after
// reading the active configuration's endpoint descriptors).
func (c *Controller) configureEndpoint(pipe *usbcore.Pipe) (*pipeState, error) {
	if ps := pipeCookie(pipe); ps != nil {
		return ps, nil
	}

	dev := pipe.Device()
	if dev == nil {
		return nil, fmt.Errorf("xhci: %w: pipe has no device", pkg.ErrInvalidRequest)
	}
	ctrlState := pipeCookie(dev.ControlPipe())
	if ctrlState == nil {
		return nil, fmt.Errorf("xhci: %w: device slot not found", pkg.ErrInvalidState)
	}
	slot := ctrlState.slot

	c.mu.Lock()
	s, ok := c.slots[slot]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("xhci: %w: unknown slot %d", pkg.ErrInvalidState, slot)
	}

	in := pipe.Direction() == usbcore.DirectionIn
	epID := endpointID(pipe.EndpointNumber(), in)

	ring, err := newEndpointRing(c.allocator(), slot, epID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	s.endpoints[epID] = ring
	c.mu.Unlock()

	putUint32(s.inputCtx.Logical[0:4], 0)
	putUint32(s.inputCtx.Logical[4:8], inputAddFlagEndpoint(epID))

	epType := xhciEndpointType(pipe.Type(), in)
	interval := intervalExponent(pipe)

	buf := s.inputCtx.Logical[c.inputEndpointOffset(epID) : c.inputEndpointOffset(epID)+c.contextSize]
	for i := range buf {
		buf[i] = 0
	}
	putUint32(buf[0:4], uint32(interval)<<ep0IntervalShift)
	putUint32(buf[4:8], uint32(3)<<ep1CErrShift|uint32(epType)<<ep1EPTypeShift|uint32(pipe.MaxPacketSize())<<ep1MaxPacketSizeShift)
	putUint64(buf[8:16], ring.dequeuePointer())
	putUint32(buf[16:20], uint32(pipe.MaxPacketSize()))

	cfg := cmdConfigureEndpoint(s.inputCtx.Physical, false, slot)
	if err := c.DoCommand(&cfg); err != nil {
		c.mu.Lock()
		delete(s.endpoints, epID)
		c.mu.Unlock()
		return nil, fmt.Errorf("xhci: %w: configure endpoint: %v", pkg.ErrHostControllerError, err)
	}

	ps := &pipeState{slot: slot, endpointID: epID, ring: ring}
	pipe.SetHCDCookie(ps)
	return ps, nil
}

func xhciEndpointType(kind usbcore.TransferType, in bool) int {
	switch kind {
	case usbcore.TransferTypeIsochronous:
		if in {
			return epTypeIsochIn
		}
		return epTypeIsochOut
	case usbcore.TransferTypeInterrupt:
		if in {
			return epTypeInterruptIn
		}
		return epTypeInterruptOut
	default: // bulk
		if in {
			return epTypeBulkIn
		}
		return epTypeBulkOut
	}
}

// intervalExponent converts a pipe's polling interval (frames/microframes,
// per [usbcore.Pipe.Interval]) into the endpoint context's log2 Interval
// field (xHCI 1.2 §6.2.3.6); bulk/control pipes leave it zero.
func intervalExponent(pipe *usbcore.Pipe) uint8 {
	if pipe.Type() != usbcore.TransferTypeInterrupt && pipe.Type() != usbcore.TransferTypeIsochronous {
		return 0
	}
	n := pipe.Interval()
	exp := uint8(0)
	for (uint16(1) << exp) < uint16(n) && exp < 15 {
		exp++
	}
	return exp
}
