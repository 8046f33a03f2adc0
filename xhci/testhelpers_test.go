package xhci

import (
	"context"
	"testing"

	"github.com/ardnew/usbhcd/internal/regio"
	"github.com/ardnew/usbhcd/usbcore"
)

// newAutoCompleteSim builds the same register window as [newTestSim], plus
// a doorbell write hook that auto-completes whatever was just queued: a
// Command Completion event for the command ring's doorbell (slot 0,
// handing back the next slot ID in slots for each Enable Slot command in
// turn, and stamping the target device context's assigned address - equal
// to the slot ID - once an Address Device command lands, mirroring what
// real hardware commits as part of that command), or a successful
// Transfer Event for the oldest pending TD on any other slot/endpoint's
// doorbell. This lets tests drive AllocateDevice and SubmitTransfer end to
// end without hand-writing their own event-posting goroutine.
func newAutoCompleteSim(t *testing.T, maxSlots, maxPorts int, slots []uint8) (*regio.Sim, func(*Controller)) {
	return newAutoCompleteSimOpt(t, maxSlots, maxPorts, slots, true)
}

// newAutoCompleteSimOpt is [newAutoCompleteSim] with auto-completion of
// non-default endpoint doorbells made optional, for tests (cancellation)
// that need commands and EP0 control transfers (so AllocateDevice can
// finish) to complete normally while a submitted transfer stays
// deliberately outstanding.
func newAutoCompleteSimOpt(t *testing.T, maxSlots, maxPorts int, slots []uint8, completeTransfers bool) (*regio.Sim, func(*Controller)) {
	t.Helper()
	sim := newTestSim(t, maxSlots, maxPorts)
	var c *Controller
	next := 0

	sim.OnAccess(func(offset uint32, write bool, size int) {
		if !write {
			return
		}
		if offset == simCapLength+usbCmd {
			go func() {
				cmd := sim.Read32(simCapLength + usbCmd)
				if cmd&cmdHCRST != 0 {
					sim.ClearBits32(simCapLength+usbCmd, cmdHCRST)
				}
				if cmd&cmdRun != 0 {
					sim.ClearBits32(simCapLength+usbSts, stsHCH)
				} else {
					sim.SetBits32(simCapLength+usbSts, stsHCH)
				}
			}()
			return
		}
		if c == nil || offset < c.dbBase {
			return
		}
		slot := (offset - c.dbBase) / 4
		go autoCompleteDoorbell(c, sim, slot, offset, &next, slots, completeTransfers)
	})

	return sim, func(ctrl *Controller) { c = ctrl }
}

func autoCompleteDoorbell(c *Controller, sim *regio.Sim, slot uint32, offset uint32, next *int, slots []uint8, completeTransfers bool) {
	if slot == 0 {
		c.cmd.mu.Lock()
		addr := c.cmd.outstanding
		c.cmd.mu.Unlock()
		if addr == 0 {
			return
		}
		idx := int(addr-c.erstBase)/trbSize - maxEvents
		trb := trbAt(c.cmd.buf.Logical, idx)
		typ := trbType(trb)
		respSlot := uint8((trbControl(trb) >> trbSlotShift) & trbSlotMask)
		if typ == trbTypeEnableSlot && *next < len(slots) {
			respSlot = slots[*next]
			*next++
		}
		if typ == trbTypeAddressDevice {
			c.mu.Lock()
			if s, ok := c.slots[respSlot]; ok {
				putUint32(s.deviceCtx.Logical[12:16], uint32(respSlot))
			}
			c.mu.Unlock()
		}
		control := uint32(trbTypeCommandCompletion)<<trbTypeShift | uint32(respSlot)<<trbSlotShift
		status := uint32(compSuccess) << trbCompletionShift
		postEventTRB(c, uint64(addr), status, control)
		return
	}

	value := sim.Read32(offset)
	epID := int(value & 0xff)
	if !completeTransfers && epID != 1 {
		return
	}
	c.mu.Lock()
	s, ok := c.slots[uint8(slot)]
	c.mu.Unlock()
	if !ok {
		return
	}
	ring := s.endpoints[epID]
	if ring == nil {
		return
	}
	td := ring.peekOldest()
	if td == nil {
		return
	}
	postTransferComplete(c, uint8(slot), epID, td)
}

func newTestControllerAuto(t *testing.T, maxSlots, maxPorts int, slots []uint8) (*Controller, *usbcore.Stack, *regio.Sim) {
	t.Helper()
	return newTestControllerAutoOpt(t, maxSlots, maxPorts, slots, true)
}

func newTestControllerAutoOpt(t *testing.T, maxSlots, maxPorts int, slots []uint8, completeTransfers bool) (*Controller, *usbcore.Stack, *regio.Sim) {
	t.Helper()
	stack := newTestStack(t)
	sim, attach := newAutoCompleteSimOpt(t, maxSlots, maxPorts, slots, completeTransfers)

	c, err := New(Config{Space: sim}, stack)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	attach(c)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	return c, stack, sim
}

// peekOldest returns the oldest pending TD without removing it, used by
// the auto-complete doorbell hook to know which TD to complete.
func (r *endpointRing) peekOldest() *transferDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return nil
	}
	return r.pending[0]
}

// postEventTRB writes one TRB into the controller's event ring at its
// current producer position and wakes the event-dispatch task, simulating
// a hardware-posted event (spec.md §4.4 "Events").
func postEventTRB(c *Controller, parameter uint64, status, control uint32) {
	c.events.mu.Lock()
	i := c.events.idx
	cycle := c.events.ccs
	c.events.mu.Unlock()
	writeTRB(c.events.slot(i), parameter, status, control, cycle)
	wake(c.eventWake)
}

// postTransferComplete synthesizes a successful Transfer Event TRB for
// td's last (real work) TRB, as the controller would once it finishes
// executing the TD (grounded in the original HandleTransferComplete).
func postTransferComplete(c *Controller, slot uint8, epID int, td *transferDescriptor) {
	control := uint32(trbTypeTransfer)<<trbTypeShift | uint32(slot)<<trbSlotShift | uint32(epID)<<trbEndpointShift
	status := uint32(compSuccess) << trbCompletionShift
	postEventTRB(c, uint64(td.lastTRBPhys), status, control)
}
