package xhci

import (
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/usbhcd/internal/pma"
	"github.com/ardnew/usbhcd/pkg"
)

// maxCommands is the command ring's TRB slot count, including the
// trailing Link TRB (original XHCI_MAX_COMMANDS = 16).
const maxCommands = 16

// commandFirstTimeout/commandRetryTimeout bound DoCommand's wait for a
// Command Completion event: a short first wait, then (after forcing one
// explicit event-ring poll, for controllers that drop the completion
// interrupt in some error paths) a much longer retry (spec.md §4.4
// "Commands").
const (
	commandFirstTimeout = 50 * time.Millisecond
	commandRetryTimeout = 750 * time.Millisecond
)

// commandRing is the controller-wide command ring. Unlike an endpoint
// ring, it is a genuine cycling ring: every command TRB the producer
// writes carries the ring's current PCS, and the ring wraps through a
// Toggle-Cycle Link TRB exactly once every maxCommands-1 commands,
// flipping both PCS and (once the controller consumes that Link TRB) its
// CCS (Testable Property "xHCI cycle consistency").
type commandRing struct {
	mu sync.Mutex

	buf    pma.Buffer
	cursor *ringCursor

	// outstanding is the physical address of the Command Completion TRB
	// DoCommand is waiting to see echoed back, matching HandleCmdComplete
	// (0 when no command is in flight).
	outstanding uintptr

	result   [2]uint32 // status, control words of the matched completion TRB
	complete chan struct{}
}

func newCommandRing(alloc pmaAllocator) (*commandRing, error) {
	buf, err := alloc.Allocate(maxCommands * trbSize)
	if err != nil {
		return nil, err
	}
	buf.Zero()
	return &commandRing{
		buf:      buf,
		cursor:   newRingCursor(buf.Logical, maxCommands),
		complete: make(chan struct{}, 1),
	}, nil
}

func (cr *commandRing) phys() uintptr { return cr.buf.Physical }

// enqueue writes one command TRB at the ring's current producer index and
// computes the physical address the matching Command Completion event
// must echo (erstBase locates this ring immediately after the event
// ring's segment, per the controller's combined event+command DMA
// allocation — spec.md §4.4 "Command-ring physical layout").
func (cr *commandRing) enqueue(parameter uint64, status, control uint32, erstBase uintptr) uintptr {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	i := cr.cursor.index
	writeTRB(trbAt(cr.buf.Logical, i), parameter, status, control, cr.cursor.pcs)
	addr := erstBase + uintptr((maxEvents+i)*trbSize)
	cr.cursor.advance(cr.phys())
	return addr
}

// DoCommand posts trb on the command ring, rings the command doorbell,
// and blocks for a matching Command Completion event (spec.md §4.4
// "Commands"). On success trb.status/trb.control are overwritten with the
// completion TRB's own status/control words, mirroring the original
// DoCommand's in-place trb rewrite so EnableSlot etc. can read the slot
// ID straight back out of the control word.
func (c *Controller) DoCommand(trb *trbBuild) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	addr := c.cmd.enqueue(trb.parameter, trb.status, trb.control, c.erstBase)
	c.cmd.mu.Lock()
	c.cmd.outstanding = addr
	c.cmd.mu.Unlock()

	c.ringDoorbell(0, 0, 0)

	if !c.waitCommandComplete(commandFirstTimeout) {
		wake(c.eventWake) // force one explicit poll, for controllers that drop the completion IRQ
		if !c.waitCommandComplete(commandRetryTimeout) {
			c.cmd.mu.Lock()
			c.cmd.outstanding = 0
			c.cmd.mu.Unlock()
			return fmt.Errorf("xhci: %w: command did not complete", pkg.ErrTimeout)
		}
	}

	c.cmd.mu.Lock()
	status, control := c.cmd.result[0], c.cmd.result[1]
	c.cmd.outstanding = 0
	c.cmd.mu.Unlock()

	trb.status = status
	trb.control = control

	code := uint8((status >> trbCompletionShift) & trbCompletionMask)
	if code != compSuccess {
		return fmt.Errorf("xhci: %w: command failed with completion code %d", pkg.ErrHostControllerError, code)
	}
	return nil
}

func (c *Controller) waitCommandComplete(timeout time.Duration) bool {
	select {
	case <-c.cmd.complete:
		return true
	case <-time.After(timeout):
		return false
	}
}

// deliverCommandCompletion is called by the event dispatcher when it
// consumes a Command Completion TRB: if its address matches the
// in-flight command, the result is recorded and DoCommand is woken;
// otherwise it is logged and dropped (spec.md §4.4 "Events").
func (c *Controller) deliverCommandCompletion(address uintptr, status, control uint32) {
	c.cmd.mu.Lock()
	match := c.cmd.outstanding != 0 && c.cmd.outstanding == address
	if match {
		c.cmd.result[0] = status
		c.cmd.result[1] = control
	}
	c.cmd.mu.Unlock()

	if !match {
		pkg.LogWarn(pkg.ComponentCommand, "command completion for unknown address", "address", address)
		return
	}
	select {
	case c.cmd.complete <- struct{}{}:
	default:
	}
}

// ringDoorbell rings the doorbell for slot/endpoint with the given stream
// ID (spec.md §4.4 "Registers and init": doorbell registers).
func (c *Controller) ringDoorbell(slot uint8, target uint8, streamID uint16) {
	c.space.Write32(c.dbBase+doorbell(int(slot)), doorbellTarget(target, streamID))
}

// --- command builders, one per xHCI command the engine issues ---

func cmdNoOp() trbBuild {
	return trbBuild{control: uint32(trbTypeCmdNoOp) << trbTypeShift}
}

func cmdEnableSlot() trbBuild {
	return trbBuild{control: uint32(trbTypeEnableSlot) << trbTypeShift}
}

func cmdDisableSlot(slot uint8) trbBuild {
	return trbBuild{control: uint32(trbTypeDisableSlot)<<trbTypeShift | uint32(slot)<<trbSlotShift}
}

func cmdAddressDevice(inputCtxPhys uintptr, bsr bool, slot uint8) trbBuild {
	ctl := uint32(trbTypeAddressDevice)<<trbTypeShift | uint32(slot)<<trbSlotShift
	if bsr {
		ctl |= trbBSRBit
	}
	return trbBuild{parameter: uint64(inputCtxPhys), control: ctl}
}

func cmdConfigureEndpoint(inputCtxPhys uintptr, deconfigure bool, slot uint8) trbBuild {
	const dcepBit = 1 << 9
	ctl := uint32(trbTypeConfigureEP)<<trbTypeShift | uint32(slot)<<trbSlotShift
	if deconfigure {
		ctl |= dcepBit
	}
	return trbBuild{parameter: uint64(inputCtxPhys), control: ctl}
}

func cmdEvaluateContext(inputCtxPhys uintptr, slot uint8) trbBuild {
	return trbBuild{
		parameter: uint64(inputCtxPhys),
		control:   uint32(trbTypeEvaluateCtx)<<trbTypeShift | uint32(slot)<<trbSlotShift,
	}
}

func cmdResetEndpoint(preserve bool, endpointID int, slot uint8) trbBuild {
	const prsvBit = 1 << 9
	ctl := uint32(trbTypeResetEP)<<trbTypeShift | uint32(slot)<<trbSlotShift | uint32(endpointID)<<trbEndpointShift
	if preserve {
		ctl |= prsvBit
	}
	return trbBuild{control: ctl}
}

func cmdStopEndpoint(suspend bool, endpointID int, slot uint8) trbBuild {
	const suspendBit = 1 << 23
	ctl := uint32(trbTypeStopEP)<<trbTypeShift | uint32(slot)<<trbSlotShift | uint32(endpointID)<<trbEndpointShift
	if suspend {
		ctl |= suspendBit
	}
	return trbBuild{control: ctl}
}

func cmdSetTRDequeue(dequeue uint64, stream uint16, endpointID int, slot uint8) trbBuild {
	return trbBuild{
		parameter: dequeue, // caller already OR'd in ENDPOINT_2_DCS_BIT
		status:    uint32(stream) << 16,
		control:   uint32(trbTypeSetTRDequeue)<<trbTypeShift | uint32(slot)<<trbSlotShift | uint32(endpointID)<<trbEndpointShift,
	}
}

func cmdResetDevice(slot uint8) trbBuild {
	return trbBuild{control: uint32(trbTypeResetDevice)<<trbTypeShift | uint32(slot)<<trbSlotShift}
}
