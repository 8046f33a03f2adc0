package xhci

import (
	"context"
	"sync"
	"time"

	"github.com/ardnew/usbhcd/pkg"
)

// maxEvents is the event ring's TRB slot count (original XHCI_MAX_EVENTS =
// 16*13). Unlike the command and endpoint rings, the event ring is a
// single contiguous segment with no Link TRB: both producer (hardware)
// and consumer (this package) simply wrap their index back to 0, tracking
// the Consumer Cycle State as a separate bit (xHCI 1.2 §4.9.4).
const maxEvents = 16 * 13

// eventPollInterval bounds how long a completion can sit unnoticed when
// nothing else drives the event-ring poll (e.g. in tests against
// [regio.Sim], which never raises a real interrupt line).
const eventPollInterval = 2 * time.Millisecond

// eventRing is the controller-wide primary event ring (interrupter 0).
type eventRing struct {
	mu  sync.Mutex
	buf []byte // logical view of the combined ERST segment, event ring first
	idx int
	ccs bool
}

func newEventRing(buf []byte) *eventRing {
	return &eventRing{buf: buf, ccs: true}
}

func (r *eventRing) slot(i int) []byte { return trbAt(r.buf, i) }

// runEventThread polls the event ring until ctx is cancelled, dispatching
// each consumed TRB by type and acknowledging with ERDP once a run of
// events has been drained (spec.md §4.4 "Events", grounded in the
// original ProcessEvents/CompleteEvents).
func (c *Controller) runEventThread(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(eventPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.eventWake:
			c.processEvents()
		case <-ticker.C:
			c.processEvents()
		}
	}
}

func (c *Controller) processEvents() {
	r := c.events
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.idx
	j := r.ccs
	t := 2 // safety cap on physical wraparounds per call, guards producer/consumer races
	any := false

	for {
		trb := r.slot(i)
		if trbCycle(trb) != j {
			break
		}
		any = true

		typ := trbType(trb)
		parameter := trbParameter(trb)
		status := trbStatus(trb)
		control := trbControl(trb)

		switch typ {
		case trbTypeCommandCompletion:
			c.deliverCommandCompletion(uintptr(parameter), status, control)
		case trbTypeTransfer:
			c.handleTransferComplete(parameter, status, control)
		case trbTypePortStatusChange:
			port := int((parameter >> 24) & 0xff)
			pkg.LogInfo(pkg.ComponentEvent, "port status change", "port", port)
		default:
			pkg.LogWarn(pkg.ComponentEvent, "unrecognized event TRB type", "type", typ)
		}

		i++
		if i == maxEvents {
			i = 0
			j = !j
			t--
			if t == 0 {
				break
			}
		}
	}

	if !any {
		return
	}
	r.idx = i
	r.ccs = j

	erdp := c.erstBase + uintptr(i*trbSize)
	c.space.Write32(c.rtBase+erdpLo(0), uint32(erdp)|erdpBusy)
	c.space.Write32(c.rtBase+erdpHi(0), uint32(uint64(erdp)>>32))
}

// handleTransferComplete matches a Transfer event to its owning endpoint
// and pending TD, stamps the TD's completion result, and hands it to the
// finisher (spec.md §4.5, grounded in the original HandleTransferComplete).
func (c *Controller) handleTransferComplete(parameter uint64, status, control uint32) {
	slot := uint8((control >> trbSlotShift) & trbSlotMask)
	epID := int((control >> trbEndpointShift) & trbEndpointMask)
	code := uint8((status >> trbCompletionShift) & trbCompletionMask)
	remainder := int(status & trbRemainderMask)
	hasEventData := control&trbEventDataBit != 0

	ep := c.findEndpoint(slot, epID)
	if ep == nil {
		pkg.LogError(pkg.ComponentEvent, "transfer event for unknown endpoint", "slot", slot, "endpoint", epID)
		return
	}

	td, isLast := ep.findByEventAddress(uintptr(parameter))
	if td == nil {
		pkg.LogError(pkg.ComponentEvent, "transfer event matched no pending descriptor", "slot", slot, "endpoint", epID)
		return
	}

	if !isLast && code == compSuccess {
		pkg.LogError(pkg.ComponentEvent, "successful completion for non-final TRB", "slot", slot, "endpoint", epID)
		return
	}

	td.completionCode = code
	if hasEventData {
		td.transferred = td.dataLen() - remainder
	} else {
		td.transferred = -1 // finisher falls back to DataLength - trb_left
		td.remainder = remainder
	}

	c.pushFinished(td)
}
