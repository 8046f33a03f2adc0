package xhci

import (
	"fmt"
	"sync"

	"github.com/ardnew/usbhcd/internal/pma"
	"github.com/ardnew/usbhcd/pkg"
)

// endpointRingSize is the TRB slot count of a persistent endpoint ring:
// one 2-TRB Link+EventData dispatch pair for each of XHCI_MAX_TRANSFERS
// (maxPendingPerEndpoint+1) TDs, plus the last slot for the wrap Link TRB.
// Work TRBs never live here (each transfer descriptor owns its own
// buffer). The count is odd, so advancing pair by pair from slot 0 lands
// exactly on the last slot, where enqueue writes the wrap Link TRB.
const endpointRingSize = 2*(maxPendingPerEndpoint+1) + 1

// maxPendingPerEndpoint caps outstanding transfer descriptors on one
// endpoint ring (original XHCI_MAX_TRANSFERS - 1, "used" counts TDs, not
// ring TRBs).
const maxPendingPerEndpoint = 3

// endpointRing is the persistent per-endpoint transfer ring xHCI polls:
// a TRB ring dedicated to dispatching transfer descriptors that live in
// their own separately allocated buffers (spec.md §4.4 "Endpoint ring
// layout", grounded in the original _LinkDescriptorForPipe).
//
// Unlike the command ring, this ring's Cycle bit never toggles: every
// slot this package ever writes here carries Cycle=1, and the slot
// immediately following each published pair is explicitly zeroed
// (Cycle=0), so the controller's consumer naturally stops there until
// the next submission overwrites it. The one genuine physical wrap (index
// reaching the ring's last slot) is handled as a plain Link TRB back to
// the ring base, also written with Cycle=1 — there is no second
// generation to distinguish, so no Toggle Cycle bit is needed either.
type endpointRing struct {
	mu sync.Mutex

	buf  pma.Buffer
	size int
	current int

	slotID     uint8
	endpointID int

	pending []*transferDescriptor // outstanding TDs, oldest first, for event-address lookup
}

func newEndpointRing(alloc pmaAllocator, slotID uint8, epID int) (*endpointRing, error) {
	buf, err := alloc.Allocate(endpointRingSize * trbSize)
	if err != nil {
		return nil, err
	}
	buf.Zero()
	return &endpointRing{
		buf:        buf,
		size:       endpointRingSize,
		slotID:     slotID,
		endpointID: epID,
	}, nil
}

func (r *endpointRing) phys() uintptr { return r.buf.Physical }

// dequeuePointer is the value to program into the endpoint context's TR
// Dequeue Pointer (qwendpoint2): the ring base address with the dequeue
// cycle state packed into bit 0 (xHCI 1.2 §6.2.3, ENDPOINT_2_DCS_BIT).
// This ring's consumer cycle state is always 1 (see type doc), so the bit
// is always set, both at initial configuration and after any
// [resetToStart] following cancellation.
func (r *endpointRing) dequeuePointer() uint64 {
	return uint64(r.phys()) | ep2DCSBit
}

// resetToStart rewinds current to 0 and clears every slot, used after a
// cancellation's Set TR Dequeue Pointer command repoints hardware at the
// ring base (spec.md §4.4 "Cancellation").
func (r *endpointRing) resetToStart() {
	r.current = 0
	r.buf.Zero()
	r.pending = nil
}

// enqueue builds one TD's dedicated TRB buffer from trbs (each a
// parameter/status/control triple the caller has already shaped for the
// transfer type, already Chain-linked internally by the caller where a TD
// needs more than one work TRB), writes the 2-TRB Link+EventData dispatch
// pair into the persistent ring, and returns the constructed
// [transferDescriptor] with its bookkeeping filled in, ready for the
// caller to append to the owner's pending list and ring the doorbell.
func (r *endpointRing) enqueue(alloc pmaAllocator, trbs []trbBuild, caller []byte) (*transferDescriptor, error) {
	if len(trbs) == 0 {
		return nil, fmt.Errorf("xhci: %w: endpoint ring enqueue with no TRBs", pkg.ErrInvalidRequest)
	}

	// The TD's own buffer holds its real work TRBs plus one trailing Link
	// TRB that redirects the controller back into the persistent ring's
	// Event Data slot once the TD's real work is done.
	tdBuf, err := alloc.Allocate((len(trbs) + 1) * trbSize)
	if err != nil {
		return nil, err
	}
	tdBuf.Zero()
	for i, b := range trbs {
		writeTRB(trbAt(tdBuf.Logical, i), b.parameter, b.status, b.control, true)
	}

	td := &transferDescriptor{
		trbs:         tdBuf,
		trbCount:     len(trbs),
		caller:       caller,
		firstTRBPhys: tdBuf.Physical,
		lastTRBPhys:  tdBuf.Physical + uintptr((len(trbs)-1)*trbSize),
		transferred:  -1,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) >= maxPendingPerEndpoint {
		tdBuf.Free()
		return nil, fmt.Errorf("xhci: %w: endpoint has %d outstanding transfers", pkg.ErrNoResources, len(r.pending))
	}

	current := r.current
	eventdataIdx := current + 1
	next := eventdataIdx + 1

	eventdataPhys := r.phys() + uintptr(eventdataIdx*trbSize)

	// The TD's own trailing Link TRB redirects into the ring's Event Data
	// slot, not back to itself: the controller executes the TD's real
	// work here, then jumps out to post the completion event.
	tdLink := trbAt(tdBuf.Logical, len(trbs))
	writeTRB(tdLink, uint64(eventdataPhys), 0, uint32(trbTypeLink)<<trbTypeShift|trbChainBit, true)

	writeTRB(trbAt(r.buf.Logical, eventdataIdx), uint64(td.lastTRBPhys), 0,
		uint32(trbTypeEventData)<<trbTypeShift|trbIOCBit, true)

	if next == r.size-1 {
		writeTRB(trbAt(r.buf.Logical, next), uint64(r.phys()), 0,
			uint32(trbTypeLink)<<trbTypeShift, true)
		next = 0
	}
	writeTRB(trbAt(r.buf.Logical, next), 0, 0, 0, false)

	// Publish the dispatcher Link TRB last: only once every other slot in
	// this submission is valid is "current" marked Cycle=1, so a
	// consumer racing this function never reads a half-built pair.
	writeTRB(trbAt(r.buf.Logical, current), uint64(tdBuf.Physical), 0,
		uint32(trbTypeLink)<<trbTypeShift, true)

	r.current = next
	r.pending = append(r.pending, td)
	return td, nil
}

// findByEventAddress locates and removes the pending TD whose TRB range
// contains eventAddr, reporting whether it was the TD's own last real
// work TRB (the normal, in-order completion case) or some other TRB in
// range (an error-path event quoting an earlier TRB). Returns nil if no
// pending TD's range contains eventAddr (spec.md §4.4 "Events": "walks
// the endpoint's TD list computing offset=...").
func (r *endpointRing) findByEventAddress(eventAddr uintptr) (td *transferDescriptor, isLast bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, t := range r.pending {
		if eventAddr < t.firstTRBPhys || eventAddr > t.lastTRBPhys {
			continue
		}
		r.pending = append(r.pending[:i], r.pending[i+1:]...)
		offset := int(eventAddr-t.firstTRBPhys) / trbSize
		return t, offset == t.trbCount-1
	}
	return nil, false
}

// drainPending removes and returns every outstanding TD, used by
// cancellation.
func (r *endpointRing) drainPending() []*transferDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pending
	r.pending = nil
	return out
}

// reattach puts TDs back on the pending list, used when a cancellation's
// Stop Endpoint or Set TR Dequeue Pointer command fails partway through:
// the ring and hardware state are left untouched, so these TDs remain
// reachable for a later cancel attempt or normal completion.
func (r *endpointRing) reattach(tds []*transferDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, tds...)
}

// trbBuild is one not-yet-placed TRB a caller wants written into a TD's
// own buffer: a parameter (address/immediate-data), a status word, and a
// control word (including Chain where the caller is linking multiple
// work TRBs into one TD). Cycle is always written as 1 by
// [endpointRing.enqueue] — every TRB living in a TD's own dedicated
// buffer belongs to a single-use, single-generation ring.
type trbBuild struct {
	parameter uint64
	status    uint32
	control   uint32
}

// pmaAllocator is the narrow slice of [pma.Allocator] xHCI's descriptor
// builders need.
type pmaAllocator struct {
	Allocate func(size int) (pma.Buffer, error)
}
