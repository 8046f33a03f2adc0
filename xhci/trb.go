package xhci

import (
	"github.com/ardnew/usbhcd/internal/pma"
	"github.com/ardnew/usbhcd/usbcore"
)

// trbSize is the on-wire size of one Transfer Request Block: an 8-byte
// parameter, a 4-byte status word, and a 4-byte control/flags word (xHCI
// 1.2 §4.11.1, struct xhci_trb).
const trbSize = 16

func getUint32(buf []byte) uint32 {
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

func putUint32(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

func getUint64(buf []byte) uint64 {
	return uint64(getUint32(buf[0:4])) | uint64(getUint32(buf[4:8]))<<32
}

func putUint64(buf []byte, v uint64) {
	putUint32(buf[0:4], uint32(v))
	putUint32(buf[4:8], uint32(v>>32))
}

// trbAt returns the 16-byte slice backing TRB index i within ring.
func trbAt(ring []byte, i int) []byte { return ring[i*trbSize : i*trbSize+trbSize] }

func trbParameter(t []byte) uint64      { return getUint64(t[0:8]) }
func trbSetParameter(t []byte, v uint64) { putUint64(t[0:8], v) }
func trbStatus(t []byte) uint32          { return getUint32(t[8:12]) }
func trbSetStatus(t []byte, v uint32)    { putUint32(t[8:12], v) }
func trbControl(t []byte) uint32         { return getUint32(t[12:16]) }
func trbSetControl(t []byte, v uint32)   { putUint32(t[12:16], v) }

func trbType(t []byte) int { return int((trbControl(t) >> trbTypeShift) & trbTypeMask) }
func trbCycle(t []byte) bool { return trbControl(t)&trbCycleBit != 0 }

// writeTRB fills a 16-byte TRB slot. cycle is OR'd in last by the caller
// once the rest of the chain is published, for rings where publication
// order matters (command ring, endpoint rings); writeTRB itself always
// writes the given cycle value directly, for rings (like the event ring,
// which only ever consumes TRBs) where no such ordering concern applies.
func writeTRB(t []byte, parameter uint64, status uint32, control uint32, cycle bool) {
	trbSetParameter(t, parameter)
	trbSetStatus(t, status)
	if cycle {
		control |= trbCycleBit
	} else {
		control &^= trbCycleBit
	}
	trbSetControl(t, control)
}

// ringCursor tracks a producer's position and Producer/Consumer Cycle
// State bit within a fixed-size ring of TRBs (xHCI 1.2 §4.9.2). The
// command ring uses this discipline: it wraps through a Link TRB at its
// last slot, and passing through that Link TRB toggles the cycle state
// (Testable Property "xHCI cycle consistency"). Endpoint rings do not use
// it; their cycle bit never toggles (see [endpointRing]).
type ringCursor struct {
	buf   []byte // trbSize*size bytes
	size  int    // TRB slot count, including the trailing Link TRB
	index int    // next slot a producer will write to
	pcs   bool   // current producer cycle state
}

func newRingCursor(buf []byte, size int) *ringCursor {
	return &ringCursor{buf: buf, size: size, pcs: true}
}

// advance moves index forward by one slot, wrapping through the ring's
// trailing Link TRB: when the new index reaches size-1 (the Link TRB's
// own slot), the Link TRB is (re)written with the Toggle Cycle bit and
// the current pcs, index resets to 0, and pcs flips (xHCI 1.2 §4.11.5.1).
// linkTargetPhys is the ring's own base physical address, which the Link
// TRB always points back to.
func (r *ringCursor) advance(linkTargetPhys uintptr) {
	r.index++
	if r.index == r.size-1 {
		link := trbAt(r.buf, r.size-1)
		writeTRB(link, uint64(linkTargetPhys), 0,
			uint32(trbTypeLink)<<trbTypeShift|trbTCBit, r.pcs)
		r.index = 0
		r.pcs = !r.pcs
	}
}

// slot returns the TRB this cursor currently points at.
func (r *ringCursor) slot() []byte { return trbAt(r.buf, r.index) }

// phys returns the physical address of the TRB at ring-relative index i.
func (r *ringCursor) phys(base uintptr, i int) uintptr { return base + uintptr(i*trbSize) }

// transferDescriptor is one outstanding request on an endpoint ring: its
// own dedicated TRB buffer (never the persistent endpoint ring itself —
// see [endpointRing.enqueue]), the DMA buffer backing its data stage, and
// the bookkeeping the event-ring consumer and finisher need to match a
// completion event back to it (xHCI 1.2 §4.11.2.1, original
// _LinkDescriptorForPipe/HandleTransferComplete).
type transferDescriptor struct {
	trbs pma.Buffer // trbCount+1 slots: real work TRBs, plus one trailing per-TD Link TRB
	data pma.Buffer // DMA-visible payload, zero-value for transfers with no data stage

	trbCount int
	caller   []byte // caller's buffer, for IN-direction readback

	firstTRBPhys uintptr
	lastTRBPhys  uintptr // phys addr of the last real work TRB; what the Event Data TRB echoes

	transfer *usbcore.Transfer
	pipe     *usbcore.Pipe

	isoPackets []usbcore.IsoPacketDescriptor

	completionCode uint8
	transferred    int // -1 unless a completion event carrying Event Data sets it
	remainder      int // valid only when transferred == -1: the error event's raw TRB_2_REM

	next *transferDescriptor // singly-linked finisher stack (LIFO)
}

// dataLen returns the TD's full requested payload length (the length the
// finisher falls back to when a completion event carries no Event Data
// byte count).
func (td *transferDescriptor) dataLen() int { return len(td.caller) }
