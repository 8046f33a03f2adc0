package ehci

import (
	"github.com/ardnew/usbhcd/internal/pma"
	"github.com/ardnew/usbhcd/usbcore"
)

// Queue head characteristics/capabilities bits (EHCI Spec 3.6).
const (
	qhCharsRLShift    = 28
	qhCharsRLMask     = 0x07
	qhCharsControl    = 1 << 27
	qhCharsMPLShift   = 16
	qhCharsMPLMask    = 0x03ff
	qhCharsRecHead    = 1 << 15
	qhCharsToggle     = 1 << 14
	qhCharsEPSFull    = 0 << 12
	qhCharsEPSLow     = 1 << 12
	qhCharsEPSHigh    = 2 << 12
	qhCharsEPTShift   = 8
	qhCharsEPTMask    = 0x0f
	qhCharsInactive   = 1 << 7
	qhCharsDevShift   = 0
	qhCharsDevMask    = 0x7f

	qhCapsMultShift = 30
	qhCapsMultMask  = 0x03
	qhCapsPortShift = 23
	qhCapsPortMask  = 0x7f
	qhCapsHubShift  = 16
	qhCapsHubMask   = 0x7f
	qhCapsSCMShift  = 8
	qhCapsSCMMask   = 0xff
	qhCapsISMShift  = 0
	qhCapsISMMask   = 0xff
)

// qhSize is the on-wire size of a QH: next_phy, endpoint_chars,
// endpoint_caps, current_qtd_phy, and the overlay (same layout as a
// qTD without the "software part").
const qhSize = 4*4 + qtdSize

// QueueHead is the software view of an EHCI QH: the hardware-visible
// async/periodic schedule node plus the software links
// (prev_log/next_log) used to splice it into the ring.
type QueueHead struct {
	buf pma.Buffer

	nextLog *QueueHead
	prevLog *QueueHead

	strayLog   *qTD
	elementLog *qTD // head of the currently-linked qTD chain, for cancellation walks

	pipe *usbcore.Pipe
}

func (q *QueueHead) Phys() uintptr { return q.buf.Physical }

// speedBits maps a usbcore.Speed to the EHCI EPS encoding.
func speedBits(speed usbcore.Speed) uint32 {
	switch speed {
	case usbcore.SpeedLow:
		return qhCharsEPSLow
	case usbcore.SpeedFull:
		return qhCharsEPSFull
	default:
		return qhCharsEPSHigh
	}
}

// newQueueHead allocates and encodes a QH for pipe's endpoint
// characteristics (spec.md §4.3 "Characteristics encode speed, device
// and endpoint address, max-packet, toggle-control; capabilities encode
// MULT, and for low/full speed add TT hub address and port").
func newQueueHead(allocate func(int) (pma.Buffer, error), pipe *usbcore.Pipe, hubAddress, hubPort uint8, recHead bool) (*QueueHead, error) {
	buf, err := allocate(qhSize)
	if err != nil {
		return nil, err
	}
	buf.Zero()

	qh := &QueueHead{buf: buf, pipe: pipe}

	if pipe == nil {
		// The stray anchor QH has no endpoint: only RECHEAD and a
		// terminated overlay.
		if recHead {
			putUint32(buf.Logical[4:8], qhCharsRecHead)
		}
		putLinkWord(buf.Logical[16:20], 0, true)
		putLinkWord(buf.Logical[20:24], 0, true)
		return qh, nil
	}

	chars :=uint32(pipe.DeviceAddress()&qhCharsDevMask) << qhCharsDevShift
	chars |= uint32(pipe.EndpointNumber()&qhCharsEPTMask) << qhCharsEPTShift
	chars |= uint32(pipe.MaxPacketSize()&qhCharsMPLMask) << qhCharsMPLShift
	chars |= speedBits(pipe.Speed())
	chars |= uint32(3&qhCharsRLMask) << qhCharsRLShift
	if pipe.Type() == usbcore.TransferTypeControl {
		chars |= qhCharsControl
		if pipe.Speed() != usbcore.SpeedHigh {
			chars |= qhCharsToggle // control pipes below high speed: toggle from qTD, not QH
		}
	}
	if recHead {
		chars |= qhCharsRecHead
	}

	caps := uint32(1&qhCapsMultMask) << qhCapsMultShift
	if pipe.Speed() != usbcore.SpeedHigh {
		caps |= uint32(hubPort&qhCapsPortMask) << qhCapsPortShift
		caps |= uint32(hubAddress&qhCapsHubMask) << qhCapsHubShift
	}

	putUint32(buf.Logical[4:8], chars)
	putUint32(buf.Logical[8:12], caps)

	// Overlay starts terminated; SubmitTransfer rewrites it when a qTD
	// chain is linked.
	putLinkWord(buf.Logical[16:20], 0, true)
	putLinkWord(buf.Logical[20:24], 0, true)

	return qh, nil
}

// setNextPhys rewrites this QH's next_phy link (hardware horizontal
// pointer).
func (q *QueueHead) setNextPhys(phys uintptr, itemType uint32, terminate bool) {
	v := uint32(phys) &^ 0x1f
	v |= itemType
	if terminate {
		v |= itemTerminate
	}
	putUint32(q.buf.Logical[0:4], v)
}

// linkOverlay points the QH's overlay (current execution state) at the
// head of a qTD chain, marking it ready for the scheduler to run.
func (q *QueueHead) linkOverlay(head *qTD) {
	q.elementLog = head
	putUint32(q.buf.Logical[12:16], uint32(head.Phys())) // current_qtd_phy
	encodeQTDLinks(q.buf.Logical[16:24], head.Phys(), 0, false, true)
	copy(q.buf.Logical[24:48], head.buf.Logical[8:32]) // token + 5 buffer pointers
}

func (q *QueueHead) free() error { return q.buf.Free() }

// AsyncRing is the circular async schedule: a permanent "stray" QH with
// the RECHEAD characteristic anchors the ring so it is always non-empty
// (spec.md §3 invariant).
type AsyncRing struct {
	stray *QueueHead
}

func newAsyncRing(stray *QueueHead) *AsyncRing {
	stray.nextLog = stray
	stray.prevLog = stray
	stray.setNextPhys(stray.Phys(), itemTypeQH, false)
	return &AsyncRing{stray: stray}
}

// Insert splices qh into the ring immediately after the stray anchor.
func (r *AsyncRing) Insert(qh *QueueHead) {
	next := r.stray.nextLog
	qh.nextLog = next
	qh.prevLog = r.stray
	r.stray.nextLog = qh
	next.prevLog = qh

	qh.setNextPhys(next.Phys(), itemTypeQH, false)
	r.stray.setNextPhys(qh.Phys(), itemTypeQH, false)
}

// Unlink splices qh out of the ring (spec.md §4.3 "UnlinkQueueHead
// splices a QH out of the async ring"). The caller is responsible for
// then parking qh on the IAAD free list — it must not be reused until
// the controller acknowledges async advance.
func (r *AsyncRing) Unlink(qh *QueueHead) {
	if qh.prevLog == nil || qh.nextLog == nil {
		return
	}
	qh.prevLog.setNextPhys(qh.nextLog.Phys(), itemTypeQH, false)
	qh.prevLog.nextLog = qh.nextLog
	qh.nextLog.prevLog = qh.prevLog
	qh.prevLog = nil
	qh.nextLog = nil
}

// Walk calls fn for every QH in the ring, including the stray anchor,
// stopping when it returns false or the ring has been fully traversed.
func (r *AsyncRing) Walk(fn func(*QueueHead) bool) {
	start := r.stray
	cur := start
	for {
		if !fn(cur) {
			return
		}
		cur = cur.nextLog
		if cur == start {
			return
		}
	}
}
