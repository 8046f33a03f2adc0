package ehci

import (
	"github.com/ardnew/usbhcd/internal/pma"
)

// intervalsDescending lists the power-of-two interrupt-tree intervals
// from coarsest to finest (spec.md §4.3 "for each power-of-two interval
// 128, 64, 32, 16, 8, 4, 2 ... the final interval-1 QH anchors the
// tree").
var intervalsDescending = [...]int{128, 64, 32, 16, 8, 4, 2, 1}

// PeriodicSchedule owns the 1024-entry frame list, the interruptEntriesCount
// interrupt-QH anchors forming the binary tree, and per-virtual-frame
// bandwidth accounting for isochronous admission control.
type PeriodicSchedule struct {
	frameList pma.Buffer // 1024 x uint32 frame-list entries

	// intervalAnchor[i] is the QH anchoring interval intervalsDescending[i].
	intervalAnchor [interruptEntriesCount]*QueueHead

	frameBandwidth [virtualFrameListCount]int // microseconds remaining, starts at maxAvailableBandwidth
}

// newPeriodicSchedule allocates the frame list and builds the interrupt
// tree per spec.md §4.3 step 4: each half-interval slot in the virtual
// frame list points its entry into the interrupt-QH of the next coarser
// interval, down to the single interval-1 QH that terminates the tree.
func newPeriodicSchedule(allocate func(int) (pma.Buffer, error)) (*PeriodicSchedule, error) {
	frameList, err := allocate(frameListEntriesCount * 4)
	if err != nil {
		return nil, err
	}
	frameList.Zero()

	ps := &PeriodicSchedule{frameList: frameList}
	for i := range ps.frameBandwidth {
		ps.frameBandwidth[i] = maxAvailableBandwidth
	}

	for i := len(ps.intervalAnchor) - 1; i >= 0; i-- {
		qh, err := allocateInterruptAnchor(allocate)
		if err != nil {
			return nil, err
		}
		ps.intervalAnchor[i] = qh
		if i < len(ps.intervalAnchor)-1 {
			// Anchor i points to the next-finer anchor (i+1), which sits
			// later in intervalsDescending (coarser first).
			qh.setNextPhys(ps.intervalAnchor[i+1].Phys(), itemTypeQH, false)
		} else {
			qh.setNextPhys(0, itemTypeQH, true) // interval-1 QH terminates the tree
		}
	}

	for frame := 0; frame < virtualFrameListCount; frame++ {
		anchor := anchorForFrame(ps, frame)
		putUint32(frameList.Logical[frame*4:frame*4+4], linkWordFor(anchor.Phys(), itemTypeQH, false))
	}
	// The remaining 896 physical frame-list entries (1024 total, 128
	// virtual) alias the first 128 at FRAME%128 — EHCI's virtual frame
	// list is exactly 128 deep for the 1ms binary tree; mirror it across
	// the physical list.
	for frame := virtualFrameListCount; frame < frameListEntriesCount; frame++ {
		src := frame % virtualFrameListCount
		copy(frameList.Logical[frame*4:frame*4+4], frameList.Logical[src*4:src*4+4])
	}

	return ps, nil
}

func linkWordFor(phys uintptr, itemType uint32, terminate bool) uint32 {
	v := uint32(phys) &^ 0x1f
	v |= itemType
	if terminate {
		v |= itemTerminate
	}
	return v
}

// anchorForFrame picks the entry anchor for a virtual frame: the coarsest
// interval among 128..2 for which frame%interval == interval/2, or the
// interval-1 anchor when none matches (frame 0). The classic EHCI construction instead threads this through
// siTD next_phy chains per half-interval; this core folds that into a
// direct table lookup since no siTD weaving is needed purely to
// determine which anchor a given frame's entry should reach first.
func anchorForFrame(ps *PeriodicSchedule, frame int) *QueueHead {
	for i, interval := range intervalsDescending {
		if interval == 1 {
			return ps.intervalAnchor[i]
		}
		if frame%interval == interval/2 {
			return ps.intervalAnchor[i]
		}
	}
	return ps.intervalAnchor[len(ps.intervalAnchor)-1]
}

func allocateInterruptAnchor(allocate func(int) (pma.Buffer, error)) (*QueueHead, error) {
	buf, err := allocate(qhSize)
	if err != nil {
		return nil, err
	}
	buf.Zero()
	qh := &QueueHead{buf: buf}
	// Interrupt anchors carry no endpoint identity; they exist purely to
	// be link targets, so endpoint_chars/caps stay zero and the overlay
	// stays terminated.
	putLinkWord(buf.Logical[16:20], 0, true)
	putLinkWord(buf.Logical[20:24], 0, true)
	return qh, nil
}

// intervalIndex returns the table index for the smallest supported
// interval >= requested, clamped to 128 (spec.md §4.3 periodic
// transfers).
func intervalIndex(requested int) int {
	for i := len(intervalsDescending) - 1; i >= 0; i-- {
		if intervalsDescending[i] >= requested {
			return i
		}
	}
	return 0
}

// LinkInterrupt links qh into the interrupt tree at the smallest
// power-of-two interval >= requested, clamped to 128 (spec.md §4.3).
func (ps *PeriodicSchedule) LinkInterrupt(qh *QueueHead, requestedInterval int) {
	idx := intervalIndex(requestedInterval)
	anchor := ps.intervalAnchor[idx]

	qh.nextLog = anchor.nextLog
	qh.prevLog = anchor
	if anchor.nextLog != nil {
		anchor.nextLog.prevLog = qh
	}
	anchor.nextLog = qh

	if qh.nextLog != nil {
		qh.setNextPhys(qh.nextLog.Phys(), itemTypeQH, false)
	} else {
		putUint32(qh.buf.Logical[0:4], getUint32(anchor.buf.Logical[0:4])) // fall through to the anchor's own chain
	}
	anchor.setNextPhys(qh.Phys(), itemTypeQH, false)
}

// UnlinkInterrupt removes qh from wherever it was linked in the interrupt
// tree.
func (ps *PeriodicSchedule) UnlinkInterrupt(qh *QueueHead) {
	if qh.prevLog != nil {
		if qh.nextLog != nil {
			qh.prevLog.setNextPhys(qh.nextLog.Phys(), itemTypeQH, false)
		} else {
			putUint32(qh.prevLog.buf.Logical[0:4], getUint32(qh.buf.Logical[0:4]))
		}
		qh.prevLog.nextLog = qh.nextLog
	}
	if qh.nextLog != nil {
		qh.nextLog.prevLog = qh.prevLog
	}
	qh.prevLog = nil
	qh.nextLog = nil
}

// splitScheduleMasks returns the SSM/CSM bytes EHCI assigns to a
// full/low-speed interrupt endpoint forced to interval 1 (spec.md §4.3:
// "SSM=0x01, CSM=0x1C (splits start in µframe 0, complete in 2/3/4)").
func splitScheduleMasks() (ssm, csm uint8) { return 0x01, 0x1C }
