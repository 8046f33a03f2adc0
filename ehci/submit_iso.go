package ehci

import (
	"github.com/ardnew/usbhcd/internal/pma"
	"github.com/ardnew/usbhcd/pkg"
	"github.com/ardnew/usbhcd/usbcore"
)

// pendingIso tracks an in-flight isochronous transfer's iTD chain so the
// finisher can translate per-packet completion status back into the
// transfer's [usbcore.IsoPacketDescriptor] slice.
type pendingIso struct {
	transfer   *usbcore.Transfer
	itds       []*iTD
	data       pma.Buffer
	startFrame int
	frameCount int
	bandwidthPerFrame int
}

// submitIsochronous allocates one iTD per frame of the transfer (up to 8
// packets each), starting at FRINDEX plus the HCCPARAMS-derived threshold
// (no caller-requested starting frame is taken), and links each into the
// virtual frame list (spec.md §4.3 "Isochronous transfers").
func (c *Controller) submitIsochronous(t *usbcore.Transfer) error {
	pipe := t.Pipe()
	packets := t.IsoPackets()
	if len(packets) == 0 {
		return pkg.ErrInvalidRequest
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	frameIndexValue := c.reg(frIndex)
	start := startingFrame(0, false, frameIndexValue, c.hccParams)

	maxPerFrame := 0
	for _, p := range packets {
		if p.Length > maxPerFrame {
			maxPerFrame = p.Length
		}
	}
	frameCount := (len(packets) + 7) / 8
	if err := c.periodic.ReserveBandwidth(start, frameCount, maxPerFrame); err != nil {
		return err
	}

	buffer := t.Buffer()
	var data pma.Buffer
	if len(buffer) > 0 {
		d, err := c.allocate(len(buffer))
		if err != nil {
			c.periodic.ReleaseBandwidth(start, frameCount, maxPerFrame)
			return err
		}
		if pipe.Direction() != usbcore.DirectionIn {
			copy(d.Logical, buffer)
		}
		data = d
	}

	var itds []*iTD
	bufOffset := 0
	for f := 0; f < frameCount; f++ {
		it, err := newITD(c.allocate)
		if err != nil {
			return err
		}
		it.setBufferPointer0(pipe)
		it.setBufferPointer1(pipe.MaxPacketSize(), 1)

		frameBase := data.Physical + uintptr(bufOffset)
		firstPage := frameBase &^ (uintptr(pageSizeEHCI) - 1)
		for p := 0; p < 7; p++ {
			it.setBufferPage(p, firstPage+uintptr(p*pageSizeEHCI))
		}

		for slot := 0; slot < 8; slot++ {
			pi := f*8 + slot
			if pi >= len(packets) {
				break
			}
			length := packets[pi].Length
			ioc := f == frameCount-1 && (slot == 7 || pi == len(packets)-1)
			packetPhys := data.Physical + uintptr(bufOffset)
			page := int((packetPhys - firstPage) / uintptr(pageSizeEHCI))
			offset := int((packetPhys - firstPage) % uintptr(pageSizeEHCI))
			it.setToken(slot, page, offset, length, ioc)
			bufOffset += length
		}
		itds = append(itds, it)
	}

	linkITDChain(itds)
	c.linkIsoIntoFrameList(start, itds)

	c.pendingIso = append(c.pendingIso, &pendingIso{
		transfer:          t,
		itds:              itds,
		data:              data,
		startFrame:        start,
		frameCount:        frameCount,
		bandwidthPerFrame: maxPerFrame,
	})

	return nil
}

func linkITDChain(itds []*iTD) {
	for i := 0; i < len(itds)-1; i++ {
		itds[i].nextLog = itds[i+1]
		itds[i+1].prevLog = itds[i]
		itds[i].setNextPhys(itds[i+1].Phys(), itemTypeITD, false)
	}
	if n := len(itds); n > 0 {
		itds[n-1].setNextPhys(0, itemTypeITD, true)
	}
}

// linkIsoIntoFrameList splices itds into the 128-entry virtual frame
// list starting at start, ahead of whatever was already scheduled there
// (the finest-grain schedule always wins the head position since iso
// work is time-critical).
func (c *Controller) linkIsoIntoFrameList(start int, itds []*iTD) {
	for i, it := range itds {
		frame := (start + i) % virtualFrameListCount
		existing := getUint32(c.periodic.frameList.Logical[frame*4 : frame*4+4])
		it.setNextPhys(uintptr(existing&^0x1f), existing&0x6, existing&itemTerminate != 0)
		putUint32(c.periodic.frameList.Logical[frame*4:frame*4+4], linkWordFor(it.Phys(), itemTypeITD, false))
	}
}
