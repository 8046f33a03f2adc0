package ehci

import (
	"time"

	"github.com/ardnew/usbhcd/pkg"
	"github.com/ardnew/usbhcd/usbcore"
)

// finisherPollInterval bounds how long a completed transfer can sit
// unnoticed when no caller drives HandleInterrupt (e.g. in tests against
// [regio.Sim], which never raises a real interrupt line).
const finisherPollInterval = 2 * time.Millisecond

// HandleInterrupt services one host-controller interrupt: it reads
// USBSTS, acknowledges every pending bit the controller raised
// (write-1-to-clear), and wakes the background tasks those bits concern
// (spec.md §4.3 "Interrupt and finisher").
func (c *Controller) HandleInterrupt() {
	status := c.reg(usbSts) & stsIntMask
	if status == 0 {
		return
	}
	c.space.ClearBits32(c.opBase+usbSts, status) // write-1-to-clear

	if status&stsHostSysErr != 0 {
		pkg.LogError(pkg.ComponentEHCI, "host system error reported", "status", status)
	}
	if status&(stsUSBInt|stsUSBErrInt) != 0 {
		wake(c.finisherWake)
	}
	if status&stsIntOnAA != 0 {
		wake(c.asyncAdvanceWake)
	}
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// runFinisher walks the pending async/periodic/isochronous lists,
// translating every descriptor chain whose Active bit has cleared into a
// [usbcore.Transfer] completion, then hands the retired queue heads to
// the cleanup task for IAAD-gated reclamation (spec.md §4.3 "the
// finisher ... walks fFirstTransfer").
func (c *Controller) runFinisher() {
	defer c.wg.Done()

	ticker := time.NewTicker(finisherPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.finisherWake:
		case <-ticker.C:
		}
		c.reapTransfers()
		c.reapIsochronous()
	}
}

// reapTransfers drains finished control/bulk/interrupt transfers from
// c.pending, completing each one after the controller lock is released
// (spec.md: "collecting and firing callbacks ... after releasing the
// controller lock").
func (c *Controller) reapTransfers() {
	c.mu.Lock()
	var done []*pendingTransfer
	remaining := c.pending[:0]
	for _, pt := range c.pending {
		actual, status, finished := evaluateChain(pt.chain)
		if !finished {
			remaining = append(remaining, pt)
			continue
		}
		for _, q := range pt.chain {
			q.writeback()
		}
		pt.pipe.SetDataToggle(lastQTDToggle(pt.chain))

		if pt.pipe.Type() == usbcore.TransferTypeInterrupt {
			c.periodic.UnlinkInterrupt(pt.qh)
		} else {
			c.asyncRing.Unlink(pt.qh)
		}
		c.freeList = append(c.freeList, retiredNode{qh: pt.qh, chain: pt.chain})
		pt.result = chainResult{actual: actual, status: status}
		done = append(done, pt)
	}
	c.pending = remaining
	haveFree := len(done) > 0
	c.mu.Unlock()

	for _, pt := range done {
		c.mu.Lock()
		c.processingPipe = pt.pipe
		c.mu.Unlock()
		pt.transfer.Complete(pt.result.actual, pt.result.status)
	}
	if haveFree {
		c.mu.Lock()
		c.processingPipe = nil
		c.mu.Unlock()
		wake(c.freeListWake)
	}
}

// reapIsochronous drains finished isochronous transfers from
// c.pendingIso, filling each [usbcore.IsoPacketDescriptor] from its
// iTD token before completing the transfer as a whole.
func (c *Controller) reapIsochronous() {
	c.mu.Lock()
	var done []*pendingIso
	remaining := c.pendingIso[:0]
	for _, pi := range c.pendingIso {
		if !isoChainDone(pi.itds) {
			remaining = append(remaining, pi)
			continue
		}
		fillIsoPackets(pi)
		c.unlinkIsoFromFrameList(pi.startFrame, pi.itds)
		c.periodic.ReleaseBandwidth(pi.startFrame, pi.frameCount, pi.bandwidthPerFrame)
		done = append(done, pi)
	}
	c.pendingIso = remaining
	c.mu.Unlock()

	for _, pi := range done {
		actual := 0
		worst := pkg.TransferStatusSuccess
		for _, p := range pi.transfer.IsoPackets() {
			actual += p.ActualLength
			if pkg.TransferStatus(p.Status) != pkg.TransferStatusSuccess && worst == pkg.TransferStatusSuccess {
				worst = pkg.TransferStatus(p.Status)
			}
		}
		pi.transfer.Complete(actual, worst)
		for _, it := range pi.itds {
			it.free()
		}
		if pi.data.Logical != nil {
			pi.data.Free()
		}
	}
}

// chainResult is the finisher's verdict for one descriptor chain,
// computed under the controller lock but applied to the
// [usbcore.Transfer] after it is released.
type chainResult struct {
	actual int
	status pkg.TransferStatus
}

// evaluateChain inspects a qTD chain in execution order, returning the
// bytes transferred and translated status once every qTD's Active bit
// has cleared. A chain with any qTD still Active is not yet finished.
func evaluateChain(chain []*qTD) (actual int, status pkg.TransferStatus, finished bool) {
	for _, q := range chain {
		tok := q.token()
		if tok&qtdStatusActive != 0 {
			return 0, pkg.TransferStatusSuccess, false
		}
	}
	for _, q := range chain {
		tok := q.token()
		remaining := int((tok >> qtdBytesShift) & qtdBytesMask)
		actual += len(q.caller) - remaining

		s := translateQTDStatus(tok, q.pid)
		if s != pkg.TransferStatusSuccess {
			return actual, s, true
		}
	}
	return actual, pkg.TransferStatusSuccess, true
}

// translateQTDStatus maps a qTD's status bits to a [pkg.TransferStatus],
// using pid to pick the IN/OUT side of the direction-dependent conditions
// (spec.md §4.3: "ERRMASK set + BABBLE | FIFO_OVER/UNDERRUN").
func translateQTDStatus(tok uint32, pid uint8) pkg.TransferStatus {
	status := uint8(tok & qtdStatusMask)
	errCount := uint8((tok >> qtdErrCountShift) & qtdErrCountMask)
	in := pid == qtdPIDIn
	switch {
	case status&qtdStatusBabble != 0:
		if in {
			return pkg.TransferStatusFIFOOverrun
		}
		return pkg.TransferStatusFIFOUnderrun
	case status&qtdStatusBuffer != 0:
		if in {
			return pkg.TransferStatusOverrun
		}
		return pkg.TransferStatusUnderrun
	case status&qtdStatusTError != 0:
		return pkg.TransferStatusCRCError
	case errCount == 0 && status&qtdStatusHalted != 0:
		// Controller gave up retrying and halted the queue without ever
		// latching one of the specific error bits above.
		return pkg.TransferStatusStall
	case status&qtdStatusHalted != 0:
		return pkg.TransferStatusStall
	default:
		return pkg.TransferStatusSuccess
	}
}

// lastQTDToggle reports the data toggle the chain's final qTD would have
// used next, so the pipe's persistent toggle survives across transfers
// (spec.md §3 Pipe field "dataToggle").
func lastQTDToggle(chain []*qTD) bool {
	if len(chain) == 0 {
		return false
	}
	tok := chain[len(chain)-1].token()
	return tok&qtdDataToggle != 0
}

func isoChainDone(itds []*iTD) bool {
	for _, it := range itds {
		for slot := 0; slot < 8; slot++ {
			if it.tokenStatus(slot)&itdStatusActive != 0 {
				return false
			}
		}
	}
	return true
}

func fillIsoPackets(pi *pendingIso) {
	packets := pi.transfer.IsoPackets()
	for f, it := range pi.itds {
		for slot := 0; slot < 8; slot++ {
			idx := f*8 + slot
			if idx >= len(packets) {
				break
			}
			st := it.tokenStatus(slot)
			packets[idx].ActualLength = packets[idx].Length - it.tokenLength(slot)
			switch {
			case st&itdStatusBabble != 0:
				packets[idx].Status = int(pkg.TransferStatusBabble)
			case st&itdStatusBuffer != 0:
				packets[idx].Status = int(pkg.TransferStatusOverrun)
			case st&itdStatusTError != 0:
				packets[idx].Status = int(pkg.TransferStatusCRCError)
			default:
				packets[idx].Status = int(pkg.TransferStatusSuccess)
			}
		}
	}
}

func (c *Controller) unlinkIsoFromFrameList(start int, itds []*iTD) {
	for i, it := range itds {
		frame := (start + i) % virtualFrameListCount
		entry := getUint32(c.periodic.frameList.Logical[frame*4 : frame*4+4])
		if uintptr(entry&^0x1f) != it.Phys() {
			continue // something else now owns this slot's head; leave it
		}
		if it.nextLog != nil {
			putUint32(c.periodic.frameList.Logical[frame*4:frame*4+4], linkWordFor(it.nextLog.Phys(), itemTypeITD, false))
		} else {
			putUint32(c.periodic.frameList.Logical[frame*4:frame*4+4], itemTerminate)
		}
	}
}

// runCleanup implements the IAAD free-list retirement protocol: a queue
// head unlinked from the async ring must not be reused or freed until
// the controller has acknowledged it is no longer caching a pointer to
// it, signaled by Interrupt-on-Async-Advance (spec.md §4.3 "Free-list
// retirement (IAAD protocol)" — the core correctness property of async
// retirement).
func (c *Controller) runCleanup() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.freeListWake:
		}

		c.mu.Lock()
		if len(c.freeList) == 0 {
			c.mu.Unlock()
			continue
		}
		cmd := c.reg(usbCmd)
		c.setReg(usbCmd, cmd|cmdIntOnAAD)
		c.mu.Unlock()

		select {
		case <-c.asyncAdvanceWake:
		case <-time.After(20 * time.Millisecond):
			pkg.LogWarn(pkg.ComponentCleanup, "async advance doorbell timed out, reclaiming anyway")
		case <-c.ctx.Done():
			return
		}

		c.mu.Lock()
		retiring := c.freeList
		c.freeList = nil
		c.mu.Unlock()

		for _, node := range retiring {
			for _, q := range node.chain {
				q.free()
			}
			node.qh.free()
		}
	}
}
