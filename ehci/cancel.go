package ehci

import (
	"time"

	"github.com/ardnew/usbhcd/usbcore"
)

// cancelDrainInterval is how often CancelQueuedTransfers polls for the
// finisher to stop delivering completions on the canceled pipe (the
// finisher records that pipe in processingPipe while it does so).
const cancelDrainInterval = time.Millisecond

// CancelQueuedTransfers clears the Active bit on every qTD belonging to
// p's queued transfers, detaches them from the controller, and delivers
// CANCELED completions. When force is true, no callback fires — the path
// used when p's pipe is being torn down out from under its in-flight
// transfers.
func (c *Controller) CancelQueuedTransfers(p *usbcore.Pipe, force bool) error {
	c.mu.Lock()
	var matched []*pendingTransfer
	remaining := c.pending[:0]
	for _, pt := range c.pending {
		if pt.pipe != p {
			remaining = append(remaining, pt)
			continue
		}
		for _, q := range pt.chain {
			q.clearActive()
		}
		if pt.pipe.Type() == usbcore.TransferTypeInterrupt {
			c.periodic.UnlinkInterrupt(pt.qh)
		} else {
			c.asyncRing.Unlink(pt.qh)
		}
		matched = append(matched, pt)
	}
	c.pending = remaining

	var matchedIso []*pendingIso
	remainingIso := c.pendingIso[:0]
	for _, pi := range c.pendingIso {
		if pi.transfer.Pipe() != p {
			remainingIso = append(remainingIso, pi)
			continue
		}
		for _, it := range pi.itds {
			for slot := 0; slot < 8; slot++ {
				it.setToken(slot, 0, 0, 0, false) // zero status clears Active
			}
		}
		c.unlinkIsoFromFrameList(pi.startFrame, pi.itds)
		c.periodic.ReleaseBandwidth(pi.startFrame, pi.frameCount, pi.bandwidthPerFrame)
		matchedIso = append(matchedIso, pi)
	}
	c.pendingIso = remainingIso
	c.mu.Unlock()

	// Wait until the finisher is no longer delivering a completion on the
	// pipe before the caller is told cancellation is complete, so no
	// completion callback for p runs after this returns.
	for {
		c.mu.Lock()
		active := c.processingPipe == p
		c.mu.Unlock()
		if !active {
			break
		}
		time.Sleep(cancelDrainInterval)
	}

	for _, pt := range matched {
		c.freeListOrFree(pt.qh, pt.chain)
		if !force {
			pt.transfer.Cancel(false)
		} else {
			pt.transfer.Cancel(true)
		}
	}
	for _, pi := range matchedIso {
		for _, it := range pi.itds {
			it.free()
		}
		if pi.data.Logical != nil {
			pi.data.Free()
		}
		pi.transfer.Cancel(force)
	}

	if len(matched) > 0 {
		wake(c.freeListWake)
	}
	return nil
}

// freeListOrFree parks qh on the IAAD free list rather than freeing it
// immediately: the controller may still be holding a cached pointer to
// the async ring location it occupied (spec.md §4.3 IAAD protocol
// applies equally to canceled and naturally-completed queue heads).
func (c *Controller) freeListOrFree(qh *QueueHead, chain []*qTD) {
	c.mu.Lock()
	c.freeList = append(c.freeList, retiredNode{qh: qh, chain: chain})
	c.mu.Unlock()
}
