package xhci

import (
	"github.com/ardnew/usbhcd/usbcore"
)

// CancelQueuedTransfers stops p's endpoint, drains its outstanding TDs,
// rewinds the ring to its base, and delivers CANCELLED completions
// (spec.md §4.4 "Cancellation"). When force is true, no callback fires —
// the path used when p's pipe is being torn down out from under its
// in-flight transfers.
func (c *Controller) CancelQueuedTransfers(p *usbcore.Pipe, force bool) error {
	ps := pipeCookie(p)
	if ps == nil {
		return nil // never configured, so nothing can be outstanding
	}

	pending := ps.ring.drainPending()
	if len(pending) == 0 {
		return nil
	}

	stop := cmdStopEndpoint(false, ps.endpointID, ps.slot)
	if err := c.DoCommand(&stop); err != nil {
		// The endpoint didn't stop cleanly: leave the ring where it is and
		// put the TDs back so a later cancel or the finisher can still
		// reclaim them once the controller does complete them.
		ps.ring.reattach(pending)
		return err
	}

	ps.ring.resetToStart()

	setDQ := cmdSetTRDequeue(ps.ring.dequeuePointer(), 0, ps.endpointID, ps.slot)
	if err := c.DoCommand(&setDQ); err != nil {
		ps.ring.reattach(pending)
		return err
	}

	for _, td := range pending {
		td.trbs.Free()
		td.data.Free()
		if td.transfer != nil {
			td.transfer.Cancel(force)
		}
	}
	return nil
}
