package xhci

import (
	"context"
	"time"

	"github.com/ardnew/usbhcd/pkg"
	"github.com/ardnew/usbhcd/usbcore"
)

// finisherPollInterval bounds how long a completed transfer can sit
// unnoticed when nothing else drives the finisher (e.g. in tests against
// [regio.Sim], which never raises a real interrupt line).
const finisherPollInterval = 2 * time.Millisecond

// runFinisher drains fFinishedHead (the LIFO stack the event dispatcher
// populates), translating each TD's completion into its [usbcore.Transfer]
// result and freeing the TD (spec.md §4.5 "Transfer Finisher (xHCI)").
func (c *Controller) runFinisher(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(finisherPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.drainFinished()
			return
		case <-c.finisherWake:
			c.drainFinished()
		case <-ticker.C:
			c.drainFinished()
		}
	}
}

func (c *Controller) drainFinished() {
	c.finishedMu.Lock()
	head := c.finishedHead
	c.finishedHead = nil
	c.finishedMu.Unlock()

	for td := head; td != nil; {
		next := td.next
		c.finishTD(td)
		td = next
	}
}

// completionStatus translates an xHCI completion code into a
// [pkg.TransferStatus] (spec.md §4.5: "SUCCESS/SHORT_PACKET -> OK;
// DATA_BUFFER -> over/underrun by direction; BABBLE -> fifo;
// USB_TRANSACTION -> CRC; default -> STALL").
func completionStatus(code uint8, in bool) pkg.TransferStatus {
	switch code {
	case compSuccess, compShortPacket:
		return pkg.TransferStatusSuccess
	case compDataBuffer:
		if in {
			return pkg.TransferStatusOverrun
		}
		return pkg.TransferStatusUnderrun
	case compBabble:
		if in {
			return pkg.TransferStatusFIFOOverrun
		}
		return pkg.TransferStatusFIFOUnderrun
	case compUSBTransaction:
		return pkg.TransferStatusCRCError
	default:
		return pkg.TransferStatusStall
	}
}

// finishTD computes a TD's actual transferred length, fills isochronous
// packet descriptors, copies IN-direction data back to the caller's
// buffer, completes the transfer, and frees the TD's DMA buffers.
func (c *Controller) finishTD(td *transferDescriptor) {
	in := td.pipe != nil && td.pipe.Direction() == usbcore.DirectionIn
	status := completionStatus(td.completionCode, in)

	var actual int
	switch {
	case td.completionCode == compSuccess:
		actual = td.dataLen()
	case td.transferred >= 0:
		actual = td.transferred
	default:
		actual = td.dataLen() - td.remainder
	}
	if actual < 0 {
		actual = 0
	}
	if actual > td.dataLen() {
		actual = td.dataLen()
	}

	if len(td.isoPackets) > 0 {
		fillIsoPackets(td.isoPackets, actual, status)
	}

	if in && actual > 0 && status == pkg.TransferStatusSuccess && td.data.Logical != nil {
		copy(td.caller, td.data.Logical[:actual])
	}

	if td.transfer != nil {
		td.transfer.Complete(actual, status)
	}

	td.trbs.Free()
	td.data.Free()
}

// fillIsoPackets hands an isochronous TD's whole-TD actual length out to
// its per-packet descriptors in order: each packet gets up to its own
// requested Length from what is left, until the total is used up, and
// every later packet gets 0 (spec.md §4.5, Open Question "isochronous
// split"). Every packet gets the TD's status.
func fillIsoPackets(packets []usbcore.IsoPacketDescriptor, actual int, status pkg.TransferStatus) {
	remaining := actual
	for i := range packets {
		n := packets[i].Length
		if n > remaining {
			n = remaining
		}
		packets[i].ActualLength = n
		packets[i].Status = int(status)
		remaining -= n
	}
}
