package usbcore

import (
	"sync"

	"github.com/ardnew/usbhcd/pkg"
)

// TransferCallback is invoked exactly once when a transfer reaches a
// terminal state (completed or canceled). A completion runs it on the
// HCD's finisher goroutine; a cancellation runs it on the goroutine that
// called CancelQueuedTransfers. It never runs on the caller's
// SubmitTransfer goroutine.
type TransferCallback func(t *Transfer)

// transferState is the lifecycle spec.md §3 "Lifecycles" assigns a
// Transfer: queued, then exactly one of completed or canceled.
type transferState uint8

const (
	transferStateQueued transferState = iota
	transferStateCompleted
	transferStateCanceled
)

// Transfer is one request submitted on a [Pipe]: an optional SETUP packet
// (control pipes only), a data buffer (or, for isochronous pipes, a set
// of per-packet descriptors sharing one buffer), a completion callback,
// and the bookkeeping an HCD needs to track partial completion of a
// fragmented request (spec.md §3 Data Model row "Transfer").
type Transfer struct {
	Object

	pipe    *Pipe
	setup   *SetupPacket
	buffer  []byte
	isoPackets []IsoPacketDescriptor
	callback TransferCallback

	mu           sync.Mutex
	state        transferState
	actualLength int
	status       pkg.TransferStatus
	fragmented   bool
	bandwidth    int // reserved bandwidth in bytes/frame, isochronous/interrupt only

	hcdCookie any
}

// NewTransfer constructs a queued Transfer against pipe. setup is nil for
// non-control pipes. The caller retains ownership of buffer until the
// callback fires.
func NewTransfer(stack *Stack, pipe *Pipe, setup *SetupPacket, buffer []byte, cb TransferCallback) *Transfer {
	t := &Transfer{
		pipe:     pipe,
		setup:    setup,
		buffer:   buffer,
		callback: cb,
		state:    transferStateQueued,
	}
	initObject(&t.Object, stack, KindTransfer, &pipe.Object)
	return t
}

// NewIsochronousTransfer constructs a queued isochronous Transfer whose
// buffer is split across the given per-packet descriptors.
func NewIsochronousTransfer(stack *Stack, pipe *Pipe, buffer []byte, packets []IsoPacketDescriptor, cb TransferCallback) *Transfer {
	t := NewTransfer(stack, pipe, nil, buffer, cb)
	t.isoPackets = packets
	return t
}

func (t *Transfer) Pipe() *Pipe               { return t.pipe }
func (t *Transfer) Setup() *SetupPacket       { return t.setup }
func (t *Transfer) Buffer() []byte            { return t.buffer }
func (t *Transfer) IsoPackets() []IsoPacketDescriptor { return t.isoPackets }

// HCDCookie returns the controller-private descriptor chain (a qTD chain
// head for EHCI, a TRB run for xHCI) attached to this transfer.
func (t *Transfer) HCDCookie() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hcdCookie
}

// SetHCDCookie attaches controller-private state to this transfer.
func (t *Transfer) SetHCDCookie(v any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hcdCookie = v
}

// SetFragmented marks a transfer whose request length exceeds what a
// single descriptor chain can express (e.g. a bulk transfer larger than
// the EHCI qTD total-bytes field), requiring the HCD to resubmit the
// remainder internally before invoking the caller's callback.
func (t *Transfer) SetFragmented(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fragmented = v
}

func (t *Transfer) Fragmented() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fragmented
}

// SetBandwidth records the per-frame bandwidth reserved for this
// transfer's pipe (interrupt/isochronous admission control).
func (t *Transfer) SetBandwidth(bytes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bandwidth = bytes
}

func (t *Transfer) Bandwidth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bandwidth
}

// IsDone reports whether the transfer has reached a terminal state.
func (t *Transfer) IsDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state != transferStateQueued
}

// Result returns the actual transferred length and completion status
// once the transfer is done; callers should only trust these values
// after the callback has fired.
func (t *Transfer) Result() (actualLength int, status pkg.TransferStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.actualLength, t.status
}

// Complete transitions a queued transfer to completed, records its
// result, and invokes the callback. It is idempotent: a second call is a
// no-op, guarding against an HCD's finisher racing a cancellation.
func (t *Transfer) Complete(actualLength int, status pkg.TransferStatus) {
	t.mu.Lock()
	if t.state != transferStateQueued {
		t.mu.Unlock()
		return
	}
	t.state = transferStateCompleted
	t.actualLength = actualLength
	t.status = status
	cb := t.callback
	t.mu.Unlock()

	if cb != nil {
		cb(t)
	}
}

// Cancel transitions a queued transfer to canceled with
// [pkg.TransferStatusCancelled]. When force is false (the normal
// HCD-driven cancellation path) the callback is invoked, matching the
// EHCI/xHCI cancellation procedure of collecting and firing callbacks
// with CANCELED status after releasing the controller lock. When force
// is true the transfer is torn down without invoking the caller's
// callback at all — the path used when a pipe is being destroyed out
// from under its in-flight transfers. Idempotent, for the same reason as
// Complete.
func (t *Transfer) Cancel(force bool) {
	t.mu.Lock()
	if t.state != transferStateQueued {
		t.mu.Unlock()
		return
	}
	t.state = transferStateCanceled
	t.status = pkg.TransferStatusCancelled
	cb := t.callback
	t.mu.Unlock()

	if !force && cb != nil {
		cb(t)
	}
}
