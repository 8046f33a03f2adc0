package usbcore

import (
	"testing"

	"github.com/ardnew/usbhcd/pkg"
)

func TestTransferCompleteInvokesCallbackOnce(t *testing.T) {
	s := newTestStack(t)
	bm := NewBusManager(s, &fakeHCD{name: "fake", ports: 1})
	dev := NewDevice(s, bm, 1, SpeedHigh, 64, 0, 0)

	calls := 0
	var lastLen int
	var lastStatus pkg.TransferStatus
	tr := NewTransfer(s, dev.ControlPipe(), &SetupPacket{}, make([]byte, 8), func(t *Transfer) {
		calls++
		lastLen, lastStatus = t.Result()
	})

	tr.Complete(8, pkg.TransferStatusSuccess)
	tr.Complete(4, pkg.TransferStatusError) // second call must be ignored

	if calls != 1 {
		t.Fatalf("callback invoked %d times, want 1", calls)
	}
	if lastLen != 8 || lastStatus != pkg.TransferStatusSuccess {
		t.Errorf("Result() = %d, %v, want 8, success", lastLen, lastStatus)
	}
	if !tr.IsDone() {
		t.Errorf("IsDone() = false after Complete")
	}
}

func TestTransferCancelInvokesCallbackOnce(t *testing.T) {
	s := newTestStack(t)
	bm := NewBusManager(s, &fakeHCD{name: "fake", ports: 1})
	dev := NewDevice(s, bm, 1, SpeedHigh, 64, 0, 0)

	calls := 0
	tr := NewTransfer(s, dev.ControlPipe(), nil, nil, func(t *Transfer) { calls++ })

	tr.Cancel(false)
	tr.Complete(0, pkg.TransferStatusSuccess) // must not override cancellation

	if calls != 1 {
		t.Fatalf("callback invoked %d times, want 1", calls)
	}
	_, status := tr.Result()
	if status != pkg.TransferStatusCancelled {
		t.Errorf("Result() status = %v, want cancelled", status)
	}
}

func TestTransferCancelForceSkipsCallback(t *testing.T) {
	s := newTestStack(t)
	bm := NewBusManager(s, &fakeHCD{name: "fake", ports: 1})
	dev := NewDevice(s, bm, 1, SpeedHigh, 64, 0, 0)

	calls := 0
	tr := NewTransfer(s, dev.ControlPipe(), nil, nil, func(t *Transfer) { calls++ })

	tr.Cancel(true)
	if calls != 0 {
		t.Fatalf("callback invoked %d times, want 0 for forced cancel", calls)
	}
	if !tr.IsDone() {
		t.Errorf("IsDone() = false after forced Cancel")
	}
}

func TestIsochronousTransferPackets(t *testing.T) {
	s := newTestStack(t)
	bm := NewBusManager(s, &fakeHCD{name: "fake", ports: 1})
	dev := NewDevice(s, bm, 1, SpeedHigh, 64, 0, 0)
	pipe := dev.CreatePipe(0x82, DirectionIn, TransferTypeIsochronous, 1024, 1)

	packets := []IsoPacketDescriptor{{Length: 188}, {Length: 188}, {Length: 188}}
	tr := NewIsochronousTransfer(s, pipe, make([]byte, 564), packets, nil)

	if got := tr.IsoPackets(); len(got) != 3 {
		t.Fatalf("IsoPackets() len = %d, want 3", len(got))
	}
}

func TestTransferHCDCookieRoundTrip(t *testing.T) {
	s := newTestStack(t)
	bm := NewBusManager(s, &fakeHCD{name: "fake", ports: 1})
	dev := NewDevice(s, bm, 1, SpeedHigh, 64, 0, 0)
	tr := NewTransfer(s, dev.ControlPipe(), nil, nil, nil)

	type cookie struct{ qh int }
	tr.SetHCDCookie(&cookie{qh: 42})

	got, ok := tr.HCDCookie().(*cookie)
	if !ok || got.qh != 42 {
		t.Errorf("HCDCookie() = %+v, want qh=42", got)
	}
}
