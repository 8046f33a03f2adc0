package xhci

import (
	"testing"
	"time"

	"github.com/ardnew/usbhcd/pkg"
	"github.com/ardnew/usbhcd/usbcore"
)

func newAutoCompleteDevice(t *testing.T, slot uint8) (*Controller, *usbcore.Stack, *usbcore.Device) {
	t.Helper()
	c, stack, _ := newTestControllerAuto(t, 4, 1, []uint8{slot})
	bus := usbcore.NewBusManager(stack, c)
	dev, err := c.AllocateDevice(bus, 0, 0, usbcore.SpeedHigh)
	if err != nil {
		t.Fatalf("AllocateDevice: %v", err)
	}
	return c, stack, dev
}

func TestSubmitControlTransferCompletes(t *testing.T) {
	c, stack, dev := newAutoCompleteDevice(t, 1)

	setup := &usbcore.SetupPacket{RequestType: 0x80, Request: 6, Length: 8}
	buf := make([]byte, 8)

	var gotStatus pkg.TransferStatus
	done := make(chan struct{})
	tr := usbcore.NewTransfer(stack, dev.ControlPipe(), setup, buf, func(t *usbcore.Transfer) {
		_, gotStatus = t.Result()
		close(done)
	})

	if err := c.SubmitTransfer(tr); err != nil {
		t.Fatalf("SubmitTransfer: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for control transfer callback")
	}
	if gotStatus != pkg.TransferStatusSuccess {
		t.Fatalf("status = %v, want success", gotStatus)
	}
}

func TestSubmitBulkTransferCompletes(t *testing.T) {
	c, stack, dev := newAutoCompleteDevice(t, 1)
	pipe := dev.CreatePipe(0x81, usbcore.DirectionIn, usbcore.TransferTypeBulk, 512, 0)

	buf := make([]byte, 512*3)
	var gotStatus pkg.TransferStatus
	done := make(chan struct{})
	tr := usbcore.NewTransfer(stack, pipe, nil, buf, func(t *usbcore.Transfer) {
		_, gotStatus = t.Result()
		close(done)
	})

	if err := c.SubmitTransfer(tr); err != nil {
		t.Fatalf("SubmitTransfer: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bulk transfer callback")
	}
	if gotStatus != pkg.TransferStatusSuccess {
		t.Fatalf("status = %v, want success", gotStatus)
	}
}

func TestSubmitInterruptTransferConfiguresEndpointOnce(t *testing.T) {
	c, stack, dev := newAutoCompleteDevice(t, 1)
	pipe := dev.CreatePipe(0x82, usbcore.DirectionIn, usbcore.TransferTypeInterrupt, 8, 4)

	tr1 := usbcore.NewTransfer(stack, pipe, nil, make([]byte, 8), nil)
	if err := c.SubmitTransfer(tr1); err != nil {
		t.Fatalf("SubmitTransfer #1: %v", err)
	}
	ps1 := pipeCookie(pipe)
	if ps1 == nil {
		t.Fatal("pipe not configured after first submit")
	}

	time.Sleep(20 * time.Millisecond) // let the auto-completer drain tr1 first

	tr2 := usbcore.NewTransfer(stack, pipe, nil, make([]byte, 8), nil)
	if err := c.SubmitTransfer(tr2); err != nil {
		t.Fatalf("SubmitTransfer #2: %v", err)
	}
	if ps2 := pipeCookie(pipe); ps2 != ps1 {
		t.Fatal("second submit reconfigured the endpoint instead of reusing it")
	}
}

func TestSubmitIsochronousSchedulesASAP(t *testing.T) {
	c, stack, dev := newAutoCompleteDevice(t, 1)
	pipe := dev.CreatePipe(0x83, usbcore.DirectionIn, usbcore.TransferTypeIsochronous, 188, 1)

	packets := make([]usbcore.IsoPacketDescriptor, 4)
	for i := range packets {
		packets[i].Length = 188
	}
	buf := make([]byte, 188*len(packets))

	var gotStatus pkg.TransferStatus
	done := make(chan struct{})
	tr := usbcore.NewIsochronousTransfer(stack, pipe, buf, packets, func(t *usbcore.Transfer) {
		_, gotStatus = t.Result()
		close(done)
	})

	if err := c.SubmitTransfer(tr); err != nil {
		t.Fatalf("SubmitTransfer: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for isochronous transfer callback")
	}
	if gotStatus != pkg.TransferStatusSuccess {
		t.Fatalf("status = %v, want success", gotStatus)
	}
	for i, p := range packets {
		if p.ActualLength != 188 {
			t.Fatalf("packet[%d].ActualLength = %d, want 188", i, p.ActualLength)
		}
	}
}

func TestSubmitControlWithoutSetupFails(t *testing.T) {
	c, stack, dev := newAutoCompleteDevice(t, 1)

	tr := usbcore.NewTransfer(stack, dev.ControlPipe(), nil, nil, nil)
	if err := c.SubmitTransfer(tr); err == nil {
		t.Fatal("expected error submitting a control transfer with no Setup")
	} else if err != pkg.ErrInvalidRequest {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}
