package usbcore

import "testing"

func TestInterfaceEndpointMembership(t *testing.T) {
	s := newTestStack(t)
	bm := NewBusManager(s, &fakeHCD{name: "fake", ports: 1})
	dev := NewDevice(s, bm, 1, SpeedHigh, 64, 0, 0)
	iface := NewInterface(s, dev, 0, 0, 0x08, 0x06, 0x50) // mass storage, SCSI, bulk-only

	in := dev.CreatePipe(0x81, DirectionIn, TransferTypeBulk, 512, 0)
	out := dev.CreatePipe(0x02, DirectionOut, TransferTypeBulk, 512, 0)
	iface.AddEndpoint(in)
	iface.AddEndpoint(out)

	if got := iface.Endpoints(); len(got) != 2 {
		t.Fatalf("Endpoints() len = %d, want 2", len(got))
	}
	if iface.Class() != 0x08 || iface.SubClass() != 0x06 || iface.Protocol() != 0x50 {
		t.Errorf("class/subclass/protocol = %d/%d/%d, want 8/6/0x50", iface.Class(), iface.SubClass(), iface.Protocol())
	}
}
