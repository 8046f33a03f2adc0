package usbcore

import "testing"

func TestBusManagerAllocateReleaseAddress(t *testing.T) {
	s := newTestStack(t)
	bm := NewBusManager(s, &fakeHCD{name: "fake", ports: 1})

	a1 := bm.AllocateAddress()
	a2 := bm.AllocateAddress()
	if a1 == 0 || a2 == 0 || a1 == a2 {
		t.Fatalf("AllocateAddress returned %d, %d, want distinct nonzero", a1, a2)
	}

	bm.ReleaseAddress(a1)
	a3 := bm.AllocateAddress()
	if a3 != a1 {
		t.Errorf("AllocateAddress after release = %d, want reused %d", a3, a1)
	}
}

func TestBusManagerAllocateAddressExhausted(t *testing.T) {
	s := newTestStack(t)
	bm := NewBusManager(s, &fakeHCD{name: "fake", ports: 1})

	for i := 0; i < MaxDeviceAddress; i++ {
		if bm.AllocateAddress() == 0 {
			t.Fatalf("AllocateAddress returned 0 before exhausting %d addresses", MaxDeviceAddress)
		}
	}
	if got := bm.AllocateAddress(); got != 0 {
		t.Errorf("AllocateAddress after exhaustion = %d, want 0", got)
	}
}

func TestBusManagerAddRemoveDevice(t *testing.T) {
	s := newTestStack(t)
	bm := NewBusManager(s, &fakeHCD{name: "fake", ports: 1})
	dev := NewDevice(s, bm, 5, SpeedFull, 8, 0, 0)

	bm.AddDevice(dev)
	if got := bm.Device(5); got != dev {
		t.Fatalf("Device(5) = %v, want %v", got, dev)
	}
	if len(bm.Devices()) != 1 {
		t.Fatalf("Devices() len = %d, want 1", len(bm.Devices()))
	}

	bm.RemoveDevice(5)
	if got := bm.Device(5); got != nil {
		t.Errorf("Device(5) after removal = %v, want nil", got)
	}
}

func TestBusManagerDefaultControlPipeCachedPerSpeed(t *testing.T) {
	s := newTestStack(t)
	bm := NewBusManager(s, &fakeHCD{name: "fake", ports: 1})

	p1 := bm.DefaultControlPipe(SpeedHigh, 64)
	p2 := bm.DefaultControlPipe(SpeedHigh, 64)
	if p1 != p2 {
		t.Errorf("DefaultControlPipe(high) returned different pipes on repeat calls")
	}

	p3 := bm.DefaultControlPipe(SpeedLow, 8)
	if p3 == p1 {
		t.Errorf("DefaultControlPipe(low) returned the same pipe as high speed")
	}
	if p3.MaxPacketSize() != 8 {
		t.Errorf("DefaultControlPipe(low).MaxPacketSize() = %d, want 8", p3.MaxPacketSize())
	}
}
