package usbcore

import "testing"

// fakeHCD is a minimal HCD used by usbcore tests; it records submitted
// and cancelled transfers but does no real scheduling.
type fakeHCD struct {
	name      string
	ports     int
	submitted []*Transfer
	cancelled []*Pipe
}

func (f *fakeHCD) TypeName() string { return f.name }
func (f *fakeHCD) NumPorts() int    { return f.ports }
func (f *fakeHCD) PortStatus(index int) (PortStatus, error) {
	return PortStatus{}, nil
}
func (f *fakeHCD) SubmitTransfer(t *Transfer) error {
	f.submitted = append(f.submitted, t)
	return nil
}
func (f *fakeHCD) CancelQueuedTransfers(p *Pipe, force bool) error {
	f.cancelled = append(f.cancelled, p)
	return nil
}
func (f *fakeHCD) NotifyPipeChange(p *Pipe) {}

func newTestStack(t *testing.T) *Stack {
	t.Helper()
	s, err := New(64, 4096, 16, 0x1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStackNewIDReusesFreedIDs(t *testing.T) {
	s := newTestStack(t)
	hcd := &fakeHCD{name: "fake", ports: 2}
	bm := NewBusManager(s, hcd)

	first := bm.ID()
	if first == 0 {
		t.Fatalf("bus manager got usb_id 0, want nonzero")
	}

	dev := NewDevice(s, bm, 1, SpeedHigh, 64, 0, 0)
	devID := dev.ID()

	dev.Close()

	bm2 := NewBusManager(s, hcd)
	if bm2.ID() != devID {
		t.Errorf("newID did not reuse freed slot: got %d, want %d", bm2.ID(), devID)
	}
}

func TestStackGetObjectUnknownID(t *testing.T) {
	s := newTestStack(t)
	if obj := s.GetObject(9999); obj != nil {
		t.Errorf("GetObject(9999) = %v, want nil", obj)
	}
	if obj := s.GetObject(0); obj != nil {
		t.Errorf("GetObject(0) = %v, want nil (usb_id 0 is reserved)", obj)
	}
}

func TestStackBusManagers(t *testing.T) {
	s := newTestStack(t)
	hcd1 := &fakeHCD{name: "ehci0", ports: 4}
	hcd2 := &fakeHCD{name: "xhci0", ports: 8}

	bm1 := NewBusManager(s, hcd1)
	bm2 := NewBusManager(s, hcd2)

	buses := s.BusManagers()
	if len(buses) != 2 {
		t.Fatalf("BusManagers() len = %d, want 2", len(buses))
	}
	if buses[0] != bm1 || buses[1] != bm2 {
		t.Errorf("BusManagers() order mismatch")
	}
}
