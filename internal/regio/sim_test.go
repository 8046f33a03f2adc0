package regio

import "testing"

func TestSimReadWrite32(t *testing.T) {
	s := NewSim(64)
	s.Write32(0x10, 0xdeadbeef)
	if got := s.Read32(0x10); got != 0xdeadbeef {
		t.Fatalf("Read32 = %#x, want %#x", got, 0xdeadbeef)
	}
}

func TestSimSetClearBits(t *testing.T) {
	s := NewSim(16)
	s.Write32(0, 0x1)
	if got := s.SetBits32(0, 0x10); got != 0x11 {
		t.Fatalf("SetBits32 = %#x, want %#x", got, 0x11)
	}
	if got := s.ClearBits32(0, 0x1); got != 0x10 {
		t.Fatalf("ClearBits32 = %#x, want %#x", got, 0x10)
	}
}

func TestSimAccessHook(t *testing.T) {
	s := NewSim(16)
	var writes int
	s.OnAccess(func(offset uint32, write bool, size int) {
		if write {
			writes++
		}
	})
	s.Write32(0, 1)
	s.Read32(0)
	if writes != 1 {
		t.Fatalf("writes = %d, want 1", writes)
	}
}

func TestPollRegister32(t *testing.T) {
	s := NewSim(16)
	s.Write32(0, 1)
	tries := 0
	go func() {}()
	ok := PollRegister32(s, 0, func(v uint32) bool { return v == 0 }, 3, func() {
		tries++
		if tries == 2 {
			s.Write32(0, 0)
		}
	})
	if !ok {
		t.Fatalf("PollRegister32 did not observe cleared bit")
	}
}

func TestSimOutOfRange(t *testing.T) {
	s := NewSim(4)
	s.Write32(100, 1) // dropped, must not panic
	if got := s.Read32(100); got != 0 {
		t.Fatalf("Read32 out of range = %#x, want 0", got)
	}
}
