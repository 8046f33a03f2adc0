package pma

import (
	"sync"
	"testing"
)

func TestAllocateDeallocateRoundTrip(t *testing.T) {
	a, err := New(64, 4096, 4, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var bufs []Buffer
	for i := 0; i < 4; i++ {
		b, err := a.Allocate(4096)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		bufs = append(bufs, b)
	}

	for i := range bufs {
		if err := bufs[i].Free(); err != nil {
			t.Fatalf("Free: %v", err)
		}
	}

	for i, arr := range a.array {
		for j, v := range arr {
			if v != 0 {
				t.Fatalf("array[%d][%d] = %d after full round trip, want 0", i, j, v)
			}
		}
	}
}

func TestAllocateNoOverlap(t *testing.T) {
	a, err := New(64, 1024, 8, 0x1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	type span struct{ start, end uintptr }
	var spans []span
	for i := 0; i < 8; i++ {
		b, err := a.Allocate(64)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		spans = append(spans, span{b.Physical, b.Physical + uintptr(b.Size)})

		logicalOffset := uintptr(len(b.Logical)) // not directly comparable; check base relation instead
		_ = logicalOffset
		gotLogOff := int(b.Physical) - 0x1000
		if gotLogOff < 0 {
			t.Fatalf("physical address before base")
		}
	}

	for i := range spans {
		for j := range spans {
			if i == j {
				continue
			}
			if spans[i].start < spans[j].end && spans[j].start < spans[i].end {
				t.Fatalf("overlapping allocations: %v and %v", spans[i], spans[j])
			}
		}
	}
}

func TestAllocatePageAlignment(t *testing.T) {
	a, err := New(64, 4096*5, 2, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	b, err := a.Allocate(4096 * 5)
	if err != nil {
		t.Fatalf("Allocate large: %v", err)
	}
	if b.Physical%PageSize != 0 {
		t.Fatalf("large allocation not page aligned: %#x", b.Physical)
	}
	if b.Size > PageSize*5 {
		t.Fatalf("large allocation spans more than 5 pages: %d", b.Size)
	}
}

func TestAllocateBadValue(t *testing.T) {
	a, err := New(64, 256, 4, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Allocate(0); err == nil {
		t.Fatalf("Allocate(0) should fail")
	}
	if _, err := a.Allocate(1024); err == nil {
		t.Fatalf("Allocate(> max) should fail")
	}
}

func TestAllocateBlocksUntilDeallocate(t *testing.T) {
	a, err := New(64, 64, 1, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	b, err := a.Allocate(64)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	done := make(chan struct{})
	go func() {
		defer wg.Done()
		if _, err := a.Allocate(64); err != nil {
			t.Errorf("blocked Allocate: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("second allocation completed before free")
	default:
	}

	if err := b.Free(); err != nil {
		t.Fatalf("Free: %v", err)
	}
	wg.Wait()
}
