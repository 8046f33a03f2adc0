package usbcore

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/usbhcd/internal/pma"
	"github.com/ardnew/usbhcd/pkg"
)

// Stack is the process-wide (but explicitly constructed — design note
// "Global state") registry mapping usb_id to [Object], owning the shared
// physical memory allocator and the list of attached bus managers.
type Stack struct {
	mu      sync.Mutex
	table   []*Object // index 0 unused so usb_id 0 can mean "invalid"
	free    []uint32
	pma     *pma.Allocator
	buses   []*BusManager
	rootObj Object
}

// New constructs a Stack backed by a PMA allocator of the given ladder
// (minSize, maxSize, minCountPerBlock — see pma.New), with physicalBase as
// the bus address of the start of the managed region.
func New(minSize, maxSize, minCountPerBlock int, physicalBase uintptr) (*Stack, error) {
	alloc, err := pma.New(minSize, maxSize, minCountPerBlock, physicalBase)
	if err != nil {
		return nil, err
	}

	s := &Stack{
		table: make([]*Object, 1, 64),
		pma:   alloc,
	}
	s.rootObj.id = 0
	s.rootObj.kind = KindStack
	s.rootObj.stack = s
	return s, nil
}

// PMA returns the shared physical memory allocator.
func (s *Stack) PMA() *pma.Allocator { return s.pma }

// newID allocates the next free usb_id for obj and registers it in the
// table (spec.md §4.2 GetUSBID).
func (s *Stack) newID(obj *Object) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.free); n > 0 {
		id := s.free[n-1]
		s.free = s.free[:n-1]
		s.table[id] = obj
		return id
	}

	id := uint32(len(s.table))
	s.table = append(s.table, obj)
	return id
}

// putID releases id back to the free list (spec.md §4.2 PutUSBID). The
// slot is marked invalid immediately; the id goes on the free list only
// once the object's busy references have drained (same 100µs x 20 wait as
// [Object.release]), so it is not reissued while one is still held. An id
// whose references never drain is not put back on the free list.
func (s *Stack) putID(id uint32) {
	s.mu.Lock()
	if id == 0 || int(id) >= len(s.table) || s.table[id] == nil {
		s.mu.Unlock()
		return
	}
	obj := s.table[id]
	s.table[id] = nil
	s.mu.Unlock()

	for i := 0; i < busyDrainAttempts && atomic.LoadInt32(&obj.busy) != 0; i++ {
		time.Sleep(busyDrainInterval)
	}
	if atomic.LoadInt32(&obj.busy) != 0 {
		return
	}
	s.mu.Lock()
	s.free = append(s.free, id)
	s.mu.Unlock()
}

// GetObject resolves id to its live Object, or nil if the id is unknown or
// has been released. Callers that will dispatch through the returned
// pointer must call Acquire immediately and Release when finished (spec.md
// §4.2, and testable property 4).
func (s *Stack) GetObject(id uint32) *Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == 0 || int(id) >= len(s.table) {
		return nil
	}
	return s.table[id]
}

// registerBusManager is called by NewBusManager to add itself to the
// stack's bus list.
func (s *Stack) registerBusManager(bm *BusManager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buses = append(s.buses, bm)
	pkg.LogInfo(pkg.ComponentStack, "bus manager registered", "usb_id", bm.ID())
}

// BusManagers returns the currently registered bus managers.
func (s *Stack) BusManagers() []*BusManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*BusManager, len(s.buses))
	copy(out, s.buses)
	return out
}
