package pma

import (
	"sync"

	"github.com/ardnew/usbhcd/pkg"
)

// Allocator is a buddy allocator over a contiguous, simulated DMA region.
// The zero value is not usable; construct with [New].
type Allocator struct {
	mu   sync.Mutex
	cond *sync.Cond

	logicalBase  []byte
	physicalBase uintptr

	arrayCount int
	blockSize  []int // size of a block in array[i], ascending
	arrayLen   []int // slot count of array[i]
	array      [][]byte
	offset     []int // rotating allocation cursor per array

	managedMemory int
	waiters       int
}

// New builds an allocator covering minCountPerBlock blocks of the largest
// size in [minSize, maxSize], laddering down to minSize. minSize and
// maxSize must be powers of two; physicalBase is the bus address
// corresponding to the start of the region (0 is fine for a simulated or
// identity-mapped region).
func New(minSize, maxSize, minCountPerBlock int, physicalBase uintptr) (*Allocator, error) {
	if minSize <= 0 || maxSize < minSize || minCountPerBlock <= 0 {
		return nil, pkg.ErrInvalidParameter
	}

	a := &Allocator{physicalBase: physicalBase}
	a.cond = sync.NewCond(&a.mu)

	arrayCount := 1
	biggestSize := minSize
	for biggestSize < maxSize {
		arrayCount++
		biggestSize *= 2
	}

	a.arrayCount = arrayCount
	a.blockSize = make([]int, arrayCount)
	a.arrayLen = make([]int, arrayCount)
	a.array = make([][]byte, arrayCount)
	a.offset = make([]int, arrayCount)

	arraySlots := biggestSize / minSize
	for i := 0; i < arrayCount; i++ {
		a.arrayLen[i] = arraySlots * minCountPerBlock
		a.blockSize[i] = biggestSize / arraySlots
		a.array[i] = make([]byte, a.arrayLen[i])
		a.offset[i] = a.arrayLen[i] - 1
		arraySlots /= 2
	}

	a.managedMemory = a.blockSize[0] * a.arrayLen[0]
	a.logicalBase = make([]byte, a.managedMemory)

	pkg.LogDebug(pkg.ComponentPMA, "allocator initialized",
		"minSize", minSize, "maxSize", maxSize, "minCountPerBlock", minCountPerBlock,
		"managedMemory", a.managedMemory, "arrays", arrayCount)

	return a, nil
}

// ManagedMemory returns the total number of bytes the allocator manages.
func (a *Allocator) ManagedMemory() int { return a.managedMemory }

// MinBlockSize returns the smallest allocatable block size.
func (a *Allocator) MinBlockSize() int { return a.blockSize[0] }

// MaxBlockSize returns the largest allocatable block size.
func (a *Allocator) MaxBlockSize() int { return a.blockSize[a.arrayCount-1] }

func (a *Allocator) arrayForSize(size int) (int, bool) {
	for i := 0; i < a.arrayCount; i++ {
		if a.blockSize[i] >= size {
			return i, true
		}
	}
	return 0, false
}

// Allocate reserves size bytes, blocking until space is available. It
// returns a [Buffer] whose Logical slice aliases the allocator's region and
// whose Physical address satisfies
// Physical - physicalBase == &Logical[0] - &logicalBase[0].
func (a *Allocator) Allocate(size int) (Buffer, error) {
	if size == 0 || size > a.MaxBlockSize() {
		return Buffer{}, pkg.ErrInvalidParameter
	}

	arrayToUse, ok := a.arrayForSize(size)
	if !ok {
		return Buffer{}, pkg.ErrInvalidParameter
	}
	arrayLength := a.arrayLen[arrayToUse]

	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		target := a.array[arrayToUse]
		start := a.offset[arrayToUse] % arrayLength

		for step := 1; step <= arrayLength; step++ {
			i := (start + step) % arrayLength
			if target[i] != 0 {
				continue
			}

			a.offset[arrayToUse] = i

			// Fill upwards (finer sub-slots) to mark the block allocated.
			fillSize := 1
			idx := i
			for j := arrayToUse; j >= 0; j-- {
				for k := 0; k < fillSize && idx+k < len(a.array[j]); k++ {
					a.array[j][idx+k] = 1
				}
				fillSize <<= 1
				idx <<= 1
			}

			// Fill downwards (coarser covering blocks).
			idx = i >> 1
			for j := arrayToUse + 1; j < a.arrayCount; j++ {
				a.array[j][idx]++
				if a.array[j][idx] > 1 {
					break
				}
				idx >>= 1
			}

			offset := a.blockSize[arrayToUse] * i
			buf := Buffer{
				Logical:  a.logicalBase[offset : offset+size : offset+a.blockSize[arrayToUse]],
				Physical: a.physicalBase + uintptr(offset),
				Size:     size,
				alloc:    a,
			}
			return buf, nil
		}

		// No free slot at this size; block until a deallocation wakes us.
		a.waiters++
		pkg.LogDebug(pkg.ComponentPMA, "blocking for memory", "size", size)
		a.cond.Wait()
		a.waiters--
	}
}

// Deallocate releases the block at physical address phys, sized size. It is
// idiomatic to call this via [Buffer.Free] instead.
func (a *Allocator) Deallocate(size int, phys uintptr) error {
	if size == 0 || size > a.MaxBlockSize() {
		return pkg.ErrInvalidParameter
	}

	arrayToUse, ok := a.arrayForSize(size)
	if !ok {
		return pkg.ErrInvalidParameter
	}

	if phys < a.physicalBase {
		return pkg.ErrInvalidParameter
	}
	offset := int(phys - a.physicalBase)
	index := offset / a.blockSize[arrayToUse]
	if index >= a.arrayLen[arrayToUse] {
		return pkg.ErrInvalidParameter
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.array[arrayToUse][index] == 0 {
		return pkg.ErrInvalidParameter
	}

	// Clear upwards (finer sub-slots).
	fillSize := 1
	idx := index
	for i := arrayToUse; i >= 0; i-- {
		for k := 0; k < fillSize && idx+k < len(a.array[i]); k++ {
			a.array[i][idx+k] = 0
		}
		fillSize <<= 1
		idx <<= 1
	}

	// Clear downwards (coarser covering blocks).
	idx = index >> 1
	for i := arrayToUse + 1; i < a.arrayCount; i++ {
		a.array[i][idx]--
		if a.array[i][idx] > 0 {
			break
		}
		idx >>= 1
	}

	if a.waiters > 0 {
		a.cond.Broadcast()
	}

	return nil
}
