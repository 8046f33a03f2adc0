// Package pma implements the physical memory allocator that backs every
// controller-visible structure and buffer in a single contiguous,
// 4 GiB-bounded DMA region (spec.md §4.1).
//
// It is a buddy allocator over a ladder of power-of-two block sizes,
// ported from Haiku's PhysicalMemoryAllocator
// (original_source/.../PhysicalMemoryAllocator.cpp): an array per block
// size tracks occupancy with one byte per slot (0 = free), allocation walks
// from the smallest array whose block size fits the request and marks both
// the finer sub-slots and the coarser covering blocks, deallocation is the
// mirror image. Blocked producers wait on a [sync.Cond] and are woken on
// every deallocation, matching the original's condition-variable protocol.
package pma
