// Package ehci implements a USB 2.0 EHCI (Enhanced Host Controller
// Interface) transfer engine: async (control/bulk) queue-head
// management, periodic (interrupt) queue-head scheduling with
// split-transaction support, isochronous iTD scheduling against the
// frame index, and the interrupt-on-async-advance doorbell (IAAD)
// retirement protocol that makes queue-head reuse safe while the
// controller may still be prefetching through it.
//
// Register access is abstracted behind [regio.Space] so the engine can
// run against real memory-mapped I/O or, in tests, against
// [regio.Sim]. Controller-visible descriptors (queue heads, qTDs, iTDs)
// are carved out of a [pma.Allocator] and encoded to their wire
// layout exactly as EHCI 2.2/3 specifies, since the controller reads
// them directly.
package ehci
