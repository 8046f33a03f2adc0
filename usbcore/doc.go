// Package usbcore implements the USB object model shared by the EHCI and
// xHCI transfer engines: [Stack], [BusManager], [Device], [Pipe], and
// [Transfer] (spec.md §3-4.2).
//
// Every entity embeds [Object], which carries the stable 32-bit USB ID
// issued by its [Stack] and a busy counter that external lookups must
// hold while dispatching through an ID (spec.md §4.2). A [Stack] is
// constructed explicitly (see [New]) and shared by the bus managers
// registered with it, rather than kept as a package singleton (design note "Global state"), so controllers under test run in
// isolation.
//
// The EHCI and xHCI engines (packages ehci and xhci) implement the [HCD]
// interface and are plugged into a [BusManager]; this package never reaches
// into controller-specific ring/queue state, matching spec.md §1's scope
// boundary between the shared object model and the two concrete engines.
package usbcore
