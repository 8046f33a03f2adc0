// Package xhci implements a hardware-independent xHCI (USB 3.x) host
// controller engine: capability/operational/runtime/doorbell register
// discovery, command and event rings, per-endpoint transfer rings, device
// slot allocation, and transfer completion delivery (spec.md §4.4 "xHCI
// Transfer Engine", §4.5 "Transfer Finisher (xHCI)").
//
// A [Controller] drives one xHCI instance over a [regio.Space] the caller
// has already mapped (PCI BAR discovery and interrupt wiring are out of
// scope, matching [ehci.Controller]'s boundary). Callers bring the
// controller up with New, Init, and Start, then interact with it only
// through the [usbcore.HCD] interface; device enumeration additionally
// goes through AllocateDevice, which xHCI requires and EHCI does not
// (address assignment on EHCI flows through ordinary control transfers on
// the USB core's default pipe).
package xhci
