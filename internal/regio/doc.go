// Package regio provides the register-space abstraction southbound of the
// EHCI and xHCI engines.
//
// A real host adapter maps a PCI BAR (capability + operational + runtime +
// doorbell windows) into process memory and reads/writes it directly; this
// package expresses that boundary as the [Space] interface so engine code
// never assumes a particular mapping mechanism. [NewSim] provides a
// deterministic, purely in-memory implementation used throughout the test
// suite; a production build would supply a /dev/mem or VFIO-backed
// implementation behind the same interface without touching engine code.
package regio
