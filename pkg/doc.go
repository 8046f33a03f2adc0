// Package pkg provides shared utilities for the usbhcd host-controller core.
//
// This package contains common functionality used across the bus manager,
// the EHCI and xHCI transfer engines, and the physical memory allocator,
// including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for USB protocol errors
//   - Component identifiers for log filtering
//
// The package is designed to have zero external dependencies, relying
// only on the Go standard library.
//
// # Logging
//
// The logging subsystem wraps [log/slog] with USB-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentDevice, "device configured", "config", 1)
//
// # Errors
//
// Common USB errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // Handle endpoint stall
//	}
package pkg
