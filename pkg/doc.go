// Package pkg provides shared utilities for the usbcore host stack.
//
// This package contains common functionality used by the buffer pool, the
// pipe layer, controllers and class drivers:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for USB transport and protocol errors
//   - Retry classification of errors
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component attribute:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentMSC, "storage attached", "blocks", 2048)
//
// # Errors
//
// Controllers report transport failures as sentinel values:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // Clear the halt and reset the data toggle
//	}
//
// [IsRetryable] tells a class driver whether an attempt may be repeated.
package pkg
