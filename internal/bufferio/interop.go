// Package bufferio implements the graphics-allocator import/free
// capability consumed by CameraDeviceSession's buffer cache: one
// interface with three selectable backends covering the three allocator
// API generations in the field, chosen once at session init by probing
// newest-first.
package bufferio

import (
	"context"
	"fmt"

	"github.com/camerarecorder/multicam-hal/internal/hal"
)

// BufferInterop is the import/free contract this engine needs from a
// graphics buffer allocator/mapper. Out of scope: its implementation.
type BufferInterop interface {
	// Version reports which probed backend this instance binds to, purely
	// for diagnostics.
	Version() string
	ImportBuffer(ctx context.Context, raw hal.NativeHandle) (hal.NativeHandle, error)
	FreeBuffer(ctx context.Context, handle hal.NativeHandle) error
}

// Factory constructs a BufferInterop for one allocator version, returning
// an error if that version is unavailable in the current environment.
type Factory func() (BufferInterop, error)

// ProbeOrder is consulted in order by Probe; callers may override it to
// add or reorder vendor-specific allocator backends.
var ProbeOrder = []Factory{
	newGralloc4Interop,
	newGralloc1Interop,
	newGrallocLegacyInterop,
}

// Probe selects whichever allocator version is available, trying each
// factory in ProbeOrder. Returns an error only if none are available.
func Probe() (BufferInterop, error) {
	var lastErr error
	for _, f := range ProbeOrder {
		interop, err := f()
		if err == nil {
			return interop, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("bufferio: no graphics allocator backend available: %w", lastErr)
}
