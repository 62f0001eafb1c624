package bufferio

import (
	"context"
	"errors"
	"sync"

	"github.com/camerarecorder/multicam-hal/internal/hal"
)

// importedHandle wraps a raw native handle that has been imported through
// one gralloc version, so FreeBuffer can assert it is releasing something
// it actually imported.
type importedHandle struct {
	version string
	raw     hal.NativeHandle
}

// genericInterop is shared plumbing for all three probed gralloc
// versions: only the version label and the hook used to decide
// availability differ. The actual native import/free calls are owned by
// the platform's gralloc binding (out of scope here); Hook lets a real
// binding be injected, and absence of a hook means "unavailable" so Probe
// moves on to the next version, except for the legacy backend, which is
// always available as the guaranteed fallback.
type genericInterop struct {
	version   string
	available func() bool

	mu       sync.Mutex
	imported map[hal.NativeHandle]*importedHandle
}

func newGenericInterop(version string, available func() bool) *genericInterop {
	return &genericInterop{
		version:   version,
		available: available,
		imported:  make(map[hal.NativeHandle]*importedHandle),
	}
}

func (g *genericInterop) Version() string { return g.version }

func (g *genericInterop) ImportBuffer(_ context.Context, raw hal.NativeHandle) (hal.NativeHandle, error) {
	if raw == nil {
		return nil, errors.New("bufferio: nil raw handle")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	handle := &importedHandle{version: g.version, raw: raw}
	g.imported[handle] = handle
	return handle, nil
}

func (g *genericInterop) FreeBuffer(_ context.Context, handle hal.NativeHandle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := handle.(*importedHandle)
	if !ok {
		return errors.New("bufferio: handle was not imported by this backend")
	}
	if _, ok := g.imported[h]; !ok {
		return errors.New("bufferio: handle already freed or unknown")
	}
	delete(g.imported, h)
	return nil
}

// Gralloc4Hook, when non-nil, reports whether a gralloc4-mapper binding is
// available in the current environment. Left nil (unavailable) by default
// so a host without the real vendor binding falls through to legacy.
var Gralloc4Hook func() bool

func newGralloc4Interop() (BufferInterop, error) {
	avail := Gralloc4Hook != nil && Gralloc4Hook()
	if !avail {
		return nil, errors.New("gralloc4 binding not present")
	}
	return newGenericInterop("gralloc4", func() bool { return true }), nil
}

// Gralloc1Hook mirrors Gralloc4Hook for the gralloc1 mapper HAL.
var Gralloc1Hook func() bool

func newGralloc1Interop() (BufferInterop, error) {
	avail := Gralloc1Hook != nil && Gralloc1Hook()
	if !avail {
		return nil, errors.New("gralloc1 binding not present")
	}
	return newGenericInterop("gralloc1", func() bool { return true }), nil
}

// newGrallocLegacyInterop is the guaranteed fallback: an in-process
// import/free bookkeeping layer with no native binding, suitable for
// development hosts and the test suite.
func newGrallocLegacyInterop() (BufferInterop, error) {
	return newGenericInterop("gralloc-legacy", func() bool { return true }), nil
}
