package devicesession

import (
	"context"
	"fmt"
	"sync"

	"github.com/camerarecorder/multicam-hal/internal/bufferio"
	"github.com/camerarecorder/multicam-hal/internal/hal"
)

type bufferKey struct {
	streamID hal.StreamID
	bufferID hal.BufferID
}

type bufferCacheEntry struct {
	raw      hal.NativeHandle
	imported hal.NativeHandle
}

// BufferCache maps (stream_id, buffer_id) to an imported native handle,
// importing each pair at most once across a stream's lifetime: the same
// key with the same raw handle reuses one import; the same key
// with a different raw handle is a programming error on the framework
// side, surfaced as a hard error rather than silently re-imported.
type BufferCache struct {
	interop bufferio.BufferInterop

	mu      sync.Mutex
	entries map[bufferKey]bufferCacheEntry
}

// NewBufferCache constructs a cache bound to one probed allocator backend.
func NewBufferCache(interop bufferio.BufferInterop) *BufferCache {
	return &BufferCache{interop: interop, entries: make(map[bufferKey]bufferCacheEntry)}
}

// Import returns the cached handle for (streamID, bufferID), importing raw
// through the allocator on first sight. Returns an error if the pair was
// previously imported from a different raw handle.
func (c *BufferCache) Import(ctx context.Context, streamID hal.StreamID, bufferID hal.BufferID, raw hal.NativeHandle) (hal.NativeHandle, error) {
	key := bufferKey{streamID: streamID, bufferID: bufferID}

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		c.mu.Unlock()
		if entry.raw != raw {
			return nil, fmt.Errorf("devicesession: buffer cache: stream %d buffer %d re-imported with a different raw handle", streamID, bufferID)
		}
		return entry.imported, nil
	}
	c.mu.Unlock()

	imported, err := c.interop.ImportBuffer(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("devicesession: buffer cache: importing stream %d buffer %d: %w", streamID, bufferID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		if entry.raw != raw {
			return nil, fmt.Errorf("devicesession: buffer cache: stream %d buffer %d re-imported with a different raw handle", streamID, bufferID)
		}
		return entry.imported, nil
	}
	c.entries[key] = bufferCacheEntry{raw: raw, imported: imported}
	return imported, nil
}

// Remove frees and evicts a list of (stream_id, buffer_id) entries, the
// framework-driven RemoveBufferCache operation.
func (c *BufferCache) Remove(ctx context.Context, streamID hal.StreamID, bufferIDs []hal.BufferID) {
	for _, bufferID := range bufferIDs {
		c.removeOne(ctx, bufferKey{streamID: streamID, bufferID: bufferID})
	}
}

// RemoveStream frees every cached entry for streamID, called on stream
// teardown.
func (c *BufferCache) RemoveStream(ctx context.Context, streamID hal.StreamID) {
	c.mu.Lock()
	var keys []bufferKey
	for k := range c.entries {
		if k.streamID == streamID {
			keys = append(keys, k)
		}
	}
	c.mu.Unlock()
	for _, k := range keys {
		c.removeOne(ctx, k)
	}
}

func (c *BufferCache) removeOne(ctx context.Context, key bufferKey) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if ok {
		_ = c.interop.FreeBuffer(ctx, entry.imported)
	}
}
