package streammgr_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/streammgr"
)

func registerAndAllocate(t *testing.T, m *streammgr.Manager, id hal.StreamID, maxBuffers uint32) hal.StreamID {
	t.Helper()
	assigned, err := m.RegisterNewInternalStream(hal.Stream{ID: id, Width: 640, Height: 480})
	require.NoError(t, err)
	require.NoError(t, m.AllocateBuffers(context.Background(), hal.HalStream{ID: assigned, MaxBuffers: maxBuffers}, 0, false))
	return assigned
}

func TestManager_GetAndReturnStreamBufferRoundTrips(t *testing.T) {
	m := streammgr.New(nil, nil)
	id := registerAndAllocate(t, m, 1, 2)

	buf, err := m.GetStreamBuffer(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, buf.StreamID)

	m.ReturnStreamBuffer(buf)

	// The pool is bounded at maxBuffers=2: one more pull succeeds from the
	// newly-returned empty buffer, proving the return actually recycled it
	// rather than the pool silently growing past capacity.
	buf2, err := m.GetStreamBuffer(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, buf.BufferID, buf2.BufferID)
}

func TestManager_GetMostRecentStreamBuffer_RequiresMinimumFilled(t *testing.T) {
	m := streammgr.New(nil, nil)
	id := registerAndAllocate(t, m, 2, 8)

	for frame := hal.FrameNumber(1); frame <= 2; frame++ {
		m.ReturnFilledBuffer(id, frame, hal.StreamBuffer{StreamID: id, BufferID: hal.BufferID(frame)})
		m.ReturnMetadata(id, frame, hal.Metadata{"frame": frame})
	}

	_, _, err := m.GetMostRecentStreamBuffer(id, 2)
	require.Error(t, err, "fewer than kMinFilledBuffers (3) entries must be rejected even if payloadFrames is satisfied")

	m.ReturnFilledBuffer(id, 3, hal.StreamBuffer{StreamID: id, BufferID: 3})
	m.ReturnMetadata(id, 3, hal.Metadata{"frame": 3})

	buffers, metadatas, err := m.GetMostRecentStreamBuffer(id, 2)
	require.NoError(t, err)
	require.Len(t, buffers, 3, "below kMinFilledBuffers, the call is bumped up to 3 even though payloadFrames asked for 2")
	require.Len(t, metadatas, 3)
}

func TestManager_GetMostRecentStreamBuffer_PinsAndExcludesFromNextCall(t *testing.T) {
	m := streammgr.New(nil, nil)
	id := registerAndAllocate(t, m, 2, 8)

	for frame := hal.FrameNumber(1); frame <= 4; frame++ {
		m.ReturnFilledBuffer(id, frame, hal.StreamBuffer{StreamID: id, BufferID: hal.BufferID(frame)})
		m.ReturnMetadata(id, frame, hal.Metadata{"frame": frame})
	}

	first, _, err := m.GetMostRecentStreamBuffer(id, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)

	// Pinning the three newest entries (4, 3, 2) leaves only frame 1's
	// entry unpinned; that alone can't satisfy kMinFilledBuffers, proving
	// pinned entries are excluded as candidates.
	_, _, err = m.GetMostRecentStreamBuffer(id, 1)
	require.Error(t, err)

	pinnedFrames := make([]hal.FrameNumber, 0, 3)
	for _, b := range first {
		pinnedFrames = append(pinnedFrames, hal.FrameNumber(b.BufferID))
	}
	require.NoError(t, m.ReturnZslStreamBuffers(id, pinnedFrames))

	second, _, err := m.GetMostRecentStreamBuffer(id, 3)
	require.NoError(t, err, "unpinning must make the entries eligible again")
	require.Len(t, second, 3)
}

func TestManager_IsPendingBufferEmptyReflectsPinning(t *testing.T) {
	m := streammgr.New(nil, nil)
	id := registerAndAllocate(t, m, 2, 8)

	require.True(t, m.IsPendingBufferEmpty(id))

	for frame := hal.FrameNumber(1); frame <= 3; frame++ {
		m.ReturnFilledBuffer(id, frame, hal.StreamBuffer{StreamID: id, BufferID: hal.BufferID(frame)})
		m.ReturnMetadata(id, frame, hal.Metadata{"frame": frame})
	}

	frames, _, err := m.GetMostRecentStreamBuffer(id, 3)
	require.NoError(t, err)
	require.False(t, m.IsPendingBufferEmpty(id))

	pinnedFrames := make([]hal.FrameNumber, 0, 3)
	for _, b := range frames {
		pinnedFrames = append(pinnedFrames, hal.FrameNumber(b.BufferID))
	}
	require.NoError(t, m.ReturnZslStreamBuffers(id, pinnedFrames))
	require.True(t, m.IsPendingBufferEmpty(id))
}

func TestManager_AllocateSharedBuffersRequiresCompatibleStreams(t *testing.T) {
	m := streammgr.New(nil, nil)

	s0 := hal.Stream{Width: 640, Height: 480}
	s1 := hal.Stream{Width: 1280, Height: 720}
	id0, err := m.RegisterNewInternalStream(s0)
	require.NoError(t, err)
	id1, err := m.RegisterNewInternalStream(s1)
	require.NoError(t, err)
	s0.ID, s1.ID = id0, id1

	h0 := hal.HalStream{ID: id0, MaxBuffers: 2}
	h1 := hal.HalStream{ID: id1, MaxBuffers: 2}

	err = m.AllocateSharedBuffers(context.Background(), []hal.Stream{s0, s1}, []hal.HalStream{h0, h1}, 0, false)
	require.Error(t, err, "mismatched resolutions must be rejected as incompatible for a shared pool")
}

func TestManager_AllocateSharedBuffersPoolsCompatibleStreamsTogether(t *testing.T) {
	m := streammgr.New(nil, nil)

	mkStream := func() hal.Stream { return hal.Stream{Width: 640, Height: 480} }
	s0, s1 := mkStream(), mkStream()
	id0, err := m.RegisterNewInternalStream(s0)
	require.NoError(t, err)
	id1, err := m.RegisterNewInternalStream(s1)
	require.NoError(t, err)
	s0.ID, s1.ID = id0, id1

	h0 := hal.HalStream{ID: id0, MaxBuffers: 2}
	h1 := hal.HalStream{ID: id1, MaxBuffers: 3}

	require.NoError(t, m.AllocateSharedBuffers(context.Background(), []hal.Stream{s0, s1}, []hal.HalStream{h0, h1}, 0, false))

	buf0, err := m.GetStreamBuffer(context.Background(), id0)
	require.NoError(t, err)
	require.Equal(t, id0, buf0.StreamID, "a buffer drawn via the owning stream id reports that id back to the caller")

	buf1, err := m.GetStreamBuffer(context.Background(), id1)
	require.NoError(t, err)
	require.Equal(t, id1, buf1.StreamID, "a buffer drawn via the secondary stream id still reports that id back to the caller")
}
