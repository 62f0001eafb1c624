package devicesession_test

import (
	"context"
	"testing"

	"github.com/camerarecorder/multicam-hal/internal/devicesession"
	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/stretchr/testify/require"
)

func TestStreamBufferCacheManager_FetchesSynchronouslyWhenCacheEmpty(t *testing.T) {
	calls := 0
	request := func(ctx context.Context, streamID hal.StreamID, n int) ([]hal.StreamBuffer, error) {
		calls++
		out := make([]hal.StreamBuffer, n)
		for i := range out {
			out[i] = hal.StreamBuffer{StreamID: streamID, BufferID: hal.BufferID(100 + i)}
		}
		return out, nil
	}
	mgr := devicesession.NewStreamBufferCacheManager(request, nil)

	bufs := mgr.RequestStreamBuffers(context.Background(), 1, 5, 1)
	require.Len(t, bufs, 1)
	require.False(t, devicesession.IsDummy(bufs[0]))
	require.GreaterOrEqual(t, calls, 1)
}

func TestStreamBufferCacheManager_FallsBackToDummyOnFailure(t *testing.T) {
	request := func(ctx context.Context, streamID hal.StreamID, n int) ([]hal.StreamBuffer, error) {
		return nil, context.DeadlineExceeded
	}
	mgr := devicesession.NewStreamBufferCacheManager(request, nil)

	bufs := mgr.RequestStreamBuffers(context.Background(), 7, 5, 1)
	require.Len(t, bufs, 1)
	require.True(t, devicesession.IsDummy(bufs[0]))
	require.True(t, mgr.WasErrored(7), "a dummy substitution must flag the frame for an ERROR_REQUEST report")
	require.False(t, mgr.WasErrored(7), "WasErrored consumes the flag")
}

func TestStreamBufferCacheManager_ReturnedBuffersAreReusable(t *testing.T) {
	// No request function at all: the only way RequestStreamBuffers can
	// serve anything is from a buffer previously handed back via
	// ReturnStreamBuffers, proving the ahead-cache (not a fresh fetch) is
	// what satisfied the request.
	mgr := devicesession.NewStreamBufferCacheManager(nil, nil)

	returned := hal.StreamBuffer{StreamID: 5, BufferID: 42}
	mgr.ReturnStreamBuffers([]hal.StreamBuffer{returned})

	bufs := mgr.RequestStreamBuffers(context.Background(), 1, 5, 1)
	require.Len(t, bufs, 1)
	require.Equal(t, returned.BufferID, bufs[0].BufferID)
}
