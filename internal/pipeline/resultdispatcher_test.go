package pipeline_test

import (
	"sync"
	"testing"

	"github.com/camerarecorder/multicam-hal/internal/dispatcherrors"
	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	results []hal.CaptureResult
	notifies []hal.NotifyMessage
}

func (r *recorder) onResult(res hal.CaptureResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) onNotify(msg hal.NotifyMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifies = append(r.notifies, msg)
}

func (r *recorder) notifyKinds() []hal.NotifyKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []hal.NotifyKind
	for _, n := range r.notifies {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

func (r *recorder) shutterFrames() []hal.FrameNumber {
	r.mu.Lock()
	defer r.mu.Unlock()
	var frames []hal.FrameNumber
	for _, n := range r.notifies {
		if n.Kind == hal.NotifyShutter {
			frames = append(frames, n.FrameNumber)
		}
	}
	return frames
}

func newDispatcher(t *testing.T) (*pipeline.ResultDispatcher, *recorder) {
	t.Helper()
	rec := &recorder{}
	d, err := pipeline.NewResultDispatcher(1, rec.onResult, rec.onNotify, nil)
	require.NoError(t, err)
	return d, rec
}

func TestResultDispatcher_ResultWaitsBehindShutter(t *testing.T) {
	d, rec := newDispatcher(t)
	req := hal.CaptureRequest{FrameNumber: 1, OutputBuffers: []hal.StreamBuffer{{StreamID: 10}}}
	require.NoError(t, d.AddPendingRequest(req))

	require.NoError(t, d.AddResult(hal.CaptureResult{FrameNumber: 1, OutputBuffers: []hal.StreamBuffer{{StreamID: 10}}}))
	require.Empty(t, rec.results, "result must not be delivered before the shutter")

	require.NoError(t, d.AddShutter(1, hal.NotifyMessage{Kind: hal.NotifyShutter, FrameNumber: 1}))
	require.Len(t, rec.results, 1)
	require.Len(t, rec.shutterFrames(), 1)
}

func TestResultDispatcher_MonotonicShutterOrder(t *testing.T) {
	d, rec := newDispatcher(t)
	for _, f := range []hal.FrameNumber{1, 2, 3} {
		require.NoError(t, d.AddPendingRequest(hal.CaptureRequest{FrameNumber: f}))
	}

	// Shutter for frame 3 arrives first; it must not be released until 1
	// and 2 have gone out in order.
	require.NoError(t, d.AddShutter(3, hal.NotifyMessage{Kind: hal.NotifyShutter, FrameNumber: 3}))
	require.Empty(t, rec.shutterFrames())

	require.NoError(t, d.AddShutter(1, hal.NotifyMessage{Kind: hal.NotifyShutter, FrameNumber: 1}))
	require.Equal(t, []hal.FrameNumber{1}, rec.shutterFrames())

	require.NoError(t, d.AddShutter(2, hal.NotifyMessage{Kind: hal.NotifyShutter, FrameNumber: 2}))
	require.Equal(t, []hal.FrameNumber{1, 2, 3}, rec.shutterFrames())
}

func TestResultDispatcher_ExactlyOnceDeliveryPerStream(t *testing.T) {
	d, _ := newDispatcher(t)
	req := hal.CaptureRequest{FrameNumber: 1, OutputBuffers: []hal.StreamBuffer{{StreamID: 10}}}
	require.NoError(t, d.AddPendingRequest(req))
	require.NoError(t, d.AddShutter(1, hal.NotifyMessage{Kind: hal.NotifyShutter, FrameNumber: 1}))
	require.NoError(t, d.AddResult(hal.CaptureResult{FrameNumber: 1, OutputBuffers: []hal.StreamBuffer{{StreamID: 10}}}))

	err := d.AddResult(hal.CaptureResult{FrameNumber: 1, OutputBuffers: []hal.StreamBuffer{{StreamID: 10}}})
	require.Error(t, err, "a second delivery for the same stream must be rejected")
}

func TestResultDispatcher_ErrorRequestSuppressesFurtherOutput(t *testing.T) {
	d, rec := newDispatcher(t)
	// Two frames pending and no shutter recorded for either, so frame 1
	// stays queued (not yet popped from the ordering queue) when its
	// ERROR_REQUEST arrives.
	require.NoError(t, d.AddPendingRequest(hal.CaptureRequest{FrameNumber: 1, OutputBuffers: []hal.StreamBuffer{{StreamID: 10}}}))
	require.NoError(t, d.AddPendingRequest(hal.CaptureRequest{FrameNumber: 2, OutputBuffers: []hal.StreamBuffer{{StreamID: 10}}}))

	require.NoError(t, d.AddError(hal.NotifyMessage{Kind: hal.NotifyError, FrameNumber: 1, ErrorCode: dispatcherrors.ErrorRequest}))
	require.Empty(t, rec.notifyKinds(), "frame 1 is still behind the ordering queue; nothing should be delivered yet")

	// A late result for the now-errored-but-not-yet-drained frame must be
	// silently dropped, not delivered and not an error.
	require.NoError(t, d.AddResult(hal.CaptureResult{FrameNumber: 1, OutputBuffers: []hal.StreamBuffer{{StreamID: 10}}}))
	require.Empty(t, rec.results)

	require.NoError(t, d.AddShutter(1, hal.NotifyMessage{Kind: hal.NotifyShutter, FrameNumber: 1}))
	require.Len(t, rec.results, 1, "only the synthesized error-buffer result should have been delivered")
}

func TestResultDispatcher_FlushErrorsEveryPendingFrame(t *testing.T) {
	d, rec := newDispatcher(t)
	require.NoError(t, d.AddPendingRequest(hal.CaptureRequest{FrameNumber: 1, OutputBuffers: []hal.StreamBuffer{{StreamID: 10}}}))
	require.NoError(t, d.AddPendingRequest(hal.CaptureRequest{FrameNumber: 2, OutputBuffers: []hal.StreamBuffer{{StreamID: 10}}}))

	d.Flush()

	require.Len(t, rec.shutterFrames(), 2, "flush must synthesize a shutter for frames that never got one")
	require.Len(t, rec.results, 2)
	require.Equal(t, []hal.NotifyKind{hal.NotifyShutter, hal.NotifyError, hal.NotifyShutter, hal.NotifyError}, rec.notifyKinds())

	// Flush is idempotent: calling it again with nothing pending is a no-op.
	d.Flush()
	require.Len(t, rec.results, 2)
}

func TestResultDispatcher_RemovePendingRequestDropsBeforeShutter(t *testing.T) {
	d, rec := newDispatcher(t)
	require.NoError(t, d.AddPendingRequest(hal.CaptureRequest{FrameNumber: 1}))
	d.RemovePendingRequest(1)

	err := d.AddShutter(1, hal.NotifyMessage{Kind: hal.NotifyShutter, FrameNumber: 1})
	require.Error(t, err, "shutter for a removed frame must be rejected")
	require.Empty(t, rec.shutterFrames())
}
