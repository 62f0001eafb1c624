package resultproc_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
	"github.com/camerarecorder/multicam-hal/internal/resultproc"
)

func newDualIrProcessor(t *testing.T) (*resultproc.DualIrResultRequestProcessor, *[]hal.CaptureResult, *[]hal.NotifyMessage) {
	t.Helper()
	streamCameraIDs := map[hal.StreamID]string{10: "lead", 11: "second"}
	p := resultproc.NewDualIrResultRequestProcessor("lead", "second", streamCameraIDs, nil)

	var mu sync.Mutex
	results := make([]hal.CaptureResult, 0)
	notifies := make([]hal.NotifyMessage, 0)
	require.NoError(t, p.SetResultCallback(pipeline.ResultCallbacks{
		ProcessResult: func(r hal.CaptureResult) {
			mu.Lock()
			defer mu.Unlock()
			results = append(results, r)
		},
		Notify: func(n hal.NotifyMessage) {
			mu.Lock()
			defer mu.Unlock()
			notifies = append(notifies, n)
		},
	}))
	return p, &results, &notifies
}

func TestDualIrResultRequestProcessor_MergesMetadataOnlyOnceBothCamerasArrive(t *testing.T) {
	p, results, _ := newDualIrProcessor(t)

	blockRequests := []hal.ProcessBlockRequest{
		{RequestID: hal.DualIrLeadSubRequestID, FrameNumber: 1, OutputBuffers: []hal.StreamBuffer{{StreamID: 10}}},
		{RequestID: hal.DualIrSecondSubRequestID, FrameNumber: 1, OutputBuffers: []hal.StreamBuffer{{StreamID: 11}}},
	}
	sessionRequest := hal.CaptureRequest{
		FrameNumber:   1,
		OutputBuffers: []hal.StreamBuffer{{StreamID: 10}, {StreamID: 11}},
	}
	require.NoError(t, p.AddPendingRequests(blockRequests, sessionRequest))

	require.NoError(t, p.ProcessResult(hal.ProcessBlockResult{
		RequestID: hal.DualIrLeadSubRequestID,
		Result:    hal.CaptureResult{FrameNumber: 1, Metadata: hal.Metadata{"lead_key": 1}},
	}))
	require.Empty(t, *results, "metadata result must wait for the second camera's metadata too")

	require.NoError(t, p.ProcessResult(hal.ProcessBlockResult{
		RequestID: hal.DualIrSecondSubRequestID,
		Result:    hal.CaptureResult{FrameNumber: 1, Metadata: hal.Metadata{"second_key": 2}},
	}))

	require.Len(t, *results, 1)
	merged := (*results)[0]
	require.Equal(t, "lead", merged.Metadata[hal.TagActivePhysicalID])
	require.Len(t, merged.PhysicalMetadata, 2)
}

func TestDualIrResultRequestProcessor_OutputBuffersForwardImmediately(t *testing.T) {
	p, results, _ := newDualIrProcessor(t)

	blockRequests := []hal.ProcessBlockRequest{
		{RequestID: hal.DualIrLeadSubRequestID, FrameNumber: 1, OutputBuffers: []hal.StreamBuffer{{StreamID: 10}}},
	}
	sessionRequest := hal.CaptureRequest{FrameNumber: 1, OutputBuffers: []hal.StreamBuffer{{StreamID: 10}}}
	require.NoError(t, p.AddPendingRequests(blockRequests, sessionRequest))

	require.NoError(t, p.ProcessResult(hal.ProcessBlockResult{
		RequestID: hal.DualIrLeadSubRequestID,
		Result: hal.CaptureResult{
			FrameNumber:   1,
			OutputBuffers: []hal.StreamBuffer{{StreamID: 10, BufferID: 5}},
		},
	}))

	require.Len(t, *results, 1, "a buffer-only result isn't held back waiting for metadata")
	require.Equal(t, hal.StreamID(10), (*results)[0].OutputBuffers[0].StreamID)
}

func TestDualIrResultRequestProcessor_OnlyLeadShutterPassesThrough(t *testing.T) {
	p, _, notifies := newDualIrProcessor(t)

	p.Notify(hal.ProcessBlockNotifyMessage{
		RequestID: hal.DualIrSecondSubRequestID,
		Message:   hal.NotifyMessage{Kind: hal.NotifyShutter, FrameNumber: 1},
	})
	require.Empty(t, *notifies, "the second camera's shutter must be suppressed")

	p.Notify(hal.ProcessBlockNotifyMessage{
		RequestID: hal.DualIrLeadSubRequestID,
		Message:   hal.NotifyMessage{Kind: hal.NotifyShutter, FrameNumber: 1},
	})
	require.Len(t, *notifies, 1)

	p.Notify(hal.ProcessBlockNotifyMessage{
		RequestID: hal.DualIrSecondSubRequestID,
		Message:   hal.NotifyMessage{Kind: hal.NotifyError, FrameNumber: 1},
	})
	require.Len(t, *notifies, 2, "error notifies from either camera always pass through")
}

func TestDualIrResultRequestProcessor_AddPendingRequestsRejectsUncoveredStream(t *testing.T) {
	p, _, _ := newDualIrProcessor(t)

	blockRequests := []hal.ProcessBlockRequest{
		{RequestID: hal.DualIrLeadSubRequestID, FrameNumber: 1, OutputBuffers: []hal.StreamBuffer{{StreamID: 10}}},
	}
	sessionRequest := hal.CaptureRequest{
		FrameNumber:   1,
		OutputBuffers: []hal.StreamBuffer{{StreamID: 10}, {StreamID: 11}},
	}
	require.Error(t, p.AddPendingRequests(blockRequests, sessionRequest), "stream 11 has no covering block request")
}
