package requestproc_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/requestproc"
	"github.com/camerarecorder/multicam-hal/internal/streammgr"
)

func TestRgbirdRtRequestProcessor_NoDepthNoHdrplusForwardsSingleRgbRequest(t *testing.T) {
	mgr := streammgr.New(nil, nil)
	p := requestproc.NewRgbirdRtRequestProcessor("rgb", "ir1", "ir2", 0, 0, false, false, mgr, nil)

	streamConfig := hal.StreamConfiguration{Streams: []hal.Stream{{ID: 20, Direction: hal.StreamOutput}}}
	_, err := p.ConfigureStreams(mgr, streamConfig)
	require.NoError(t, err)
	require.False(t, p.HasDepthStream())

	block := &fakeProcessBlock{}
	require.NoError(t, p.SetProcessBlock(block))

	req := hal.CaptureRequest{
		FrameNumber:   1,
		OutputBuffers: []hal.StreamBuffer{{StreamID: 20, BufferID: 7}},
	}
	require.NoError(t, p.ProcessRequest(req))

	require.Len(t, block.requests, 1)
	subRequests := block.requests[0]
	require.Len(t, subRequests, 1, "no depth stream means no IR sub-requests are produced")
	require.Equal(t, hal.RgbSubRequestID, subRequests[0].RequestID)
	require.Equal(t, "rgb", subRequests[0].PhysicalCameraID)
	require.Equal(t, []hal.StreamBuffer{{StreamID: 20, BufferID: 7}}, subRequests[0].OutputBuffers)
}

func TestRgbirdRtRequestProcessor_DepthStreamFansOutToRgbAndBothIrCameras(t *testing.T) {
	mgr := streammgr.New(nil, nil)
	p := requestproc.NewRgbirdRtRequestProcessor("rgb", "ir1", "ir2", 0, 0, false, false, mgr, nil)

	depthStream := hal.Stream{ID: 30, Direction: hal.StreamOutput, Format: hal.PixelFormat(0x101)}
	streamConfig := hal.StreamConfiguration{Streams: []hal.Stream{depthStream}}
	_, err := p.ConfigureStreams(mgr, streamConfig)
	require.NoError(t, err)
	require.True(t, p.HasDepthStream())

	yuvID := p.RgbYuvStreamID()
	require.NoError(t, mgr.AllocateBuffers(context.Background(), hal.HalStream{ID: yuvID, MaxBuffers: 2}, 0, false))
	for _, irID := range p.IrRawStreamIDs() {
		require.NoError(t, mgr.AllocateBuffers(context.Background(), hal.HalStream{ID: irID, MaxBuffers: 2}, 0, false))
	}

	block := &fakeProcessBlock{}
	require.NoError(t, p.SetProcessBlock(block))

	req := hal.CaptureRequest{
		FrameNumber:   1,
		OutputBuffers: []hal.StreamBuffer{{StreamID: 30}},
	}
	require.NoError(t, p.ProcessRequest(req))

	require.Len(t, block.requests, 1)
	subRequests := block.requests[0]
	require.Len(t, subRequests, 3, "one RGB (carrying the internal depth YUV buffer) plus two IR sub-requests")

	byRequestID := make(map[hal.RequestID]hal.ProcessBlockRequest)
	for _, r := range subRequests {
		byRequestID[r.RequestID] = r
	}
	require.Contains(t, byRequestID, hal.RgbSubRequestID)
	require.Contains(t, byRequestID, hal.Ir1SubRequestID)
	require.Contains(t, byRequestID, hal.Ir2SubRequestID)
	require.Equal(t, "ir1", byRequestID[hal.Ir1SubRequestID].PhysicalCameraID)
	require.Equal(t, "ir2", byRequestID[hal.Ir2SubRequestID].PhysicalCameraID)
}
