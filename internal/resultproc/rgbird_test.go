package resultproc_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
	"github.com/camerarecorder/multicam-hal/internal/resultproc"
	"github.com/camerarecorder/multicam-hal/internal/streammgr"
)

func newRgbirdProcessor(t *testing.T) (*resultproc.RgbirdResultRequestProcessor, *[]hal.CaptureResult, *[]hal.NotifyMessage) {
	t.Helper()
	mgr := streammgr.New(nil, nil)
	cfg := resultproc.RgbirdResultRequestProcessorConfig{
		RgbCameraID: "rgb", Ir1CameraID: "ir1", Ir2CameraID: "ir2",
	}
	p := resultproc.NewRgbirdResultRequestProcessor(cfg, mgr, nil)

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

func TestRgbirdResultRequestProcessor_RgbResultWithNoDepthPassesThrough(t *testing.T) {
	p, results, _ := newRgbirdProcessor(t)

	require.NoError(t, p.ProcessResult(hal.ProcessBlockResult{
		RequestID: hal.RgbSubRequestID,
		Result: hal.CaptureResult{
			FrameNumber:   1,
			OutputBuffers: []hal.StreamBuffer{{StreamID: 20, BufferID: 1}},
			Metadata:      hal.Metadata{"foo": "bar"},
		},
	}))

	require.Len(t, *results, 1)
	require.Equal(t, hal.FrameNumber(1), (*results)[0].FrameNumber)
	require.False(t, (*results)[0].Metadata[hal.TagEnableZsl].(bool), "ZSL tag is always force-cleared on the way out")
}

func TestRgbirdResultRequestProcessor_IrResultsWithNoDepthAreSwallowed(t *testing.T) {
	p, results, _ := newRgbirdProcessor(t)

	require.NoError(t, p.ProcessResult(hal.ProcessBlockResult{
		RequestID: hal.Ir1SubRequestID,
		Result:    hal.CaptureResult{FrameNumber: 1, OutputBuffers: []hal.StreamBuffer{{StreamID: 21}}},
	}))

	require.Empty(t, *results, "an IR sub-result only matters once a depth stream is configured")
}

func TestRgbirdResultRequestProcessor_OnlyRgbShutterPassesThrough(t *testing.T) {
	p, _, notifies := newRgbirdProcessor(t)

	p.Notify(hal.ProcessBlockNotifyMessage{
		RequestID: hal.Ir1SubRequestID,
		Message:   hal.NotifyMessage{Kind: hal.NotifyShutter, FrameNumber: 1},
	})
	require.Empty(t, *notifies, "IR shutter notifications must be suppressed")

	p.Notify(hal.ProcessBlockNotifyMessage{
		RequestID: hal.RgbSubRequestID,
		Message:   hal.NotifyMessage{Kind: hal.NotifyShutter, FrameNumber: 1},
	})
	require.Len(t, *notifies, 1)
}
