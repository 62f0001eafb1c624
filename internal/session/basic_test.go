package session_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/camerarecorder/multicam-hal/internal/dispatcherrors"
	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/session"
)

// fakePipeline is a minimal hal.Pipeline that records what it's asked to do
// and lets a test drive the HwlPipelineCallback it was configured with, in
// place of a real HWL binding.
type fakePipeline struct {
	cameraID   string
	halStreams []hal.HalStream

	mu       sync.Mutex
	cb       hal.HwlPipelineCallback
	pipeline hal.PipelineID
	flushes  int
	submits  [][]hal.HwlPipelineRequest
}

func newFakePipeline(cameraID string, halStreams []hal.HalStream) *fakePipeline {
	return &fakePipeline{cameraID: cameraID, halStreams: halStreams}
}

func (p *fakePipeline) GetCameraID() string                 { return p.cameraID }
func (p *fakePipeline) GetPhysicalCameraIDs() []string       { return []string{p.cameraID} }
func (p *fakePipeline) GetCameraCharacteristics() hal.CameraCharacteristics { return nil }
func (p *fakePipeline) GetPhysicalCameraCharacteristics(string) (hal.CameraCharacteristics, error) {
	return nil, nil
}

func (p *fakePipeline) ConfigurePipeline(ctx context.Context, cameraID string, callback hal.HwlPipelineCallback,
	blockConfig hal.BlockStreamConfig, overallConfig hal.StreamConfiguration) (hal.PipelineID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb = callback
	p.pipeline = 1
	return p.pipeline, nil
}

func (p *fakePipeline) BuildPipelines(ctx context.Context) error  { return nil }
func (p *fakePipeline) DestroyPipelines(ctx context.Context) error { return nil }

func (p *fakePipeline) GetConfiguredHalStream(hal.PipelineID) ([]hal.HalStream, error) {
	return p.halStreams, nil
}

func (p *fakePipeline) SubmitRequests(ctx context.Context, frameNumber hal.FrameNumber, requests []hal.HwlPipelineRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits = append(p.submits, requests)
	return nil
}

func (p *fakePipeline) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	return nil
}

func (p *fakePipeline) ConstructDefaultRequestSettings(template int32) (hal.Metadata, error) {
	return hal.Metadata{}, nil
}
func (p *fakePipeline) FilterResultMetadata(in hal.Metadata) hal.Metadata { return in }

func (p *fakePipeline) PreparePipeline(ctx context.Context, pipelineID hal.PipelineID, frameNumber hal.FrameNumber) error {
	return nil
}
func (p *fakePipeline) IsReconfigurationRequired(oldSessionParams, newSessionParams hal.Metadata) bool {
	return false
}

func (p *fakePipeline) SetSessionCallback(callback hal.HwlPipelineCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb = callback
}

func (p *fakePipeline) GetZoomRatioMapper() hal.ZoomRatioMapper { return nil }

// deliverResult invokes the callback the block registered, simulating the
// HWL completing a submitted request.
func (p *fakePipeline) deliverResult(result hal.CaptureResult) {
	p.mu.Lock()
	cb := p.cb
	p.mu.Unlock()
	cb.ProcessPipelineResult(p.pipeline, result)
}

func (p *fakePipeline) deliverNotify(msg hal.NotifyMessage) {
	p.mu.Lock()
	cb := p.cb
	p.mu.Unlock()
	cb.NotifyPipelineMessage(p.pipeline, msg)
}

func basicDeps(t *testing.T, pipe hal.Pipeline) session.Deps {
	t.Helper()
	return session.Deps{
		CameraID: "cam0",
		StreamConfig: hal.StreamConfiguration{
			Streams: []hal.Stream{{ID: 10}},
		},
		Pipeline: pipe,
	}
}

func TestBasicCaptureSession_HappyPathDeliversResultAfterShutter(t *testing.T) {
	halStreams := []hal.HalStream{{ID: 10}}
	pipe := newFakePipeline("cam0", halStreams)

	var mu sync.Mutex
	var results []hal.CaptureResult
	var notifies []hal.NotifyMessage
	resultCB := func(r hal.CaptureResult) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
	}
	notifyCB := func(n hal.NotifyMessage) {
		mu.Lock()
		defer mu.Unlock()
		notifies = append(notifies, n)
	}

	s, name, err := session.SelectAndCreate(basicDeps(t, pipe), resultCB, notifyCB)
	require.NoError(t, err)
	require.Equal(t, "basic", name)
	require.Equal(t, halStreams, s.ConfiguredHalStreams())

	req := hal.CaptureRequest{
		FrameNumber:   1,
		OutputBuffers: []hal.StreamBuffer{{StreamID: 10, BufferID: 100}},
	}
	require.NoError(t, s.ProcessRequest(req))

	pipe.deliverNotify(hal.NotifyMessage{Kind: hal.NotifyShutter, FrameNumber: 1})
	pipe.deliverResult(hal.CaptureResult{
		FrameNumber:   1,
		OutputBuffers: []hal.StreamBuffer{{StreamID: 10, BufferID: 100}},
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notifies, 1)
	require.Equal(t, hal.NotifyShutter, notifies[0].Kind)
	require.Len(t, results, 1)
	require.Equal(t, hal.FrameNumber(1), results[0].FrameNumber)
}

func TestBasicCaptureSession_FlushForcesErrorForPendingFrame(t *testing.T) {
	halStreams := []hal.HalStream{{ID: 10}}
	pipe := newFakePipeline("cam0", halStreams)

	var mu sync.Mutex
	var notifies []hal.NotifyMessage
	notifyCB := func(n hal.NotifyMessage) {
		mu.Lock()
		defer mu.Unlock()
		notifies = append(notifies, n)
	}
	resultCB := func(hal.CaptureResult) {}

	s, _, err := session.SelectAndCreate(basicDeps(t, pipe), resultCB, notifyCB)
	require.NoError(t, err)

	req := hal.CaptureRequest{
		FrameNumber:   1,
		OutputBuffers: []hal.StreamBuffer{{StreamID: 10, BufferID: 100}},
	}
	require.NoError(t, s.ProcessRequest(req))
	require.NoError(t, s.Flush())

	mu.Lock()
	defer mu.Unlock()
	var sawError bool
	for _, n := range notifies {
		if n.Kind == hal.NotifyError && n.ErrorCode == dispatcherrors.ErrorRequest {
			sawError = true
		}
	}
	require.True(t, sawError, "flush must force an ERROR_REQUEST for a frame still in flight")
}

func TestBasicCaptureSession_RequestsAfterFlushAreRejectedImmediately(t *testing.T) {
	halStreams := []hal.HalStream{{ID: 10}}
	pipe := newFakePipeline("cam0", halStreams)

	var mu sync.Mutex
	var notifies []hal.NotifyMessage
	notifyCB := func(n hal.NotifyMessage) {
		mu.Lock()
		defer mu.Unlock()
		notifies = append(notifies, n)
	}
	resultCB := func(hal.CaptureResult) {}

	s, _, err := session.SelectAndCreate(basicDeps(t, pipe), resultCB, notifyCB)
	require.NoError(t, err)
	require.NoError(t, s.Flush())

	req := hal.CaptureRequest{FrameNumber: 2, OutputBuffers: []hal.StreamBuffer{{StreamID: 10}}}
	require.NoError(t, s.ProcessRequest(req))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notifies, 2, "a post-flush request gets an immediate shutter then ERROR_REQUEST")
	require.Equal(t, hal.NotifyShutter, notifies[0].Kind)
	require.Equal(t, hal.NotifyError, notifies[1].Kind)
}
