package blocks_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/camerarecorder/multicam-hal/internal/blocks"
	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
)

// fakeHwlPipeline is a minimal hal.Pipeline that records submitted requests
// and lets a test drive the registered HwlPipelineCallback directly.
type fakeHwlPipeline struct {
	mu       sync.Mutex
	cb       hal.HwlPipelineCallback
	submits  [][]hal.HwlPipelineRequest
	flushes  int
	halStreams []hal.HalStream
}

func (p *fakeHwlPipeline) GetCameraID() string                                 { return "cam0" }
func (p *fakeHwlPipeline) GetPhysicalCameraIDs() []string                      { return []string{"cam0"} }
func (p *fakeHwlPipeline) GetCameraCharacteristics() hal.CameraCharacteristics { return nil }
func (p *fakeHwlPipeline) GetPhysicalCameraCharacteristics(string) (hal.CameraCharacteristics, error) {
	return nil, nil
}
func (p *fakeHwlPipeline) ConfigurePipeline(_ context.Context, _ string, cb hal.HwlPipelineCallback,
	_ hal.BlockStreamConfig, _ hal.StreamConfiguration) (hal.PipelineID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb = cb
	return 1, nil
}
func (p *fakeHwlPipeline) BuildPipelines(context.Context) error  { return nil }
func (p *fakeHwlPipeline) DestroyPipelines(context.Context) error { return nil }
func (p *fakeHwlPipeline) GetConfiguredHalStream(hal.PipelineID) ([]hal.HalStream, error) {
	return p.halStreams, nil
}
func (p *fakeHwlPipeline) SubmitRequests(_ context.Context, _ hal.FrameNumber, requests []hal.HwlPipelineRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits = append(p.submits, requests)
	return nil
}
func (p *fakeHwlPipeline) Flush(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	return nil
}
func (p *fakeHwlPipeline) ConstructDefaultRequestSettings(int32) (hal.Metadata, error) {
	return hal.Metadata{}, nil
}
func (p *fakeHwlPipeline) FilterResultMetadata(in hal.Metadata) hal.Metadata { return in }
func (p *fakeHwlPipeline) PreparePipeline(context.Context, hal.PipelineID, hal.FrameNumber) error {
	return nil
}
func (p *fakeHwlPipeline) IsReconfigurationRequired(_, _ hal.Metadata) bool { return false }
func (p *fakeHwlPipeline) SetSessionCallback(cb hal.HwlPipelineCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb = cb
}
func (p *fakeHwlPipeline) GetZoomRatioMapper() hal.ZoomRatioMapper { return nil }

func (p *fakeHwlPipeline) deliverResult(result hal.CaptureResult) {
	p.mu.Lock()
	cb := p.cb
	p.mu.Unlock()
	cb.ProcessPipelineResult(1, result)
}

// fakeResultProcessor records what a ProcessBlock forwards to it.
type fakeResultProcessor struct {
	mu       sync.Mutex
	pending  [][]hal.ProcessBlockRequest
	results  []hal.ProcessBlockResult
	notifies []hal.ProcessBlockNotifyMessage
}

func (r *fakeResultProcessor) SetResultCallback(pipeline.ResultCallbacks) error { return nil }
func (r *fakeResultProcessor) AddPendingRequests(blockRequests []hal.ProcessBlockRequest, _ hal.CaptureRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, blockRequests)
	return nil
}
func (r *fakeResultProcessor) ProcessResult(result hal.ProcessBlockResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return nil
}
func (r *fakeResultProcessor) Notify(message hal.ProcessBlockNotifyMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifies = append(r.notifies, message)
}
func (r *fakeResultProcessor) FlushPendingRequests() error { return nil }

func TestRealtimeProcessBlock_ConfigureThenProcessRequestsForwardsToHwl(t *testing.T) {
	hwl := &fakeHwlPipeline{halStreams: []hal.HalStream{{ID: 10}}}
	block := blocks.NewRealtimeProcessBlock("cam0", hwl, nil)
	rp := &fakeResultProcessor{}
	require.NoError(t, block.SetResultProcessor(rp))

	require.NoError(t, block.ConfigureStreams(pipeline.BlockConfig{}, pipeline.OverallConfig{}))
	halStreams, err := block.GetConfiguredHalStreams()
	require.NoError(t, err)
	require.Equal(t, []hal.HalStream{{ID: 10}}, halStreams)

	req := []hal.ProcessBlockRequest{{FrameNumber: 1, OutputBuffers: []hal.StreamBuffer{{StreamID: 10}}}}
	sessionReq := hal.CaptureRequest{FrameNumber: 1, OutputBuffers: []hal.StreamBuffer{{StreamID: 10}}}
	require.NoError(t, block.ProcessRequests(req, sessionReq))

	require.Len(t, hwl.submits, 1)
	require.Len(t, rp.pending, 1, "AddPendingRequests must be called before the HWL submit returns")

	hwl.deliverResult(hal.CaptureResult{FrameNumber: 1})
	require.Len(t, rp.results, 1)
}

func TestRealtimeProcessBlock_ProcessRequestsBeforeConfigureFails(t *testing.T) {
	hwl := &fakeHwlPipeline{}
	block := blocks.NewRealtimeProcessBlock("cam0", hwl, nil)
	require.Error(t, block.ProcessRequests([]hal.ProcessBlockRequest{{FrameNumber: 1}}, hal.CaptureRequest{}))
}

func TestRealtimeProcessBlock_FlushDelegatesToHwlOnlyWhenConfigured(t *testing.T) {
	hwl := &fakeHwlPipeline{}
	block := blocks.NewRealtimeProcessBlock("cam0", hwl, nil)

	require.NoError(t, block.Flush(), "flushing before configuration is a no-op, not an error")
	require.Equal(t, 0, hwl.flushes)

	require.NoError(t, block.SetResultProcessor(&fakeResultProcessor{}))
	require.NoError(t, block.ConfigureStreams(pipeline.BlockConfig{}, pipeline.OverallConfig{}))
	require.NoError(t, block.Flush())
	require.Equal(t, 1, hwl.flushes)
}
