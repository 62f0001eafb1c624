package blocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
	"golang.org/x/sync/errgroup"
)

// PipelineFactory constructs (or returns a cached) HWL pipeline bound to
// one physical camera id.
type PipelineFactory func(cameraID string) (hal.Pipeline, error)

// MultiCameraRtProcessBlock partitions streams by physical-camera id,
// configures one HWL pipeline per camera, and per request submits one
// synchronized sub-request per camera concurrently. Submit-time invariant
// checks: no input buffers, one camera per sub-request, no duplicate
// cameras within one frame.
type MultiCameraRtProcessBlock struct {
	makePipeline PipelineFactory
	requestIDs   *pipeline.RequestIDManager
	logger       *logging.Logger

	configMu     sync.RWMutex
	configured   bool
	pipelines    map[string]hal.Pipeline // physical camera id -> pipeline
	pipelineIDs  map[string]hal.PipelineID
	halStreamsByCam map[string][]hal.HalStream

	rpMu sync.Mutex
	rp   pipeline.ResultProcessor
}

// NewMultiCameraRtProcessBlock requires at least two physical cameras in
// scope; single-camera devices belong on RealtimeProcessBlock.
func NewMultiCameraRtProcessBlock(makePipeline PipelineFactory, logger *logging.Logger) *MultiCameraRtProcessBlock {
	if logger == nil {
		logger = logging.GetLogger("multicam-rt-process-block")
	}
	return &MultiCameraRtProcessBlock{
		makePipeline:    makePipeline,
		requestIDs:      pipeline.NewRequestIDManager(),
		logger:          logger,
		pipelines:       make(map[string]hal.Pipeline),
		pipelineIDs:     make(map[string]hal.PipelineID),
		halStreamsByCam: make(map[string][]hal.HalStream),
	}
}

func (b *MultiCameraRtProcessBlock) ConfigureStreams(blockConfig pipeline.BlockConfig, overallConfig pipeline.OverallConfig) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if b.configured {
		return fmt.Errorf("blocks: multicam process block already configured")
	}

	byCamera := make(map[string][]hal.Stream)
	for _, s := range blockConfig.Streams {
		if s.IsLogical() {
			return fmt.Errorf("blocks: multicam process block only supports physical output streams, got logical stream %d", s.ID)
		}
		byCamera[s.PhysicalCameraID] = append(byCamera[s.PhysicalCameraID], s)
	}
	if len(byCamera) < 2 {
		return fmt.Errorf("blocks: multicam process block requires >=2 physical cameras, got %d", len(byCamera))
	}

	ctx := context.Background()
	for cameraID, streams := range byCamera {
		p, err := b.makePipeline(cameraID)
		if err != nil {
			return fmt.Errorf("blocks: creating pipeline for camera %s: %w", cameraID, err)
		}

		cameraID := cameraID
		callback := hal.HwlPipelineCallback{
			ProcessPipelineResult: func(pid hal.PipelineID, result hal.CaptureResult) {
				b.deliverResult(pid, result)
			},
			NotifyPipelineMessage: func(pid hal.PipelineID, msg hal.NotifyMessage) {
				b.deliverNotify(pid, msg)
			},
		}

		pipelineID, err := p.ConfigurePipeline(ctx, cameraID, callback,
			hal.BlockStreamConfig{Streams: streams}, overallConfig.StreamConfig)
		if err != nil {
			return fmt.Errorf("blocks: configuring pipeline for camera %s: %w", cameraID, err)
		}
		if err := p.BuildPipelines(ctx); err != nil {
			return fmt.Errorf("blocks: building pipeline for camera %s: %w", cameraID, err)
		}
		halStreams, err := p.GetConfiguredHalStream(pipelineID)
		if err != nil {
			return fmt.Errorf("blocks: reading configured hal streams for camera %s: %w", cameraID, err)
		}

		b.pipelines[cameraID] = p
		b.pipelineIDs[cameraID] = pipelineID
		b.halStreamsByCam[cameraID] = halStreams
	}

	b.configured = true
	return nil
}

func (b *MultiCameraRtProcessBlock) SetResultProcessor(rp pipeline.ResultProcessor) error {
	b.rpMu.Lock()
	defer b.rpMu.Unlock()
	if b.rp != nil {
		return fmt.Errorf("blocks: result processor already set")
	}
	b.rp = rp
	return nil
}

func (b *MultiCameraRtProcessBlock) GetConfiguredHalStreams() ([]hal.HalStream, error) {
	b.configMu.RLock()
	defer b.configMu.RUnlock()
	if !b.configured {
		return nil, fmt.Errorf("blocks: multicam process block not configured")
	}
	var out []hal.HalStream
	for _, streams := range b.halStreamsByCam {
		out = append(out, streams...)
	}
	return out, nil
}

// areRequestsValid enforces: no input buffers, every output buffer of one
// sub-request belongs to one physical camera, and no two sub-requests in
// one frame target the same camera.
func (b *MultiCameraRtProcessBlock) areRequestsValidLocked(requests []hal.ProcessBlockRequest) error {
	seenCameras := make(map[string]bool, len(requests))
	for _, r := range requests {
		if len(r.InputBuffers) != 0 {
			return fmt.Errorf("blocks: multicam sub-request for frame %d must not carry input buffers", r.FrameNumber)
		}
		if len(r.OutputBuffers) == 0 {
			return fmt.Errorf("blocks: multicam sub-request for frame %d has no output buffers", r.FrameNumber)
		}
		if r.PhysicalCameraID == "" {
			return fmt.Errorf("blocks: multicam sub-request for frame %d has no physical camera id", r.FrameNumber)
		}
		owned := make(map[hal.StreamID]bool, len(b.halStreamsByCam[r.PhysicalCameraID]))
		for _, hs := range b.halStreamsByCam[r.PhysicalCameraID] {
			owned[hs.ID] = true
		}
		for _, ob := range r.OutputBuffers {
			if !owned[ob.StreamID] {
				return fmt.Errorf("blocks: multicam sub-request for frame %d carries stream %d not configured on camera %s", r.FrameNumber, ob.StreamID, r.PhysicalCameraID)
			}
		}
		if seenCameras[r.PhysicalCameraID] {
			return fmt.Errorf("blocks: two sub-requests for frame %d target camera %s", r.FrameNumber, r.PhysicalCameraID)
		}
		seenCameras[r.PhysicalCameraID] = true
	}
	return nil
}

func (b *MultiCameraRtProcessBlock) ProcessRequests(blockRequests []hal.ProcessBlockRequest, remainingSessionRequest hal.CaptureRequest) error {
	b.configMu.RLock()
	defer b.configMu.RUnlock()
	if !b.configured {
		return fmt.Errorf("blocks: multicam process block not configured")
	}
	if err := b.areRequestsValidLocked(blockRequests); err != nil {
		return err
	}

	b.rpMu.Lock()
	rp := b.rp
	b.rpMu.Unlock()
	if rp == nil {
		return fmt.Errorf("blocks: result processor not set")
	}
	if err := rp.AddPendingRequests(blockRequests, remainingSessionRequest); err != nil {
		return fmt.Errorf("blocks: forwarding pending requests: %w", err)
	}

	for _, r := range blockRequests {
		pipelineID, ok := b.pipelineIDs[r.PhysicalCameraID]
		if !ok {
			return fmt.Errorf("blocks: no pipeline configured for camera %s", r.PhysicalCameraID)
		}
		if err := b.requestIDs.SetPipelineRequestID(pipelineID, r.FrameNumber, r.RequestID); err != nil {
			return fmt.Errorf("blocks: recording pipeline request id: %w", err)
		}
	}

	// Submit one synchronized sub-request per camera concurrently: a slow
	// camera's HWL latency must never hold up another camera's submission.
	group, ctx := errgroup.WithContext(context.Background())
	for _, r := range blockRequests {
		r := r
		group.Go(func() error {
			p := b.pipelines[r.PhysicalCameraID]
			req := hal.HwlPipelineRequest{
				FrameNumber:   r.FrameNumber,
				Settings:      r.Settings,
				OutputBuffers: r.OutputBuffers,
			}
			if err := p.SubmitRequests(ctx, r.FrameNumber, []hal.HwlPipelineRequest{req}); err != nil {
				return fmt.Errorf("blocks: submitting to camera %s: %w", r.PhysicalCameraID, err)
			}
			return nil
		})
	}
	return group.Wait()
}

func (b *MultiCameraRtProcessBlock) deliverResult(pipelineID hal.PipelineID, result hal.CaptureResult) {
	requestID, err := b.requestIDs.GetPipelineRequestID(pipelineID, result.FrameNumber)
	if err != nil {
		b.logger.WithError(err).Warn("dropping result with unknown pipeline/frame")
		return
	}
	b.rpMu.Lock()
	rp := b.rp
	b.rpMu.Unlock()
	if rp == nil {
		return
	}
	if err := rp.ProcessResult(hal.ProcessBlockResult{RequestID: requestID, Result: result}); err != nil {
		b.logger.WithError(err).Warn("result processor rejected result")
	}
}

func (b *MultiCameraRtProcessBlock) deliverNotify(pipelineID hal.PipelineID, msg hal.NotifyMessage) {
	requestID, err := b.requestIDs.GetPipelineRequestID(pipelineID, msg.FrameNumber)
	if err != nil {
		requestID = 0
	}
	b.rpMu.Lock()
	rp := b.rp
	b.rpMu.Unlock()
	if rp == nil {
		return
	}
	rp.Notify(hal.ProcessBlockNotifyMessage{RequestID: requestID, Message: msg})
}

func (b *MultiCameraRtProcessBlock) Flush() error {
	b.configMu.RLock()
	defer b.configMu.RUnlock()
	if !b.configured {
		return nil
	}
	group, ctx := errgroup.WithContext(context.Background())
	for _, p := range b.pipelines {
		p := p
		group.Go(func() error { return p.Flush(ctx) })
	}
	return group.Wait()
}
