package blocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
)

// HdrplusProcessBlock is the offline burst block: it accepts one request
// whose input buffer list carries N prior RAW frames and their metadata,
// and forwards it to the HWL burst pipeline as-is. It accepts exactly one
// ProcessBlockRequest per ProcessRequests call (no fan-out, unlike
// MultiCameraRtProcessBlock).
type HdrplusProcessBlock struct {
	cameraID string
	hwl      hal.Pipeline
	logger   *logging.Logger

	configMu   sync.Mutex
	configured bool
	pipelineID hal.PipelineID

	rpMu sync.Mutex
	rp   pipeline.ResultProcessor
}

// NewHdrplusProcessBlock constructs the offline burst block bound to one
// HWL pipeline.
func NewHdrplusProcessBlock(cameraID string, hwl hal.Pipeline, logger *logging.Logger) *HdrplusProcessBlock {
	if logger == nil {
		logger = logging.GetLogger("hdrplus-process-block")
	}
	return &HdrplusProcessBlock{cameraID: cameraID, hwl: hwl, logger: logger}
}

func (b *HdrplusProcessBlock) ConfigureStreams(blockConfig pipeline.BlockConfig, overallConfig pipeline.OverallConfig) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if b.configured {
		return fmt.Errorf("blocks: hdrplus process block already configured")
	}

	callback := hal.HwlPipelineCallback{
		ProcessPipelineResult: func(_ hal.PipelineID, result hal.CaptureResult) {
			b.deliverResult(result)
		},
		NotifyPipelineMessage: func(_ hal.PipelineID, msg hal.NotifyMessage) {
			b.deliverNotify(msg)
		},
	}

	ctx := context.Background()
	pipelineID, err := b.hwl.ConfigurePipeline(ctx, b.cameraID, callback,
		hal.BlockStreamConfig{Streams: blockConfig.Streams}, overallConfig.StreamConfig)
	if err != nil {
		return fmt.Errorf("blocks: configuring hdrplus pipeline: %w", err)
	}
	if err := b.hwl.BuildPipelines(ctx); err != nil {
		return fmt.Errorf("blocks: building hdrplus pipeline: %w", err)
	}
	b.pipelineID = pipelineID
	b.configured = true
	return nil
}

func (b *HdrplusProcessBlock) SetResultProcessor(rp pipeline.ResultProcessor) error {
	b.rpMu.Lock()
	defer b.rpMu.Unlock()
	if b.rp != nil {
		return fmt.Errorf("blocks: hdrplus result processor already set")
	}
	b.rp = rp
	return nil
}

func (b *HdrplusProcessBlock) GetConfiguredHalStreams() ([]hal.HalStream, error) {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if !b.configured {
		return nil, fmt.Errorf("blocks: hdrplus process block not configured")
	}
	return b.hwl.GetConfiguredHalStream(b.pipelineID)
}

func (b *HdrplusProcessBlock) ProcessRequests(blockRequests []hal.ProcessBlockRequest, remainingSessionRequest hal.CaptureRequest) error {
	if len(blockRequests) != 1 {
		return fmt.Errorf("blocks: hdrplus process block only supports a single request, got %d", len(blockRequests))
	}

	b.rpMu.Lock()
	rp := b.rp
	b.rpMu.Unlock()
	if rp == nil {
		return fmt.Errorf("blocks: hdrplus result processor not set")
	}
	if err := rp.AddPendingRequests(blockRequests, remainingSessionRequest); err != nil {
		return fmt.Errorf("blocks: forwarding pending hdrplus request: %w", err)
	}

	b.configMu.Lock()
	configured, pipelineID := b.configured, b.pipelineID
	b.configMu.Unlock()
	if !configured {
		return fmt.Errorf("blocks: hdrplus process block not configured")
	}

	req := blockRequests[0]
	hwlReq := hal.HwlPipelineRequest{
		FrameNumber:   req.FrameNumber,
		Settings:      req.Settings,
		InputBuffers:  req.InputBuffers,
		OutputBuffers: req.OutputBuffers,
	}
	if err := b.hwl.SubmitRequests(context.Background(), req.FrameNumber, []hal.HwlPipelineRequest{hwlReq}); err != nil {
		return fmt.Errorf("blocks: submitting hdrplus request for pipeline %d: %w", pipelineID, err)
	}
	return nil
}

func (b *HdrplusProcessBlock) deliverResult(result hal.CaptureResult) {
	b.rpMu.Lock()
	rp := b.rp
	b.rpMu.Unlock()
	if rp == nil {
		b.logger.Warn("hdrplus result arrived with no result processor set, dropping")
		return
	}
	if err := rp.ProcessResult(hal.ProcessBlockResult{Result: result}); err != nil {
		b.logger.WithError(err).Warn("hdrplus result processor rejected result")
	}
}

func (b *HdrplusProcessBlock) deliverNotify(msg hal.NotifyMessage) {
	b.rpMu.Lock()
	rp := b.rp
	b.rpMu.Unlock()
	if rp == nil {
		return
	}
	rp.Notify(hal.ProcessBlockNotifyMessage{Message: msg})
}

func (b *HdrplusProcessBlock) Flush() error {
	b.configMu.Lock()
	configured := b.configured
	b.configMu.Unlock()
	if !configured {
		return nil
	}
	return b.hwl.Flush(context.Background())
}
