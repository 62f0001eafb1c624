// Package blocks implements the four concrete ProcessBlocks: a single-
// pipeline realtime block, a per-physical-camera fan-out realtime block, an
// offline HDR+ burst block, and an offline depth block. One block owns
// one HWL pipeline configuration and hands completions to the
// ResultProcessor installed on it.
package blocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
)

// RealtimeProcessBlock wraps a single physical or logical HWL pipeline
// with a 1:1 request mapping.
type RealtimeProcessBlock struct {
	cameraID string
	hwl      hal.Pipeline
	logger   *logging.Logger

	configMu   sync.RWMutex
	configured bool
	pipelineID hal.PipelineID
	halStreams []hal.HalStream

	rpMu sync.Mutex
	rp   pipeline.ResultProcessor
}

// NewRealtimeProcessBlock constructs a block bound to one HWL pipeline.
func NewRealtimeProcessBlock(cameraID string, hwl hal.Pipeline, logger *logging.Logger) *RealtimeProcessBlock {
	if logger == nil {
		logger = logging.GetLogger("realtime-process-block")
	}
	return &RealtimeProcessBlock{cameraID: cameraID, hwl: hwl, logger: logger}
}

func (b *RealtimeProcessBlock) ConfigureStreams(blockConfig pipeline.BlockConfig, overallConfig pipeline.OverallConfig) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if b.configured {
		return fmt.Errorf("blocks: realtime process block for %s already configured", b.cameraID)
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
		return fmt.Errorf("blocks: configuring pipeline for %s: %w", b.cameraID, err)
	}
	if err := b.hwl.BuildPipelines(ctx); err != nil {
		return fmt.Errorf("blocks: building pipelines for %s: %w", b.cameraID, err)
	}
	halStreams, err := b.hwl.GetConfiguredHalStream(pipelineID)
	if err != nil {
		return fmt.Errorf("blocks: reading configured hal streams for %s: %w", b.cameraID, err)
	}

	b.pipelineID = pipelineID
	b.halStreams = halStreams
	b.configured = true
	return nil
}

func (b *RealtimeProcessBlock) SetResultProcessor(rp pipeline.ResultProcessor) error {
	b.rpMu.Lock()
	defer b.rpMu.Unlock()
	if b.rp != nil {
		return fmt.Errorf("blocks: result processor already set for %s", b.cameraID)
	}
	b.rp = rp
	return nil
}

func (b *RealtimeProcessBlock) GetConfiguredHalStreams() ([]hal.HalStream, error) {
	b.configMu.RLock()
	defer b.configMu.RUnlock()
	if !b.configured {
		return nil, fmt.Errorf("blocks: %s not configured", b.cameraID)
	}
	return b.halStreams, nil
}

func (b *RealtimeProcessBlock) ProcessRequests(blockRequests []hal.ProcessBlockRequest, remainingSessionRequest hal.CaptureRequest) error {
	b.configMu.RLock()
	defer b.configMu.RUnlock()
	if !b.configured {
		return fmt.Errorf("blocks: %s not configured", b.cameraID)
	}
	if len(blockRequests) == 0 {
		return fmt.Errorf("blocks: empty block request batch")
	}

	if err := b.forwardPending(blockRequests, remainingSessionRequest); err != nil {
		return err
	}

	hwlRequests := make([]hal.HwlPipelineRequest, 0, len(blockRequests))
	for _, r := range blockRequests {
		hwlRequests = append(hwlRequests, hal.HwlPipelineRequest{
			FrameNumber:   r.FrameNumber,
			Settings:      r.Settings,
			InputBuffers:  r.InputBuffers,
			OutputBuffers: r.OutputBuffers,
		})
	}

	ctx := context.Background()
	if err := b.hwl.SubmitRequests(ctx, blockRequests[0].FrameNumber, hwlRequests); err != nil {
		return fmt.Errorf("blocks: submitting requests for %s: %w", b.cameraID, err)
	}
	return nil
}

func (b *RealtimeProcessBlock) forwardPending(blockRequests []hal.ProcessBlockRequest, remainingSessionRequest hal.CaptureRequest) error {
	b.rpMu.Lock()
	defer b.rpMu.Unlock()
	if b.rp == nil {
		return fmt.Errorf("blocks: result processor not set for %s", b.cameraID)
	}
	return b.rp.AddPendingRequests(blockRequests, remainingSessionRequest)
}

func (b *RealtimeProcessBlock) deliverResult(result hal.CaptureResult) {
	b.rpMu.Lock()
	rp := b.rp
	b.rpMu.Unlock()
	if rp == nil {
		b.logger.WithFields(logging.Fields{"frame_number": result.FrameNumber}).Warn("result arrived with no result processor set, dropping")
		return
	}
	if err := rp.ProcessResult(hal.ProcessBlockResult{Result: result}); err != nil {
		b.logger.WithError(err).Warn("result processor rejected result")
	}
}

func (b *RealtimeProcessBlock) deliverNotify(msg hal.NotifyMessage) {
	b.rpMu.Lock()
	rp := b.rp
	b.rpMu.Unlock()
	if rp == nil {
		return
	}
	rp.Notify(hal.ProcessBlockNotifyMessage{Message: msg})
}

func (b *RealtimeProcessBlock) Flush() error {
	b.configMu.RLock()
	configured := b.configured
	b.configMu.RUnlock()
	if !configured {
		return nil
	}
	return b.hwl.Flush(context.Background())
}
