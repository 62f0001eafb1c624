package resultproc

import (
	"fmt"
	"sync"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
	"github.com/camerarecorder/multicam-hal/internal/streammgr"
)

// DualIrDepthResultProcessor is the terminal stage downstream of the
// two-sensor depth ProcessBlock: it forwards the depth buffer to the
// framework and recycles the internal IR input buffers the depth request
// consumed. Its contract is the dual-IR counterpart of
// RgbirdDepthResultProcessor with no RGB-specific metadata handling.
type DualIrDepthResultProcessor struct {
	streamMgr *streammgr.Manager
	logger    *logging.Logger

	mu  sync.Mutex
	cb  pipeline.ResultCallbacks
	set bool
}

// NewDualIrDepthResultProcessor constructs the processor.
func NewDualIrDepthResultProcessor(streamMgr *streammgr.Manager, logger *logging.Logger) *DualIrDepthResultProcessor {
	if logger == nil {
		logger = logging.GetLogger("dual-ir-depth-result-processor")
	}
	return &DualIrDepthResultProcessor{streamMgr: streamMgr, logger: logger}
}

func (p *DualIrDepthResultProcessor) SetResultCallback(cb pipeline.ResultCallbacks) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set {
		return fmt.Errorf("resultproc: dual-IR depth result processor callback already set")
	}
	p.cb = cb
	p.set = true
	return nil
}

func (p *DualIrDepthResultProcessor) AddPendingRequests(blockRequests []hal.ProcessBlockRequest, remainingSessionRequest hal.CaptureRequest) error {
	requested := make(map[hal.StreamID]bool)
	for _, br := range blockRequests {
		for _, ob := range br.OutputBuffers {
			requested[ob.StreamID] = true
		}
	}
	for _, ob := range remainingSessionRequest.OutputBuffers {
		if !requested[ob.StreamID] {
			return fmt.Errorf("resultproc: dual-IR depth result processor is terminal but stream %d has no block request covering it", ob.StreamID)
		}
	}
	return nil
}

func (p *DualIrDepthResultProcessor) ProcessResult(blockResult hal.ProcessBlockResult) error {
	p.mu.Lock()
	cb, set := p.cb, p.set
	p.mu.Unlock()
	if !set || cb.ProcessResult == nil {
		return fmt.Errorf("resultproc: dual-IR depth result processor has no callback set, dropping result for frame %d", blockResult.Result.FrameNumber)
	}

	result := blockResult.Result
	if result.Metadata != nil {
		return fmt.Errorf("resultproc: non-nil result metadata received from the dual-IR depth process block for frame %d", result.FrameNumber)
	}

	for _, buf := range result.InputBuffers {
		p.streamMgr.ReturnStreamBuffer(buf)
	}
	result.InputBuffers = nil

	cb.ProcessResult(result)
	return nil
}

func (p *DualIrDepthResultProcessor) Notify(blockMessage hal.ProcessBlockNotifyMessage) {
	p.mu.Lock()
	cb, set := p.cb, p.set
	p.mu.Unlock()
	if !set || cb.Notify == nil {
		p.logger.Warn("dual-IR depth result processor has no notify callback set, dropping message")
		return
	}
	if blockMessage.Message.Kind != hal.NotifyError {
		p.logger.Warn("dual-IR depth result processor is not supposed to return shutter, dropping message")
		return
	}
	cb.Notify(blockMessage.Message)
}

func (p *DualIrDepthResultProcessor) FlushPendingRequests() error {
	return fmt.Errorf("resultproc: dual-IR depth result processor does not support FlushPendingRequests")
}
