package resultproc

import (
	"fmt"
	"sync"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
	"github.com/camerarecorder/multicam-hal/internal/streammgr"
)

// RgbirdDepthResultProcessor is the terminal stage downstream of the depth
// ProcessBlock: it returns the depth buffer to the framework and recycles
// the internal IR/YUV input buffers the depth request consumed. It assumes
// RgbirdResultRequestProcessor already delivered this frame's metadata and
// shutter, so a non-nil result metadata or a shutter notify here is a bug
// upstream rather than something to forward.
type RgbirdDepthResultProcessor struct {
	streamMgr *streammgr.Manager
	logger    *logging.Logger

	mu  sync.Mutex
	cb  pipeline.ResultCallbacks
	set bool
}

// NewRgbirdDepthResultProcessor constructs the processor.
func NewRgbirdDepthResultProcessor(streamMgr *streammgr.Manager, logger *logging.Logger) *RgbirdDepthResultProcessor {
	if logger == nil {
		logger = logging.GetLogger("rgbird-depth-result-processor")
	}
	return &RgbirdDepthResultProcessor{streamMgr: streamMgr, logger: logger}
}

func (p *RgbirdDepthResultProcessor) SetResultCallback(cb pipeline.ResultCallbacks) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set {
		return fmt.Errorf("resultproc: rgbird depth result processor callback already set")
	}
	p.cb = cb
	p.set = true
	return nil
}

// AddPendingRequests sanity-checks that, being the terminal stage for the
// depth chain, the depth block request accounts for every remaining output
// buffer in the session request.
func (p *RgbirdDepthResultProcessor) AddPendingRequests(blockRequests []hal.ProcessBlockRequest, remainingSessionRequest hal.CaptureRequest) error {
	requested := make(map[hal.StreamID]bool)
	for _, br := range blockRequests {
		for _, ob := range br.OutputBuffers {
			requested[ob.StreamID] = true
		}
	}
	for _, ob := range remainingSessionRequest.OutputBuffers {
		if !requested[ob.StreamID] {
			return fmt.Errorf("resultproc: rgbird depth result processor is terminal but stream %d has no block request covering it", ob.StreamID)
		}
	}
	return nil
}

func (p *RgbirdDepthResultProcessor) ProcessResult(blockResult hal.ProcessBlockResult) error {
	p.mu.Lock()
	cb, set := p.cb, p.set
	p.mu.Unlock()
	if !set || cb.ProcessResult == nil {
		return fmt.Errorf("resultproc: rgbird depth result processor has no callback set, dropping result for frame %d", blockResult.Result.FrameNumber)
	}

	result := blockResult.Result
	if result.Metadata != nil {
		return fmt.Errorf("resultproc: non-nil result metadata received from the depth process block for frame %d", result.FrameNumber)
	}

	for _, buf := range result.InputBuffers {
		p.streamMgr.ReturnStreamBuffer(buf)
	}
	result.InputBuffers = nil

	cb.ProcessResult(result)
	return nil
}

func (p *RgbirdDepthResultProcessor) Notify(blockMessage hal.ProcessBlockNotifyMessage) {
	p.mu.Lock()
	cb, set := p.cb, p.set
	p.mu.Unlock()
	if !set || cb.Notify == nil {
		p.logger.Warn("rgbird depth result processor has no notify callback set, dropping message")
		return
	}
	if blockMessage.Message.Kind != hal.NotifyError {
		p.logger.Warn("rgbird depth result processor is not supposed to return shutter, dropping message")
		return
	}
	cb.Notify(blockMessage.Message)
}

// FlushPendingRequests is unsupported: the depth chain has no per-request
// bookkeeping here to cancel.
func (p *RgbirdDepthResultProcessor) FlushPendingRequests() error {
	return fmt.Errorf("resultproc: rgbird depth result processor does not support FlushPendingRequests")
}
