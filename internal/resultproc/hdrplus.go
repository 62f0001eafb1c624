package resultproc

import (
	"fmt"
	"sync"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
	"github.com/camerarecorder/multicam-hal/internal/streammgr"
)

// HdrplusResultProcessor un-pins the payload frames the HDR+ burst
// consumed from the ZSL ring once the merged result comes back, and marks
// the merged result's metadata as ZSL-enabled before forwarding it
// upward.
type HdrplusResultProcessor struct {
	streamMgr   *streammgr.Manager
	rawStreamID hal.StreamID
	logger      *logging.Logger

	cbMu sync.Mutex
	cb   pipeline.ResultCallbacks
	set  bool
}

// NewHdrplusResultProcessor constructs the processor bound to the ZSL ring
// the burst consumed its payload frames from.
func NewHdrplusResultProcessor(streamMgr *streammgr.Manager, rawStreamID hal.StreamID, logger *logging.Logger) *HdrplusResultProcessor {
	if logger == nil {
		logger = logging.GetLogger("hdrplus-result-processor")
	}
	return &HdrplusResultProcessor{streamMgr: streamMgr, rawStreamID: rawStreamID, logger: logger}
}

func (p *HdrplusResultProcessor) SetResultCallback(cb pipeline.ResultCallbacks) error {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	if p.set {
		return fmt.Errorf("resultproc: hdrplus result processor callback already set")
	}
	p.cb = cb
	p.set = true
	return nil
}

func (p *HdrplusResultProcessor) AddPendingRequests(blockRequests []hal.ProcessBlockRequest, remainingSessionRequest hal.CaptureRequest) error {
	requested := make(map[hal.StreamID]bool)
	for _, br := range blockRequests {
		for _, ob := range br.OutputBuffers {
			requested[ob.StreamID] = true
		}
	}
	for _, ob := range remainingSessionRequest.OutputBuffers {
		if !requested[ob.StreamID] {
			return fmt.Errorf("resultproc: hdrplus result processor is terminal but stream %d has no block request covering it", ob.StreamID)
		}
	}
	return nil
}

func (p *HdrplusResultProcessor) ProcessResult(blockResult hal.ProcessBlockResult) error {
	p.cbMu.Lock()
	cb, set := p.cb, p.set
	p.cbMu.Unlock()
	if !set || cb.ProcessResult == nil {
		return fmt.Errorf("resultproc: hdrplus result processor has no callback set, dropping result for frame %d", blockResult.Result.FrameNumber)
	}

	result := blockResult.Result

	if len(result.OutputBuffers) != 0 && !p.streamMgr.IsPendingBufferEmpty(p.rawStreamID) {
		if err := p.streamMgr.ReturnZslStreamBuffers(p.rawStreamID, []hal.FrameNumber{result.FrameNumber}); err != nil {
			return fmt.Errorf("resultproc: frame %d: ReturnZslStreamBuffers failed: %w", result.FrameNumber, err)
		}
		result.InputBuffers = nil
	}

	if result.Metadata != nil {
		hal.SetBoolTag(result.Metadata, hal.TagEnableZsl, true)
	}

	cb.ProcessResult(result)
	return nil
}

func (p *HdrplusResultProcessor) Notify(blockMessage hal.ProcessBlockNotifyMessage) {
	p.cbMu.Lock()
	cb, set := p.cb, p.set
	p.cbMu.Unlock()
	if !set || cb.Notify == nil {
		p.logger.Warn("hdrplus result processor has no notify callback set, dropping message")
		return
	}
	cb.Notify(blockMessage.Message)
}

// FlushPendingRequests is unsupported: there is no per-request bookkeeping
// to cancel at this stage.
func (p *HdrplusResultProcessor) FlushPendingRequests() error {
	return fmt.Errorf("resultproc: hdrplus result processor does not support FlushPendingRequests")
}
