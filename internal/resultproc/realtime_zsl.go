package resultproc

import (
	"fmt"
	"sync"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
	"github.com/camerarecorder/multicam-hal/internal/streammgr"
)

// RealtimeZslResultProcessor returns a filled raw buffer and its metadata
// to the internal stream manager's ZSL ring and forwards the remainder of
// the result upward with the raw buffer stripped out. It also tracks, per
// frame, the face-detect and lens-shading-map modes the framework actually
// requested, so HDR+ (which forces both on internally to get usable ZSL
// payload metadata) can be undone before the result reaches the framework.
type RealtimeZslResultProcessor struct {
	streamMgr   *streammgr.Manager
	rawStreamID hal.StreamID
	logger      *logging.Logger

	cbMu sync.Mutex
	cb   pipeline.ResultCallbacks
	set  bool

	fdMu                    sync.Mutex
	currentFaceDetectMode   interface{}
	requestedFaceDetectMode map[hal.FrameNumber]interface{}

	lsMu                   sync.Mutex
	currentLensShadingMode interface{}
	requestedLensShading   map[hal.FrameNumber]interface{}
}

// NewRealtimeZslResultProcessor constructs the processor bound to the ZSL
// ring it returns raw buffers to.
func NewRealtimeZslResultProcessor(streamMgr *streammgr.Manager, rawStreamID hal.StreamID, logger *logging.Logger) *RealtimeZslResultProcessor {
	if logger == nil {
		logger = logging.GetLogger("realtime-zsl-result-processor")
	}
	return &RealtimeZslResultProcessor{
		streamMgr:               streamMgr,
		rawStreamID:             rawStreamID,
		logger:                  logger,
		requestedFaceDetectMode: make(map[hal.FrameNumber]interface{}),
		requestedLensShading:    make(map[hal.FrameNumber]interface{}),
	}
}

func (p *RealtimeZslResultProcessor) SetResultCallback(cb pipeline.ResultCallbacks) error {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	if p.set {
		return fmt.Errorf("resultproc: realtime ZSL result processor callback already set")
	}
	p.cb = cb
	p.set = true
	return nil
}

func (p *RealtimeZslResultProcessor) saveFdForHdrplus(request hal.CaptureRequest) {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if request.Settings != nil {
		if mode, ok := request.Settings[hal.TagFaceDetectMode]; ok {
			p.currentFaceDetectMode = mode
		}
	}
	p.requestedFaceDetectMode[request.FrameNumber] = p.currentFaceDetectMode
}

func (p *RealtimeZslResultProcessor) handleFdResultForHdrplus(frame hal.FrameNumber, metadata hal.Metadata) {
	if metadata == nil {
		return
	}
	p.fdMu.Lock()
	mode, ok := p.requestedFaceDetectMode[frame]
	if ok {
		delete(p.requestedFaceDetectMode, frame)
	}
	p.fdMu.Unlock()
	if !ok {
		p.logger.WithFields(logging.Fields{"frame_number": frame}).Warn("realtime ZSL: can't find requested face detect mode")
		return
	}
	if mode == nil || mode == uint8(0) {
		delete(metadata, hal.TagFaceDetectMode)
	}
}

func (p *RealtimeZslResultProcessor) saveLsForHdrplus(request hal.CaptureRequest) {
	p.lsMu.Lock()
	defer p.lsMu.Unlock()
	if request.Settings != nil {
		if mode, ok := request.Settings[hal.TagLensShadingMapMode]; ok {
			p.currentLensShadingMode = mode
		}
	}
	p.requestedLensShading[request.FrameNumber] = p.currentLensShadingMode
}

func (p *RealtimeZslResultProcessor) handleLsResultForHdrplus(frame hal.FrameNumber, metadata hal.Metadata) {
	if metadata == nil {
		return
	}
	p.lsMu.Lock()
	mode, ok := p.requestedLensShading[frame]
	if ok {
		delete(p.requestedLensShading, frame)
	}
	p.lsMu.Unlock()
	if !ok {
		p.logger.WithFields(logging.Fields{"frame_number": frame}).Warn("realtime ZSL: can't find requested lens shading mode")
		return
	}
	if mode == nil || mode == uint8(0) {
		delete(metadata, hal.TagLensShadingMapMode)
	}
}

func (p *RealtimeZslResultProcessor) AddPendingRequests(blockRequests []hal.ProcessBlockRequest, remainingSessionRequest hal.CaptureRequest) error {
	requested := make(map[hal.StreamID]bool)
	for _, br := range blockRequests {
		for _, ob := range br.OutputBuffers {
			requested[ob.StreamID] = true
		}
	}
	for _, ob := range remainingSessionRequest.OutputBuffers {
		if !requested[ob.StreamID] {
			return fmt.Errorf("resultproc: realtime ZSL result processor is terminal but stream %d has no block request covering it", ob.StreamID)
		}
	}

	p.saveFdForHdrplus(remainingSessionRequest)
	p.saveLsForHdrplus(remainingSessionRequest)
	return nil
}

func (p *RealtimeZslResultProcessor) ProcessResult(blockResult hal.ProcessBlockResult) error {
	p.cbMu.Lock()
	cb, set := p.cb, p.set
	p.cbMu.Unlock()
	if !set || cb.ProcessResult == nil {
		return fmt.Errorf("resultproc: realtime ZSL result processor has no callback set, dropping result for frame %d", blockResult.Result.FrameNumber)
	}

	result := blockResult.Result

	rawOutput := false
	modifiedOutputs := make([]hal.StreamBuffer, 0, len(result.OutputBuffers))
	for _, ob := range result.OutputBuffers {
		if ob.StreamID == p.rawStreamID {
			rawOutput = true
			p.streamMgr.ReturnFilledBuffer(p.rawStreamID, result.FrameNumber, ob)
		} else {
			modifiedOutputs = append(modifiedOutputs, ob)
		}
	}
	result.OutputBuffers = modifiedOutputs

	if result.Metadata != nil {
		p.streamMgr.ReturnMetadata(p.rawStreamID, result.FrameNumber, result.Metadata)

		hal.SetBoolTag(result.Metadata, hal.TagEnableZsl, false)
		p.handleFdResultForHdrplus(result.FrameNumber, result.Metadata)
		p.handleLsResultForHdrplus(result.FrameNumber, result.Metadata)
	}

	// Don't forward a result that was only carrying the internal raw buffer.
	if rawOutput && result.Metadata == nil && len(result.OutputBuffers) == 0 {
		return nil
	}

	cb.ProcessResult(result)
	return nil
}

func (p *RealtimeZslResultProcessor) Notify(blockMessage hal.ProcessBlockNotifyMessage) {
	p.cbMu.Lock()
	cb, set := p.cb, p.set
	p.cbMu.Unlock()
	if !set || cb.Notify == nil {
		p.logger.Warn("realtime ZSL result processor has no notify callback set, dropping message")
		return
	}
	cb.Notify(blockMessage.Message)
}

// FlushPendingRequests is unsupported: the ZSL ring has no per-request
// bookkeeping to cancel.
func (p *RealtimeZslResultProcessor) FlushPendingRequests() error {
	return fmt.Errorf("resultproc: realtime ZSL result processor does not support FlushPendingRequests")
}
