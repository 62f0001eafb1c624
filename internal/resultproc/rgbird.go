package resultproc

import (
	"fmt"
	"sync"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
	"github.com/camerarecorder/multicam-hal/internal/streammgr"
)

const (
	kNumAutocalInputBuffers = 3 // YUV + IR1 + IR2
	kNumNonAutocalInputBuffers = 2 // IR1 + IR2
	kAutocalFrameNumber        = 5
)

// RgbirdResultRequestProcessorConfig carries the identities
// RgbirdResultRequestProcessor needs at construction time, mirroring
// RgbirdResultRequestProcessorCreateData.
type RgbirdResultRequestProcessorConfig struct {
	RgbCameraID, Ir1CameraID, Ir2CameraID string
	RgbRawStreamID                       hal.StreamID
	HdrplusSupported                     bool
	RgbInternalYuvStreamID               hal.StreamID
	HasInternalYuvStream                 bool
	AutocalEnabled                       bool
}

type pendingDepthRequest struct {
	request          hal.CaptureRequest
	inputBuffers     map[string]hal.StreamBuffer // keyed by physical camera id
	rgbInputMetadata hal.Metadata
}

// RgbirdResultRequestProcessor is both the ResultProcessor that merges
// per-camera results from the RGB and two IR realtime pipelines and the
// RequestProcessor that, once a frame's depth inputs are all ready, submits
// one combined request to the depth process block. Depth readiness is
// "every expected input buffer has arrived, plus the RGB result metadata
// when the frame is the auto-calibration request"; the dispatch engine's ordering invariants don't depend on
// finer-grained per-tag readiness.
type RgbirdResultRequestProcessor struct {
	cfg       RgbirdResultRequestProcessorConfig
	streamMgr *streammgr.Manager
	logger    *logging.Logger

	cbMu sync.Mutex
	cb   pipeline.ResultCallbacks
	set  bool

	pbMu sync.Mutex
	pb   pipeline.ProcessBlock

	depthMu        sync.Mutex
	depthRequests  map[hal.FrameNumber]*pendingDepthRequest
	frameworkStreams map[hal.StreamID]bool
	depthStreamID  hal.StreamID
	hasDepthStream bool

	fdMu                    sync.Mutex
	currentFaceDetectMode   interface{}
	requestedFaceDetectMode map[hal.FrameNumber]interface{}

	lsMu                   sync.Mutex
	currentLensShadingMode interface{}
	requestedLensShading   map[hal.FrameNumber]interface{}
}

// NewRgbirdResultRequestProcessor constructs the processor.
func NewRgbirdResultRequestProcessor(cfg RgbirdResultRequestProcessorConfig, streamMgr *streammgr.Manager, logger *logging.Logger) *RgbirdResultRequestProcessor {
	if logger == nil {
		logger = logging.GetLogger("rgbird-result-request-processor")
	}
	return &RgbirdResultRequestProcessor{
		cfg:                     cfg,
		streamMgr:               streamMgr,
		logger:                  logger,
		depthRequests:           make(map[hal.FrameNumber]*pendingDepthRequest),
		frameworkStreams:        make(map[hal.StreamID]bool),
		requestedFaceDetectMode: make(map[hal.FrameNumber]interface{}),
		requestedLensShading:    make(map[hal.FrameNumber]interface{}),
	}
}

func (p *RgbirdResultRequestProcessor) SetResultCallback(cb pipeline.ResultCallbacks) error {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	if p.set {
		return fmt.Errorf("resultproc: rgbird result processor callback already set")
	}
	p.cb = cb
	p.set = true
	return nil
}

func (p *RgbirdResultRequestProcessor) isAutocalRequest(frame hal.FrameNumber) bool {
	return p.cfg.AutocalEnabled && uint32(frame) == kAutocalFrameNumber
}

func (p *RgbirdResultRequestProcessor) saveFdForHdrplus(request hal.CaptureRequest) {
	if !p.cfg.HdrplusSupported {
		return
	}
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if request.Settings != nil {
		if mode, ok := request.Settings[hal.TagFaceDetectMode]; ok {
			p.currentFaceDetectMode = mode
		}
	}
	p.requestedFaceDetectMode[request.FrameNumber] = p.currentFaceDetectMode
}

func (p *RgbirdResultRequestProcessor) handleFdResultForHdrplus(frame hal.FrameNumber, metadata hal.Metadata) {
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
		return
	}
	if mode == nil || mode == uint8(0) {
		delete(metadata, hal.TagFaceDetectMode)
	}
}

func (p *RgbirdResultRequestProcessor) saveLsForHdrplus(request hal.CaptureRequest) {
	if !p.cfg.HdrplusSupported {
		return
	}
	p.lsMu.Lock()
	defer p.lsMu.Unlock()
	if request.Settings != nil {
		if mode, ok := request.Settings[hal.TagLensShadingMapMode]; ok {
			p.currentLensShadingMode = mode
		}
	}
	p.requestedLensShading[request.FrameNumber] = p.currentLensShadingMode
}

func (p *RgbirdResultRequestProcessor) handleLsResultForHdrplus(frame hal.FrameNumber, metadata hal.Metadata) {
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
		return
	}
	if mode == nil || mode == uint8(0) {
		delete(metadata, hal.TagLensShadingMapMode)
	}
}

func (p *RgbirdResultRequestProcessor) AddPendingRequests(_ []hal.ProcessBlockRequest, remainingSessionRequest hal.CaptureRequest) error {
	p.depthMu.Lock()
	for _, ob := range remainingSessionRequest.OutputBuffers {
		if p.hasDepthStream && ob.StreamID == p.depthStreamID {
			p.depthRequests[remainingSessionRequest.FrameNumber] = &pendingDepthRequest{
				request:      remainingSessionRequest,
				inputBuffers: make(map[string]hal.StreamBuffer),
			}
			break
		}
	}
	p.depthMu.Unlock()

	p.saveFdForHdrplus(remainingSessionRequest)
	p.saveLsForHdrplus(remainingSessionRequest)
	return nil
}

// processResultForHdrplus strips the internal RGB RAW buffer out of the
// result, returning it (and its metadata) to the ZSL ring, and undoes the
// forced FD/LS metadata HDR+ needed internally.
func (p *RgbirdResultRequestProcessor) processResultForHdrplus(result *hal.CaptureResult) bool {
	hadInternal := false
	modified := make([]hal.StreamBuffer, 0, len(result.OutputBuffers))
	for _, ob := range result.OutputBuffers {
		if ob.StreamID == p.cfg.RgbRawStreamID {
			hadInternal = true
			p.streamMgr.ReturnFilledBuffer(p.cfg.RgbRawStreamID, result.FrameNumber, ob)
		} else {
			modified = append(modified, ob)
		}
	}
	result.OutputBuffers = modified

	if result.Metadata != nil {
		p.streamMgr.ReturnMetadata(p.cfg.RgbRawStreamID, result.FrameNumber, result.Metadata)
		p.handleFdResultForHdrplus(result.FrameNumber, result.Metadata)
		p.handleLsResultForHdrplus(result.FrameNumber, result.Metadata)
	}
	return hadInternal
}

// tryReturnInternalBufferForDepth returns the RGB internal YUV buffer to
// the stream manager immediately when there is no depth consumer for it
// (no depth stream configured at all).
func (p *RgbirdResultRequestProcessor) tryReturnInternalBufferForDepth(result *hal.CaptureResult) bool {
	hadInternal := false
	modified := make([]hal.StreamBuffer, 0, len(result.OutputBuffers))
	for _, ob := range result.OutputBuffers {
		if p.cfg.HasInternalYuvStream && ob.StreamID == p.cfg.RgbInternalYuvStreamID {
			hadInternal = true
			p.streamMgr.ReturnStreamBuffer(ob)
		} else {
			modified = append(modified, ob)
		}
	}
	result.OutputBuffers = modified
	return hadInternal
}

// verifyAndSubmitDepthRequest checks whether every input this frame's
// depth request needs has arrived and, if so, submits it to the depth
// process block exactly once.
func (p *RgbirdResultRequestProcessor) verifyAndSubmitDepthRequest(frame hal.FrameNumber) error {
	p.depthMu.Lock()
	pending, ok := p.depthRequests[frame]
	if !ok {
		p.depthMu.Unlock()
		return nil
	}

	needed := kNumNonAutocalInputBuffers
	if p.isAutocalRequest(frame) {
		needed = kNumAutocalInputBuffers
	}
	haveRgb := pending.rgbInputMetadata != nil
	haveCount := len(pending.inputBuffers)
	if p.isAutocalRequest(frame) && !haveRgb {
		p.depthMu.Unlock()
		return nil
	}
	if haveCount < needed {
		p.depthMu.Unlock()
		return nil
	}

	req := pending.request
	req.InputBuffers = make([]hal.StreamBuffer, 0, len(pending.inputBuffers))
	for _, buf := range pending.inputBuffers {
		req.InputBuffers = append(req.InputBuffers, buf)
	}
	if pending.rgbInputMetadata != nil {
		req.InputMetadata = []hal.Metadata{pending.rgbInputMetadata}
	}
	delete(p.depthRequests, frame)
	p.depthMu.Unlock()

	return p.ProcessRequest(req)
}

// trySubmitDepthProcessBlockRequest records one camera's contribution to a
// pending depth request and, once complete, triggers submission.
func (p *RgbirdResultRequestProcessor) trySubmitDepthProcessBlockRequest(requestID hal.RequestID, result *hal.CaptureResult) error {
	if !p.hasDepthStream {
		return nil
	}
	cameraID := ""
	switch requestID {
	case hal.Ir1SubRequestID:
		cameraID = p.cfg.Ir1CameraID
	case hal.Ir2SubRequestID:
		cameraID = p.cfg.Ir2CameraID
	case hal.RgbSubRequestID:
		cameraID = p.cfg.RgbCameraID
	}

	updated := false
	p.depthMu.Lock()
	pending, ok := p.depthRequests[result.FrameNumber]
	if ok {
		for _, ob := range result.OutputBuffers {
			if cameraID == p.cfg.Ir1CameraID || cameraID == p.cfg.Ir2CameraID ||
				(cameraID == p.cfg.RgbCameraID && p.cfg.HasInternalYuvStream &&
					ob.StreamID == p.cfg.RgbInternalYuvStreamID && p.isAutocalRequest(result.FrameNumber)) {
				pending.inputBuffers[cameraID] = ob
				updated = true
			}
		}
		if result.Metadata != nil && cameraID == p.cfg.RgbCameraID {
			pending.rgbInputMetadata = result.Metadata.Clone()
			updated = true
		}
	}
	p.depthMu.Unlock()

	if updated {
		return p.verifyAndSubmitDepthRequest(result.FrameNumber)
	}
	return nil
}

func (p *RgbirdResultRequestProcessor) ProcessResult(blockResult hal.ProcessBlockResult) error {
	p.cbMu.Lock()
	cb, set := p.cb, p.set
	p.cbMu.Unlock()
	if !set || cb.ProcessResult == nil {
		return fmt.Errorf("resultproc: rgbird result processor has no callback set, dropping result for frame %d", blockResult.Result.FrameNumber)
	}

	result := blockResult.Result

	hadInternal := false
	if p.cfg.HdrplusSupported {
		hadInternal = p.processResultForHdrplus(&result)
	} else if p.hasDepthStream {
		hadInternal = p.tryReturnInternalBufferForDepth(&result)
	}

	if result.Metadata != nil {
		hal.SetBoolTag(result.Metadata, hal.TagEnableZsl, false)
	}

	if hadInternal && result.Metadata == nil && len(result.OutputBuffers) == 0 && len(result.InputBuffers) == 0 {
		return nil
	}

	p.depthMu.Lock()
	_, stillPending := p.depthRequests[result.FrameNumber]
	p.depthMu.Unlock()
	if p.hasDepthStream && !stillPending {
		modified := make([]hal.StreamBuffer, 0, len(result.OutputBuffers))
		for _, ob := range result.OutputBuffers {
			if p.frameworkStreams[ob.StreamID] {
				modified = append(modified, ob)
			} else {
				p.streamMgr.ReturnStreamBuffer(ob)
			}
		}
		result.OutputBuffers = modified
	}

	if err := p.trySubmitDepthProcessBlockRequest(blockResult.RequestID, &result); err != nil {
		return fmt.Errorf("resultproc: submitting depth process block request for frame %d: %w", result.FrameNumber, err)
	}

	if blockResult.RequestID != hal.RgbSubRequestID {
		return nil
	}

	modified := make([]hal.StreamBuffer, 0, len(result.OutputBuffers))
	for _, ob := range result.OutputBuffers {
		if p.cfg.HasInternalYuvStream && ob.StreamID == p.cfg.RgbInternalYuvStreamID {
			continue
		}
		modified = append(modified, ob)
	}
	result.OutputBuffers = modified

	cb.ProcessResult(result)
	return nil
}

func (p *RgbirdResultRequestProcessor) Notify(blockMessage hal.ProcessBlockNotifyMessage) {
	p.cbMu.Lock()
	cb, set := p.cb, p.set
	p.cbMu.Unlock()
	if !set || cb.Notify == nil {
		return
	}

	if blockMessage.Message.Kind == hal.NotifyShutter && blockMessage.RequestID != hal.RgbSubRequestID {
		// Only the lead camera's shutter reaches the framework.
		return
	}
	cb.Notify(blockMessage.Message)
}

func (p *RgbirdResultRequestProcessor) FlushPendingRequests() error {
	p.depthMu.Lock()
	p.depthRequests = make(map[hal.FrameNumber]*pendingDepthRequest)
	p.depthMu.Unlock()
	return nil
}

// ConfigureStreams, SetProcessBlock, ProcessRequest, and Flush implement
// pipeline.RequestProcessor: this processor is also the sole source of
// requests to the depth process block, assembled from merged IR/RGB
// results rather than the framework's own per-frame requests.

func (p *RgbirdResultRequestProcessor) ConfigureStreams(_ pipeline.StreamRegistrar, streamConfig hal.StreamConfiguration) (pipeline.BlockConfig, error) {
	p.depthMu.Lock()
	defer p.depthMu.Unlock()

	var streams []hal.Stream
	var depthStream hal.Stream
	for _, s := range streamConfig.Streams {
		if s.Direction == hal.StreamOutput {
			if s.Format == hal.PixelFormat(0x101) {
				p.depthStreamID = s.ID
				p.hasDepthStream = true
				depthStream = s
			}
			p.frameworkStreams[s.ID] = true
		} else if s.Direction == hal.StreamInput {
			streams = append(streams, s)
		}
	}

	if p.hasDepthStream {
		streams = append(streams, depthStream)
	}
	return pipeline.BlockConfig{Streams: streams}, nil
}

func (p *RgbirdResultRequestProcessor) SetProcessBlock(pb pipeline.ProcessBlock) error {
	p.pbMu.Lock()
	defer p.pbMu.Unlock()
	if p.pb != nil {
		return fmt.Errorf("resultproc: rgbird depth process block already set")
	}
	p.pb = pb
	return nil
}

func (p *RgbirdResultRequestProcessor) ProcessRequest(request hal.CaptureRequest) error {
	p.pbMu.Lock()
	pb := p.pb
	p.pbMu.Unlock()
	if pb == nil {
		return fmt.Errorf("resultproc: rgbird depth process block not configured")
	}

	blockRequest := hal.ProcessBlockRequest{
		FrameNumber:   request.FrameNumber,
		Settings:      request.Settings.Clone(),
		InputBuffers:  request.InputBuffers,
		InputMetadata: request.InputMetadata,
		OutputBuffers: request.OutputBuffers,
	}
	return pb.ProcessRequests([]hal.ProcessBlockRequest{blockRequest}, request)
}

func (p *RgbirdResultRequestProcessor) Flush() error {
	p.pbMu.Lock()
	pb := p.pb
	p.pbMu.Unlock()
	if pb == nil {
		return nil
	}
	return pb.Flush()
}
