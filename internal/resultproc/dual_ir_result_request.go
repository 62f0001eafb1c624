package resultproc

import (
	"fmt"
	"sync"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
)

type pendingDualIrMetadata struct {
	metadata         hal.Metadata
	physicalMetadata map[string]hal.Metadata // physical camera id -> metadata, nil until received
}

// DualIrResultRequestProcessor is the ResultProcessor for a logical camera
// backed by two physical IR sensors: it merges the lead camera's and the
// second camera's per-frame result metadata into one logical-camera result
// (tagging the lead camera as the active physical id), forwards output
// buffers immediately, and passes through only the lead camera's shutter.
// Its RequestProcessor half (ConfigureStreams/SetProcessBlock/
// ProcessRequest/Flush) is unimplemented: DualIrRequestProcessor
// (internal/requestproc) is this session's sole request-side
// implementation for the two-sensor topology.
type DualIrResultRequestProcessor struct {
	leadCameraID    string
	secondCameraID  string
	streamCameraIDs map[hal.StreamID]string // stream id -> physical camera id (only for physical streams)

	cbMu sync.Mutex
	cb   pipeline.ResultCallbacks
	set  bool

	pendingMu sync.Mutex
	pending   map[hal.FrameNumber]*pendingDualIrMetadata

	logger *logging.Logger
}

// NewDualIrResultRequestProcessor constructs the processor. streamCameraIDs
// maps every physical-camera-owned stream the framework configured to its
// owning camera id (built the way DualIrRequestProcessor's own
// streamPhysicalCamera map is built); logical streams are absent from it.
// secondCameraID is the non-lead physical camera id.
func NewDualIrResultRequestProcessor(leadCameraID, secondCameraID string, streamCameraIDs map[hal.StreamID]string, logger *logging.Logger) *DualIrResultRequestProcessor {
	if logger == nil {
		logger = logging.GetLogger("dual-ir-result-request-processor")
	}
	cids := make(map[hal.StreamID]string, len(streamCameraIDs))
	for k, v := range streamCameraIDs {
		cids[k] = v
	}
	return &DualIrResultRequestProcessor{
		leadCameraID:    leadCameraID,
		secondCameraID:  secondCameraID,
		streamCameraIDs: cids,
		pending:         make(map[hal.FrameNumber]*pendingDualIrMetadata),
		logger:          logger,
	}
}

func (p *DualIrResultRequestProcessor) SetResultCallback(cb pipeline.ResultCallbacks) error {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	if p.set {
		return fmt.Errorf("resultproc: dual-IR result request processor callback already set")
	}
	p.cb = cb
	p.set = true
	return nil
}

func (p *DualIrResultRequestProcessor) physicalCameraFor(streamID hal.StreamID) (string, bool) {
	id, ok := p.streamCameraIDs[streamID]
	return id, ok
}

func (p *DualIrResultRequestProcessor) AddPendingRequests(blockRequests []hal.ProcessBlockRequest, remainingSessionRequest hal.CaptureRequest) error {
	requested := make(map[hal.StreamID]bool)
	for _, br := range blockRequests {
		for _, ob := range br.OutputBuffers {
			requested[ob.StreamID] = true
		}
	}
	for _, ob := range remainingSessionRequest.OutputBuffers {
		if !requested[ob.StreamID] {
			return fmt.Errorf("resultproc: dual-IR result request processor is terminal but stream %d has no block request covering it", ob.StreamID)
		}
	}

	pending := &pendingDualIrMetadata{physicalMetadata: make(map[string]hal.Metadata)}
	for _, br := range blockRequests {
		for _, ob := range br.OutputBuffers {
			if camID, ok := p.physicalCameraFor(ob.StreamID); ok {
				if _, exists := pending.physicalMetadata[camID]; !exists {
					pending.physicalMetadata[camID] = nil
				}
			}
		}
	}

	if len(blockRequests) == 0 {
		return fmt.Errorf("resultproc: dual-IR result request processor got no block requests")
	}
	frame := blockRequests[0].FrameNumber

	p.pendingMu.Lock()
	p.pending[frame] = pending
	p.pendingMu.Unlock()
	return nil
}

// trySendResultMetadataLocked forwards the merged metadata result once the
// logical camera's metadata and every expected physical camera's metadata
// have arrived. Caller must hold pendingMu.
func (p *DualIrResultRequestProcessor) trySendResultMetadataLocked(frame hal.FrameNumber, cb pipeline.ResultCallbacks) {
	pending, ok := p.pending[frame]
	if !ok {
		p.logger.WithFields(logging.Fields{"frame_number": frame}).Warn("dual-IR: can't find pending result for frame")
		return
	}
	if pending.metadata == nil {
		return
	}
	for _, m := range pending.physicalMetadata {
		if m == nil {
			return
		}
	}

	result := hal.CaptureResult{
		FrameNumber:   frame,
		PartialResult: 1,
		Metadata:      pending.metadata,
	}
	for camID, m := range pending.physicalMetadata {
		result.PhysicalMetadata = append(result.PhysicalMetadata, hal.PhysicalCameraMetadata{
			PhysicalCameraID: camID,
			Metadata:         m,
		})
	}

	if cb.ProcessResult != nil {
		cb.ProcessResult(result)
	}
	delete(p.pending, frame)
}

// processResultMetadata merges one physical camera's result metadata into
// the pending logical-camera metadata for this frame.
func (p *DualIrResultRequestProcessor) processResultMetadata(frame hal.FrameNumber, physicalCameraID string, metadata hal.Metadata, cb pipeline.ResultCallbacks) error {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()

	pending, ok := p.pending[frame]
	if !ok {
		return fmt.Errorf("resultproc: dual-IR result request processor: frame %d is not expected", frame)
	}

	if physicalCameraID == p.leadCameraID {
		if pending.metadata != nil {
			return fmt.Errorf("resultproc: already received metadata from lead camera %s for frame %d", physicalCameraID, frame)
		}
		metadata[hal.TagActivePhysicalID] = physicalCameraID
		pending.metadata = metadata
	}

	if _, wanted := pending.physicalMetadata[physicalCameraID]; wanted {
		if pending.physicalMetadata[physicalCameraID] != nil {
			return fmt.Errorf("resultproc: already received physical metadata from camera %s for frame %d", physicalCameraID, frame)
		}
		if physicalCameraID == p.leadCameraID {
			pending.physicalMetadata[physicalCameraID] = pending.metadata.Clone()
		} else {
			pending.physicalMetadata[physicalCameraID] = metadata
		}
	}

	p.trySendResultMetadataLocked(frame, cb)
	return nil
}

func (p *DualIrResultRequestProcessor) ProcessResult(blockResult hal.ProcessBlockResult) error {
	p.cbMu.Lock()
	cb, set := p.cb, p.set
	p.cbMu.Unlock()
	if !set || cb.ProcessResult == nil {
		return fmt.Errorf("resultproc: dual-IR result request processor has no callback set, dropping result for frame %d", blockResult.Result.FrameNumber)
	}

	// DualIrRequestProcessor tags each sub-request's RequestID with a
	// per-camera identity; here we recover which physical camera this
	// result came from the same way.
	camID := p.cameraForRequestID(blockResult.RequestID)

	result := blockResult.Result
	if result.Metadata != nil {
		if err := p.processResultMetadata(result.FrameNumber, camID, result.Metadata, cb); err != nil {
			p.logger.WithError(err).Warn("dual-IR: processing result metadata failed")
		}
		result.Metadata = nil
	}

	if len(result.OutputBuffers) == 0 {
		return nil
	}
	cb.ProcessResult(result)
	return nil
}

// cameraForRequestID maps the well-known per-camera RequestID
// DualIrRequestProcessor tags each sub-request with back to the camera id
// string.
func (p *DualIrResultRequestProcessor) cameraForRequestID(id hal.RequestID) string {
	switch id {
	case hal.DualIrLeadSubRequestID:
		return p.leadCameraID
	case hal.DualIrSecondSubRequestID:
		return p.secondCameraID
	default:
		return ""
	}
}

func (p *DualIrResultRequestProcessor) Notify(blockMessage hal.ProcessBlockNotifyMessage) {
	p.cbMu.Lock()
	cb, set := p.cb, p.set
	p.cbMu.Unlock()
	if !set || cb.Notify == nil {
		p.logger.Warn("dual-IR result request processor has no notify callback set, dropping message")
		return
	}

	camID := p.cameraForRequestID(blockMessage.RequestID)
	if blockMessage.Message.Kind == hal.NotifyShutter && camID != p.leadCameraID {
		return
	}
	cb.Notify(blockMessage.Message)
}

func (p *DualIrResultRequestProcessor) FlushPendingRequests() error {
	p.pendingMu.Lock()
	p.pending = make(map[hal.FrameNumber]*pendingDualIrMetadata)
	p.pendingMu.Unlock()
	return nil
}

// ConfigureStreams, SetProcessBlock, ProcessRequest, and Flush are left
// unimplemented: DualIrRequestProcessor already implements request
// fan-out for this topology, and no chain wires this type as its
// request-side head.

func (p *DualIrResultRequestProcessor) ConfigureStreams(_ pipeline.StreamRegistrar, _ hal.StreamConfiguration) (pipeline.BlockConfig, error) {
	return pipeline.BlockConfig{}, fmt.Errorf("resultproc: dual-IR result request processor's RequestProcessor half is not implemented")
}

func (p *DualIrResultRequestProcessor) SetProcessBlock(_ pipeline.ProcessBlock) error {
	return fmt.Errorf("resultproc: dual-IR result request processor's RequestProcessor half is not implemented")
}

func (p *DualIrResultRequestProcessor) ProcessRequest(_ hal.CaptureRequest) error {
	return fmt.Errorf("resultproc: dual-IR result request processor's RequestProcessor half is not implemented")
}

func (p *DualIrResultRequestProcessor) Flush() error {
	return fmt.Errorf("resultproc: dual-IR result request processor's RequestProcessor half is not implemented")
}
