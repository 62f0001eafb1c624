package requestproc

import (
	"fmt"
	"sync"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
	"github.com/camerarecorder/multicam-hal/internal/streammgr"
)

// jpegTags are stripped from the per-frame input metadata pulled out of the
// ZSL ring before it is handed to the HDR+ burst pipeline: JPEG encode
// parameters on a RAW payload frame are meaningless and, worse, can leak a
// stale orientation/quality setting into the merged result.
var jpegTags = []string{
	"jpeg.thumbnailSize",
	"jpeg.orientation",
	"jpeg.quality",
	"jpeg.thumbnailQuality",
	"jpeg.gpsCoordinates",
	"jpeg.gpsProcessingMethod",
	"jpeg.gpsTimestamp",
}

// HdrplusRequestProcessor pulls the most recent payloadFrames RAW buffers
// (and their per-frame metadata) out of the realtime ZSL ring and submits
// them as the single input to one HDR+ burst request.
type HdrplusRequestProcessor struct {
	activeArrayWidth, activeArrayHeight uint32
	payloadFrames                       uint32
	rawStreamID                         hal.StreamID

	streamMgr *streammgr.Manager
	logger    *logging.Logger

	mu sync.Mutex

	pbMu sync.Mutex
	pb   pipeline.ProcessBlock
}

// NewHdrplusRequestProcessor constructs the processor. payloadFrames comes
// from camera characteristics and must be > 0. rawStreamID is the internal
// RAW stream id the realtime ZSL chain registered and fills: this
// processor is a consumer of that ring, never a second producer of one.
func NewHdrplusRequestProcessor(activeArrayWidth, activeArrayHeight, payloadFrames uint32, rawStreamID hal.StreamID,
	streamMgr *streammgr.Manager, logger *logging.Logger) (*HdrplusRequestProcessor, error) {
	if payloadFrames == 0 {
		return nil, fmt.Errorf("requestproc: hdrplus payload_frames must be > 0")
	}
	if logger == nil {
		logger = logging.GetLogger("hdrplus-request-processor")
	}
	return &HdrplusRequestProcessor{
		activeArrayWidth:  activeArrayWidth,
		activeArrayHeight: activeArrayHeight,
		payloadFrames:     payloadFrames,
		rawStreamID:       rawStreamID,
		streamMgr:         streamMgr,
		logger:            logger,
	}, nil
}

// ConfigureStreams declares the shared internal RAW stream as this block's
// input; the stream itself was already registered by whichever processor
// owns its production (RealtimeZslRequestProcessor).
func (p *HdrplusRequestProcessor) ConfigureStreams(_ pipeline.StreamRegistrar, streamConfig hal.StreamConfiguration) (pipeline.BlockConfig, error) {
	rawStream := hal.Stream{
		ID:        p.rawStreamID,
		Direction: hal.StreamInput,
		Width:     p.activeArrayWidth,
		Height:    p.activeArrayHeight,
		Format:    hal.PixelFormat(10), // RAW10
		Rotation:  hal.Rotation0,
	}
	streams := append([]hal.Stream{}, streamConfig.Streams...)
	streams = append(streams, rawStream)
	return pipeline.BlockConfig{Streams: streams}, nil
}

func (p *HdrplusRequestProcessor) SetProcessBlock(pb pipeline.ProcessBlock) error {
	p.pbMu.Lock()
	defer p.pbMu.Unlock()
	if p.pb != nil {
		return fmt.Errorf("requestproc: hdrplus process block already set")
	}
	p.pb = pb
	return nil
}

// isReadyForNextRequest reports whether no ZSL entry of this stream is
// still pinned by an earlier HDR+ request; whether enough filled entries
// exist is checked afterwards by GetMostRecentStreamBuffer.
func (p *HdrplusRequestProcessor) isReadyForNextRequest() bool {
	p.mu.Lock()
	rawStreamID := p.rawStreamID
	p.mu.Unlock()
	return p.streamMgr.IsPendingBufferEmpty(rawStreamID)
}

func removeJpegMetadata(metadata []hal.Metadata) {
	for _, m := range metadata {
		if m == nil {
			continue
		}
		for _, tag := range jpegTags {
			delete(m, tag)
		}
	}
}

func (p *HdrplusRequestProcessor) ProcessRequest(request hal.CaptureRequest) error {
	p.pbMu.Lock()
	pb := p.pb
	p.pbMu.Unlock()
	if pb == nil {
		return fmt.Errorf("requestproc: hdrplus process block not configured")
	}

	if !p.isReadyForNextRequest() {
		return fmt.Errorf("requestproc: hdrplus ZSL ring for frame %d still has entries pinned by an earlier request", request.FrameNumber)
	}

	p.mu.Lock()
	rawStreamID := p.rawStreamID
	p.mu.Unlock()

	inputBuffers, inputMetadata, err := p.streamMgr.GetMostRecentStreamBuffer(rawStreamID, p.payloadFrames)
	if err != nil {
		return fmt.Errorf("requestproc: frame %d: GetMostRecentStreamBuffer failed: %w", request.FrameNumber, err)
	}
	removeJpegMetadata(inputMetadata)

	blockRequest := hal.ProcessBlockRequest{
		FrameNumber:   request.FrameNumber,
		Settings:      request.Settings.Clone(),
		InputBuffers:  inputBuffers,
		InputMetadata: inputMetadata,
		OutputBuffers: append([]hal.StreamBuffer{}, request.OutputBuffers...),
	}

	p.logger.WithFields(logging.Fields{"frame_number": request.FrameNumber}).Debug("submitting HDR+ burst request")
	return pb.ProcessRequests([]hal.ProcessBlockRequest{blockRequest}, request)
}

func (p *HdrplusRequestProcessor) Flush() error {
	p.pbMu.Lock()
	pb := p.pb
	p.pbMu.Unlock()
	if pb == nil {
		return nil
	}
	return pb.Flush()
}
