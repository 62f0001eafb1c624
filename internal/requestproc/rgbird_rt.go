package requestproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
	"github.com/camerarecorder/multicam-hal/internal/streammgr"
)

const (
	kAutocalFrameNumber      = 5
	kDefaultYuvStreamWidth   = 640
	kDefaultYuvStreamHeight  = 480
)

// RgbirdRtRequestProcessor fans one logical-camera framework request into
// up to three physical-camera block requests for the three-sensor
// topology: one RGB sensor and two IR sensors.
type RgbirdRtRequestProcessor struct {
	rgbCameraID, ir1CameraID, ir2CameraID string

	rgbActiveArrayWidth, rgbActiveArrayHeight uint32
	hdrplusSupported                          bool
	autocalEnabled                            bool

	streamMgr *streammgr.Manager
	logger    *logging.Logger

	mu                sync.Mutex
	irRawStreamID      [2]hal.StreamID
	rgbYuvStreamID     hal.StreamID
	rgbRawStreamID     hal.StreamID
	depthStreamID      hal.StreamID
	hasDepthStreamID   bool
	previewIntentSeen  bool
	hdrplusZslEnabled  bool
	isAutocalSession   bool
	autocalTriggered   bool

	pbMu sync.Mutex
	pb   pipeline.ProcessBlock
}

// NewRgbirdRtRequestProcessor constructs the processor. autocalEnabled
// comes from vendor characteristics.
func NewRgbirdRtRequestProcessor(rgbCameraID, ir1CameraID, ir2CameraID string,
	rgbActiveArrayWidth, rgbActiveArrayHeight uint32, hdrplusSupported, autocalEnabled bool,
	streamMgr *streammgr.Manager, logger *logging.Logger) *RgbirdRtRequestProcessor {
	if logger == nil {
		logger = logging.GetLogger("rgbird-rt-request-processor")
	}
	return &RgbirdRtRequestProcessor{
		rgbCameraID:           rgbCameraID,
		ir1CameraID:           ir1CameraID,
		ir2CameraID:           ir2CameraID,
		rgbActiveArrayWidth:   rgbActiveArrayWidth,
		rgbActiveArrayHeight:  rgbActiveArrayHeight,
		hdrplusSupported:      hdrplusSupported,
		autocalEnabled:        autocalEnabled,
		hdrplusZslEnabled:     hdrplusSupported,
		streamMgr:             streamMgr,
		logger:                logger,
	}
}

// IsAutocalSession reports whether this session should run RGB-IR auto
// calibration at all (a property of the session, not every request).
func (p *RgbirdRtRequestProcessor) IsAutocalSession() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isAutocalSession
}

// isAutocalRequest reports whether frameNumber is the designated auto-cal
// request within an auto-cal session: fired exactly once, at a fixed frame
// offset, mirroring IsAutocalRequest's kAutocalFrameNumber gate.
func (p *RgbirdRtRequestProcessor) isAutocalRequest(frameNumber hal.FrameNumber) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isAutocalSession || p.autocalTriggered {
		return false
	}
	if uint32(frameNumber) != kAutocalFrameNumber {
		return false
	}
	p.autocalTriggered = true
	return true
}

func (p *RgbirdRtRequestProcessor) createDepthInternalStreams(streamRegistrar pipeline.StreamRegistrar) ([]hal.Stream, error) {
	yuvStream := hal.Stream{
		Direction:        hal.StreamOutput,
		Width:            kDefaultYuvStreamWidth,
		Height:           kDefaultYuvStreamHeight,
		Format:           hal.PixelFormat(35), // YCbCr_420_888
		Rotation:         hal.Rotation0,
		PhysicalCameraID: p.rgbCameraID,
	}
	yuvID, err := streamRegistrar.RegisterNewInternalStream(yuvStream)
	if err != nil {
		return nil, fmt.Errorf("requestproc: registering rgbird depth YUV stream: %w", err)
	}
	yuvStream.ID = yuvID

	irStreams := [2]hal.Stream{}
	irIDs := [2]hal.StreamID{}
	physicalIDs := [2]string{p.ir1CameraID, p.ir2CameraID}
	for i := 0; i < 2; i++ {
		irStreams[i] = hal.Stream{
			Direction:        hal.StreamOutput,
			Width:            640,
			Height:           480,
			Format:           hal.PixelFormat(32), // Y8
			Rotation:         hal.Rotation0,
			PhysicalCameraID: physicalIDs[i],
		}
		id, err := streamRegistrar.RegisterNewInternalStream(irStreams[i])
		if err != nil {
			return nil, fmt.Errorf("requestproc: registering rgbird IR stream %d: %w", i, err)
		}
		irStreams[i].ID = id
		irIDs[i] = id
	}

	p.mu.Lock()
	p.rgbYuvStreamID = yuvID
	p.irRawStreamID = irIDs
	p.mu.Unlock()

	return []hal.Stream{yuvStream, irStreams[0], irStreams[1]}, nil
}

func (p *RgbirdRtRequestProcessor) registerHdrplusInternalRaw(streamRegistrar pipeline.StreamRegistrar) (hal.Stream, error) {
	rawStream := hal.Stream{
		Direction:        hal.StreamOutput,
		Width:            p.rgbActiveArrayWidth,
		Height:           p.rgbActiveArrayHeight,
		Format:           hal.PixelFormat(10), // RAW10
		Rotation:         hal.Rotation0,
		PhysicalCameraID: p.rgbCameraID,
	}
	id, err := streamRegistrar.RegisterNewInternalStream(rawStream)
	if err != nil {
		return hal.Stream{}, fmt.Errorf("requestproc: registering rgbird HDR+ RAW stream: %w", err)
	}
	rawStream.ID = id

	p.mu.Lock()
	p.rgbRawStreamID = id
	p.mu.Unlock()
	return rawStream, nil
}

func (p *RgbirdRtRequestProcessor) ConfigureStreams(streamRegistrar pipeline.StreamRegistrar, streamConfig hal.StreamConfiguration) (pipeline.BlockConfig, error) {
	var streams []hal.Stream

	if p.hdrplusSupported {
		rawStream, err := p.registerHdrplusInternalRaw(streamRegistrar)
		if err != nil {
			return pipeline.BlockConfig{}, err
		}
		streams = append(streams, rawStream)
	}

	hasDepthStream := false
	for _, s := range streamConfig.Streams {
		if s.Format == hal.PixelFormat(0x101) { // depth16, opaque vendor marker
			hasDepthStream = true
			p.mu.Lock()
			p.depthStreamID = s.ID
			p.hasDepthStreamID = true
			p.mu.Unlock()
			continue
		}
		pbStream := s
		if pbStream.PhysicalCameraID == "" {
			pbStream.PhysicalCameraID = p.rgbCameraID
		}
		streams = append(streams, pbStream)
	}

	if hasDepthStream {
		depthStreams, err := p.createDepthInternalStreams(streamRegistrar)
		if err != nil {
			return pipeline.BlockConfig{}, err
		}
		streams = append(streams, depthStreams...)
	}

	p.mu.Lock()
	p.isAutocalSession = hasDepthStream && p.autocalEnabled
	p.mu.Unlock()

	return pipeline.BlockConfig{Streams: streams}, nil
}

// RgbRawStreamID returns the internal HDR+ RAW ring's stream id, valid
// after ConfigureStreams when hdrplusSupported was set at construction.
func (p *RgbirdRtRequestProcessor) RgbRawStreamID() hal.StreamID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rgbRawStreamID
}

// RgbYuvStreamID returns the internal depth-sync YUV stream's id, valid
// after ConfigureStreams when a depth stream was present in the session's
// configuration.
func (p *RgbirdRtRequestProcessor) RgbYuvStreamID() hal.StreamID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rgbYuvStreamID
}

// IrRawStreamIDs returns the two internal IR Y8 stream ids, in (IR1, IR2)
// order, valid after ConfigureStreams when a depth stream was configured.
func (p *RgbirdRtRequestProcessor) IrRawStreamIDs() [2]hal.StreamID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.irRawStreamID
}

// HasDepthStream reports whether the session's configuration carried a
// depth output stream, set by ConfigureStreams.
func (p *RgbirdRtRequestProcessor) HasDepthStream() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasDepthStreamID
}

// DepthStreamID returns the framework-visible depth stream's id and
// whether one is configured.
func (p *RgbirdRtRequestProcessor) DepthStreamID() (hal.StreamID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.depthStreamID, p.hasDepthStreamID
}

func (p *RgbirdRtRequestProcessor) SetProcessBlock(pb pipeline.ProcessBlock) error {
	p.pbMu.Lock()
	defer p.pbMu.Unlock()
	if p.pb != nil {
		return fmt.Errorf("requestproc: rgbird process block already set")
	}
	p.pb = pb
	return nil
}

// addIrRawProcessBlockRequest builds the IR sub-request for one of the two
// IR cameras: no input buffers/metadata, a forced narrow crop region (a
// logical-camera-sized crop region makes the IR pipeline complain on
// every frame), and one Y8 output buffer.
func (p *RgbirdRtRequestProcessor) addIrRawProcessBlockRequest(request hal.CaptureRequest, cameraID string) (hal.ProcessBlockRequest, error) {
	p.mu.Lock()
	var streamID hal.StreamID
	switch cameraID {
	case p.ir1CameraID:
		streamID = p.irRawStreamID[0]
	case p.ir2CameraID:
		streamID = p.irRawStreamID[1]
	default:
		p.mu.Unlock()
		return hal.ProcessBlockRequest{}, fmt.Errorf("requestproc: unknown IR camera id %q", cameraID)
	}
	p.mu.Unlock()

	settings := request.Settings.Clone()
	if settings != nil {
		if _, ok := settings[hal.TagScalerCropRegion]; ok {
			settings[hal.TagScalerCropRegion] = hal.CropRegion{0, 0, 640, 480}
		}
	}

	buf, err := p.streamMgr.GetStreamBuffer(context.Background(), streamID)
	if err != nil {
		return hal.ProcessBlockRequest{}, fmt.Errorf("requestproc: frame %d: getting IR stream buffer for camera %s: %w", request.FrameNumber, cameraID, err)
	}

	requestID := hal.Ir1SubRequestID
	if cameraID == p.ir2CameraID {
		requestID = hal.Ir2SubRequestID
	}

	return hal.ProcessBlockRequest{
		RequestID:        requestID,
		FrameNumber:      request.FrameNumber,
		Settings:         settings,
		OutputBuffers:    []hal.StreamBuffer{buf},
		PhysicalCameraID: cameraID,
	}, nil
}

func (p *RgbirdRtRequestProcessor) tryAddDepthInternalYuvOutput(blockRequest *hal.ProcessBlockRequest) error {
	p.mu.Lock()
	streamID := p.rgbYuvStreamID
	p.mu.Unlock()
	buf, err := p.streamMgr.GetStreamBuffer(context.Background(), streamID)
	if err != nil {
		return fmt.Errorf("requestproc: getting depth YUV stream buffer: %w", err)
	}
	blockRequest.OutputBuffers = append(blockRequest.OutputBuffers, buf)
	return nil
}

func (p *RgbirdRtRequestProcessor) tryAddHdrplusRawOutput(blockRequest *hal.ProcessBlockRequest, request hal.CaptureRequest) error {
	p.mu.Lock()
	if !p.previewIntentSeen && request.Settings != nil {
		if intent, ok := request.Settings[hal.TagOutputIntent]; ok && intent == hal.OutputIntentPreview {
			p.previewIntentSeen = true
			p.logger.Info("first request with preview intent, rgbird ZSL starts")
		}
	}
	previewIntentSeen := p.previewIntentSeen
	streamID := p.rgbRawStreamID
	p.mu.Unlock()

	if !previewIntentSeen {
		return nil
	}
	buf, err := p.streamMgr.GetStreamBuffer(context.Background(), streamID)
	if err != nil {
		return fmt.Errorf("requestproc: frame %d: getting HDR+ RAW stream buffer: %w", request.FrameNumber, err)
	}
	blockRequest.OutputBuffers = append(blockRequest.OutputBuffers, buf)
	return nil
}

func (p *RgbirdRtRequestProcessor) tryAddRgbProcessBlockRequest(request hal.CaptureRequest) (*hal.ProcessBlockRequest, error) {
	p.mu.Lock()
	depthStreamID := p.depthStreamID
	hasDepthStreamID := p.hasDepthStreamID
	p.mu.Unlock()

	var outputBuffers []hal.StreamBuffer
	for _, ob := range request.OutputBuffers {
		if !hasDepthStreamID || ob.StreamID != depthStreamID {
			outputBuffers = append(outputBuffers, ob)
		}
	}

	if request.Settings != nil && hal.BoolTag(request.Settings, hal.TagThermalThrottling) {
		p.mu.Lock()
		if p.hdrplusZslEnabled {
			p.hdrplusZslEnabled = false
			p.logger.Info("HDR+ ZSL disabled due to thermal throttling")
		}
		p.mu.Unlock()
	}

	blockRequest := hal.ProcessBlockRequest{OutputBuffers: outputBuffers, PhysicalCameraID: p.rgbCameraID}

	p.mu.Lock()
	hdrplusZslEnabled := p.hdrplusZslEnabled
	p.mu.Unlock()

	if hdrplusZslEnabled {
		if err := p.tryAddHdrplusRawOutput(&blockRequest, request); err != nil {
			return nil, err
		}
	} else if len(blockRequest.OutputBuffers) == 0 || p.isAutocalRequest(request.FrameNumber) {
		if err := p.tryAddDepthInternalYuvOutput(&blockRequest); err != nil {
			return nil, err
		}
	}

	if len(blockRequest.OutputBuffers) == 0 {
		// Nothing for the RGB pipeline to do this frame (e.g. a depth-only
		// request that found no internal stream to fill).
		return nil, nil
	}

	blockRequest.RequestID = hal.RgbSubRequestID
	blockRequest.FrameNumber = request.FrameNumber
	blockRequest.Settings = request.Settings.Clone()
	blockRequest.InputBuffers = request.InputBuffers
	blockRequest.InputMetadata = request.InputMetadata
	return &blockRequest, nil
}

func (p *RgbirdRtRequestProcessor) ProcessRequest(request hal.CaptureRequest) error {
	p.pbMu.Lock()
	pb := p.pb
	p.pbMu.Unlock()
	if pb == nil {
		return fmt.Errorf("requestproc: rgbird process block not configured")
	}

	blockRequests := []hal.ProcessBlockRequest{}

	rgbRequest, err := p.tryAddRgbProcessBlockRequest(request)
	if err != nil {
		return fmt.Errorf("requestproc: adding rgb sub-request for frame %d: %w", request.FrameNumber, err)
	}
	if rgbRequest != nil {
		blockRequests = append(blockRequests, *rgbRequest)
	}

	p.mu.Lock()
	hasDepthStreamID := p.hasDepthStreamID
	p.mu.Unlock()

	if hasDepthStreamID {
		for _, camID := range [2]string{p.ir1CameraID, p.ir2CameraID} {
			irRequest, err := p.addIrRawProcessBlockRequest(request, camID)
			if err != nil {
				return fmt.Errorf("requestproc: adding IR sub-request for frame %d, camera %s: %w", request.FrameNumber, camID, err)
			}
			blockRequests = append(blockRequests, irRequest)
		}
	}

	return pb.ProcessRequests(blockRequests, request)
}

func (p *RgbirdRtRequestProcessor) Flush() error {
	p.pbMu.Lock()
	pb := p.pb
	p.pbMu.Unlock()
	if pb == nil {
		return nil
	}
	return pb.Flush()
}
