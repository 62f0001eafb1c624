// Package requestproc implements the four concrete RequestProcessors:
// RealtimeZslRequestProcessor, RgbirdRtRequestProcessor,
// HdrplusRequestProcessor, and DualIrRequestProcessor. Each sits at the
// head of a chain segment and fans a session request into the block
// requests its ProcessBlock consumes.
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

// RealtimeZslRequestProcessor registers one internal full-resolution RAW10
// stream at configure time and, once a preview-intent request has been
// observed, attaches one RAW buffer to every outgoing request so the HDR+
// chain has a ZSL ring to pull from.
type RealtimeZslRequestProcessor struct {
	activeArrayWidth, activeArrayHeight uint32
	hdrMode                             hal.HdrUsageMode

	streamMgr *streammgr.Manager
	logger    *logging.Logger

	mu              sync.Mutex
	rawStreamID     hal.StreamID
	previewIntentSeen bool
	hdrplusZslEnabled bool

	pbMu sync.Mutex
	pb   pipeline.ProcessBlock
}

// NewRealtimeZslRequestProcessor constructs the processor. activeArrayWidth/
// Height size the internal RAW stream; hdrMode comes from camera
// characteristics.
func NewRealtimeZslRequestProcessor(activeArrayWidth, activeArrayHeight uint32, hdrMode hal.HdrUsageMode,
	streamMgr *streammgr.Manager, logger *logging.Logger) *RealtimeZslRequestProcessor {
	if logger == nil {
		logger = logging.GetLogger("realtime-zsl-request-processor")
	}
	return &RealtimeZslRequestProcessor{
		activeArrayWidth:  activeArrayWidth,
		activeArrayHeight: activeArrayHeight,
		hdrMode:           hdrMode,
		streamMgr:         streamMgr,
		logger:            logger,
		hdrplusZslEnabled: hdrMode != hal.HdrUsageModeNonHdrplus,
	}
}

func (p *RealtimeZslRequestProcessor) ConfigureStreams(streamRegistrar pipeline.StreamRegistrar, streamConfig hal.StreamConfiguration) (pipeline.BlockConfig, error) {
	rawStream := hal.Stream{
		Direction: hal.StreamOutput,
		Width:     p.activeArrayWidth,
		Height:    p.activeArrayHeight,
		Format:    hal.PixelFormat(10), // RAW10, opaque vendor numeric space
		Rotation:  hal.Rotation0,
	}
	id, err := streamRegistrar.RegisterNewInternalStream(rawStream)
	if err != nil {
		return pipeline.BlockConfig{}, fmt.Errorf("requestproc: registering internal RAW stream: %w", err)
	}

	p.mu.Lock()
	p.rawStreamID = id
	p.mu.Unlock()

	streams := append([]hal.Stream{}, streamConfig.Streams...)
	rawStream.ID = id
	streams = append(streams, rawStream)
	return pipeline.BlockConfig{Streams: streams}, nil
}

// RawStreamID returns the internal RAW stream id registered by
// ConfigureStreams. Valid only after ConfigureStreams has run; callers that
// need to share this ring with a consumer (HdrplusRequestProcessor,
// HdrplusResultProcessor) must configure this processor first.
func (p *RealtimeZslRequestProcessor) RawStreamID() hal.StreamID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rawStreamID
}

func (p *RealtimeZslRequestProcessor) SetProcessBlock(pb pipeline.ProcessBlock) error {
	p.pbMu.Lock()
	defer p.pbMu.Unlock()
	if p.pb != nil {
		return fmt.Errorf("requestproc: process block already set")
	}
	p.pb = pb
	return nil
}

func (p *RealtimeZslRequestProcessor) ProcessRequest(request hal.CaptureRequest) error {
	p.pbMu.Lock()
	pb := p.pb
	p.pbMu.Unlock()
	if pb == nil {
		return fmt.Errorf("requestproc: not configured yet")
	}

	p.mu.Lock()
	if p.hdrplusZslEnabled && request.Settings != nil && hal.BoolTag(request.Settings, hal.TagThermalThrottling) {
		p.hdrplusZslEnabled = false
		p.logger.Info("HDR+ ZSL disabled due to thermal throttling")
	}
	if !p.previewIntentSeen && request.Settings != nil {
		if intent, ok := request.Settings[hal.TagOutputIntent]; ok {
			if intent == hal.OutputIntentPreview {
				p.previewIntentSeen = true
				p.logger.Info("first request with preview intent, ZSL starts")
			}
		}
	}
	hdrplusZslEnabled := p.hdrplusZslEnabled
	previewIntentSeen := p.previewIntentSeen
	rawStreamID := p.rawStreamID
	p.mu.Unlock()

	blockRequest := hal.ProcessBlockRequest{
		FrameNumber:   request.FrameNumber,
		Settings:      request.Settings.Clone(),
		InputBuffers:  request.InputBuffers,
		InputMetadata: request.InputMetadata,
		OutputBuffers: append([]hal.StreamBuffer{}, request.OutputBuffers...),
	}

	if hdrplusZslEnabled && previewIntentSeen {
		buf, err := p.streamMgr.GetStreamBuffer(context.Background(), rawStreamID)
		if err != nil {
			return fmt.Errorf("requestproc: frame %d: GetStreamBuffer failed: %w", request.FrameNumber, err)
		}
		blockRequest.OutputBuffers = append(blockRequest.OutputBuffers, buf)

		if blockRequest.Settings != nil {
			enableHybridAE := p.hdrMode != hal.HdrUsageModeNonHdrplus
			hal.SetBoolTag(blockRequest.Settings, hal.TagHybridAeEnabled, enableHybridAE)
			if p.hdrMode != hal.HdrUsageModeHdrplus {
				blockRequest.Settings[hal.TagProcessingMode] = hal.ProcessingModeIntermediate
			}
		}
	}

	return pb.ProcessRequests([]hal.ProcessBlockRequest{blockRequest}, request)
}

func (p *RealtimeZslRequestProcessor) Flush() error {
	p.pbMu.Lock()
	pb := p.pb
	p.pbMu.Unlock()
	if pb == nil {
		return nil
	}
	return pb.Flush()
}
