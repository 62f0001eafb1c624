package requestproc

import (
	"fmt"
	"sync"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
)

// DualIrRequestProcessor handles a logical camera made of two IR sensors
// with no depth/HDR+ side channels: every logical stream is assigned to the
// lead camera at configure time, and each request is split by output-buffer
// stream ownership into one physical sub-request per camera.
type DualIrRequestProcessor struct {
	leadCameraID string
	logger       *logging.Logger

	mu                   sync.Mutex
	streamPhysicalCamera map[hal.StreamID]string

	pbMu sync.Mutex
	pb   pipeline.ProcessBlock
}

// NewDualIrRequestProcessor constructs the processor. leadCameraID receives
// every logical (not-yet-physical) stream.
func NewDualIrRequestProcessor(leadCameraID string, logger *logging.Logger) *DualIrRequestProcessor {
	if logger == nil {
		logger = logging.GetLogger("dual-ir-request-processor")
	}
	return &DualIrRequestProcessor{
		leadCameraID:         leadCameraID,
		logger:               logger,
		streamPhysicalCamera: make(map[hal.StreamID]string),
	}
}

func (p *DualIrRequestProcessor) ConfigureStreams(_ pipeline.StreamRegistrar, streamConfig hal.StreamConfiguration) (pipeline.BlockConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	streams := append([]hal.Stream{}, streamConfig.Streams...)
	for i := range streams {
		if streams[i].PhysicalCameraID == "" {
			streams[i].PhysicalCameraID = p.leadCameraID
		}
		p.streamPhysicalCamera[streams[i].ID] = streams[i].PhysicalCameraID
	}
	return pipeline.BlockConfig{Streams: streams}, nil
}

// StreamPhysicalCameraMap returns a copy of the stream-id -> physical-
// camera-id assignment ConfigureStreams built, for a downstream result
// processor that needs to attribute results back to their owning camera.
func (p *DualIrRequestProcessor) StreamPhysicalCameraMap() map[hal.StreamID]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[hal.StreamID]string, len(p.streamPhysicalCamera))
	for k, v := range p.streamPhysicalCamera {
		out[k] = v
	}
	return out
}

func (p *DualIrRequestProcessor) SetProcessBlock(pb pipeline.ProcessBlock) error {
	p.pbMu.Lock()
	defer p.pbMu.Unlock()
	if p.pb != nil {
		return fmt.Errorf("requestproc: dual-ir process block already set")
	}
	p.pb = pb
	return nil
}

func (p *DualIrRequestProcessor) ProcessRequest(request hal.CaptureRequest) error {
	p.pbMu.Lock()
	pb := p.pb
	p.pbMu.Unlock()
	if pb == nil {
		return fmt.Errorf("requestproc: dual-ir process block not configured")
	}

	p.mu.Lock()
	byCamera := make(map[string]*hal.ProcessBlockRequest)
	order := make([]string, 0, 2)
	for _, buf := range request.OutputBuffers {
		cameraID, ok := p.streamPhysicalCamera[buf.StreamID]
		if !ok {
			p.mu.Unlock()
			return fmt.Errorf("requestproc: frame %d: output buffer for unregistered stream %d", request.FrameNumber, buf.StreamID)
		}
		r, exists := byCamera[cameraID]
		if !exists {
			requestID := hal.DualIrSecondSubRequestID
			if cameraID == p.leadCameraID {
				requestID = hal.DualIrLeadSubRequestID
			}
			r = &hal.ProcessBlockRequest{
				RequestID:        requestID,
				FrameNumber:      request.FrameNumber,
				Settings:         request.Settings.Clone(),
				PhysicalCameraID: cameraID,
			}
			byCamera[cameraID] = r
			order = append(order, cameraID)
		}
		r.OutputBuffers = append(r.OutputBuffers, buf)
	}
	p.mu.Unlock()

	blockRequests := make([]hal.ProcessBlockRequest, 0, len(order))
	for _, cameraID := range order {
		blockRequests = append(blockRequests, *byCamera[cameraID])
	}

	return pb.ProcessRequests(blockRequests, request)
}

func (p *DualIrRequestProcessor) Flush() error {
	p.pbMu.Lock()
	pb := p.pb
	p.pbMu.Unlock()
	if pb == nil {
		return nil
	}
	return pb.Flush()
}
