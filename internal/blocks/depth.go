package blocks

import (
	"fmt"
	"sync"

	"github.com/camerarecorder/multicam-hal/internal/depthgen"
	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
)

// DepthGenerator is an alias of depthgen.Generator, the plugin contract
// this block drives.
type DepthGenerator = depthgen.Generator

// DepthProcessBlock is the offline block that hands each depth request to
// the depth generator plugin, submits (synchronously or asynchronously per
// a runtime toggle), and, before submission, rescales the crop-region
// metadata by the logical->IR sensor active-array ratio. The request info
// it builds carries only the frame number and the adjusted settings: the
// YUV/IR input buffers and the depth output buffer are not mapped into the
// plugin's buffer planes, and the result hands the request's buffers back
// unchanged apart from the depth buffer's status.
type DepthProcessBlock struct {
	depthStreamID hal.StreamID
	synchronous   bool

	logicalToIRRatio float64
	irActiveWidth    int32
	irActiveHeight   int32

	logger *logging.Logger

	genMu sync.Mutex
	gen   DepthGenerator

	configMu   sync.Mutex
	configured bool
	halStreams []hal.HalStream

	rpMu sync.Mutex
	rp   pipeline.ResultProcessor

	pendingMu sync.Mutex
	pending   map[hal.FrameNumber]hal.ProcessBlockRequest
}

// NewDepthProcessBlock constructs a depth block bound to an already-loaded
// plugin generator. synchronous selects SubmitBlockingDepthRequest (true)
// or SubmitAsyncDepthRequest (false) semantics.
func NewDepthProcessBlock(gen DepthGenerator, depthStreamID hal.StreamID, synchronous bool,
	logicalToIRRatio float64, irActiveWidth, irActiveHeight int32, logger *logging.Logger) *DepthProcessBlock {
	if logger == nil {
		logger = logging.GetLogger("depth-process-block")
	}
	b := &DepthProcessBlock{
		gen:              gen,
		depthStreamID:    depthStreamID,
		synchronous:      synchronous,
		logicalToIRRatio: logicalToIRRatio,
		irActiveWidth:    irActiveWidth,
		irActiveHeight:   irActiveHeight,
		logger:           logger,
		pending:          make(map[hal.FrameNumber]hal.ProcessBlockRequest),
	}
	gen.SetResultCallback(b.onPluginResult)
	return b
}

func (b *DepthProcessBlock) ConfigureStreams(blockConfig pipeline.BlockConfig, _ pipeline.OverallConfig) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if b.configured {
		return fmt.Errorf("blocks: depth process block already configured")
	}
	// The depth output stream is synthesized here (it is the only stream
	// this block owns); input streams are whatever internal streams the
	// upstream request processor registered and wired as this block's
	// inputs, carried informationally in blockConfig.Streams.
	b.halStreams = []hal.HalStream{{ID: b.depthStreamID, MaxBuffers: 1}}
	_ = blockConfig
	b.configured = true
	return nil
}

func (b *DepthProcessBlock) SetResultProcessor(rp pipeline.ResultProcessor) error {
	b.rpMu.Lock()
	defer b.rpMu.Unlock()
	if b.rp != nil {
		return fmt.Errorf("blocks: depth result processor already set")
	}
	b.rp = rp
	return nil
}

func (b *DepthProcessBlock) GetConfiguredHalStreams() ([]hal.HalStream, error) {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if !b.configured {
		return nil, fmt.Errorf("blocks: depth process block not configured")
	}
	return b.halStreams, nil
}

// updateCropRegion rescales the ANDROID-style scaler crop region tag by the
// logical->IR active-array ratio and stores the result under
// TagNonWarpedCropRegion in a clone of settings, leaving the scaler crop
// region itself unchanged; ported from
// DepthProcessBlock::UpdateCropRegion.
func (b *DepthProcessBlock) updateCropRegion(settings hal.Metadata) hal.Metadata {
	if settings == nil {
		return nil
	}
	raw, ok := settings[hal.TagScalerCropRegion]
	if !ok {
		return settings
	}
	crop, ok := raw.(hal.CropRegion)
	if !ok {
		return settings
	}
	scaled := hal.ScaleCropRegion(crop, b.logicalToIRRatio, b.irActiveWidth, b.irActiveHeight)
	out := settings.Clone()
	out[hal.TagNonWarpedCropRegion] = scaled
	return out
}

func (b *DepthProcessBlock) ProcessRequests(blockRequests []hal.ProcessBlockRequest, remainingSessionRequest hal.CaptureRequest) error {
	if len(blockRequests) != 1 {
		return fmt.Errorf("blocks: depth process block only supports a single request, got %d", len(blockRequests))
	}

	b.rpMu.Lock()
	rp := b.rp
	b.rpMu.Unlock()
	if rp == nil {
		return fmt.Errorf("blocks: depth result processor not set")
	}
	if err := rp.AddPendingRequests(blockRequests, remainingSessionRequest); err != nil {
		return fmt.Errorf("blocks: forwarding pending depth request: %w", err)
	}

	b.configMu.Lock()
	configured := b.configured
	b.configMu.Unlock()
	if !configured {
		return fmt.Errorf("blocks: depth process block not configured")
	}

	req := blockRequests[0]
	settings := b.updateCropRegion(req.Settings)

	b.pendingMu.Lock()
	b.pending[req.FrameNumber] = req
	b.pendingMu.Unlock()

	info := depthgen.RequestInfo{
		FrameNumber: uint32(req.FrameNumber),
		Settings:    settings,
	}

	b.genMu.Lock()
	gen := b.gen
	b.genMu.Unlock()

	var err error
	if b.synchronous {
		err = gen.ExecuteProcessRequest(info)
	} else {
		err = gen.EnqueueProcessRequest(info)
	}
	if err != nil {
		b.pendingMu.Lock()
		delete(b.pending, req.FrameNumber)
		b.pendingMu.Unlock()
		return fmt.Errorf("blocks: depth generator rejected frame %d: %w", req.FrameNumber, err)
	}

	if b.synchronous {
		b.onPluginResult(depthgen.ResultOK, uint32(req.FrameNumber))
	}
	return nil
}

// onPluginResult is the plugin's completion callback: it may run on a
// thread the plugin owns, per depth_types.h's contract ("must be invoked by
// a thread different from the thread that enqueues the request").
func (b *DepthProcessBlock) onPluginResult(status depthgen.ResultStatus, frameNumber uint32) {
	frame := hal.FrameNumber(frameNumber)

	b.pendingMu.Lock()
	req, ok := b.pending[frame]
	delete(b.pending, frame)
	b.pendingMu.Unlock()
	if !ok {
		b.logger.WithFields(logging.Fields{"frame_number": frame}).Warn("depth result for unknown pending frame, dropping")
		return
	}

	result := hal.CaptureResult{
		FrameNumber:   frame,
		OutputBuffers: req.OutputBuffers,
		InputBuffers:  req.InputBuffers,
	}
	if status != depthgen.ResultOK {
		for i := range result.OutputBuffers {
			if result.OutputBuffers[i].StreamID == b.depthStreamID {
				result.OutputBuffers[i].Status = hal.BufferStatusError
			}
		}
	}

	b.rpMu.Lock()
	rp := b.rp
	b.rpMu.Unlock()
	if rp == nil {
		return
	}
	if err := rp.ProcessResult(hal.ProcessBlockResult{Result: result}); err != nil {
		b.logger.WithError(err).Warn("depth result processor rejected result")
	}
}

func (b *DepthProcessBlock) Flush() error {
	b.pendingMu.Lock()
	frames := make([]hal.FrameNumber, 0, len(b.pending))
	for f := range b.pending {
		frames = append(frames, f)
	}
	b.pendingMu.Unlock()

	for _, f := range frames {
		b.onPluginResult(depthgen.ResultError, uint32(f))
	}
	return nil
}
