package session

import (
	"context"
	"fmt"

	"github.com/camerarecorder/multicam-hal/internal/blocks"
	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
	"github.com/camerarecorder/multicam-hal/internal/requestproc"
	"github.com/camerarecorder/multicam-hal/internal/resultproc"
)

// HdrModeHdrplus mirrors HdrMode::kHdrplusMode: when the camera's HDR
// handling is already done by the HDR+ pipeline itself, the session skips
// the HWL's generic FilterResultMetadata pass on result metadata.
const HdrModeHdrplus = hal.HdrUsageModeHdrplus

// hdrplusSupported gates HdrplusCaptureSession on a single physical
// camera, a bayer sensor, and a positive HDR+ payload-frame count.
// Finer per-stream-type classification (JPEG/YUV/video/depth/raw) has no
// equivalent in the opaque Stream model and is left to the device
// session's stream-configuration validation upstream of session
// selection.
func hdrplusSupported(deps Deps) bool {
	if len(deps.PhysicalCameraIDs) > 1 {
		return false
	}
	if !deps.BayerCamera {
		return false
	}
	if deps.HdrplusPayloadFrames == 0 {
		return false
	}
	if deps.StreamConfig.OperationMode != 0 {
		return false
	}
	return true
}

// HdrplusCaptureSession runs two process chains against one camera: the
// realtime ZSL chain (always running, filling the internal RAW ring every
// frame) and the offline HDR+ burst chain (pulled from that same ring on
// still-capture requests).
type HdrplusCaptureSession struct {
	*resultRouter

	cameraID           string
	hasPreviewStream   bool
	halPreviewStreamID hal.StreamID
	hdrMode            hal.HdrUsageMode

	realtimeRequestProcessor *requestproc.RealtimeZslRequestProcessor
	hdrplusRequestProcessor  *requestproc.HdrplusRequestProcessor

	halStreams []hal.HalStream
	logger     *logging.Logger
}

func createHdrplus(deps Deps, resultCB pipeline.ResultCallback, notify pipeline.NotifyCallback) (CaptureSession, error) {
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("session: hdrplus capture session requires a configured pipeline")
	}
	logger := deps.logger("hdrplus-capture-session")

	router, err := newResultRouter(resultCB, notify, logger)
	if err != nil {
		return nil, err
	}

	// Realtime ZSL chain: request processor registers the internal RAW
	// ring, process block submits to the HWL pipeline, result processor
	// fills the ring and forwards ordinary results.
	realtimeBlock := blocks.NewRealtimeProcessBlock(deps.CameraID, deps.Pipeline, logger)
	realtimeRP := requestproc.NewRealtimeZslRequestProcessor(deps.ActiveArrayWidth, deps.ActiveArrayHeight, deps.HdrMode, deps.StreamMgr, logger)
	realtimeBlockConfig, err := realtimeRP.ConfigureStreams(deps.StreamMgr, deps.StreamConfig)
	if err != nil {
		return nil, fmt.Errorf("session: hdrplus capture session: configuring realtime streams: %w", err)
	}
	rawStreamID := realtimeRP.RawStreamID()

	realtimeResultProc := resultproc.NewRealtimeZslResultProcessor(deps.StreamMgr, rawStreamID, logger)
	if err := realtimeResultProc.SetResultCallback(router.callbacks()); err != nil {
		return nil, err
	}
	if err := realtimeBlock.SetResultProcessor(realtimeResultProc); err != nil {
		return nil, err
	}
	if err := realtimeBlock.ConfigureStreams(realtimeBlockConfig, pipeline.OverallConfig{StreamConfig: deps.StreamConfig}); err != nil {
		return nil, fmt.Errorf("session: hdrplus capture session: configuring realtime process block: %w", err)
	}
	if err := realtimeRP.SetProcessBlock(realtimeBlock); err != nil {
		return nil, err
	}

	realtimeHalStreams, err := realtimeBlock.GetConfiguredHalStreams()
	if err != nil {
		return nil, fmt.Errorf("session: hdrplus capture session: %w", err)
	}
	if err := allocateRawRing(deps, rawStreamID, realtimeHalStreams); err != nil {
		return nil, err
	}

	// HDR+ burst chain: shares the same rawStreamID as a consumer, never
	// registering a stream of its own.
	hdrplusBlock := blocks.NewHdrplusProcessBlock(deps.CameraID, deps.Pipeline, logger)
	hdrplusRP, err := requestproc.NewHdrplusRequestProcessor(deps.ActiveArrayWidth, deps.ActiveArrayHeight,
		deps.HdrplusPayloadFrames, rawStreamID, deps.StreamMgr, logger)
	if err != nil {
		return nil, fmt.Errorf("session: hdrplus capture session: %w", err)
	}
	hdrplusBlockConfig, err := hdrplusRP.ConfigureStreams(deps.StreamMgr, deps.StreamConfig)
	if err != nil {
		return nil, fmt.Errorf("session: hdrplus capture session: configuring hdrplus streams: %w", err)
	}

	hdrplusResultProc := resultproc.NewHdrplusResultProcessor(deps.StreamMgr, rawStreamID, logger)
	if err := hdrplusResultProc.SetResultCallback(router.callbacks()); err != nil {
		return nil, err
	}
	if err := hdrplusBlock.SetResultProcessor(hdrplusResultProc); err != nil {
		return nil, err
	}
	if err := hdrplusBlock.ConfigureStreams(hdrplusBlockConfig, pipeline.OverallConfig{StreamConfig: deps.StreamConfig}); err != nil {
		return nil, fmt.Errorf("session: hdrplus capture session: configuring hdrplus process block: %w", err)
	}
	if err := hdrplusRP.SetProcessBlock(hdrplusBlock); err != nil {
		return nil, err
	}

	if deps.HdrMode != HdrModeHdrplus {
		pipelineRef := deps.Pipeline
		router.filterResult = func(result hal.CaptureResult) hal.CaptureResult {
			if result.Metadata != nil {
				result.Metadata = pipelineRef.FilterResultMetadata(result.Metadata)
			}
			return result
		}
	}

	// The internal RAW ring stays out of the framework-visible stream list.
	var halStreams []hal.HalStream
	for _, hs := range realtimeHalStreams {
		if hs.ID != rawStreamID {
			halStreams = append(halStreams, hs)
		}
	}

	return &HdrplusCaptureSession{
		resultRouter:             router,
		cameraID:                 deps.CameraID,
		hasPreviewStream:         deps.HasPreviewStream,
		halPreviewStreamID:       deps.HalPreviewStreamID,
		hdrMode:                  deps.HdrMode,
		realtimeRequestProcessor: realtimeRP,
		hdrplusRequestProcessor:  hdrplusRP,
		halStreams:               halStreams,
		logger:                   logger,
	}, nil
}

// allocateRawRing mirrors HdrplusCaptureSession::BuildPipelines's
// raw-stream buffer top-up: the internal RAW stream's pool is allocated
// with HdrplusPayloadFrames extra buffers beyond the HAL stream's own count
// so the ZSL ring has enough depth for one HDR+ payload.
func allocateRawRing(deps Deps, rawStreamID hal.StreamID, halStreams []hal.HalStream) error {
	for _, hs := range halStreams {
		if hs.ID != rawStreamID {
			continue
		}
		extra := deps.HdrplusPayloadFrames
		return deps.StreamMgr.AllocateBuffers(context.Background(), hs, extra, false)
	}
	return fmt.Errorf("session: hdrplus capture session: raw stream %d missing from configured hal streams", rawStreamID)
}

func (s *HdrplusCaptureSession) ConfiguredHalStreams() []hal.HalStream { return s.halStreams }

// isHdrplusRequest accepts a still-capture request with ZSL enabled and
// not explicitly opted out of HDR+, on a configuration that has a preview
// stream to pull the ZSL ring from. CameraDeviceSession's per-request
// preprocessing is what stamps TagOutputIntent/TagEnableZsl/
// TagHdrPlusDisabled onto Settings before the request ever reaches here.
func isHdrplusRequest(request hal.CaptureRequest, hasPreview bool) bool {
	if !hasPreview || request.Settings == nil {
		return false
	}
	intent, _ := request.Settings[hal.TagOutputIntent].(hal.OutputIntent)
	if intent != hal.OutputIntentSnapshot && intent != hal.OutputIntentZSL {
		return false
	}
	if !hal.BoolTag(request.Settings, hal.TagEnableZsl) {
		return false
	}
	if hal.BoolTag(request.Settings, hal.TagHdrPlusDisabled) {
		return false
	}
	return true
}

func (s *HdrplusCaptureSession) ProcessRequest(request hal.CaptureRequest) error {
	ok, err := s.admit(request)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	var procErr error
	if isHdrplusRequest(request, s.hasPreviewStream) {
		s.logger.WithFields(logging.Fields{"frame_number": request.FrameNumber}).Info("hdrplus snapshot request")
		procErr = s.hdrplusRequestProcessor.ProcessRequest(request)
		if procErr != nil {
			s.logger.WithFields(logging.Fields{"frame_number": request.FrameNumber}).
				Info("hdrplus snapshot falling back to realtime processing")
			procErr = s.realtimeRequestProcessor.ProcessRequest(request)
		}
	} else {
		procErr = s.realtimeRequestProcessor.ProcessRequest(request)
	}

	if procErr != nil {
		s.reject(request.FrameNumber)
		return procErr
	}
	return nil
}

func (s *HdrplusCaptureSession) Flush() error {
	s.flush()
	return s.realtimeRequestProcessor.Flush()
}

func (s *HdrplusCaptureSession) Destroy() {
	_ = s.realtimeRequestProcessor.Flush()
	_ = s.hdrplusRequestProcessor.Flush()
}
