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

// rgbirdSupported mirrors RgbirdCaptureSession::IsStreamConfigurationSupported:
// the three-sensor topology needs one RGB and two distinct IR physical
// camera ids plus a way to build a pipeline per camera.
func rgbirdSupported(deps Deps) bool {
	if deps.RgbCameraID == "" || deps.Ir1CameraID == "" || deps.Ir2CameraID == "" {
		return false
	}
	if deps.Ir1CameraID == deps.Ir2CameraID || deps.Ir1CameraID == deps.RgbCameraID || deps.Ir2CameraID == deps.RgbCameraID {
		return false
	}
	if deps.PipelineFactory == nil {
		return false
	}
	return len(deps.PhysicalCameraIDs) >= 3
}

// RgbirdCaptureSession wires the three-sensor RGB+IR+IR topology: one
// multi-camera realtime chain fanning a logical request into per-camera
// sub-requests, optionally extended with an offline depth segment whose
// inputs are the realtime chain's internal YUV/IR streams.
type RgbirdCaptureSession struct {
	*resultRouter

	requestProcessor *requestproc.RgbirdRtRequestProcessor
	resultProcessor  *resultproc.RgbirdResultRequestProcessor

	halStreams []hal.HalStream
	logger     *logging.Logger
}

func createRgbird(deps Deps, resultCB pipeline.ResultCallback, notify pipeline.NotifyCallback) (CaptureSession, error) {
	if deps.PipelineFactory == nil {
		return nil, fmt.Errorf("session: rgbird capture session requires a pipeline factory")
	}
	logger := deps.logger("rgbird-capture-session")

	router, err := newResultRouter(resultCB, notify, logger)
	if err != nil {
		return nil, err
	}

	hdrplusSupported := deps.HdrplusPayloadFrames > 0
	rtRP := requestproc.NewRgbirdRtRequestProcessor(deps.RgbCameraID, deps.Ir1CameraID, deps.Ir2CameraID,
		deps.ActiveArrayWidth, deps.ActiveArrayHeight, hdrplusSupported, deps.AutocalEnabled, deps.StreamMgr, logger)

	rtBlockConfig, err := rtRP.ConfigureStreams(deps.StreamMgr, deps.StreamConfig)
	if err != nil {
		return nil, fmt.Errorf("session: rgbird capture session: configuring realtime streams: %w", err)
	}

	rrCfg := resultproc.RgbirdResultRequestProcessorConfig{
		RgbCameraID:             deps.RgbCameraID,
		Ir1CameraID:             deps.Ir1CameraID,
		Ir2CameraID:             deps.Ir2CameraID,
		RgbRawStreamID:          rtRP.RgbRawStreamID(),
		HdrplusSupported:        hdrplusSupported,
		RgbInternalYuvStreamID:  rtRP.RgbYuvStreamID(),
		HasInternalYuvStream:    rtRP.HasDepthStream(),
		AutocalEnabled:          deps.AutocalEnabled,
	}
	rtResultProc := resultproc.NewRgbirdResultRequestProcessor(rrCfg, deps.StreamMgr, logger)
	if err := rtResultProc.SetResultCallback(router.callbacks()); err != nil {
		return nil, err
	}

	rtBlock := blocks.NewMultiCameraRtProcessBlock(deps.PipelineFactory, logger)
	if err := rtBlock.SetResultProcessor(rtResultProc); err != nil {
		return nil, err
	}
	if err := rtBlock.ConfigureStreams(rtBlockConfig, pipeline.OverallConfig{StreamConfig: deps.StreamConfig}); err != nil {
		return nil, fmt.Errorf("session: rgbird capture session: configuring realtime process block: %w", err)
	}
	if err := rtRP.SetProcessBlock(rtBlock); err != nil {
		return nil, err
	}

	rtHalStreams, err := rtBlock.GetConfiguredHalStreams()
	if err != nil {
		return nil, fmt.Errorf("session: rgbird capture session: %w", err)
	}

	internalIDs := map[hal.StreamID]uint32{}
	if hdrplusSupported {
		internalIDs[rtRP.RgbRawStreamID()] = deps.HdrplusPayloadFrames
	}
	hasDepth := rtRP.HasDepthStream()
	if hasDepth {
		internalIDs[rtRP.RgbYuvStreamID()] = 0
		for _, id := range rtRP.IrRawStreamIDs() {
			internalIDs[id] = 0
		}
	}

	var halStreams []hal.HalStream
	ctx := context.Background()
	for _, hs := range rtHalStreams {
		if extra, internal := internalIDs[hs.ID]; internal {
			if err := deps.StreamMgr.AllocateBuffers(ctx, hs, extra, false); err != nil {
				return nil, fmt.Errorf("session: rgbird capture session: allocating internal stream %d: %w", hs.ID, err)
			}
			continue
		}
		halStreams = append(halStreams, hs)
	}

	var depthResultProc *resultproc.RgbirdDepthResultProcessor
	if hasDepth {
		if deps.DepthGenerator == nil {
			return nil, fmt.Errorf("session: rgbird capture session: depth stream configured but no depth generator available")
		}
		depthStreamID, _ := rtRP.DepthStreamID()

		depthBlockConfig, err := rtResultProc.ConfigureStreams(deps.StreamMgr, deps.StreamConfig)
		if err != nil {
			return nil, fmt.Errorf("session: rgbird capture session: configuring depth streams: %w", err)
		}

		depthBlock := blocks.NewDepthProcessBlock(deps.DepthGenerator, depthStreamID, deps.DepthSynchronous,
			deps.LogicalToIRRatio, deps.IRActiveWidth, deps.IRActiveHeight, logger)

		depthResultProc = resultproc.NewRgbirdDepthResultProcessor(deps.StreamMgr, logger)
		if err := depthResultProc.SetResultCallback(router.callbacks()); err != nil {
			return nil, err
		}
		if err := depthBlock.SetResultProcessor(depthResultProc); err != nil {
			return nil, err
		}
		if err := depthBlock.ConfigureStreams(depthBlockConfig, pipeline.OverallConfig{StreamConfig: deps.StreamConfig}); err != nil {
			return nil, fmt.Errorf("session: rgbird capture session: configuring depth process block: %w", err)
		}
		if err := rtResultProc.SetProcessBlock(depthBlock); err != nil {
			return nil, err
		}

		depthHalStreams, err := depthBlock.GetConfiguredHalStreams()
		if err != nil {
			return nil, fmt.Errorf("session: rgbird capture session: %w", err)
		}
		halStreams = append(halStreams, depthHalStreams...)
	}

	return &RgbirdCaptureSession{
		resultRouter:     router,
		requestProcessor: rtRP,
		resultProcessor:  rtResultProc,
		halStreams:       halStreams,
		logger:           logger,
	}, nil
}

func (s *RgbirdCaptureSession) ConfiguredHalStreams() []hal.HalStream { return s.halStreams }

func (s *RgbirdCaptureSession) ProcessRequest(request hal.CaptureRequest) error {
	ok, err := s.admit(request)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := s.requestProcessor.ProcessRequest(request); err != nil {
		s.reject(request.FrameNumber)
		return err
	}
	return nil
}

func (s *RgbirdCaptureSession) Flush() error {
	s.flush()
	if err := s.requestProcessor.Flush(); err != nil {
		return err
	}
	return s.resultProcessor.FlushPendingRequests()
}

func (s *RgbirdCaptureSession) Destroy() {
	_ = s.requestProcessor.Flush()
	_ = s.resultProcessor.FlushPendingRequests()
}
