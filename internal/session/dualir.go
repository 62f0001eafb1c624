package session

import (
	"fmt"

	"github.com/camerarecorder/multicam-hal/internal/blocks"
	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
	"github.com/camerarecorder/multicam-hal/internal/requestproc"
	"github.com/camerarecorder/multicam-hal/internal/resultproc"
)

// dualIrSupported mirrors DualIrCaptureSession::IsStreamConfigurationSupported:
// exactly two physical IR camera ids and a way to build a pipeline per
// camera. Tried after rgbird, so a three-sensor device never falls through
// to here.
func dualIrSupported(deps Deps) bool {
	if deps.LeadCameraID == "" || deps.SecondCameraID == "" || deps.LeadCameraID == deps.SecondCameraID {
		return false
	}
	if deps.PipelineFactory == nil {
		return false
	}
	return len(deps.PhysicalCameraIDs) == 2
}

// DualIrCaptureSession wires the two-sensor IR-only topology: a multi-
// camera realtime chain assigns every logical stream to a lead camera and
// splits each request by output-stream ownership, and
// DualIrResultRequestProcessor merges the two cameras' per-frame metadata
// into one logical result. Unlike RgbirdCaptureSession this topology has
// no depth segment: DualIrResultRequestProcessor's RequestProcessor half
// (the piece that would assemble and submit a depth request) is
// unimplemented, so a configuration that also carries a depth stream is
// rejected here rather than silently dropping the depth buffer.
type DualIrCaptureSession struct {
	*resultRouter

	requestProcessor *requestproc.DualIrRequestProcessor
	halStreams       []hal.HalStream
	logger           *logging.Logger
}

func createDualIr(deps Deps, resultCB pipeline.ResultCallback, notify pipeline.NotifyCallback) (CaptureSession, error) {
	if deps.PipelineFactory == nil {
		return nil, fmt.Errorf("session: dual-ir capture session requires a pipeline factory")
	}
	if deps.HasDepthStream {
		return nil, fmt.Errorf("session: dual-ir capture session does not support a depth segment")
	}
	logger := deps.logger("dual-ir-capture-session")

	router, err := newResultRouter(resultCB, notify, logger)
	if err != nil {
		return nil, err
	}

	rp := requestproc.NewDualIrRequestProcessor(deps.LeadCameraID, logger)
	blockConfig, err := rp.ConfigureStreams(deps.StreamMgr, deps.StreamConfig)
	if err != nil {
		return nil, fmt.Errorf("session: dual-ir capture session: configuring streams: %w", err)
	}
	streamCameraIDs := rp.StreamPhysicalCameraMap()

	resultProc := resultproc.NewDualIrResultRequestProcessor(deps.LeadCameraID, deps.SecondCameraID, streamCameraIDs, logger)
	if err := resultProc.SetResultCallback(router.callbacks()); err != nil {
		return nil, err
	}

	block := blocks.NewMultiCameraRtProcessBlock(deps.PipelineFactory, logger)
	if err := block.SetResultProcessor(resultProc); err != nil {
		return nil, err
	}
	if err := block.ConfigureStreams(blockConfig, pipeline.OverallConfig{StreamConfig: deps.StreamConfig}); err != nil {
		return nil, fmt.Errorf("session: dual-ir capture session: configuring process block: %w", err)
	}
	if err := rp.SetProcessBlock(block); err != nil {
		return nil, err
	}

	halStreams, err := block.GetConfiguredHalStreams()
	if err != nil {
		return nil, fmt.Errorf("session: dual-ir capture session: %w", err)
	}

	return &DualIrCaptureSession{
		resultRouter:     router,
		requestProcessor: rp,
		halStreams:       halStreams,
		logger:           logger,
	}, nil
}

func (s *DualIrCaptureSession) ConfiguredHalStreams() []hal.HalStream { return s.halStreams }

func (s *DualIrCaptureSession) ProcessRequest(request hal.CaptureRequest) error {
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

func (s *DualIrCaptureSession) Flush() error {
	s.flush()
	return s.requestProcessor.Flush()
}

func (s *DualIrCaptureSession) Destroy() {
	_ = s.requestProcessor.Flush()
}
