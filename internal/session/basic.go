package session

import (
	"fmt"

	"github.com/camerarecorder/multicam-hal/internal/blocks"
	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
	"github.com/camerarecorder/multicam-hal/internal/resultproc"
)

// BasicCaptureSession is the guaranteed fallback: one RealtimeProcessBlock
// feeding a terminal BasicResultProcessor, no RequestProcessor stage (a
// session-level ProcessRequest builds the single ProcessBlockRequest
// directly; a one-pipeline chain has nothing for a request-side stage to
// transform). Always supported; tried last in SelectAndCreate.
type BasicCaptureSession struct {
	*resultRouter
	cameraID   string
	block      *blocks.RealtimeProcessBlock
	halStreams []hal.HalStream
	logger     *logging.Logger
}

func createBasic(deps Deps, resultCB pipeline.ResultCallback, notify pipeline.NotifyCallback) (CaptureSession, error) {
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("session: basic capture session requires a configured pipeline")
	}
	logger := deps.logger("basic-capture-session")

	router, err := newResultRouter(resultCB, notify, logger)
	if err != nil {
		return nil, err
	}

	block := blocks.NewRealtimeProcessBlock(deps.CameraID, deps.Pipeline, logger)
	rp := resultproc.NewBasicResultProcessor(logger)
	if err := rp.SetResultCallback(router.callbacks()); err != nil {
		return nil, err
	}
	if err := block.SetResultProcessor(rp); err != nil {
		return nil, err
	}

	if err := block.ConfigureStreams(
		pipeline.BlockConfig{Streams: deps.StreamConfig.Streams},
		pipeline.OverallConfig{StreamConfig: deps.StreamConfig},
	); err != nil {
		return nil, fmt.Errorf("session: basic capture session: configuring streams: %w", err)
	}

	halStreams, err := block.GetConfiguredHalStreams()
	if err != nil {
		return nil, fmt.Errorf("session: basic capture session: %w", err)
	}

	return &BasicCaptureSession{
		resultRouter: router,
		cameraID:     deps.CameraID,
		block:        block,
		halStreams:   halStreams,
		logger:       logger,
	}, nil
}

func (s *BasicCaptureSession) ConfiguredHalStreams() []hal.HalStream { return s.halStreams }

func (s *BasicCaptureSession) ProcessRequest(request hal.CaptureRequest) error {
	ok, err := s.admit(request)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	blockRequest := hal.ProcessBlockRequest{
		FrameNumber:   request.FrameNumber,
		Settings:      request.Settings.Clone(),
		OutputBuffers: append([]hal.StreamBuffer{}, request.OutputBuffers...),
	}

	if err := s.block.ProcessRequests([]hal.ProcessBlockRequest{blockRequest}, request); err != nil {
		s.reject(request.FrameNumber)
		return err
	}
	return nil
}

func (s *BasicCaptureSession) Flush() error {
	s.flush()
	return s.block.Flush()
}

func (s *BasicCaptureSession) Destroy() {
	_ = s.block.Flush()
}
