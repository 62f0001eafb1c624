package hal

import "context"

// PipelineID identifies one configured HWL pipeline.
type PipelineID int32

// BlockStreamConfig is the subset of a StreamConfiguration that one
// ProcessBlock will own, plus any internal streams its RequestProcessor
// registered during configuration.
type BlockStreamConfig struct {
	Streams []Stream
}

// HwlPipelineCallback is the set of functions the session supplies to an
// HWL pipeline at ConfigurePipeline time.
type HwlPipelineCallback struct {
	ProcessPipelineResult func(PipelineID, CaptureResult)
	NotifyPipelineMessage func(PipelineID, NotifyMessage)
	// RequestStreamBuffers lets the HWL pull extra buffers mid-pipeline
	// (e.g. a re-request after a dropped fence). Returns an empty slice
	// and a non-nil error when none can be supplied.
	RequestStreamBuffers func(ctx context.Context, streamID StreamID, n int) ([]StreamBuffer, error)
	// ReturnStreamBuffers lets the HWL hand back buffers it no longer needs.
	ReturnStreamBuffers func([]StreamBuffer)
}

// HwlPipelineRequest is one HWL-facing request submitted through
// SubmitRequests, built from a ProcessBlockRequest by the owning ProcessBlock.
type HwlPipelineRequest struct {
	FrameNumber   FrameNumber
	Settings      Metadata
	InputBuffers  []StreamBuffer
	OutputBuffers []StreamBuffer
}

// CameraCharacteristics is an opaque vendor metadata blob describing a
// physical or logical camera's static capabilities.
type CameraCharacteristics Metadata

// Pipeline is the HWL pipeline interface this engine consumes. One
// ProcessBlock owns exactly one (or, for MultiCameraRtProcessBlock, one
// per physical camera) Pipeline instance.
//
// Out of scope: the concrete implementation of this interface; it is the
// hardware abstraction layer that actually programs sensors and submits
// work to ISP/GPU. Only this functional contract is specified.
type Pipeline interface {
	GetCameraID() string
	GetPhysicalCameraIDs() []string
	GetCameraCharacteristics() CameraCharacteristics
	GetPhysicalCameraCharacteristics(id string) (CameraCharacteristics, error)

	ConfigurePipeline(ctx context.Context, cameraID string, callback HwlPipelineCallback,
		blockConfig BlockStreamConfig, overallConfig StreamConfiguration) (PipelineID, error)
	BuildPipelines(ctx context.Context) error
	DestroyPipelines(ctx context.Context) error

	GetConfiguredHalStream(pipelineID PipelineID) ([]HalStream, error)

	SubmitRequests(ctx context.Context, frameNumber FrameNumber, requests []HwlPipelineRequest) error
	Flush(ctx context.Context) error

	ConstructDefaultRequestSettings(template int32) (Metadata, error)
	FilterResultMetadata(in Metadata) Metadata

	PreparePipeline(ctx context.Context, pipelineID PipelineID, frameNumber FrameNumber) error
	IsReconfigurationRequired(oldSessionParams, newSessionParams Metadata) bool

	SetSessionCallback(callback HwlPipelineCallback)
	GetZoomRatioMapper() ZoomRatioMapper
}

// ZoomRatioMapper rewrites crop-region and related tags per camera,
// consumed by CameraDeviceSession's per-request preprocessing and
// per-result postprocessing.
type ZoomRatioMapper interface {
	ApplyZoomRatio(cameraID string, request Metadata) Metadata
	ApplyZoomRatioInverse(cameraID string, result Metadata) Metadata
}
