package session

import (
	"github.com/camerarecorder/multicam-hal/internal/blocks"
	"github.com/camerarecorder/multicam-hal/internal/depthgen"
	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/camerarecorder/multicam-hal/internal/streammgr"
)

// Deps bundles every collaborator any concrete CaptureSession might need.
// A CameraDeviceSession builds one Deps per stream-configuration cycle
// from its HWL pipeline(s) and camera characteristics; the per-topology
// IsStreamConfigurationSupported/Create pairs read from it. Fields not
// relevant to a chosen topology are simply unused.
type Deps struct {
	CameraID          string
	PhysicalCameraIDs []string
	StreamConfig      hal.StreamConfiguration

	// HasPreviewStream/HalPreviewStreamID come from the device session's
	// stream classification pass rather than being inferred here from
	// the opaque Stream fields the data model carries.
	HasPreviewStream   bool
	HalPreviewStreamID hal.StreamID

	BayerCamera          bool
	HdrplusPayloadFrames uint32         // 0 means the camera has no HDR+ payload configured
	HdrMode              hal.HdrUsageMode // gates the realtime ZSL request processor and FilterResultMetadata

	// Pipeline is the single HWL pipeline driving Basic/HdrplusCaptureSession.
	Pipeline hal.Pipeline
	// PipelineFactory builds one HWL pipeline per physical camera id, used
	// by the multi-camera realtime chain (Rgbird/DualIr).
	PipelineFactory blocks.PipelineFactory

	ActiveArrayWidth, ActiveArrayHeight uint32

	RgbCameraID, Ir1CameraID, Ir2CameraID string
	AutocalEnabled                       bool

	LeadCameraID, SecondCameraID string

	DepthGenerator   depthgen.Generator
	DepthSynchronous bool
	LogicalToIRRatio float64
	IRActiveWidth    int32
	IRActiveHeight   int32
	HasDepthStream   bool

	StreamMgr *streammgr.Manager
	Logger    *logging.Logger
}

func (d Deps) logger(component string) *logging.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return logging.GetLogger(component)
}
