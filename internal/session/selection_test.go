package session_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/session"
)

// TestSelectAndCreate_FallsThroughToBasic proves the dispatch order
// (hdrplus -> rgbird -> dualir -> basic) skips every specialized topology
// whose IsStreamConfigurationSupported gate fails and still produces a
// working session from the guaranteed Basic fallback.
func TestSelectAndCreate_FallsThroughToBasic(t *testing.T) {
	halStreams := []hal.HalStream{{ID: 10}}
	pipe := newFakePipeline("cam0", halStreams)

	deps := session.Deps{
		CameraID:     "cam0",
		StreamConfig: hal.StreamConfiguration{Streams: []hal.Stream{{ID: 10}}},
		Pipeline:     pipe,
		// Deliberately leaves BayerCamera/HdrplusPayloadFrames,
		// RgbCameraID/Ir1CameraID/Ir2CameraID and LeadCameraID/SecondCameraID
		// all zero-valued, so hdrplus/rgbird/dualir's supported() gates all
		// fail and selection must fall through to basic.
	}

	s, name, err := session.SelectAndCreate(deps, func(hal.CaptureResult) {}, func(hal.NotifyMessage) {})
	require.NoError(t, err)
	require.Equal(t, "basic", name)
	require.NotNil(t, s)
}

// TestSelectAndCreate_NoPipelineFailsEveryTopology proves that even the
// guaranteed-fallback Basic session still requires a configured pipeline,
// so a totally empty Deps cannot silently produce a working session.
func TestSelectAndCreate_NoPipelineFailsEveryTopology(t *testing.T) {
	_, _, err := session.SelectAndCreate(session.Deps{CameraID: "cam0"}, func(hal.CaptureResult) {}, func(hal.NotifyMessage) {})
	require.Error(t, err)
}
