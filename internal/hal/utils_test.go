package hal_test

import (
	"testing"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/stretchr/testify/require"
)

func stream(w, h uint32) hal.Stream {
	return hal.Stream{Width: w, Height: h, Rotation: 0, DataSpace: 1}
}

func halStream(format hal.PixelFormat) hal.HalStream {
	return hal.HalStream{
		OverrideFormat:    format,
		ProducerUsage:     0x10,
		ConsumerUsage:     0x20,
		OverrideDataSpace: 1,
	}
}

func TestStreamsAreCompatible(t *testing.T) {
	s := stream(1920, 1080)
	h := halStream(34)

	require.True(t, hal.StreamsAreCompatible(s, h, s, h))

	other := stream(1280, 720)
	require.False(t, hal.StreamsAreCompatible(s, h, other, h))

	differentFormat := halStream(35)
	require.False(t, hal.StreamsAreCompatible(s, h, s, differentFormat))

	differentUsage := h
	differentUsage.ConsumerUsage = 0x40
	require.False(t, hal.StreamsAreCompatible(s, h, s, differentUsage))
}

func TestScaleCropRegion(t *testing.T) {
	// A 2:1 logical->IR ratio halves the (left, top, width, height) input;
	// the result is laid out as (top, left, bottom, right).
	scaled := hal.ScaleCropRegion(hal.CropRegion{100, 200, 400, 600}, 2, 640, 480)
	require.Equal(t, hal.CropRegion{100, 50, 400, 250}, scaled)

	// The region clamps to the IR active array.
	clamped := hal.ScaleCropRegion(hal.CropRegion{0, 0, 4000, 3000}, 1, 640, 480)
	require.Equal(t, int32(480), clamped[2])
	require.Equal(t, int32(640), clamped[3])

	// A non-positive ratio falls back to identity scaling.
	identity := hal.ScaleCropRegion(hal.CropRegion{10, 20, 30, 40}, 0, 640, 480)
	require.Equal(t, hal.CropRegion{20, 10, 60, 40}, identity)
}

func TestCopyMetadataExcluding(t *testing.T) {
	src := hal.Metadata{
		"jpeg.orientation": 90,
		"control.aeMode":   1,
	}

	stripped := hal.CopyMetadataExcluding(src, "jpeg.orientation")
	require.NotContains(t, stripped, "jpeg.orientation")
	require.Equal(t, 1, stripped["control.aeMode"])

	// The source blob is untouched.
	require.Contains(t, src, "jpeg.orientation")
}

func TestMetadataCloneIsIndependent(t *testing.T) {
	src := hal.Metadata{"control.aeMode": 1}
	clone := src.Clone()
	clone["control.aeMode"] = 2

	require.Equal(t, 1, src["control.aeMode"])

	var nilMeta hal.Metadata
	require.Nil(t, nilMeta.Clone())
}
