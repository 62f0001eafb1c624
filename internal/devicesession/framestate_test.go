package devicesession_test

import (
	"testing"

	"github.com/camerarecorder/multicam-hal/internal/devicesession"
	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/stretchr/testify/require"
)

func TestFrameTracker_CompletesOnMetadataAndAllBuffers(t *testing.T) {
	tr := devicesession.NewFrameTracker()
	tr.Admit(1, []hal.StreamID{10, 11})
	tr.Submitted(1)

	require.False(t, tr.BufferArrived(1, 10), "must not complete until both buffers and metadata have arrived")
	require.False(t, tr.MetadataArrived(1), "metadata alone is not enough while a buffer is still outstanding")
	require.True(t, tr.BufferArrived(1, 11), "the last outstanding buffer plus already-arrived metadata completes the frame")
}

func TestFrameTracker_ErrorShortCircuitsAndSuppressesDuplicates(t *testing.T) {
	tr := devicesession.NewFrameTracker()
	tr.Admit(1, []hal.StreamID{10})

	require.True(t, tr.Error(1), "first error transition reports true")
	require.False(t, tr.Error(1), "a second error for the same frame must be suppressed")
	require.True(t, tr.IsErrored(1))

	// Output arriving after an error must not resurrect the frame.
	require.False(t, tr.BufferArrived(1, 10))
	require.False(t, tr.MetadataArrived(1))
}

func TestFrameTracker_ForgetDropsState(t *testing.T) {
	tr := devicesession.NewFrameTracker()
	tr.Admit(1, []hal.StreamID{10})
	tr.Forget(1)
	require.False(t, tr.IsErrored(1))
	// A frame with no tracking state reports false, never panics.
	require.False(t, tr.MetadataArrived(1))
}
