package pipeline_test

import (
	"testing"

	"github.com/camerarecorder/multicam-hal/internal/pipeline"
	"github.com/stretchr/testify/require"
)

func TestRequestIDManagerRoundTrip(t *testing.T) {
	m := pipeline.NewRequestIDManager()

	require.NoError(t, m.SetPipelineRequestID(1, 100, 7))
	require.NoError(t, m.SetPipelineRequestID(2, 100, 8))

	id, err := m.GetPipelineRequestID(1, 100)
	require.NoError(t, err)
	require.Equal(t, 7, int(id))

	// Lookups are non-destructive: partial results and the notify callback
	// all resolve the same entry.
	id, err = m.GetPipelineRequestID(1, 100)
	require.NoError(t, err)
	require.Equal(t, 7, int(id))

	id, err = m.GetPipelineRequestID(2, 100)
	require.NoError(t, err)
	require.Equal(t, 8, int(id))
}

func TestRequestIDManagerRejectsDuplicateKey(t *testing.T) {
	m := pipeline.NewRequestIDManager()

	require.NoError(t, m.SetPipelineRequestID(1, 100, 7))
	require.Error(t, m.SetPipelineRequestID(1, 100, 9))

	// The first mapping survives the rejected overwrite.
	id, err := m.GetPipelineRequestID(1, 100)
	require.NoError(t, err)
	require.Equal(t, 7, int(id))
}

func TestRequestIDManagerRemove(t *testing.T) {
	m := pipeline.NewRequestIDManager()

	require.NoError(t, m.SetPipelineRequestID(1, 100, 7))
	m.RemovePipelineRequestID(1, 100)

	_, err := m.GetPipelineRequestID(1, 100)
	require.Error(t, err)

	// The key is free for the next capture cycle after removal.
	require.NoError(t, m.SetPipelineRequestID(1, 100, 11))
}

func TestRequestIDManagerUnknownKey(t *testing.T) {
	m := pipeline.NewRequestIDManager()
	_, err := m.GetPipelineRequestID(3, 42)
	require.Error(t, err)
}
